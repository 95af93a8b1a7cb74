// Package rediscoord provides an optional Redis-backed coordination layer
// so multiple mount server processes sharing an export can agree on a
// path's version counter and fan out local notifications to each other
// (spec.md §4.F publishes per-path versions and throttle state; this
// package is the distributed variant of state that §5 otherwise keeps
// purely in-process).
package rediscoord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps a go-redis client with the narrow operations the mount
// server's distributed mode needs: version counters and cross-instance
// notification fan-out.
type Store struct {
	rdb *redis.Client
}

// NewStore connects to addr and verifies connectivity.
func NewStore(addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	slog.Info("rediscoord: connected", "addr", addr, "db", db)
	return &Store{rdb: rdb}, nil
}

// Close shuts down the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func versionKey(alias, path string) string {
	return "pathspace:remote:version:" + alias + ":" + path
}

// NextVersion atomically bumps and returns the shared version counter for
// (alias, path), the distributed analog of the in-process path_versions map
// (spec.md §3 PathVersion, §4.F handleRead/sink interposition).
func (s *Store) NextVersion(ctx context.Context, alias, path string) (uint64, error) {
	n, err := s.rdb.Incr(ctx, versionKey(alias, path)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr version: %w", err)
	}
	return uint64(n), nil
}

// CurrentVersion reads the shared version counter without bumping it,
// defaulting to 1 on first observation (spec.md §3: "starts at 1 on first
// observation").
func (s *Store) CurrentVersion(ctx context.Context, alias, path string) (uint64, error) {
	n, err := s.rdb.Get(ctx, versionKey(alias, path)).Int64()
	if err == redis.Nil {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get version: %w", err)
	}
	if n < 1 {
		return 1, nil
	}
	return uint64(n), nil
}

func notifyChannel(alias string) string {
	return "pathspace:remote:notify:" + alias
}

// PublishNotification broadcasts a local notification to every other mount
// server instance subscribed for alias, so their sink interposition can
// deliver it to sessions they, not this process, are holding.
func (s *Store) PublishNotification(ctx context.Context, alias, path string) error {
	return s.rdb.Publish(ctx, notifyChannel(alias), path).Err()
}

// SubscribeNotifications registers handler for every path notification
// published for alias by any instance (including this one; callers should
// de-duplicate on their own notify path if that matters). Returns an
// unsubscribe function.
func (s *Store) SubscribeNotifications(ctx context.Context, alias string, handler func(path string)) (func(), error) {
	sub := s.rdb.Subscribe(ctx, notifyChannel(alias))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", alias, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler(msg.Payload)
		}
	}()

	return func() { sub.Close() }, nil
}
