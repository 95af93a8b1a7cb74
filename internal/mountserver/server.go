package mountserver

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/pathspace/remote/internal/diagnostics"
	"github.com/pathspace/remote/internal/liveness"
	"github.com/pathspace/remote/internal/metrics"
	"github.com/pathspace/remote/internal/pathspace"
	"github.com/pathspace/remote/internal/pathutil"
	"github.com/pathspace/remote/internal/pserr"
	"github.com/pathspace/remote/internal/registry"
	"github.com/pathspace/remote/internal/rediscoord"
	"github.com/pathspace/remote/internal/wire"
)

// Options configures a Server.
type Options struct {
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	Registry          *registry.Registry
	Diagnostics       diagnostics.Sink
	Metrics           *metrics.Set
	Compatibility     wire.PayloadCompatibility
	Redis             *rediscoord.Store // optional distributed mode
}

// Server implements the mount server's handlers and session/subscription
// state (spec.md §4.F).
type Server struct {
	opts Options

	mu            sync.RWMutex
	exports       map[string]*ExportEntry
	sessions      map[string]*Session
	subscriptions map[string]*Subscription
	pathVersions  map[string]uint64
	sessionSeq    uint64
	liveness      *liveness.Registry
}

// NewServer constructs an empty server.
func NewServer(opts Options) *Server {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 15 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 2500 * time.Millisecond
	}
	if opts.Registry == nil {
		opts.Registry = registry.Global()
	}
	if opts.Diagnostics == nil {
		opts.Diagnostics = diagnostics.NewFilesystemSink("./diagnostics")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Server{
		opts:          opts,
		exports:       make(map[string]*ExportEntry),
		sessions:      make(map[string]*Session),
		subscriptions: make(map[string]*Subscription),
		pathVersions:  make(map[string]uint64),
		liveness:      liveness.New(),
	}
}

var defaultCapabilities = map[string]bool{"read": true, "wait": true}

// RegisterExport adds an export alias and installs the server's
// notification sink on its space (spec.md §4.F "Local notification
// interposition"). The sink chains to whatever sink was already installed.
func (s *Server) RegisterExport(alias, exportRoot string, space pathspace.PathSpace, capabilities []string, throttleOpts ThrottleOpts) error {
	canonical, err := pathutil.Canonicalize(exportRoot)
	if err != nil {
		return pserr.New(pserr.InvalidPath, "%v", err)
	}

	capSet := make(map[string]bool)
	if len(capabilities) == 0 {
		for k := range defaultCapabilities {
			capSet[k] = true
		}
	} else {
		for _, c := range capabilities {
			capSet[c] = true
		}
	}

	entry := &ExportEntry{
		Alias:               alias,
		CanonicalExportRoot: canonical,
		Space:               space,
		CapabilitySet:       capSet,
		ThrottleOpts:        throttleOpts,
	}

	s.mu.Lock()
	s.exports[alias] = entry
	s.mu.Unlock()

	s.installSink(alias, entry)

	if s.opts.Redis != nil {
		unsub, err := s.opts.Redis.SubscribeNotifications(context.Background(), alias, func(path string) {
			s.handleRemoteNotification(alias, path)
		})
		if err != nil {
			slog.Warn("mountserver: redis notification subscribe failed", "alias", alias, "error", err)
		} else {
			entry.mu.Lock()
			entry.redisUnsubscribe = unsub
			entry.mu.Unlock()
		}
	}
	return nil
}

func (s *Server) installSink(alias string, entry *ExportEntry) {
	ctx := entry.Space.SharedContext()
	previous := ctx.GetSink()
	sink := &serverSink{server: s, alias: alias, previous: previous}
	entry.sink = sink
	s.liveness.Register(sink)
	ctx.SetSink(&guardedSink{registry: s.liveness, target: sink})
}

// guardedSink is the NotificationSink actually installed on an export's
// space. It defers to the process-wide liveness registry (spec.md §4.C,
// component C) so that a mutation racing against UnregisterExport is
// dropped instead of delivered through a torn-down export.
type guardedSink struct {
	registry *liveness.Registry
	target   liveness.Notifiable
}

func (g *guardedSink) Notify(path string) {
	g.registry.SafeNotify(g.target, path)
}

// serverSink is the installed NotificationSink for one export's space. It
// holds a plain back-reference to the server; Go's GC (unlike the weak
// back-reference the source language needs to avoid a retain cycle) makes
// that safe here, so the only liveness concern left is chaining to any
// previously installed sink (spec.md §5, §9).
type serverSink struct {
	server   *Server
	alias    string
	previous pathspace.NotificationSink
}

func (sk *serverSink) Notify(path string) {
	if sk.previous != nil {
		sk.previous.Notify(path)
	}
	sk.server.handleLocalNotification(sk.alias, path)
}

// UnregisterExport removes alias from the server's export table and
// unregisters its sink from the liveness guard, so any Notify already in
// flight against it is dropped rather than handled against a removed
// export (spec.md §4.C).
func (s *Server) UnregisterExport(alias string) {
	s.mu.Lock()
	entry, ok := s.exports[alias]
	if ok {
		delete(s.exports, alias)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	unsub := entry.redisUnsubscribe
	entry.redisUnsubscribe = nil
	sink := entry.sink
	entry.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sink != nil {
		s.liveness.Unregister(sink)
	}
}

func (s *Server) findExport(alias string) (*ExportEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.exports[alias]
	return e, ok
}

func (s *Server) findSession(sessionID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

func (s *Server) nextSessionID() string {
	s.mu.Lock()
	s.sessionSeq++
	id := fmt.Sprintf("sess-%d", s.sessionSeq)
	s.mu.Unlock()
	return id
}

func pathVersionKey(alias, path string) string {
	return alias + "\x00" + path
}

// bumpVersion increments and returns the per-path version (spec.md §3
// PathVersion: "starts at 1 on first observation; bumped on every local
// notification for that path"). When a rediscoord.Store is configured the
// shared counter is authoritative, so multiple server processes exporting
// the same alias agree on one sequence.
func (s *Server) bumpVersion(alias, path string) uint64 {
	if s.opts.Redis != nil {
		v, err := s.opts.Redis.NextVersion(context.Background(), alias, path)
		if err == nil {
			s.mu.Lock()
			s.pathVersions[pathVersionKey(alias, path)] = v
			s.mu.Unlock()
			return v
		}
		slog.Warn("mountserver: redis version bump failed, falling back to local counter", "alias", alias, "path", path, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := pathVersionKey(alias, path)
	v, ok := s.pathVersions[key]
	if !ok {
		v = 1
	} else {
		v++
	}
	s.pathVersions[key] = v
	return v
}

// currentVersion returns the per-path version without bumping it.
func (s *Server) currentVersion(alias, path string) uint64 {
	if s.opts.Redis != nil {
		v, err := s.opts.Redis.CurrentVersion(context.Background(), alias, path)
		if err == nil {
			return v
		}
		slog.Warn("mountserver: redis version read failed, falling back to local counter", "alias", alias, "path", path, "error", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.pathVersions[pathVersionKey(alias, path)]
	if !ok {
		return 1
	}
	return v
}

// withinExportRoot reports whether canonical path lies within the export's
// canonical root.
func withinExportRoot(root, path string) bool {
	if root == "/" {
		return true
	}
	return path == root || strings.HasPrefix(path, root+"/")
}

// relativeToMount strips the export root prefix, returning the path
// relative to the export's underlying space.
func relativeToMount(root, path string) string {
	if root == "/" {
		return path
	}
	rel := strings.TrimPrefix(path, root)
	if rel == "" {
		return "/"
	}
	return rel
}

func (s *Server) logDiagnostic(alias, code, message, subject, audience, fingerprint, proof string) {
	s.opts.Diagnostics.LogEvent(diagnostics.NewEvent(alias, code, message, subject, audience, fingerprint, proof))
}

// handleLocalNotification is the sink callback (spec.md §4.F "Local
// notification interposition"). It bumps the path's version (through the
// shared rediscoord.Store when distributed mode is configured) and, in
// distributed mode, fans the raw path out to sibling server processes via
// Store.PublishNotification so their own subscriptions also fire.
func (s *Server) handleLocalNotification(alias, path string) {
	entry, ok := s.findExport(alias)
	if !ok {
		return
	}
	// The export's space reports paths relative to the export root (the
	// mapping relativeToMount undoes for reads, inserts and takes), so
	// rebuild the canonical wire path that subscriptions are keyed on.
	if entry.CanonicalExportRoot != "/" {
		if path == "/" {
			path = entry.CanonicalExportRoot
		} else {
			path = entry.CanonicalExportRoot + path
		}
	}
	if !withinExportRoot(entry.CanonicalExportRoot, path) {
		return
	}

	version := s.bumpVersion(alias, path)

	if s.opts.Redis != nil {
		if err := s.opts.Redis.PublishNotification(context.Background(), alias, path); err != nil {
			slog.Warn("mountserver: redis notification publish failed", "alias", alias, "path", path, "error", err)
		}
	}

	s.deliverToSubscriptions(entry, alias, path, version)
}

// handleRemoteNotification is invoked for a path published by a sibling
// server process sharing this alias (rediscoord.Store.SubscribeNotifications).
// Unlike handleLocalNotification it never bumps the version (the publishing
// instance already did) or republishes, so the cluster-wide fan-out
// terminates after one hop.
func (s *Server) handleRemoteNotification(alias, path string) {
	entry, ok := s.findExport(alias)
	if !ok {
		return
	}
	if !withinExportRoot(entry.CanonicalExportRoot, path) {
		return
	}
	s.deliverToSubscriptions(entry, alias, path, s.currentVersion(alias, path))
}

// deliverToSubscriptions matches path against every live subscription for
// alias and enqueues a Notification for each one-shot target (spec.md §4.F
// "Local notification interposition", steps 2-5).
func (s *Server) deliverToSubscriptions(entry *ExportEntry, alias, path string, version uint64) {
	s.mu.Lock()
	var targets []*Subscription
	for _, sub := range s.subscriptions {
		if sub.Alias == alias && sub.CanonicalPath == path {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	wantValue := false
	for _, t := range targets {
		if t.IncludeValue {
			wantValue = true
			break
		}
	}

	var valuePayload *wire.ValuePayload
	var typeNamePtr *string
	if wantValue {
		if v, found := entry.Space.(interface {
			Peek(string) (any, bool)
		}); found {
			if raw, ok := v.Peek(relativeToMount(entry.CanonicalExportRoot, path)); ok {
				if vp, typeName, err := encodeValue(s.opts.Registry, raw); err == nil {
					valuePayload = vp
					typeNamePtr = &typeName
				}
			}
		}
	}

	for _, sub := range targets {
		if sub.MinVersion != 0 && version <= sub.MinVersion {
			continue
		}

		s.mu.Lock()
		delete(s.subscriptions, sub.SubID) // one-shot delivery
		sess, sessOK := s.sessions[sub.SessionID]
		s.mu.Unlock()

		if sub.Throttle != nil {
			sub.Throttle.ReleaseWaiter()
		}
		if entry.ThrottleOpts.StreamThrottleThreshold > 0 {
			entry.mu.Lock()
			if entry.WaiterCount > 0 {
				entry.WaiterCount--
			}
			entry.mu.Unlock()
		}

		if !sessOK || sess.Stream == nil {
			continue
		}

		n := wire.Notification{
			SubscriptionID: sub.SubID,
			Path:           path,
			Version:        version,
			Deleted:        false,
		}
		if sub.IncludeValue {
			n.Value = valuePayload
			n.TypeName = typeNamePtr
		}
		dropped := sess.Stream.Enqueue(n)
		if dropped > 0 {
			s.opts.Metrics.PublishDropped(sub.SessionID, dropped)
		}
		throttled, retryAfter := sess.Stream.IsThrottled()
		s.opts.Metrics.PublishStreamThrottle(sub.SessionID, throttled, uint64(retryAfter.Milliseconds()))
	}
}

func encodeValue(reg *registry.Registry, raw any) (*wire.ValuePayload, string, error) {
	desc, ok := reg.FindByType(reflect.TypeOf(raw))
	if !ok {
		return nil, "", pserr.New(pserr.InvalidType, "no registered descriptor for value's Go type")
	}
	encoded, err := registry.Serialize(desc, raw)
	if err != nil {
		return nil, "", err
	}
	return &wire.ValuePayload{
		Encoding: wire.EncodingTypedSlidingBuffer,
		TypeName: desc.Name,
		Data:     registry.EncodeBase64(encoded),
	}, desc.Name, nil
}

// sessionStats exposes read-only export/session counters, e.g. for an
// admin HTTP introspection endpoint.
func (s *Server) sessionStats(alias string) (active, total int) {
	entry, ok := s.findExport(alias)
	if !ok {
		return 0, 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.ActiveSessions, entry.TotalSessions
}

// Shutdown releases every export's rediscoord cross-instance subscription.
// It does not close any configured *rediscoord.Store, since the host may
// share one Store across several servers.
func (s *Server) Shutdown() {
	s.mu.RLock()
	exports := make([]*ExportEntry, 0, len(s.exports))
	for _, e := range s.exports {
		exports = append(exports, e)
	}
	s.mu.RUnlock()

	for _, e := range exports {
		e.mu.Lock()
		unsub := e.redisUnsubscribe
		e.redisUnsubscribe = nil
		e.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	}
}
