// Package waitmap implements the path-keyed wait/notify coordinator,
// spec.md §4.B (component B). It keeps one condition variable per path
// under a single coordinator mutex and supports both concrete and glob
// notification.
package waitmap

import (
	"sync"
	"time"

	"github.com/pathspace/remote/internal/pathutil"
)

// Map is the coordinator: path -> condition variable, all guarded by one
// mutex (spec.md §5: "each guarded by a dedicated mutex").
type Map struct {
	mu    sync.Mutex
	conds map[string]*sync.Cond
}

// New constructs an empty coordinator.
func New() *Map {
	return &Map{conds: make(map[string]*sync.Cond)}
}

func (m *Map) condFor(path string) *sync.Cond {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conds[path]
	if !ok {
		c = sync.NewCond(&m.mu)
		m.conds[path] = c
	}
	return c
}

// Guard is a scoped wait handle holding the coordinator lock. The caller
// must call Release exactly once; WaitForever and WaitUntilMs return with
// the lock still held and do not release it.
type Guard struct {
	m    *Map
	cond *sync.Cond
	path string
	held bool
}

// Wait acquires the coordinator lock (unique acquisition) and returns a
// guard scoped to path. Spurious wakeups are permitted; callers must
// re-check their own condition after each wait.
func (m *Map) Wait(path string) *Guard {
	cond := m.condFor(path)
	m.mu.Lock()
	return &Guard{m: m, cond: cond, path: path, held: true}
}

// WaitForever blocks until notified (at least once; may be spurious).
func (g *Guard) WaitForever() {
	if !g.held {
		return
	}
	g.cond.Wait()
}

// WaitUntilMs blocks until notified or until timeoutMs elapses, whichever
// comes first. It returns false on timeout (lock is still held on return
// either way; the caller must still call Release).
func (g *Guard) WaitUntilMs(timeoutMs int64) bool {
	if !g.held {
		return false
	}
	if timeoutMs <= 0 {
		return g.pollOnce()
	}
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(time.Until(deadline)):
			g.m.mu.Lock()
			g.cond.Broadcast()
			g.m.mu.Unlock()
		case <-done:
		}
	}()
	g.cond.Wait()
	close(done)
	return time.Now().Before(deadline)
}

func (g *Guard) pollOnce() bool {
	return false
}

// Release releases the coordinator lock held by this guard.
func (g *Guard) Release() {
	if !g.held {
		return
	}
	g.held = false
	g.m.mu.Unlock()
}

// Notify wakes waiters on path. If path is a glob pattern, every currently
// registered concrete key matching it is woken; "**" super-matches the
// tail of a path.
func (m *Map) Notify(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !pathutil.IsGlob(path) {
		if c, ok := m.conds[path]; ok {
			c.Broadcast()
		}
		return
	}
	for key, c := range m.conds {
		if pathutil.Match(path, key) {
			c.Broadcast()
		}
	}
}

// NotifyAll wakes every waiter on every path, used for shutdown.
func (m *Map) NotifyAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conds {
		c.Broadcast()
	}
}

// Clear drops all condition variables (used for shutdown/reset).
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conds = make(map[string]*sync.Cond)
}
