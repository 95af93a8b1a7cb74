// Package liveness implements the process-wide remote registry (spec.md
// §4.C, component C): a liveness guard over live PathSpace-like targets so
// that a notification bound for a torn-down space is dropped instead of
// dereferencing freed state.
package liveness

import (
	"log/slog"
	"sync"
)

// Notifiable is anything that can be safely notified of a path mutation.
// Component C is deliberately generic over this rather than coupled to a
// concrete PathSpace type, since it only ever needs to call Notify.
type Notifiable interface {
	Notify(path string)
}

// Registry is the process-wide set of live targets.
type Registry struct {
	mu      sync.Mutex
	members map[Notifiable]struct{}
}

var global = New()

// New constructs an independent registry; most callers should use the
// process-wide Global() instance instead.
func New() *Registry {
	return &Registry{members: make(map[Notifiable]struct{})}
}

// Global returns the process-wide registry.
func Global() *Registry { return global }

// Register marks target as live. Idempotent; nil is a no-op.
func (r *Registry) Register(target Notifiable) {
	if target == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[target] = struct{}{}
}

// Unregister marks target as no longer live. Idempotent; nil is a no-op.
// Per spec.md §4.C, a target's teardown path must call Unregister before
// releasing its own state, so that the narrow check-then-notify race in
// SafeNotify can only ever observe a stale "still registered" view, never
// notify into memory that has already been freed.
func (r *Registry) Unregister(target Notifiable) {
	if target == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, target)
}

// SafeNotify looks up target, and if still registered, calls its Notify
// outside the registry lock. Any panic from Notify is caught and logged,
// never propagated to the caller.
func (r *Registry) SafeNotify(target Notifiable, path string) {
	if target == nil {
		return
	}
	r.mu.Lock()
	_, live := r.members[target]
	r.mu.Unlock()
	if !live {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("liveness: panic during safe notify", "path", path, "recover", rec)
		}
	}()
	target.Notify(path)
}
