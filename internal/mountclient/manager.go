package mountclient

import (
	"fmt"

	"github.com/pathspace/remote/internal/pathspace"
	"github.com/pathspace/remote/internal/registry"
	"github.com/pathspace/remote/internal/wire"
)

// Manager owns every configured mount's MountState and the three worker
// goroutines per mount (spec.md §4.G "Startup").
type Manager struct {
	root  pathspace.PathSpace
	reg   *registry.Registry
	mounts map[string]*MountState
}

// NewManager constructs a manager that will insert RemoteMountSpace leaves
// into root.
func NewManager(root pathspace.PathSpace, reg *registry.Registry) *Manager {
	if reg == nil {
		reg = registry.Global()
	}
	return &Manager{root: root, reg: reg, mounts: make(map[string]*MountState)}
}

// Mount validates and normalizes cfg, inserts a RemoteMountSpace leaf at
// mount_path (default "/remote/<alias>"), opens the session, and starts the
// heartbeat/notification/mirror loops (spec.md §4.G "Startup").
func (mgr *Manager) Mount(cfg MountConfig) (*MountState, error) {
	if cfg.Alias == "" {
		return nil, fmt.Errorf("mount config requires an alias")
	}
	if cfg.NewSession == nil {
		return nil, fmt.Errorf("mount config for %q requires a session factory", cfg.Alias)
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "/remote/" + cfg.Alias
	}
	if len(cfg.Mirrors) == 0 {
		cfg.Mirrors = defaultMirrors(cfg.Alias)
	}
	if cfg.TakeBatchSize <= 0 {
		cfg.TakeBatchSize = 16
	}

	state := &MountState{
		cfg:            cfg,
		pendingWaiters: make(map[string]*PendingWaiter),
		cachedTakes:    make(map[string][]wire.ValuePayload),
		mirrors:        newMirrorAssignments(cfg.Mirrors),
		stopRequested:  make(chan struct{}),
		registry:       mgr.reg,
	}
	state.space = newRemoteMountSpace(state)

	if err := mgr.root.InsertSpace(cfg.MountPath, state.space); err != nil {
		return nil, fmt.Errorf("mount %q: insert leaf at %q: %w", cfg.Alias, cfg.MountPath, err)
	}

	if err := state.openSession(); err != nil {
		state.recordError(err)
	}

	state.wg.Add(3)
	go state.heartbeatLoop()
	go state.notificationLoop()
	go state.mirrorLoop(mgr.root)

	mgr.mounts[cfg.Alias] = state
	return state, nil
}

// Status returns a snapshot of one mount's live health.
func (mgr *Manager) Status(alias string) (Status, bool) {
	state, ok := mgr.mounts[alias]
	if !ok {
		return Status{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.status, true
}

// Unmount stops one mount's worker loops and releases its pending waiters,
// leaving other mounts untouched.
func (mgr *Manager) Unmount(alias string) {
	state, ok := mgr.mounts[alias]
	if !ok {
		return
	}
	state.stop()
	delete(mgr.mounts, alias)
}

// Shutdown stops every mount's worker loops, failing all pending waiters
// with Timeout("Remote mount stopping") and joining every thread within a
// bounded time (spec.md §4.G "Shutdown", §8 "Shutdown liveness").
func (mgr *Manager) Shutdown() {
	for alias := range mgr.mounts {
		mgr.Unmount(alias)
	}
}

// stop requests shutdown, joins the worker goroutines, fails any still-
// pending waiters, and clears cached state.
func (m *MountState) stop() {
	m.stopOnce.Do(func() {
		close(m.stopRequested)
	})
	m.wg.Wait()

	m.failPendingWaiters(errStoppingTimeout())

	m.mu.Lock()
	m.cachedTakes = make(map[string][]wire.ValuePayload)
	m.transportSession = nil
	m.status.Connected = false
	m.mu.Unlock()
}
