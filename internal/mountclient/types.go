// Package mountclient implements the mount client manager (spec.md §4.G):
// per-mount session lifecycle, the heartbeat/notification/mirror worker
// loops, request paths, and the RemoteMountSpace leaf that lets a mounted
// remote export be read/written through the local PathSpace interface.
package mountclient

import (
	"strconv"
	"sync"
	"time"

	"github.com/pathspace/remote/internal/pathspace"
	"github.com/pathspace/remote/internal/registry"
	"github.com/pathspace/remote/internal/transport"
	"github.com/pathspace/remote/internal/wire"
)

// SessionFactory opens the transport session used for one mount's RPCs.
// Supplied by the host, which chooses the server address and TLS settings.
type SessionFactory func() (*transport.Session, error)

// MountConfig describes one configured remote mount (spec.md §4.G
// "Startup").
type MountConfig struct {
	Alias              string
	ExportRoot         string
	MountPath          string // defaults to "/remote/<alias>"
	ClientID           string
	Auth               wire.AuthContext
	RequestCapabilities []string
	HeartbeatFloor     time.Duration // heartbeat interval used while the server has granted no heartbeat_interval_ms (2.5s if zero)
	NotificationPoll   time.Duration // chunk size the heartbeat and mirror loops sleep in
	TakeBatchSize      int
	Mirrors            []MirrorConfig
	NewSession         SessionFactory
}

// MirrorConfig configures one periodic mirror assignment (spec.md §4.G
// "Mirror loop").
type MirrorConfig struct {
	Mode        MirrorMode
	RemoteRoot  string
	LocalRoot   string
	Interval    time.Duration
	MaxNodes    int
	MaxDepth    int
	MaxChildren int
}

// MirrorMode selects a mirror strategy.
type MirrorMode int

const (
	AppendOnly MirrorMode = iota
	TreeSnapshot
)

// MirrorAssignment is one mirror's live scheduling/progress state.
type MirrorAssignment struct {
	Config    MirrorConfig
	NextRun   time.Time
	LastChild string // AppendOnly cursor
}

// Status reports a mount's live health, surfaced for introspection.
type Status struct {
	Connected          bool
	SessionID          string
	LeaseDeadline      time.Time
	LastError          string
	ConsecutiveErrors  int
	WaiterDepth        int
	DroppedNotifications int
}

// PendingWaiter is a caller parked on performWait, matched to its
// subscription_id when a Notification arrives on the notification loop
// (spec.md §4.G "Notification loop").
type PendingWaiter struct {
	mu           sync.Mutex
	cond         *sync.Cond
	completed    bool
	notification *wire.Notification
	err          error
}

func newPendingWaiter() *PendingWaiter {
	w := &PendingWaiter{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// MountState is the manager's exclusively-owned per-mount state; worker
// threads hold a stable pointer and observe stopRequested as an atomic
// flag (spec.md §5 "MountState is exclusively owned by the manager").
type MountState struct {
	cfg MountConfig

	mu              sync.Mutex
	status          Status
	sessionID       string
	heartbeatMs     uint64
	requestSeq      uint64
	pendingWaiters  map[string]*PendingWaiter // subscription_id -> waiter
	cachedTakes     map[string][]wire.ValuePayload
	mirrors         []*MirrorAssignment

	stopRequested chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	transportSession *transport.Session
	registry         *registry.Registry

	space *RemoteMountSpace
}

func (m *MountState) nextRequestID(prefix string) string {
	m.mu.Lock()
	m.requestSeq++
	id := prefix + "-" + strconv.FormatUint(m.requestSeq, 10)
	m.mu.Unlock()
	return id
}

var _ pathspace.PathSpace = (*RemoteMountSpace)(nil)
