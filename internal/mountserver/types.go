// Package mountserver implements the mount server (spec.md §4.F): export
// bookkeeping, session lifecycle, capability gating, per-session request
// throttling, per-session notification streams with backpressure, and the
// local notification sink interposition that feeds them.
package mountserver

import (
	"sync"
	"time"

	"github.com/pathspace/remote/internal/pathspace"
	"github.com/pathspace/remote/internal/wire"
)

// ExportEntry is one configured export alias (spec.md §3).
type ExportEntry struct {
	Alias               string
	CanonicalExportRoot string
	Space               pathspace.PathSpace
	CapabilitySet       map[string]bool
	ThrottleOpts        ThrottleOpts

	mu               sync.Mutex
	ActiveSessions   int
	TotalSessions    int
	WaiterCount      int
	ThrottleHits     int
	WaiterRejections int
	redisUnsubscribe func()      // set when rediscoord cross-instance fan-out is active
	sink             *serverSink // registered with the server's liveness guard
}

// ThrottleOpts configures both the per-session request throttle and the
// waiter reservation limit for an export (spec.md §4.F).
type ThrottleOpts struct {
	RequestWindow         time.Duration
	MaxRequestsPerWindow  int
	PenaltyCap            time.Duration
	PenaltyIncrement      time.Duration
	MaxWaitersPerSession  int
	StreamThrottleThreshold int
	StreamHardCap           int
	StreamThrottleWindow    time.Duration
	WaitRetryAfter          time.Duration
}

// DefaultThrottleOpts mirrors the numbers spec.md §4.F cites as examples.
func DefaultThrottleOpts() ThrottleOpts {
	return ThrottleOpts{
		RequestWindow:           time.Second,
		MaxRequestsPerWindow:    50,
		PenaltyCap:              2 * time.Second,
		PenaltyIncrement:        time.Millisecond,
		MaxWaitersPerSession:    64,
		StreamThrottleThreshold: 128,
		StreamHardCap:           1024,
		StreamThrottleWindow:    250 * time.Millisecond,
		WaitRetryAfter:          250 * time.Millisecond,
	}
}

// SessionThrottleState is the continuous-credit request throttle state,
// shared by a session and its subscriptions via a plain pointer
// (spec.md §3).
type SessionThrottleState struct {
	mu            sync.Mutex
	opts          ThrottleOpts
	nextAllowed   time.Time
	activeWaiters int
}

// Session is one accepted mount (spec.md §3, §4.F).
type Session struct {
	SessionID      string
	Alias           string
	Capabilities     map[string]bool
	mu                sync.Mutex
	LeaseDeadline      time.Time
	Throttle            *SessionThrottleState
	Stream               *SessionStream
}

func (s *Session) hasCapability(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Capabilities[name]
}

func (s *Session) leaseExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.LeaseDeadline)
}

func (s *Session) renewLease(deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LeaseDeadline = deadline
}

// SessionStream is the bounded FIFO of Notification a session's batched
// notification-stream RPC drains (spec.md §3, §4.F).
type SessionStream struct {
	mu            sync.Mutex
	cond          *sync.Cond
	pending       []wire.Notification
	dropped       int
	closed        bool
	throttled     bool
	throttleUntil time.Time
	opts          ThrottleOpts
}

// NewSessionStream constructs a stream with its condition variable wired to
// its own mutex.
func NewSessionStream(opts ThrottleOpts) *SessionStream {
	s := &SessionStream{opts: opts}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Subscription is a one-shot path waiter bound to a session (spec.md §3).
type Subscription struct {
	SubID           string
	SessionID        string
	Alias             string
	CanonicalPath      string
	IncludeValue        bool
	IncludeChildren      bool
	MinVersion            uint64
	Throttle                *SessionThrottleState // plain pointer; the subscription is deleted on session drop
}
