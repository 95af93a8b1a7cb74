package mountserver

import (
	"time"

	"github.com/pathspace/remote/internal/wire"
)

// Enqueue appends n to the stream's pending FIFO, applying the hard-cap
// drop-oldest policy and the throttle-threshold backpressure policy
// (spec.md §4.F "Per-stream backpressure").
func (s *SessionStream) Enqueue(n wire.Notification) (droppedNow int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	s.pending = append(s.pending, n)
	if len(s.pending) > s.opts.StreamHardCap {
		excess := len(s.pending) - s.opts.StreamHardCap
		s.pending = s.pending[excess:]
		s.dropped += excess
		droppedNow = excess
	}

	if len(s.pending) >= s.opts.StreamThrottleThreshold {
		s.throttled = true
		s.throttleUntil = time.Now().Add(s.opts.StreamThrottleWindow)
	}

	s.cond.Broadcast()
	return droppedNow
}

// Drain blocks until timeout elapses, the stream closes, or pending becomes
// non-empty, then returns up to maxBatch notifications (spec.md §4.F
// handleNotificationStream). It also recomputes and clears throttle state
// when the backlog has fallen below threshold and the throttle window has
// elapsed.
func (s *SessionStream) Drain(timeout time.Duration, maxBatch int) (batch []wire.Notification, closed bool, throttled bool, throttleUntilMs uint64) {
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) == 0 && !s.closed && time.Now().Before(deadline) {
		s.waitUntil(deadline)
	}

	n := maxBatch
	if n <= 0 || n > len(s.pending) {
		n = len(s.pending)
	}
	batch = append(batch, s.pending[:n]...)
	s.pending = s.pending[n:]

	if s.throttled && len(s.pending) < s.opts.StreamThrottleThreshold && !time.Now().Before(s.throttleUntil) {
		s.throttled = false
	}

	throttled = s.throttled
	if s.throttled {
		throttleUntilMs = uint64(s.throttleUntil.UnixMilli())
	}
	return batch, s.closed, throttled, throttleUntilMs
}

// Close marks the stream closed and wakes any blocked drain.
func (s *SessionStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// DroppedCount returns the cumulative number of notifications dropped from
// the hard cap.
func (s *SessionStream) DroppedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// IsThrottled reports the stream's current throttle state and, if
// throttled, the remaining window.
func (s *SessionStream) IsThrottled() (throttled bool, retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.throttled {
		return false, 0
	}
	remaining := time.Until(s.throttleUntil)
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining
}

// waitUntil waits on s.cond up to deadline. Caller must hold s.mu; it is
// released while waiting and reacquired before return, mirroring
// waitmap.Guard.WaitUntilMs for a stream's own dedicated condition
// variable.
func (s *SessionStream) waitUntil(deadline time.Time) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(remaining):
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()
	s.cond.Wait()
	close(done)
}
