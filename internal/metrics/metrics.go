// Package metrics publishes the named gauges/counters spec.md §4.F refers
// to (sessions/active, throttle/hits_total, etc.) via prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Set is the collection of metrics one mount server publishes into,
// registered against its own prometheus.Registry so multiple servers in one
// process don't collide.
type Set struct {
	mu sync.Mutex

	SessionsActive  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	LeaseExpiresMs  *prometheus.GaugeVec
	LastSubject     *prometheus.GaugeVec // exported as a labeled presence gauge
	LastFingerprint *prometheus.GaugeVec

	ThrottleLastSleepMs *prometheus.GaugeVec
	ThrottleHitsTotal   *prometheus.CounterVec

	NotificationsThrottled     *prometheus.GaugeVec
	NotificationsRetryAfterMs  *prometheus.GaugeVec
	NotificationsDroppedTotal  *prometheus.CounterVec

	WaiterDepth *prometheus.GaugeVec

	Registry *prometheus.Registry
}

// New constructs a Set and registers all metrics on a fresh registry.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		Registry: reg,
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pathspace_remote", Subsystem: "sessions", Name: "active",
			Help: "Currently active sessions per export alias.",
		}, []string{"alias"}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pathspace_remote", Subsystem: "sessions", Name: "total",
			Help: "Total sessions ever accepted per export alias.",
		}, []string{"alias"}),
		LeaseExpiresMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pathspace_remote", Subsystem: "status", Name: "lease_expires_ms",
			Help: "Lease expiry (unix ms) of the most recently touched session.",
		}, []string{"alias", "session_id"}),
		LastSubject: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pathspace_remote", Subsystem: "status", Name: "last_subject",
			Help: "Presence gauge labeled with the last accepted auth subject.",
		}, []string{"alias", "subject"}),
		LastFingerprint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pathspace_remote", Subsystem: "status", Name: "last_fingerprint",
			Help: "Presence gauge labeled with the last accepted auth fingerprint.",
		}, []string{"alias", "fingerprint"}),
		ThrottleLastSleepMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pathspace_remote", Subsystem: "throttle", Name: "last_sleep_ms",
			Help: "Milliseconds the most recent request throttle slept for.",
		}, []string{"alias", "session_id"}),
		ThrottleHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pathspace_remote", Subsystem: "throttle", Name: "hits_total",
			Help: "Requests that incurred a non-zero throttle sleep.",
		}, []string{"alias"}),
		NotificationsThrottled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pathspace_remote", Subsystem: "notifications", Name: "throttled",
			Help: "1 if a session stream is currently throttled, else 0.",
		}, []string{"session_id"}),
		NotificationsRetryAfterMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pathspace_remote", Subsystem: "notifications", Name: "retry_after_ms",
			Help: "Remaining throttle window for a session's stream, in ms.",
		}, []string{"session_id"}),
		NotificationsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pathspace_remote", Subsystem: "notifications", Name: "dropped_total",
			Help: "Notifications dropped from a session stream's hard cap.",
		}, []string{"session_id"}),
		WaiterDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pathspace_remote", Subsystem: "waiters", Name: "depth",
			Help: "Active waiter reservations per session.",
		}, []string{"session_id"}),
	}

	for _, c := range []prometheus.Collector{
		s.SessionsActive, s.SessionsTotal, s.LeaseExpiresMs, s.LastSubject, s.LastFingerprint,
		s.ThrottleLastSleepMs, s.ThrottleHitsTotal,
		s.NotificationsThrottled, s.NotificationsRetryAfterMs, s.NotificationsDroppedTotal,
		s.WaiterDepth,
	} {
		reg.MustRegister(c)
	}
	return s
}

// PublishLeaseGranted records the metrics a successful handleMountOpen
// publishes (spec.md §4.F).
func (s *Set) PublishLeaseGranted(alias, sessionID string, leaseExpiresMs uint64, subject, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SessionsActive.WithLabelValues(alias).Inc()
	s.SessionsTotal.WithLabelValues(alias).Inc()
	s.LeaseExpiresMs.WithLabelValues(alias, sessionID).Set(float64(leaseExpiresMs))
	if subject != "" {
		s.LastSubject.WithLabelValues(alias, subject).Set(1)
	}
	if fingerprint != "" {
		s.LastFingerprint.WithLabelValues(alias, fingerprint).Set(1)
	}
}

// PublishSessionClosed decrements the active-session gauge.
func (s *Set) PublishSessionClosed(alias string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SessionsActive.WithLabelValues(alias).Dec()
}

// PublishThrottleSleep records a per-session request throttle sleep.
func (s *Set) PublishThrottleSleep(alias, sessionID string, sleepMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ThrottleLastSleepMs.WithLabelValues(alias, sessionID).Set(float64(sleepMs))
	if sleepMs > 0 {
		s.ThrottleHitsTotal.WithLabelValues(alias).Inc()
	}
}

// PublishStreamThrottle records a session stream's backpressure state.
func (s *Set) PublishStreamThrottle(sessionID string, throttled bool, retryAfterMs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := 0.0
	if throttled {
		v = 1.0
	}
	s.NotificationsThrottled.WithLabelValues(sessionID).Set(v)
	s.NotificationsRetryAfterMs.WithLabelValues(sessionID).Set(float64(retryAfterMs))
}

// PublishDropped records notifications dropped from a session stream's hard
// cap.
func (s *Set) PublishDropped(sessionID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NotificationsDroppedTotal.WithLabelValues(sessionID).Add(float64(n))
}

// PublishWaiterDepth sets the current waiter reservation count for a
// session.
func (s *Set) PublishWaiterDepth(sessionID string, depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WaiterDepth.WithLabelValues(sessionID).Set(float64(depth))
}
