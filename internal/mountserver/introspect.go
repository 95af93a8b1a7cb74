package mountserver

import "time"

// ExportSnapshot is a read-only view of one export's bookkeeping, for
// internal/adminhttp's "/admin/exports" endpoint.
type ExportSnapshot struct {
	Alias            string   `json:"alias"`
	ExportRoot       string   `json:"export_root"`
	Capabilities     []string `json:"capabilities"`
	ActiveSessions   int      `json:"active_sessions"`
	TotalSessions    int      `json:"total_sessions"`
	WaiterCount      int      `json:"waiter_count"`
	ThrottleHits     int      `json:"throttle_hits"`
	WaiterRejections int      `json:"waiter_rejections"`
}

// SessionSnapshot is a read-only view of one open session.
type SessionSnapshot struct {
	SessionID     string    `json:"session_id"`
	Alias         string    `json:"alias"`
	Capabilities  []string  `json:"capabilities"`
	LeaseDeadline time.Time `json:"lease_deadline"`
}

// SubscriptionSnapshot is a read-only view of one pending wait-subscribe.
type SubscriptionSnapshot struct {
	SubscriptionID string `json:"subscription_id"`
	SessionID      string `json:"session_id"`
	Alias          string `json:"alias"`
	Path           string `json:"path"`
}

// Exports returns a snapshot of every registered export, in no particular
// order (map iteration).
func (s *Server) Exports() []ExportSnapshot {
	s.mu.RLock()
	entries := make([]*ExportEntry, 0, len(s.exports))
	for _, e := range s.exports {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]ExportSnapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		caps := make([]string, 0, len(e.CapabilitySet))
		for c := range e.CapabilitySet {
			caps = append(caps, c)
		}
		out = append(out, ExportSnapshot{
			Alias:            e.Alias,
			ExportRoot:       e.CanonicalExportRoot,
			Capabilities:     caps,
			ActiveSessions:   e.ActiveSessions,
			TotalSessions:    e.TotalSessions,
			WaiterCount:      e.WaiterCount,
			ThrottleHits:     e.ThrottleHits,
			WaiterRejections: e.WaiterRejections,
		})
		e.mu.Unlock()
	}
	return out
}

// Sessions returns a snapshot of every currently open session.
func (s *Server) Sessions() []SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.mu.Lock()
		caps := make([]string, 0, len(sess.Capabilities))
		for c := range sess.Capabilities {
			caps = append(caps, c)
		}
		out = append(out, SessionSnapshot{
			SessionID:     sess.SessionID,
			Alias:         sess.Alias,
			Capabilities:  caps,
			LeaseDeadline: sess.LeaseDeadline,
		})
		sess.mu.Unlock()
	}
	return out
}

// Subscriptions returns a snapshot of every pending wait-subscribe.
func (s *Server) Subscriptions() []SubscriptionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SubscriptionSnapshot, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, SubscriptionSnapshot{
			SubscriptionID: sub.SubID,
			SessionID:      sub.SessionID,
			Alias:          sub.Alias,
			Path:           sub.CanonicalPath,
		})
	}
	return out
}
