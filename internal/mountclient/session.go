package mountclient

import (
	"time"

	"github.com/pathspace/remote/internal/wire"
)

// ensureSession returns immediately if already connected; otherwise opens a
// new session (spec.md §4.G "Session lifecycle").
func (m *MountState) ensureSession() error {
	m.mu.Lock()
	connected := m.status.Connected
	m.mu.Unlock()
	if connected {
		return nil
	}
	return m.openSession()
}

// openSession creates a transport.Session via the configured factory, sends
// MountOpenRequest, and on acceptance stores session_id, heartbeat_interval,
// and lease_deadline.
func (m *MountState) openSession() error {
	sess, err := m.cfg.NewSession()
	if err != nil {
		m.recordError(err)
		return err
	}

	caps := make([]wire.CapabilityRequest, 0, len(m.cfg.RequestCapabilities))
	for _, c := range m.cfg.RequestCapabilities {
		caps = append(caps, wire.CapabilityRequest{Name: c})
	}

	req := &wire.MountOpenRequest{
		RequestID:             m.nextRequestID("open"),
		ClientID:              m.cfg.ClientID,
		Alias:                 m.cfg.Alias,
		ExportRoot:            m.cfg.ExportRoot,
		Version:               wire.ProtocolVersion{Major: 1, Minor: 0},
		RequestedCapabilities: caps,
		Auth:                  m.cfg.Auth,
	}
	frame, err := wire.NewFrame(wire.KindMountOpenReq, uint64(time.Now().UnixMilli()), req)
	if err != nil {
		m.recordError(err)
		return err
	}

	respFrame, _, err := sess.RoundTrip(frame)
	if err != nil {
		m.recordError(err)
		return err
	}
	var resp wire.MountOpenResponse
	if err := wire.DecodePayload(respFrame.Payload, &resp); err != nil {
		m.recordError(err)
		return err
	}
	if !resp.Accepted {
		err := fromWirePayload(resp.Error)
		m.recordError(err)
		return err
	}

	m.mu.Lock()
	m.sessionID = resp.SessionID
	m.heartbeatMs = resp.HeartbeatIntervalMs
	m.transportSession = sess
	m.status.Connected = true
	m.status.SessionID = resp.SessionID
	m.status.LeaseDeadline = time.UnixMilli(int64(resp.LeaseExpiresMs))
	m.status.ConsecutiveErrors = 0
	m.status.LastError = ""
	m.mu.Unlock()
	return nil
}

// recordError updates status bookkeeping without crashing the caller
// (spec.md §7 "Per-operation errors update status counters").
func (m *MountState) recordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.LastError = err.Error()
	m.status.ConsecutiveErrors++
}

// dropSession marks the mount disconnected so the next call to
// ensureSession reopens it (spec.md §7 "transport errors flip the mount's
// status.connected = false and drop the cached session").
func (m *MountState) dropSession() {
	m.mu.Lock()
	m.status.Connected = false
	m.sessionID = ""
	m.transportSession = nil
	m.mu.Unlock()
}

// heartbeatLoop sleeps in notificationPoll-sized chunks up to
// heartbeat_interval, then sends a Heartbeat; any error disconnects the
// session so the next request reopens it (spec.md §4.G "Heartbeat loop").
func (m *MountState) heartbeatLoop() {
	defer m.wg.Done()
	poll := m.cfg.NotificationPoll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	for {
		if m.sleepChunked(poll, m.currentHeartbeatInterval()) {
			return
		}
		if err := m.ensureSession(); err != nil {
			continue
		}

		m.mu.Lock()
		sess := m.transportSession
		sessionID := m.sessionID
		m.mu.Unlock()
		if sess == nil {
			continue
		}

		req := &wire.HeartbeatRequest{RequestID: m.nextRequestID("hb"), SessionID: sessionID}
		frame, err := wire.NewFrame(wire.KindHeartbeat, uint64(time.Now().UnixMilli()), req)
		if err != nil {
			m.recordError(err)
			m.dropSession()
			continue
		}
		respFrame, _, err := sess.RoundTrip(frame)
		if err != nil {
			m.recordError(err)
			m.dropSession()
			continue
		}
		var ack wire.HeartbeatAck
		if err := wire.DecodePayload(respFrame.Payload, &ack); err != nil {
			m.recordError(err)
			m.dropSession()
			continue
		}
		if !ack.Accepted {
			m.recordError(fromWirePayload(ack.Error))
			m.dropSession()
			continue
		}
		m.mu.Lock()
		m.status.LeaseDeadline = time.UnixMilli(int64(ack.LeaseExpiresMs))
		m.mu.Unlock()
	}
}

func (m *MountState) currentHeartbeatInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heartbeatMs > 0 {
		return time.Duration(m.heartbeatMs) * time.Millisecond
	}
	if m.cfg.HeartbeatFloor > 0 {
		return m.cfg.HeartbeatFloor
	}
	return 2500 * time.Millisecond
}

// sleepChunked sleeps total in chunk-sized increments, returning true early
// if stop was requested between chunks (spec.md §4.G "inspect the flag
// between sleeps so they exit promptly").
func (m *MountState) sleepChunked(chunk, total time.Duration) bool {
	if chunk <= 0 {
		chunk = total
	}
	elapsed := time.Duration(0)
	for elapsed < total {
		step := chunk
		if remaining := total - elapsed; remaining < step {
			step = remaining
		}
		select {
		case <-m.stopRequested:
			return true
		case <-time.After(step):
		}
		elapsed += step
	}
	return false
}

