package mountclient

import (
	"time"

	"github.com/pathspace/remote/internal/wire"
)

// notificationLoop repeatedly drains the session's batched notification
// stream and demuxes each Notification to its matching PendingWaiter
// (spec.md §4.G "Notification loop").
func (m *MountState) notificationLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopRequested:
			return
		default:
		}

		if err := m.ensureSession(); err != nil {
			m.failPendingWaiters(err)
			if m.sleepChunked(250*time.Millisecond, 250*time.Millisecond) {
				return
			}
			continue
		}

		m.mu.Lock()
		sess := m.transportSession
		sessionID := m.sessionID
		m.mu.Unlock()
		if sess == nil {
			continue
		}

		req := &wire.NotificationStreamRequest{
			RequestID: m.nextRequestID("stream"),
			SessionID: sessionID,
			TimeoutMs: 250,
			MaxBatch:  32,
		}
		frame, err := wire.NewFrame(wire.KindNotificationStreamReq, uint64(time.Now().UnixMilli()), req)
		if err != nil {
			m.recordError(err)
			continue
		}
		respFrame, err := m.roundTripOrDrop(frame)
		if err != nil {
			m.failPendingWaiters(err)
			if m.sleepChunked(250*time.Millisecond, 250*time.Millisecond) {
				return
			}
			continue
		}
		var resp wire.NotificationStreamResponse
		if err := wire.DecodePayload(respFrame.Payload, &resp); err != nil {
			m.recordError(err)
			continue
		}
		if resp.Error != nil {
			m.failPendingWaiters(fromWirePayload(resp.Error))
			if resp.ThrottleUntilMs > 0 {
				wait := time.Until(time.UnixMilli(int64(resp.ThrottleUntilMs)))
				if wait > 0 {
					if m.sleepChunked(wait, wait) {
						return
					}
				}
			}
			continue
		}
		for _, n := range resp.Notifications {
			m.deliverNotification(n)
		}
	}
}

// deliverNotification pops the pending waiter matching n's subscription_id
// (if any) and wakes it; absent waiters increment dropped_notifications
// (spec.md §4.G "On each notification").
func (m *MountState) deliverNotification(n wire.Notification) {
	m.mu.Lock()
	waiter, ok := m.pendingWaiters[n.SubscriptionID]
	if ok {
		delete(m.pendingWaiters, n.SubscriptionID)
	} else {
		m.status.DroppedNotifications++
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	waiter.mu.Lock()
	cp := n
	waiter.notification = &cp
	waiter.completed = true
	waiter.cond.Broadcast()
	waiter.mu.Unlock()
}

// failPendingWaiters completes every currently pending waiter with err, so
// callers get a timely result instead of hanging (spec.md §7 "Notification-
// loop errors fail all pending waiters").
func (m *MountState) failPendingWaiters(err error) {
	m.mu.Lock()
	waiters := make([]*PendingWaiter, 0, len(m.pendingWaiters))
	for id, w := range m.pendingWaiters {
		waiters = append(waiters, w)
		delete(m.pendingWaiters, id)
	}
	m.mu.Unlock()

	for _, w := range waiters {
		w.mu.Lock()
		w.err = err
		w.completed = true
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}
