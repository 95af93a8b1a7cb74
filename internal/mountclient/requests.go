package mountclient

import (
	"reflect"
	"strings"
	"time"

	"github.com/pathspace/remote/internal/pserr"
	"github.com/pathspace/remote/internal/registry"
	"github.com/pathspace/remote/internal/wire"
)

const defaultWaitTimeout = time.Duration(0) // sentinel: infinite (spec.md §4.G DEFAULT_TIMEOUT)

// remotePath joins a mount-relative path (as RemoteMountSpace receives it)
// with the mount's export_root, since every wire request's path must be
// absolute within the server's export root, not the local mount prefix.
func (m *MountState) remotePath(relative string) string {
	root := m.cfg.ExportRoot
	if root == "" || root == "/" {
		return relative
	}
	root = strings.TrimRight(root, "/")
	if relative == "" || relative == "/" {
		return root
	}
	return root + relative
}

// roundTripOrDrop sends req over the mount's current session, dropping the
// session on any transport-level failure so the next call reopens it.
func (m *MountState) roundTripOrDrop(frame *wire.Frame) (*wire.Frame, error) {
	if err := m.ensureSession(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	sess := m.transportSession
	m.mu.Unlock()
	if sess == nil {
		return nil, pserr.New(pserr.UnknownError, "no transport session available")
	}
	resp, _, err := sess.RoundTrip(frame)
	if err != nil {
		m.recordError(err)
		m.dropSession()
		return nil, err
	}
	return resp, nil
}

// performInsert serializes value via the registry, base64-encodes it into a
// ValuePayload, and sends InsertRequest (spec.md §4.G "Request paths").
func (m *MountState) performInsert(relative string, value any) error {
	desc, ok := m.registry.FindByType(reflect.TypeOf(value))
	if !ok {
		return pserr.New(pserr.InvalidType, "no registered descriptor for value's Go type")
	}
	encoded, err := registry.Serialize(desc, value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	req := &wire.InsertRequest{
		RequestID: m.nextRequestID("insert"),
		SessionID: sessionID,
		Alias:     m.cfg.Alias,
		Path:      m.remotePath(relative),
		Value: wire.ValuePayload{
			Encoding: wire.EncodingTypedSlidingBuffer,
			TypeName: desc.Name,
			Data:     registry.EncodeBase64(encoded),
		},
	}
	frame, err := wire.NewFrame(wire.KindInsertReq, uint64(time.Now().UnixMilli()), req)
	if err != nil {
		return err
	}
	respFrame, err := m.roundTripOrDrop(frame)
	if err != nil {
		return err
	}
	var resp wire.InsertResponse
	if err := wire.DecodePayload(respFrame.Payload, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fromWirePayload(resp.Error)
	}
	return nil
}

// performRead sends ReadRequest{include_value=true} and decodes the
// response into a Go value via the registry.
func (m *MountState) performRead(relative string, atLeastVersion *uint64) (any, uint64, error) {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	var consistency *wire.ReadConsistency
	if atLeastVersion != nil {
		consistency = &wire.ReadConsistency{Mode: wire.ConsistencyAtLeastVersion, AtLeastVersion: atLeastVersion}
	}

	req := &wire.ReadRequest{
		RequestID:    m.nextRequestID("read"),
		SessionID:    sessionID,
		Alias:        m.cfg.Alias,
		Path:         m.remotePath(relative),
		IncludeValue: true,
		Consistency:  consistency,
	}
	frame, err := wire.NewFrame(wire.KindReadReq, uint64(time.Now().UnixMilli()), req)
	if err != nil {
		return nil, 0, err
	}
	respFrame, err := m.roundTripOrDrop(frame)
	if err != nil {
		return nil, 0, err
	}
	var resp wire.ReadResponse
	if err := wire.DecodePayload(respFrame.Payload, &resp); err != nil {
		return nil, 0, err
	}
	if !resp.Success {
		return nil, resp.Version, fromWirePayload(resp.Error)
	}
	if resp.Value == nil {
		return nil, resp.Version, nil
	}
	value, err := decodeValuePayload(m.registry, resp.Value)
	return value, resp.Version, err
}

func decodeValuePayload(reg *registry.Registry, v *wire.ValuePayload) (any, error) {
	desc, ok := reg.FindByName(v.TypeName)
	if !ok {
		return nil, pserr.New(pserr.InvalidType, "no registered descriptor named %q", v.TypeName)
	}
	raw, err := registry.DecodeBase64(v.Data)
	if err != nil {
		return nil, pserr.New(pserr.MalformedInput, "invalid base64 value payload: %v", err)
	}
	return registry.Deserialize(desc, raw)
}

// performTake checks the per-remote cached_takes deque first; if empty it
// sends TakeRequest{max_items = clamp(take_batch_size,1,64)}, applies the
// first value, and caches the rest (spec.md §4.G "Request paths").
func (m *MountState) performTake(relative, typeName string) (any, error) {
	if cached := m.popCachedTake(relative); cached != nil {
		return decodeValuePayload(m.registry, cached)
	}

	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	batch := m.cfg.TakeBatchSize
	req := &wire.TakeRequest{
		RequestID: m.nextRequestID("take"),
		SessionID: sessionID,
		Alias:     m.cfg.Alias,
		Path:      m.remotePath(relative),
		TypeName:  typeName,
		MaxItems:  wire.ClampMaxItems(batch),
	}
	frame, err := wire.NewFrame(wire.KindTakeReq, uint64(time.Now().UnixMilli()), req)
	if err != nil {
		return nil, err
	}
	respFrame, err := m.roundTripOrDrop(frame)
	if err != nil {
		return nil, err
	}
	var resp wire.TakeResponse
	if err := wire.DecodePayload(respFrame.Payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fromWirePayload(resp.Error)
	}
	if len(resp.Values) == 0 {
		return nil, pserr.New(pserr.NoObjectFound, "take returned no values for %q", relative)
	}

	first := resp.Values[0]
	if len(resp.Values) > 1 {
		m.pushCachedTakes(relative, resp.Values[1:])
	}
	return decodeValuePayload(m.registry, &first)
}

func (m *MountState) popCachedTake(relative string) *wire.ValuePayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.cachedTakes[relative]
	if len(q) == 0 {
		return nil
	}
	v := q[0]
	m.cachedTakes[relative] = q[1:]
	return &v
}

func (m *MountState) pushCachedTakes(relative string, values []wire.ValuePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cachedTakes[relative] = append(m.cachedTakes[relative], values...)
}

// performWait subscribes to relative and parks on a PendingWaiter's
// condition variable up to timeout (spec.md §4.G "Request paths",
// "performWait").
func (m *MountState) performWait(relative string, timeout time.Duration) (any, error) {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	subID := m.nextRequestID("wait") + "-" + m.cfg.Alias
	waiter := newPendingWaiter()

	m.mu.Lock()
	m.pendingWaiters[subID] = waiter
	m.status.WaiterDepth++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pendingWaiters, subID)
		if m.status.WaiterDepth > 0 {
			m.status.WaiterDepth--
		}
		m.mu.Unlock()
	}()

	req := &wire.WaitSubscribeRequest{
		RequestID:      m.nextRequestID("waitsub"),
		SessionID:      sessionID,
		Alias:          m.cfg.Alias,
		Path:           m.remotePath(relative),
		SubscriptionID: subID,
		IncludeValue:   true,
	}
	frame, err := wire.NewFrame(wire.KindWaitSubscribeReq, uint64(time.Now().UnixMilli()), req)
	if err != nil {
		return nil, err
	}
	respFrame, err := m.roundTripOrDrop(frame)
	if err != nil {
		return nil, err
	}
	var ack wire.WaitSubscribeAck
	if err := wire.DecodePayload(respFrame.Payload, &ack); err != nil {
		return nil, err
	}
	if !ack.Accepted {
		return nil, fromWirePayload(ack.Error)
	}

	n, err := waitOnPendingWaiter(waiter, m.stopRequested, timeout)
	if err != nil {
		return nil, err
	}
	if n.Value == nil {
		return nil, nil
	}
	return decodeValuePayload(m.registry, n.Value)
}

// waitOnPendingWaiter blocks until waiter is completed, stop is requested,
// or timeout elapses (0 means infinite, matching spec.md's DEFAULT_TIMEOUT
// sentinel).
func waitOnPendingWaiter(waiter *PendingWaiter, stopRequested <-chan struct{}, timeout time.Duration) (*wire.Notification, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	waiter.mu.Lock()
	defer waiter.mu.Unlock()

	done := make(chan struct{})
	stopWatch := make(chan struct{})
	go func() {
		defer close(stopWatch)
		if timeout > 0 {
			select {
			case <-time.After(time.Until(deadline)):
				waiter.mu.Lock()
				waiter.cond.Broadcast()
				waiter.mu.Unlock()
			case <-stopRequested:
				waiter.mu.Lock()
				waiter.cond.Broadcast()
				waiter.mu.Unlock()
			case <-done:
			}
		} else {
			select {
			case <-stopRequested:
				waiter.mu.Lock()
				waiter.cond.Broadcast()
				waiter.mu.Unlock()
			case <-done:
			}
		}
	}()

	for !waiter.completed {
		select {
		case <-stopRequested:
			close(done)
			<-stopWatch
			return nil, pserr.New(pserr.Timeout, "Remote mount stopping")
		default:
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			close(done)
			<-stopWatch
			return nil, pserr.New(pserr.Timeout, "Remote wait timed out")
		}
		waiter.cond.Wait()
	}
	close(done)
	<-stopWatch

	if waiter.err != nil {
		return nil, waiter.err
	}
	return waiter.notification, nil
}
