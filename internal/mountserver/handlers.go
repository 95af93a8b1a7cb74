package mountserver

import (
	"time"

	"github.com/pathspace/remote/internal/pathspace"
	"github.com/pathspace/remote/internal/pathutil"
	"github.com/pathspace/remote/internal/pserr"
	"github.com/pathspace/remote/internal/registry"
	"github.com/pathspace/remote/internal/transport"
	"github.com/pathspace/remote/internal/wire"
)

// Dispatch routes one decoded request frame to its handler, implementing
// the server side of transport.FrameHandler (spec.md §4.E "the dispatcher
// routes by FrameKind to the Mount Server handlers").
func (s *Server) Dispatch(req *wire.Frame, peer *transport.ObservedIdentity) *wire.Frame {
	now := uint64(time.Now().UnixMilli())

	switch req.Type {
	case wire.KindMountOpenReq:
		var payload wire.MountOpenRequest
		if err := wire.DecodePayload(req.Payload, &payload); err != nil {
			return errorFrame(wire.KindMountOpenResp, now, err)
		}
		if peer != nil {
			if payload.Auth.Subject == "" {
				payload.Auth.Subject = peer.Subject
			}
			if payload.Auth.Fingerprint == "" {
				payload.Auth.Fingerprint = peer.Fingerprint
			}
			if payload.Auth.Proof == "" {
				payload.Auth.Proof = peer.Fingerprint
			}
		}
		resp := s.handleMountOpen(&payload)
		frame, _ := wire.NewFrame(wire.KindMountOpenResp, now, resp)
		return frame

	case wire.KindHeartbeat:
		var payload wire.HeartbeatRequest
		if err := wire.DecodePayload(req.Payload, &payload); err != nil {
			return errorFrame(wire.KindHeartbeatAck, now, err)
		}
		resp := s.handleHeartbeat(&payload)
		frame, _ := wire.NewFrame(wire.KindHeartbeatAck, now, resp)
		return frame

	case wire.KindReadReq:
		var payload wire.ReadRequest
		if err := wire.DecodePayload(req.Payload, &payload); err != nil {
			return errorFrame(wire.KindReadResp, now, err)
		}
		resp := s.handleRead(&payload)
		frame, _ := wire.NewFrame(wire.KindReadResp, now, resp)
		return frame

	case wire.KindInsertReq:
		var payload wire.InsertRequest
		if err := wire.DecodePayload(req.Payload, &payload); err != nil {
			return errorFrame(wire.KindInsertResp, now, err)
		}
		resp := s.handleInsert(&payload)
		frame, _ := wire.NewFrame(wire.KindInsertResp, now, resp)
		return frame

	case wire.KindTakeReq:
		var payload wire.TakeRequest
		if err := wire.DecodePayload(req.Payload, &payload); err != nil {
			return errorFrame(wire.KindTakeResp, now, err)
		}
		resp := s.handleTake(&payload)
		frame, _ := wire.NewFrame(wire.KindTakeResp, now, resp)
		return frame

	case wire.KindWaitSubscribeReq:
		var payload wire.WaitSubscribeRequest
		if err := wire.DecodePayload(req.Payload, &payload); err != nil {
			return errorFrame(wire.KindWaitSubscribeAck, now, err)
		}
		resp := s.handleWaitSubscribe(&payload)
		frame, _ := wire.NewFrame(wire.KindWaitSubscribeAck, now, resp)
		return frame

	case wire.KindNotificationStreamReq:
		var payload wire.NotificationStreamRequest
		if err := wire.DecodePayload(req.Payload, &payload); err != nil {
			return errorFrame(wire.KindNotificationStreamResp, now, err)
		}
		resp := s.handleNotificationStream(&payload)
		frame, _ := wire.NewFrame(wire.KindNotificationStreamResp, now, resp)
		return frame

	default:
		frame, _ := wire.NewFrame(wire.KindError, now, &wire.ErrorPayload{
			Code:    wire.ErrCodeMalformedInput,
			Message: "unsupported frame kind for server dispatch",
		})
		return frame
	}
}

func errorFrame(kind wire.Kind, sentAtMs uint64, err error) *wire.Frame {
	frame, _ := wire.NewFrame(kind, sentAtMs, struct {
		Error *wire.ErrorPayload `json:"error"`
	}{Error: toErrorPayload(err)})
	return frame
}

// handleMountOpen implements spec.md §4.F's handshake handler.
func (s *Server) handleMountOpen(req *wire.MountOpenRequest) *wire.MountOpenResponse {
	if err := wire.ValidateMountOpenRequest(req); err != nil {
		return &wire.MountOpenResponse{Accepted: false, Error: toErrorPayload(err)}
	}

	entry, ok := s.findExport(req.Alias)
	if !ok {
		err := pserr.New(pserr.NoSuchPath, "unknown alias %q", req.Alias)
		s.logDiagnostic(req.Alias, "rejected", err.Error(), req.Auth.Subject, req.Auth.Audience, req.Auth.Fingerprint, req.Auth.Proof)
		return &wire.MountOpenResponse{Accepted: false, Error: toErrorPayload(err)}
	}

	canonicalRoot, err := pathutil.Canonicalize(req.ExportRoot)
	if err != nil || canonicalRoot != entry.CanonicalExportRoot {
		rejectErr := pserr.New(pserr.InvalidPath, "export_root %q does not match alias %q", req.ExportRoot, req.Alias)
		s.logDiagnostic(req.Alias, "rejected", rejectErr.Error(), req.Auth.Subject, req.Auth.Audience, req.Auth.Fingerprint, req.Auth.Proof)
		return &wire.MountOpenResponse{Accepted: false, Error: toErrorPayload(rejectErr)}
	}

	if req.Auth.Subject == "" || req.Auth.Proof == "" {
		rejectErr := pserr.New(pserr.InvalidPermissions, "auth.subject and auth.proof are required")
		s.logDiagnostic(req.Alias, "rejected", rejectErr.Error(), req.Auth.Subject, req.Auth.Audience, req.Auth.Fingerprint, req.Auth.Proof)
		return &wire.MountOpenResponse{Accepted: false, Error: toErrorPayload(rejectErr)}
	}

	granted := make([]string, 0, len(req.RequestedCapabilities))
	grantedSet := make(map[string]bool)
	for _, c := range req.RequestedCapabilities {
		if entry.CapabilitySet[c.Name] {
			granted = append(granted, c.Name)
			grantedSet[c.Name] = true
		}
	}
	if len(req.RequestedCapabilities) == 0 {
		for c := range defaultCapabilities {
			if entry.CapabilitySet[c] {
				granted = append(granted, c)
				grantedSet[c] = true
			}
		}
	}

	sessionID := s.nextSessionID()
	leaseDeadline := time.Now().Add(s.opts.LeaseDuration)
	sess := &Session{
		SessionID:     sessionID,
		Alias:         req.Alias,
		Capabilities:  grantedSet,
		LeaseDeadline: leaseDeadline,
		Throttle:      NewSessionThrottleState(entry.ThrottleOpts),
		Stream:        NewSessionStream(entry.ThrottleOpts),
	}

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	entry.mu.Lock()
	entry.ActiveSessions++
	entry.TotalSessions++
	entry.mu.Unlock()

	s.opts.Metrics.PublishLeaseGranted(req.Alias, sessionID, uint64(leaseDeadline.UnixMilli()), req.Auth.Subject, req.Auth.Fingerprint)
	s.logDiagnostic(req.Alias, "accepted", "mount open accepted", req.Auth.Subject, req.Auth.Audience, req.Auth.Fingerprint, req.Auth.Proof)

	return &wire.MountOpenResponse{
		Accepted:            true,
		SessionID:           sessionID,
		GrantedCapabilities: granted,
		LeaseExpiresMs:      uint64(leaseDeadline.UnixMilli()),
		HeartbeatIntervalMs: uint64(s.opts.HeartbeatInterval.Milliseconds()),
	}
}

// handleHeartbeat implements spec.md §4.F's heartbeat handler.
func (s *Server) handleHeartbeat(req *wire.HeartbeatRequest) *wire.HeartbeatAck {
	if err := wire.ValidateHeartbeatRequest(req); err != nil {
		return &wire.HeartbeatAck{Accepted: false, Error: toErrorPayload(err)}
	}
	sess, ok := s.findSession(req.SessionID)
	if !ok {
		return &wire.HeartbeatAck{Accepted: false, Error: toErrorPayload(pserr.New(pserr.NoSuchPath, "unknown session %q", req.SessionID))}
	}
	deadline := time.Now().Add(s.opts.LeaseDuration)
	sess.renewLease(deadline)
	s.opts.Metrics.LeaseExpiresMs.WithLabelValues(sess.Alias, sess.SessionID).Set(float64(deadline.UnixMilli()))
	return &wire.HeartbeatAck{Accepted: true, LeaseExpiresMs: uint64(deadline.UnixMilli())}
}

// validatedCall resolves and capability-checks a session/alias pair shared
// by handleRead/handleInsert/handleTake/handleWaitSubscribe.
func (s *Server) validatedCall(sessionID, alias, path, capability string) (*Session, *ExportEntry, string, error) {
	sess, ok := s.findSession(sessionID)
	if !ok {
		return nil, nil, "", pserr.New(pserr.NoSuchPath, "unknown session %q", sessionID)
	}
	if sess.Alias != alias {
		return nil, nil, "", pserr.New(pserr.InvalidPermissions, "session %q is not bound to alias %q", sessionID, alias)
	}
	if sess.leaseExpired(time.Now()) {
		return nil, nil, "", pserr.New(pserr.Timeout, "session %q lease has expired", sessionID)
	}
	if capability != "" && !sess.hasCapability(capability) {
		return nil, nil, "", pserr.New(pserr.InvalidPermissions, "capability %q not granted", capability)
	}
	entry, ok := s.findExport(alias)
	if !ok {
		return nil, nil, "", pserr.New(pserr.NoSuchPath, "unknown alias %q", alias)
	}
	canonical, err := pathutil.Canonicalize(path)
	if err != nil {
		return nil, nil, "", pserr.New(pserr.InvalidPath, "%v", err)
	}
	if !withinExportRoot(entry.CanonicalExportRoot, canonical) {
		return nil, nil, "", pserr.New(pserr.InvalidPath, "path %q is outside export root %q", canonical, entry.CanonicalExportRoot)
	}

	sleep := sess.Throttle.Admit()
	s.opts.Metrics.PublishThrottleSleep(alias, sessionID, sleep.Milliseconds())

	return sess, entry, canonical, nil
}

// handleRead implements spec.md §4.F's read handler.
func (s *Server) handleRead(req *wire.ReadRequest) *wire.ReadResponse {
	if err := wire.ValidateReadRequest(req); err != nil {
		return &wire.ReadResponse{Success: false, Error: toErrorPayload(err)}
	}
	_, entry, canonical, err := s.validatedCall(req.SessionID, req.Alias, req.Path, "read")
	if err != nil {
		return &wire.ReadResponse{Success: false, Error: toErrorPayload(err)}
	}

	relative := relativeToMount(entry.CanonicalExportRoot, canonical)

	var children []string
	if req.IncludeChildren {
		children, _ = entry.Space.ListChildren(relative)
	}

	version := s.currentVersion(req.Alias, canonical)
	if req.Consistency != nil && req.Consistency.Mode == wire.ConsistencyAtLeastVersion {
		threshold := uint64(0)
		if req.Consistency.AtLeastVersion != nil {
			threshold = *req.Consistency.AtLeastVersion
		}
		if version < threshold {
			return &wire.ReadResponse{
				Success:  false,
				Version:  version,
				Children: children,
				Error: &wire.ErrorPayload{
					Code:      wire.ErrCodeConsistencyNotMet,
					Message:   "stored version is below requested threshold",
					Retryable: true,
				},
			}
		}
	}

	resp := &wire.ReadResponse{Success: true, Version: version, Children: children}
	if req.IncludeValue {
		raw, err := entry.Space.Read(relative, pathspace.ReadOptions{})
		if err != nil {
			return &wire.ReadResponse{Success: false, Version: version, Error: toErrorPayload(err)}
		}
		vp, _, encodeErr := encodeValue(s.opts.Registry, raw)
		if encodeErr != nil {
			return &wire.ReadResponse{Success: false, Version: version, Error: toErrorPayload(encodeErr)}
		}
		resp.Value = vp
	}
	return resp
}

// handleInsert implements spec.md §4.F's insert handler.
func (s *Server) handleInsert(req *wire.InsertRequest) *wire.InsertResponse {
	if err := wire.ValidateInsertRequest(req); err != nil {
		return &wire.InsertResponse{Success: false, Error: toErrorPayload(err)}
	}
	_, entry, canonical, err := s.validatedCall(req.SessionID, req.Alias, req.Path, "insert")
	if err != nil {
		return &wire.InsertResponse{Success: false, Error: toErrorPayload(err)}
	}

	if err := wire.CheckPayloadEncoding(s.opts.Compatibility, &req.Value); err != nil {
		return &wire.InsertResponse{Success: false, Error: toErrorPayload(err)}
	}

	relative := relativeToMount(entry.CanonicalExportRoot, canonical)

	if req.Value.Encoding == wire.EncodingVoidSentinel {
		if _, err := entry.Space.Insert(relative, struct{}{}, pathspace.InsertOptions{}); err != nil {
			return &wire.InsertResponse{Success: false, Error: &wire.ErrorPayload{Code: wire.ErrCodeInsertFailed, Message: err.Error()}}
		}
		return &wire.InsertResponse{Success: true, TasksInserted: 1}
	}

	data, err := decodePayloadBytes(&req.Value)
	if err != nil {
		return &wire.InsertResponse{Success: false, Error: toErrorPayload(err)}
	}

	result, err := s.opts.Registry.InsertBytes(entry.Space, relative, req.Value.TypeName, data, pathspace.InsertOptions{})
	if err != nil {
		return &wire.InsertResponse{Success: false, Error: &wire.ErrorPayload{Code: wire.ErrCodeInsertFailed, Message: err.Error()}}
	}
	return &wire.InsertResponse{
		Success:        true,
		ValuesInserted: result.ValuesInserted,
		SpacesInserted: result.SpacesInserted,
		TasksInserted:  result.TasksInserted,
	}
}

func decodePayloadBytes(v *wire.ValuePayload) ([]byte, error) {
	if v.Encoding == wire.EncodingStringBase64 {
		raw, err := registry.DecodeBase64(v.Data)
		if err != nil {
			return nil, pserr.New(pserr.MalformedInput, "invalid base64 payload: %v", err)
		}
		return raw, nil
	}
	return registry.DecodeBase64(v.Data)
}

// handleTake implements spec.md §4.F's take handler.
func (s *Server) handleTake(req *wire.TakeRequest) *wire.TakeResponse {
	if err := wire.ValidateTakeRequest(req); err != nil {
		return &wire.TakeResponse{Success: false, Error: toErrorPayload(err)}
	}
	_, entry, canonical, err := s.validatedCall(req.SessionID, req.Alias, req.Path, "take")
	if err != nil {
		return &wire.TakeResponse{Success: false, Error: toErrorPayload(err)}
	}

	relative := relativeToMount(entry.CanonicalExportRoot, canonical)
	maxItems := wire.ClampMaxItems(req.MaxItems)

	var values []wire.ValuePayload
	for i := 0; i < maxItems; i++ {
		block := req.DoBlock && i == 0
		timeout := req.TimeoutMs
		data, err := s.opts.Registry.TakeBytes(entry.Space, relative, req.TypeName, pathspace.TakeOptions{
			Block:   block,
			Timeout: timeoutPtr(timeout),
		})
		if err != nil {
			break
		}
		values = append(values, wire.ValuePayload{
			Encoding: wire.EncodingTypedSlidingBuffer,
			TypeName: req.TypeName,
			Data:     registry.EncodeBase64(data),
		})
	}

	if len(values) == 0 && !req.DoBlock {
		return &wire.TakeResponse{Success: false, Error: &wire.ErrorPayload{Code: wire.ErrCodeTakeFailed, Message: "no values available"}}
	}
	return &wire.TakeResponse{Success: true, Values: values}
}

func timeoutPtr(ms uint64) *pathspace.TimeoutMs {
	if ms == 0 {
		return nil
	}
	t := pathspace.TimeoutMs(ms)
	return &t
}

// handleWaitSubscribe implements spec.md §4.F's subscribe handler.
func (s *Server) handleWaitSubscribe(req *wire.WaitSubscribeRequest) *wire.WaitSubscribeAck {
	if err := wire.ValidateWaitSubscribeRequest(req); err != nil {
		return &wire.WaitSubscribeAck{Accepted: false, Error: toErrorPayload(err)}
	}
	sess, entry, canonical, err := s.validatedCall(req.SessionID, req.Alias, req.Path, "wait")
	if err != nil {
		return &wire.WaitSubscribeAck{Accepted: false, Error: toErrorPayload(err)}
	}

	if throttled, retryAfter := sess.Stream.IsThrottled(); throttled {
		ms := uint64(retryAfter.Milliseconds())
		return &wire.WaitSubscribeAck{
			Accepted: false,
			Error: &wire.ErrorPayload{
				Code:         wire.ErrCodeNotifyBackpressure,
				Message:      "session notification stream is throttled",
				Retryable:    true,
				RetryAfterMs: &ms,
			},
		}
	}

	if !sess.Throttle.ReserveWaiter() {
		retryMs := uint64(entry.ThrottleOpts.WaitRetryAfter.Milliseconds())
		entry.mu.Lock()
		entry.WaiterRejections++
		entry.mu.Unlock()
		return &wire.WaitSubscribeAck{
			Accepted: false,
			Error: &wire.ErrorPayload{
				Code:         wire.ErrCodeTooManyWaiters,
				Message:      "session has reached max_waiters_per_session",
				Retryable:    true,
				RetryAfterMs: &retryMs,
			},
		}
	}

	s.mu.Lock()
	if _, exists := s.subscriptions[req.SubscriptionID]; exists {
		s.mu.Unlock()
		sess.Throttle.ReleaseWaiter()
		return &wire.WaitSubscribeAck{Accepted: false, Error: toErrorPayload(pserr.New(pserr.InvalidPath, "duplicate subscription_id %q", req.SubscriptionID))}
	}
	s.subscriptions[req.SubscriptionID] = &Subscription{
		SubID:           req.SubscriptionID,
		SessionID:       req.SessionID,
		Alias:           req.Alias,
		CanonicalPath:   canonical,
		IncludeValue:    req.IncludeValue,
		IncludeChildren: req.IncludeChildren,
		MinVersion:      req.MinVersion,
		Throttle:        sess.Throttle,
	}
	s.mu.Unlock()

	entry.mu.Lock()
	entry.WaiterCount++
	entry.mu.Unlock()
	s.opts.Metrics.PublishWaiterDepth(req.SessionID, sess.Throttle.ActiveWaiters())

	return &wire.WaitSubscribeAck{Accepted: true, SubscriptionID: req.SubscriptionID}
}

// handleNotificationStream implements spec.md §4.F's batched stream
// handler.
func (s *Server) handleNotificationStream(req *wire.NotificationStreamRequest) *wire.NotificationStreamResponse {
	if err := wire.ValidateNotificationStreamRequest(req); err != nil {
		return &wire.NotificationStreamResponse{Error: toErrorPayload(err)}
	}
	sess, ok := s.findSession(req.SessionID)
	if !ok {
		return &wire.NotificationStreamResponse{Error: toErrorPayload(pserr.New(pserr.NoSuchPath, "unknown session %q", req.SessionID))}
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	batch, closed, throttled, throttleUntilMs := sess.Stream.Drain(timeout, req.MaxBatch)
	s.opts.Metrics.PublishStreamThrottle(req.SessionID, throttled, throttleUntilMs)

	return &wire.NotificationStreamResponse{
		Notifications:   batch,
		Closed:          closed,
		Throttled:       throttled,
		ThrottleUntilMs: throttleUntilMs,
	}
}

// DropSession ends a session (lease expiry, explicit drop, or transport
// close): closes its stream, fails pending subscriptions, decrements the
// export's counters (spec.md §4.F "Session lifecycle").
func (s *Server) DropSession(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sessionID)
	removedWaiters := 0
	for id, sub := range s.subscriptions {
		if sub.SessionID == sessionID {
			delete(s.subscriptions, id)
			removedWaiters++
		}
	}
	s.mu.Unlock()

	if sess.Stream != nil {
		sess.Stream.Close()
	}
	if entry, ok := s.findExport(sess.Alias); ok {
		entry.mu.Lock()
		if entry.ActiveSessions > 0 {
			entry.ActiveSessions--
		}
		entry.WaiterCount -= removedWaiters
		if entry.WaiterCount < 0 {
			entry.WaiterCount = 0
		}
		entry.mu.Unlock()
	}
	s.opts.Metrics.PublishSessionClosed(sess.Alias)
}

// SweepExpiredLeases drops every session whose lease has passed, for hosts
// that run it on a periodic timer.
func (s *Server) SweepExpiredLeases() {
	now := time.Now()
	s.mu.RLock()
	var expired []string
	for id, sess := range s.sessions {
		if sess.leaseExpired(now) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range expired {
		s.DropSession(id)
	}
}
