package mountserver

import (
	"testing"
	"time"

	"github.com/pathspace/remote/internal/diagnostics"
	"github.com/pathspace/remote/internal/metrics"
	"github.com/pathspace/remote/internal/pathspace"
	"github.com/pathspace/remote/internal/registry"
	"github.com/pathspace/remote/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *pathspace.MemSpace) {
	t.Helper()
	reg := registry.New()
	if !registry.Register[string](reg, "string") {
		t.Fatal("failed to register string type")
	}
	s := NewServer(Options{
		LeaseDuration:     time.Second,
		HeartbeatInterval: 100 * time.Millisecond,
		Registry:          reg,
		Diagnostics:       diagnostics.NewFilesystemSink(t.TempDir()),
		Metrics:           metrics.New(),
	})
	space := pathspace.NewMemSpace()
	if err := s.RegisterExport("home", "/", space, nil, DefaultThrottleOpts()); err != nil {
		t.Fatalf("RegisterExport: %v", err)
	}
	return s, space
}

func mustOpen(t *testing.T, s *Server, alias string) *wire.MountOpenResponse {
	t.Helper()
	resp := s.handleMountOpen(&wire.MountOpenRequest{
		RequestID:  "req-1",
		ClientID:   "client-1",
		Alias:      alias,
		ExportRoot: "/",
		Version:    wire.ProtocolVersion{Major: 1},
		Auth: wire.AuthContext{
			Kind:    wire.AuthKindMutualTLS,
			Subject: "spiffe://example/workload",
			Proof:   "fingerprint:test",
		},
	})
	if !resp.Accepted {
		t.Fatalf("mount open rejected: %+v", resp.Error)
	}
	return resp
}

func TestHandleMountOpenAcceptsAndGrantsDefaultCapabilities(t *testing.T) {
	s, _ := newTestServer(t)
	resp := mustOpen(t, s, "home")
	if resp.SessionID == "" {
		t.Fatal("expected a session id")
	}
	found := map[string]bool{}
	for _, c := range resp.GrantedCapabilities {
		found[c] = true
	}
	if !found["read"] || !found["wait"] {
		t.Fatalf("expected default read/wait capabilities, got %v", resp.GrantedCapabilities)
	}
}

func TestHandleMountOpenRejectsUnknownAlias(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.handleMountOpen(&wire.MountOpenRequest{
		RequestID: "req-1", ClientID: "c", Alias: "nope", ExportRoot: "/",
		Auth: wire.AuthContext{Kind: wire.AuthKindMutualTLS, Subject: "s", Proof: "p"},
	})
	if resp.Accepted {
		t.Fatal("expected rejection for unknown alias")
	}
	if resp.Error.Code != wire.ErrCodeNoSuchPath {
		t.Fatalf("expected no_such_path, got %q", resp.Error.Code)
	}
}

func TestHandleInsertAndReadRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	open := mustOpen(t, s, "home")

	insertResp := s.handleInsert(&wire.InsertRequest{
		RequestID: "r1", SessionID: open.SessionID, Alias: "home", Path: "/greeting",
		Value: wire.ValuePayload{
			Encoding: wire.EncodingTypedSlidingBuffer,
			TypeName: "string",
			Data:     registry.EncodeBase64(mustSerializeString(t, s, "hello")),
		},
	})
	if !insertResp.Success {
		t.Fatalf("insert failed: %+v", insertResp.Error)
	}
	if insertResp.ValuesInserted != 1 {
		t.Fatalf("expected 1 value inserted, got %d", insertResp.ValuesInserted)
	}

	readResp := s.handleRead(&wire.ReadRequest{
		RequestID: "r2", SessionID: open.SessionID, Alias: "home", Path: "/greeting",
		IncludeValue: true,
	})
	if !readResp.Success {
		t.Fatalf("read failed: %+v", readResp.Error)
	}
	if readResp.Value == nil || readResp.Value.TypeName != "string" {
		t.Fatalf("expected a string value, got %+v", readResp.Value)
	}
}

func mustSerializeString(t *testing.T, s *Server, v string) []byte {
	t.Helper()
	desc, ok := s.opts.Registry.FindByName("string")
	if !ok {
		t.Fatal("string type not registered")
	}
	data, err := registry.Serialize(desc, v)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return data
}

func TestHandleTakeNonBlockingMissingFails(t *testing.T) {
	s, _ := newTestServer(t)
	open := mustOpen(t, s, "home")

	resp := s.handleTake(&wire.TakeRequest{
		RequestID: "r1", SessionID: open.SessionID, Alias: "home", Path: "/missing",
		TypeName: "string", MaxItems: 1,
	})
	if resp.Success {
		t.Fatal("expected failure for missing value")
	}
	if resp.Error.Code != wire.ErrCodeTakeFailed {
		t.Fatalf("expected take_failed, got %q", resp.Error.Code)
	}
}

func TestHandleWaitSubscribeAndLocalNotificationDelivers(t *testing.T) {
	s, space := newTestServer(t)
	open := mustOpen(t, s, "home")

	ack := s.handleWaitSubscribe(&wire.WaitSubscribeRequest{
		RequestID: "r1", SessionID: open.SessionID, Alias: "home", Path: "/signal",
		SubscriptionID: "sub-1", IncludeValue: true,
	})
	if !ack.Accepted {
		t.Fatalf("subscribe rejected: %+v", ack.Error)
	}

	desc, ok := s.opts.Registry.FindByName("string")
	if !ok {
		t.Fatal("string type not registered")
	}
	if _, err := space.Insert("/signal", "ping", pathspace.InsertOptions{}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = desc

	deadline := time.Now().Add(2 * time.Second)
	var batch []wire.Notification
	for time.Now().Before(deadline) {
		resp := s.handleNotificationStream(&wire.NotificationStreamRequest{
			RequestID: "r2", SessionID: open.SessionID, TimeoutMs: 200, MaxBatch: 8,
		})
		if len(resp.Notifications) > 0 {
			batch = resp.Notifications
			break
		}
	}
	if len(batch) != 1 {
		t.Fatalf("expected one delivered notification, got %d", len(batch))
	}
	if batch[0].SubscriptionID != "sub-1" || batch[0].Path != "/signal" {
		t.Fatalf("unexpected notification: %+v", batch[0])
	}
}

func TestDispatchRoutesHeartbeat(t *testing.T) {
	s, _ := newTestServer(t)
	open := mustOpen(t, s, "home")

	frame, err := wire.NewFrame(wire.KindHeartbeat, 0, &wire.HeartbeatRequest{
		RequestID: "r1", SessionID: open.SessionID,
	})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	resp := s.Dispatch(frame, nil)
	if resp.Type != wire.KindHeartbeatAck {
		t.Fatalf("expected heartbeat ack, got %q", resp.Type)
	}
	var ack wire.HeartbeatAck
	if err := wire.DecodePayload(resp.Payload, &ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ack.Accepted {
		t.Fatalf("expected heartbeat accepted, got %+v", ack.Error)
	}
}

func TestUnregisterExportStopsLocalNotificationDelivery(t *testing.T) {
	s, space := newTestServer(t)
	open := mustOpen(t, s, "home")

	ack := s.handleWaitSubscribe(&wire.WaitSubscribeRequest{
		RequestID: "r1", SessionID: open.SessionID, Alias: "home", Path: "/signal",
		SubscriptionID: "sub-1",
	})
	if !ack.Accepted {
		t.Fatalf("subscribe rejected: %+v", ack.Error)
	}

	s.UnregisterExport("home")

	if _, ok := s.findExport("home"); ok {
		t.Fatal("expected export to be removed")
	}

	// A mutation after unexport must not panic or deliver through the
	// torn-down export; the space's sink is still installed but now points
	// at an unregistered target.
	if _, err := space.Insert("/signal", "ping", pathspace.InsertOptions{}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	resp := s.handleNotificationStream(&wire.NotificationStreamRequest{
		RequestID: "r2", SessionID: open.SessionID, TimeoutMs: 50, MaxBatch: 8,
	})
	if len(resp.Notifications) != 0 {
		t.Fatalf("expected no notifications after unexport, got %d", len(resp.Notifications))
	}
}

func TestDropSessionClosesStreamAndClearsSubscriptions(t *testing.T) {
	s, _ := newTestServer(t)
	open := mustOpen(t, s, "home")

	ack := s.handleWaitSubscribe(&wire.WaitSubscribeRequest{
		RequestID: "r1", SessionID: open.SessionID, Alias: "home", Path: "/x",
		SubscriptionID: "sub-1",
	})
	if !ack.Accepted {
		t.Fatalf("subscribe rejected: %+v", ack.Error)
	}

	s.DropSession(open.SessionID)

	if _, ok := s.findSession(open.SessionID); ok {
		t.Fatal("expected session to be removed")
	}
	s.mu.RLock()
	_, stillThere := s.subscriptions["sub-1"]
	s.mu.RUnlock()
	if stillThere {
		t.Fatal("expected subscription to be cleared on drop")
	}
}
