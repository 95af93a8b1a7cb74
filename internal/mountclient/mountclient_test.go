package mountclient_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pathspace/remote/internal/diagnostics"
	"github.com/pathspace/remote/internal/metrics"
	"github.com/pathspace/remote/internal/mountclient"
	"github.com/pathspace/remote/internal/mountserver"
	"github.com/pathspace/remote/internal/pathspace"
	"github.com/pathspace/remote/internal/registry"
	"github.com/pathspace/remote/internal/transport"
	"github.com/pathspace/remote/internal/wire"
)

// writeSelfSignedCert writes an in-memory self-signed cert+key pair to
// PEM files under dir, for use as the test server's TLS identity.
func writeSelfSignedCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	certPath = filepath.Join(dir, "server.crt")
	keyPath = filepath.Join(dir, "server.key")
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}

// testHarness wires a real mountserver.Server behind a real TLS acceptor
// and a mountclient.Manager dialing it, end to end.
type testHarness struct {
	t          *testing.T
	reg        *registry.Registry
	serverSpace *pathspace.MemSpace
	server     *mountserver.Server
	acceptor   *transport.Acceptor
	root       *pathspace.MemSpace
	mgr        *mountclient.Manager
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	reg := registry.New()
	if !registry.Register[string](reg, "string") {
		t.Fatal("register string type")
	}

	serverSpace := pathspace.NewMemSpace()
	server := mountserver.NewServer(mountserver.Options{
		LeaseDuration:     5 * time.Second,
		HeartbeatInterval: 200 * time.Millisecond,
		Registry:          reg,
		Diagnostics:       diagnostics.NewFilesystemSink(t.TempDir()),
		Metrics:           metrics.New(),
	})
	if err := server.RegisterExport("demo", "/data", serverSpace,
		[]string{"read", "wait", "insert", "take"}, mountserver.DefaultThrottleOpts()); err != nil {
		t.Fatalf("RegisterExport: %v", err)
	}

	certPath, keyPath := writeSelfSignedCert(t, t.TempDir())
	acceptor, err := transport.Listen("127.0.0.1:0", &transport.ServerTLSConfig{
		CertFile: certPath,
		KeyFile:  keyPath,
	}, server.Dispatch)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go acceptor.Serve()
	t.Cleanup(func() { acceptor.Close() })

	addr := acceptor.Addr().String()
	root := pathspace.NewMemSpace()
	mgr := mountclient.NewManager(root, reg)

	h := &testHarness{
		t: t, reg: reg, serverSpace: serverSpace, server: server,
		acceptor: acceptor, root: root, mgr: mgr,
	}
	h.mountDemo(addr)
	return h
}

func (h *testHarness) mountDemo(addr string) *mountclient.MountState {
	h.t.Helper()
	state, err := h.mgr.Mount(mountclient.MountConfig{
		Alias:               "demo",
		ExportRoot:           "/data",
		MountPath:            "/remote/demo",
		ClientID:             "test-client",
		RequestCapabilities:  []string{"read", "wait", "insert", "take"},
		NotificationPoll:     50 * time.Millisecond,
		Auth: wire.AuthContext{
			Kind:    wire.AuthKindMutualTLS,
			Subject: "C=US/CN=test-client",
			Proof:   "sha256:test",
		},
		NewSession: func() (*transport.Session, error) {
			return transport.NewSession(addr, &transport.ClientTLSConfig{InsecureSkipVerify: true}, 2*time.Second)
		},
	})
	if err != nil {
		h.t.Fatalf("Mount: %v", err)
	}
	h.t.Cleanup(func() { h.mgr.Shutdown() })
	return state
}

func TestMountOpensSessionOnConstruction(t *testing.T) {
	h := newTestHarness(t)
	status, ok := h.mgr.Status("demo")
	if !ok {
		t.Fatal("expected mount status to exist")
	}
	if !status.Connected || status.SessionID == "" {
		t.Fatalf("expected a connected session after Mount, got %+v", status)
	}
}

func TestInsertAndReadThroughRemoteMountSpace(t *testing.T) {
	h := newTestHarness(t)

	root := h.root
	if _, err := root.Insert("/remote/demo/greeting", "hello", pathspace.InsertOptions{}); err != nil {
		t.Fatalf("insert through remote mount: %v", err)
	}

	var value any
	deadline := time.Now().Add(2 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		value, err = root.Read("/remote/demo/greeting", pathspace.ReadOptions{})
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("read through remote mount: %v", err)
	}
	if value != "hello" {
		t.Fatalf("expected \"hello\", got %v", value)
	}
}

func TestTakeThroughRemoteMountSpace(t *testing.T) {
	h := newTestHarness(t)

	if _, err := h.serverSpace.Insert("/queued", "first", pathspace.InsertOptions{}); err != nil {
		t.Fatalf("server-side insert: %v", err)
	}

	value, err := h.root.Take("/remote/demo/queued", pathspace.TakeOptions{TypeName: "string"})
	if err != nil {
		t.Fatalf("take through remote mount: %v", err)
	}
	if value != "first" {
		t.Fatalf("expected \"first\", got %v", value)
	}

	if _, err := h.root.Read("/remote/demo/queued", pathspace.ReadOptions{}); err == nil {
		t.Fatal("expected the value to be gone after take")
	}
}

func TestTakeThroughRemoteMountSpaceRequiresTypeName(t *testing.T) {
	h := newTestHarness(t)

	if _, err := h.serverSpace.Insert("/untyped", "value", pathspace.InsertOptions{}); err != nil {
		t.Fatalf("server-side insert: %v", err)
	}

	if _, err := h.root.Take("/remote/demo/untyped", pathspace.TakeOptions{}); err == nil {
		t.Fatal("expected an error when TypeName is omitted")
	}
}

func TestWaitUnblocksOnRemoteNotification(t *testing.T) {
	h := newTestHarness(t)

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := h.root.Read("/remote/demo/signal", pathspace.ReadOptions{Block: true})
		done <- result{v, err}
	}()

	time.Sleep(100 * time.Millisecond)
	if _, err := h.serverSpace.Insert("/signal", "world", pathspace.InsertOptions{}); err != nil {
		t.Fatalf("server-side insert: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("blocking read returned error: %v", r.err)
		}
		if r.value != "world" {
			t.Fatalf("expected \"world\", got %v", r.value)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("blocking read did not unblock within 3s")
	}
}

func TestShutdownFailsPendingWaiter(t *testing.T) {
	h := newTestHarness(t)

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := h.root.Read("/remote/demo/never", pathspace.ReadOptions{Block: true})
		done <- result{v, err}
	}()

	time.Sleep(100 * time.Millisecond)
	h.mgr.Shutdown()

	select {
	case r := <-done:
		if r.err == nil {
			t.Fatal("expected a timeout error on shutdown")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending wait was not released by shutdown")
	}
}
