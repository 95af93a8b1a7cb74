package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/pathspace/remote/internal/wire"
)

// selfSignedCert generates an in-memory self-signed cert+key pair for test
// use only; no file I/O, no expiry concerns beyond the test process.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost", Country: []string{"US"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("x509 key pair: %v", err)
	}
	return cert
}

func TestRoundTripEchoHandler(t *testing.T) {
	srvCert := selfSignedCert(t)
	handler := func(req *wire.Frame, peer *ObservedIdentity) *wire.Frame {
		resp, _ := wire.NewFrame(wire.KindHeartbeatAck, 1, &wire.HeartbeatAck{Accepted: true, LeaseExpiresMs: 9999})
		return resp
	}

	tlsCfg := &tls.Config{Certificates: []tls.Certificate{srvCert}}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", tlsCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	acceptor := &Acceptor{listener: ln, handler: handler}
	defer acceptor.Close()
	go acceptor.Serve()

	sess, err := NewSession(acceptor.Addr().String(), &ClientTLSConfig{InsecureSkipVerify: true}, 2*time.Second)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	reqFrame, _ := wire.NewFrame(wire.KindHeartbeat, 1, &wire.HeartbeatRequest{RequestID: "hb-1", SessionID: "sess-1"})
	resp, _, err := sess.RoundTrip(reqFrame)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if resp.Type != wire.KindHeartbeatAck {
		t.Fatalf("got %v, want HeartbeatAck", resp.Type)
	}

	var ack wire.HeartbeatAck
	if err := wire.DecodePayload(resp.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Accepted || ack.LeaseExpiresMs != 9999 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestPeerIdentityExtractedOnMutualTLS(t *testing.T) {
	srvCert := selfSignedCert(t)
	cliCert := selfSignedCert(t)

	pool := x509.NewCertPool()
	cliX509, err := x509.ParseCertificate(cliCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse client cert: %v", err)
	}
	pool.AddCert(cliX509)

	var observedPeer *ObservedIdentity
	handler := func(req *wire.Frame, peer *ObservedIdentity) *wire.Frame {
		observedPeer = peer
		resp, _ := wire.NewFrame(wire.KindHeartbeatAck, 1, &wire.HeartbeatAck{Accepted: true})
		return resp
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{srvCert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", tlsCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	acceptor := &Acceptor{listener: ln, handler: handler}
	defer acceptor.Close()
	go acceptor.Serve()

	srvX509, err := x509.ParseCertificate(srvCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse server cert: %v", err)
	}
	srvPool := x509.NewCertPool()
	srvPool.AddCert(srvX509)

	clientTLSCfg := &tls.Config{
		RootCAs:      srvPool,
		Certificates: []tls.Certificate{cliCert},
		ServerName:   "localhost",
	}
	sess := &Session{addr: acceptor.Addr().String(), tlsConfig: clientTLSCfg, dialTimeout: 2 * time.Second}

	reqFrame, _ := wire.NewFrame(wire.KindHeartbeat, 1, &wire.HeartbeatRequest{RequestID: "hb-1", SessionID: "sess-1"})
	if _, _, err := sess.RoundTrip(reqFrame); err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}

	if observedPeer == nil || observedPeer.Fingerprint == "" {
		t.Fatal("expected server to observe a non-empty client fingerprint")
	}
}
