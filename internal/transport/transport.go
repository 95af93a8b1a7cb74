// Package transport implements the TLS session transport (spec.md §4.E):
// a per-RPC client session factory and a server acceptor that dispatches
// frames to a handler.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/pathspace/remote/internal/identity"
	"github.com/pathspace/remote/internal/pserr"
	"github.com/pathspace/remote/internal/wire"
)

// ClientTLSConfig configures the client side of a mount connection.
type ClientTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string // SNI override; independent of the dial host.
	InsecureSkipVerify bool   // test-only escape hatch (spec.md §4.E).
	SPIFFE             *identity.SPIFFESource
}

func (c *ClientTLSConfig) build() (*tls.Config, error) {
	if c.SPIFFE != nil {
		cfg := c.SPIFFE.ClientTLSConfig()
		if c.ServerName != "" {
			cfg.ServerName = c.ServerName
		}
		return cfg, nil
	}

	cfg := &tls.Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if c.CAFile != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from CA file %s", c.CAFile)
		}
		cfg.RootCAs = pool
	}
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Session is a connection-scoped request/response RPC client: each call
// opens a fresh TLS connection, writes one request frame, reads one
// response frame, and closes (spec.md §4.E). Keep-alive is an allowed
// optimization, not attempted here.
type Session struct {
	addr       string
	tlsConfig  *tls.Config
	dialTimeout time.Duration
}

// NewSession dials addr lazily on each RPC using cfg.
func NewSession(addr string, cfg *ClientTLSConfig, dialTimeout time.Duration) (*Session, error) {
	tlsCfg, err := cfg.build()
	if err != nil {
		return nil, err
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Session{addr: addr, tlsConfig: tlsCfg, dialTimeout: dialTimeout}, nil
}

// ObservedIdentity captures the peer certificate identity extracted during
// the most recent handshake, for injection into MountOpenRequest.auth.
type ObservedIdentity struct {
	Subject     string
	Fingerprint string
}

// RoundTrip opens one TLS connection, sends req, reads and returns the
// response frame plus whatever peer identity the handshake exposed.
func (s *Session) RoundTrip(req *wire.Frame) (*wire.Frame, *ObservedIdentity, error) {
	dialer := &net.Dialer{Timeout: s.dialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", s.addr, s.tlsConfig)
	if err != nil {
		return nil, nil, pserr.New(pserr.UnknownError, "dial %s: %v", s.addr, err)
	}
	defer conn.Close()

	var ident *ObservedIdentity
	if subject, fp := identity.FromPeerCertificate(conn.ConnectionState()); subject != "" || fp != "" {
		ident = &ObservedIdentity{Subject: subject, Fingerprint: fp}
	}

	if err := wire.WriteFrame(conn, req); err != nil {
		return nil, ident, pserr.New(pserr.UnknownError, "write request frame: %v", err)
	}
	resp, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, ident, pserr.New(pserr.UnknownError, "read response frame: %v", err)
	}
	return resp, ident, nil
}

// ServerTLSConfig configures the server acceptor.
type ServerTLSConfig struct {
	CertFile                 string
	KeyFile                  string
	ClientCAFile             string
	RequireClientCertificate bool
	SPIFFE                   *identity.SPIFFESource
	// Autocert, when set, provisions the server's own leaf certificate
	// automatically (spec.md §4.E's mTLS client-verification path is
	// unaffected; this only replaces CertFile/KeyFile as the source of the
	// server's identity).
	Autocert *autocert.Manager
}

func (c *ServerTLSConfig) build() (*tls.Config, error) {
	if c.SPIFFE != nil {
		return c.SPIFFE.ServerTLSConfig(), nil
	}

	var cfg *tls.Config
	if c.Autocert != nil {
		cfg = &tls.Config{GetCertificate: c.Autocert.GetCertificate}
	} else {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load server key pair: %w", err)
		}
		cfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	if c.ClientCAFile != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA file: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from client CA file %s", c.ClientCAFile)
		}
		cfg.ClientCAs = pool
	}
	if c.RequireClientCertificate {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else if c.ClientCAFile != "" {
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

// FrameHandler dispatches one decoded request frame, with the connection's
// observed peer identity, to a response frame.
type FrameHandler func(req *wire.Frame, peer *ObservedIdentity) *wire.Frame

// Acceptor runs the single listener thread plus one goroutine per accepted
// connection (spec.md §4.E).
type Acceptor struct {
	listener net.Listener
	handler  FrameHandler
}

// Listen starts listening on addr with the given TLS configuration.
func Listen(addr string, cfg *ServerTLSConfig, handler FrameHandler) (*Acceptor, error) {
	tlsCfg, err := cfg.build()
	if err != nil {
		return nil, err
	}
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &Acceptor{listener: ln, handler: handler}, nil
}

// Addr returns the bound listener address (useful when addr was ":0").
func (a *Acceptor) Addr() net.Addr { return a.listener.Addr() }

// Serve blocks, accepting connections and dispatching each on its own
// goroutine, until the listener is closed.
func (a *Acceptor) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConn(conn)
	}
}

// Close stops the acceptor.
func (a *Acceptor) Close() error {
	return a.listener.Close()
}

func (a *Acceptor) handleConn(conn net.Conn) {
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if ok {
		// Force the handshake now so ConnectionState is populated before
		// the frame is read, and so a missing required client cert fails
		// here rather than silently on first read.
		if err := tlsConn.Handshake(); err != nil {
			slog.Warn("transport: TLS handshake failed", "remote", conn.RemoteAddr(), "error", err)
			return
		}
	}

	var peer *ObservedIdentity
	if ok {
		if subject, fp := identity.FromPeerCertificate(tlsConn.ConnectionState()); subject != "" || fp != "" {
			peer = &ObservedIdentity{Subject: subject, Fingerprint: fp}
		}
	}

	req, err := wire.ReadFrame(conn)
	if err != nil {
		resp, _ := wire.NewFrame(wire.KindError, uint64(time.Now().UnixMilli()), &wire.ErrorPayload{
			Code:      wire.ErrCodeMalformedInput,
			Message:   err.Error(),
			Retryable: false,
		})
		_ = wire.WriteFrame(conn, resp)
		return
	}

	resp := func() (out *wire.Frame) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("transport: handler panic", "recover", rec)
				out, _ = wire.NewFrame(wire.KindError, uint64(time.Now().UnixMilli()), &wire.ErrorPayload{
					Code:      wire.ErrCodeInsertFailed,
					Message:   fmt.Sprintf("internal error: %v", rec),
					Retryable: true,
				})
			}
		}()
		return a.handler(req, peer)
	}()

	if err := wire.WriteFrame(conn, resp); err != nil {
		slog.Warn("transport: write response frame failed", "remote", conn.RemoteAddr(), "error", err)
	}
}

func isClosedErr(err error) bool {
	opErr, ok := err.(*net.OpError)
	return ok && opErr.Err.Error() == "use of closed network connection"
}
