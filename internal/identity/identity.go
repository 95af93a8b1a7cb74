// Package identity derives AuthContext subject/fingerprint material from a
// TLS peer certificate, with an optional SPIFFE/SPIRE workload identity
// source as an alternative to raw certificate inspection (spec.md §4.E).
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// Fingerprint returns "sha256:" followed by the hex SHA-256 digest of cert's
// raw DER bytes, the
// value spec.md §4.E requires for AuthContext.fingerprint/proof.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// SubjectDN renders a certificate subject in the "K=V/K=V" form this
// module's AuthContext.subject examples use (spec.md §8: "C=US/CN=client").
func SubjectDN(cert *x509.Certificate) string {
	var parts []string
	for _, c := range cert.Subject.Country {
		parts = append(parts, "C="+c)
	}
	for _, o := range cert.Subject.Organization {
		parts = append(parts, "O="+o)
	}
	if cert.Subject.CommonName != "" {
		parts = append(parts, "CN="+cert.Subject.CommonName)
	}
	return strings.Join(parts, "/")
}

// FromPeerCertificate extracts (subject, fingerprint) from the first
// verified peer certificate on conn, or ("", "") if the connection carried
// none (spec.md §4.E: "if those fields are empty").
func FromPeerCertificate(state tls.ConnectionState) (subject, fingerprint string) {
	if len(state.PeerCertificates) == 0 {
		return "", ""
	}
	cert := state.PeerCertificates[0]
	return SubjectDN(cert), Fingerprint(cert)
}

// SPIFFESource wraps a SPIRE workload API X.509 source, usable as an
// alternative identity source for both the client session factory and the
// server acceptor's TLS configuration.
type SPIFFESource struct {
	source *workloadapi.X509Source
}

// NewSPIFFESource connects to the SPIRE agent at socketPath. The connection
// attempt is bounded so a missing agent does not hang process startup.
func NewSPIFFESource(socketPath string) (*SPIFFESource, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE agent at %s: %w", socketPath, err)
	}
	slog.Info("identity: connected to SPIRE agent", "socket_path", socketPath)
	return &SPIFFESource{source: source}, nil
}

// ClientTLSConfig returns an mTLS client config authorized against any
// SPIFFE ID in the trust domain; callers that need a narrower authorizer
// should wrap tlsconfig themselves.
func (s *SPIFFESource) ClientTLSConfig() *tls.Config {
	return tlsconfig.MTLSClientConfig(s.source, s.source, tlsconfig.AuthorizeAny())
}

// ServerTLSConfig returns an mTLS server config requiring and authorizing
// any client SPIFFE ID in the trust domain.
func (s *SPIFFESource) ServerTLSConfig() *tls.Config {
	return tlsconfig.MTLSServerConfig(s.source, s.source, tlsconfig.AuthorizeAny())
}

// Identity reports the subject (SPIFFE ID) and fingerprint of this source's
// current SVID, for injection into an outbound MountOpenRequest.
func (s *SPIFFESource) Identity() (subject, fingerprint string, err error) {
	svid, err := s.source.GetX509SVID()
	if err != nil {
		return "", "", fmt.Errorf("get SVID: %w", err)
	}
	if len(svid.Certificates) == 0 {
		return "", "", fmt.Errorf("SVID has no certificates")
	}
	return svid.ID.String(), Fingerprint(svid.Certificates[0]), nil
}

// Validate parses id as a SPIFFE ID, surfacing a descriptive error for
// malformed configuration.
func Validate(id string) error {
	_, err := spiffeid.FromString(id)
	return err
}

// Close releases the underlying workload API connection.
func (s *SPIFFESource) Close() error {
	return s.source.Close()
}
