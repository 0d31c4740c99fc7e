// Package probe fetches and pins the TLS certificate fingerprint of a
// discovered gateway.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/postalsys/gatelink/internal/certutil"
	"github.com/postalsys/gatelink/internal/endpoint"
)

const (
	// DefaultTimeout bounds a probe when Options.Timeout is unset.
	DefaultTimeout = 10 * time.Second

	// ExpiryWarning is how close to NotAfter a certificate counts as
	// expiring soon.
	ExpiryWarning = 30 * 24 * time.Hour
)

var (
	// ErrNoCertificate is returned when the peer presents no certificate.
	ErrNoCertificate = errors.New("peer presented no certificate")

	// ErrNotAdvertised is returned by Verify when the endpoint carries no
	// fingerprint to compare against.
	ErrNotAdvertised = errors.New("endpoint does not advertise a TLS fingerprint")

	// ErrFingerprintMismatch is returned by Verify when the presented
	// certificate does not match the advertised fingerprint.
	ErrFingerprintMismatch = errors.New("TLS fingerprint mismatch")
)

// Options contains configuration for a fingerprint probe.
type Options struct {
	// Timeout for the entire probe operation
	Timeout time.Duration

	// ServerName is sent as SNI. Defaults to the host part of the address
	// when it is not an IP literal.
	ServerName string

	// Expected is a pinned fingerprint to compare against. Empty means the
	// probe only reports what it saw.
	Expected string
}

// Result contains the outcome of a probe.
type Result struct {
	// Address that was probed
	Address string

	// Fingerprint is the lowercase hex SHA-256 of the leaf certificate.
	Fingerprint string

	// Cert describes the leaf certificate.
	Cert certutil.CertInfo

	// Expired and ExpiringSoon describe the leaf certificate validity.
	// ExpiringSoon is also set for an expired certificate.
	Expired      bool
	ExpiringSoon bool

	// TLSVersion is the negotiated protocol version.
	TLSVersion string

	// Pinned reports whether an expected fingerprint was supplied, and
	// Match whether it matched.
	Pinned bool
	Match  bool

	// RTT covers the TCP connect and the TLS handshake.
	RTT time.Duration

	// Error is the error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Success reports whether a certificate was retrieved and, when pinned,
// matched.
func (r *Result) Success() bool {
	return r.Error == nil && r.Fingerprint != "" && (!r.Pinned || r.Match)
}

// Probe dials address with TLS and records the leaf certificate. The chain
// is not validated against any CA; the fingerprint is the trust anchor.
func Probe(ctx context.Context, address string, opts Options) *Result {
	result := &Result{Address: address}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		result.fail(fmt.Errorf("invalid address %q: %w", address, err))
		return result
	}
	serverName := opts.ServerName
	if serverName == "" && net.ParseIP(host) == nil {
		serverName = host
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: opts.Timeout},
		Config: &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true, // pinned by fingerprint, not by CA
			MinVersion:         tls.VersionTLS12,
		},
	}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		result.fail(err)
		return result
	}
	defer conn.Close()
	result.RTT = time.Since(start)

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		result.fail(ErrNoCertificate)
		return result
	}
	leaf := state.PeerCertificates[0]
	result.Cert = certutil.GetCertInfo(leaf)
	result.Fingerprint = result.Cert.Fingerprint
	result.Expired = certutil.IsExpired(leaf)
	result.ExpiringSoon = certutil.IsExpiringSoon(leaf, ExpiryWarning)
	result.TLSVersion = tls.VersionName(state.Version)

	if certutil.NormalizeFingerprint(opts.Expected) != "" {
		result.Pinned = true
		result.Match = certutil.VerifyFingerprint(leaf, opts.Expected)
		if !result.Match {
			result.fail(ErrFingerprintMismatch)
		}
	}
	return result
}

// Address returns the TLS address of a gateway endpoint: its gateway port
// when advertised, its service port otherwise.
func Address(ep endpoint.Endpoint) string {
	port := ep.Port
	if ep.GatewayPort > 0 {
		port = ep.GatewayPort
	}
	return net.JoinHostPort(ep.Host, strconv.Itoa(port))
}

// Fingerprint returns the leaf certificate fingerprint presented by ep.
func Fingerprint(ctx context.Context, ep endpoint.Endpoint) (string, error) {
	res := Probe(ctx, Address(ep), Options{})
	if res.Error != nil {
		return "", res.Error
	}
	return res.Fingerprint, nil
}

// Verify probes ep and compares the presented certificate with the
// fingerprint the endpoint advertised.
func Verify(ctx context.Context, ep endpoint.Endpoint) (*Result, error) {
	if certutil.NormalizeFingerprint(ep.TLSFingerprintSHA256) == "" {
		return nil, ErrNotAdvertised
	}
	res := Probe(ctx, Address(ep), Options{Expected: ep.TLSFingerprintSHA256})
	return res, res.Error
}

func (r *Result) fail(err error) {
	r.Error = err
	r.ErrorDetail = classifyError(err)
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, ErrFingerprintMismatch) {
		return "Certificate does not match the advertised fingerprint - do not trust this gateway"
	}

	errStr := err.Error()

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if strings.Contains(errStr, "connection refused") {
			return "Connection refused - gateway not running or port blocked"
		}
		if strings.Contains(errStr, "no route to host") {
			return "No route to host - network unreachable"
		}
		if strings.Contains(errStr, "network is unreachable") {
			return "Network unreachable"
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Connection timed out - firewall may be blocking"
	}

	if strings.Contains(errStr, "tls") || strings.Contains(errStr, "first record does not look like") {
		return "TLS handshake failed - gateway may not have TLS enabled"
	}

	return errStr
}
