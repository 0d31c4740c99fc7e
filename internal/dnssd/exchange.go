package dnssd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

// DefaultQueryTimeout bounds a single query against a single nameserver.
const DefaultQueryTimeout = 3 * time.Second

// Exchanger sends one query to one nameserver.
type Exchanger interface {
	Exchange(ctx context.Context, server, name string, qtype dnsmessage.Type) (*Response, error)
}

// NetExchanger exchanges queries over UDP, retrying over TCP when the UDP
// answer is truncated.
type NetExchanger struct {
	// Timeout bounds the whole exchange including a TCP retry.
	Timeout time.Duration
	Dialer  *net.Dialer
}

// NewNetExchanger creates an exchanger with the given per-query timeout.
func NewNetExchanger(timeout time.Duration) *NetExchanger {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &NetExchanger{
		Timeout: timeout,
		Dialer:  &net.Dialer{Timeout: timeout},
	}
}

// Exchange implements Exchanger. When ctx is cancelled the in-flight read is
// abandoned immediately and any late response is discarded with the socket.
func (e *NetExchanger) Exchange(ctx context.Context, server, name string, qtype dnsmessage.Type) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	server = WithDefaultPort(server)
	id := newQueryID()
	query, err := buildQuery(id, name, qtype)
	if err != nil {
		return nil, err
	}

	resp, err := e.roundTrip(ctx, "udp", server, query, id, name, qtype)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		resp, err = e.roundTrip(ctx, "tcp", server, query, id, name, qtype)
		if err != nil {
			return nil, err
		}
	}
	resp.Server = server
	return resp, nil
}

func (e *NetExchanger) roundTrip(ctx context.Context, network, server string, query []byte,
	id uint16, name string, qtype dnsmessage.Type) (*Response, error) {

	dialer := e.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	conn, err := dialer.DialContext(ctx, network, server)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, server, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if network == "tcp" {
		return exchangeStream(ctx, conn, query, id, name, qtype)
	}
	return exchangeDatagram(ctx, conn, query, id, name, qtype)
}

func exchangeDatagram(ctx context.Context, conn net.Conn, query []byte,
	id uint16, name string, qtype dnsmessage.Type) (*Response, error) {

	if _, err := conn.Write(query); err != nil {
		return nil, wrapIOError(ctx, "write", err)
	}

	buf := make([]byte, ednsPayloadSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, wrapIOError(ctx, "read", err)
		}
		resp, err := parseResponse(buf[:n], id, name, qtype)
		if errors.Is(err, ErrMismatchedResponse) {
			// Stray or spoofed datagram; keep waiting for ours.
			continue
		}
		return resp, err
	}
}

func exchangeStream(ctx context.Context, conn net.Conn, query []byte,
	id uint16, name string, qtype dnsmessage.Type) (*Response, error) {

	framed := make([]byte, 2+len(query))
	binary.BigEndian.PutUint16(framed, uint16(len(query)))
	copy(framed[2:], query)
	if _, err := conn.Write(framed); err != nil {
		return nil, wrapIOError(ctx, "write", err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, wrapIOError(ctx, "read", err)
	}
	size := int(binary.BigEndian.Uint16(lenBuf[:]))
	if size == 0 || size > maxMessageSize {
		return nil, fmt.Errorf("invalid tcp message length %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, wrapIOError(ctx, "read", err)
	}
	return parseResponse(buf, id, name, qtype)
}

func wrapIOError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// WithDefaultPort appends :53 to a nameserver address that has no port.
func WithDefaultPort(server string) string {
	if addr, err := netip.ParseAddr(server); err == nil {
		return net.JoinHostPort(addr.String(), "53")
	}
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "53")
}
