package dnssd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"
	"golang.org/x/time/rate"

	"github.com/postalsys/gatelink/internal/logging"
)

// Query paths.
const (
	PathSystem = "system"
	PathDirect = "direct"
)

// DefaultDirectTimeout bounds each direct-to-nameserver fallback query.
const DefaultDirectTimeout = 1500 * time.Millisecond

// Querier resolves one name and record type.
type Querier interface {
	Query(ctx context.Context, name string, qtype dnsmessage.Type) (*Response, error)
}

// QueryObserver receives one observation per nameserver exchange.
type QueryObserver interface {
	ObserveDNSQuery(path, qtype, result string, latency time.Duration)
}

// ServerQuerier sends a query to an ordered list of nameservers and returns
// the first usable response. A SERVFAIL/REFUSED style response moves on to
// the next server but is kept as the result if nothing better turns up.
type ServerQuerier struct {
	Path      string
	Servers   func() []string
	Exchanger Exchanger
	Limiter   *rate.Limiter
	Observer  QueryObserver
	Logger    *slog.Logger
}

// Query implements Querier.
func (q *ServerQuerier) Query(ctx context.Context, name string, qtype dnsmessage.Type) (*Response, error) {
	var servers []string
	if q.Servers != nil {
		servers = q.Servers()
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("%s path: no nameservers", q.Path)
	}

	var (
		fallback *Response
		lastErr  error
	)
	for _, server := range servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.Limiter != nil {
			if err := q.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		resp, err := q.Exchanger.Exchange(ctx, server, name, qtype)
		q.observe(qtype, resp, err, time.Since(start))

		if err != nil {
			lastErr = err
			q.logger().Debug("dns query failed",
				logging.KeyPath, q.Path,
				logging.KeyNameserver, server,
				logging.KeyQName, name,
				logging.KeyQType, TypeName(qtype),
				logging.KeyError, err)
			continue
		}
		resp.Path = q.Path
		resp.Server = server

		switch resp.RCode {
		case dnsmessage.RCodeSuccess, dnsmessage.RCodeNameError:
			return resp, nil
		default:
			if fallback == nil {
				fallback = resp
			}
		}
	}

	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%s query %s %s: %w", q.Path, TypeName(qtype), name, lastErr)
}

func (q *ServerQuerier) observe(qtype dnsmessage.Type, resp *Response, err error, d time.Duration) {
	if q.Observer == nil {
		return
	}
	q.Observer.ObserveDNSQuery(q.Path, TypeName(qtype), outcome(resp, err, qtype), d)
}

func (q *ServerQuerier) logger() *slog.Logger {
	if q.Logger == nil {
		return logging.NopLogger()
	}
	return q.Logger
}

func outcome(resp *Response, err error, qtype dnsmessage.Type) string {
	switch {
	case err != nil:
		return "error"
	case resp.HasAnswer(qtype):
		return "answer"
	case resp.RCode == dnsmessage.RCodeSuccess:
		return "empty"
	default:
		return strings.ToLower(RCodeName(resp.RCode))
	}
}

// DualPath queries the system path first and falls back to direct queries
// against candidate network nameservers when the system path produced no
// answer of the requested type. Some platform stacks silently drop
// DNS-SD-shaped queries; the direct path works around them.
type DualPath struct {
	System Querier
	Direct Querier
	Logger *slog.Logger
}

// Query implements Querier.
//
// Outcome rules:
//   - system answer of the requested type: returned.
//   - otherwise direct answer of the requested type: returned.
//   - otherwise the system response (possibly empty or negative) is returned.
//   - when the system path failed outright, a direct response of any shape is
//     preferred over the system error.
func (d *DualPath) Query(ctx context.Context, name string, qtype dnsmessage.Type) (*Response, error) {
	sysResp, sysErr := d.System.Query(ctx, name, qtype)
	if sysErr == nil && sysResp.HasAnswer(qtype) {
		return sysResp, nil
	}
	if d.Direct == nil || ctx.Err() != nil {
		return sysResp, sysErr
	}

	dirResp, dirErr := d.Direct.Query(ctx, name, qtype)
	if dirErr == nil && dirResp.HasAnswer(qtype) {
		if d.Logger != nil {
			d.Logger.Debug("direct path answered where system path did not",
				logging.KeyQName, name,
				logging.KeyQType, TypeName(qtype),
				logging.KeyNameserver, dirResp.Server)
		}
		return dirResp, nil
	}

	if sysErr != nil && dirErr == nil && dirResp != nil {
		return dirResp, nil
	}
	if sysErr != nil && dirErr != nil {
		return nil, errors.Join(sysErr, dirErr)
	}
	return sysResp, sysErr
}
