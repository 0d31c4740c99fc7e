package dnssd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/postalsys/gatelink/internal/endpoint"
	"github.com/postalsys/gatelink/internal/logging"
)

var (
	errNoSRV     = errors.New("no SRV record")
	errNoAddress = errors.New("no address for SRV target")
)

// Instance is one resolved DNS-SD service instance.
type Instance struct {
	FQDN   string
	Name   string
	Target string
	Port   int
	Addrs  []netip.Addr
	TXT    map[string]string
}

// Host returns the preferred address of the instance as a string.
func (i Instance) Host() string {
	if len(i.Addrs) == 0 {
		return ""
	}
	return i.Addrs[0].WithZone("").String()
}

// BrowseResult is the outcome of one PTR enumeration.
type BrowseResult struct {
	Instances []Instance
	// RCode of the PTR response. NXDOMAIN is reported here, not as an error.
	RCode dnsmessage.RCode
	// Skipped counts instances dropped because they could not be resolved.
	Skipped int
}

// Browser enumerates and resolves DNS-SD instances over unicast DNS.
type Browser struct {
	Querier Querier
	Logger  *slog.Logger
}

// Browse runs PTR -> SRV -> A/AAAA -> TXT for serviceType under domain.
//
// Transport failures and error response codes on the PTR query are returned
// as errors. An authoritative NXDOMAIN is a successful, empty result. An
// instance that cannot be resolved to an address is skipped.
func (b *Browser) Browse(ctx context.Context, serviceType, domain string) (*BrowseResult, error) {
	ptrName := FQDN(strings.TrimSuffix(serviceType, ".") + "." + strings.TrimSuffix(domain, "."))

	ptrResp, err := b.Querier.Query(ctx, ptrName, dnsmessage.TypePTR)
	if err != nil {
		return nil, fmt.Errorf("browse %s: %w", ptrName, err)
	}

	switch {
	case ptrResp.Negative():
		return &BrowseResult{RCode: ptrResp.RCode}, nil
	case ptrResp.RCode != dnsmessage.RCodeSuccess:
		return nil, &RCodeError{RCode: ptrResp.RCode, Name: ptrName}
	}

	result := &BrowseResult{RCode: ptrResp.RCode}
	for _, target := range uniqueNames(PTRTargets(ptrResp.Answers, ptrName)) {
		inst, err := b.resolveInstance(ctx, ptrResp, target, serviceType, domain)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			result.Skipped++
			b.logger().Debug("skipping unresolvable instance",
				logging.KeyInstance, target,
				logging.KeyError, err)
			continue
		}
		result.Instances = append(result.Instances, inst)
	}
	return result, nil
}

func (b *Browser) resolveInstance(ctx context.Context, ptrResp *Response, target, serviceType, domain string) (Instance, error) {
	name, ok := endpoint.InstanceFromFQDN(target, serviceType, domain)
	if !ok {
		label, _, _ := strings.Cut(target, ".")
		name = endpoint.DecodeLabel(label)
	}
	inst := Instance{FQDN: FQDN(target), Name: name}

	known := ptrResp.All()

	srv, ok := FindSRV(known, target)
	if !ok {
		resp, err := b.Querier.Query(ctx, target, dnsmessage.TypeSRV)
		if err != nil {
			return inst, fmt.Errorf("srv: %w", err)
		}
		known = append(known, resp.All()...)
		if srv, ok = FindSRV(resp.Answers, target); !ok {
			return inst, errNoSRV
		}
	}
	if srv.Port == 0 {
		return inst, fmt.Errorf("%w: port 0", errNoSRV)
	}
	inst.Target = srv.Target
	inst.Port = int(srv.Port)

	inst.Addrs = FindAddrs(known, srv.Target)
	if len(inst.Addrs) == 0 {
		inst.Addrs = b.lookupAddrs(ctx, srv.Target)
	}
	if len(inst.Addrs) == 0 {
		return inst, errNoAddress
	}

	segments, ok := FindTXT(known, target)
	if !ok {
		resp, err := b.Querier.Query(ctx, target, dnsmessage.TypeTXT)
		if err == nil {
			segments, _ = FindTXT(resp.Answers, target)
		} else {
			b.logger().Debug("txt lookup failed", logging.KeyInstance, target, logging.KeyError, err)
		}
	}
	inst.TXT = endpoint.ParseTXT(segments)
	return inst, nil
}

// lookupAddrs resolves host with A then AAAA queries. A literal IP target is
// used as is.
func (b *Browser) lookupAddrs(ctx context.Context, host string) []netip.Addr {
	if addr, err := netip.ParseAddr(strings.TrimSuffix(host, ".")); err == nil {
		return []netip.Addr{addr}
	}

	var addrs []netip.Addr
	for _, qtype := range []dnsmessage.Type{dnsmessage.TypeA, dnsmessage.TypeAAAA} {
		resp, err := b.Querier.Query(ctx, host, qtype)
		if err != nil {
			b.logger().Debug("address lookup failed",
				logging.KeyQName, host,
				logging.KeyQType, TypeName(qtype),
				logging.KeyError, err)
			continue
		}
		all := resp.All()
		addrs = append(addrs, FindAddrs(all, CanonicalName(all, host))...)
		if len(addrs) > 0 {
			break
		}
	}
	return addrs
}

func (b *Browser) logger() *slog.Logger {
	if b.Logger == nil {
		return logging.NopLogger()
	}
	return b.Logger
}

func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0:0]
	for _, n := range names {
		key := strings.ToLower(FQDN(n))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}
