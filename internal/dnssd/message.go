// Package dnssd implements the unicast DNS-SD client used by wide-area
// discovery: raw query construction and response parsing, UDP/TCP exchange
// with bounded per-query timeouts, and the dual system/direct query path.
package dnssd

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

const (
	// ednsPayloadSize is the UDP payload size advertised in the OPT record.
	ednsPayloadSize = 4096

	maxMessageSize = 65535
)

var (
	// ErrNoAnswer is returned when no path produced an answer of the
	// requested type and there is no more specific outcome to report.
	ErrNoAnswer = errors.New("no answer of requested type")

	// ErrMismatchedResponse is returned when a response does not match the
	// query it claims to answer.
	ErrMismatchedResponse = errors.New("response does not match query")
)

// RCodeError reports a non-success DNS response code as a failure.
type RCodeError struct {
	RCode dnsmessage.RCode
	Name  string
}

func (e *RCodeError) Error() string {
	return fmt.Sprintf("dns %s for %s", RCodeName(e.RCode), e.Name)
}

// RCodeName returns the conventional mnemonic for a response code.
func RCodeName(rc dnsmessage.RCode) string {
	switch rc {
	case dnsmessage.RCodeSuccess:
		return "NOERROR"
	case dnsmessage.RCodeFormatError:
		return "FORMERR"
	case dnsmessage.RCodeServerFailure:
		return "SERVFAIL"
	case dnsmessage.RCodeNameError:
		return "NXDOMAIN"
	case dnsmessage.RCodeNotImplemented:
		return "NOTIMP"
	case dnsmessage.RCodeRefused:
		return "REFUSED"
	default:
		return fmt.Sprintf("RCODE%d", uint16(rc))
	}
}

// TypeName returns the record type mnemonic, e.g. "SRV".
func TypeName(t dnsmessage.Type) string {
	return strings.TrimPrefix(t.String(), "Type")
}

// Response is a parsed DNS response together with where it came from.
type Response struct {
	RCode         dnsmessage.RCode
	Authoritative bool
	Truncated     bool
	Answers       []dnsmessage.Resource
	Additionals   []dnsmessage.Resource

	// Path is "system" or "direct".
	Path string
	// Server is the nameserver that answered.
	Server string
}

// Negative reports an authoritative name-not-found answer.
func (r *Response) Negative() bool {
	return r != nil && r.RCode == dnsmessage.RCodeNameError
}

// HasAnswer reports whether the answer section carries at least one record of
// type t.
func (r *Response) HasAnswer(t dnsmessage.Type) bool {
	if r == nil {
		return false
	}
	for _, rr := range r.Answers {
		if rr.Header.Type == t {
			return true
		}
	}
	return false
}

// All returns answer and additional records, answers first.
func (r *Response) All() []dnsmessage.Resource {
	if r == nil {
		return nil
	}
	out := make([]dnsmessage.Resource, 0, len(r.Answers)+len(r.Additionals))
	out = append(out, r.Answers...)
	return append(out, r.Additionals...)
}

// FQDN returns name with a trailing dot.
func FQDN(name string) string {
	name = strings.TrimSpace(name)
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return name
}

// SameName compares two domain names case-insensitively, ignoring the
// trailing root dot.
func SameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}

// buildQuery packs a single-question recursive query with an EDNS0 OPT record.
func buildQuery(id uint16, name string, qtype dnsmessage.Type) ([]byte, error) {
	qname, err := dnsmessage.NewName(FQDN(name))
	if err != nil {
		return nil, fmt.Errorf("invalid query name %q: %w", name, err)
	}

	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: id, RecursionDesired: true})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{Name: qname, Type: qtype, Class: dnsmessage.ClassINET}); err != nil {
		return nil, err
	}
	if err := b.StartAdditionals(); err != nil {
		return nil, err
	}
	var rh dnsmessage.ResourceHeader
	if err := rh.SetEDNS0(ednsPayloadSize, dnsmessage.RCodeSuccess, false); err != nil {
		return nil, err
	}
	if err := b.OPTResource(rh, dnsmessage.OPTResource{}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// parseResponse unpacks raw bytes and checks them against the query.
func parseResponse(raw []byte, id uint16, name string, qtype dnsmessage.Type) (*Response, error) {
	var msg dnsmessage.Message
	if err := msg.Unpack(raw); err != nil {
		return nil, fmt.Errorf("unpack response: %w", err)
	}
	if !msg.Header.Response || msg.Header.ID != id {
		return nil, ErrMismatchedResponse
	}
	if len(msg.Questions) > 0 {
		q := msg.Questions[0]
		if q.Type != qtype || !SameName(q.Name.String(), name) {
			return nil, ErrMismatchedResponse
		}
	}

	return &Response{
		RCode:         msg.Header.RCode,
		Authoritative: msg.Header.Authoritative,
		Truncated:     msg.Header.Truncated,
		Answers:       msg.Answers,
		Additionals:   msg.Additionals,
	}, nil
}

func newQueryID() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// PTRTargets returns the targets of PTR records owned by name.
func PTRTargets(rrs []dnsmessage.Resource, name string) []string {
	var out []string
	for _, rr := range rrs {
		ptr, ok := rr.Body.(*dnsmessage.PTRResource)
		if !ok || !SameName(rr.Header.Name.String(), name) {
			continue
		}
		out = append(out, ptr.PTR.String())
	}
	return out
}

// SRVRecord is the part of an SRV record DNS-SD uses.
type SRVRecord struct {
	Target   string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// FindSRV returns the best SRV record owned by name: lowest priority, then
// highest weight.
func FindSRV(rrs []dnsmessage.Resource, name string) (SRVRecord, bool) {
	var best SRVRecord
	found := false
	for _, rr := range rrs {
		srv, ok := rr.Body.(*dnsmessage.SRVResource)
		if !ok || !SameName(rr.Header.Name.String(), name) {
			continue
		}
		cand := SRVRecord{Target: srv.Target.String(), Port: srv.Port, Priority: srv.Priority, Weight: srv.Weight}
		if !found || cand.Priority < best.Priority || (cand.Priority == best.Priority && cand.Weight > best.Weight) {
			best = cand
			found = true
		}
	}
	return best, found
}

// FindAddrs returns A and AAAA addresses owned by name, IPv4 first.
func FindAddrs(rrs []dnsmessage.Resource, name string) []netip.Addr {
	var v4, v6 []netip.Addr
	for _, rr := range rrs {
		if !SameName(rr.Header.Name.String(), name) {
			continue
		}
		switch body := rr.Body.(type) {
		case *dnsmessage.AResource:
			v4 = append(v4, netip.AddrFrom4(body.A))
		case *dnsmessage.AAAAResource:
			v6 = append(v6, netip.AddrFrom16(body.AAAA))
		}
	}
	return append(v4, v6...)
}

// CanonicalName follows CNAME records owned by name (bounded chain length)
// and returns the final owner name.
func CanonicalName(rrs []dnsmessage.Resource, name string) string {
	for hops := 0; hops < 8; hops++ {
		next := ""
		for _, rr := range rrs {
			if c, ok := rr.Body.(*dnsmessage.CNAMEResource); ok && SameName(rr.Header.Name.String(), name) {
				next = c.CNAME.String()
				break
			}
		}
		if next == "" {
			break
		}
		name = next
	}
	return name
}

// FindTXT returns the character-strings of the first TXT record owned by name.
func FindTXT(rrs []dnsmessage.Resource, name string) ([][]byte, bool) {
	for _, rr := range rrs {
		txt, ok := rr.Body.(*dnsmessage.TXTResource)
		if !ok || !SameName(rr.Header.Name.String(), name) {
			continue
		}
		out := make([][]byte, 0, len(txt.TXT))
		for _, s := range txt.TXT {
			out = append(out, []byte(s))
		}
		return out, true
	}
	return nil, false
}
