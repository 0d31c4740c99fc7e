package dnssd

import (
	"errors"
	"net/netip"
	"testing"

	"golang.org/x/net/dns/dnsmessage"
)

func TestBuildQueryAndParseResponse(t *testing.T) {
	const name = "_gw._tcp.example.com."
	query, err := buildQuery(0x1234, name, dnsmessage.TypePTR)
	if err != nil {
		t.Fatalf("buildQuery() error = %v", err)
	}

	var q dnsmessage.Message
	if err := q.Unpack(query); err != nil {
		t.Fatalf("query does not unpack: %v", err)
	}
	if q.Header.ID != 0x1234 || !q.Header.RecursionDesired {
		t.Errorf("unexpected header: %+v", q.Header)
	}
	if len(q.Questions) != 1 || q.Questions[0].Type != dnsmessage.TypePTR {
		t.Fatalf("unexpected questions: %+v", q.Questions)
	}
	if len(q.Additionals) != 1 || q.Additionals[0].Header.Type != dnsmessage.TypeOPT {
		t.Errorf("expected EDNS0 OPT record, got %+v", q.Additionals)
	}

	reply := dnsmessage.Message{
		Header:    dnsmessage.Header{ID: 0x1234, Response: true, Authoritative: true},
		Questions: q.Questions,
		Answers:   []dnsmessage.Resource{ptr(name, "Office._gw._tcp.example.com.")},
		Additionals: []dnsmessage.Resource{
			srv("Office._gw._tcp.example.com.", "gw1.example.com.", 9443),
		},
	}
	raw, err := reply.Pack()
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	resp, err := parseResponse(raw, 0x1234, name, dnsmessage.TypePTR)
	if err != nil {
		t.Fatalf("parseResponse() error = %v", err)
	}
	if !resp.Authoritative || !resp.HasAnswer(dnsmessage.TypePTR) {
		t.Errorf("unexpected response: %+v", resp)
	}
	if got := PTRTargets(resp.Answers, name); len(got) != 1 || got[0] != "Office._gw._tcp.example.com." {
		t.Errorf("PTRTargets() = %v", got)
	}
	if _, ok := FindSRV(resp.Additionals, "office._gw._tcp.example.com"); !ok {
		t.Error("FindSRV() should match case-insensitively in additionals")
	}

	if _, err := parseResponse(raw, 0x9999, name, dnsmessage.TypePTR); !errors.Is(err, ErrMismatchedResponse) {
		t.Errorf("mismatched id error = %v", err)
	}
	if _, err := parseResponse(raw, 0x1234, name, dnsmessage.TypeSRV); !errors.Is(err, ErrMismatchedResponse) {
		t.Errorf("mismatched qtype error = %v", err)
	}
}

func TestBuildQuery_InvalidName(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := buildQuery(1, string(long), dnsmessage.TypeA); err == nil {
		t.Error("expected error for oversized name")
	}
}

func TestRCodeName(t *testing.T) {
	tests := map[dnsmessage.RCode]string{
		dnsmessage.RCodeSuccess:       "NOERROR",
		dnsmessage.RCodeNameError:     "NXDOMAIN",
		dnsmessage.RCodeServerFailure: "SERVFAIL",
		dnsmessage.RCodeRefused:       "REFUSED",
		dnsmessage.RCode(11):          "RCODE11",
	}
	for rc, want := range tests {
		if got := RCodeName(rc); got != want {
			t.Errorf("RCodeName(%d) = %q, want %q", rc, got, want)
		}
	}
}

func TestFindSRV_PrefersPriorityThenWeight(t *testing.T) {
	owner := "gw._gw._tcp.example.com."
	rrs := []dnsmessage.Resource{
		rr(owner, &dnsmessage.SRVResource{Priority: 10, Weight: 100, Port: 1, Target: dnsmessage.MustNewName("a.example.com.")}),
		rr(owner, &dnsmessage.SRVResource{Priority: 0, Weight: 5, Port: 2, Target: dnsmessage.MustNewName("b.example.com.")}),
		rr(owner, &dnsmessage.SRVResource{Priority: 0, Weight: 50, Port: 3, Target: dnsmessage.MustNewName("c.example.com.")}),
	}

	got, ok := FindSRV(rrs, owner)
	if !ok || got.Port != 3 || got.Target != "c.example.com." {
		t.Errorf("FindSRV() = %+v, %v", got, ok)
	}
}

func TestFindAddrs_IPv4First(t *testing.T) {
	host := "gw.example.com."
	rrs := []dnsmessage.Resource{
		rr(host, &dnsmessage.AAAAResource{AAAA: netip.MustParseAddr("fd00::5").As16()}),
		aRec(host, [4]byte{10, 0, 0, 5}),
		aRec("other.example.com.", [4]byte{10, 9, 9, 9}),
	}

	got := FindAddrs(rrs, host)
	if len(got) != 2 || got[0].String() != "10.0.0.5" || got[1].String() != "fd00::5" {
		t.Errorf("FindAddrs() = %v", got)
	}
}

func TestCanonicalName(t *testing.T) {
	rrs := []dnsmessage.Resource{
		rr("gw.example.com.", &dnsmessage.CNAMEResource{CNAME: dnsmessage.MustNewName("real.example.net.")}),
		aRec("real.example.net.", [4]byte{192, 0, 2, 1}),
	}
	if got := CanonicalName(rrs, "gw.example.com"); got != "real.example.net." {
		t.Errorf("CanonicalName() = %q", got)
	}
	if got := CanonicalName(rrs, "none.example.com."); got != "none.example.com." {
		t.Errorf("CanonicalName() without CNAME = %q", got)
	}
}

func TestFindTXT(t *testing.T) {
	owner := "gw._gw._tcp.example.com."
	segs, ok := FindTXT([]dnsmessage.Resource{txtRec(owner, "displayName=Office", "gatewayTls=1")}, owner)
	if !ok || len(segs) != 2 || string(segs[0]) != "displayName=Office" {
		t.Errorf("FindTXT() = %q, %v", segs, ok)
	}
	if _, ok := FindTXT(nil, owner); ok {
		t.Error("FindTXT(nil) should not match")
	}
}

func TestFQDNAndSameName(t *testing.T) {
	if FQDN("example.com") != "example.com." || FQDN("example.com.") != "example.com." {
		t.Error("FQDN() did not normalize trailing dot")
	}
	if !SameName("Example.COM.", "example.com") {
		t.Error("SameName() should ignore case and trailing dot")
	}
}
