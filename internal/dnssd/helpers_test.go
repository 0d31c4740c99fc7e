package dnssd

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/net/dns/dnsmessage"
)

func rr(name string, body dnsmessage.ResourceBody) dnsmessage.Resource {
	var t dnsmessage.Type
	switch body.(type) {
	case *dnsmessage.PTRResource:
		t = dnsmessage.TypePTR
	case *dnsmessage.SRVResource:
		t = dnsmessage.TypeSRV
	case *dnsmessage.AResource:
		t = dnsmessage.TypeA
	case *dnsmessage.AAAAResource:
		t = dnsmessage.TypeAAAA
	case *dnsmessage.TXTResource:
		t = dnsmessage.TypeTXT
	case *dnsmessage.CNAMEResource:
		t = dnsmessage.TypeCNAME
	}
	return dnsmessage.Resource{
		Header: dnsmessage.ResourceHeader{
			Name:  dnsmessage.MustNewName(FQDN(name)),
			Type:  t,
			Class: dnsmessage.ClassINET,
			TTL:   120,
		},
		Body: body,
	}
}

func ptr(owner, target string) dnsmessage.Resource {
	return rr(owner, &dnsmessage.PTRResource{PTR: dnsmessage.MustNewName(FQDN(target))})
}

func srv(owner, target string, port uint16) dnsmessage.Resource {
	return rr(owner, &dnsmessage.SRVResource{Target: dnsmessage.MustNewName(FQDN(target)), Port: port})
}

func aRec(owner string, a [4]byte) dnsmessage.Resource {
	return rr(owner, &dnsmessage.AResource{A: a})
}

func txtRec(owner string, segs ...string) dnsmessage.Resource {
	return rr(owner, &dnsmessage.TXTResource{TXT: segs})
}

func queryKey(name string, qtype dnsmessage.Type) string {
	return strings.ToLower(FQDN(name)) + "|" + TypeName(qtype)
}

// fakeQuerier answers from a fixed table; unknown queries get an empty
// NOERROR response.
type fakeQuerier struct {
	mu      sync.Mutex
	answers map[string]*Response
	errs    map[string]error
	calls   []string
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{answers: map[string]*Response{}, errs: map[string]error{}}
}

func (f *fakeQuerier) set(name string, qtype dnsmessage.Type, resp *Response) {
	f.answers[queryKey(name, qtype)] = resp
}

func (f *fakeQuerier) fail(name string, qtype dnsmessage.Type, err error) {
	f.errs[queryKey(name, qtype)] = err
}

func (f *fakeQuerier) Query(ctx context.Context, name string, qtype dnsmessage.Type) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := queryKey(name, qtype)
	f.calls = append(f.calls, k)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.errs[k]; ok {
		return nil, err
	}
	if resp, ok := f.answers[k]; ok {
		cp := *resp
		return &cp, nil
	}
	return &Response{RCode: dnsmessage.RCodeSuccess}, nil
}

func (f *fakeQuerier) called(name string, qtype dnsmessage.Type) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := queryKey(name, qtype)
	for _, c := range f.calls {
		if c == k {
			return true
		}
	}
	return false
}

// fakeExchanger answers per server from a table.
type fakeExchanger struct {
	mu      sync.Mutex
	answers map[string]*Response
	errs    map[string]error
	calls   []string
}

func newFakeExchanger() *fakeExchanger {
	return &fakeExchanger{answers: map[string]*Response{}, errs: map[string]error{}}
}

func (f *fakeExchanger) set(server, name string, qtype dnsmessage.Type, resp *Response) {
	f.answers[server+"|"+queryKey(name, qtype)] = resp
}

func (f *fakeExchanger) fail(server, name string, qtype dnsmessage.Type, err error) {
	f.errs[server+"|"+queryKey(name, qtype)] = err
}

func (f *fakeExchanger) Exchange(ctx context.Context, server, name string, qtype dnsmessage.Type) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := server + "|" + queryKey(name, qtype)
	f.calls = append(f.calls, k)
	if err, ok := f.errs[k]; ok {
		return nil, err
	}
	if resp, ok := f.answers[k]; ok {
		cp := *resp
		return &cp, nil
	}
	return &Response{RCode: dnsmessage.RCodeSuccess}, nil
}

func (f *fakeExchanger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
