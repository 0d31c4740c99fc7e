// Package endpoint defines the GatewayEndpoint value produced by local and
// wide-area discovery, and the helpers both sources share to derive stable
// identifiers, decode DNS-SD names and TXT metadata, and merge results.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidPort is returned when an endpoint carries a non-positive port.
var ErrInvalidPort = errors.New("endpoint port must be positive")

// Endpoint describes one discovered gateway. Values are never mutated after
// construction; every resolution builds a fresh Endpoint.
type Endpoint struct {
	StableID string `json:"stable_id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`

	LanHost    string `json:"lan_host,omitempty"`
	TailnetDNS string `json:"tailnet_dns,omitempty"`

	// Zero means not advertised.
	GatewayPort int `json:"gateway_port,omitempty"`
	CanvasPort  int `json:"canvas_port,omitempty"`

	TLSEnabled           bool   `json:"tls_enabled"`
	TLSFingerprintSHA256 string `json:"tls_fingerprint_sha256,omitempty"`
}

// Validate checks the invariants every published endpoint satisfies.
func (e Endpoint) Validate() error {
	if e.StableID == "" {
		return errors.New("endpoint stable id is empty")
	}
	if e.Host == "" {
		return errors.New("endpoint host is empty")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, e.Port)
	}
	return nil
}

// Address returns host:port suitable for dialing.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns a short human-readable form.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s (%s)", e.Name, e.Address())
}

// StableID derives the merge/dedup key for an instance. The same instance
// announced twice, or announced and then withdrawn, always maps to the same id.
func StableID(serviceType, domain, instance string) string {
	return strings.Join([]string{
		normalizeDNSName(serviceType),
		normalizeDNSName(domain),
		NormalizeName(instance),
	}, "|")
}

func normalizeDNSName(s string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "."))
}

// Merge combines endpoint sets into the published list: deduplicated by
// StableID (earlier sources win) and sorted case-insensitively by name.
func Merge(sources ...map[string]Endpoint) []Endpoint {
	seen := make(map[string]struct{})
	var out []Endpoint
	for _, src := range sources {
		for id, ep := range src {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, ep)
		}
	}
	SortByName(out)
	return out
}

// SortByName sorts endpoints case-insensitively by Name, using StableID to
// keep the order deterministic for equal names.
func SortByName(eps []Endpoint) {
	sort.SliceStable(eps, func(i, j int) bool {
		a, b := strings.ToLower(eps[i].Name), strings.ToLower(eps[j].Name)
		if a != b {
			return a < b
		}
		return eps[i].StableID < eps[j].StableID
	})
}
