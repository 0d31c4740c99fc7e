// Package discovery finds gateway endpoints on the local link (mDNS) and over
// wide-area unicast DNS-SD, and merges both into one published state.
package discovery

import (
	"time"

	"github.com/postalsys/gatelink/internal/endpoint"
)

// Endpoint sources.
const (
	SourceLocal = "local"
	SourceWide  = "wide"
)

// DefaultServiceType is the DNS-SD service type gateways advertise.
const DefaultServiceType = "_gatelink-gw._tcp"

// Observer receives discovery measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	SetEndpointCount(source string, n int)
	ObserveWideCycle(result string, d time.Duration)
	SetBackoff(d time.Duration)
}

// offer replaces whatever is pending in ch with v. Only valid with a single
// producer per channel.
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func cloneEndpoints(m map[string]endpoint.Endpoint) map[string]endpoint.Endpoint {
	out := make(map[string]endpoint.Endpoint, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
