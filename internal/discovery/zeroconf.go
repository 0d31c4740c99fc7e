package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/postalsys/gatelink/internal/endpoint"
	"github.com/postalsys/gatelink/internal/logging"
)

const (
	// DefaultRefreshInterval is how long one zeroconf browse round lasts.
	DefaultRefreshInterval = 20 * time.Second
	// DefaultSweepInterval is how often a round checks for instances that
	// stopped answering.
	DefaultSweepInterval = 5 * time.Second
)

var errNotFound = errors.New("instance not found")

// entryBrowser is the part of *zeroconf.Resolver used for browsing.
type entryBrowser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Zeroconf adapts github.com/grandcat/zeroconf to MDNS.
//
// The library reports each instance once per resolver and drops goodbye
// packets, so browsing runs in rounds with a fresh resolver each time. An
// instance missing from two consecutive rounds is reported as removed. An
// instance is announced when it first appears and again only when its host,
// port or TXT change.
type Zeroconf struct {
	RefreshInterval time.Duration
	SweepInterval   time.Duration

	logger     *slog.Logger
	now        func() time.Time
	newBrowser func() (entryBrowser, error)

	mu      sync.Mutex
	entries map[string]*zeroconf.ServiceEntry
	expiry  map[string]time.Time
}

// NewZeroconf creates the adapter.
func NewZeroconf(logger *slog.Logger) *Zeroconf {
	return &Zeroconf{
		RefreshInterval: DefaultRefreshInterval,
		SweepInterval:   DefaultSweepInterval,
		logger:          logging.Component(logger, "zeroconf"),
		now:             time.Now,
		newBrowser:      newResolver,
		entries:         make(map[string]*zeroconf.ServiceEntry),
		expiry:          make(map[string]time.Time),
	}
}

func newResolver() (entryBrowser, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Browse implements MDNS.
func (z *Zeroconf) Browse(ctx context.Context, serviceType, domain string, out chan<- Announcement) error {
	refresh := z.RefreshInterval
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	sweepEvery := z.SweepInterval
	if sweepEvery <= 0 || sweepEvery > refresh {
		sweepEvery = refresh
	}
	for {
		if err := z.browseRound(ctx, serviceType, domain, refresh, sweepEvery, out); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (z *Zeroconf) browseRound(ctx context.Context, serviceType, domain string, refresh, sweepEvery time.Duration, out chan<- Announcement) error {
	browser, err := z.newBrowser()
	if err != nil {
		return fmt.Errorf("create mdns resolver: %w", err)
	}

	roundCtx, cancel := context.WithTimeout(ctx, refresh)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := browser.Browse(roundCtx, serviceType, domain, entries); err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}

	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-roundCtx.Done():
			return nil
		case <-ticker.C:
			for _, instance := range z.sweep() {
				if !send(ctx, out, Announcement{Instance: instance, Removed: true}) {
					return nil
				}
			}
		case entry, ok := <-entries:
			if !ok {
				// The resolver gave up early; keep sweeping until the round ends.
				entries = nil
				continue
			}
			if entry == nil {
				continue
			}
			a, changed := z.observe(entry, refresh)
			if !changed {
				continue
			}
			if !send(ctx, out, a) {
				return nil
			}
		}
	}
}

// observe records entry and reports whether it is new or changed.
func (z *Zeroconf) observe(entry *zeroconf.ServiceEntry, refresh time.Duration) (Announcement, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()

	instance := entry.Instance
	prev, known := z.entries[instance]
	z.entries[instance] = entry
	z.expiry[instance] = z.now().Add(2 * refresh)

	if known && sameService(serviceFromEntry(prev), serviceFromEntry(entry)) {
		return Announcement{}, false
	}
	return Announcement{Instance: instance}, true
}

// sweep drops expired instances and returns them.
func (z *Zeroconf) sweep() []string {
	z.mu.Lock()
	defer z.mu.Unlock()

	now := z.now()
	var gone []string
	for instance, exp := range z.expiry {
		if now.After(exp) {
			delete(z.entries, instance)
			delete(z.expiry, instance)
			gone = append(gone, instance)
		}
	}
	if len(gone) > 0 {
		z.logger.Debug("mdns entries expired", logging.KeyCount, len(gone))
	}
	return gone
}

// Resolve implements MDNS. Entries seen while browsing already carry host,
// port and TXT; anything else is looked up directly.
func (z *Zeroconf) Resolve(ctx context.Context, instance, serviceType, domain string) (Service, error) {
	z.mu.Lock()
	entry, ok := z.entries[instance]
	z.mu.Unlock()
	if ok {
		return serviceFromEntry(entry), nil
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Service{}, fmt.Errorf("create mdns resolver: %w", err)
	}
	lookupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Lookup(lookupCtx, instance, serviceType, domain, entries); err != nil {
		return Service{}, fmt.Errorf("mdns lookup: %w", err)
	}
	for {
		select {
		case <-lookupCtx.Done():
			return Service{}, fmt.Errorf("%w: %s", errNotFound, lookupCtx.Err())
		case e, ok := <-entries:
			if !ok {
				return Service{}, errNotFound
			}
			if e != nil && e.Port > 0 {
				return serviceFromEntry(e), nil
			}
		}
	}
}

func serviceFromEntry(e *zeroconf.ServiceEntry) Service {
	svc := Service{Port: e.Port, TXT: endpoint.ParseTXTStrings(e.Text)}
	switch {
	case len(e.AddrIPv4) > 0:
		svc.Host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		svc.Host = e.AddrIPv6[0].String()
	default:
		svc.Host = strings.TrimSuffix(e.HostName, ".")
	}
	return svc
}

func sameService(a, b Service) bool {
	return a.Host == b.Host && a.Port == b.Port && maps.Equal(a.TXT, b.TXT)
}

func send(ctx context.Context, out chan<- Announcement, a Announcement) bool {
	select {
	case out <- a:
		return true
	case <-ctx.Done():
		return false
	}
}
