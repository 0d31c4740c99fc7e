package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/gatelink/internal/endpoint"
	"github.com/postalsys/gatelink/internal/logging"
	"github.com/postalsys/gatelink/internal/recovery"
)

// DefaultLocalDomain is the multicast DNS domain.
const DefaultLocalDomain = "local."

var errNoHost = errors.New("resolved service has no host")

// Announcement is one multicast service event.
type Announcement struct {
	// Instance is the service instance label as received.
	Instance string
	Removed  bool
}

// Service is the resolved form of one announced instance.
type Service struct {
	Host string
	Port int
	TXT  map[string]string
}

// MDNS is a multicast service-discovery backend.
type MDNS interface {
	// Browse streams announcements for serviceType in domain until ctx ends.
	// Sends on out must give up when ctx is done.
	Browse(ctx context.Context, serviceType, domain string, out chan<- Announcement) error
	// Resolve looks up host, port and TXT metadata of one instance.
	Resolve(ctx context.Context, instance, serviceType, domain string) (Service, error)
}

// LocalConfig configures Local.
type LocalConfig struct {
	ServiceType string
	// Domain defaults to DefaultLocalDomain.
	Domain string
	// ResolveTimeout bounds each instance resolution.
	ResolveTimeout time.Duration
	// RetryDelay is the pause before restarting a failed browse.
	RetryDelay time.Duration
}

// Local discovers gateways on the local link.
//
// A single goroutine owns the endpoint map. Browse events and resolve results
// reach it over channels and every change is published as an immutable
// snapshot on Updates.
type Local struct {
	cfg      LocalConfig
	mdns     MDNS
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	updates chan map[string]endpoint.Endpoint
}

// NewLocal creates a local discovery over mdns.
func NewLocal(cfg LocalConfig, mdns MDNS, observer Observer, logger *slog.Logger) *Local {
	if cfg.ServiceType == "" {
		cfg.ServiceType = DefaultServiceType
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultLocalDomain
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	return &Local{
		cfg:      cfg,
		mdns:     mdns,
		observer: observer,
		logger:   logging.Component(logger, "local-discovery"),
		updates:  make(chan map[string]endpoint.Endpoint, 1),
	}
}

// Updates delivers the latest endpoint snapshot. Intermediate snapshots may be
// dropped when the consumer is slow.
func (l *Local) Updates() <-chan map[string]endpoint.Endpoint {
	return l.updates
}

// Start begins listening. Calling Start on a running discovery does nothing.
func (l *Local) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
}

// Stop ends discovery and waits for background work to finish.
func (l *Local) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.started = false
	l.cancel = nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

type resolveResult struct {
	id       string
	gen      uint64
	endpoint endpoint.Endpoint
	err      error
}

func (l *Local) run(ctx context.Context) {
	defer close(l.done)
	defer recovery.RecoverWithLog(l.logger, "local discovery loop")

	announcements := make(chan Announcement, 16)
	results := make(chan resolveResult, 16)

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(l.logger, "local discovery browse")
		l.browse(ctx, announcements)
	}()

	entries := make(map[string]endpoint.Endpoint)
	gens := make(map[string]uint64)
	var gen uint64

	for {
		select {
		case <-ctx.Done():
			return

		case a := <-announcements:
			name := endpoint.DecodeLabel(a.Instance)
			id := endpoint.StableID(l.cfg.ServiceType, l.cfg.Domain, name)
			gen++

			if a.Removed {
				// Any resolve still in flight for this id is now stale.
				delete(gens, id)
				if _, ok := entries[id]; ok {
					delete(entries, id)
					l.logger.Info("gateway removed", logging.KeyStableID, id)
					l.publish(entries)
				}
				continue
			}

			gens[id] = gen
			wg.Add(1)
			go func(instance, name, id string, gen uint64) {
				defer wg.Done()
				defer recovery.RecoverWithLog(l.logger, "local discovery resolve")
				ep, err := l.resolve(ctx, instance, name)
				select {
				case results <- resolveResult{id: id, gen: gen, endpoint: ep, err: err}:
				case <-ctx.Done():
				}
			}(a.Instance, name, id, gen)

		case r := <-results:
			if gens[r.id] != r.gen {
				continue
			}
			if r.err != nil {
				l.logger.Warn("resolve failed",
					logging.KeyStableID, r.id,
					logging.KeyError, r.err)
				continue
			}
			if prev, ok := entries[r.id]; ok && prev == r.endpoint {
				l.logger.Debug("gateway unchanged", logging.KeyStableID, r.id)
				continue
			}
			entries[r.id] = r.endpoint
			l.logger.Info("gateway resolved",
				logging.KeyStableID, r.id,
				logging.KeyAddress, r.endpoint.Address())
			l.publish(entries)
		}
	}
}

func (l *Local) browse(ctx context.Context, out chan<- Announcement) {
	for {
		err := l.mdns.Browse(ctx, l.cfg.ServiceType, l.cfg.Domain, out)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.Warn("browse failed",
				logging.KeyService, l.cfg.ServiceType,
				logging.KeyError, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.cfg.RetryDelay):
		}
	}
}

func (l *Local) resolve(ctx context.Context, instance, name string) (endpoint.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ResolveTimeout)
	defer cancel()

	svc, err := l.mdns.Resolve(ctx, instance, l.cfg.ServiceType, l.cfg.Domain)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("resolve %q: %w", name, err)
	}
	if svc.Host == "" {
		return endpoint.Endpoint{}, fmt.Errorf("resolve %q: %w", name, errNoHost)
	}
	ep := endpoint.Build(l.cfg.ServiceType, l.cfg.Domain, name, svc.Host, svc.Port, svc.TXT)
	if err := ep.Validate(); err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("resolve %q: %w", name, err)
	}
	return ep, nil
}

func (l *Local) publish(entries map[string]endpoint.Endpoint) {
	if l.observer != nil {
		l.observer.SetEndpointCount(SourceLocal, len(entries))
	}
	offer(l.updates, cloneEndpoints(entries))
}
