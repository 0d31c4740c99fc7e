// Package agent wires configuration, discovery, trust storage and the status
// surface into one process-wide object.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/gatelink/internal/backoff"
	"github.com/postalsys/gatelink/internal/config"
	"github.com/postalsys/gatelink/internal/discovery"
	"github.com/postalsys/gatelink/internal/dnssd"
	"github.com/postalsys/gatelink/internal/endpoint"
	"github.com/postalsys/gatelink/internal/health"
	"github.com/postalsys/gatelink/internal/identity"
	"github.com/postalsys/gatelink/internal/keystore"
	"github.com/postalsys/gatelink/internal/kvstore"
	"github.com/postalsys/gatelink/internal/logging"
	"github.com/postalsys/gatelink/internal/metrics"
	"github.com/postalsys/gatelink/internal/recovery"
	"github.com/postalsys/gatelink/internal/tokenstore"
)

// ErrAlreadyRunning is returned by Start on a running agent.
var ErrAlreadyRunning = errors.New("agent already running")

// Options overrides collaborators New would otherwise build from config.
type Options struct {
	// Logger defaults to a logger built from the agent config.
	Logger *slog.Logger

	// Registry defaults to a fresh registry carrying the Go runtime and
	// process collectors.
	Registry *prometheus.Registry

	// Keys defaults to a file provider in the configured key directory.
	Keys keystore.Provider

	// Storage defaults to the configured kvstore backend.
	Storage kvstore.Store

	// MDNS defaults to the zeroconf adapter.
	MDNS discovery.MDNS

	// Browser defaults to a dual-path unicast DNS-SD browser.
	Browser discovery.Browser
}

// Agent owns every long-lived component. It is constructed once per process
// and passed explicitly to whatever needs it.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	keys       keystore.Provider
	kv         kvstore.Store
	identities *identity.Manager
	tokens     *tokenstore.Store

	local        *discovery.Local
	wide         *discovery.WideArea
	aggregator   *discovery.Aggregator
	healthServer *health.Server

	running  atomic.Bool
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an agent from cfg. Nothing is started.
func New(cfg *config.Config, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	a := &Agent{
		cfg:      cfg,
		logger:   logging.Component(logger, "agent"),
		registry: registry,
		metrics:  metrics.NewMetricsWithRegistry(registry),
	}

	if err := a.initStorage(opts, logger); err != nil {
		return nil, err
	}
	a.initDiscovery(opts, logger)

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, a, registry, logger)
	}

	return a, nil
}

func (a *Agent) initStorage(opts Options, logger *slog.Logger) error {
	if err := os.MkdirAll(a.cfg.Agent.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	a.keys = opts.Keys
	if a.keys == nil {
		a.keys = keystore.NewFile(a.cfg.KeysDir())
	}

	a.kv = opts.Storage
	if a.kv == nil {
		kv, err := kvstore.Open(kvstore.Options{
			Backend: a.cfg.Storage.Backend,
			Path:    a.cfg.StoragePath(),
			Redis: kvstore.RedisOptions{
				Address:   a.cfg.Storage.Redis.Address,
				Password:  a.cfg.Storage.Redis.Password,
				DB:        a.cfg.Storage.Redis.DB,
				KeyPrefix: a.cfg.Storage.Redis.KeyPrefix,
				Timeout:   a.cfg.Storage.Redis.Timeout,
			},
		})
		if err != nil {
			return fmt.Errorf("open %s storage: %w", a.cfg.Storage.Backend, err)
		}
		a.kv = kv
	}

	a.identities = identity.NewManager(a.keys, logger)
	a.tokens = tokenstore.New(a.kv, a.keys, tokenstore.Options{
		Observer: a.metrics,
		Logger:   logger,
	})
	return nil
}

func (a *Agent) initDiscovery(opts Options, logger *slog.Logger) {
	dc := a.cfg.Discovery
	a.aggregator = discovery.NewAggregator(dc.WideArea.Enabled())

	if dc.Local.Enabled {
		mdns := opts.MDNS
		if mdns == nil {
			mdns = discovery.NewZeroconf(logger)
		}
		a.local = discovery.NewLocal(discovery.LocalConfig{
			ServiceType:    dc.ServiceType,
			Domain:         dc.Local.Domain,
			ResolveTimeout: dc.Local.ResolveTimeout,
		}, mdns, a.metrics, logger)
	}

	if dc.WideArea.Enabled() {
		browser := opts.Browser
		if browser == nil {
			browser = &dnssd.Browser{
				Querier: dnssd.NewDualPath(dnssd.Options{
					QueryTimeout:     dc.WideArea.QueryTimeout,
					DirectTimeout:    dc.WideArea.DirectTimeout,
					PreferVPN:        dc.WideArea.PreferVPN,
					ExtraNameservers: dc.WideArea.Nameservers,
					DirectQPS:        dc.WideArea.DirectQPS,
					Observer:         a.metrics,
					Logger:           logger,
				}),
				Logger: logger,
			}
		}
		a.wide = discovery.NewWideArea(dc.WideArea.Domain, browser, discovery.WideAreaOptions{
			ServiceType: dc.ServiceType,
			Backoff: backoff.Config{
				BaseDelay:        dc.WideArea.BaseDelay,
				MaxDelay:         dc.WideArea.MaxDelay,
				Multiplier:       2.0,
				FailureThreshold: dc.WideArea.FailureThreshold,
			},
			Observer: a.metrics,
			Logger:   logger,
		})
	}
}

// Start launches discovery and, when enabled, the health server. Discovery
// runs until Stop or until ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	if a.running.Swap(true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting discovery",
		logging.KeyService, a.cfg.Discovery.ServiceType,
		"local", a.local != nil,
		"wide_area", a.cfg.Discovery.WideArea.Domain)

	var localCh <-chan map[string]endpoint.Endpoint
	if a.local != nil {
		a.local.Start(ctx)
		localCh = a.local.Updates()
	}

	var wideCh <-chan discovery.WideResult
	if a.wide != nil {
		wideCh = a.wide.Updates()
		a.wg.Add(1)
		recovery.Go(a.logger, "wide-area.Run", func() {
			defer a.wg.Done()
			a.wide.Run(ctx)
		})
	}

	a.wg.Add(1)
	recovery.Go(a.logger, "aggregator.Run", func() {
		defer a.wg.Done()
		a.aggregator.Run(ctx, localCh, wideCh)
	})

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			a.Stop()
			return fmt.Errorf("start health server: %w", err)
		}
	}

	return nil
}

// Stop halts discovery, the health server and closes storage. It is safe
// to call more than once and on an agent that was never started.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.running.Store(false)

		if a.healthServer != nil {
			if hErr := a.healthServer.Stop(); hErr != nil {
				err = errors.Join(err, hErr)
			}
		}
		if a.cancel != nil {
			a.cancel()
		}
		if a.local != nil {
			a.local.Stop()
		}
		a.wg.Wait()

		if cErr := a.kv.Close(); cErr != nil {
			err = errors.Join(err, fmt.Errorf("close storage: %w", cErr))
		}

		a.logger.Info("agent stopped")
	})
	return err
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if discovery is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// State returns the merged discovery state.
func (a *Agent) State() discovery.State {
	return a.aggregator.State()
}

// Subscribe delivers discovery states, latest wins. Call the returned
// function to unsubscribe.
func (a *Agent) Subscribe() (<-chan discovery.State, func()) {
	return a.aggregator.Subscribe()
}

// Identity loads or creates the device identity.
func (a *Agent) Identity() (*identity.DeviceIdentity, error) {
	return a.identities.LoadOrCreate()
}

// ExistingIdentity returns the device identity without creating one.
func (a *Agent) ExistingIdentity() (*identity.DeviceIdentity, error) {
	return a.identities.Load()
}

// Tokens returns the auth token store.
func (a *Agent) Tokens() *tokenstore.Store {
	return a.tokens
}

// Config returns the agent configuration.
func (a *Agent) Config() *config.Config {
	return a.cfg
}

// Logger returns the root logger.
func (a *Agent) Logger() *slog.Logger {
	return a.logger
}

// Metrics returns the agent metrics.
func (a *Agent) Metrics() *metrics.Metrics {
	return a.metrics
}

// Registry returns the Prometheus registry the agent metrics live in.
func (a *Agent) Registry() *prometheus.Registry {
	return a.registry
}

// HealthAddress returns the health server's listen address, or "" when
// disabled or not started.
func (a *Agent) HealthAddress() string {
	if a.healthServer == nil || a.healthServer.Address() == nil {
		return ""
	}
	return a.healthServer.Address().String()
}
