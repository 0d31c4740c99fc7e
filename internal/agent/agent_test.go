package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/gatelink/internal/config"
	"github.com/postalsys/gatelink/internal/discovery"
	"github.com/postalsys/gatelink/internal/dnssd"
	"github.com/postalsys/gatelink/internal/health"
	"github.com/postalsys/gatelink/internal/keystore"
	"github.com/postalsys/gatelink/internal/kvstore"
	"github.com/postalsys/gatelink/internal/logging"
)

// staticMDNS announces one instance and then waits for cancellation.
type staticMDNS struct {
	instance string
	service  discovery.Service
}

func (m *staticMDNS) Browse(ctx context.Context, serviceType, domain string, out chan<- discovery.Announcement) error {
	select {
	case out <- discovery.Announcement{Instance: m.instance}:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *staticMDNS) Resolve(ctx context.Context, instance, serviceType, domain string) (discovery.Service, error) {
	if instance != m.instance {
		return discovery.Service{}, errors.New("unknown instance")
	}
	return m.service, nil
}

// staticBrowser returns the same wide-area result every cycle.
type staticBrowser struct {
	result *dnssd.BrowseResult
}

func (b *staticBrowser) Browse(ctx context.Context, serviceType, domain string) (*dnssd.BrowseResult, error) {
	return b.result, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.DataDir = t.TempDir()
	cfg.Storage.Backend = "memory"
	cfg.Discovery.Local.Enabled = false
	return cfg
}

func testOptions() Options {
	return Options{
		Logger:   logging.NopLogger(),
		Registry: prometheus.NewRegistry(),
		Keys:     keystore.NewMemory(),
		Storage:  kvstore.NewMemory(),
	}
}

func discoveryOptions() Options {
	opts := testOptions()
	opts.MDNS = &staticMDNS{
		instance: "Office",
		service: discovery.Service{
			Host: "192.168.1.10",
			Port: 18789,
			TXT:  map[string]string{"displayname": "Office"},
		},
	}
	opts.Browser = &staticBrowser{result: &dnssd.BrowseResult{
		Instances: []dnssd.Instance{{
			FQDN:   "Lab._gatelink-gw._tcp.example.com.",
			Name:   "Lab",
			Target: "lab.example.com.",
			Port:   18789,
			Addrs:  []netip.Addr{netip.MustParseAddr("10.1.0.7")},
			TXT:    map[string]string{"displayname": "Lab", "gatewaytls": "1"},
		}},
	}}
	return opts
}

// waitForState blocks until cond holds for a published state.
func waitForState(t *testing.T, a *Agent, cond func(discovery.State) bool) discovery.State {
	t.Helper()
	ch, cancel := a.Subscribe()
	defer cancel()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			if cond(s) {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state, last = %+v", a.State())
		}
	}
}

func TestNew(t *testing.T) {
	a, err := New(testConfig(t), testOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Stop()

	if a.IsRunning() {
		t.Error("new agent should not be running")
	}
	if got := a.State().Status; got != discovery.StatusSearching {
		t.Errorf("initial status = %q, want %q", got, discovery.StatusSearching)
	}
	if a.HealthAddress() != "" {
		t.Error("health server should be disabled")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "floppy"

	if _, err := New(cfg, testOptions()); err == nil {
		t.Fatal("New() should reject an invalid config")
	}
}

func TestAgent_IdentityAndTokens(t *testing.T) {
	a, err := New(testConfig(t), testOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Stop()

	if _, err := a.ExistingIdentity(); !errors.Is(err, keystore.ErrNotFound) {
		t.Errorf("ExistingIdentity() before creation = %v, want ErrNotFound", err)
	}

	id, err := a.Identity()
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	again, err := a.ExistingIdentity()
	if err != nil || again.DeviceID() != id.DeviceID() {
		t.Errorf("ExistingIdentity() = %v, %v", again, err)
	}

	a.Tokens().SaveToken(id.DeviceID(), "operator", "tok-123")
	got, ok := a.Tokens().LoadToken(id.DeviceID(), "operator")
	if !ok || got != "tok-123" {
		t.Errorf("LoadToken() = %q, %v", got, ok)
	}

	if v := testutil.ToFloat64(a.Metrics().TokenOps.WithLabelValues("save", "ok")); v != 1 {
		t.Errorf("token save metric = %v, want 1", v)
	}
}

func TestAgent_PersistentStorage(t *testing.T) {
	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Storage.Backend = backend

			opts := Options{Logger: logging.NopLogger()}
			opts.Registry = prometheus.NewRegistry()
			a, err := New(cfg, opts)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			id, err := a.Identity()
			if err != nil {
				t.Fatalf("Identity() error = %v", err)
			}
			a.Tokens().SaveToken(id.DeviceID(), "node", "persisted")
			if err := a.Stop(); err != nil {
				t.Fatalf("Stop() error = %v", err)
			}

			opts.Registry = prometheus.NewRegistry()
			b, err := New(cfg, opts)
			if err != nil {
				t.Fatalf("second New() error = %v", err)
			}
			defer b.Stop()

			id2, err := b.ExistingIdentity()
			if err != nil {
				t.Fatalf("ExistingIdentity() error = %v", err)
			}
			if id2.DeviceID() != id.DeviceID() {
				t.Error("device id changed across restarts")
			}
			if got, ok := b.Tokens().LoadToken(id2.DeviceID(), "node"); !ok || got != "persisted" {
				t.Errorf("LoadToken() after restart = %q, %v", got, ok)
			}
		})
	}
}

func TestAgent_Discovery(t *testing.T) {
	cfg := testConfig(t)
	cfg.Discovery.Local.Enabled = true
	cfg.Discovery.WideArea.Domain = "example.com"

	a, err := New(cfg, discoveryOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !a.IsRunning() {
		t.Error("agent should be running")
	}
	if err := a.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}

	state := waitForState(t, a, func(s discovery.State) bool { return len(s.Endpoints) == 2 })
	if state.Status != "Local: 1 · Wide: 1" {
		t.Errorf("Status = %q", state.Status)
	}
	if state.Endpoints[0].Name != "Lab" || state.Endpoints[1].Name != "Office" {
		t.Errorf("Endpoints = %+v", state.Endpoints)
	}
	if !state.Endpoints[0].TLSEnabled {
		t.Error("Lab should advertise TLS")
	}

	if v := testutil.ToFloat64(a.Metrics().Endpoints.WithLabelValues(discovery.SourceWide)); v != 1 {
		t.Errorf("wide endpoint gauge = %v, want 1", v)
	}

	if err := a.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if a.IsRunning() {
		t.Error("agent should be stopped")
	}
	if err := a.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestAgent_HealthServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Discovery.WideArea.Domain = "example.com"
	cfg.Health.Enabled = true
	cfg.Health.Address = "127.0.0.1:0"

	a, err := New(cfg, discoveryOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop()

	waitForState(t, a, func(s discovery.State) bool { return len(s.Endpoints) == 1 })

	addr := a.HealthAddress()
	if addr == "" {
		t.Fatal("health server address is empty")
	}

	resp, err := http.Get("http://" + addr + "/endpoints")
	if err != nil {
		t.Fatalf("GET /endpoints error = %v", err)
	}
	defer resp.Body.Close()

	var body health.EndpointsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body.Count != 1 || body.Endpoints[0].Host != "10.1.0.7" {
		t.Errorf("body = %+v", body)
	}
	if body.Status != "Local: 0 · Wide: 1" {
		t.Errorf("Status = %q", body.Status)
	}
}

func TestAgent_StopWithContext(t *testing.T) {
	a, err := New(testConfig(t), testOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.StopWithContext(ctx); err != nil {
		t.Errorf("StopWithContext() error = %v", err)
	}
}
