package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/gatelink/internal/endpoint"
)

const waitTimeout = 2 * time.Second

// fakeMDNS replays announcements pushed by the test and resolves from a table.
type fakeMDNS struct {
	events chan Announcement

	mu       sync.Mutex
	services map[string]Service
	errs     map[string]error
	gates    map[string]chan struct{}

	browseCalls atomic.Int32
	browseErrs  []error
}

func newFakeMDNS() *fakeMDNS {
	return &fakeMDNS{
		events:   make(chan Announcement, 16),
		services: map[string]Service{},
		errs:     map[string]error{},
		gates:    map[string]chan struct{}{},
	}
}

func (f *fakeMDNS) setService(instance string, svc Service) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[instance] = svc
}

func (f *fakeMDNS) setError(instance string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[instance] = err
}

// hold makes Resolve of instance block until the returned func is called.
func (f *fakeMDNS) hold(instance string) func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[instance] = gate
	f.mu.Unlock()
	return func() { close(gate) }
}

func (f *fakeMDNS) announce(instance string) {
	f.events <- Announcement{Instance: instance}
}

func (f *fakeMDNS) remove(instance string) {
	f.events <- Announcement{Instance: instance, Removed: true}
}

func (f *fakeMDNS) Browse(ctx context.Context, _, _ string, out chan<- Announcement) error {
	n := int(f.browseCalls.Add(1))
	if n <= len(f.browseErrs) {
		return f.browseErrs[n-1]
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-f.events:
			select {
			case out <- a:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (f *fakeMDNS) Resolve(ctx context.Context, instance, _, _ string) (Service, error) {
	f.mu.Lock()
	gate := f.gates[instance]
	svc, ok := f.services[instance]
	err := f.errs[instance]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Service{}, ctx.Err()
		}
	}
	if err != nil {
		return Service{}, err
	}
	if !ok {
		return Service{}, errors.New("unknown instance")
	}
	return svc, nil
}

// waitSnapshot reads updates until pred accepts one.
func waitSnapshot(t *testing.T, ch <-chan map[string]endpoint.Endpoint, pred func(map[string]endpoint.Endpoint) bool) map[string]endpoint.Endpoint {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case snap := <-ch:
			if pred(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}
}

func hasName(snap map[string]endpoint.Endpoint, name string) bool {
	for _, ep := range snap {
		if ep.Name == name {
			return true
		}
	}
	return false
}

type recordingObserver struct {
	mu      sync.Mutex
	counts  map[string]int
	sets    map[string]int
	cycles  []string
	backoff []time.Duration
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{counts: map[string]int{}, sets: map[string]int{}}
}

func (o *recordingObserver) SetEndpointCount(source string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[source] = n
	o.sets[source]++
}

func (o *recordingObserver) ObserveWideCycle(result string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycles = append(o.cycles, result)
}

func (o *recordingObserver) SetBackoff(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.backoff = append(o.backoff, d)
}
