package discovery

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/postalsys/gatelink/internal/endpoint"
)

// StatusSearching is shown until anything has been found or a wide-area
// cycle has completed.
const StatusSearching = "Searching…"

// State is the externally visible discovery state.
type State struct {
	Endpoints  []endpoint.Endpoint
	Status     string
	LocalCount int
	Wide       WideResult
}

// Aggregator merges local and wide-area endpoints into one sorted,
// deduplicated list plus a status line.
type Aggregator struct {
	wideEnabled bool

	mu    sync.Mutex
	local map[string]endpoint.Endpoint
	wide  WideResult
	subs  map[int]chan State
	next  int

	state atomic.Pointer[State]
}

// NewAggregator creates an aggregator. wideEnabled controls whether the
// status line reports a wide-area outcome.
func NewAggregator(wideEnabled bool) *Aggregator {
	a := &Aggregator{
		wideEnabled: wideEnabled,
		local:       map[string]endpoint.Endpoint{},
		subs:        map[int]chan State{},
	}
	a.state.Store(&State{Status: StatusSearching})
	return a
}

// State returns the current merged state.
func (a *Aggregator) State() State {
	return *a.state.Load()
}

// Endpoints returns the current merged endpoint list.
func (a *Aggregator) Endpoints() []endpoint.Endpoint {
	return a.State().Endpoints
}

// Status returns the current status line.
func (a *Aggregator) Status() string {
	return a.State().Status
}

// SetLocal replaces the local endpoint set.
func (a *Aggregator) SetLocal(eps map[string]endpoint.Endpoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local = eps
	a.recompute()
}

// SetWide replaces the wide-area result.
func (a *Aggregator) SetWide(r WideResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wide = r
	a.recompute()
}

// Run feeds the aggregator from source channels until ctx ends. A nil
// channel is a disabled source.
func (a *Aggregator) Run(ctx context.Context, local <-chan map[string]endpoint.Endpoint, wide <-chan WideResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case eps := <-local:
			a.SetLocal(eps)
		case r := <-wide:
			a.SetWide(r)
		}
	}
}

// Subscribe returns a channel receiving every new state, latest wins, and a
// function that cancels the subscription and closes the channel. The current
// state is delivered first.
func (a *Aggregator) Subscribe() (<-chan State, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan State, 1)
	ch <- *a.state.Load()
	id := a.next
	a.next++
	a.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			delete(a.subs, id)
			close(ch)
		})
	}
}

// recompute must be called with mu held.
func (a *Aggregator) recompute() {
	wideEps := a.wide.Endpoints
	s := &State{
		Endpoints:  endpoint.Merge(a.local, wideEps),
		Status:     StatusText(len(a.local), len(wideEps), a.wideEnabled, a.wide),
		LocalCount: len(a.local),
		Wide:       a.wide,
	}
	a.state.Store(s)
	for _, ch := range a.subs {
		offer(ch, *s)
	}
}

// StatusText derives the discovery status line.
func StatusText(localCount, wideCount int, wideEnabled bool, wide WideResult) string {
	if localCount == 0 && wideCount == 0 && !wide.Landed() {
		return StatusSearching
	}
	parts := []string{"Local: " + strconv.Itoa(localCount)}
	if wideEnabled {
		parts = append(parts, "Wide: "+wideSummary(wide))
	}
	return strings.Join(parts, " · ")
}

func wideSummary(r WideResult) string {
	switch {
	case !r.Landed():
		return "…"
	case r.RCode != "":
		return r.RCode
	case r.Err != nil:
		return "error"
	default:
		return strconv.Itoa(len(r.Endpoints))
	}
}
