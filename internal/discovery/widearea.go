package discovery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/postalsys/gatelink/internal/backoff"
	"github.com/postalsys/gatelink/internal/dnssd"
	"github.com/postalsys/gatelink/internal/endpoint"
	"github.com/postalsys/gatelink/internal/logging"
)

// Browser enumerates DNS-SD instances over unicast DNS.
type Browser interface {
	Browse(ctx context.Context, serviceType, domain string) (*dnssd.BrowseResult, error)
}

// WideResult is the outcome of the latest wide-area cycle.
type WideResult struct {
	Endpoints map[string]endpoint.Endpoint
	// RCode names a negative or failing DNS response code, empty otherwise.
	RCode string
	// Err is the cycle failure, if any.
	Err error
	At  time.Time
}

// Landed reports whether any cycle has completed.
func (r WideResult) Landed() bool {
	return !r.At.IsZero()
}

// WideAreaOptions configures WideArea.
type WideAreaOptions struct {
	ServiceType string
	Backoff     backoff.Config
	Observer    Observer
	Logger      *slog.Logger

	// Sleep and Now default to real time.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// WideArea polls a unicast DNS-SD domain. Run is its only writer; readers
// use Snapshot or Updates.
type WideArea struct {
	serviceType string
	domain      string
	browser     Browser
	tracker     *backoff.FailureTracker
	observer    Observer
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time

	current atomic.Pointer[WideResult]
	updates chan WideResult
}

// NewWideArea creates a resolver for domain. An empty domain is a programmer
// error; callers skip wide-area discovery when none is configured.
func NewWideArea(domain string, browser Browser, opts WideAreaOptions) *WideArea {
	if opts.ServiceType == "" {
		opts.ServiceType = DefaultServiceType
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	w := &WideArea{
		serviceType: opts.ServiceType,
		domain:      dnssd.FQDN(strings.TrimSpace(domain)),
		browser:     browser,
		tracker:     backoff.NewFailureTracker(opts.Backoff),
		observer:    opts.Observer,
		logger:      logging.Component(opts.Logger, "wide-area").With(logging.KeyDomain, dnssd.FQDN(domain)),
		sleep:       opts.Sleep,
		now:         opts.Now,
		updates:     make(chan WideResult, 1),
	}
	w.current.Store(&WideResult{})
	return w
}

// Domain returns the polled domain.
func (w *WideArea) Domain() string {
	return w.domain
}

// Snapshot returns the latest published result.
func (w *WideArea) Snapshot() WideResult {
	return *w.current.Load()
}

// Updates delivers each published result, latest wins.
func (w *WideArea) Updates() <-chan WideResult {
	return w.updates
}

// Run polls until ctx is cancelled. The first cycle starts immediately; each
// later one waits for the tracker's current delay.
func (w *WideArea) Run(ctx context.Context) error {
	w.logger.Info("wide-area discovery started")
	for first := true; ; first = false {
		if !first {
			delay := w.tracker.Delay()
			if w.observer != nil {
				w.observer.SetBackoff(delay)
			}
			if err := w.sleep(ctx, delay); err != nil {
				return err
			}
		}
		_ = w.Cycle(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Cycle runs one PTR/SRV/A/TXT pass, publishes the outcome and feeds the
// failure tracker. It returns the cycle failure, or the context error when
// cancelled; a cancelled cycle publishes nothing.
func (w *WideArea) Cycle(ctx context.Context) error {
	start := time.Now()
	res, err := w.browser.Browse(ctx, w.serviceType, w.domain)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	out := WideResult{Endpoints: map[string]endpoint.Endpoint{}, At: w.now()}
	label := "ok"

	switch {
	case err != nil:
		out.Err = err
		label = "error"
		var rcErr *dnssd.RCodeError
		if errors.As(err, &rcErr) {
			out.RCode = dnssd.RCodeName(rcErr.RCode)
			label = strings.ToLower(out.RCode)
		}
		w.tracker.RecordFailure()
		w.logger.Warn("wide-area cycle failed",
			logging.KeyAttempt, w.tracker.ConsecutiveFailures(),
			logging.KeyBackoff, w.tracker.Delay(),
			logging.KeyError, err)

	case res.RCode == dnsmessage.RCodeNameError:
		out.RCode = dnssd.RCodeName(res.RCode)
		label = "nxdomain"
		w.tracker.RecordSuccess()
		w.logger.Debug("wide-area domain has no instances", logging.KeyRCode, out.RCode)

	default:
		for _, inst := range res.Instances {
			ep := endpoint.Build(w.serviceType, w.domain, inst.Name, inst.Host(), inst.Port, inst.TXT)
			if err := ep.Validate(); err != nil {
				w.logger.Debug("dropping invalid instance",
					logging.KeyInstance, inst.FQDN,
					logging.KeyError, err)
				continue
			}
			out.Endpoints[ep.StableID] = ep
		}
		w.tracker.RecordSuccess()
		w.logger.Debug("wide-area cycle complete",
			logging.KeyCount, len(out.Endpoints),
			logging.KeyDuration, time.Since(start))
	}

	w.publish(out, label, time.Since(start))
	return err
}

func (w *WideArea) publish(r WideResult, label string, d time.Duration) {
	w.current.Store(&r)
	offer(w.updates, r)
	if w.observer != nil {
		w.observer.ObserveWideCycle(label, d)
		w.observer.SetEndpointCount(SourceWide, len(r.Endpoints))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
