// Package metrics provides Prometheus metrics for gatelink.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const (
	namespace = "gatelink"
)

// Metrics contains all Prometheus metrics for the agent. A nil *Metrics
// records nothing.
type Metrics struct {
	// Discovery metrics
	Endpoints       *prometheus.GaugeVec
	WideCycles      *prometheus.CounterVec
	WideCycleTime   prometheus.Histogram
	WideBackoff     prometheus.Gauge
	DNSQueries      *prometheus.CounterVec
	DNSQueryLatency *prometheus.HistogramVec

	// Trust metrics
	TokenOps *prometheus.CounterVec
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Endpoints: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovered_endpoints",
			Help:      "Number of discovered gateway endpoints by source",
		}, []string{"source"}),
		WideCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wide_area_cycles_total",
			Help:      "Wide-area discovery cycles by result",
		}, []string{"result"}),
		WideCycleTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wide_area_cycle_seconds",
			Help:      "Duration of wide-area discovery cycles",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		WideBackoff: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wide_area_backoff_seconds",
			Help:      "Current delay before the next wide-area cycle",
		}),
		DNSQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_queries_total",
			Help:      "DNS queries by path, record type and result",
		}, []string{"path", "qtype", "result"}),
		DNSQueryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dns_query_latency_seconds",
			Help:      "DNS query latency by path",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"path"}),
		TokenOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_store_operations_total",
			Help:      "Auth token store operations by operation and result",
		}, []string{"op", "result"}),
	}
}

// SetEndpointCount records the endpoint count of one discovery source.
func (m *Metrics) SetEndpointCount(source string, n int) {
	if m == nil {
		return
	}
	m.Endpoints.WithLabelValues(source).Set(float64(n))
}

// ObserveWideCycle records one wide-area cycle.
func (m *Metrics) ObserveWideCycle(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.WideCycles.WithLabelValues(result).Inc()
	m.WideCycleTime.Observe(d.Seconds())
}

// SetBackoff records the current wide-area delay.
func (m *Metrics) SetBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.WideBackoff.Set(d.Seconds())
}

// ObserveDNSQuery records one nameserver exchange.
func (m *Metrics) ObserveDNSQuery(path, qtype, result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.DNSQueries.WithLabelValues(path, qtype, result).Inc()
	m.DNSQueryLatency.WithLabelValues(path).Observe(latency.Seconds())
}

// ObserveTokenOp records one token store operation.
func (m *Metrics) ObserveTokenOp(op, result string) {
	if m == nil {
		return
	}
	m.TokenOps.WithLabelValues(op, result).Inc()
}

// WriteText writes every metric family gathered from g in the Prometheus
// text exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
