// Package metrics serves Prometheus metrics and records protocol events.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flashbots/secagg/protocol"
)

// MetricsServer exposes a private registry on its own address.
type MetricsServer struct {
	registry *prometheus.Registry
	srv      *http.Server

	Protocol *ProtocolMetrics
}

// New creates a metrics server. Metric names are prefixed with namespace. An
// empty addr still creates the registry, so components can record metrics
// without serving them.
func New(namespace, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	pm, err := newProtocolMetrics(namespace, registry)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	return &MetricsServer{
		registry: registry,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Protocol: pm,
	}, nil
}

// Registry returns the registry backing the server.
func (m *MetricsServer) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics handler.
func (m *MetricsServer) Handler() http.Handler {
	return m.srv.Handler
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// ProtocolMetrics implements protocol.Observer and instruments mask fetches.
type ProtocolMetrics struct {
	submissions  *prometheus.CounterVec
	rounds       *prometheus.CounterVec
	contributors prometheus.Histogram
	maskFetch    *prometheus.HistogramVec
}

func newProtocolMetrics(namespace string, reg prometheus.Registerer) (*ProtocolMetrics, error) {
	m := &ProtocolMetrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submissions processed by the coordinator, by outcome.",
		}, []string{"outcome"}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Rounds finished by the aggregator, by outcome.",
		}, []string{"outcome"}),
		contributors: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_contributors",
			Help:      "Contributors per published round.",
			Buckets:   prometheus.LinearBuckets(2, 2, 10),
		}),
		maskFetch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mask_fetch_duration_seconds",
			Help:      "Latency of peer mask fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
	}
	for _, c := range []prometheus.Collector{m.submissions, m.rounds, m.contributors, m.maskFetch} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *ProtocolMetrics) SubmissionProcessed(outcome string) {
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *ProtocolMetrics) RoundFinished(outcome string, contributors int) {
	m.rounds.WithLabelValues(outcome).Inc()
	if outcome == protocol.RoundPublished {
		m.contributors.Observe(float64(contributors))
	}
}

// InstrumentFetcher records the latency of every fetch made through f.
func (m *ProtocolMetrics) InstrumentFetcher(f protocol.MaskFetcher) protocol.MaskFetcher {
	return &instrumentedFetcher{next: f, hist: m.maskFetch}
}

type instrumentedFetcher struct {
	next protocol.MaskFetcher
	hist *prometheus.HistogramVec
}

func (f *instrumentedFetcher) FetchMask(ctx context.Context, peerID string, round uint64) (*protocol.Mask, error) {
	start := time.Now()
	mask, err := f.next.FetchMask(ctx, peerID, round)
	result := "ok"
	if err != nil {
		result = "error"
	}
	f.hist.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return mask, err
}
