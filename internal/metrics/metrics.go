// Package metrics exposes engine and HTTP measurements to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/lane"
	"github.com/alanyoungcy/cexcore/internal/matching"
)

const namespace = "cexcore"

// Metrics holds every collector. It implements lane.Observer.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth      *prometheus.GaugeVec
	events          *prometheus.CounterVec
	trades          *prometheus.CounterVec
	matchDuration   *prometheus.HistogramVec
	settleDuration  *prometheus.HistogramVec
	degraded        *prometheus.CounterVec
	publishRejected *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ lane.Observer = (*Metrics)(nil)

// New creates the collectors on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lane",
			Name:      "queue_depth",
			Help:      "Events waiting in a lane's input queue.",
		}, []string{"symbol"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lane",
			Name:      "events_total",
			Help:      "Events matched, by kind.",
		}, []string{"symbol", "kind"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trades produced by matching.",
		}, []string{"symbol"}),
		matchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lane",
			Name:      "match_duration_seconds",
			Help:      "Time spent matching one event.",
			Buckets:   prometheus.ExponentialBuckets(0.000005, 4, 10),
		}, []string{"symbol"}),
		settleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lane",
			Name:      "settle_duration_seconds",
			Help:      "Time spent settling one outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"symbol"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "degraded_total",
			Help:      "Settlement events that failed to persist.",
		}, []string{"symbol"}),
		publishRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lane",
			Name:      "publish_rejected_total",
			Help:      "Events refused by a lane.",
		}, []string{"symbol", "reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueDepth, m.events, m.trades, m.matchDuration, m.settleDuration,
		m.degraded, m.publishRejected, m.httpRequests, m.httpDuration,
	)
	return m
}

// QueueDepth implements lane.Observer.
func (m *Metrics) QueueDepth(symbol string, depth int) {
	m.queueDepth.WithLabelValues(symbol).Set(float64(depth))
}

// Matched implements lane.Observer.
func (m *Metrics) Matched(symbol string, kind matching.EventKind, trades int, took time.Duration) {
	m.events.WithLabelValues(symbol, kind.String()).Inc()
	if trades > 0 {
		m.trades.WithLabelValues(symbol).Add(float64(trades))
	}
	m.matchDuration.WithLabelValues(symbol).Observe(took.Seconds())
}

// Settled implements lane.Observer. A persistence failure counts as a
// degraded event.
func (m *Metrics) Settled(symbol string, took time.Duration, err error) {
	m.settleDuration.WithLabelValues(symbol).Observe(took.Seconds())
	if errors.Is(err, domain.ErrPersistenceFailure) {
		m.degraded.WithLabelValues(symbol).Inc()
	}
}

// PublishRejected implements lane.Observer.
func (m *Metrics) PublishRejected(symbol, reason string) {
	m.publishRejected.WithLabelValues(symbol, reason).Inc()
}

// ObserveHTTP records one served request. route is the pattern, not the raw
// path, to bound label cardinality.
func (m *Metrics) ObserveHTTP(method, route string, status int, took time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
