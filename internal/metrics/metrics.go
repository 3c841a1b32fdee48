// Package metrics exposes the relay's counters both as prometheus series
// and as a periodic log report of post volume per server.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all relay metrics. One instance is shared across the
// engine, dispatcher, and orchestrator.
type Metrics struct {
	registry *prometheus.Registry

	PostsReceived *prometheus.CounterVec
	PostsSkipped  *prometheus.CounterVec
	Matches       prometheus.Counter
	Dispatches    *prometheus.CounterVec
	QueueDropped  *prometheus.CounterVec
	Reconnects    *prometheus.CounterVec
	ConnectorUp   *prometheus.GaugeVec

	// interval tallies backing the periodic log report, reset on each
	// report like the original stats loop.
	mu             sync.Mutex
	intervalPosts  map[string]int64
	totalPosts     int64
	totalForwarded int64
}

// New creates and registers all relay metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry:      registry,
		intervalPosts: make(map[string]int64),

		PostsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagrelay",
				Name:      "posts_received_total",
				Help:      "Posts received from each configured server's stream",
			},
			[]string{"server"},
		),
		PostsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagrelay",
				Name:      "posts_skipped_total",
				Help:      "Posts skipped before matching",
			},
			[]string{"reason"},
		),
		Matches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tagrelay",
				Name:      "matches_total",
				Help:      "Match events emitted by the engine",
			},
		),
		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagrelay",
				Name:      "dispatches_total",
				Help:      "Search dispatch attempts per account and outcome",
			},
			[]string{"account", "status"},
		),
		QueueDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagrelay",
				Name:      "queue_dropped_total",
				Help:      "Queued matches dropped because an account's queue overflowed",
			},
			[]string{"account"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagrelay",
				Name:      "reconnects_total",
				Help:      "Stream reconnect attempts per server",
			},
			[]string{"server"},
		),
		ConnectorUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tagrelay",
				Name:      "connector_up",
				Help:      "Whether a server's stream is currently connected",
			},
			[]string{"server"},
		),
	}

	registry.MustRegister(
		m.PostsReceived,
		m.PostsSkipped,
		m.Matches,
		m.Dispatches,
		m.QueueDropped,
		m.Reconnects,
		m.ConnectorUp,
	)
	return m
}

// Handler serves the prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePost records one received post from the given server.
func (m *Metrics) ObservePost(server string) {
	m.PostsReceived.WithLabelValues(server).Inc()

	m.mu.Lock()
	m.intervalPosts[server]++
	m.totalPosts++
	m.mu.Unlock()
}

// ObserveDispatch records one dispatch attempt outcome.
func (m *Metrics) ObserveDispatch(accountKey, status string) {
	m.Dispatches.WithLabelValues(accountKey, status).Inc()

	if status == "ok" {
		m.mu.Lock()
		m.totalForwarded++
		m.mu.Unlock()
	}
}

// Report logs post and forward counts since the last report together with
// the top posting servers, then resets the interval tallies.
func (m *Metrics) Report(logger *slog.Logger) {
	m.mu.Lock()
	type serverCount struct {
		Server string
		Count  int64
	}
	top := make([]serverCount, 0, len(m.intervalPosts))
	for server, count := range m.intervalPosts {
		top = append(top, serverCount{server, count})
	}
	posts := m.totalPosts
	forwarded := m.totalForwarded
	m.intervalPosts = make(map[string]int64)
	m.totalPosts = 0
	m.totalForwarded = 0
	m.mu.Unlock()

	sort.Slice(top, func(i, j int) bool { return top[i].Count > top[j].Count })
	if len(top) > 10 {
		top = top[:10]
	}

	logger.Info("relay stats",
		"posts", posts,
		"forwarded", forwarded,
		"top_servers", top,
	)
}

// RunReporter emits a stats report at the given interval until ctx is
// cancelled.
func (m *Metrics) RunReporter(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Report(logger)
		}
	}
}
