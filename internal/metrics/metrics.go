// Package metrics registers the service's Prometheus collectors and adapts them to the observer
// interfaces of the ledger, settlement and audit packages.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pbcex/settlement/internal/audit"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	RequestCount     *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	Trades           *prometheus.CounterVec
	TradeDuration    *prometheus.HistogramVec
	JournalsPosted   *prometheus.CounterVec
	TrialBalanceDiff *prometheus.GaugeVec
	DriftIncidents   prometheus.Gauge
	AuditRuns        *prometheus.CounterVec
}

// New creates the collectors and registers them on registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		Trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_trades_total",
				Help: "Trades by side and outcome (settled, replayed, rejected, failed).",
			},
			[]string{"side", "outcome"},
		),
		TradeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_trade_duration_seconds",
				Help:    "End-to-end trade execution time in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"side"},
		),
		JournalsPosted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_journals_posted_total",
				Help: "Committed journals per asset touched.",
			},
			[]string{"asset"},
		),
		TrialBalanceDiff: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledger_trial_balance_difference",
				Help: "Debits minus credits per asset at the last audit. Must be zero.",
			},
			[]string{"asset"},
		),
		DriftIncidents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledger_balance_drift_incidents",
				Help: "Materialized balances disagreeing with the entry log at the last audit.",
			},
		),
		AuditRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_audit_runs_total",
				Help: "Audit runs by result.",
			},
			[]string{"result"},
		),
	}
	registry.MustRegister(
		m.RequestCount, m.RequestDuration,
		m.Trades, m.TradeDuration,
		m.JournalsPosted,
		m.TrialBalanceDiff, m.DriftIncidents, m.AuditRuns,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TradeFinished implements settlement.Recorder.
func (m *Metrics) TradeFinished(side, outcome string, elapsed time.Duration) {
	m.Trades.WithLabelValues(side, outcome).Inc()
	m.TradeDuration.WithLabelValues(side).Observe(elapsed.Seconds())
}

// JournalPosted implements ledger.Observer.
func (m *Metrics) JournalPosted(assets []string) {
	for _, a := range assets {
		m.JournalsPosted.WithLabelValues(a).Inc()
	}
}

// AuditCompleted implements audit.Observer.
func (m *Metrics) AuditCompleted(r audit.Report) {
	for _, row := range r.TrialBalance {
		diff, _ := row.Difference.Float64()
		m.TrialBalanceDiff.WithLabelValues(row.Asset).Set(diff)
	}
	m.DriftIncidents.Set(float64(len(r.Drift)))
	result := "clean"
	if !r.Healthy() {
		result = "findings"
	}
	m.AuditRuns.WithLabelValues(result).Inc()
}

// Middleware records request counts and latency by route pattern.
func (m *Metrics) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}
		path := c.Route().Path
		m.RequestCount.WithLabelValues(c.Method(), path, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(c.Method(), path).Observe(time.Since(start).Seconds())
		return err
	}
}
