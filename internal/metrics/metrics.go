package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	LedgerOpInsert  = "insert"
	LedgerOpConfirm = "confirm"
	LedgerOpCancel  = "cancel"
)

const (
	ConfirmerConfirmed   = "confirmed"
	ConfirmerFailed      = "failed"
	ConfirmerRebroadcast = "rebroadcast"
	ConfirmerWaiting     = "waiting"
	ConfirmerError       = "error"
)

var ledgerOpKinds = map[string]struct{}{
	LedgerOpInsert:  {},
	LedgerOpConfirm: {},
	LedgerOpCancel:  {},
}

var confirmerOutcomes = map[string]struct{}{
	ConfirmerConfirmed:   {},
	ConfirmerFailed:      {},
	ConfirmerRebroadcast: {},
	ConfirmerWaiting:     {},
	ConfirmerError:       {},
}

// Metrics holds Prometheus metrics for the custody service.
type Metrics struct {
	LedgerOperations     *prometheus.CounterVec
	LockContention       prometheus.Counter
	NonceRetries         prometheus.Counter
	TradeLatency         prometheus.Histogram
	ConfirmerOutcomes    *prometheus.CounterVec
	ReconciliationErrors prometheus.Counter
	gatherer             prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		LedgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_ledger_operations_total",
			Help: "Committed ledger entry mutations by type.",
		}, []string{"type"}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "custody_account_lock_contention_total",
			Help: "Account lock attempts rejected because the lease was held.",
		}),
		NonceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "custody_exchange_nonce_retries_total",
			Help: "Exchange calls retried after a nonce mismatch.",
		}),
		TradeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_trade_latency_seconds",
			Help:    "Exchange trade execution latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		ConfirmerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_confirmer_outcomes_total",
			Help: "Transfer confirmer results by outcome.",
		}, []string{"outcome"}),
		ReconciliationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "custody_reconciliation_errors_total",
			Help: "Balance rows that disagree with their ledger entries.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.LedgerOperations,
		m.LockContention,
		m.NonceRetries,
		m.TradeLatency,
		m.ConfirmerOutcomes,
		m.ReconciliationErrors,
	)
	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// IncLedgerOperation increments the counter for a ledger operation type.
func (m *Metrics) IncLedgerOperation(kind string) error {
	if _, ok := ledgerOpKinds[kind]; !ok {
		return fmt.Errorf("unknown ledger operation type: %s", kind)
	}
	m.LedgerOperations.WithLabelValues(kind).Inc()
	return nil
}

// IncLockContention implements account.ContentionRecorder.
func (m *Metrics) IncLockContention() {
	m.LockContention.Inc()
}

// IncNonceRetry implements exchange.NonceRetryRecorder.
func (m *Metrics) IncNonceRetry() {
	m.NonceRetries.Inc()
}

// ObserveTradeLatency records trade execution latency.
func (m *Metrics) ObserveTradeLatency(d time.Duration) {
	m.TradeLatency.Observe(d.Seconds())
}

// IncConfirmerOutcome increments the counter for a confirmer outcome.
func (m *Metrics) IncConfirmerOutcome(outcome string) error {
	if _, ok := confirmerOutcomes[outcome]; !ok {
		return fmt.Errorf("unknown confirmer outcome: %s", outcome)
	}
	m.ConfirmerOutcomes.WithLabelValues(outcome).Inc()
	return nil
}

// AddReconciliationErrors adds n discrepancies.
func (m *Metrics) AddReconciliationErrors(n int) {
	if n > 0 {
		m.ReconciliationErrors.Add(float64(n))
	}
}
