// Package metrics exposes prometheus instrumentation for the sync engine.
// All methods are nil-safe so components can run uninstrumented in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconcile outcomes reported per remote record.
const (
	OutcomeEcho   = "echo"
	OutcomeUpdate = "update"
	OutcomeNew    = "new"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	snapshotsApplied    prometheus.Counter
	reconcileOutcomes   *prometheus.CounterVec
	outboxAttempts      prometheus.Counter
	outboxAbandoned     prometheus.Counter
	idMapSize           prometheus.Gauge
	idMapDropped        prometheus.Counter
	activeSubscriptions prometheus.Gauge
}

// New registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		snapshotsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncd_snapshots_applied_total",
			Help: "Remote snapshots applied by the reconciler.",
		}),
		reconcileOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_reconcile_records_total",
			Help: "Remote records processed, by outcome (echo, update, new).",
		}, []string{"outcome"}),
		outboxAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncd_outbox_attempts_total",
			Help: "Outbox upload attempts.",
		}),
		outboxAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncd_outbox_abandoned_total",
			Help: "Outbox entries abandoned after exhausting retries.",
		}),
		idMapSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "syncd_idmap_entries",
			Help: "In-flight localId to serverId map entries awaiting an echo.",
		}),
		idMapDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncd_idmap_dropped_total",
			Help: "ID map entries dropped by the age sweep without a match.",
		}),
		activeSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "syncd_active_subscriptions",
			Help: "Live remote subscriptions.",
		}),
	}
}

func (m *Metrics) SnapshotApplied() {
	if m != nil {
		m.snapshotsApplied.Inc()
	}
}

func (m *Metrics) RecordReconciled(outcome string) {
	if m != nil {
		m.reconcileOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) OutboxAttempt() {
	if m != nil {
		m.outboxAttempts.Inc()
	}
}

func (m *Metrics) OutboxAbandoned() {
	if m != nil {
		m.outboxAbandoned.Inc()
	}
}

func (m *Metrics) SetIDMapSize(n int) {
	if m != nil {
		m.idMapSize.Set(float64(n))
	}
}

func (m *Metrics) IDMapDropped(n int) {
	if m != nil && n > 0 {
		m.idMapDropped.Add(float64(n))
	}
}

func (m *Metrics) SubscriptionOpened() {
	if m != nil {
		m.activeSubscriptions.Inc()
	}
}

func (m *Metrics) SubscriptionClosed() {
	if m != nil {
		m.activeSubscriptions.Dec()
	}
}
