// Package metrics provides Prometheus collectors for dual-store routing and
// reconciliation.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dualstore"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Reads                  *prometheus.CounterVec
	SecondaryWriteFailures prometheus.Counter
	CommitDivergences      prometheus.Counter
	ReconcileRows          *prometheus.CounterVec
	StoreUp                *prometheus.GaugeVec
}

// New registers the collectors on reg. Passing a fresh registry per
// process (or per test) avoids duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reads_total",
				Help:      "Reads served, by store and whether the primary had failed",
			},
			[]string{"source", "degraded"},
		),
		SecondaryWriteFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "secondary_write_failures_total",
				Help:      "Mirrored writes that failed on the secondary while the primary succeeded",
			},
		),
		CommitDivergences: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commit_divergence_total",
				Help:      "Transactions committed on the primary but not on the secondary",
			},
		),
		ReconcileRows: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_rows_total",
				Help:      "Rows handled by reconciliation, by outcome (inserted, skipped, failed)",
			},
			[]string{"collection", "direction", "outcome"},
		),
		StoreUp: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_up",
				Help:      "1 if the last probe or operation reached the store",
			},
			[]string{"store"},
		),
	}
}

// ObserveRead counts a read served by source.
func (m *Metrics) ObserveRead(source string, degraded bool) {
	if m == nil {
		return
	}
	m.Reads.WithLabelValues(source, strconv.FormatBool(degraded)).Inc()
}

// SecondaryWriteFailed counts one partial write.
func (m *Metrics) SecondaryWriteFailed() {
	if m == nil {
		return
	}
	m.SecondaryWriteFailures.Inc()
}

// CommitDiverged counts one transaction left committed only on the primary.
func (m *Metrics) CommitDiverged() {
	if m == nil {
		return
	}
	m.CommitDivergences.Inc()
}

// ObserveReconcile adds per-collection outcome counts.
func (m *Metrics) ObserveReconcile(collection, direction string, inserted, skipped, failed int) {
	if m == nil {
		return
	}
	m.ReconcileRows.WithLabelValues(collection, direction, "inserted").Add(float64(inserted))
	m.ReconcileRows.WithLabelValues(collection, direction, "skipped").Add(float64(skipped))
	m.ReconcileRows.WithLabelValues(collection, direction, "failed").Add(float64(failed))
}

// SetStoreUp records store liveness.
func (m *Metrics) SetStoreUp(store string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.StoreUp.WithLabelValues(store).Set(v)
}

// WriteTextfile writes everything gathered by g to path in the text
// exposition format, for node_exporter's textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}
