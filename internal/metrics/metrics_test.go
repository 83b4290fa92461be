package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRead("primary", false)
	m.ObserveRead("secondary", true)
	m.ObserveRead("secondary", true)
	m.SecondaryWriteFailed()
	m.CommitDiverged()
	m.ObserveReconcile("orders", "to_secondary", 2, 1, 0)
	m.SetStoreUp("primary", true)
	m.SetStoreUp("secondary", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reads.WithLabelValues("primary", "false")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Reads.WithLabelValues("secondary", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SecondaryWriteFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommitDivergences))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconcileRows.WithLabelValues("orders", "to_secondary", "inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileRows.WithLabelValues("orders", "to_secondary", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreUp.WithLabelValues("primary")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StoreUp.WithLabelValues("secondary")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRead("primary", false)
		m.SecondaryWriteFailed()
		m.CommitDiverged()
		m.ObserveReconcile("orders", "to_primary", 1, 1, 1)
		m.SetStoreUp("primary", true)
	})
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CommitDiverged()

	path := filepath.Join(t.TempDir(), "dualstore.prom")
	require.NoError(t, WriteTextfile(path, reg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dualstore_commit_divergence_total 1")
}
