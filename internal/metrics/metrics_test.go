package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SyncRunsTotal.WithLabelValues("success").Inc()
	m.SyncRunsTotal.WithLabelValues("failed").Add(2)
	m.QueueDepth.Set(7)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]*dto.MetricFamily{}
	for _, f := range families {
		byName[f.GetName()] = f
	}

	runs := byName["syncengine_sync_runs_total"]
	require.NotNil(t, runs)
	total := 0.0
	for _, metric := range runs.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	assert.Equal(t, 3.0, total)

	depth := byName["syncengine_sync_queue_depth"]
	require.NotNil(t, depth)
	assert.Equal(t, 7.0, depth.GetMetric()[0].GetGauge().GetValue())
}

func TestNewIsolatedRegistries(t *testing.T) {
	// Two registries must not collide on registration.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
