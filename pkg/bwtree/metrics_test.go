// pkg/bwtree/metrics_test.go
package bwtree

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	tree := newTestTree(t)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(tree.Collector()))

	for i := 0; i < 300; i++ {
		require.True(t, tree.Insert(testKey(i), testValue(i)))
	}
	tree.Insert(testKey(0), testValue(0)) // duplicate
	tree.GetValue(testKey(1))
	tree.PerformGarbageCollection()

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				byName[mf.GetName()] = m.GetCounter().GetValue()
			} else if m.GetGauge() != nil {
				byName[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}

	require.Equal(t, float64(300), byName["bwtree_inserts_total"])
	require.Equal(t, float64(1), byName["bwtree_duplicate_inserts_total"])
	require.GreaterOrEqual(t, byName["bwtree_reads_total"], float64(1))
	require.Greater(t, byName["bwtree_splits_total"], float64(0))
	require.Contains(t, byName, "bwtree_garbage_pending")
}
