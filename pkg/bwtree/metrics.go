// pkg/bwtree/metrics.go
package bwtree

import "github.com/prometheus/client_golang/prometheus"

var (
	descInserts = prometheus.NewDesc("bwtree_inserts_total",
		"Successful insert operations.", nil, nil)
	descDuplicates = prometheus.NewDesc("bwtree_duplicate_inserts_total",
		"Inserts rejected because the pair already existed.", nil, nil)
	descDeletes = prometheus.NewDesc("bwtree_deletes_total",
		"Successful delete operations.", nil, nil)
	descDeleteMisses = prometheus.NewDesc("bwtree_delete_misses_total",
		"Deletes that found no matching pair.", nil, nil)
	descReads = prometheus.NewDesc("bwtree_reads_total",
		"GetValue operations.", nil, nil)
	descSplits = prometheus.NewDesc("bwtree_splits_total",
		"Posted split deltas.", nil, nil)
	descMerges = prometheus.NewDesc("bwtree_merges_total",
		"Posted merge deltas.", nil, nil)
	descConsolidations = prometheus.NewDesc("bwtree_consolidations_total",
		"Delta chains replaced by consolidated bases.", nil, nil)
	descRootGrows = prometheus.NewDesc("bwtree_root_grows_total",
		"Root replacements after a root split.", nil, nil)
	descAborts = prometheus.NewDesc("bwtree_aborts_total",
		"Structural retries (failed CAS or helped SMO).", nil, nil)
	descGarbagePending = prometheus.NewDesc("bwtree_garbage_pending",
		"Unreclaimed garbage items across all epoch threads.", nil, nil)
	descGarbageFreed = prometheus.NewDesc("bwtree_garbage_freed_total",
		"Garbage items released by the epoch manager.", nil, nil)
)

// collector exposes the tree's counters to a prometheus registry.
type collector struct {
	tree *BwTree
}

// Collector returns a prometheus collector over this tree. The host
// registers it; the tree itself never talks to a registry.
func (t *BwTree) Collector() prometheus.Collector {
	return &collector{tree: t}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descInserts
	ch <- descDuplicates
	ch <- descDeletes
	ch <- descDeleteMisses
	ch <- descReads
	ch <- descSplits
	ch <- descMerges
	ch <- descConsolidations
	ch <- descRootGrows
	ch <- descAborts
	ch <- descGarbagePending
	ch <- descGarbageFreed
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.tree.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(descInserts, s.Inserts)
	counter(descDuplicates, s.DuplicateInserts)
	counter(descDeletes, s.Deletes)
	counter(descDeleteMisses, s.DeleteMisses)
	counter(descReads, s.Reads)
	counter(descSplits, s.Splits)
	counter(descMerges, s.Merges)
	counter(descConsolidations, s.Consolidations)
	counter(descRootGrows, s.RootGrows)
	counter(descAborts, s.Aborts)
	ch <- prometheus.MustNewConstMetric(descGarbagePending, prometheus.GaugeValue, float64(s.GarbagePending))
	counter(descGarbageFreed, s.GarbageFreed)
}
