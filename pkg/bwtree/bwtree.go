// pkg/bwtree/bwtree.go
// Package bwtree implements a lock-free ordered multimap index: a
// B+-tree variant whose nodes are delta chains addressed through a
// mapping table, with updates installed by compare-and-swap and memory
// reclaimed through epochs.
//
// Design principles:
// - Every node is a delta chain over a base node; the mapping table
//   slot holds the authoritative chain head
// - Structure-modification operations (split, merge, root growth) are
//   multi-step and completed cooperatively by whichever thread observes
//   an intermediate state
// - No operation blocks; a failed CAS restarts traversal from the root
// - Unlinked chains travel through the epoch manager before their
//   memory and NodeIDs are reused
package bwtree

import (
	"bytes"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"arbor/pkg/epoch"
)

var log = logrus.WithField("component", "bwtree")

var (
	ErrTreeClosed = errors.New("bwtree: tree is closed")
	ErrBadConfig  = errors.New("bwtree: invalid configuration")
)

// Tuning defaults; all overridable through Config.
const (
	DefaultMappingTableSize = 1 << 20
	DefaultConsolidateDepth = 8
	DefaultSplitThreshold   = 128
	DefaultMergeThreshold   = 32
)

// Config carries the caller-supplied key/value behavior and the tuning
// parameters. Zero-valued fields take the defaults.
type Config struct {
	// KeyCompare orders keys; KeyEqual and KeyHash must agree with it.
	KeyCompare func(a, b []byte) int
	KeyEqual   func(a, b []byte) bool
	KeyHash    func(k []byte) uint64

	// ValueEqual and ValueHash identify values of one key; duplicates
	// under them are rejected by Insert.
	ValueEqual func(a, b []byte) bool
	ValueHash  func(v []byte) uint64

	MappingTableSize int
	ConsolidateDepth int
	SplitThreshold   int
	MergeThreshold   int
	GarbageThreshold int

	// StartGC runs the background epoch advancer. When false the host
	// must call PerformGarbageCollection periodically.
	StartGC         bool
	AdvanceInterval time.Duration
}

// DefaultConfig returns a configuration for byte-ordered keys.
func DefaultConfig() Config {
	return Config{
		KeyCompare: bytes.Compare,
		KeyEqual:   bytes.Equal,
		KeyHash:    xxhash.Sum64,
		ValueEqual: bytes.Equal,
		ValueHash:  xxhash.Sum64,
		StartGC:    true,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.KeyCompare == nil {
		c.KeyCompare = d.KeyCompare
	}
	if c.KeyEqual == nil {
		c.KeyEqual = d.KeyEqual
	}
	if c.KeyHash == nil {
		c.KeyHash = d.KeyHash
	}
	if c.ValueEqual == nil {
		c.ValueEqual = d.ValueEqual
	}
	if c.ValueHash == nil {
		c.ValueHash = d.ValueHash
	}
	if c.MappingTableSize == 0 {
		c.MappingTableSize = DefaultMappingTableSize
	}
	if c.ConsolidateDepth == 0 {
		c.ConsolidateDepth = DefaultConsolidateDepth
	}
	if c.SplitThreshold == 0 {
		c.SplitThreshold = DefaultSplitThreshold
	}
	if c.MergeThreshold == 0 {
		c.MergeThreshold = DefaultMergeThreshold
	}
}

// Verify returns an error description of an invalid configuration.
func (c Config) Verify() error {
	if c.MappingTableSize < 0 || c.SplitThreshold < 0 || c.MergeThreshold < 0 {
		return ErrBadConfig
	}
	if c.SplitThreshold != 0 && c.MergeThreshold != 0 && c.SplitThreshold <= c.MergeThreshold*2 {
		return ErrBadConfig
	}
	return nil
}

// treeStats holds the operation counters, updated atomically.
type treeStats struct {
	inserts          atomic.Uint64
	duplicateInserts atomic.Uint64
	deletes          atomic.Uint64
	deleteMisses     atomic.Uint64
	reads            atomic.Uint64
	predicateHits    atomic.Uint64
	splits           atomic.Uint64
	splitAbandons    atomic.Uint64
	merges           atomic.Uint64
	consolidations   atomic.Uint64
	rootGrows        atomic.Uint64
	aborts           atomic.Uint64
}

// Stats is a point-in-time snapshot of the tree's counters.
type Stats struct {
	Inserts          uint64
	DuplicateInserts uint64
	Deletes          uint64
	DeleteMisses     uint64
	Reads            uint64
	PredicateHits    uint64
	Splits           uint64
	SplitAbandons    uint64
	Merges           uint64
	Consolidations   uint64
	RootGrows        uint64
	Aborts           uint64
	GarbagePending   int64
	GarbageFreed     uint64
}

// BwTree is the index. All methods are safe for concurrent use.
type BwTree struct {
	cfg     Config
	mapping *mappingTable
	root    atomic.Uint64 // NodeID of the current root
	epochs  *epoch.Manager
	stats   treeStats
	closed  atomic.Bool
}

// New creates an empty tree. The initial root is a single empty leaf
// covering (-inf, +inf).
func New(cfg Config) (*BwTree, error) {
	cfg.fillDefaults()
	if err := cfg.Verify(); err != nil {
		return nil, err
	}

	t := &BwTree{
		cfg:     cfg,
		mapping: newMappingTable(cfg.MappingTableSize),
	}

	em, err := epoch.NewManager(epoch.Config{
		Free:             t.freeGarbage,
		GarbageThreshold: cfg.GarbageThreshold,
		AdvanceInterval:  cfg.AdvanceInterval,
		StartAdvancer:    cfg.StartGC,
	})
	if err != nil {
		return nil, err
	}
	t.epochs = em

	rootID := t.mapping.allocate()
	t.mapping.store(rootID, newLeafBase(nil, nil, nil))
	t.root.Store(uint64(rootID))
	return t, nil
}

func (t *BwTree) rootID() NodeID {
	return NodeID(t.root.Load())
}

// Insert installs (key, value) unless an equal pair already exists.
func (t *BwTree) Insert(key, value []byte) bool {
	if t.closed.Load() {
		return false
	}
	g := t.epochs.Join()
	defer g.Leave()

	for {
		ctx := t.traverseToLeaf(g, key)
		head := ctx.current.node

		if t.leafContainsValue(head, key, value) {
			t.stats.duplicateInserts.Add(1)
			return false
		}

		delta := newLeafInsert(head, key, value)
		if t.mapping.cas(ctx.current.id, head, delta) {
			t.stats.inserts.Add(1)
			return true
		}
		t.stats.aborts.Add(1)
	}
}

// ConditionalInsert installs (key, value) only when the predicate
// rejects the candidate value and every value already stored under key,
// and the exact pair is absent. It returns (inserted,
// predicateTriggered): (false, true) when the predicate fired,
// (false, false) on a duplicate, (true, false) on success.
func (t *BwTree) ConditionalInsert(key, value []byte, predicate func(value []byte) bool) (bool, bool) {
	if t.closed.Load() {
		return false, false
	}
	if predicate(value) {
		t.stats.predicateHits.Add(1)
		return false, true
	}
	g := t.epochs.Join()
	defer g.Leave()

	for {
		ctx := t.traverseToLeaf(g, key)
		head := ctx.current.node

		existing := t.collectLeafValues(head, key)
		duplicate := false
		for _, v := range existing {
			if predicate(v) {
				t.stats.predicateHits.Add(1)
				return false, true
			}
			if t.cfg.ValueEqual(v, value) {
				duplicate = true
			}
		}
		if duplicate {
			t.stats.duplicateInserts.Add(1)
			return false, false
		}

		delta := newLeafInsert(head, key, value)
		if t.mapping.cas(ctx.current.id, head, delta) {
			t.stats.inserts.Add(1)
			return true, false
		}
		t.stats.aborts.Add(1)
	}
}

// Delete removes the matching (key, value) pair; it returns false when
// no such pair exists.
func (t *BwTree) Delete(key, value []byte) bool {
	if t.closed.Load() {
		return false
	}
	g := t.epochs.Join()
	defer g.Leave()

	for {
		ctx := t.traverseToLeaf(g, key)
		head := ctx.current.node

		if !t.leafContainsValue(head, key, value) {
			t.stats.deleteMisses.Add(1)
			return false
		}

		delta := newLeafDelete(head, key, value)
		if t.mapping.cas(ctx.current.id, head, delta) {
			t.stats.deletes.Add(1)
			return true
		}
		t.stats.aborts.Add(1)
	}
}

// GetValue collects every value stored under key. Duplicates introduced
// by delta-chain replay are suppressed; the result order is unspecified.
func (t *BwTree) GetValue(key []byte) [][]byte {
	if t.closed.Load() {
		return nil
	}
	g := t.epochs.Join()
	defer g.Leave()

	t.stats.reads.Add(1)
	ctx := t.traverseToLeaf(g, key)
	return t.collectLeafValues(ctx.current.node, key)
}

// NeedGarbageCollection reports whether unreclaimed garbage is waiting.
func (t *BwTree) NeedGarbageCollection() bool {
	return t.epochs.NeedReclaim()
}

// PerformGarbageCollection advances the epoch and runs a reclamation
// pass. Hosts that created the tree with StartGC=false call this
// periodically.
func (t *BwTree) PerformGarbageCollection() {
	t.epochs.Advance()
	t.epochs.Reclaim()
}

// Stats returns a snapshot of the tree's counters.
func (t *BwTree) Stats() Stats {
	return Stats{
		Inserts:          t.stats.inserts.Load(),
		DuplicateInserts: t.stats.duplicateInserts.Load(),
		Deletes:          t.stats.deletes.Load(),
		DeleteMisses:     t.stats.deleteMisses.Load(),
		Reads:            t.stats.reads.Load(),
		PredicateHits:    t.stats.predicateHits.Load(),
		Splits:           t.stats.splits.Load(),
		SplitAbandons:    t.stats.splitAbandons.Load(),
		Merges:           t.stats.merges.Load(),
		Consolidations:   t.stats.consolidations.Load(),
		RootGrows:        t.stats.rootGrows.Load(),
		Aborts:           t.stats.aborts.Load(),
		GarbagePending:   t.epochs.Pending(),
		GarbageFreed:     t.epochs.Freed(),
	}
}

// Close shuts the tree down: the background advancer stops and every
// garbage list is drained. Concurrent operations must have finished.
func (t *BwTree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return ErrTreeClosed
	}
	t.epochs.Close()
	return nil
}

// freeGarbage is the epoch manager's release callback: the recursive
// delta-chain walker.
func (t *BwTree) freeGarbage(item any) {
	t.freeEpochDeltaChain(item.(*node))
}

// freeEpochDeltaChain walks a retired chain front to back. Remove
// deltas give their NodeID back to the free list; their child is not
// followed, because after a completed merge the chain below the remove
// is owned by the left sibling's merge delta. Abort deltas never own
// their child either. Merge deltas own both branches.
func (t *BwTree) freeEpochDeltaChain(n *node) {
	for p := n; p != nil; p = p.child {
		switch p.kind {
		case kindLeafRemove, kindInnerRemove:
			t.mapping.recycle(p.nodeID)
			return
		case kindInnerAbort:
			return
		case kindLeafMerge, kindInnerMerge:
			t.freeEpochDeltaChain(p.rightBranch)
		}
	}
}

// leafContainsValue reports whether (key, value) is currently present
// in the chain headed at n.
func (t *BwTree) leafContainsValue(n *node, key, value []byte) bool {
	for _, v := range t.collectLeafValues(n, key) {
		if t.cfg.ValueEqual(v, value) {
			return true
		}
	}
	return false
}
