// pkg/bwtree/bwtree_test.go
package bwtree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MappingTableSize = 1 << 16
	cfg.StartGC = false
	return cfg
}

func newTestTree(t *testing.T) *BwTree {
	t.Helper()
	tree, err := New(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { tree.Close() })
	return tree
}

func testKey(i int) []byte {
	return []byte(fmt.Sprintf("k%06d", i))
}

func testValue(i int) []byte {
	return []byte(fmt.Sprintf("v%06d", i))
}

// collectLeaves walks the bottom level left to right via sibling hops
// and returns the consolidated content of every leaf.
func collectLeaves(tree *BwTree) [][]KeyValue {
	g := tree.epochs.Join()
	defer g.Leave()

	ctx := tree.traverse(g, searchKey{negInf: true})
	var out [][]KeyValue
	n := ctx.current.node
	for {
		out = append(out, tree.collectLeafItems(n))
		if n.highKey == nil {
			return out
		}
		n = tree.mapping.load(n.highKey.NodeID)
	}
}

// helpSettle re-reads every key a few times so traversals finish any
// pending SMOs, interleaved with garbage collection.
func helpSettle(tree *BwTree, keys [][]byte) {
	for round := 0; round < 3; round++ {
		for _, k := range keys {
			tree.GetValue(k)
		}
		tree.PerformGarbageCollection()
	}
}

// validateLeafLevel checks the key-range invariant over every leaf and
// returns the total entry count.
func validateLeafLevel(t *testing.T, tree *BwTree) int {
	t.Helper()
	g := tree.epochs.Join()
	defer g.Leave()

	ctx := tree.traverse(g, searchKey{negInf: true})
	n := ctx.current.node
	total := 0
	for {
		items := tree.collectLeafItems(n)
		total += len(items)
		for i, kv := range items {
			if n.lowKey != nil && n.lowKey.Key != nil {
				require.GreaterOrEqual(t, tree.cfg.KeyCompare(kv.Key, n.lowKey.Key), 0,
					"key below the node's low key")
			}
			if n.highKey != nil {
				require.Less(t, tree.cfg.KeyCompare(kv.Key, n.highKey.Key), 0,
					"key at or above the node's high key")
			}
			if i > 0 {
				require.LessOrEqual(t, tree.cfg.KeyCompare(items[i-1].Key, kv.Key), 0,
					"leaf items out of order")
			}
		}
		if n.highKey == nil {
			return total
		}
		require.NotEqual(t, InvalidNodeID, n.highKey.NodeID)
		n = tree.mapping.load(n.highKey.NodeID)
	}
}

func TestInsertAndGetValue(t *testing.T) {
	tree := newTestTree(t)

	require.True(t, tree.Insert([]byte("a"), []byte("1")))
	require.True(t, tree.Insert([]byte("b"), []byte("2")))

	assert.Equal(t, [][]byte{[]byte("1")}, tree.GetValue([]byte("a")))
	assert.Equal(t, [][]byte{[]byte("2")}, tree.GetValue([]byte("b")))
	assert.Empty(t, tree.GetValue([]byte("c")))
}

func TestInsertThousandKeys(t *testing.T) {
	tree := newTestTree(t)

	for i := 1; i <= 1000; i++ {
		require.True(t, tree.Insert(testKey(i), testValue(i)), "insert %d", i)
	}
	for i := 1; i <= 1000; i++ {
		vals := tree.GetValue(testKey(i))
		require.Len(t, vals, 1, "key %d", i)
		require.Equal(t, testValue(i), vals[0])
	}
	assert.Empty(t, tree.GetValue(testKey(1001)))

	require.Equal(t, 1000, validateLeafLevel(t, tree))

	s := tree.Stats()
	assert.Equal(t, uint64(1000), s.Inserts)
	assert.Greater(t, s.Splits, uint64(0), "1000 keys must have split")
	assert.Greater(t, s.RootGrows, uint64(0))
}

func TestDuplicateInsertRejected(t *testing.T) {
	tree := newTestTree(t)

	require.True(t, tree.Insert([]byte("k"), []byte("v")))
	require.False(t, tree.Insert([]byte("k"), []byte("v")))
	require.Len(t, tree.GetValue([]byte("k")), 1)
	assert.Equal(t, uint64(1), tree.Stats().DuplicateInserts)
}

func TestDuplicateKeysDistinctValues(t *testing.T) {
	tree := newTestTree(t)

	require.True(t, tree.Insert([]byte("5"), []byte("a")))
	require.True(t, tree.Insert([]byte("5"), []byte("b")))
	require.False(t, tree.Insert([]byte("5"), []byte("a")), "third insert repeats (5, a)")

	vals := tree.GetValue([]byte("5"))
	require.Len(t, vals, 2)
	assert.ElementsMatch(t, [][]byte{[]byte("a"), []byte("b")}, vals)
}

func TestDeleteRestoresMultiset(t *testing.T) {
	tree := newTestTree(t)

	require.True(t, tree.Insert([]byte("k"), []byte("keep")))
	before := tree.GetValue([]byte("k"))

	require.True(t, tree.Insert([]byte("k"), []byte("temp")))
	require.True(t, tree.Delete([]byte("k"), []byte("temp")))

	assert.ElementsMatch(t, before, tree.GetValue([]byte("k")))
}

func TestDeleteMissing(t *testing.T) {
	tree := newTestTree(t)

	require.False(t, tree.Delete([]byte("nope"), []byte("v")))

	require.True(t, tree.Insert([]byte("k"), []byte("v")))
	require.False(t, tree.Delete([]byte("k"), []byte("other")), "value must match too")
	require.True(t, tree.Delete([]byte("k"), []byte("v")))
	require.False(t, tree.Delete([]byte("k"), []byte("v")), "already gone")
}

func TestLookupIdempotent(t *testing.T) {
	tree := newTestTree(t)

	for i := 0; i < 50; i++ {
		tree.Insert(testKey(i%10), testValue(i))
	}
	for i := 0; i < 10; i++ {
		first := tree.GetValue(testKey(i))
		second := tree.GetValue(testKey(i))
		assert.ElementsMatch(t, first, second)
	}
}

func TestConditionalInsert(t *testing.T) {
	key := []byte("42")
	v7 := []byte{7}

	over5 := func(v []byte) bool { return len(v) > 0 && v[0] > 5 }
	under5 := func(v []byte) bool { return len(v) > 0 && v[0] < 5 }

	// The candidate value itself satisfies the predicate.
	tree := newTestTree(t)
	inserted, triggered := tree.ConditionalInsert(key, v7, over5)
	require.False(t, inserted)
	require.True(t, triggered)

	// The predicate rejects everything in sight: plain insert.
	tree2 := newTestTree(t)
	inserted, triggered = tree2.ConditionalInsert(key, v7, under5)
	require.True(t, inserted)
	require.False(t, triggered)

	// Same pair again: duplicate, not a predicate hit.
	inserted, triggered = tree2.ConditionalInsert(key, v7, under5)
	require.False(t, inserted)
	require.False(t, triggered)
}

func TestConditionalInsertExistingValueTriggers(t *testing.T) {
	tree := newTestTree(t)
	key := []byte("k")

	require.True(t, tree.Insert(key, []byte{9}))

	over5 := func(v []byte) bool { return len(v) > 0 && v[0] > 5 }
	inserted, triggered := tree.ConditionalInsert(key, []byte{1}, over5)
	require.False(t, inserted, "the stored value 9 satisfies the predicate")
	require.True(t, triggered)

	require.Len(t, tree.GetValue(key), 1)
}

func TestCustomComparator(t *testing.T) {
	cfg := testConfig()
	// Reverse byte order.
	cfg.KeyCompare = func(a, b []byte) int {
		c := len(a) - len(b)
		if c == 0 {
			for i := range a {
				if a[i] != b[i] {
					if a[i] > b[i] {
						return -1
					}
					return 1
				}
			}
			return 0
		}
		if c > 0 {
			return -1
		}
		return 1
	}
	tree, err := New(cfg)
	require.NoError(t, err)
	defer tree.Close()

	for i := 0; i < 300; i++ {
		require.True(t, tree.Insert(testKey(i), testValue(i)))
	}
	for i := 0; i < 300; i++ {
		require.Len(t, tree.GetValue(testKey(i)), 1)
	}

	it := tree.Begin()
	defer it.Close()
	prev := []byte(nil)
	for ; it.Valid(); it.Next() {
		if prev != nil {
			require.Negative(t, cfg.KeyCompare(prev, it.Key()))
		}
		prev = append([]byte(nil), it.Key()...)
	}
}

func TestConfigVerify(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SplitThreshold = 10
	cfg.MergeThreshold = 8
	_, err := New(cfg)
	require.ErrorIs(t, err, ErrBadConfig, "split threshold must clear twice the merge threshold")
}

func TestCloseTwice(t *testing.T) {
	tree, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, tree.Close())
	require.ErrorIs(t, tree.Close(), ErrTreeClosed)
}

func TestGarbageCollectionCycle(t *testing.T) {
	tree := newTestTree(t)

	for i := 0; i < 500; i++ {
		tree.Insert(testKey(i), testValue(i))
	}
	require.True(t, tree.NeedGarbageCollection(), "splits and consolidations must have produced garbage")

	tree.PerformGarbageCollection()
	tree.PerformGarbageCollection()
	assert.Greater(t, tree.Stats().GarbageFreed, uint64(0))
}
