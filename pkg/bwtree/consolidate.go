// pkg/bwtree/consolidate.go
package bwtree

import (
	"sort"

	"arbor/pkg/epoch"
)

// consolidate replaces the chain at snap with a freshly built base node
// reflecting every delta's effect. On CAS failure the fresh node goes
// straight to the epoch manager and the caller proceeds with the old
// chain; consolidation is opportunistic and never retried.
func (t *BwTree) consolidate(g *epoch.Thread, snap *snapshot) {
	head := snap.node
	switch head.kind {
	case kindInnerAbort, kindLeafRemove, kindInnerRemove:
		// An abort placeholder or a half-merged node must keep its chain.
		return
	}

	var fresh *node
	if head.kind.isLeaf() {
		fresh = newLeafBase(t.collectLeafItems(head), head.lowKey, head.highKey)
	} else {
		fresh = newInnerBase(t.collectInnerSeps(head), head.lowKey, head.highKey)
	}

	if t.mapping.cas(snap.id, head, fresh) {
		t.stats.consolidations.Add(1)
		g.AddGarbage(head)
		snap.node = fresh
	} else {
		g.AddGarbage(fresh)
	}
}

// leafDecision records the newest delta verdict for one (key, value)
// pair during chain replay. Later (older) mentions of the same pair are
// shadowed.
type leafDecision struct {
	kv      KeyValue
	deleted bool
	hint    int
}

type leafReplay struct {
	t       *BwTree
	decided map[uint64][]leafDecision
	order   []uint64 // hash insertion order, newest first
}

func (r *leafReplay) hash(kv KeyValue) uint64 {
	return r.t.cfg.KeyHash(kv.Key) ^ r.t.cfg.ValueHash(kv.Value)
}

func (r *leafReplay) seen(h uint64, kv KeyValue) bool {
	for _, d := range r.decided[h] {
		if r.t.cfg.KeyEqual(d.kv.Key, kv.Key) && r.t.cfg.ValueEqual(d.kv.Value, kv.Value) {
			return true
		}
	}
	return false
}

func (r *leafReplay) decide(kv KeyValue, deleted bool, hint int) {
	h := r.hash(kv)
	if r.seen(h, kv) {
		return
	}
	if _, ok := r.decided[h]; !ok {
		r.order = append(r.order, h)
	}
	r.decided[h] = append(r.decided[h], leafDecision{kv: kv, deleted: deleted, hint: hint})
}

// collectLeafItems materializes the logical content of a leaf chain in
// key order. Items at or past the chain's effective high key are
// dropped: they have migrated to the split sibling.
func (t *BwTree) collectLeafItems(head *node) []KeyValue {
	replay := &leafReplay{t: t, decided: make(map[uint64][]leafDecision)}
	var bases []*node

	var walk func(n *node)
	walk = func(n *node) {
		for p := n; p != nil; p = p.child {
			switch p.kind {
			case kindLeafInsert:
				replay.decide(KeyValue{Key: p.key, Value: p.value}, false, p.hint)
			case kindLeafDelete:
				replay.decide(KeyValue{Key: p.key, Value: p.value}, true, p.hint)
			case kindLeafMerge:
				walk(p.rightBranch)
			case kindLeafBase:
				bases = append(bases, p)
				return
			case kindLeafSplit, kindLeafRemove:
				// Split migration is applied by the high-key filter; a
				// remove below a merge only marks the dead NodeID.
			default:
				panic("bwtree: inner delta in leaf replay")
			}
		}
	}
	walk(head)

	var out []KeyValue
	for _, b := range bases {
		for _, kv := range b.items {
			if !replay.seen(replay.hash(kv), kv) {
				out = append(out, kv)
			}
		}
	}

	// Surviving inserts come in oldest-first so a stable sort keeps
	// equal-key entries in their posting order.
	var inserts []leafDecision
	for _, h := range replay.order {
		for _, d := range replay.decided[h] {
			if !d.deleted {
				inserts = append(inserts, d)
			}
		}
	}
	sort.SliceStable(inserts, func(i, j int) bool { return inserts[i].hint < inserts[j].hint })
	for _, d := range inserts {
		out = append(out, d.kv)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return t.cfg.KeyCompare(out[i].Key, out[j].Key) < 0
	})

	return t.filterLeafRange(out, head)
}

func (t *BwTree) filterLeafRange(items []KeyValue, head *node) []KeyValue {
	lo := 0
	if head.lowKey != nil && head.lowKey.Key != nil {
		lo = sort.Search(len(items), func(i int) bool {
			return t.cfg.KeyCompare(items[i].Key, head.lowKey.Key) >= 0
		})
	}
	hi := len(items)
	if head.highKey != nil {
		hi = sort.Search(len(items), func(i int) bool {
			return t.cfg.KeyCompare(items[i].Key, head.highKey.Key) >= 0
		})
	}
	if lo > hi {
		return nil
	}
	return items[lo:hi]
}

// collectInnerSeps materializes an inner chain's separator array in key
// order. The result's first element is the node's low-key pair; a merge
// delta contributes its right branch's separators, whose own low-key
// pair becomes a real separator in the combined view.
func (t *BwTree) collectInnerSeps(head *node) []KeyNodeIDPair {
	type sepDecision struct {
		sep     KeyNodeIDPair
		deleted bool
	}
	decided := make(map[uint64][]sepDecision)
	var order []uint64

	seen := func(h uint64, key []byte) bool {
		for _, d := range decided[h] {
			if t.cfg.KeyEqual(d.sep.Key, key) {
				return true
			}
		}
		return false
	}
	decide := func(sep KeyNodeIDPair, deleted bool) {
		h := t.cfg.KeyHash(sep.Key)
		if seen(h, sep.Key) {
			return
		}
		if _, ok := decided[h]; !ok {
			order = append(order, h)
		}
		decided[h] = append(decided[h], sepDecision{sep: sep, deleted: deleted})
	}

	var sep0 KeyNodeIDPair
	var out []KeyNodeIDPair

	var walk func(n *node, leftmost bool)
	walk = func(n *node, leftmost bool) {
		for p := n; p != nil; p = p.child {
			switch p.kind {
			case kindInnerInsert:
				decide(KeyNodeIDPair{Key: p.key, NodeID: p.nodeID}, false)
			case kindInnerDelete:
				decide(KeyNodeIDPair{Key: p.key, NodeID: p.nodeID}, true)
			case kindInnerMerge:
				walk(p.rightBranch, false)
			case kindInnerBase:
				rest := p.seps
				if leftmost {
					sep0 = p.seps[0]
					rest = p.seps[1:]
				}
				for _, s := range rest {
					if !seen(t.cfg.KeyHash(s.Key), s.Key) {
						out = append(out, s)
					}
				}
				return
			case kindInnerSplit, kindInnerRemove:
				// Handled by the high-key filter / the owning merge.
			default:
				panic("bwtree: leaf delta in inner replay")
			}
		}
	}
	walk(head, true)

	for _, h := range order {
		for _, d := range decided[h] {
			if !d.deleted {
				out = append(out, d.sep)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return t.cfg.KeyCompare(out[i].Key, out[j].Key) < 0
	})

	// Drop separators migrated to a split sibling.
	if head.highKey != nil {
		hi := sort.Search(len(out), func(i int) bool {
			return t.cfg.KeyCompare(out[i].Key, head.highKey.Key) >= 0
		})
		out = out[:hi]
	}

	return append([]KeyNodeIDPair{sep0}, out...)
}

// collectLeafValues replays a leaf chain for a single key: the newest
// mention of each (key, value) pair decides whether it is present, so
// duplicates across the replay are suppressed.
func (t *BwTree) collectLeafValues(head *node, key []byte) [][]byte {
	type valueDecision struct {
		value   []byte
		deleted bool
	}
	decided := make(map[uint64][]valueDecision)

	seen := func(v []byte) bool {
		for _, d := range decided[t.cfg.ValueHash(v)] {
			if t.cfg.ValueEqual(d.value, v) {
				return true
			}
		}
		return false
	}

	var out [][]byte
	for p := head; p != nil; {
		switch p.kind {
		case kindLeafInsert:
			if t.cfg.KeyEqual(p.key, key) && !seen(p.value) {
				decided[t.cfg.ValueHash(p.value)] = append(decided[t.cfg.ValueHash(p.value)],
					valueDecision{value: p.value})
				out = append(out, p.value)
			}
			p = p.child
		case kindLeafDelete:
			if t.cfg.KeyEqual(p.key, key) && !seen(p.value) {
				decided[t.cfg.ValueHash(p.value)] = append(decided[t.cfg.ValueHash(p.value)],
					valueDecision{value: p.value, deleted: true})
			}
			p = p.child
		case kindLeafMerge:
			if t.cfg.KeyCompare(key, p.key) >= 0 {
				p = p.rightBranch
			} else {
				p = p.child
			}
		case kindLeafBase:
			i := sort.Search(len(p.items), func(i int) bool {
				return t.cfg.KeyCompare(p.items[i].Key, key) >= 0
			})
			for ; i < len(p.items) && t.cfg.KeyEqual(p.items[i].Key, key); i++ {
				if !seen(p.items[i].Value) {
					out = append(out, p.items[i].Value)
				}
			}
			return out
		case kindLeafSplit, kindLeafRemove:
			p = p.child
		default:
			panic("bwtree: inner delta in leaf value replay")
		}
	}
	return out
}
