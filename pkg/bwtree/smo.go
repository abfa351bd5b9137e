// pkg/bwtree/smo.go
package bwtree

import "github.com/sirupsen/logrus"

// adjustSize checks a consolidated base node against the split and
// merge thresholds and starts the corresponding SMO. Both paths abort
// the current operation on success: the next traverser observes the
// posted delta and completes the SMO cooperatively.
func (t *BwTree) adjustSize(ctx *opContext) {
	head := ctx.current.node
	if !head.kind.isBase() {
		return
	}
	if head.itemCount > t.cfg.SplitThreshold {
		t.trySplit(ctx)
		return
	}
	if head.itemCount < t.cfg.MergeThreshold {
		t.tryMerge(ctx)
	}
}

// trySplit moves the upper half of a base node into a freshly
// installed sibling and caps the original with a split delta.
func (t *BwTree) trySplit(ctx *opContext) {
	base := ctx.current.node

	var splitAt int
	if base.kind == kindLeafBase {
		splitAt = t.leafSplitPoint(base.items)
		if splitAt < 0 {
			t.stats.splitAbandons.Add(1)
			return
		}
	} else {
		// Inner separators are unique, the median always works.
		splitAt = len(base.seps) / 2
		if splitAt < 1 {
			return
		}
	}

	sibID := t.mapping.allocate()
	var sibling *node
	var splitKey []byte
	if base.kind == kindLeafBase {
		splitKey = base.items[splitAt].Key
		low := &KeyNodeIDPair{Key: splitKey}
		sibling = newLeafBase(base.items[splitAt:], low, base.highKey)
	} else {
		splitKey = base.seps[splitAt].Key
		low := &KeyNodeIDPair{Key: splitKey, NodeID: base.seps[splitAt].NodeID}
		sibling = newInnerBase(base.seps[splitAt:], low, base.highKey)
	}
	t.mapping.store(sibID, sibling)

	delta := newSplitDelta(base, splitKey, sibID, splitAt)
	if t.mapping.cas(ctx.current.id, base, delta) {
		t.stats.splits.Add(1)
		log.WithFields(logrus.Fields{
			"node": ctx.current.id, "sibling": sibID, "items": base.itemCount,
		}).Debug("posted split delta")
		ctx.abort = true
		return
	}

	// Lost the install race: recycle the sibling's NodeID through a
	// synthetic remove delta so no thread that read it keeps it alive.
	ctx.g.AddGarbage(newRemoveDelta(sibling, sibID))
}

// leafSplitPoint picks a split index near the median that does not cut
// through a run of equal keys. It returns -1 when no boundary leaves
// both halves above the merge threshold, in which case the split is
// abandoned.
func (t *BwTree) leafSplitPoint(items []KeyValue) int {
	n := len(items)
	mid := n / 2

	left := mid
	for left > 0 && t.cfg.KeyEqual(items[left].Key, items[left-1].Key) {
		left--
	}
	right := mid
	for right < n && t.cfg.KeyEqual(items[right].Key, items[right-1].Key) {
		right++
	}

	ok := func(b int) bool {
		return b >= t.cfg.MergeThreshold && n-b >= t.cfg.MergeThreshold
	}
	// Prefer the boundary closer to the median.
	if mid-left <= right-mid {
		if ok(left) {
			return left
		}
		if ok(right) {
			return right
		}
	} else {
		if ok(right) {
			return right
		}
		if ok(left) {
			return left
		}
	}
	return -1
}

// tryMerge starts removing an underfull node: an abort delta blocks
// SMOs on the parent while the remove delta is installed, then the
// abort is taken down again. The merge itself is completed by the next
// traverser that observes the remove delta.
//
// The leftmost child of a parent is never merged (that would change the
// parent's low key), and neither is the root.
func (t *BwTree) tryMerge(ctx *opContext) {
	head := ctx.current.node
	if ctx.parent.node == nil || head.lowKey == nil {
		return
	}
	if ctx.parent.node.kind == kindInnerAbort {
		// Another merge holds the parent; nothing may be installed on
		// top of an abort placeholder.
		ctx.abort = true
		return
	}
	if ctx.parent.node.lowKey != nil && t.cfg.KeyEqual(head.lowKey.Key, ctx.parent.node.lowKey.Key) {
		return
	}

	abortDelta := newAbortDelta(ctx.parent.node)
	if !t.mapping.cas(ctx.parent.id, ctx.parent.node, abortDelta) {
		ctx.abort = true
		return
	}

	removeDelta := newRemoveDelta(head, ctx.current.id)
	posted := t.mapping.cas(ctx.current.id, head, removeDelta)

	// Take the abort placeholder down again; only this thread may CAS
	// over it, so the swap cannot fail.
	if !t.mapping.cas(ctx.parent.id, abortDelta, abortDelta.child) {
		panic("bwtree: abort delta removed by another thread")
	}
	ctx.g.AddGarbage(abortDelta)

	if posted {
		log.WithFields(logrus.Fields{
			"node": ctx.current.id, "items": head.itemCount,
		}).Debug("posted remove delta")
	}
	ctx.abort = true
}
