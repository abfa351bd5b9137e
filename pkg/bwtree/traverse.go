// pkg/bwtree/traverse.go
package bwtree

import (
	"sort"

	"github.com/sirupsen/logrus"

	"arbor/pkg/epoch"
)

// snapshot is one observed (NodeID, chain head) pair. The head is only
// a snapshot: any install must CAS against it and treat failure as a
// structural retry.
type snapshot struct {
	id   NodeID
	node *node
}

// opContext carries one traversal attempt: the current and parent
// snapshots and the abort flag that signals a structural retry. The
// abort never escapes to the caller; the driver loop re-enters from
// the root until the traversal lands on a leaf.
type opContext struct {
	g       *epoch.Thread
	current snapshot
	parent  snapshot
	abort   bool
}

// searchKey is a traversal target. Besides a plain key it can denote
// the position before all keys (negInf), after all keys (posInf), or
// just before a key (leftOpen) — the iterator needs the open forms.
type searchKey struct {
	key      []byte
	negInf   bool
	posInf   bool
	leftOpen bool
}

// skCmp orders a search position against a stored key.
func (t *BwTree) skCmp(sk searchKey, k []byte) int {
	if sk.negInf {
		return -1
	}
	if sk.posInf {
		return 1
	}
	c := t.cfg.KeyCompare(sk.key, k)
	if c == 0 && sk.leftOpen {
		return -1
	}
	return c
}

func (t *BwTree) skLess(sk searchKey, k []byte) bool {
	return t.skCmp(sk, k) < 0
}

// traverseToLeaf descends to the leaf covering key, helping along any
// partial SMO it meets. It only returns after an attempt that reached
// a leaf without aborting.
func (t *BwTree) traverseToLeaf(g *epoch.Thread, key []byte) *opContext {
	return t.traverse(g, searchKey{key: key})
}

func (t *BwTree) traverse(g *epoch.Thread, sk searchKey) *opContext {
	for {
		ctx := &opContext{g: g}
		rootID := t.rootID()
		ctx.current = snapshot{id: rootID, node: t.mapping.load(rootID)}
		t.prepareNode(ctx, sk)

		for !ctx.abort && !ctx.current.node.kind.isLeaf() {
			childID, ok := t.navigateChain(ctx.current.node, sk)
			if !ok {
				ctx.abort = true
				break
			}
			ctx.parent = ctx.current
			ctx.current = snapshot{id: childID, node: t.mapping.load(childID)}
			t.prepareNode(ctx, sk)
		}

		if ctx.abort {
			t.stats.aborts.Add(1)
			continue
		}
		return ctx
	}
}

// prepareNode makes the current snapshot usable for sk: it repairs the
// sibling chain, helps along any partial SMO at the chain head, then
// applies maintenance (consolidation, size adjustment). It may set
// ctx.abort, after which the snapshot must not be used.
func (t *BwTree) prepareNode(ctx *opContext, sk searchKey) {
	// Sibling-chain repair: the head's high key reflects the most
	// recent split, so a search position at or past it belongs to the
	// right sibling.
	for {
		head := ctx.current.node
		if head == nil {
			ctx.abort = true
			return
		}
		if head.highKey != nil && !t.skLess(sk, head.highKey.Key) {
			if ctx.parent.node == nil && (head.kind == kindLeafSplit || head.kind == kindInnerSplit) {
				// A split root grows before traversal moves right of it;
				// a sibling reached with no parent could never complete
				// its own split.
				t.growRoot(ctx, head.key, head.nodeID)
				ctx.abort = true
				return
			}
			sib := head.highKey.NodeID
			ctx.current = snapshot{id: sib, node: t.mapping.load(sib)}
			continue
		}
		break
	}

	switch head := ctx.current.node; head.kind {
	case kindLeafRemove, kindInnerRemove:
		t.completeMerge(ctx)
		ctx.abort = true
		return
	case kindLeafSplit, kindInnerSplit:
		t.completeSplit(ctx)
		if ctx.abort {
			return
		}
	case kindInnerAbort:
		// Read past the placeholder; nothing may be installed here.
		return
	}

	// Deep chains consolidate; so do chains whose logical size crossed
	// a structural threshold, since split and merge only start from a
	// consolidated base.
	if head := ctx.current.node; head.depth >= t.cfg.ConsolidateDepth ||
		(!head.kind.isBase() &&
			((head.itemCount < t.cfg.MergeThreshold && head.lowKey != nil) ||
				head.itemCount > t.cfg.SplitThreshold)) {
		t.consolidate(ctx.g, &ctx.current)
	}
	t.adjustSize(ctx)
}

// navigateChain resolves the child NodeID covering sk by replaying the
// inner delta chain. It returns false when the chain is unusable (a
// remove delta appeared mid-flight) and traversal must restart.
func (t *BwTree) navigateChain(n *node, sk searchKey) (NodeID, bool) {
	for p := n; p != nil; {
		switch p.kind {
		case kindInnerBase:
			return t.searchInnerBase(p, sk), true
		case kindInnerInsert:
			if !t.skLess(sk, p.key) && (p.next == nil || t.skLess(sk, p.next.Key)) {
				return p.nodeID, true
			}
			p = p.child
		case kindInnerDelete:
			inLow := p.prev == nil || p.prev.Key == nil || !t.skLess(sk, p.prev.Key)
			if inLow && (p.next == nil || t.skLess(sk, p.next.Key)) {
				return p.prev.NodeID, true
			}
			p = p.child
		case kindInnerSplit:
			// Positions at or past the split key were redirected by the
			// sibling-chain repair before navigation.
			p = p.child
		case kindInnerMerge:
			if !t.skLess(sk, p.key) {
				p = p.rightBranch
			} else {
				p = p.child
			}
		case kindInnerAbort:
			p = p.child
		case kindInnerRemove:
			return InvalidNodeID, false
		default:
			panic("bwtree: leaf delta in inner navigation")
		}
	}
	return InvalidNodeID, false
}

// searchInnerBase binary-searches the separator array. seps[0] is the
// low-key placeholder: the leftmost child is taken for any position
// below seps[1].
func (t *BwTree) searchInnerBase(n *node, sk searchKey) NodeID {
	j := sort.Search(len(n.seps)-1, func(i int) bool {
		return t.skLess(sk, n.seps[i+1].Key)
	})
	return n.seps[j].NodeID
}

// completeSplit finishes the SMO announced by the split delta at the
// current head: the parent gains an index term for the new sibling, or
// the root is grown when the split node is the root itself.
func (t *BwTree) completeSplit(ctx *opContext) {
	head := ctx.current.node
	splitKey := head.key
	sibling := head.nodeID

	if ctx.parent.node == nil {
		t.growRoot(ctx, splitKey, sibling)
		ctx.abort = true
		return
	}
	if ctx.parent.node.kind == kindInnerAbort {
		// Nothing may be installed on top of an abort placeholder.
		ctx.abort = true
		return
	}

	// The index term may already be present; posting is idempotent in
	// effect because helpers re-check before installing.
	if child, ok := t.navigateChain(ctx.parent.node, searchKey{key: splitKey}); ok && child == sibling {
		return
	}

	seps := t.collectInnerSeps(ctx.parent.node)
	var next *KeyNodeIDPair
	for i := 1; i < len(seps); i++ {
		if t.cfg.KeyCompare(seps[i].Key, splitKey) > 0 {
			next = &seps[i]
			break
		}
	}

	delta := newInnerInsert(ctx.parent.node, KeyNodeIDPair{Key: splitKey, NodeID: sibling}, next)
	if t.mapping.cas(ctx.parent.id, ctx.parent.node, delta) {
		log.WithFields(logrus.Fields{"parent": ctx.parent.id, "sibling": sibling}).
			Debug("posted index term for split")
	}
	ctx.abort = true
}

// growRoot replaces the root with a fresh inner node holding the old
// root and the split sibling.
func (t *BwTree) growRoot(ctx *opContext, splitKey []byte, sibling NodeID) {
	oldRootID := ctx.current.id
	seps := []KeyNodeIDPair{
		{NodeID: oldRootID},
		{Key: splitKey, NodeID: sibling},
	}
	newRootID := t.mapping.allocate()
	newRoot := newInnerBase(seps, nil, nil)
	t.mapping.store(newRootID, newRoot)

	if t.root.CompareAndSwap(uint64(oldRootID), uint64(newRootID)) {
		t.stats.rootGrows.Add(1)
		log.WithFields(logrus.Fields{"root": newRootID}).Debug("grew root")
		return
	}
	// Lost the race; recycle the NodeID through the epoch manager.
	ctx.g.AddGarbage(newRemoveDelta(newRoot, newRootID))
}

// completeMerge finishes the SMO announced by the remove delta at the
// current head: the left sibling absorbs the removed node through a
// merge delta, then the parent's index term for it is deleted.
func (t *BwTree) completeMerge(ctx *opContext) {
	removeDelta := ctx.current.node
	removedID := ctx.current.id

	if ctx.parent.node == nil || removeDelta.lowKey == nil {
		// Reached without a parent snapshot, or a stale route to a node
		// that could never have been merged; retry resolves both.
		return
	}
	if ctx.parent.node.kind == kindInnerAbort {
		return
	}
	mergeKey := removeDelta.lowKey.Key

	// A flat key order over the parent is needed to find the left
	// sibling; consolidate first when a merge delta is in the way.
	if chainHasMerge(ctx.parent.node) {
		t.consolidate(ctx.g, &ctx.parent)
		return
	}

	seps := t.collectInnerSeps(ctx.parent.node)
	idx := -1
	for i := 1; i < len(seps); i++ {
		if t.cfg.KeyCompare(seps[i].Key, mergeKey) == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Index term already deleted; the merge has fully completed.
		return
	}

	leftID := seps[idx-1].NodeID
	leftHead := t.mapping.load(leftID)
	if leftHead == nil {
		return
	}
	switch leftHead.kind {
	case kindLeafRemove, kindInnerRemove, kindInnerAbort:
		return
	}

	if !mergePosted(leftHead, removedID) {
		// The left sibling must still point at the removed node; if it
		// split in between, a later traversal will help again.
		if leftHead.highKey == nil || leftHead.highKey.NodeID != removedID {
			return
		}
		mergeDelta := newMergeDelta(leftHead, mergeKey, removedID, removeDelta.child)
		if !t.mapping.cas(leftID, leftHead, mergeDelta) {
			return
		}
		t.stats.merges.Add(1)
		log.WithFields(logrus.Fields{"left": leftID, "removed": removedID}).
			Debug("posted merge delta")
	}

	prev := &seps[idx-1]
	var next *KeyNodeIDPair
	if idx+1 < len(seps) {
		next = &seps[idx+1]
	}
	delta := newInnerDelete(ctx.parent.node, KeyNodeIDPair{Key: mergeKey, NodeID: removedID}, prev, next)
	if t.mapping.cas(ctx.parent.id, ctx.parent.node, delta) {
		// The removed node's chain is now owned by the merge delta; only
		// the remove delta itself (and its NodeID) remains to reclaim.
		ctx.g.AddGarbage(removeDelta)
	}
}

// chainHasMerge reports whether a merge delta sits anywhere on the
// chain above the base.
func chainHasMerge(n *node) bool {
	for p := n; p != nil; p = p.child {
		switch p.kind {
		case kindInnerMerge, kindLeafMerge:
			return true
		case kindInnerBase, kindLeafBase:
			return false
		}
	}
	return false
}

// mergePosted reports whether the chain already carries a merge delta
// absorbing removedID.
func mergePosted(n *node, removedID NodeID) bool {
	for p := n; p != nil; p = p.child {
		switch p.kind {
		case kindInnerMerge, kindLeafMerge:
			if p.nodeID == removedID {
				return true
			}
		case kindInnerBase, kindLeafBase:
			return false
		}
	}
	return false
}
