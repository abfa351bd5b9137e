// pkg/bwtree/iterator.go
package bwtree

import "sort"

// Iterator walks the tree in key order. It holds a consolidated
// snapshot of a single leaf and hops to the neighboring leaf through
// the snapshot's saved low/high keys when drained. The snapshot is
// private to the iterator; concurrent writers are never observed
// mid-leaf.
//
// An exhausted iterator is the end iterator: Valid reports false and
// every end iterator is interchangeable.
type Iterator struct {
	tree  *BwTree
	items []KeyValue
	low   *KeyNodeIDPair
	high  *KeyNodeIDPair
	pos   int
	valid bool
}

// Begin returns an iterator on the first entry of the tree.
func (t *BwTree) Begin() *Iterator {
	it := &Iterator{tree: t}
	it.seek(searchKey{negInf: true})
	return it
}

// BeginFrom returns an iterator on the first entry whose key is >= key.
func (t *BwTree) BeginFrom(key []byte) *Iterator {
	it := &Iterator{tree: t}
	it.seek(searchKey{key: key})
	return it
}

// load materializes the snapshot of the leaf covering sk.
func (it *Iterator) load(sk searchKey) {
	t := it.tree
	g := t.epochs.Join()
	defer g.Leave()

	ctx := t.traverse(g, sk)
	head := ctx.current.node
	it.items = t.collectLeafItems(head)
	it.low = head.lowKey
	it.high = head.highKey
}

func (it *Iterator) seek(sk searchKey) {
	it.load(sk)
	it.pos = sort.Search(len(it.items), func(i int) bool {
		return it.tree.skCmp(sk, it.items[i].Key) <= 0
	})
	it.valid = it.pos < len(it.items)

	// An empty or drained leaf: hop right until an entry appears.
	for !it.valid && it.high != nil {
		bound := it.high.Key
		it.load(searchKey{key: bound})
		it.pos = sort.Search(len(it.items), func(i int) bool {
			return it.tree.cfg.KeyCompare(it.items[i].Key, bound) >= 0
		})
		it.valid = it.pos < len(it.items)
	}
}

// First repositions on the first entry of the tree.
func (it *Iterator) First() {
	it.seek(searchKey{negInf: true})
}

// Seek repositions on the first entry whose key is >= key.
func (it *Iterator) Seek(key []byte) {
	it.seek(searchKey{key: key})
}

// Next advances to the following entry, crossing into the right
// sibling leaf through the saved high key when the snapshot drains.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.pos++
	if it.pos < len(it.items) {
		return
	}
	for it.high != nil {
		bound := it.high.Key
		it.load(searchKey{key: bound})
		it.pos = sort.Search(len(it.items), func(i int) bool {
			return it.tree.cfg.KeyCompare(it.items[i].Key, bound) >= 0
		})
		if it.pos < len(it.items) {
			return
		}
	}
	it.valid = false
}

// Prev moves to the preceding entry. Stepping back from the end
// iterator lands on the last entry of the tree.
func (it *Iterator) Prev() {
	if !it.valid {
		it.seekLast()
		return
	}
	if it.pos > 0 {
		it.pos--
		return
	}
	for it.low != nil && it.low.Key != nil {
		bound := it.low.Key
		it.load(searchKey{key: bound, leftOpen: true})
		j := sort.Search(len(it.items), func(i int) bool {
			return it.tree.cfg.KeyCompare(it.items[i].Key, bound) >= 0
		})
		if j > 0 {
			it.pos = j - 1
			return
		}
	}
	it.valid = false
}

func (it *Iterator) seekLast() {
	it.load(searchKey{posInf: true})
	for len(it.items) == 0 && it.low != nil && it.low.Key != nil {
		it.load(searchKey{key: it.low.Key, leftOpen: true})
	}
	if len(it.items) > 0 {
		it.pos = len(it.items) - 1
		it.valid = true
		return
	}
	it.valid = false
}

// Valid reports whether the iterator points at an entry.
func (it *Iterator) Valid() bool {
	return it.valid
}

// Key returns the current key, or nil past the end.
func (it *Iterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.items[it.pos].Key
}

// Value returns the current value, or nil past the end.
func (it *Iterator) Value() []byte {
	if !it.valid {
		return nil
	}
	return it.items[it.pos].Value
}

// Close releases the leaf snapshot.
func (it *Iterator) Close() {
	it.items = nil
	it.low, it.high = nil, nil
	it.valid = false
}
