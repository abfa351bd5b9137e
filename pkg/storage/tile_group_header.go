// pkg/storage/tile_group_header.go
// Package storage holds the tile-group MVCC header: the fixed-stride
// array of per-tuple-slot visibility metadata consulted when an index
// hit is resolved to a concrete tuple version.
package storage

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "storage")

// Transaction id and commit id sentinels.
//
// A slot's transaction id is InvalidTxnID while the slot is vacant (never
// inserted, or rolled back), and InitialTxnID once its owning transaction
// has committed. InitialTxnID is the only state Acquire will latch from;
// a vacant slot is not acquirable.
const (
	InvalidTxnID uint64 = 0
	InitialTxnID uint64 = 1

	// MaxCommitID marks a begin commit id that has not yet committed, or
	// an end commit id that is still live.
	MaxCommitID uint64 = ^uint64(0)
)

// InvalidSlot is returned by ReserveSlot when the tile group is full.
const InvalidSlot = ^uint64(0)

// ItemPointer addresses one tuple version: a tile group and a slot
// offset inside it.
type ItemPointer struct {
	TileGroupID uint64
	Offset      uint64
}

// InvalidItemPointer is the zero address; no tuple lives there.
var InvalidItemPointer = ItemPointer{}

// packItemPointer fits an ItemPointer into one atomic word.
func packItemPointer(p ItemPointer) uint64 {
	return p.TileGroupID<<32 | p.Offset&0xffffffff
}

func unpackItemPointer(v uint64) ItemPointer {
	return ItemPointer{TileGroupID: v >> 32, Offset: v & 0xffffffff}
}

// slotHeader is one tuple slot's MVCC metadata.
//
// Layout per slot:
//
//	| Txn ID | Begin CID | End CID | InsertCommit | DeleteCommit | Prev ItemPointer |
//
// The transaction id doubles as the slot's write latch: a single CAS
// against InitialTxnID acquires ownership. All fields are atomics so
// that lock-free readers never race the owning writer; the owner check
// in IsVisible gates correctness in the window between acquisition and
// commit.
type slotHeader struct {
	txnID        atomic.Uint64
	beginCID     atomic.Uint64
	endCID       atomic.Uint64
	insertCommit atomic.Bool
	deleteCommit atomic.Bool
	prevItem     atomic.Uint64 // packed ItemPointer
}

// TileGroupHeader is the per-tile-group array of tuple slot headers.
// It is shared by all tiles in a tile group.
type TileGroupHeader struct {
	slots []slotHeader

	// mu protects the next-free-slot cursor during concurrent
	// reservation. It is short and bounded and never held across
	// external work.
	mu           sync.Mutex
	nextSlot     uint64
	activeTuples atomic.Int64

	// loggingEnabled gates visibility on the insert/delete commit flags,
	// matching the behavior of the logging backend.
	loggingEnabled bool
}

// NewTileGroupHeader creates a header with capacity for tupleCount
// slots. Every slot starts vacant: InvalidTxnID, begin and end commit
// ids at MaxCommitID.
func NewTileGroupHeader(tupleCount int) *TileGroupHeader {
	h := &TileGroupHeader{slots: make([]slotHeader, tupleCount)}
	for i := range h.slots {
		h.slots[i].beginCID.Store(MaxCommitID)
		h.slots[i].endCID.Store(MaxCommitID)
	}
	return h
}

// SetLoggingEnabled toggles the logging-backend visibility gate: when
// enabled, a version is visible only if its insert has committed and its
// delete has not.
func (h *TileGroupHeader) SetLoggingEnabled(enabled bool) {
	h.loggingEnabled = enabled
}

// SlotCount returns the number of tuple slots allocated.
func (h *TileGroupHeader) SlotCount() uint64 {
	return uint64(len(h.slots))
}

// ReserveSlot atomically claims the next empty tuple slot. It returns
// InvalidSlot when the tile group is full.
func (h *TileGroupHeader) ReserveSlot() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.nextSlot >= uint64(len(h.slots)) {
		return InvalidSlot
	}
	slot := h.nextSlot
	h.nextSlot++
	return slot
}

// ReserveSpecificSlot claims a known slot index, extending the next-free
// cursor past it if needed. Logging replay uses this to reinstall a
// tuple at its recorded position. Returns false if the index is out of
// range.
func (h *TileGroupHeader) ReserveSpecificSlot(slot uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if slot >= uint64(len(h.slots)) {
		return false
	}
	if h.nextSlot <= slot {
		h.nextSlot = slot + 1
	}
	return true
}

// NextSlot returns the next-free-slot cursor.
func (h *TileGroupHeader) NextSlot() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSlot
}

// ActiveTupleCount returns the number of committed live tuples.
func (h *TileGroupHeader) ActiveTupleCount() int64 {
	return h.activeTuples.Load()
}

// IncrementActiveTupleCount records a committed insert.
func (h *TileGroupHeader) IncrementActiveTupleCount() {
	h.activeTuples.Add(1)
}

// DecrementActiveTupleCount records a committed delete.
func (h *TileGroupHeader) DecrementActiveTupleCount() {
	h.activeTuples.Add(-1)
}

// Acquire latches the slot for txnID by swapping the transaction id from
// InitialTxnID. It returns false when the slot is vacant or owned by
// another transaction.
func (h *TileGroupHeader) Acquire(slot, txnID uint64) bool {
	return h.slots[slot].txnID.CompareAndSwap(InitialTxnID, txnID)
}

// Release returns the slot latch held by txnID. A failed release is
// expected only when the owner deleted its own insert, which resets the
// slot to vacant instead.
func (h *TileGroupHeader) Release(slot, txnID uint64) bool {
	if !h.slots[slot].txnID.CompareAndSwap(txnID, InitialTxnID) {
		log.WithFields(logrus.Fields{
			"slot":  slot,
			"owner": h.slots[slot].txnID.Load(),
		}).Warn("release failed, expecting a deleted own insert")
		return false
	}
	return true
}

// TransactionID returns the slot's current owner.
func (h *TileGroupHeader) TransactionID(slot uint64) uint64 {
	return h.slots[slot].txnID.Load()
}

// SetTransactionID stores the owner directly; used when installing a
// fresh tuple into a reserved slot.
func (h *TileGroupHeader) SetTransactionID(slot, txnID uint64) {
	h.slots[slot].txnID.Store(txnID)
}

// BeginCommitID returns the commit id at which this version becomes
// visible; MaxCommitID means not yet committed.
func (h *TileGroupHeader) BeginCommitID(slot uint64) uint64 {
	return h.slots[slot].beginCID.Load()
}

// SetBeginCommitID stores the begin commit id. Called under acquired
// ownership.
func (h *TileGroupHeader) SetBeginCommitID(slot, cid uint64) {
	h.slots[slot].beginCID.Store(cid)
}

// EndCommitID returns the commit id at which this version was
// invalidated; MaxCommitID means still live.
func (h *TileGroupHeader) EndCommitID(slot uint64) uint64 {
	return h.slots[slot].endCID.Load()
}

// SetEndCommitID stores the end commit id. Called under acquired
// ownership.
func (h *TileGroupHeader) SetEndCommitID(slot, cid uint64) {
	h.slots[slot].endCID.Store(cid)
}

// InsertCommit reports whether the inserting transaction's commit record
// reached the log.
func (h *TileGroupHeader) InsertCommit(slot uint64) bool {
	return h.slots[slot].insertCommit.Load()
}

// SetInsertCommit records the insert commit flag.
func (h *TileGroupHeader) SetInsertCommit(slot uint64, commit bool) {
	h.slots[slot].insertCommit.Store(commit)
}

// DeleteCommit reports whether a deleting transaction's commit record
// reached the log.
func (h *TileGroupHeader) DeleteCommit(slot uint64) bool {
	return h.slots[slot].deleteCommit.Load()
}

// SetDeleteCommit records the delete commit flag.
func (h *TileGroupHeader) SetDeleteCommit(slot uint64, commit bool) {
	h.slots[slot].deleteCommit.Store(commit)
}

// PrevItemPointer returns the address of the previous version of this
// tuple, or InvalidItemPointer if this is the oldest.
func (h *TileGroupHeader) PrevItemPointer(slot uint64) ItemPointer {
	return unpackItemPointer(h.slots[slot].prevItem.Load())
}

// SetPrevItemPointer links this version to its predecessor.
func (h *TileGroupHeader) SetPrevItemPointer(slot uint64, item ItemPointer) {
	h.slots[slot].prevItem.Store(packItemPointer(item))
}

// IsVisible decides whether the version in slot is visible to a viewer
// running as txnID with logical commit id cid.
//
// A version is visible iff the slot is not vacant and either the viewer
// owns it and it is neither activated nor invalidated (the viewer sees
// its own pending insert), or the viewer does not own it and it is
// activated but not invalidated (a committed version inside the viewer's
// snapshot window).
func (h *TileGroupHeader) IsVisible(slot, txnID, cid uint64) bool {
	tupleTxnID := h.slots[slot].txnID.Load()
	tupleBeginCID := h.slots[slot].beginCID.Load()
	tupleEndCID := h.slots[slot].endCID.Load()

	own := txnID == tupleTxnID
	activated := cid >= tupleBeginCID
	invalidated := cid >= tupleEndCID

	visible := tupleTxnID != InvalidTxnID &&
		((!own && activated && !invalidated) || (own && !activated && !invalidated))

	if h.loggingEnabled {
		if !h.slots[slot].insertCommit.Load() || h.slots[slot].deleteCommit.Load() {
			visible = false
		}
	}

	log.WithFields(logrus.Fields{
		"slot": slot, "txn": txnID, "cid": cid, "visible": visible,
	}).Trace("visibility check")

	return visible
}

// IsDeletable reports whether the version in slot can still be
// invalidated: its end commit id is MaxCommitID, meaning no other
// transaction has deleted it. Called after latching.
func (h *TileGroupHeader) IsDeletable(slot, txnID, cid uint64) bool {
	_ = txnID
	_ = cid
	return h.slots[slot].endCID.Load() == MaxCommitID
}
