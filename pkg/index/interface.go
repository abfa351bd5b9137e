// pkg/index/interface.go
// Package index defines the engine-neutral interface for ordered
// multimap indexes. The database core talks to this interface; the
// concrete engine (the Bw-Tree) registers itself with the factory.
package index

// Options carries the caller-supplied key and value behavior handed to
// an engine at creation time.
type Options struct {
	// KeyCompare orders keys; KeyEqual and KeyHash must agree with it.
	KeyCompare func(a, b []byte) int
	KeyEqual   func(a, b []byte) bool
	KeyHash    func(k []byte) uint64

	// ValueEqual and ValueHash identify values stored under one key.
	ValueEqual func(a, b []byte) bool
	ValueHash  func(v []byte) uint64

	// StartGC runs the engine's background garbage collector. When
	// false the host must call PerformGarbageCollection periodically.
	StartGC bool
}

// Index is the interface for ordered multimap index operations.
type Index interface {
	// Insert installs (key, value) unless an equal pair already exists.
	Insert(key, value []byte) bool

	// ConditionalInsert installs (key, value) only when predicate holds
	// neither for the candidate value nor for any value already stored
	// under key, and the exact pair is absent. It returns (inserted,
	// predicateTriggered).
	ConditionalInsert(key, value []byte, predicate func(value []byte) bool) (bool, bool)

	// Delete removes the matching pair; false when no match exists.
	Delete(key, value []byte) bool

	// GetValue collects all values stored under key.
	GetValue(key []byte) [][]byte

	// Cursor creates a new cursor for ordered iteration.
	Cursor() Cursor

	// NeedGarbageCollection reports whether reclaimable garbage waits.
	NeedGarbageCollection() bool

	// PerformGarbageCollection runs one reclamation pass.
	PerformGarbageCollection()

	// Close shuts the engine down and drains its garbage.
	Close() error
}

// Cursor is the interface for ordered index iteration.
type Cursor interface {
	// First moves the cursor to the first entry
	First()

	// Seek moves the cursor to the first entry whose key is >= key
	Seek(key []byte)

	// Next moves the cursor to the next entry
	Next()

	// Prev moves the cursor to the previous entry
	Prev()

	// Valid returns true if the cursor points to a valid entry
	Valid() bool

	// Key returns the current key (nil if not valid)
	Key() []byte

	// Value returns the current value (nil if not valid)
	Value() []byte

	// Close releases resources held by the cursor
	Close()
}
