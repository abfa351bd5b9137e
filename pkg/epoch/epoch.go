// pkg/epoch/epoch.go
// Package epoch implements coarse-grained quiescent-state memory
// reclamation for lock-free data structures.
//
// The algorithm works as follows:
// 1. The global epoch is a monotonically increasing counter
// 2. Workers join an epoch before touching shared state and leave when done
// 3. Unlinked objects are tagged with the epoch current at unlink time
// 4. An object is released only once every worker's last-active epoch is
//    strictly newer than the object's tag, so no worker can still hold a
//    reference to it
package epoch

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/cpu"
)

var errNoFreeFunc = errors.New("epoch: Config.Free is required")

// quiescent marks a thread slot whose owner is between operations.
// It is the maximum epoch value, so quiescent threads never hold back
// the reclamation horizon.
const quiescent = ^uint64(0)

const (
	// DefaultGarbageThreshold is the per-thread garbage list length that
	// triggers a reclamation pass.
	DefaultGarbageThreshold = 1024

	// DefaultAdvanceInterval is how often the background advancer bumps
	// the global epoch.
	DefaultAdvanceInterval = 40 * time.Millisecond
)

var log = logrus.WithField("component", "epoch")

// FreeFunc releases one garbage item once no thread can still reference
// it. The owner of the manager supplies it at construction; for the
// Bw-Tree it is the recursive delta-chain walker.
type FreeFunc func(item any)

// Config configures a Manager.
type Config struct {
	// Free is invoked for every reclaimed item. Required.
	Free FreeFunc

	// GarbageThreshold is the per-thread list length that triggers
	// reclamation. Zero means DefaultGarbageThreshold.
	GarbageThreshold int

	// AdvanceInterval is the background advancer period. Zero means
	// DefaultAdvanceInterval.
	AdvanceInterval time.Duration

	// StartAdvancer starts a goroutine that periodically advances the
	// global epoch. When false the host must call Advance itself.
	StartAdvancer bool
}

// Verify returns an error description of an invalid configuration, or nil.
func (c Config) Verify() error {
	if c.Free == nil {
		return errNoFreeFunc
	}
	return nil
}

type garbageNode struct {
	item  any
	epoch uint64
	next  *garbageNode
}

// Thread is the per-worker reclamation state: the worker's last-active
// epoch and its epoch-tagged garbage list. A Thread is owned by exactly
// one goroutine between Join and Leave; the padding keeps the hot
// last-active word on its own cache line.
type Thread struct {
	_          cpu.CacheLinePad
	lastActive atomic.Uint64

	// mu guards the garbage list. It is uncontended on the fast path
	// (only the owning goroutine appends); a global reclamation pass or
	// drain may take it briefly from another goroutine.
	mu    sync.Mutex
	head  *garbageNode // oldest
	tail  *garbageNode // newest
	count int

	mgr      *Manager
	id       uint32 // index into the registry, fixed at registration
	idleNext atomic.Uint32 // registry index + 1 of the next idle thread; 0 terminates
	_        cpu.CacheLinePad
}

// Manager tracks the global epoch, the registered threads, and their
// garbage lists.
type Manager struct {
	globalEpoch atomic.Uint64

	// threads is a copy-on-write snapshot of every registered Thread,
	// scanned when computing the reclamation horizon.
	threads atomic.Pointer[[]*Thread]

	// idleTop is the head of the idle-thread stack, packed as
	// version<<32 | registryIndex+1. The version half makes the CAS
	// immune to ABA when the same thread is popped and re-pushed.
	idleTop   atomic.Uint64
	threadsMu sync.Mutex // serializes registration

	free      FreeFunc
	threshold int

	pending atomic.Int64  // total unreclaimed garbage items
	freed   atomic.Uint64 // total reclaimed items, for stats

	advanceEvery time.Duration
	stop         chan struct{}
	done         chan struct{}
	closed       atomic.Bool
}

// NewManager creates an epoch manager. The epoch counter starts at 1 so
// that 0 never appears as a garbage tag.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	if cfg.GarbageThreshold == 0 {
		cfg.GarbageThreshold = DefaultGarbageThreshold
	}
	if cfg.AdvanceInterval == 0 {
		cfg.AdvanceInterval = DefaultAdvanceInterval
	}

	m := &Manager{
		free:         cfg.Free,
		threshold:    cfg.GarbageThreshold,
		advanceEvery: cfg.AdvanceInterval,
	}
	m.globalEpoch.Store(1)
	empty := make([]*Thread, 0, 8)
	m.threads.Store(&empty)

	if cfg.StartAdvancer {
		m.stop = make(chan struct{})
		m.done = make(chan struct{})
		go m.advanceLoop()
	}
	return m, nil
}

// Join records the calling goroutine as active in the current epoch and
// returns its reclamation token: an idle pooled Thread when one exists,
// otherwise a newly registered one, stamped with the current epoch.
// Every call hands out a different Thread than any still joined; a
// joined Thread's epoch is not refreshed in place.
func (m *Manager) Join() *Thread {
	t := m.popIdle()
	if t == nil {
		t = m.register()
	}
	t.lastActive.Store(m.globalEpoch.Load())
	return t
}

// Leave marks the thread quiescent and returns it to the idle pool. The
// thread's garbage list stays with it until a reclamation pass drains it.
func (t *Thread) Leave() {
	t.lastActive.Store(quiescent)
	t.mgr.pushIdle(t)
}

// AddGarbage enqueues an unlinked item on the thread's garbage list,
// tagged with the current epoch. When the list exceeds the soft
// threshold a reclamation pass runs over it.
func (t *Thread) AddGarbage(item any) {
	e := t.mgr.globalEpoch.Load()

	t.mu.Lock()
	n := &garbageNode{item: item, epoch: e}
	if t.tail == nil {
		t.head = n
	} else {
		t.tail.next = n
	}
	t.tail = n
	t.count++
	over := t.count >= t.mgr.threshold
	t.mu.Unlock()

	t.mgr.pending.Add(1)
	if over {
		t.mgr.reclaimThread(t)
	}
}

// Advance bumps the global epoch and returns the new value.
func (m *Manager) Advance() uint64 {
	return m.globalEpoch.Add(1)
}

// CurrentEpoch returns the current global epoch.
func (m *Manager) CurrentEpoch() uint64 {
	return m.globalEpoch.Load()
}

// NeedReclaim reports whether any garbage is waiting. Hosts that did not
// start the background advancer poll this to drive Reclaim.
func (m *Manager) NeedReclaim() bool {
	return m.pending.Load() > 0
}

// Pending returns the number of unreclaimed garbage items.
func (m *Manager) Pending() int64 {
	return m.pending.Load()
}

// Freed returns the total number of reclaimed items.
func (m *Manager) Freed() uint64 {
	return m.freed.Load()
}

// Reclaim runs a reclamation pass over every registered thread's garbage
// list and returns the number of items freed.
func (m *Manager) Reclaim() int {
	freed := 0
	for _, t := range *m.threads.Load() {
		freed += m.reclaimThread(t)
	}
	return freed
}

// reclaimThread frees every item on t's list whose tag is strictly older
// than the minimum last-active epoch across all threads.
func (m *Manager) reclaimThread(t *Thread) int {
	min := m.minActiveEpoch()

	// Detach the reclaimable prefix under the lock, free outside it.
	t.mu.Lock()
	var reclaimed *garbageNode
	n := 0
	for t.head != nil && t.head.epoch < min {
		g := t.head
		t.head = g.next
		g.next = reclaimed
		reclaimed = g
		n++
	}
	if t.head == nil {
		t.tail = nil
	}
	t.count -= n
	t.mu.Unlock()

	for g := reclaimed; g != nil; g = g.next {
		m.free(g.item)
	}
	if n > 0 {
		m.pending.Add(int64(-n))
		m.freed.Add(uint64(n))
		log.WithFields(logrus.Fields{"freed": n, "horizon": min}).Debug("reclaimed garbage")
	}
	return n
}

// minActiveEpoch computes the reclamation horizon: the minimum of the
// current epoch and every non-quiescent thread's last-active epoch.
func (m *Manager) minActiveEpoch() uint64 {
	min := m.globalEpoch.Load()
	for _, t := range *m.threads.Load() {
		if e := t.lastActive.Load(); e < min {
			min = e
		}
	}
	return min
}

// Close stops the advancer and drains every garbage list unconditionally.
// All workers must have left their epochs before Close is called.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	if m.stop != nil {
		close(m.stop)
		<-m.done
	}

	drained := 0
	for _, t := range *m.threads.Load() {
		t.mu.Lock()
		head := t.head
		n := t.count
		t.head, t.tail, t.count = nil, nil, 0
		t.mu.Unlock()

		for g := head; g != nil; g = g.next {
			m.free(g.item)
		}
		drained += n
	}
	if drained > 0 {
		m.pending.Add(int64(-drained))
		m.freed.Add(uint64(drained))
	}
	log.WithField("drained", drained).Debug("epoch manager closed")
}

func (m *Manager) advanceLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.advanceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Advance()
			if m.NeedReclaim() {
				m.Reclaim()
			}
		case <-m.stop:
			return
		}
	}
}

// register creates a new Thread and appends it to the copy-on-write
// registry. Registration is rare; once the pool warms up, Join reuses
// idle threads without touching the registry.
func (m *Manager) register() *Thread {
	m.threadsMu.Lock()
	old := *m.threads.Load()
	t := &Thread{mgr: m, id: uint32(len(old))}
	t.lastActive.Store(quiescent)
	next := make([]*Thread, len(old)+1)
	copy(next, old)
	next[len(old)] = t
	m.threads.Store(&next)
	m.threadsMu.Unlock()
	return t
}

func (m *Manager) pushIdle(t *Thread) {
	for {
		old := m.idleTop.Load()
		t.idleNext.Store(uint32(old))
		next := (old>>32+1)<<32 | uint64(t.id+1)
		if m.idleTop.CompareAndSwap(old, next) {
			return
		}
	}
}

func (m *Manager) popIdle() *Thread {
	for {
		old := m.idleTop.Load()
		idx := uint32(old)
		if idx == 0 {
			return nil
		}
		t := (*m.threads.Load())[idx-1]
		next := (old>>32+1)<<32 | uint64(t.idleNext.Load())
		if m.idleTop.CompareAndSwap(old, next) {
			return t
		}
	}
}
