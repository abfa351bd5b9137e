// pkg/epoch/epoch_test.go
package epoch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestManager(t *testing.T, freed *atomic.Int64) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Free: func(any) { freed.Add(1) },
	})
	require.NoError(t, err)
	return m
}

func TestManagerRequiresFreeFunc(t *testing.T) {
	_, err := NewManager(Config{})
	require.Error(t, err)
}

func TestGarbageHeldWhileThreadActive(t *testing.T) {
	var freed atomic.Int64
	m := newTestManager(t, &freed)

	reader := m.Join() // pins the current epoch

	writer := m.Join()
	writer.AddGarbage("unlinked")
	writer.Leave()

	m.Advance()
	m.Reclaim()
	require.Equal(t, int64(0), freed.Load(), "garbage freed while a thread could still hold a reference")

	reader.Leave()
	m.Advance()
	m.Reclaim()
	require.Equal(t, int64(1), freed.Load())
	require.Equal(t, int64(0), m.Pending())
}

func TestGarbageNotFreedInUnlinkEpoch(t *testing.T) {
	var freed atomic.Int64
	m := newTestManager(t, &freed)

	g := m.Join()
	g.AddGarbage("x")
	g.Leave()

	// Without an epoch advance the tag equals the horizon; strictly
	// older is required.
	m.Reclaim()
	require.Equal(t, int64(0), freed.Load())

	m.Advance()
	m.Reclaim()
	require.Equal(t, int64(1), freed.Load())
}

func TestRejoinRefreshesEpoch(t *testing.T) {
	var freed atomic.Int64
	m := newTestManager(t, &freed)

	g := m.Join()
	first := g.lastActive.Load()
	g.Leave()

	m.Advance()
	m.Advance()

	g2 := m.Join()
	require.Greater(t, g2.lastActive.Load(), first)
	g2.Leave()
}

func TestThresholdTriggersReclaim(t *testing.T) {
	var freed atomic.Int64
	m, err := NewManager(Config{
		Free:             func(any) { freed.Add(1) },
		GarbageThreshold: 8,
	})
	require.NoError(t, err)

	// Each operation joins fresh, so the thread's last-active epoch
	// advances past its older garbage tags; the pass triggered by the
	// threshold can then free the backlog.
	for i := 0; i < 12; i++ {
		g := m.Join()
		g.AddGarbage(i)
		g.Leave()
		m.Advance()
	}
	require.Greater(t, freed.Load(), int64(0))
}

func TestCloseDrainsEverything(t *testing.T) {
	var freed atomic.Int64
	m := newTestManager(t, &freed)

	g := m.Join()
	for i := 0; i < 10; i++ {
		g.AddGarbage(i)
	}
	g.Leave()

	m.Close()
	require.Equal(t, int64(10), freed.Load())
	require.Equal(t, int64(0), m.Pending())
}

func TestCloseIsIdempotent(t *testing.T) {
	var freed atomic.Int64
	m := newTestManager(t, &freed)
	m.Close()
	m.Close()
}

func TestThreadReuse(t *testing.T) {
	var freed atomic.Int64
	m := newTestManager(t, &freed)

	g1 := m.Join()
	g1.Leave()
	g2 := m.Join()
	require.Same(t, g1, g2, "idle thread should be reused")
	g2.Leave()
}

func TestConcurrentJoinLeave(t *testing.T) {
	var freed atomic.Int64
	m := newTestManager(t, &freed)

	var eg errgroup.Group
	var added atomic.Int64
	for w := 0; w < 8; w++ {
		eg.Go(func() error {
			for i := 0; i < 2000; i++ {
				g := m.Join()
				g.AddGarbage(i)
				added.Add(1)
				g.Leave()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	m.Advance()
	m.Reclaim()
	m.Close()
	require.Equal(t, added.Load(), freed.Load())
}

func TestBackgroundAdvancer(t *testing.T) {
	var freed atomic.Int64
	m, err := NewManager(Config{
		Free:            func(any) { freed.Add(1) },
		AdvanceInterval: time.Millisecond,
		StartAdvancer:   true,
	})
	require.NoError(t, err)

	start := m.CurrentEpoch()
	g := m.Join()
	g.AddGarbage("x")
	g.Leave()

	require.Eventually(t, func() bool {
		return m.CurrentEpoch() > start && freed.Load() == 1
	}, 2*time.Second, 5*time.Millisecond, "advancer should bump the epoch and reclaim")

	m.Close()
}
