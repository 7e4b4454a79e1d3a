package portalloc

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorderStub counts recorder calls
type recorderStub struct {
	mu        sync.Mutex
	leases    int
	releases  map[string]int
	exhausted int
	leased    int
	available int
}

func (r *recorderStub) RecordLease() {
	r.mu.Lock()
	r.leases++
	r.mu.Unlock()
}

func (r *recorderStub) RecordRelease(reason string) {
	r.mu.Lock()
	if r.releases == nil {
		r.releases = make(map[string]int)
	}
	r.releases[reason]++
	r.mu.Unlock()
}

func (r *recorderStub) RecordExhausted() {
	r.mu.Lock()
	r.exhausted++
	r.mu.Unlock()
}

func (r *recorderStub) SetPoolStats(leased, available int) {
	r.mu.Lock()
	r.leased, r.available = leased, available
	r.mu.Unlock()
}

// newTestAllocator creates an allocator over [min, max] with a fake clock
func newTestAllocator(t *testing.T, min, max uint16) (*Allocator, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	a, err := New(Config{MinPort: min, MaxPort: max, Now: clock.Now})
	require.NoError(t, err)
	return a, clock
}

// assertPoolInvariant checks leases + available == pool size and index consistency
func assertPoolInvariant(t *testing.T, a *Allocator) {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()

	assert.Equal(t, len(a.free), len(a.leases)+a.available, "leases + available must equal pool size")
	assert.Equal(t, len(a.leases), len(a.byPort), "byPort index out of sync")
	for tempID, lease := range a.leases {
		assert.Equal(t, tempID, a.byPort[lease.Port])
		assert.False(t, a.free[lease.Port-a.minPort], "leased port %d marked free", lease.Port)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewAllocator(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		a, err := New(Config{})
		require.NoError(t, err)
		assert.Equal(t, 1000, a.AvailableCount())
	})

	t.Run("invalid range", func(t *testing.T) {
		_, err := New(Config{MinPort: 9010, MaxPort: 9000})
		assert.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("single port", func(t *testing.T) {
		a, err := New(Config{MinPort: 9000, MaxPort: 9000})
		require.NoError(t, err)
		assert.Equal(t, 1, a.AvailableCount())
	})
}

func TestAssignPort(t *testing.T) {
	a, _ := newTestAllocator(t, 9000, 9009)

	port, err := a.AssignPort("a", NoPreference)
	require.NoError(t, err)
	assert.Equal(t, uint16(9000), port, "lowest available port is chosen")

	got, ok := a.GetPort("a")
	require.True(t, ok)
	assert.Equal(t, port, got)

	owner, ok := a.GetPluginAt(port)
	require.True(t, ok)
	assert.Equal(t, types.TempID("a"), owner)

	assert.Equal(t, 9, a.AvailableCount())
	assertPoolInvariant(t, a)
}

func TestAssignPortIsIdempotent(t *testing.T) {
	a, _ := newTestAllocator(t, 9000, 9009)

	first, err := a.AssignPort("a", NoPreference)
	require.NoError(t, err)
	second, err := a.AssignPort("a", 9005)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 9, a.AvailableCount(), "repeat request must not consume another port")
	assertPoolInvariant(t, a)
}

func TestAssignPortPreferred(t *testing.T) {
	tests := []struct {
		name      string
		preferred int
		taken     []int
		want      uint16
	}{
		{name: "free preferred is honoured", preferred: 9004, want: 9004},
		{name: "out of range falls back", preferred: 12000, want: 9000},
		{name: "negative means none", preferred: -1, want: 9000},
		{name: "taken preferred falls back", preferred: 9000, taken: []int{9000}, want: 9001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAllocator(t, 9000, 9009)
			for i, p := range tt.taken {
				_, err := a.AssignPort(types.TempID(fmt.Sprintf("other-%d", i)), p)
				require.NoError(t, err)
			}

			port, err := a.AssignPort("a", tt.preferred)
			require.NoError(t, err)
			assert.Equal(t, tt.want, port)
			assertPoolInvariant(t, a)
		})
	}
}

func TestAssignPortRejectsEmptyTempID(t *testing.T) {
	a, _ := newTestAllocator(t, 9000, 9001)
	_, err := a.AssignPort("", NoPreference)
	assert.ErrorIs(t, err, ErrInvalidTempID)
	assert.Equal(t, 2, a.AvailableCount())
}

func TestExhaustionAndReuse(t *testing.T) {
	rec := &recorderStub{}
	a, err := New(Config{MinPort: 9000, MaxPort: 9002, Recorder: rec})
	require.NoError(t, err)

	for i, id := range []types.TempID{"p1", "p2", "p3"} {
		port, err := a.AssignPort(id, NoPreference)
		require.NoError(t, err)
		assert.Equal(t, uint16(9000+i), port)
	}

	_, err = a.AssignPort("p4", NoPreference)
	assert.ErrorIs(t, err, ErrPortExhausted)
	assert.Equal(t, 0, a.AvailableCount())

	assert.True(t, a.ReleasePort(9001))
	port, err := a.AssignPort("p5", NoPreference)
	require.NoError(t, err)
	assert.Equal(t, uint16(9001), port)

	assert.Equal(t, 4, rec.leases)
	assert.Equal(t, 1, rec.exhausted)
	assert.Equal(t, 1, rec.releases["explicit"])
	assert.Equal(t, 3, rec.leased)
	assert.Equal(t, 0, rec.available)
	assertPoolInvariant(t, a)
}

func TestConfirmBinding(t *testing.T) {
	a, _ := newTestAllocator(t, 9000, 9009)
	port, err := a.AssignPort("a", NoPreference)
	require.NoError(t, err)

	t.Run("mismatched port leaves lease unconfirmed", func(t *testing.T) {
		assert.False(t, a.ConfirmBinding("a", port+1))
		assert.ErrorIs(t, a.Confirm("a", port+1), ErrAssignmentMismatch)
		assert.False(t, a.Leases()[0].Confirmed)
	})

	t.Run("unknown plugin", func(t *testing.T) {
		assert.False(t, a.ConfirmBinding("ghost", port))
		assert.ErrorIs(t, a.Confirm("ghost", port), ErrLeaseNotFound)
	})

	t.Run("matching port confirms", func(t *testing.T) {
		assert.True(t, a.ConfirmBinding("a", port))
		assert.True(t, a.Leases()[0].Confirmed)
		assert.Equal(t, 1, a.Stats()["confirmed"])
	})
}

func TestReleaseIsNoOpWhenNothingLeased(t *testing.T) {
	a, _ := newTestAllocator(t, 9000, 9009)

	assert.False(t, a.ReleasePort(9003))
	assert.False(t, a.ReleasePortForPlugin("ghost"))
	assert.Equal(t, 10, a.AvailableCount())
	assertPoolInvariant(t, a)
}

func TestReleasePortForPlugin(t *testing.T) {
	a, _ := newTestAllocator(t, 9000, 9009)
	port, err := a.AssignPort("a", NoPreference)
	require.NoError(t, err)

	assert.True(t, a.ReleasePortForPlugin("a"))
	_, ok := a.GetPort("a")
	assert.False(t, ok)
	_, ok = a.GetPluginAt(port)
	assert.False(t, ok)
	assert.Equal(t, 10, a.AvailableCount())
	assertPoolInvariant(t, a)
}

func TestCleanupStale(t *testing.T) {
	a, clock := newTestAllocator(t, 9000, 9009)

	_, err := a.AssignPort("old-unconfirmed", NoPreference)
	require.NoError(t, err)
	oldConfirmed, err := a.AssignPort("old-confirmed", NoPreference)
	require.NoError(t, err)
	require.True(t, a.ConfirmBinding("old-confirmed", oldConfirmed))

	clock.Advance(20 * time.Second)
	_, err = a.AssignPort("fresh", NoPreference)
	require.NoError(t, err)

	clock.Advance(15 * time.Second)
	reclaimed := a.CleanupStale(30 * time.Second)

	assert.Equal(t, 1, reclaimed)
	_, ok := a.GetPort("old-unconfirmed")
	assert.False(t, ok, "stale unconfirmed lease must be reclaimed")
	_, ok = a.GetPort("old-confirmed")
	assert.True(t, ok, "confirmed leases are never reclaimed")
	_, ok = a.GetPort("fresh")
	assert.True(t, ok, "young leases survive")
	assertPoolInvariant(t, a)
}

func TestLeasedPortsSorted(t *testing.T) {
	a, _ := newTestAllocator(t, 9000, 9009)
	for _, p := range []int{9007, 9002, 9005} {
		_, err := a.AssignPort(types.TempID(fmt.Sprintf("p%d", p)), p)
		require.NoError(t, err)
	}
	assert.Equal(t, []uint16{9002, 9005, 9007}, a.LeasedPorts())
}

func TestStats(t *testing.T) {
	a, _ := newTestAllocator(t, 9000, 9004)
	p, _ := a.AssignPort("a", NoPreference)
	_, _ = a.AssignPort("b", NoPreference)
	a.ConfirmBinding("a", p)

	assert.Equal(t, map[string]int{
		"leased":    2,
		"confirmed": 1,
		"available": 3,
		"pool_size": 5,
	}, a.Stats())
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentAssignUniqueness(t *testing.T) {
	a, _ := newTestAllocator(t, 9000, 9099)

	const workers = 150
	var wg sync.WaitGroup
	ports := make(chan uint16, workers)
	var exhausted sync.Map

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := types.TempID(fmt.Sprintf("plugin-%d", i))
			port, err := a.AssignPort(id, NoPreference)
			if err != nil {
				exhausted.Store(id, err)
				return
			}
			ports <- port
		}(i)
	}
	wg.Wait()
	close(ports)

	seen := make(map[uint16]bool)
	for p := range ports {
		assert.False(t, seen[p], "port %d leased twice", p)
		seen[p] = true
	}
	assert.Len(t, seen, 100)

	failures := 0
	exhausted.Range(func(_, v any) bool {
		assert.ErrorIs(t, v.(error), ErrPortExhausted)
		failures++
		return true
	})
	assert.Equal(t, 50, failures)
	assertPoolInvariant(t, a)
}

func TestConcurrentMixedOperations(t *testing.T) {
	a, clock := newTestAllocator(t, 9000, 9019)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := types.TempID(fmt.Sprintf("p-%d", i))
			for j := 0; j < 50; j++ {
				port, err := a.AssignPort(id, NoPreference)
				if err == nil {
					if j%3 == 0 {
						a.ConfirmBinding(id, port)
					}
					if j%2 == 0 {
						a.ReleasePortForPlugin(id)
					}
				}
				if j%10 == 0 {
					clock.Advance(time.Second)
					a.CleanupStale(5 * time.Second)
				}
				_ = a.LeasedPorts()
			}
		}(i)
	}
	wg.Wait()

	assertPoolInvariant(t, a)
}
