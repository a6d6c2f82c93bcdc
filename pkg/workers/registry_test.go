package workers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance registry time deterministically.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time          { return c.current }
func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestRegistry(ttl time.Duration) (*Registry, *fakeClock) {
	r := NewRegistry(ttl)
	clock := &fakeClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r.now = clock.Now
	return r, clock
}

func TestRegisterAndGet(t *testing.T) {
	r, clock := newTestRegistry(0)

	r.Register(WorkerInfo{
		ID:             "worker-a",
		Capabilities:   []string{"ssh", "powershell"},
		Environment:    "prod",
		MaxConcurrency: 4,
		CurrentLoad:    1,
	})

	w, ok := r.Get("worker-a")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), w.LastHeartbeat)
	assert.Equal(t, 3, w.AvailableSlots())
}

func TestHeartbeatRefreshesAndUpdatesLoad(t *testing.T) {
	r, clock := newTestRegistry(0)
	r.Register(WorkerInfo{ID: "worker-a", MaxConcurrency: 2})

	clock.Advance(30 * time.Second)
	load := 2
	require.True(t, r.Heartbeat("worker-a", &load))

	w, ok := r.Get("worker-a")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), w.LastHeartbeat)
	assert.Equal(t, 2, w.CurrentLoad)
	assert.Equal(t, 0, w.AvailableSlots())

	// nil load keeps the stored value.
	require.True(t, r.Heartbeat("worker-a", nil))
	w, _ = r.Get("worker-a")
	assert.Equal(t, 2, w.CurrentLoad)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r, _ := newTestRegistry(0)
	assert.False(t, r.Heartbeat("ghost", nil), "unknown workers must re-register")
}

func TestListFiltersByCapabilitySubsetAndEnvironment(t *testing.T) {
	r, _ := newTestRegistry(0)
	r.Register(WorkerInfo{ID: "a", Capabilities: []string{"ssh", "powershell"}, Environment: "prod", MaxConcurrency: 1})
	r.Register(WorkerInfo{ID: "b", Capabilities: []string{"ssh"}, Environment: "staging", MaxConcurrency: 1})

	got := r.List(Filter{Capabilities: []string{"ssh", "powershell"}, Environment: "prod"})
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	// Capability subset alone.
	got = r.List(Filter{Capabilities: []string{"ssh"}})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestListFiltersBySegment(t *testing.T) {
	r, _ := newTestRegistry(0)
	r.Register(WorkerInfo{ID: "a", Segment: "dmz", MaxConcurrency: 1})
	r.Register(WorkerInfo{ID: "b", Segment: "core", MaxConcurrency: 1})

	got := r.List(Filter{Segment: "dmz"})
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestTTLEviction(t *testing.T) {
	r, clock := newTestRegistry(60 * time.Second)
	r.Register(WorkerInfo{ID: "a", Capabilities: []string{"ssh"}, MaxConcurrency: 1})
	r.Register(WorkerInfo{ID: "b", Capabilities: []string{"ssh"}, MaxConcurrency: 1})

	// Heartbeat keeps one alive past the eviction horizon.
	clock.Advance(45 * time.Second)
	require.True(t, r.Heartbeat("a", nil))

	clock.Advance(30 * time.Second) // b silent for 75s, a for 30s
	got := r.List(Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, 1, r.Len(), "stale worker must be removed, not just hidden")

	// Past TTL with no heartbeats, everyone goes.
	clock.Advance(61 * time.Second)
	assert.Empty(t, r.List(Filter{}))
	assert.Equal(t, 0, r.Len())
}

func TestCleanupStaleReturnsEvictionCount(t *testing.T) {
	r, clock := newTestRegistry(60 * time.Second)
	r.Register(WorkerInfo{ID: "a", MaxConcurrency: 1})
	r.Register(WorkerInfo{ID: "b", MaxConcurrency: 1})

	clock.Advance(61 * time.Second)
	assert.Equal(t, 2, r.CleanupStale())
	assert.Equal(t, 0, r.CleanupStale())
}

func TestSnapshotIsolation(t *testing.T) {
	r, _ := newTestRegistry(0)
	r.Register(WorkerInfo{ID: "a", Capabilities: []string{"ssh"}, MaxConcurrency: 1})

	w, _ := r.Get("a")
	w.Capabilities[0] = "mutated"

	fresh, _ := r.Get("a")
	assert.Equal(t, "ssh", fresh.Capabilities[0], "Get must return a copy")
}

func TestRemove(t *testing.T) {
	r, _ := newTestRegistry(0)
	r.Register(WorkerInfo{ID: "a", MaxConcurrency: 1})
	r.Remove("a")
	_, ok := r.Get("a")
	assert.False(t, ok)
}
