package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewManager(rdb, ttl), mr
}

func TestReserveCommitCycle(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	existing, reserved, err := m.Reserve(ctx, ScopeSessionCreate, "req-1")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Empty(t, existing)

	require.NoError(t, m.Commit(ctx, ScopeSessionCreate, "req-1", "42"))

	// A repeat request folds the committed value into its response.
	existing, reserved, err = m.Reserve(ctx, ScopeSessionCreate, "req-1")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "42", existing)
}

func TestReserveWhilePending(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	_, reserved, err := m.Reserve(ctx, ScopeSessionCommand, "cmd-1")
	require.NoError(t, err)
	require.True(t, reserved)

	// Second caller sees an in-flight reservation: no value, not reserved.
	existing, reserved, err := m.Reserve(ctx, ScopeSessionCommand, "cmd-1")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Empty(t, existing)
}

func TestReleaseReopensKey(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	_, reserved, err := m.Reserve(ctx, ScopeSessionCreate, "req-2")
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, m.Release(ctx, ScopeSessionCreate, "req-2"))

	_, reserved, err = m.Reserve(ctx, ScopeSessionCreate, "req-2")
	require.NoError(t, err)
	assert.True(t, reserved, "released key must be reservable again")
}

func TestScopesAreIsolated(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	_, reserved, err := m.Reserve(ctx, ScopeSessionCreate, "same-key")
	require.NoError(t, err)
	require.True(t, reserved)

	_, reserved, err = m.Reserve(ctx, ScopeSessionCommand, "same-key")
	require.NoError(t, err)
	assert.True(t, reserved, "scopes must not collide on the same key")
}

func TestReservationExpires(t *testing.T) {
	m, mr := newTestManager(t, MinTTL)
	ctx := context.Background()

	_, reserved, err := m.Reserve(ctx, ScopeSessionAssign, "assign-1")
	require.NoError(t, err)
	require.True(t, reserved)

	mr.FastForward(MinTTL + time.Second)

	_, reserved, err = m.Reserve(ctx, ScopeSessionAssign, "assign-1")
	require.NoError(t, err)
	assert.True(t, reserved, "expired reservation must be reservable")
}

func TestTTLFloorAndDefault(t *testing.T) {
	m, _ := newTestManager(t, 5*time.Second)
	assert.Equal(t, MinTTL, m.TTL(), "TTL below floor is raised")

	m, _ = newTestManager(t, 0)
	assert.Equal(t, DefaultTTL, m.TTL())

	m, _ = newTestManager(t, 2*time.Hour)
	assert.Equal(t, 2*time.Hour, m.TTL())
}

func TestWaitCommitted(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	_, reserved, err := m.Reserve(ctx, ScopeSessionCreate, "slow-req")
	require.NoError(t, err)
	require.True(t, reserved)

	go func() {
		time.Sleep(120 * time.Millisecond)
		_ = m.Commit(context.Background(), ScopeSessionCreate, "slow-req", "77")
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	val, err := m.WaitCommitted(waitCtx, ScopeSessionCreate, "slow-req")
	require.NoError(t, err)
	assert.Equal(t, "77", val)
}

func TestWaitCommittedReturnsEmptyOnRelease(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	_, reserved, err := m.Reserve(ctx, ScopeSessionCreate, "doomed-req")
	require.NoError(t, err)
	require.True(t, reserved)

	go func() {
		time.Sleep(120 * time.Millisecond)
		_ = m.Release(context.Background(), ScopeSessionCreate, "doomed-req")
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	val, err := m.WaitCommitted(waitCtx, ScopeSessionCreate, "doomed-req")
	require.NoError(t, err)
	assert.Empty(t, val)
}
