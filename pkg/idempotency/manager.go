// Package idempotency provides at-most-once reservation of logical
// operation keys. Callers reserve a (scope, key) pair before producing a
// side effect, commit the canonical result value on success, and release
// on failure so a retry can take over.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reservation scopes used by the orchestrator.
const (
	ScopeSessionCreate  = "session.create"
	ScopeSessionCommand = "session.command"
	ScopeSessionAssign  = "session.assign"
)

const (
	// DefaultTTL bounds the dedup window when no TTL is configured.
	DefaultTTL = 24 * time.Hour
	// MinTTL is the floor applied to configured TTLs.
	MinTTL = 60 * time.Second

	// pendingMarker occupies a key between Reserve and Commit.
	pendingMarker = "__pending__"
)

// Manager implements the reserve/commit/release contract on Redis.
// The client is shared with the stream bus and owned by the caller.
type Manager struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewManager wraps an existing client. ttl values below the floor are
// raised to it; zero selects the default window.
func NewManager(rdb *redis.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl < MinTTL {
		ttl = MinTTL
	}
	return &Manager{rdb: rdb, ttl: ttl}
}

// TTL returns the effective reservation window.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func reservationKey(scope, key string) string {
	return fmt.Sprintf("idem:%s:%s", scope, key)
}

// Reserve attempts to claim (scope, key). Outcomes:
//   - reserved=true: this caller holds the reservation and must Commit
//     or Release.
//   - reserved=false, existing != "": a committed value exists; fold it
//     into the response instead of repeating the effect.
//   - reserved=false, existing == "": another reservation is in flight;
//     use WaitCommitted or report a conflict.
func (m *Manager) Reserve(ctx context.Context, scope, key string) (existing string, reserved bool, err error) {
	redisKey := reservationKey(scope, key)
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := m.rdb.SetNX(ctx, redisKey, pendingMarker, m.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("reserving %s: %w", redisKey, err)
		}
		if ok {
			return "", true, nil
		}
		val, err := m.rdb.Get(ctx, redisKey).Result()
		if err == redis.Nil {
			// Holder released between SetNX and Get; try again.
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("reading reservation %s: %w", redisKey, err)
		}
		if val == pendingMarker {
			return "", false, nil
		}
		return val, false, nil
	}
	return "", false, fmt.Errorf("reserving %s: lost race twice", redisKey)
}

// Commit stores the canonical value and resets the TTL window.
func (m *Manager) Commit(ctx context.Context, scope, key, value string) error {
	redisKey := reservationKey(scope, key)
	if err := m.rdb.Set(ctx, redisKey, value, m.ttl).Err(); err != nil {
		return fmt.Errorf("committing %s: %w", redisKey, err)
	}
	return nil
}

// Release erases a reservation after the guarded operation failed so a
// later retry can reserve again.
func (m *Manager) Release(ctx context.Context, scope, key string) error {
	redisKey := reservationKey(scope, key)
	if err := m.rdb.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("releasing %s: %w", redisKey, err)
	}
	return nil
}

// WaitCommitted polls until the in-flight holder commits, the
// reservation disappears, or the context expires. Returns the committed
// value, or "" when the reservation vanished (holder released).
func (m *Manager) WaitCommitted(ctx context.Context, scope, key string) (string, error) {
	redisKey := reservationKey(scope, key)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		val, err := m.rdb.Get(ctx, redisKey).Result()
		if err == redis.Nil {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("polling reservation %s: %w", redisKey, err)
		}
		if val != pendingMarker {
			return val, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
