package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField is the single field name every entry is published under.
const payloadField = "payload"

// RedisBus implements Bus on Redis streams. The client is shared with
// other Redis consumers (idempotency store) and owned by the caller.
type RedisBus struct {
	rdb           *redis.Client
	defaultMaxLen int64
}

// NewRedisBus wraps an existing client. defaultMaxLen <= 0 falls back
// to 10000 entries per stream.
func NewRedisBus(rdb *redis.Client, defaultMaxLen int64) *RedisBus {
	if defaultMaxLen <= 0 {
		defaultMaxLen = 10000
	}
	return &RedisBus{rdb: rdb, defaultMaxLen: defaultMaxLen}
}

// Publish appends payload with the bus-wide default trim threshold.
func (b *RedisBus) Publish(ctx context.Context, stream string, payload []byte) (string, error) {
	return b.PublishWithMaxLen(ctx, stream, payload, b.defaultMaxLen, true)
}

// PublishWithMaxLen appends payload with an explicit trim threshold.
func (b *RedisBus) PublishWithMaxLen(ctx context.Context, stream string, payload []byte, maxlen int64, approximate bool) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: string(payload)},
	}
	if maxlen > 0 {
		args.MaxLen = maxlen
		args.Approx = approximate
	}
	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publishing to stream %s: %w", stream, err)
	}
	return id, nil
}

// Read iterates entries after cursor. A blocked read that times out
// returns an empty slice, not an error.
func (b *RedisBus) Read(ctx context.Context, stream, cursor string, count int64, block time.Duration) ([]Entry, error) {
	if cursor == "" {
		cursor = "0"
	}
	args := &redis.XReadArgs{
		Streams: []string{stream, cursor},
		Count:   count,
	}
	if block > 0 {
		args.Block = block
	} else {
		args.Block = -1 // non-blocking
	}
	res, err := b.rdb.XRead(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("reading stream %s: %w", stream, err)
	}
	return flatten(res), nil
}

// EnsureGroup creates the group with MKSTREAM so the stream exists
// before any entry is published. BUSYGROUP means it already exists.
func (b *RedisBus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("ensuring group %s on stream %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup delivers new entries for the group.
func (b *RedisBus) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
	}
	if block > 0 {
		args.Block = block
	} else {
		args.Block = -1
	}
	res, err := b.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("reading group %s on stream %s: %w", group, stream, err)
	}
	return flatten(res), nil
}

// Ack marks ids processed for the group.
func (b *RedisBus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("acking %d entries on stream %s: %w", len(ids), stream, err)
	}
	return nil
}

// Delete removes ids from the stream.
func (b *RedisBus) Delete(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.XDel(ctx, stream, ids...).Err(); err != nil {
		return fmt.Errorf("deleting %d entries from stream %s: %w", len(ids), stream, err)
	}
	return nil
}

// Len returns the stream length.
func (b *RedisBus) Len(ctx context.Context, stream string) (int64, error) {
	n, err := b.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("measuring stream %s: %w", stream, err)
	}
	return n, nil
}

// Ping verifies connectivity.
func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

// flatten converts XRead results into Entry order-preserving.
func flatten(streams []redis.XStream) []Entry {
	var entries []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			payload, _ := msg.Values[payloadField].(string)
			entries = append(entries, Entry{ID: msg.ID, Payload: []byte(payload)})
		}
	}
	return entries
}
