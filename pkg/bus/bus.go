// Package bus provides the append-only stream transport between the
// orchestrator and its workers: assignment, command, result, event, and
// dead-letter streams with consumer-group semantics.
//
// Entries carry a single payload field holding a JSON document. Any
// transport error surfaces to the caller; the bus never drops silently.
package bus

import (
	"context"
	"time"
)

// Entry is one stream element: a totally ordered per-stream id plus the
// raw payload document.
type Entry struct {
	ID      string
	Payload []byte
}

// Bus is the contract over a persistent ordered log with consumer
// groups. Implemented by RedisBus; tests may substitute fakes.
type Bus interface {
	// Publish appends payload and returns the assigned stream id,
	// trimming to the configured default max length (approximate).
	Publish(ctx context.Context, stream string, payload []byte) (string, error)

	// PublishWithMaxLen is Publish with an explicit trim threshold.
	// maxlen <= 0 disables trimming for this entry.
	PublishWithMaxLen(ctx context.Context, stream string, payload []byte, maxlen int64, approximate bool) (string, error)

	// Read iterates entries with id greater than cursor. Use "0" to
	// read from the beginning. block <= 0 returns immediately.
	Read(ctx context.Context, stream, cursor string, count int64, block time.Duration) ([]Entry, error)

	// EnsureGroup creates the consumer group (and the stream) if
	// missing. Idempotent.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup delivers entries not yet seen by the group, fairly
	// across consumers.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Ack marks entries processed for the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Delete removes entries from the stream.
	Delete(ctx context.Context, stream string, ids ...string) error

	// Len returns the current stream length.
	Len(ctx context.Context, stream string) (int64, error)

	// Ping verifies the transport is reachable.
	Ping(ctx context.Context) error
}

// StreamNames holds the five logical stream names plus the orchestrator
// consumer group, resolved from configuration.
type StreamNames struct {
	Assign       string
	Command      string
	Result       string
	Events       string
	DeadLetter   string
	Orchestrator string // consumer group reading result/deadletter
}
