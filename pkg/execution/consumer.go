package execution

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/pkg/bus"
	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/services"
	"github.com/runforge/runforge/pkg/workers"
)

// ResultConsumer drains the result and dead-letter streams: assignment
// acks update the assignment row, command results land on the event
// timeline, dead letters get logged for operators.
type ResultConsumer struct {
	bus       bus.Bus
	streams   bus.StreamNames
	sessions  *services.SessionService
	publisher *events.Publisher
	registry  *workers.Registry
	consumer  string
	logger    *slog.Logger
}

// NewResultConsumer creates a consumer reading as the given consumer
// name within the orchestrator group. registry may be nil (worker
// heartbeats from result frames disabled).
func NewResultConsumer(client *ent.Client, b bus.Bus, streams bus.StreamNames, publisher *events.Publisher, registry *workers.Registry, consumer string) *ResultConsumer {
	return &ResultConsumer{
		bus:       b,
		streams:   streams,
		sessions:  services.NewSessionService(client),
		publisher: publisher,
		registry:  registry,
		consumer:  consumer,
		logger:    slog.With("component", "consumer"),
	}
}

// Run consumes until the context ends. Blocking reads bound each pass,
// so cancellation is observed within one block interval.
func (rc *ResultConsumer) Run(ctx context.Context) error {
	if err := rc.bus.EnsureGroup(ctx, rc.streams.Result, rc.streams.Orchestrator); err != nil {
		return err
	}
	if err := rc.bus.EnsureGroup(ctx, rc.streams.DeadLetter, rc.streams.Orchestrator); err != nil {
		return err
	}
	rc.logger.Info("Result consumer: started",
		"group", rc.streams.Orchestrator, "consumer", rc.consumer)

	for {
		if ctx.Err() != nil {
			rc.logger.Info("Result consumer: stopping")
			return ctx.Err()
		}
		rc.drain(ctx, rc.streams.Result, rc.handleResult)
		rc.drain(ctx, rc.streams.DeadLetter, rc.handleDeadLetter)
	}
}

// drain reads one batch from the stream and acks every entry, including
// unparseable ones. Handler errors log; a poison frame must not wedge
// the group.
func (rc *ResultConsumer) drain(ctx context.Context, stream string, handle func(context.Context, bus.Entry)) {
	entries, err := rc.bus.ReadGroup(ctx, stream, rc.streams.Orchestrator, rc.consumer, 16, 500*time.Millisecond)
	if err != nil {
		if ctx.Err() == nil {
			rc.logger.Error("Result consumer: read failed", "stream", stream, "error", err)
		}
		return
	}
	for _, entry := range entries {
		handle(ctx, entry)
		if err := rc.bus.Ack(ctx, stream, rc.streams.Orchestrator, entry.ID); err != nil {
			rc.logger.Error("Result consumer: ack failed",
				"stream", stream, "entry_id", entry.ID, "error", err)
		}
	}
}

func (rc *ResultConsumer) handleResult(ctx context.Context, entry bus.Entry) {
	var frame models.ResultFrame
	if err := json.Unmarshal(entry.Payload, &frame); err != nil {
		rc.logger.Error("Result consumer: unparseable frame",
			"entry_id", entry.ID, "error", err)
		return
	}
	logger := rc.logger.With(
		"session_id", frame.SessionID,
		"worker_id", frame.WorkerID,
		"kind", frame.Kind,
	)

	// Any frame from a worker doubles as a liveness signal.
	if frame.WorkerID != "" && rc.registry != nil {
		rc.registry.Heartbeat(frame.WorkerID, nil)
	}

	switch frame.Kind {
	case models.ResultKindAck:
		if _, err := rc.sessions.AcknowledgeAssignment(ctx, frame.SessionID, frame.WorkerID); err != nil {
			logger.Error("Failed to acknowledge assignment", "error", err)
			return
		}
		logger.Info("Assignment acknowledged")

	case models.ResultKindCommandResult:
		payload := map[string]any{
			"success":     frame.Success,
			"exit_code":   frame.ExitCode,
			"output":      frame.Output,
			"error":       frame.Error,
			"duration_ms": frame.DurationMS,
			"worker_id":   frame.WorkerID,
		}
		if frame.IdempotencyKey != "" {
			payload["idempotency_key"] = frame.IdempotencyKey
		}
		if err := rc.publisher.Publish(ctx, frame.SessionID, events.EventTypeCommandCompleted, payload, nil); err != nil {
			logger.Error("Failed to record command result", "error", err)
			return
		}
		logger.Info("Command result recorded")

	default:
		logger.Warn("Result consumer: unknown frame kind")
	}
}

func (rc *ResultConsumer) handleDeadLetter(_ context.Context, entry bus.Entry) {
	rc.logger.Error("Dead-lettered frame",
		"entry_id", entry.ID, "payload", string(entry.Payload))
}
