package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/runforge/runforge/pkg/audit"
	"github.com/runforge/runforge/pkg/bus"
	"github.com/runforge/runforge/pkg/redact"
	"github.com/runforge/runforge/pkg/services"
)

// Publisher writes session events through the full delivery pipeline:
// stream append, durable row, audit record. See the package doc for
// ordering and failure semantics.
//
// Each public method accepts a specific typed payload struct — see
// payloads.go. Internally, payloads are sanitized, enveloped, and
// routed through Publish.
type Publisher struct {
	bus     bus.Bus
	events  *services.EventService
	sink    audit.Sink
	stream  string // events stream name
	enabled bool   // false skips the bus append, rows still written
}

// NewPublisher creates a Publisher. sink must be non-nil; pass
// audit.NoopSink{} when auditing is off. enabled mirrors the worker
// orchestration switch: when false, events are persisted but never
// put on the wire.
func NewPublisher(b bus.Bus, events *services.EventService, sink audit.Sink, stream string, enabled bool) *Publisher {
	return &Publisher{bus: b, events: events, sink: sink, stream: stream, enabled: enabled}
}

// --- Typed public methods ---

// SessionCreated publishes a session.created event.
// Fired once, after the session row and its flattened steps are persisted.
func (p *Publisher) SessionCreated(ctx context.Context, sessionID int, payload SessionCreatedPayload) error {
	m, err := payloadMap(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, EventTypeSessionCreated, m, nil)
}

// CommandRequested publishes a session.command.requested event.
// Fired when a command frame is handed to the command stream.
func (p *Publisher) CommandRequested(ctx context.Context, sessionID int, payload CommandRequestedPayload) error {
	m, err := payloadMap(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, EventTypeCommandRequested, m, &payload.StepNumber)
}

// CommandStarted publishes a session.command.started event.
// Fired when a worker reports execution began.
func (p *Publisher) CommandStarted(ctx context.Context, sessionID int, payload CommandStartedPayload) error {
	m, err := payloadMap(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, EventTypeCommandStarted, m, &payload.StepNumber)
}

// CommandOutput publishes a session.command.output event.
// Long commands may fire several of these before completion.
func (p *Publisher) CommandOutput(ctx context.Context, sessionID int, payload CommandOutputPayload) error {
	m, err := payloadMap(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, EventTypeCommandOutput, m, &payload.StepNumber)
}

// CommandCompleted publishes a session.command.completed event, built
// from the worker's result frame or the local connector's result.
func (p *Publisher) CommandCompleted(ctx context.Context, sessionID int, payload CommandCompletedPayload) error {
	m, err := payloadMap(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, EventTypeCommandCompleted, m, &payload.StepNumber)
}

// StepCompleted publishes a session.step.completed event after the
// step row is stamped, success or not.
func (p *Publisher) StepCompleted(ctx context.Context, sessionID int, payload StepCompletedPayload) error {
	m, err := payloadMap(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, EventTypeStepCompleted, m, &payload.StepNumber)
}

// StateTransition publishes a session.state.transition event. The
// transition metric is counted by the session service, which is the
// single writer of status changes; this method only records the
// timeline entry.
func (p *Publisher) StateTransition(ctx context.Context, sessionID int, payload StateTransitionPayload) error {
	m, err := payloadMap(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, EventTypeStateTransition, m, nil)
}

// WaitingApproval publishes a session.waiting_approval event when
// execution parks at an approval-gated step.
func (p *Publisher) WaitingApproval(ctx context.Context, sessionID int, payload WaitingApprovalPayload) error {
	m, err := payloadMap(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, EventTypeWaitingApproval, m, &payload.StepNumber)
}

// Approved publishes a session.approved event.
func (p *Publisher) Approved(ctx context.Context, sessionID int, payload ApprovedPayload) error {
	m, err := payloadMap(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, EventTypeApproved, m, &payload.StepNumber)
}

// Rejected publishes a session.rejected event. The session.failed
// event follows from the caller; rejection itself is terminal.
func (p *Publisher) Rejected(ctx context.Context, sessionID int, payload RejectedPayload) error {
	m, err := payloadMap(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, EventTypeRejected, m, &payload.StepNumber)
}

// RollbackStarted publishes a session.rollback.started event.
func (p *Publisher) RollbackStarted(ctx context.Context, sessionID int, payload RollbackStartedPayload) error {
	m, err := payloadMap(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, EventTypeRollbackStarted, m, nil)
}

// RollbackCompleted publishes a session.rollback.completed event.
func (p *Publisher) RollbackCompleted(ctx context.Context, sessionID int, payload RollbackCompletedPayload) error {
	m, err := payloadMap(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, EventTypeRollbackCompleted, m, nil)
}

// SessionCompleted publishes a session.completed event.
func (p *Publisher) SessionCompleted(ctx context.Context, sessionID int, payload SessionCompletedPayload) error {
	m, err := payloadMap(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, EventTypeSessionCompleted, m, nil)
}

// SessionFailed publishes a session.failed event. The envelope carries
// the failing step when the payload names one.
func (p *Publisher) SessionFailed(ctx context.Context, sessionID int, payload SessionFailedPayload) error {
	m, err := payloadMap(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, sessionID, EventTypeSessionFailed, m, payload.StepNumber)
}

// --- Core pipeline ---

// Publish sends one event through the delivery pipeline: sanitize the
// payload, build the envelope, append to the events stream (when
// enabled), persist the event row, record to the audit sink. The bus
// append failing aborts before the row; the audit sink failing only
// logs.
func (p *Publisher) Publish(ctx context.Context, sessionID int, eventType string, payload map[string]any, stepNumber *int) error {
	envelope := map[string]any{
		"event":       eventType,
		"session_id":  sessionID,
		"step_number": nil,
		"payload":     redact.Sanitize(payload),
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if stepNumber != nil {
		envelope["step_number"] = *stepNumber
	}

	streamID := ""
	if p.enabled {
		wire, err := json.Marshal(envelope)
		if err != nil {
			return fmt.Errorf("failed to marshal event envelope: %w", err)
		}
		streamID, err = p.bus.Publish(ctx, p.stream, wire)
		if err != nil {
			return fmt.Errorf("failed to publish %s to events stream: %w", eventType, err)
		}
	}

	if _, err := p.events.AppendEvent(ctx, sessionID, eventType, stepNumber, envelope, streamID); err != nil {
		return fmt.Errorf("failed to persist %s event: %w", eventType, err)
	}

	if p.sink.Enabled() {
		if err := p.sink.Record(ctx, sessionID, eventType, envelope); err != nil {
			slog.Warn("Failed to record audit entry",
				"session_id", sessionID, "event", eventType, "error", err)
		}
	}

	return nil
}

// payloadMap converts a typed payload struct to the generic map form
// the envelope carries. Round-tripping through JSON keeps the stored
// document identical to what the struct's tags declare.
func payloadMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return m, nil
}
