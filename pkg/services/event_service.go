package services

import (
	"context"
	"fmt"
	"time"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/ent/executionevent"
	"github.com/runforge/runforge/ent/executionsession"
	"github.com/runforge/runforge/pkg/models"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
)

// EventService persists the execution event timeline
type EventService struct {
	client *ent.Client
}

// NewEventService creates a new EventService
func NewEventService(client *ent.Client) *EventService {
	return &EventService{client: client}
}

// AppendEvent stores one published envelope and advances the session's
// event cursor. payload is the full envelope as it went on the wire;
// streamID is the bus entry id, empty when stream publishing is off.
func (s *EventService) AppendEvent(httpCtx context.Context, sessionID int, eventType string, stepNumber *int, payload map[string]any, streamID string) (*ent.ExecutionEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	builder := s.client.ExecutionEvent.Create().
		SetSessionID(sessionID).
		SetEventType(eventType).
		SetPayload(payload).
		SetNillableStepNumber(stepNumber)
	if streamID != "" {
		builder.SetStreamID(streamID)
	}

	evt, err := builder.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	// Monotonic cursor advance; a concurrent higher write wins.
	_, err = s.client.ExecutionSession.Update().
		Where(
			executionsession.IDEQ(sessionID),
			executionsession.LastEventSeqLT(int64(evt.ID)),
		).
		SetLastEventSeq(int64(evt.ID)).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to advance event cursor: %w", err)
	}

	return evt, nil
}

// List returns a session's events with id greater than sinceID, oldest
// first, unwrapping the stored envelope for readback.
func (s *EventService) List(ctx context.Context, sessionID, sinceID, limit int) (*models.EventsResponse, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	rows, err := s.client.ExecutionEvent.Query().
		Where(
			executionevent.SessionIDEQ(sessionID),
			executionevent.IDGT(sinceID),
		).
		Order(ent.Asc(executionevent.FieldID)).
		Limit(limit).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	resp := &models.EventsResponse{
		SessionID: sessionID,
		Events:    make([]models.EventRecord, 0, len(rows)),
		LastID:    sinceID,
	}
	for _, row := range rows {
		resp.Events = append(resp.Events, recordFromRow(row))
		resp.LastID = row.ID
	}
	return resp, nil
}

// recordFromRow unwraps the persisted envelope: callers see the inner
// application payload and the envelope timestamp, not the wire framing.
func recordFromRow(evt *ent.ExecutionEvent) models.EventRecord {
	rec := models.EventRecord{
		ID:         evt.ID,
		SessionID:  evt.SessionID,
		StepNumber: evt.StepNumber,
		EventType:  evt.EventType,
		Payload:    evt.Payload,
		Timestamp:  evt.CreatedAt,
		StreamID:   evt.StreamID,
	}
	if inner, ok := evt.Payload["payload"].(map[string]any); ok {
		rec.Payload = inner
	}
	if ts, ok := evt.Payload["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = parsed
		}
	}
	return rec
}

// CleanupOldEvents removes events older than the retention period.
// Session deletion cascades its events; this catches long-lived
// sessions whose early timeline is no longer useful.
func (s *EventService) CleanupOldEvents(ctx context.Context, ttlDays int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(ttlDays) * 24 * time.Hour)

	writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := s.client.ExecutionEvent.Delete().
		Where(executionevent.CreatedAtLT(cutoff)).
		Exec(writeCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old events: %w", err)
	}

	return count, nil
}
