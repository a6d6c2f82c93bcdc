package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/ent/executionevent"
	entrunbook "github.com/runforge/runforge/ent/runbook"
	"github.com/runforge/runforge/pkg/audit"
	"github.com/runforge/runforge/pkg/bus"
	"github.com/runforge/runforge/pkg/redact"
	"github.com/runforge/runforge/pkg/services"
	testdb "github.com/runforge/runforge/test/database"
)

const eventsStream = "session.events"

// newEventsBus returns a RedisBus over a miniredis that lives for the
// duration of the test.
func newEventsBus(t *testing.T) *bus.RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return bus.NewRedisBus(rdb, 100)
}

// seedSessionRow creates the tenant/runbook/session chain a published
// event needs for its foreign keys.
func seedSessionRow(t *testing.T, client *ent.Client, tenantName string) *ent.ExecutionSession {
	t.Helper()
	ctx := context.Background()

	tenant, err := client.Tenant.Create().
		SetName(tenantName).
		Save(ctx)
	require.NoError(t, err)

	rb, err := client.Runbook.Create().
		SetTenantID(tenant.ID).
		SetTitle("Restart stuck payment workers").
		SetBody("```yaml\nsteps: []\n```").
		SetConfidence(0.9).
		SetStatus(entrunbook.StatusApproved).
		Save(ctx)
	require.NoError(t, err)

	sess, err := client.ExecutionSession.Create().
		SetTenantID(tenant.ID).
		SetRunbookID(rb.ID).
		SetTotalSteps(3).
		Save(ctx)
	require.NoError(t, err)
	return sess
}

// recordingSink captures audit records for assertions.
type recordingSink struct {
	err     error
	records []recordedAudit
}

type recordedAudit struct {
	sessionID int
	eventType string
	payload   map[string]any
}

func (s *recordingSink) Enabled() bool { return true }

func (s *recordingSink) Record(_ context.Context, sessionID int, eventType string, payload map[string]any) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, recordedAudit{sessionID: sessionID, eventType: eventType, payload: payload})
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	client := testdb.NewTestClient(t)
	eventService := services.NewEventService(client.Client)
	ctx := context.Background()

	t.Run("appends to the stream and persists the envelope", func(t *testing.T) {
		b := newEventsBus(t)
		pub := NewPublisher(b, eventService, audit.NoopSink{}, eventsStream, true)
		sess := seedSessionRow(t, client.Client, "acme")

		err := pub.Publish(ctx, sess.ID, EventTypeSessionCreated, map[string]any{
			"host":     "db-01.internal",
			"password": "hunter2",
		}, nil)
		require.NoError(t, err)

		// Wire copy decodes as the envelope, sensitive keys redacted.
		entries, err := b.Read(ctx, eventsStream, "0", 10, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		var env Envelope
		require.NoError(t, json.Unmarshal(entries[0].Payload, &env))
		assert.Equal(t, EventTypeSessionCreated, env.Event)
		assert.Equal(t, sess.ID, env.SessionID)
		assert.Nil(t, env.StepNumber)
		assert.Equal(t, "db-01.internal", env.Payload["host"])
		assert.Equal(t, redact.Redacted, env.Payload["password"])

		ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().UTC(), ts, 5*time.Second)

		// Durable row holds the same envelope plus the stream id.
		row, err := client.Client.ExecutionEvent.Query().
			Where(executionevent.SessionIDEQ(sess.ID)).
			Only(ctx)
		require.NoError(t, err)
		assert.Equal(t, EventTypeSessionCreated, row.EventType)
		assert.Equal(t, entries[0].ID, row.StreamID)
		assert.Nil(t, row.StepNumber)
		assert.Equal(t, EventTypeSessionCreated, row.Payload["event"])

		inner, ok := row.Payload["payload"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, redact.Redacted, inner["password"])

		// The session cursor tracks the highest published row.
		fresh, err := client.Client.ExecutionSession.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(row.ID), fresh.LastEventSeq)
	})

	t.Run("disabled publisher skips the stream but keeps the row", func(t *testing.T) {
		b := newEventsBus(t)
		pub := NewPublisher(b, eventService, audit.NoopSink{}, eventsStream, false)
		sess := seedSessionRow(t, client.Client, "globex")

		err := pub.Publish(ctx, sess.ID, EventTypeSessionCreated, map[string]any{"host": "web-02"}, nil)
		require.NoError(t, err)

		entries, err := b.Read(ctx, eventsStream, "0", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, entries)

		row, err := client.Client.ExecutionEvent.Query().
			Where(executionevent.SessionIDEQ(sess.ID)).
			Only(ctx)
		require.NoError(t, err)
		assert.Empty(t, row.StreamID)
	})

	t.Run("bus failure surfaces and nothing is persisted", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		pub := NewPublisher(bus.NewRedisBus(rdb, 100), eventService, audit.NoopSink{}, eventsStream, true)
		sess := seedSessionRow(t, client.Client, "initech")

		mr.Close()

		err := pub.Publish(ctx, sess.ID, EventTypeSessionCreated, map[string]any{}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "events stream")

		count, err := client.Client.ExecutionEvent.Query().
			Where(executionevent.SessionIDEQ(sess.ID)).
			Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("audit sink receives the envelope", func(t *testing.T) {
		b := newEventsBus(t)
		sink := &recordingSink{}
		pub := NewPublisher(b, eventService, sink, eventsStream, true)
		sess := seedSessionRow(t, client.Client, "umbrella")

		step := 2
		err := pub.Publish(ctx, sess.ID, EventTypeStepCompleted, map[string]any{"step_type": "main"}, &step)
		require.NoError(t, err)

		require.Len(t, sink.records, 1)
		rec := sink.records[0]
		assert.Equal(t, sess.ID, rec.sessionID)
		assert.Equal(t, EventTypeStepCompleted, rec.eventType)
		assert.Equal(t, EventTypeStepCompleted, rec.payload["event"])
		assert.Equal(t, 2, rec.payload["step_number"])
	})

	t.Run("audit sink failure does not fail the publish", func(t *testing.T) {
		b := newEventsBus(t)
		sink := &recordingSink{err: errors.New("disk full")}
		pub := NewPublisher(b, eventService, sink, eventsStream, true)
		sess := seedSessionRow(t, client.Client, "hooli")

		err := pub.Publish(ctx, sess.ID, EventTypeSessionCompleted, map[string]any{"status": "completed"}, nil)
		require.NoError(t, err)

		count, err := client.Client.ExecutionEvent.Query().
			Where(executionevent.SessionIDEQ(sess.ID)).
			Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestPublisher_TypedMethods(t *testing.T) {
	client := testdb.NewTestClient(t)
	eventService := services.NewEventService(client.Client)
	ctx := context.Background()

	t.Run("command requested is step scoped", func(t *testing.T) {
		b := newEventsBus(t)
		pub := NewPublisher(b, eventService, audit.NoopSink{}, eventsStream, true)
		sess := seedSessionRow(t, client.Client, "acme")

		err := pub.CommandRequested(ctx, sess.ID, CommandRequestedPayload{
			StepNumber:     2,
			Command:        "systemctl restart payment-workers",
			Shell:          "bash",
			TimeoutSeconds: 120,
			Connector:      "ssh",
		})
		require.NoError(t, err)

		row, err := client.Client.ExecutionEvent.Query().
			Where(executionevent.SessionIDEQ(sess.ID)).
			Only(ctx)
		require.NoError(t, err)
		assert.Equal(t, EventTypeCommandRequested, row.EventType)
		require.NotNil(t, row.StepNumber)
		assert.Equal(t, 2, *row.StepNumber)

		// jsonb readback decodes numbers as float64.
		assert.Equal(t, float64(2), row.Payload["step_number"])
		inner, ok := row.Payload["payload"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "systemctl restart payment-workers", inner["command"])
		assert.Equal(t, "ssh", inner["connector"])
		assert.Equal(t, float64(120), inner["timeout_seconds"])
	})

	t.Run("waiting approval carries the gate context", func(t *testing.T) {
		b := newEventsBus(t)
		pub := NewPublisher(b, eventService, audit.NoopSink{}, eventsStream, true)
		sess := seedSessionRow(t, client.Client, "globex")

		err := pub.WaitingApproval(ctx, sess.ID, WaitingApprovalPayload{
			StepNumber:  3,
			Command:     "systemctl restart payment-workers",
			BlastRadius: "medium",
		})
		require.NoError(t, err)

		row, err := client.Client.ExecutionEvent.Query().
			Where(executionevent.SessionIDEQ(sess.ID)).
			Only(ctx)
		require.NoError(t, err)
		require.NotNil(t, row.StepNumber)
		assert.Equal(t, 3, *row.StepNumber)
		inner := row.Payload["payload"].(map[string]any)
		assert.Equal(t, "medium", inner["blast_radius"])
	})

	t.Run("session failed passes the failing step through", func(t *testing.T) {
		b := newEventsBus(t)
		pub := NewPublisher(b, eventService, audit.NoopSink{}, eventsStream, true)
		sess := seedSessionRow(t, client.Client, "initech")

		step := 2
		err := pub.SessionFailed(ctx, sess.ID, SessionFailedPayload{
			Reason:     "command failed: exit 1",
			StepNumber: &step,
		})
		require.NoError(t, err)

		row, err := client.Client.ExecutionEvent.Query().
			Where(executionevent.SessionIDEQ(sess.ID)).
			Only(ctx)
		require.NoError(t, err)
		require.NotNil(t, row.StepNumber)
		assert.Equal(t, 2, *row.StepNumber)
	})

	t.Run("session level failure has no step", func(t *testing.T) {
		b := newEventsBus(t)
		pub := NewPublisher(b, eventService, audit.NoopSink{}, eventsStream, true)
		sess := seedSessionRow(t, client.Client, "umbrella")

		err := pub.SessionFailed(ctx, sess.ID, SessionFailedPayload{Reason: "approval rejected"})
		require.NoError(t, err)

		row, err := client.Client.ExecutionEvent.Query().
			Where(executionevent.SessionIDEQ(sess.ID)).
			Only(ctx)
		require.NoError(t, err)
		assert.Nil(t, row.StepNumber)
		assert.Nil(t, row.Payload["step_number"])
	})

	t.Run("state transition round trips from and to", func(t *testing.T) {
		b := newEventsBus(t)
		pub := NewPublisher(b, eventService, audit.NoopSink{}, eventsStream, true)
		sess := seedSessionRow(t, client.Client, "hooli")

		err := pub.StateTransition(ctx, sess.ID, StateTransitionPayload{
			From: "pending",
			To:   "in_progress",
		})
		require.NoError(t, err)

		row, err := client.Client.ExecutionEvent.Query().
			Where(executionevent.SessionIDEQ(sess.ID)).
			Only(ctx)
		require.NoError(t, err)
		assert.Nil(t, row.StepNumber)
		inner := row.Payload["payload"].(map[string]any)
		assert.Equal(t, "pending", inner["from"])
		assert.Equal(t, "in_progress", inner["to"])
	})
}
