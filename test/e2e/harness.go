// Package e2e exercises the full orchestration stack: controller,
// executor, stream bus, result consumer, and verifier wired together
// over a real PostgreSQL schema (testcontainers) and a miniredis.
package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/ent/executionevent"
	entrunbook "github.com/runforge/runforge/ent/runbook"
	entticket "github.com/runforge/runforge/ent/ticket"
	"github.com/runforge/runforge/pkg/audit"
	"github.com/runforge/runforge/pkg/bus"
	"github.com/runforge/runforge/pkg/connector"
	"github.com/runforge/runforge/pkg/database"
	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/execution"
	"github.com/runforge/runforge/pkg/idempotency"
	"github.com/runforge/runforge/pkg/metadata"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/redact"
	"github.com/runforge/runforge/pkg/secrets"
	"github.com/runforge/runforge/pkg/services"
	"github.com/runforge/runforge/pkg/workers"
	testdb "github.com/runforge/runforge/test/database"
)

const workerGroup = "workers"

// Orchestrator is one fully wired orchestrator instance. Its result
// consumer runs in the background until the test ends.
type Orchestrator struct {
	DB         *database.Client
	Bus        *bus.RedisBus
	Rdb        *redis.Client
	Streams    bus.StreamNames
	Controller *execution.Controller
	Registry   *workers.Registry
	Sessions   *services.SessionService

	t *testing.T
}

// newOrchestrator boots a complete instance over a fresh database
// schema and its own miniredis.
func newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	client := testdb.NewTestClient(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return buildOrchestrator(t, client, rdb, "orchestrator-1")
}

// buildOrchestrator wires an instance onto existing infrastructure.
// Multi-replica tests call it twice with a shared database and redis.
func buildOrchestrator(t *testing.T, client *database.Client, rdb *redis.Client, nodeID string) *Orchestrator {
	t.Helper()
	b := bus.NewRedisBus(rdb, 1000)
	streams := bus.StreamNames{
		Assign:       "session.assign",
		Command:      "session.command",
		Result:       "session.result",
		Events:       "session.events",
		DeadLetter:   "session.deadletter",
		Orchestrator: "orchestrator",
	}

	eventService := services.NewEventService(client.Client)
	publisher := events.NewPublisher(b, eventService, audit.NoopSink{}, streams.Events, true)

	local, err := secrets.NewLocal(make([]byte, 32))
	require.NoError(t, err)
	resolver := metadata.NewResolver(services.NewCredentialService(client.Client), local)

	factory := connector.NewFactory(redact.NewRedactor(), false)
	verifier := execution.NewVerifier(client.Client, nil)
	executor := execution.NewExecutor(client.Client, publisher, factory, resolver, verifier, nil)

	registry := workers.NewRegistry(time.Minute)
	ctrl := execution.NewController(execution.ControllerConfig{
		Client:        client.Client,
		Publisher:     publisher,
		Executor:      executor,
		Bus:           b,
		Streams:       streams,
		Idempotency:   idempotency.NewManager(rdb, 30*time.Second),
		Resolver:      resolver,
		Orchestration: true,
	})

	consumer := execution.NewResultConsumer(client.Client, b, streams, publisher, registry, nodeID)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &Orchestrator{
		DB:         client,
		Bus:        b,
		Rdb:        rdb,
		Streams:    streams,
		Controller: ctrl,
		Registry:   registry,
		Sessions:   services.NewSessionService(client.Client),
		t:          t,
	}
}

// ────────────────────────────────────────────────────────────
// Scripted worker
// ────────────────────────────────────────────────────────────

// scriptedWorker imitates a remote execution worker: it acknowledges
// assignments and answers command frames with canned results.
type scriptedWorker struct {
	id      string
	bus     bus.Bus
	streams bus.StreamNames

	// commandResult builds the reply for one command frame. Nil means
	// commands go unanswered.
	commandResult func(frame models.CommandFrame) models.ResultFrame
}

// start launches the worker loop until the test ends.
func (w *scriptedWorker) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	require.NoError(t, w.bus.EnsureGroup(ctx, w.streams.Assign, workerGroup))
	require.NoError(t, w.bus.EnsureGroup(ctx, w.streams.Command, workerGroup))

	go func() {
		defer close(done)
		for ctx.Err() == nil {
			w.drainAssignments(ctx)
			w.drainCommands(ctx)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (w *scriptedWorker) drainAssignments(ctx context.Context) {
	entries, err := w.bus.ReadGroup(ctx, w.streams.Assign, workerGroup, w.id, 8, 100*time.Millisecond)
	if err != nil {
		return
	}
	for _, entry := range entries {
		var frame models.AssignmentFrame
		if err := json.Unmarshal(entry.Payload, &frame); err == nil {
			w.publishResult(ctx, models.ResultFrame{
				SessionID: frame.SessionID,
				WorkerID:  w.id,
				Kind:      models.ResultKindAck,
				Success:   true,
			})
		}
		_ = w.bus.Ack(ctx, w.streams.Assign, workerGroup, entry.ID)
	}
}

func (w *scriptedWorker) drainCommands(ctx context.Context) {
	entries, err := w.bus.ReadGroup(ctx, w.streams.Command, workerGroup, w.id, 8, 100*time.Millisecond)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if w.commandResult != nil {
			var frame models.CommandFrame
			if err := json.Unmarshal(entry.Payload, &frame); err == nil {
				w.publishResult(ctx, w.commandResult(frame))
			}
		}
		_ = w.bus.Ack(ctx, w.streams.Command, workerGroup, entry.ID)
	}
}

func (w *scriptedWorker) publishResult(ctx context.Context, frame models.ResultFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_, _ = w.bus.Publish(ctx, w.streams.Result, payload)
}

// ────────────────────────────────────────────────────────────
// Seed and assertion helpers
// ────────────────────────────────────────────────────────────

func seedTenant(t *testing.T, client *ent.Client, name string) *ent.Tenant {
	t.Helper()
	tenant, err := client.Tenant.Create().
		SetName(name).
		Save(context.Background())
	require.NoError(t, err)
	return tenant
}

func seedRunbook(t *testing.T, client *ent.Client, tenantID int, body string) *ent.Runbook {
	t.Helper()
	rb, err := client.Runbook.Create().
		SetTenantID(tenantID).
		SetTitle("Restart stuck payment workers").
		SetBody(body).
		SetConfidence(0.92).
		SetStatus(entrunbook.StatusApproved).
		Save(context.Background())
	require.NoError(t, err)
	return rb
}

func seedTicket(t *testing.T, client *ent.Client, tenantID int, externalID string) *ent.Ticket {
	t.Helper()
	tkt, err := client.Ticket.Create().
		SetTenantID(tenantID).
		SetExternalID(externalID).
		SetSource("servicenow").
		SetTitle("Payment workers stuck").
		SetStatus(entticket.StatusInProgress).
		Save(context.Background())
	require.NoError(t, err)
	return tkt
}

// eventTypes returns the session's persisted event types in row order.
func eventTypes(t *testing.T, client *ent.Client, sessionID int) []string {
	t.Helper()
	rows, err := client.ExecutionEvent.Query().
		Where(executionevent.SessionIDEQ(sessionID)).
		Order(ent.Asc(executionevent.FieldID)).
		All(context.Background())
	require.NoError(t, err)
	types := make([]string, len(rows))
	for i, row := range rows {
		types[i] = row.EventType
	}
	return types
}

// countEvents returns how many events of one type the session has.
func countEvents(t *testing.T, client *ent.Client, sessionID int, eventType string) int {
	t.Helper()
	n, err := client.ExecutionEvent.Query().
		Where(
			executionevent.SessionIDEQ(sessionID),
			executionevent.EventTypeEQ(eventType),
		).
		Count(context.Background())
	require.NoError(t, err)
	return n
}
