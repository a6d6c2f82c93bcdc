package execution

import (
	"bytes"
	"context"
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
	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/idempotency"
	"github.com/runforge/runforge/pkg/metadata"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/redact"
	"github.com/runforge/runforge/pkg/runbook"
	"github.com/runforge/runforge/pkg/secrets"
	"github.com/runforge/runforge/pkg/services"
)

// Runbook bodies driven through the real local connector. Commands are
// plain shell so step success and failure are genuine exit codes.
const happyBody = "```yaml\n" +
	`prechecks:
  - command: "true"
    description: confirm the unit responds
main_steps:
  - command: echo remediated
    description: apply the fix
    rollback_command: echo undo-fix
postchecks:
  - command: "true"
` + "```\n"

// failBody succeeds on step one then fails on step two, leaving one
// rollback-eligible step behind.
const failBody = "```yaml\n" +
	`main_steps:
  - command: echo scaled
    description: scale up the worker pool
    rollback_command: echo scale-down
  - command: "false"
    description: flush the request cache
    rollback_command: echo restore-cache
` + "```\n"

// gatedBody parks at step two until someone decides.
const gatedBody = "```yaml\n" +
	`prechecks:
  - command: "true"
main_steps:
  - command: echo restarted
    description: restart the primary database
    requires_approval: true
    severity: high
    rollback_command: echo started
postchecks:
  - command: "true"
` + "```\n"

// newTestBus returns a RedisBus over a miniredis plus the raw client
// for components that speak redis directly.
func newTestBus(t *testing.T) (*bus.RedisBus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return bus.NewRedisBus(rdb, 100), rdb
}

func testStreams() bus.StreamNames {
	return bus.StreamNames{
		Assign:       "session.assign",
		Command:      "session.command",
		Result:       "session.result",
		Events:       "session.events",
		DeadLetter:   "session.deadletter",
		Orchestrator: "orchestrator",
	}
}

func newTestPublisher(client *ent.Client, b bus.Bus) *events.Publisher {
	return events.NewPublisher(b, services.NewEventService(client), audit.NoopSink{}, testStreams().Events, true)
}

func newTestResolver(t *testing.T, client *ent.Client) *metadata.Resolver {
	t.Helper()
	local, err := secrets.NewLocal(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	return metadata.NewResolver(services.NewCredentialService(client), local)
}

// newTestExecutor wires an executor over the local connector with the
// verifier enabled and cloud discovery off.
func newTestExecutor(t *testing.T, client *ent.Client, b bus.Bus) *Executor {
	t.Helper()
	publisher := newTestPublisher(client, b)
	factory := connector.NewFactory(redact.NewRedactor(), false)
	verifier := NewVerifier(client, nil)
	return NewExecutor(client, publisher, factory, newTestResolver(t, client), verifier, nil)
}

func seedTenant(t *testing.T, client *ent.Client, name string) *ent.Tenant {
	t.Helper()
	tenant, err := client.Tenant.Create().
		SetName(name).
		Save(context.Background())
	require.NoError(t, err)
	return tenant
}

// seedRunbook creates an approved runbook under the tenant.
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
		SetDescription("payment-workers unit wedged after deploy").
		SetStatus(entticket.StatusInProgress).
		Save(context.Background())
	require.NoError(t, err)
	return tkt
}

// newSession persists a session directly through the session service,
// bypassing the controller, for tests that exercise the executor alone.
func newSession(t *testing.T, client *ent.Client, req models.CreateSessionRequest, body string) *ent.ExecutionSession {
	t.Helper()
	plan, err := runbook.Parse(body)
	require.NoError(t, err)
	sess, err := services.NewSessionService(client).CreateSession(context.Background(), req, plan)
	require.NoError(t, err)
	return sess
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

func newTestIdem(t *testing.T, rdb *redis.Client) *idempotency.Manager {
	t.Helper()
	return idempotency.NewManager(rdb, 30*time.Second)
}

// newTestController wires the full controller stack over one miniredis.
func newTestController(t *testing.T, client *ent.Client, orchestration bool) (*Controller, *bus.RedisBus) {
	t.Helper()
	b, rdb := newTestBus(t)
	publisher := newTestPublisher(client, b)
	factory := connector.NewFactory(redact.NewRedactor(), false)
	resolver := newTestResolver(t, client)
	exec := NewExecutor(client, publisher, factory, resolver, NewVerifier(client, nil), nil)
	ctrl := NewController(ControllerConfig{
		Client:        client,
		Publisher:     publisher,
		Executor:      exec,
		Bus:           b,
		Streams:       testStreams(),
		Idempotency:   newTestIdem(t, rdb),
		Resolver:      resolver,
		Orchestration: orchestration,
	})
	return ctrl, b
}
