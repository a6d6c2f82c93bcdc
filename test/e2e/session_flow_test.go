package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/ent/executionsession"
	entticket "github.com/runforge/runforge/ent/ticket"
	entworkerassignment "github.com/runforge/runforge/ent/workerassignment"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/workers"
)

const happyBody = "```yaml\n" +
	`prechecks:
  - command: echo A
    description: confirm the unit responds
main_steps:
  - command: echo B
    description: apply the fix
    rollback_command: echo undo-B
postchecks:
  - command: echo C
` + "```\n"

// TestSessionLifecycle_HappyPath drives a three-step runbook through
// the whole stack: creation announces an assignment on the bus, a
// worker acknowledges it, the result consumer records the ack, the
// executor runs every step, and the verifier resolves the ticket.
func TestSessionLifecycle_HappyPath(t *testing.T) {
	orch := newOrchestrator(t)
	ctx := context.Background()

	orch.Registry.Register(workers.WorkerInfo{
		ID:             "worker-1",
		Capabilities:   []string{"ssh"},
		MaxConcurrency: 4,
	})
	worker := &scriptedWorker{id: "worker-1", bus: orch.Bus, streams: orch.Streams}
	worker.start(t)

	tenant := seedTenant(t, orch.DB.Client, "acme")
	rb := seedRunbook(t, orch.DB.Client, tenant.ID, happyBody)
	tkt := seedTicket(t, orch.DB.Client, tenant.ID, "INC0031001")

	sess, err := orch.Controller.CreateSession(ctx, models.CreateSessionRequest{
		TenantID:  tenant.ID,
		RunbookID: rb.ID,
		TicketID:  &tkt.ID,
		Issue:     "payment workers stuck",
	})
	require.NoError(t, err)
	assert.Equal(t, executionsession.StatusPending, sess.Status)
	assert.Equal(t, 3, sess.TotalSteps)

	// The worker acks the assignment; the result consumer lands it.
	require.Eventually(t, func() bool {
		assignment, err := orch.Sessions.LatestAssignment(ctx, sess.ID)
		if err != nil {
			return false
		}
		return assignment.Status == entworkerassignment.StatusAcknowledged &&
			assignment.WorkerID == "worker-1"
	}, 5*time.Second, 50*time.Millisecond, "assignment never acknowledged")

	require.NoError(t, orch.Controller.Start(ctx, sess.ID))

	final, err := orch.Controller.GetSession(ctx, sess.ID, true)
	require.NoError(t, err)
	assert.Equal(t, executionsession.StatusCompleted, final.Status)
	assert.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.TotalDurationMinutes)
	assert.GreaterOrEqual(t, *final.TotalDurationMinutes, 0)

	steps := final.Edges.Steps
	require.Len(t, steps, 3)
	for _, step := range steps {
		assert.True(t, step.Completed, "step %d", step.StepNumber)
		require.NotNil(t, step.Success, "step %d", step.StepNumber)
		assert.True(t, *step.Success, "step %d", step.StepNumber)
	}

	types := eventTypes(t, orch.DB.Client, sess.ID)
	require.NotEmpty(t, types)
	assert.Equal(t, "session.created", types[0])
	assert.Equal(t, "session.completed", types[len(types)-1])
	assert.Equal(t, 3, countEvents(t, orch.DB.Client, sess.ID, "session.step.completed"))

	resolved, err := orch.DB.Client.Ticket.Get(ctx, tkt.ID)
	require.NoError(t, err)
	assert.Equal(t, entticket.StatusResolved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)
}
