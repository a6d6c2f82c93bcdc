package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/ent/executionsession"
	entticket "github.com/runforge/runforge/ent/ticket"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/services"
	testdb "github.com/runforge/runforge/test/database"
)

func TestExecutor_Approve_ResumesThroughTheGate(t *testing.T) {
	client := testdb.NewTestClient(t)
	b, _ := newTestBus(t)
	exec := newTestExecutor(t, client.Client, b)
	sessions := services.NewSessionService(client.Client)
	ctx := context.Background()

	tenant := seedTenant(t, client.Client, "acme")
	rb := seedRunbook(t, client.Client, tenant.ID, gatedBody)
	tkt := seedTicket(t, client.Client, tenant.ID, "INC0012010")
	sess := newSession(t, client.Client, models.CreateSessionRequest{
		TenantID:  tenant.ID,
		RunbookID: rb.ID,
		TicketID:  &tkt.ID,
	}, gatedBody)

	require.NoError(t, exec.Start(ctx, sess.ID))

	step, err := exec.Approve(ctx, sess.ID, models.ApprovalRequest{
		StepNumber: 2,
		Approve:    true,
		User:       "sre-oncall",
	})
	require.NoError(t, err)

	// The gated step ran to completion once approved.
	require.NotNil(t, step.Approved)
	assert.True(t, *step.Approved)
	assert.Equal(t, "sre-oncall", step.ApprovedBy)
	assert.NotNil(t, step.ApprovedAt)
	assert.True(t, step.Completed)
	require.NotNil(t, step.Success)
	assert.True(t, *step.Success)

	final, err := sessions.GetSession(ctx, sess.ID, false)
	require.NoError(t, err)
	assert.Equal(t, executionsession.StatusCompleted, final.Status)
	assert.False(t, final.WaitingForApproval)
	assert.Nil(t, final.ApprovalStepNumber)

	types := eventTypes(t, client.Client, sess.ID)
	assert.Contains(t, types, "session.waiting_approval")
	assert.Contains(t, types, "session.approved")
	assert.Contains(t, types, "session.completed")

	// Verifier ran after resumption and resolved the ticket.
	resolved, err := client.Client.Ticket.Get(ctx, tkt.ID)
	require.NoError(t, err)
	assert.Equal(t, entticket.StatusResolved, resolved.Status)
}

func TestExecutor_Approve_RejectionFailsTheSession(t *testing.T) {
	client := testdb.NewTestClient(t)
	b, _ := newTestBus(t)
	exec := newTestExecutor(t, client.Client, b)
	sessions := services.NewSessionService(client.Client)
	ctx := context.Background()

	tenant := seedTenant(t, client.Client, "acme")
	rb := seedRunbook(t, client.Client, tenant.ID, gatedBody)
	tkt := seedTicket(t, client.Client, tenant.ID, "INC0012011")
	sess := newSession(t, client.Client, models.CreateSessionRequest{
		TenantID:  tenant.ID,
		RunbookID: rb.ID,
		TicketID:  &tkt.ID,
	}, gatedBody)

	require.NoError(t, exec.Start(ctx, sess.ID))

	step, err := exec.Approve(ctx, sess.ID, models.ApprovalRequest{
		StepNumber: 2,
		Approve:    false,
		User:       "sre-oncall",
		Notes:      "wrong maintenance window",
	})
	require.NoError(t, err)
	require.NotNil(t, step.Approved)
	assert.False(t, *step.Approved)
	assert.False(t, step.Completed)

	final, err := sessions.GetSession(ctx, sess.ID, false)
	require.NoError(t, err)
	assert.Equal(t, executionsession.StatusFailed, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.False(t, final.WaitingForApproval)

	types := eventTypes(t, client.Client, sess.ID)
	assert.Contains(t, types, "session.rejected")
	assert.Contains(t, types, "session.failed")
	// Rejection stops before anything dangerous ran; nothing to undo.
	assert.NotContains(t, types, "session.rollback.started")

	escalated, err := client.Client.Ticket.Get(ctx, tkt.ID)
	require.NoError(t, err)
	assert.Equal(t, entticket.StatusEscalated, escalated.Status)
}

func TestExecutor_Approve_GuardsDecisions(t *testing.T) {
	client := testdb.NewTestClient(t)
	b, _ := newTestBus(t)
	exec := newTestExecutor(t, client.Client, b)
	ctx := context.Background()

	tenant := seedTenant(t, client.Client, "acme")
	rb := seedRunbook(t, client.Client, tenant.ID, gatedBody)
	sess := newSession(t, client.Client, models.CreateSessionRequest{
		TenantID:  tenant.ID,
		RunbookID: rb.ID,
	}, gatedBody)

	require.NoError(t, exec.Start(ctx, sess.ID))

	t.Run("ungated step rejects approval", func(t *testing.T) {
		_, err := exec.Approve(ctx, sess.ID, models.ApprovalRequest{StepNumber: 1, Approve: true})
		require.Error(t, err)
		assert.True(t, services.IsValidationError(err))
	})

	t.Run("second decision conflicts", func(t *testing.T) {
		_, err := exec.Approve(ctx, sess.ID, models.ApprovalRequest{
			StepNumber: 2, Approve: true, User: "sre-oncall",
		})
		require.NoError(t, err)

		_, err = exec.Approve(ctx, sess.ID, models.ApprovalRequest{
			StepNumber: 2, Approve: false, User: "sre-oncall",
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, services.ErrConflict))
	})
}
