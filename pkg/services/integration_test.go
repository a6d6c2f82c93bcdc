package services

import (
	"context"
	"testing"
	"time"

	"github.com/runforge/runforge/ent/executionsession"
	"github.com/runforge/runforge/ent/ticket"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/runbook"
	testdb "github.com/runforge/runforge/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestServiceIntegration tests multiple services working together
func TestServiceIntegration(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	sessionService := NewSessionService(client.Client)
	ticketService := NewTicketService(client.Client)
	runbookService := NewRunbookService(client.Client)
	eventService := NewEventService(client.Client)

	tenant := seedTenant(t, client.Client, "acme")

	t.Run("full execution lifecycle", func(t *testing.T) {
		// 1. A poll upserts the ticket
		tk, err := ticketService.UpsertTicket(ctx, models.TicketUpsert{
			TenantID:    tenant.ID,
			Source:      "servicenow",
			ExternalID:  "INC0010077",
			Title:       "Payment workers stuck",
			Severity:    "high",
			Environment: "production",
			Metadata:    map[string]any{"ci": "payment-workers-3"},
		})
		require.NoError(t, err)

		// 2. An approved runbook matches it
		draft, err := runbookService.CreateRunbook(ctx, models.CreateRunbookRequest{
			TenantID:   tenant.ID,
			Title:      "Restart stuck payment workers",
			Body:       threeStepBody,
			Confidence: 0.92,
		})
		require.NoError(t, err)
		rb, err := runbookService.Approve(ctx, draft.ID)
		require.NoError(t, err)

		// 3. Session created from the parsed plan
		plan, err := runbook.Parse(rb.Body)
		require.NoError(t, err)
		session, err := sessionService.CreateSession(ctx, models.CreateSessionRequest{
			TenantID:  tenant.ID,
			RunbookID: rb.ID,
			TicketID:  &tk.ID,
			Issue:     tk.Title,
		}, plan)
		require.NoError(t, err)
		require.NotNil(t, session.TicketID)
		assert.Equal(t, tk.ID, *session.TicketID)

		appendEvent := func(eventType string, step *int, inner map[string]any) {
			t.Helper()
			_, err := eventService.AppendEvent(ctx, session.ID, eventType, step,
				envelope(eventType, session.ID, step, inner, time.Now()), "")
			require.NoError(t, err)
		}
		appendEvent("session.created", nil, map[string]any{"runbook_id": rb.ID})

		// 4. Execution starts and the first step runs
		_, err = sessionService.TransitionStatus(ctx, session.ID, executionsession.StatusInProgress)
		require.NoError(t, err)
		require.NoError(t, sessionService.MarkStarted(ctx, session.ID))
		require.NoError(t, sessionService.SetTransportChannel(ctx, session.ID, "ssh"))
		require.NoError(t, sessionService.SetCurrentStep(ctx, session.ID, 1))

		_, err = sessionService.CompleteStep(ctx, session.ID, 1, StepOutcome{
			Success: true,
			Output:  "active (running)",
		})
		require.NoError(t, err)
		one := 1
		appendEvent("session.step.completed", &one, map[string]any{"success": true})

		// 5. The main step hits its approval gate
		next, err := sessionService.NextPendingStep(ctx, session.ID, 1)
		require.NoError(t, err)
		require.NotNil(t, next)
		require.True(t, next.RequiresApproval)

		_, err = sessionService.EnterApprovalGate(ctx, session.ID, next.StepNumber)
		require.NoError(t, err)
		appendEvent("session.waiting_approval", &next.StepNumber, map[string]any{"command": next.Command})

		_, err = sessionService.RecordApproval(ctx, session.ID, next.StepNumber, "oncall@acme.example", true)
		require.NoError(t, err)
		_, err = sessionService.ClearApprovalGate(ctx, session.ID)
		require.NoError(t, err)

		// 6. Remaining steps complete
		for n := 2; n <= 3; n++ {
			_, err = sessionService.CompleteStep(ctx, session.ID, n, StepOutcome{Success: true})
			require.NoError(t, err)
			step := n
			appendEvent("session.step.completed", &step, map[string]any{"success": true})
		}
		finished, err := sessionService.FinishSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, executionsession.StatusCompleted, finished.Status)
		appendEvent("session.completed", nil, map[string]any{})

		// 7. The verifier resolves the ticket
		resolved, err := ticketService.SetStatus(ctx, tk.ID, ticket.StatusResolved)
		require.NoError(t, err)
		assert.NotNil(t, resolved.ResolvedAt)

		// 8. Operator feedback lands after termination
		_, err = sessionService.RecordFeedback(ctx, session.ID, models.CompleteSessionRequest{
			WasSuccessful: true,
			IssueResolved: true,
			Rating:        5,
		})
		require.NoError(t, err)

		// 9. The timeline reads back in order with the cursor advanced
		events, err := eventService.List(ctx, session.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, events.Events, 6)
		assert.Equal(t, "session.created", events.Events[0].EventType)
		assert.Equal(t, "session.completed", events.Events[5].EventType)

		got, err := sessionService.GetSession(ctx, session.ID, true)
		require.NoError(t, err)
		assert.Equal(t, int64(events.LastID), got.LastEventSeq)
		for _, step := range got.Edges.Steps {
			assert.True(t, step.Completed)
		}
	})
}
