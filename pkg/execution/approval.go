package execution

import (
	"context"
	"fmt"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/ent/executionsession"
	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/models"
)

// Approve records an approval decision for a gated step and moves the
// session forward. Approving resumes execution from the gated step;
// rejecting fails the session and escalates its ticket. The returned
// step reflects the recorded decision (after resumption it may already
// have run to completion).
func (e *Executor) Approve(ctx context.Context, sessionID int, req models.ApprovalRequest) (*ent.ExecutionStep, error) {
	logger := e.logger.With(
		"session_id", sessionID,
		"step_number", req.StepNumber,
		"approved", req.Approve,
	)

	step, err := e.sessions.RecordApproval(ctx, sessionID, req.StepNumber, req.User, req.Approve)
	if err != nil {
		return nil, err
	}

	if !req.Approve {
		logger.Warn("Approval rejected, failing session")
		if err := e.publisher.Rejected(ctx, sessionID, events.RejectedPayload{
			StepNumber: req.StepNumber,
			User:       req.User,
			Reason:     req.Notes,
		}); err != nil {
			logger.Warn("Failed to publish rejected event", "error", err)
		}
		sess, err := e.sessions.TransitionStatus(ctx, sessionID, executionsession.StatusFailed)
		if err != nil {
			return nil, err
		}
		e.publishTransition(ctx, sessionID,
			executionsession.StatusWaitingApproval, executionsession.StatusFailed,
			fmt.Sprintf("step %d approval rejected", req.StepNumber))
		stepNumber := req.StepNumber
		if err := e.publisher.SessionFailed(ctx, sessionID, events.SessionFailedPayload{
			Reason:     fmt.Sprintf("approval rejected for step %d", req.StepNumber),
			StepNumber: &stepNumber,
		}); err != nil {
			logger.Warn("Failed to publish session failed event", "error", err)
		}
		e.escalateTicket(ctx, sess)
		return step, nil
	}

	if err := e.publisher.Approved(ctx, sessionID, events.ApprovedPayload{
		StepNumber: req.StepNumber,
		User:       req.User,
		Notes:      req.Notes,
	}); err != nil {
		logger.Warn("Failed to publish approved event", "error", err)
	}
	if _, err := e.sessions.ClearApprovalGate(ctx, sessionID); err != nil {
		return nil, err
	}
	e.publishTransition(ctx, sessionID,
		executionsession.StatusWaitingApproval, executionsession.StatusInProgress, "")
	logger.Info("Approval recorded, resuming execution")

	if err := e.Start(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.sessions.GetStep(ctx, sessionID, req.StepNumber)
}
