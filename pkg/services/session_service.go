package services

import (
	"context"
	"fmt"
	"time"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/ent/executionsession"
	"github.com/runforge/runforge/ent/executionstep"
	"github.com/runforge/runforge/ent/workerassignment"
	"github.com/runforge/runforge/pkg/metrics"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/runbook"
)

// SessionService manages execution session and step lifecycle
type SessionService struct {
	client *ent.Client
}

// NewSessionService creates a new SessionService
func NewSessionService(client *ent.Client) *SessionService {
	return &SessionService{client: client}
}

// IsTerminalStatus reports whether a session status admits no further
// step mutation.
func IsTerminalStatus(status executionsession.Status) bool {
	switch status {
	case executionsession.StatusCompleted,
		executionsession.StatusFailed,
		executionsession.StatusRolledBack,
		executionsession.StatusRejected,
		executionsession.StatusAbandoned:
		return true
	}
	return false
}

// CreateSession persists a new execution session plus its flattened
// step rows in one transaction. The plan must already be parsed and
// normalized; sandbox validation happens here so an over-budget step
// never reaches the database.
func (s *SessionService) CreateSession(httpCtx context.Context, req models.CreateSessionRequest, plan *runbook.Plan) (*ent.ExecutionSession, error) {
	if req.TenantID <= 0 {
		return nil, NewValidationError("tenant_id", "required")
	}
	if req.RunbookID <= 0 {
		return nil, NewValidationError("runbook_id", "required")
	}
	if plan == nil || plan.TotalSteps() == 0 {
		return nil, NewValidationError("runbook", "produces no executable steps")
	}

	steps, err := plan.Flatten()
	if err != nil {
		return nil, NewValidationError("runbook", err.Error())
	}
	profile := runbook.ComputeProfile(steps)
	if err := runbook.ValidateSandbox(profile, steps); err != nil {
		return nil, NewValidationError("runbook", err.Error())
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	sessionBuilder := tx.ExecutionSession.Create().
		SetTenantID(req.TenantID).
		SetRunbookID(req.RunbookID).
		SetStatus(executionsession.StatusPending).
		SetTotalSteps(len(steps)).
		SetSandboxProfile(executionsession.SandboxProfile(profile)).
		SetNillableTicketID(req.TicketID).
		SetNillableUserID(req.UserID)

	if req.Issue != "" {
		sessionBuilder.SetIssueDescription(req.Issue)
	}
	if req.Metadata != nil {
		sessionBuilder.SetSessionMetadata(req.Metadata)
	}

	session, err := sessionBuilder.Save(ctx)
	if err != nil {
		if ent.IsConstraintError(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	builders := make([]*ent.ExecutionStepCreate, 0, len(steps))
	for _, step := range steps {
		b := tx.ExecutionStep.Create().
			SetSessionID(session.ID).
			SetStepNumber(step.Number).
			SetStepType(executionstep.StepType(step.Type)).
			SetCommand(step.Command).
			SetRequiresApproval(step.RequiresApproval).
			SetBlastRadius(executionstep.BlastRadius(step.Blast))
		if step.RollbackCommand != "" {
			b.SetRollbackCommand(step.RollbackCommand)
		}
		if step.Description != "" {
			b.SetDescription(step.Description)
		}
		if step.Severity != "" {
			b.SetSeverity(step.Severity)
		}
		if step.TimeoutSeconds > 0 {
			b.SetTimeoutSeconds(step.TimeoutSeconds)
		}
		builders = append(builders, b)
	}
	if _, err := tx.ExecutionStep.CreateBulk(builders...).Save(ctx); err != nil {
		return nil, fmt.Errorf("failed to create steps: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return session, nil
}

// GetSession retrieves a session by ID with optional step loading
func (s *SessionService) GetSession(ctx context.Context, sessionID int, withSteps bool) (*ent.ExecutionSession, error) {
	query := s.client.ExecutionSession.Query().Where(executionsession.IDEQ(sessionID))
	if withSteps {
		query = query.WithSteps(func(q *ent.ExecutionStepQuery) {
			q.Order(ent.Asc(executionstep.FieldStepNumber))
		})
	}

	session, err := query.Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions lists sessions with filtering and pagination
func (s *SessionService) ListSessions(ctx context.Context, filters models.SessionFilters) (*models.SessionListResponse, error) {
	query := s.client.ExecutionSession.Query().
		Where(executionsession.DeletedAtIsNil())

	if filters.TenantID > 0 {
		query = query.Where(executionsession.TenantIDEQ(filters.TenantID))
	}
	if filters.Status != "" {
		query = query.Where(executionsession.StatusEQ(executionsession.Status(filters.Status)))
	}
	if filters.TicketID > 0 {
		query = query.Where(executionsession.TicketIDEQ(filters.TicketID))
	}

	totalCount, err := query.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 20 // Default
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	sessions, err := query.
		Limit(limit).
		Offset(offset).
		Order(ent.Desc(executionsession.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return &models.SessionListResponse{
		Sessions:   sessions,
		TotalCount: totalCount,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// TransitionStatus moves a session to a new status, stamping
// completed_at on terminal transitions and recording the transition
// metric. A no-op when the session is already in the target status.
func (s *SessionService) TransitionStatus(ctx context.Context, sessionID int, to executionsession.Status) (*ent.ExecutionSession, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := s.client.ExecutionSession.Get(writeCtx, sessionID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.Status == to {
		return session, nil
	}

	update := session.Update().SetStatus(to)
	if IsTerminalStatus(to) {
		if session.CompletedAt == nil {
			update.SetCompletedAt(time.Now())
		}
		// Terminal sessions never wait on anyone.
		update.SetWaitingForApproval(false).ClearApprovalStepNumber()
	}
	updated, err := update.Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to update session status: %w", err)
	}

	metrics.SessionStateTransitions.WithLabelValues(string(session.Status), string(to)).Inc()
	return updated, nil
}

// PauseSession pauses an in_progress or waiting_approval session,
// remembering the prior status for resume. Any other starting state is
// a conflict.
func (s *SessionService) PauseSession(ctx context.Context, sessionID int) (*ent.ExecutionSession, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := s.client.ExecutionSession.Get(writeCtx, sessionID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.Status != executionsession.StatusInProgress &&
		session.Status != executionsession.StatusWaitingApproval {
		return nil, fmt.Errorf("%w: cannot pause session in status %s", ErrConflict, session.Status)
	}

	// Conditional update so a concurrent transition loses exactly one of
	// the two races instead of silently overwriting.
	n, err := s.client.ExecutionSession.Update().
		Where(
			executionsession.IDEQ(sessionID),
			executionsession.StatusEQ(session.Status),
		).
		SetStatus(executionsession.StatusPaused).
		SetStatusBeforePause(string(session.Status)).
		Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to pause session: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: session changed state during pause", ErrConflict)
	}

	metrics.SessionStateTransitions.WithLabelValues(string(session.Status), string(executionsession.StatusPaused)).Inc()
	return s.client.ExecutionSession.Get(writeCtx, sessionID)
}

// ResumeSession restores the status a paused session held before the
// pause.
func (s *SessionService) ResumeSession(ctx context.Context, sessionID int) (*ent.ExecutionSession, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := s.client.ExecutionSession.Get(writeCtx, sessionID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.Status != executionsession.StatusPaused {
		return nil, fmt.Errorf("%w: cannot resume session in status %s", ErrConflict, session.Status)
	}

	restored := executionsession.StatusInProgress
	if session.StatusBeforePause != nil && *session.StatusBeforePause != "" {
		restored = executionsession.Status(*session.StatusBeforePause)
	}

	n, err := s.client.ExecutionSession.Update().
		Where(
			executionsession.IDEQ(sessionID),
			executionsession.StatusEQ(executionsession.StatusPaused),
		).
		SetStatus(restored).
		ClearStatusBeforePause().
		Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to resume session: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: session changed state during resume", ErrConflict)
	}

	metrics.SessionStateTransitions.WithLabelValues(string(executionsession.StatusPaused), string(restored)).Inc()
	return s.client.ExecutionSession.Get(writeCtx, sessionID)
}

// MarkStarted stamps started_at once, on the first executed step.
func (s *SessionService) MarkStarted(ctx context.Context, sessionID int) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.client.ExecutionSession.Update().
		Where(
			executionsession.IDEQ(sessionID),
			executionsession.StartedAtIsNil(),
		).
		SetStartedAt(time.Now()).
		Exec(writeCtx)
	if err != nil {
		return fmt.Errorf("failed to mark session started: %w", err)
	}
	return nil
}

// SetCurrentStep advances the session cursor.
func (s *SessionService) SetCurrentStep(ctx context.Context, sessionID, stepNumber int) error {
	err := s.client.ExecutionSession.UpdateOneID(sessionID).
		SetCurrentStep(stepNumber).
		Exec(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to set current step: %w", err)
	}
	return nil
}

// SetTransportChannel records the connector type of the resolved
// target, stamped once the first step resolves its connection.
func (s *SessionService) SetTransportChannel(ctx context.Context, sessionID int, channel string) error {
	err := s.client.ExecutionSession.UpdateOneID(sessionID).
		SetTransportChannel(channel).
		Exec(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to set transport channel: %w", err)
	}
	return nil
}

// IncrementAssignmentRetry bumps the republish counter when an
// assignment is re-issued for a session that never got acknowledged.
func (s *SessionService) IncrementAssignmentRetry(ctx context.Context, sessionID int) error {
	err := s.client.ExecutionSession.UpdateOneID(sessionID).
		AddAssignmentRetryCount(1).
		Exec(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to increment assignment retry count: %w", err)
	}
	return nil
}

// EnterApprovalGate parks the session at an approval-required step.
func (s *SessionService) EnterApprovalGate(ctx context.Context, sessionID, stepNumber int) (*ent.ExecutionSession, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := s.client.ExecutionSession.Get(writeCtx, sessionID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	updated, err := session.Update().
		SetStatus(executionsession.StatusWaitingApproval).
		SetWaitingForApproval(true).
		SetApprovalStepNumber(stepNumber).
		SetCurrentStep(stepNumber).
		Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to enter approval gate: %w", err)
	}

	if session.Status != executionsession.StatusWaitingApproval {
		metrics.SessionStateTransitions.WithLabelValues(string(session.Status), string(executionsession.StatusWaitingApproval)).Inc()
	}
	return updated, nil
}

// ClearApprovalGate drops the approval flags and returns the session to
// in_progress, typically right before the approved step executes.
func (s *SessionService) ClearApprovalGate(ctx context.Context, sessionID int) (*ent.ExecutionSession, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := s.client.ExecutionSession.Get(writeCtx, sessionID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	updated, err := session.Update().
		SetStatus(executionsession.StatusInProgress).
		SetWaitingForApproval(false).
		ClearApprovalStepNumber().
		Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to clear approval gate: %w", err)
	}

	if session.Status != executionsession.StatusInProgress {
		metrics.SessionStateTransitions.WithLabelValues(string(session.Status), string(executionsession.StatusInProgress)).Inc()
	}
	return updated, nil
}

// FinishSession moves a session to completed, deriving
// total_duration_minutes by floor division from started_at.
func (s *SessionService) FinishSession(ctx context.Context, sessionID int) (*ent.ExecutionSession, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := s.client.ExecutionSession.Get(writeCtx, sessionID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	now := time.Now()
	update := session.Update().
		SetStatus(executionsession.StatusCompleted).
		SetCompletedAt(now).
		SetWaitingForApproval(false).
		ClearApprovalStepNumber()
	if session.StartedAt != nil {
		update.SetTotalDurationMinutes(int(now.Sub(*session.StartedAt) / time.Minute))
	}
	updated, err := update.Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to finish session: %w", err)
	}

	if session.Status != executionsession.StatusCompleted {
		metrics.SessionStateTransitions.WithLabelValues(string(session.Status), string(executionsession.StatusCompleted)).Inc()
	}
	return updated, nil
}

// RecordFeedback attaches operator feedback to a session. Allowed on
// terminal sessions; feedback overwrite is the one permitted mutation
// after termination.
func (s *SessionService) RecordFeedback(ctx context.Context, sessionID int, req models.CompleteSessionRequest) (*ent.ExecutionSession, error) {
	if req.Rating < 0 || req.Rating > 5 {
		return nil, NewValidationError("rating", "must be between 0 and 5")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	update := s.client.ExecutionSession.UpdateOneID(sessionID).
		SetWasSuccessful(req.WasSuccessful).
		SetIssueResolved(req.IssueResolved).
		SetRating(req.Rating).
		SetNillableFeedback(req.Feedback).
		SetNillableSuggestions(req.Suggestions)

	session, err := update.Save(writeCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to record feedback: %w", err)
	}
	return session, nil
}

// ListSteps returns a session's steps in execution order.
func (s *SessionService) ListSteps(ctx context.Context, sessionID int) ([]*ent.ExecutionStep, error) {
	steps, err := s.client.ExecutionStep.Query().
		Where(executionstep.SessionIDEQ(sessionID)).
		Order(ent.Asc(executionstep.FieldStepNumber)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return steps, nil
}

// GetStep fetches one step by session and number.
func (s *SessionService) GetStep(ctx context.Context, sessionID, stepNumber int) (*ent.ExecutionStep, error) {
	step, err := s.client.ExecutionStep.Query().
		Where(
			executionstep.SessionIDEQ(sessionID),
			executionstep.StepNumberEQ(stepNumber),
		).
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// NextPendingStep returns the first not-completed step after the given
// number, or nil when none remain.
func (s *SessionService) NextPendingStep(ctx context.Context, sessionID, afterStep int) (*ent.ExecutionStep, error) {
	step, err := s.client.ExecutionStep.Query().
		Where(
			executionstep.SessionIDEQ(sessionID),
			executionstep.StepNumberGT(afterStep),
			executionstep.CompletedEQ(false),
		).
		Order(ent.Asc(executionstep.FieldStepNumber)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find next step: %w", err)
	}
	return step, nil
}

// StepOutcome is the persisted result of one executed step.
type StepOutcome struct {
	Success         bool
	Output          string
	Error           string
	CredentialsUsed []int
}

// CompleteStep records a step outcome. Output and error are expected to
// be redacted already (the connector layer does it).
func (s *SessionService) CompleteStep(ctx context.Context, sessionID, stepNumber int, outcome StepOutcome) (*ent.ExecutionStep, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	step, err := s.GetStep(writeCtx, sessionID, stepNumber)
	if err != nil {
		return nil, err
	}

	update := step.Update().
		SetCompleted(true).
		SetSuccess(outcome.Success).
		SetCompletedAt(time.Now())
	if outcome.Output != "" {
		update.SetOutput(outcome.Output)
	}
	if outcome.Error != "" {
		update.SetError(outcome.Error)
	}
	if len(outcome.CredentialsUsed) > 0 {
		update.SetCredentialsUsed(outcome.CredentialsUsed)
	}

	updated, err := update.Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to complete step: %w", err)
	}
	return updated, nil
}

// UpdateStep applies an operator patch to a step. Terminal sessions
// admit no step mutation; approval decisions travel through the
// approval controller, never through this patch path.
func (s *SessionService) UpdateStep(ctx context.Context, sessionID int, req models.UpdateStepRequest) (*ent.ExecutionStep, error) {
	if req.StepNumber <= 0 {
		return nil, NewValidationError("step_number", "required")
	}
	if req.Approved != nil {
		return nil, NewValidationError("approved", "approval decisions go through the approval path")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.client.Tx(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	session, err := tx.ExecutionSession.Get(writeCtx, sessionID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if IsTerminalStatus(session.Status) {
		return nil, fmt.Errorf("%w: session %d is %s", ErrConflict, sessionID, session.Status)
	}

	step, err := tx.ExecutionStep.Query().
		Where(
			executionstep.SessionIDEQ(sessionID),
			executionstep.StepNumberEQ(req.StepNumber),
		).
		Only(writeCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load step: %w", err)
	}

	update := step.Update()
	if req.Completed && !step.Completed {
		update.SetCompleted(true).SetCompletedAt(time.Now())
	}
	if req.Success != nil {
		update.SetSuccess(*req.Success)
	}
	if req.Output != nil {
		update.SetOutput(*req.Output)
	}
	if req.Notes != nil {
		update.SetNotes(*req.Notes)
	}

	updated, err := update.Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to update step: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit step update: %w", err)
	}
	return updated, nil
}

// RecordApproval stores an operator decision on an approval-gated step.
// The step must require approval and still be undecided.
func (s *SessionService) RecordApproval(ctx context.Context, sessionID, stepNumber int, user string, approve bool) (*ent.ExecutionStep, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	step, err := s.GetStep(writeCtx, sessionID, stepNumber)
	if err != nil {
		return nil, err
	}
	if !step.RequiresApproval {
		return nil, NewValidationError("step_number", "step does not require approval")
	}
	if step.Approved != nil {
		return nil, fmt.Errorf("%w: step %d already decided", ErrConflict, stepNumber)
	}

	updated, err := step.Update().
		SetApproved(approve).
		SetApprovedBy(user).
		SetApprovedAt(time.Now()).
		Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to record approval: %w", err)
	}
	return updated, nil
}

// CreateAssignment records an assignment frame published for a session.
// details is the sanitized metadata snapshot that went on the wire.
func (s *SessionService) CreateAssignment(ctx context.Context, sessionID int, details map[string]any, streamID string) (*ent.WorkerAssignment, error) {
	builder := s.client.WorkerAssignment.Create().
		SetSessionID(sessionID).
		SetStatus(workerassignment.StatusPending)
	if details != nil {
		builder.SetDetails(details)
	}
	if streamID != "" {
		builder.SetStreamID(streamID)
	}

	assignment, err := builder.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create assignment: %w", err)
	}
	return assignment, nil
}

// LatestAssignment returns the most recent assignment row for a
// session, or ErrNotFound.
func (s *SessionService) LatestAssignment(ctx context.Context, sessionID int) (*ent.WorkerAssignment, error) {
	assignment, err := s.client.WorkerAssignment.Query().
		Where(workerassignment.SessionIDEQ(sessionID)).
		Order(ent.Desc(workerassignment.FieldCreatedAt), ent.Desc(workerassignment.FieldID)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load assignment: %w", err)
	}
	return assignment, nil
}

// AcknowledgeAssignment marks the latest pending assignment as picked
// up by a worker.
func (s *SessionService) AcknowledgeAssignment(ctx context.Context, sessionID int, workerID string) (*ent.WorkerAssignment, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assignment, err := s.client.WorkerAssignment.Query().
		Where(
			workerassignment.SessionIDEQ(sessionID),
			workerassignment.StatusEQ(workerassignment.StatusPending),
		).
		Order(ent.Desc(workerassignment.FieldCreatedAt), ent.Desc(workerassignment.FieldID)).
		First(writeCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load pending assignment: %w", err)
	}

	updated, err := assignment.Update().
		SetStatus(workerassignment.StatusAcknowledged).
		SetWorkerID(workerID).
		SetAcknowledgedAt(time.Now()).
		Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge assignment: %w", err)
	}

	metrics.WorkerAssignments.WithLabelValues(string(workerassignment.StatusAcknowledged)).Inc()
	return updated, nil
}

// ResetInProgressSessions reverts sessions a dead process left
// in_progress back to pending. Runs once at startup; returns the
// recovered sessions so the caller can publish events for them.
func (s *SessionService) ResetInProgressSessions(ctx context.Context) ([]*ent.ExecutionSession, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	orphans, err := s.client.ExecutionSession.Query().
		Where(executionsession.StatusEQ(executionsession.StatusInProgress)).
		All(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned sessions: %w", err)
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	ids := make([]int, len(orphans))
	for i, o := range orphans {
		ids[i] = o.ID
	}
	_, err = s.client.ExecutionSession.Update().
		Where(
			executionsession.IDIn(ids...),
			executionsession.StatusEQ(executionsession.StatusInProgress),
		).
		SetStatus(executionsession.StatusPending).
		Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to reset orphaned sessions: %w", err)
	}

	for range orphans {
		metrics.SessionStateTransitions.WithLabelValues(
			string(executionsession.StatusInProgress),
			string(executionsession.StatusPending)).Inc()
	}
	return orphans, nil
}

// SoftDeleteOldSessions soft deletes terminal sessions older than the
// retention period.
func (s *SessionService) SoftDeleteOldSessions(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention_days must be positive, got %d", retentionDays)
	}

	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	// Use background context with timeout
	deleteCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := s.client.ExecutionSession.Update().
		Where(
			executionsession.CompletedAtLT(cutoff),
			executionsession.DeletedAtIsNil(),
		).
		SetDeletedAt(time.Now()).
		Save(deleteCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to soft delete sessions: %w", err)
	}
	return count, nil
}
