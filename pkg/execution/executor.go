// Package execution drives runbook sessions to a terminal state. The
// step executor walks the flattened plan through connectors, the
// approval path gates dangerous steps, the rollback engine unwinds
// completed work after a failure, and the resolution verifier
// reconciles the originating ticket. The Controller façade is the
// entry point the HTTP layer consumes.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/ent/executionsession"
	"github.com/runforge/runforge/ent/ticket"
	"github.com/runforge/runforge/pkg/connector"
	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/metadata"
	"github.com/runforge/runforge/pkg/metrics"
	"github.com/runforge/runforge/pkg/services"
)

// defaultStepTimeout bounds steps whose author declared no timeout.
const defaultStepTimeout = 5 * time.Minute

// Executor runs a session's steps sequentially through connectors.
// One session executes in one task; there is no intra-session
// parallelism, which is what serializes its state transitions.
type Executor struct {
	sessions   *services.SessionService
	tickets    *services.TicketService
	runbooks   *services.RunbookService
	publisher  *events.Publisher
	factory    *connector.Factory
	resolver   *metadata.Resolver
	verifier   *Verifier
	discoverer Discoverer
	logger     *slog.Logger

	defaultTimeout time.Duration
}

// NewExecutor creates a step executor.
// verifier may be nil (ticket reconciliation disabled).
// discoverer may be nil (cloud discovery disabled).
func NewExecutor(client *ent.Client, publisher *events.Publisher, factory *connector.Factory, resolver *metadata.Resolver, verifier *Verifier, discoverer Discoverer) *Executor {
	return &Executor{
		sessions:   services.NewSessionService(client),
		tickets:    services.NewTicketService(client),
		runbooks:   services.NewRunbookService(client),
		publisher:  publisher,
		factory:    factory,
		resolver:   resolver,
		verifier:   verifier,
		discoverer: discoverer,
		logger:     slog.With("component", "executor"),

		defaultTimeout: defaultStepTimeout,
	}
}

// SetDefaultStepTimeout overrides the built-in bound for steps whose
// author declared no timeout. Non-positive values are ignored.
func (e *Executor) SetDefaultStepTimeout(d time.Duration) {
	if d > 0 {
		e.defaultTimeout = d
	}
}

// ────────────────────────────────────────────────────────────
// Start — session entry point
// ────────────────────────────────────────────────────────────

// Start moves a pending session into execution and walks its plan to a
// terminal state or an approval gate. Calling it for a session already
// in_progress re-enters the loop at the first not-completed step, which
// is how approvals and resumes continue execution.
func (e *Executor) Start(ctx context.Context, sessionID int) error {
	sess, err := e.sessions.GetSession(ctx, sessionID, false)
	if err != nil {
		return err
	}
	logger := e.logger.With("session_id", sessionID)

	switch sess.Status {
	case executionsession.StatusPending:
		if _, err := e.sessions.TransitionStatus(ctx, sessionID, executionsession.StatusInProgress); err != nil {
			return err
		}
		e.publishTransition(ctx, sessionID, executionsession.StatusPending, executionsession.StatusInProgress, "")
		logger.Info("Executor: starting execution", "total_steps", sess.TotalSteps)
	case executionsession.StatusInProgress:
		logger.Info("Executor: re-entering execution", "current_step", sess.CurrentStep)
	default:
		return fmt.Errorf("%w: cannot execute session in status %s", services.ErrConflict, sess.Status)
	}

	return e.advance(ctx, sess)
}

// advance walks not-completed steps in order, parking at approval
// gates, failing the session on the first step failure, and finishing
// when the plan is exhausted.
func (e *Executor) advance(ctx context.Context, sess *ent.ExecutionSession) error {
	after := 0
	for {
		step, err := e.sessions.NextPendingStep(ctx, sess.ID, after)
		if err != nil {
			return err
		}
		if step == nil {
			return e.finish(ctx, sess)
		}

		if step.RequiresApproval {
			switch {
			case step.Approved == nil:
				return e.enterApprovalGate(ctx, sess.ID, step)
			case !*step.Approved:
				// A rejected step left pending means the rejection path
				// was interrupted; finish the job here.
				return e.failSession(ctx, sess, step, connector.Result{
					Error:    fmt.Sprintf("step %d was rejected", step.StepNumber),
					ExitCode: -1,
				})
			}
		}

		ok, err := e.runStep(ctx, sess, step)
		if err != nil {
			return err
		}
		if !ok {
			// runStep drove the failure path; the session is terminal.
			return nil
		}
		after = step.StepNumber
	}
}

// ────────────────────────────────────────────────────────────
// runStep — single step protocol
// ────────────────────────────────────────────────────────────

// runStep executes one step end to end: connection resolution,
// connector dispatch, outcome persistence, events. Returns false when
// the step failed and the session was driven to failed.
func (e *Executor) runStep(ctx context.Context, sess *ent.ExecutionSession, step *ent.ExecutionStep) (bool, error) {
	logger := e.logger.With(
		"session_id", sess.ID,
		"step_number", step.StepNumber,
		"step_type", step.StepType,
	)

	if err := e.sessions.MarkStarted(ctx, sess.ID); err != nil {
		return false, err
	}
	if err := e.sessions.SetCurrentStep(ctx, sess.ID, step.StepNumber); err != nil {
		return false, err
	}

	var res connector.Result
	kind := connector.KindLocal

	cfg, credentialIDs, err := e.resolveConnection(ctx, sess)
	if err != nil {
		// An unresolvable target is a step failure, not an orchestrator
		// crash; the failure path below handles it like any other.
		logger.Error("Connection resolution failed", "error", err)
		res = connector.Result{Error: "connection resolution: " + err.Error(), ExitCode: -1}
	} else {
		if k := cfg.ConnectorType(); k != "" {
			kind = k
		}
		if err := e.sessions.SetTransportChannel(ctx, sess.ID, string(kind)); err != nil {
			return false, err
		}

		if err := e.publisher.CommandStarted(ctx, sess.ID, events.CommandStartedPayload{
			StepNumber: step.StepNumber,
		}); err != nil {
			logger.Warn("Failed to publish command started event", "error", err)
		}

		started := time.Now()
		res = e.executeCommand(ctx, step.Command, cfg, e.stepTimeout(step))
		metrics.StepDuration.WithLabelValues(string(kind)).Observe(time.Since(started).Seconds())
		if res.DurationMS == 0 {
			res.DurationMS = time.Since(started).Milliseconds()
		}
	}

	if _, err := e.sessions.CompleteStep(ctx, sess.ID, step.StepNumber, services.StepOutcome{
		Success:         res.Success,
		Output:          res.Output,
		Error:           res.Error,
		CredentialsUsed: credentialIDs,
	}); err != nil {
		return false, err
	}

	if err := e.publisher.CommandCompleted(ctx, sess.ID, events.CommandCompletedPayload{
		StepNumber: step.StepNumber,
		Success:    res.Success,
		ExitCode:   res.ExitCode,
		Output:     res.Output,
		Error:      res.Error,
		DurationMS: res.DurationMS,
	}); err != nil {
		logger.Warn("Failed to publish command completed event", "error", err)
	}
	if err := e.publisher.StepCompleted(ctx, sess.ID, events.StepCompletedPayload{
		StepNumber: step.StepNumber,
		StepType:   string(step.StepType),
		Success:    res.Success,
	}); err != nil {
		logger.Warn("Failed to publish step completed event", "error", err)
	}

	if !res.Success {
		logger.Warn("Step failed", "exit_code", res.ExitCode, "error", res.Error)
		return false, e.failSession(ctx, sess, step, res)
	}

	logger.Info("Step completed", "connector", kind, "duration_ms", res.DurationMS)
	return true, nil
}

// executeCommand dispatches to the connector, containing panics so a
// transport bug surfaces as a step failure instead of killing the
// session's task.
func (e *Executor) executeCommand(ctx context.Context, command string, cfg connector.Config, timeout time.Duration) (res connector.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = connector.Result{Error: fmt.Sprintf("connector panic: %v", r), ExitCode: -1}
		}
	}()

	conn, err := e.factory.For(cfg)
	if err != nil {
		return connector.Result{Error: err.Error(), ExitCode: -1}
	}
	return conn.Execute(ctx, command, cfg, timeout)
}

func (e *Executor) stepTimeout(step *ent.ExecutionStep) time.Duration {
	if step.TimeoutSeconds != nil && *step.TimeoutSeconds > 0 {
		return time.Duration(*step.TimeoutSeconds) * time.Second
	}
	return e.defaultTimeout
}

// ────────────────────────────────────────────────────────────
// Terminal paths
// ────────────────────────────────────────────────────────────

// enterApprovalGate parks the session at an approval-required step.
func (e *Executor) enterApprovalGate(ctx context.Context, sessionID int, step *ent.ExecutionStep) error {
	if _, err := e.sessions.EnterApprovalGate(ctx, sessionID, step.StepNumber); err != nil {
		return err
	}
	e.publishTransition(ctx, sessionID, executionsession.StatusInProgress, executionsession.StatusWaitingApproval, "")

	if err := e.publisher.WaitingApproval(ctx, sessionID, events.WaitingApprovalPayload{
		StepNumber:  step.StepNumber,
		Command:     step.Command,
		BlastRadius: string(step.BlastRadius),
		Reason:      step.Description,
	}); err != nil {
		e.logger.Warn("Failed to publish waiting approval event", "session_id", sessionID, "error", err)
	}

	e.logger.Info("Executor: waiting for approval",
		"session_id", sessionID,
		"step_number", step.StepNumber,
		"blast_radius", step.BlastRadius,
	)
	return nil
}

// failSession is the single failure path: terminal status, failure
// events, rollback sweep, ticket escalation. The returned error covers
// orchestrator-side persistence only; the step's own failure is already
// recorded on its row.
func (e *Executor) failSession(ctx context.Context, sess *ent.ExecutionSession, step *ent.ExecutionStep, res connector.Result) error {
	if _, err := e.sessions.TransitionStatus(ctx, sess.ID, executionsession.StatusFailed); err != nil {
		return err
	}
	reason := failureReason(step, res)
	e.publishTransition(ctx, sess.ID, executionsession.StatusInProgress, executionsession.StatusFailed, reason)

	stepNumber := step.StepNumber
	if err := e.publisher.SessionFailed(ctx, sess.ID, events.SessionFailedPayload{
		Reason:     reason,
		StepNumber: &stepNumber,
	}); err != nil {
		e.logger.Warn("Failed to publish session failed event", "session_id", sess.ID, "error", err)
	}

	if err := e.Rollback(ctx, sess.ID); err != nil {
		e.logger.Error("Rollback sweep failed", "session_id", sess.ID, "error", err)
	}

	e.escalateTicket(ctx, sess)
	return nil
}

func failureReason(step *ent.ExecutionStep, res connector.Result) string {
	if res.Error != "" {
		return res.Error
	}
	return fmt.Sprintf("step %d exited with code %d", step.StepNumber, res.ExitCode)
}

// escalateTicket moves the originating ticket to escalated. Best
// effort: a ticket write failure never masks the session outcome.
func (e *Executor) escalateTicket(ctx context.Context, sess *ent.ExecutionSession) {
	if sess.TicketID == nil {
		return
	}
	if _, err := e.tickets.SetStatus(ctx, *sess.TicketID, ticket.StatusEscalated); err != nil {
		e.logger.Error("Failed to escalate ticket",
			"session_id", sess.ID, "ticket_id", *sess.TicketID, "error", err)
	}
}

// finish completes a session whose plan is exhausted and hands the
// outcome to the resolution verifier.
func (e *Executor) finish(ctx context.Context, sess *ent.ExecutionSession) error {
	updated, err := e.sessions.FinishSession(ctx, sess.ID)
	if err != nil {
		return err
	}
	e.publishTransition(ctx, sess.ID, executionsession.StatusInProgress, executionsession.StatusCompleted, "")

	duration := 0
	if updated.TotalDurationMinutes != nil {
		duration = *updated.TotalDurationMinutes
	}
	if err := e.publisher.SessionCompleted(ctx, sess.ID, events.SessionCompletedPayload{
		Status:               string(executionsession.StatusCompleted),
		TotalDurationMinutes: duration,
		StepsCompleted:       updated.TotalSteps,
	}); err != nil {
		e.logger.Warn("Failed to publish session completed event", "session_id", sess.ID, "error", err)
	}

	e.logger.Info("Executor: session completed",
		"session_id", sess.ID,
		"total_steps", updated.TotalSteps,
		"duration_minutes", duration,
	)

	if e.verifier != nil {
		if _, err := e.verifier.Evaluate(ctx, sess.ID); err != nil {
			e.logger.Error("Resolution verification failed", "session_id", sess.ID, "error", err)
		}
	}
	return nil
}

// publishTransition records a status change on the timeline. Best
// effort: losing a live event does not abort the step protocol.
func (e *Executor) publishTransition(ctx context.Context, sessionID int, from, to executionsession.Status, reason string) {
	if err := e.publisher.StateTransition(ctx, sessionID, events.StateTransitionPayload{
		From:   string(from),
		To:     string(to),
		Reason: reason,
	}); err != nil {
		e.logger.Warn("Failed to publish state transition",
			"session_id", sessionID, "from", from, "to", to, "error", err)
	}
}
