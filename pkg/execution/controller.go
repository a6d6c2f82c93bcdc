package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/ent/executionsession"
	entrunbook "github.com/runforge/runforge/ent/runbook"
	"github.com/runforge/runforge/ent/ticket"
	"github.com/runforge/runforge/pkg/bus"
	"github.com/runforge/runforge/pkg/connector"
	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/idempotency"
	"github.com/runforge/runforge/pkg/metadata"
	"github.com/runforge/runforge/pkg/metrics"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/redact"
	"github.com/runforge/runforge/pkg/runbook"
	"github.com/runforge/runforge/pkg/services"
)

// Controller is the single entry point for session lifecycle operations.
// The API layer and the orchestrator loop both go through it; nothing
// else creates, controls, or finishes sessions.
type Controller struct {
	sessions *services.SessionService
	tickets  *services.TicketService
	runbooks *services.RunbookService
	eventLog *services.EventService

	executor  *Executor
	publisher *events.Publisher

	bus      bus.Bus
	streams  bus.StreamNames
	idem     *idempotency.Manager
	resolver *metadata.Resolver

	// orchestration gates the worker streams: when false, sessions run
	// in-process only and manual command submission is refused.
	orchestration bool

	logger *slog.Logger
}

// ControllerConfig carries the controller's collaborators.
type ControllerConfig struct {
	Client        *ent.Client
	Publisher     *events.Publisher
	Executor      *Executor
	Bus           bus.Bus
	Streams       bus.StreamNames
	Idempotency   *idempotency.Manager
	Resolver      *metadata.Resolver
	Orchestration bool
}

// NewController creates a session controller.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		sessions:      services.NewSessionService(cfg.Client),
		tickets:       services.NewTicketService(cfg.Client),
		runbooks:      services.NewRunbookService(cfg.Client),
		eventLog:      services.NewEventService(cfg.Client),
		executor:      cfg.Executor,
		publisher:     cfg.Publisher,
		bus:           cfg.Bus,
		streams:       cfg.Streams,
		idem:          cfg.Idempotency,
		resolver:      cfg.Resolver,
		orchestration: cfg.Orchestration,
		logger:        slog.With("component", "controller"),
	}
}

// ────────────────────────────────────────────────────────────
// Session creation
// ────────────────────────────────────────────────────────────

// CreateSession validates the runbook, expands it into steps, persists
// the session, and announces it. When the request carries an
// idempotency key, a repeated call folds into the session the first
// call created instead of making a second one.
func (c *Controller) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*ent.ExecutionSession, error) {
	if req.IdempotencyKey == "" {
		return c.buildSession(ctx, req)
	}

	existing, reserved, err := c.idem.Reserve(ctx, idempotency.ScopeSessionCreate, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		if existing != "" {
			return c.existingSession(ctx, existing)
		}
		// Another submission holds the reservation. Wait for its
		// commit rather than racing it.
		committed, err := c.idem.WaitCommitted(ctx, idempotency.ScopeSessionCreate, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if committed != "" {
			return c.existingSession(ctx, committed)
		}
		// The holder released without committing (its create failed);
		// take over the key.
		_, reserved, err = c.idem.Reserve(ctx, idempotency.ScopeSessionCreate, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if !reserved {
			return nil, fmt.Errorf("%w: concurrent session creation for key %s",
				services.ErrConflict, req.IdempotencyKey)
		}
	}

	sess, err := c.buildSession(ctx, req)
	if err != nil {
		if relErr := c.idem.Release(ctx, idempotency.ScopeSessionCreate, req.IdempotencyKey); relErr != nil {
			c.logger.Warn("Failed to release idempotency reservation",
				"key", req.IdempotencyKey, "error", relErr)
		}
		return nil, err
	}
	if err := c.idem.Commit(ctx, idempotency.ScopeSessionCreate, req.IdempotencyKey, strconv.Itoa(sess.ID)); err != nil {
		c.logger.Warn("Failed to commit idempotency key",
			"key", req.IdempotencyKey, "session_id", sess.ID, "error", err)
	}
	return sess, nil
}

func (c *Controller) buildSession(ctx context.Context, req models.CreateSessionRequest) (*ent.ExecutionSession, error) {
	rb, err := c.runbooks.GetTenantRunbook(ctx, req.TenantID, req.RunbookID)
	if err != nil {
		return nil, err
	}
	if rb.Status != entrunbook.StatusApproved {
		return nil, fmt.Errorf("%w: runbook %d is %s, only approved runbooks execute",
			services.ErrConflict, rb.ID, rb.Status)
	}

	body := rb.Body
	if req.TicketID != nil {
		tkt, err := c.tickets.GetTicket(ctx, *req.TicketID)
		switch {
		case err == nil:
			body = runbook.Normalize(body, runbook.ExtractFacts(tkt.Description, tkt.MetaData))
		case !errors.Is(err, services.ErrNotFound):
			return nil, err
		}
	}

	plan, err := runbook.Parse(body)
	if err != nil {
		return nil, services.NewValidationError("runbook", err.Error())
	}

	// The stored snapshot is display material; the resolution chain
	// re-reads live sources, so masking here loses nothing.
	if req.Metadata != nil {
		req.Metadata = redact.Sanitize(req.Metadata)
	}

	sess, err := c.sessions.CreateSession(ctx, req, plan)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Controller: session created",
		"session_id", sess.ID,
		"runbook_id", sess.RunbookID,
		"total_steps", sess.TotalSteps,
		"sandbox_profile", sess.SandboxProfile,
	)

	c.publishAssignment(ctx, sess)

	if err := c.publisher.SessionCreated(ctx, sess.ID, events.SessionCreatedPayload{
		RunbookID:      sess.RunbookID,
		TicketID:       sess.TicketID,
		TotalSteps:     sess.TotalSteps,
		SandboxProfile: string(sess.SandboxProfile),
	}); err != nil {
		c.logger.Warn("Failed to publish session created event",
			"session_id", sess.ID, "error", err)
	}
	return sess, nil
}

// publishAssignment offers the session to workers and records the offer.
// Best effort: a transport failure leaves the session runnable in
// process, it never unwinds the create.
func (c *Controller) publishAssignment(ctx context.Context, sess *ent.ExecutionSession) {
	frame := models.AssignmentFrame{
		SessionID:  sess.ID,
		TenantID:   sess.TenantID,
		RunbookID:  sess.RunbookID,
		TicketID:   sess.TicketID,
		Profile:    string(sess.SandboxProfile),
		TotalSteps: sess.TotalSteps,
		Metadata:   redact.Sanitize(sess.SessionMetadata),
	}

	streamID := ""
	if c.orchestration {
		payload, err := json.Marshal(frame)
		if err != nil {
			c.logger.Error("Failed to marshal assignment frame",
				"session_id", sess.ID, "error", err)
			return
		}
		streamID, err = c.bus.Publish(ctx, c.streams.Assign, payload)
		if err != nil {
			c.logger.Error("Failed to publish assignment frame",
				"session_id", sess.ID, "error", err)
			metrics.WorkerAssignments.WithLabelValues("failed").Inc()
			return
		}
		metrics.WorkerAssignments.WithLabelValues("published").Inc()
	}

	if _, err := c.sessions.CreateAssignment(ctx, sess.ID, frame.Metadata, streamID); err != nil {
		c.logger.Error("Failed to record assignment",
			"session_id", sess.ID, "error", err)
	}
}

func (c *Controller) existingSession(ctx context.Context, committed string) (*ent.ExecutionSession, error) {
	id, err := strconv.Atoi(committed)
	if err != nil {
		return nil, fmt.Errorf("corrupt idempotency value %q: %w", committed, err)
	}
	return c.sessions.GetSession(ctx, id, false)
}

// ────────────────────────────────────────────────────────────
// Reads and passthroughs
// ────────────────────────────────────────────────────────────

// Start begins (or re-enters) execution of a session.
func (c *Controller) Start(ctx context.Context, sessionID int) error {
	return c.executor.Start(ctx, sessionID)
}

// GetSession returns one session, optionally with its steps loaded.
func (c *Controller) GetSession(ctx context.Context, sessionID int, withSteps bool) (*ent.ExecutionSession, error) {
	return c.sessions.GetSession(ctx, sessionID, withSteps)
}

// ListSessions returns sessions matching the filters.
func (c *Controller) ListSessions(ctx context.Context, filters models.SessionFilters) (*models.SessionListResponse, error) {
	return c.sessions.ListSessions(ctx, filters)
}

// ListSessionEvents returns the session's event timeline after sinceID.
func (c *Controller) ListSessionEvents(ctx context.Context, sessionID, sinceID, limit int) (*models.EventsResponse, error) {
	if _, err := c.sessions.GetSession(ctx, sessionID, false); err != nil {
		return nil, err
	}
	return c.eventLog.List(ctx, sessionID, sinceID, limit)
}

// UpdateStep patches a step. Approval decisions route through the
// executor so the session moves; everything else is a plain update.
func (c *Controller) UpdateStep(ctx context.Context, sessionID int, req models.UpdateStepRequest) (*ent.ExecutionStep, error) {
	if req.Approved != nil {
		return c.executor.Approve(ctx, sessionID, models.ApprovalRequest{
			StepNumber: req.StepNumber,
			Approve:    *req.Approved,
			User:       req.ApprovedBy,
		})
	}
	return c.sessions.UpdateStep(ctx, sessionID, req)
}

// Approve records an approval decision for a gated step.
func (c *Controller) Approve(ctx context.Context, sessionID int, req models.ApprovalRequest) (*ent.ExecutionStep, error) {
	return c.executor.Approve(ctx, sessionID, req)
}

// ────────────────────────────────────────────────────────────
// Manual commands
// ────────────────────────────────────────────────────────────

// SubmitManualCommand publishes an ad-hoc command onto the session's
// command stream. Duplicate submissions (same idempotency key, or the
// same command content when no key is given) return the original
// stream id instead of publishing twice.
func (c *Controller) SubmitManualCommand(ctx context.Context, sessionID int, req models.ManualCommandRequest) (*models.ManualCommandResponse, error) {
	if req.Command == "" {
		return nil, services.NewValidationError("command", "command is required")
	}
	if !c.orchestration {
		return nil, fmt.Errorf("%w: worker orchestration is disabled", services.ErrConflict)
	}
	sess, err := c.sessions.GetSession(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	if services.IsTerminalStatus(sess.Status) {
		return nil, fmt.Errorf("%w: session %d is %s", services.ErrConflict, sessionID, sess.Status)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = commandKey(sessionID, req)
	}

	existing, reserved, err := c.idem.Reserve(ctx, idempotency.ScopeSessionCommand, key)
	if err != nil {
		return nil, err
	}
	if !reserved {
		if existing == "" {
			existing, err = c.idem.WaitCommitted(ctx, idempotency.ScopeSessionCommand, key)
			if err != nil {
				return nil, err
			}
		}
		if existing != "" {
			return &models.ManualCommandResponse{
				SessionID:      sessionID,
				StreamID:       existing,
				IdempotencyKey: key,
				Duplicate:      true,
			}, nil
		}
		return nil, fmt.Errorf("%w: command submission already in flight", services.ErrConflict)
	}

	resp, err := c.publishCommand(ctx, sess, req, key)
	if err != nil {
		if relErr := c.idem.Release(ctx, idempotency.ScopeSessionCommand, key); relErr != nil {
			c.logger.Warn("Failed to release command reservation", "key", key, "error", relErr)
		}
		return nil, err
	}
	if err := c.idem.Commit(ctx, idempotency.ScopeSessionCommand, key, resp.StreamID); err != nil {
		c.logger.Warn("Failed to commit command key",
			"key", key, "stream_id", resp.StreamID, "error", err)
	}
	return resp, nil
}

// commandKey derives a stable key from the command content so retried
// submissions without an explicit key still deduplicate.
func commandKey(sessionID int, req models.ManualCommandRequest) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%s|%s",
		sessionID, req.Command, req.Shell, req.RunAs, req.Reason)))
	return hex.EncodeToString(sum[:])
}

// publishCommand hydrates connection material and puts the frame on the
// command stream. The frame carries real credential material because
// workers need it; sanitization applies to the event payload and the
// API response, never the wire frame.
func (c *Controller) publishCommand(ctx context.Context, sess *ent.ExecutionSession, req models.ManualCommandRequest, key string) (*models.ManualCommandResponse, error) {
	meta := c.assignmentMetadata(ctx, sess.ID)
	hydrated, _, err := c.resolver.Hydrate(ctx, sess.TenantID, meta)
	if err != nil {
		return nil, err
	}

	frame := models.CommandFrame{
		SessionID:      sess.ID,
		Command:        req.Command,
		Shell:          req.Shell,
		RunAs:          req.RunAs,
		Reason:         req.Reason,
		TimeoutSeconds: req.TimeoutSeconds,
		UserID:         req.UserID,
		IdempotencyKey: key,
		Metadata:       hydrated,
	}
	if conn, ok := hydrated["connection"].(map[string]any); ok {
		frame.Connection = conn
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	streamID, err := c.bus.Publish(ctx, c.streams.Command, payload)
	if err != nil {
		return nil, err
	}

	if err := c.publisher.CommandRequested(ctx, sess.ID, events.CommandRequestedPayload{
		StepNumber:     sess.CurrentStep,
		Command:        req.Command,
		Shell:          req.Shell,
		RunAs:          req.RunAs,
		Reason:         req.Reason,
		TimeoutSeconds: req.TimeoutSeconds,
		Connector:      connector.Config(frame.Connection).Str("connector_type"),
		IdempotencyKey: key,
	}); err != nil {
		c.logger.Warn("Failed to publish command requested event",
			"session_id", sess.ID, "error", err)
	}

	c.logger.Info("Controller: manual command published",
		"session_id", sess.ID, "stream_id", streamID)

	return &models.ManualCommandResponse{
		SessionID:      sess.ID,
		StreamID:       streamID,
		IdempotencyKey: key,
		Metadata:       redact.Sanitize(hydrated),
	}, nil
}

// assignmentMetadata recovers the session's connection metadata from its
// latest assignment snapshot.
func (c *Controller) assignmentMetadata(ctx context.Context, sessionID int) map[string]any {
	assignment, err := c.sessions.LatestAssignment(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			c.logger.Warn("Failed to load latest assignment",
				"session_id", sessionID, "error", err)
		}
		return map[string]any{}
	}
	return pruneMasked(assignment.Details)
}

// pruneMasked strips masked placeholders from a sanitized snapshot.
// Snapshots are sanitized before persisting; dropping the placeholders
// lets hydration re-resolve real material instead of sending "***"
// down the wire.
func pruneMasked(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			if val == redact.Redacted {
				continue
			}
			out[k] = val
		case map[string]any:
			out[k] = pruneMasked(val)
		default:
			out[k] = v
		}
	}
	return out
}

// ────────────────────────────────────────────────────────────
// Control verbs
// ────────────────────────────────────────────────────────────

// Control applies a pause, resume, or rollback verb to a session.
func (c *Controller) Control(ctx context.Context, sessionID int, req models.ControlRequest) (*ent.ExecutionSession, error) {
	switch req.Action {
	case models.ControlPause:
		return c.pause(ctx, sessionID, req.Reason)
	case models.ControlResume:
		return c.resume(ctx, sessionID)
	case models.ControlRollback:
		return c.rollback(ctx, sessionID, req.Reason)
	default:
		return nil, services.NewValidationError("action", fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (c *Controller) pause(ctx context.Context, sessionID int, reason string) (*ent.ExecutionSession, error) {
	before, err := c.sessions.GetSession(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	sess, err := c.sessions.PauseSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.publishTransition(ctx, sessionID, string(before.Status), string(executionsession.StatusPaused), reason)
	c.logger.Info("Controller: session paused", "session_id", sessionID)
	return sess, nil
}

func (c *Controller) resume(ctx context.Context, sessionID int) (*ent.ExecutionSession, error) {
	sess, err := c.sessions.ResumeSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.publishTransition(ctx, sessionID, string(executionsession.StatusPaused), string(sess.Status), "")
	c.logger.Info("Controller: session resumed",
		"session_id", sessionID, "status", sess.Status)

	// A session resumed into in_progress picks execution back up; one
	// resumed into waiting_approval just waits again.
	if sess.Status == executionsession.StatusInProgress {
		if err := c.executor.Start(ctx, sessionID); err != nil {
			return nil, err
		}
		return c.sessions.GetSession(ctx, sessionID, false)
	}
	return sess, nil
}

func (c *Controller) rollback(ctx context.Context, sessionID int, reason string) (*ent.ExecutionSession, error) {
	sess, err := c.sessions.GetSession(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	if sess.Status != executionsession.StatusPaused && sess.Status != executionsession.StatusFailed {
		return nil, fmt.Errorf("%w: cannot roll back session in status %s",
			services.ErrConflict, sess.Status)
	}
	prior := sess.Status

	if err := c.executor.Rollback(ctx, sessionID); err != nil {
		return nil, err
	}
	updated, err := c.sessions.TransitionStatus(ctx, sessionID, executionsession.StatusRolledBack)
	if err != nil {
		return nil, err
	}
	c.publishTransition(ctx, sessionID, string(prior), string(executionsession.StatusRolledBack), reason)
	c.logger.Info("Controller: session rolled back", "session_id", sessionID)
	return updated, nil
}

// Complete attaches operator feedback to a session. Terminal sessions
// accept feedback overwrites; nothing else about them may change.
func (c *Controller) Complete(ctx context.Context, sessionID int, req models.CompleteSessionRequest) (*ent.ExecutionSession, error) {
	return c.sessions.RecordFeedback(ctx, sessionID, req)
}

// Abandon marks a session abandoned and escalates its ticket. Works
// from any live status; terminal sessions conflict.
func (c *Controller) Abandon(ctx context.Context, sessionID int, reason string) (*ent.ExecutionSession, error) {
	sess, err := c.sessions.GetSession(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	if services.IsTerminalStatus(sess.Status) {
		return nil, fmt.Errorf("%w: session %d is already %s",
			services.ErrConflict, sessionID, sess.Status)
	}
	prior := sess.Status

	updated, err := c.sessions.TransitionStatus(ctx, sessionID, executionsession.StatusAbandoned)
	if err != nil {
		return nil, err
	}
	c.publishTransition(ctx, sessionID, string(prior), string(executionsession.StatusAbandoned), reason)

	if sess.TicketID != nil {
		if _, err := c.tickets.SetStatus(ctx, *sess.TicketID, ticket.StatusEscalated); err != nil {
			c.logger.Error("Failed to escalate ticket for abandoned session",
				"session_id", sessionID, "ticket_id", *sess.TicketID, "error", err)
		}
	}
	c.logger.Info("Controller: session abandoned", "session_id", sessionID)
	return updated, nil
}

// RecoverOrphans requeues sessions left in_progress by a crashed
// orchestrator. Called once during startup, before the API accepts
// traffic.
func (c *Controller) RecoverOrphans(ctx context.Context) (int, error) {
	orphans, err := c.sessions.ResetInProgressSessions(ctx)
	if err != nil {
		return 0, err
	}
	for _, sess := range orphans {
		c.publishTransition(ctx, sess.ID,
			string(executionsession.StatusInProgress), string(executionsession.StatusPending),
			"orchestrator restart")
		c.logger.Warn("Recovered orphaned session", "session_id", sess.ID)
	}
	return len(orphans), nil
}

func (c *Controller) publishTransition(ctx context.Context, sessionID int, from, to, reason string) {
	if err := c.publisher.StateTransition(ctx, sessionID, events.StateTransitionPayload{
		From:   from,
		To:     to,
		Reason: reason,
	}); err != nil {
		c.logger.Warn("Failed to publish state transition event",
			"session_id", sessionID, "from", from, "to", to, "error", err)
	}
}
