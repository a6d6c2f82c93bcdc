package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/ent/executionsession"
	"github.com/runforge/runforge/ent/executionstep"
	"github.com/runforge/runforge/ent/ticket"
	"github.com/runforge/runforge/pkg/services"
)

// StatusPusher propagates a ticket status change back to the external
// ticketing tool it came from. Implemented by the ticketing package;
// a nil pusher disables pushes and the local row stays authoritative.
type StatusPusher interface {
	PushStatus(ctx context.Context, conn *ent.ToolConnection, tkt *ent.Ticket, status string, comment string) error
}

// Verdict is the automated resolution assessment for a finished session.
type Verdict struct {
	Resolved    bool    `json:"resolved"`
	Confidence  float64 `json:"confidence"`
	Method      string  `json:"method"`
	SuccessRate float64 `json:"success_rate"`
}

// Verifier scores terminal sessions and reconciles their tickets.
type Verifier struct {
	sessions    *services.SessionService
	tickets     *services.TicketService
	connections *services.ConnectionService
	pusher      StatusPusher
	logger      *slog.Logger
}

// NewVerifier creates a verifier backed by the given database client.
// pusher may be nil (external status pushes disabled).
func NewVerifier(client *ent.Client, pusher StatusPusher) *Verifier {
	return &Verifier{
		sessions:    services.NewSessionService(client),
		tickets:     services.NewTicketService(client),
		connections: services.NewConnectionService(client),
		pusher:      pusher,
		logger:      slog.With("component", "verifier"),
	}
}

// Evaluate scores a terminal session and, when it was driven by a
// ticket, moves the ticket to the status the verdict implies. Calling
// it on a live session is a conflict.
func (v *Verifier) Evaluate(ctx context.Context, sessionID int) (*Verdict, error) {
	sess, err := v.sessions.GetSession(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	if !services.IsTerminalStatus(sess.Status) {
		return nil, fmt.Errorf("%w: session %d is still %s", services.ErrConflict, sessionID, sess.Status)
	}

	verdict := v.verdictFor(ctx, sess)
	v.logger.Info("Verifier: session evaluated",
		"session_id", sessionID,
		"status", sess.Status,
		"resolved", verdict.Resolved,
		"confidence", verdict.Confidence,
		"success_rate", verdict.SuccessRate,
	)

	if sess.TicketID != nil {
		if err := v.reconcileTicket(ctx, sess, *sess.TicketID, verdict); err != nil {
			return verdict, err
		}
	}
	return verdict, nil
}

func (v *Verifier) verdictFor(ctx context.Context, sess *ent.ExecutionSession) *Verdict {
	if sess.Status == executionsession.StatusCompleted {
		return v.scoreSteps(ctx, sess.ID)
	}
	// Failure states speak for themselves.
	return &Verdict{Resolved: false, Confidence: 0.9, Method: "terminal_status"}
}

// scoreSteps derives a verdict from step outcomes. Postchecks are the
// runbook's own verification, so a perfect run only counts as resolved
// when every postcheck passed too.
func (v *Verifier) scoreSteps(ctx context.Context, sessionID int) *Verdict {
	steps, err := v.sessions.ListSteps(ctx, sessionID)
	if err != nil || len(steps) == 0 {
		if err != nil {
			v.logger.Warn("Verifier: failed to load steps, assuming ambiguous outcome",
				"session_id", sessionID, "error", err)
		}
		return &Verdict{Resolved: false, Confidence: 0.5, Method: "step_analysis"}
	}

	total, successful := 0, 0
	postchecks, postchecksOK := 0, 0
	for _, step := range steps {
		total++
		ok := step.Completed && step.Success != nil && *step.Success
		if ok {
			successful++
		}
		if step.StepType == executionstep.StepTypePostcheck {
			postchecks++
			if ok {
				postchecksOK++
			}
		}
	}

	rate := float64(successful) / float64(total)
	verdict := &Verdict{Method: "step_analysis", SuccessRate: rate}
	switch {
	case rate == 1.0 && postchecksOK == postchecks:
		verdict.Resolved = true
		verdict.Confidence = 0.9
	case rate >= 0.8:
		verdict.Resolved = true
		verdict.Confidence = 0.7
	case rate >= 0.5:
		// Ambiguous outcome, leave it for manual review.
		verdict.Resolved = false
		verdict.Confidence = 0.5
	default:
		verdict.Resolved = false
		verdict.Confidence = 0.9
	}
	return verdict
}

// ────────────────────────────────────────────────────────────
// Ticket reconciliation
// ────────────────────────────────────────────────────────────

func (v *Verifier) reconcileTicket(ctx context.Context, sess *ent.ExecutionSession, ticketID int, verdict *Verdict) error {
	tkt, err := v.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil
		}
		return err
	}

	status := ticketStatus(sess.Status, verdict, tkt)
	comment := ticketComment(sess, verdict)

	updated, err := v.tickets.SetStatus(ctx, ticketID, status)
	if err != nil {
		return err
	}
	v.logger.Info("Verifier: ticket reconciled",
		"session_id", sess.ID,
		"ticket_id", ticketID,
		"ticket_status", status,
	)

	v.pushStatus(ctx, updated, string(status), comment)
	return nil
}

func ticketStatus(sessionStatus executionsession.Status, verdict *Verdict, tkt *ent.Ticket) ticket.Status {
	// A false-positive classification overrides everything.
	if tkt.Classification != nil && *tkt.Classification == "false_positive" {
		return ticket.StatusClosed
	}
	switch sessionStatus {
	case executionsession.StatusCompleted:
		if verdict.Resolved {
			return ticket.StatusResolved
		}
		if verdict.Confidence >= 0.8 {
			// High-confidence failure, a human takes over.
			return ticket.StatusEscalated
		}
		return ticket.StatusInProgress
	case executionsession.StatusRejected:
		return ticket.StatusInProgress
	case executionsession.StatusFailed,
		executionsession.StatusRolledBack,
		executionsession.StatusAbandoned:
		return ticket.StatusEscalated
	default:
		return ticket.StatusInProgress
	}
}

func ticketComment(sess *ent.ExecutionSession, verdict *Verdict) string {
	if verdict.Resolved {
		return fmt.Sprintf("Automated remediation completed (%d steps, confidence %.1f).",
			sess.TotalSteps, verdict.Confidence)
	}
	return fmt.Sprintf("Automated remediation ended in %s (confidence %.1f); manual follow-up required.",
		sess.Status, verdict.Confidence)
}

// pushStatus propagates the new status to the ticket's source tool.
// Best effort: the local row is the source of truth and a push failure
// never unwinds the reconciliation.
func (v *Verifier) pushStatus(ctx context.Context, tkt *ent.Ticket, status, comment string) {
	if v.pusher == nil || tkt.Source == "" || tkt.Source == "manual" {
		return
	}
	conn, err := v.connections.ActivePollConnection(ctx, tkt.TenantID, tkt.Source)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			v.logger.Warn("Verifier: failed to look up tool connection",
				"ticket_id", tkt.ID, "source", tkt.Source, "error", err)
		}
		return
	}
	if err := v.pusher.PushStatus(ctx, conn, tkt, status, comment); err != nil {
		v.logger.Warn("Verifier: status push failed",
			"ticket_id", tkt.ID, "source", tkt.Source, "error", err)
	}
}
