// Package models contains request/response models and business domain types.
package models

import (
	"github.com/runforge/runforge/ent"
)

// CreateSessionRequest contains fields for creating a new execution session
type CreateSessionRequest struct {
	TenantID       int            `json:"tenant_id"`
	RunbookID      int            `json:"runbook_id"`
	TicketID       *int           `json:"ticket_id,omitempty"`
	UserID         *int           `json:"user_id,omitempty"`
	Issue          string         `json:"issue,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// SessionFilters contains filtering options for listing sessions
type SessionFilters struct {
	TenantID int    `json:"tenant_id,omitempty"`
	Status   string `json:"status,omitempty"`
	TicketID int    `json:"ticket_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// SessionResponse wraps an ExecutionSession with optional loaded edges
type SessionResponse struct {
	*ent.ExecutionSession
	// Steps and events can be accessed via ExecutionSession.Edges when loaded
}

// SessionListResponse contains paginated session list
type SessionListResponse struct {
	Sessions   []*ent.ExecutionSession `json:"sessions"`
	TotalCount int                     `json:"total_count"`
	Limit      int                     `json:"limit"`
	Offset     int                     `json:"offset"`
}

// ControlAction is a session control verb accepted by the controller.
type ControlAction string

const (
	ControlPause    ControlAction = "pause"
	ControlResume   ControlAction = "resume"
	ControlRollback ControlAction = "rollback"
)

// ControlRequest contains fields for pause/resume/rollback of a session
type ControlRequest struct {
	Action ControlAction `json:"action"`
	Reason string        `json:"reason,omitempty"`
	UserID *int          `json:"user_id,omitempty"`
}

// CompleteSessionRequest attaches operator feedback to a session
type CompleteSessionRequest struct {
	WasSuccessful bool    `json:"was_successful"`
	IssueResolved bool    `json:"issue_resolved"`
	Rating        int     `json:"rating"`
	Feedback      *string `json:"feedback,omitempty"`
	Suggestions   *string `json:"suggestions,omitempty"`
}

// ManualCommandRequest contains fields for submitting an ad-hoc command
// onto a session's command stream
type ManualCommandRequest struct {
	Command        string `json:"command"`
	Shell          string `json:"shell,omitempty"`
	RunAs          string `json:"run_as,omitempty"`
	Reason         string `json:"reason,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	UserID         *int   `json:"user_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ManualCommandResponse is the sanitized result of a command submission.
// Repeated submissions with the same idempotency key return the same
// stream id.
type ManualCommandResponse struct {
	SessionID      int            `json:"session_id"`
	StreamID       string         `json:"stream_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Duplicate      bool           `json:"duplicate"`
	Metadata       map[string]any `json:"metadata,omitempty"` // sanitized
}

// ApprovalRequest records an operator decision on an approval-gated step
type ApprovalRequest struct {
	StepNumber int    `json:"step_number"`
	Approve    bool   `json:"approve"`
	User       string `json:"user"`
	Notes      string `json:"notes,omitempty"`
}
