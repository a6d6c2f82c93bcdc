package models

// Wire frames carried on the stream bus. Every bus message is a single
// `payload` field holding one of these documents as JSON.

// AssignmentFrame is published on session.assign: the sanitized target
// metadata plus session identity a worker needs to pick up the session.
type AssignmentFrame struct {
	SessionID  int            `json:"session_id"`
	TenantID   int            `json:"tenant_id"`
	RunbookID  int            `json:"runbook_id,omitempty"`
	TicketID   *int           `json:"ticket_id,omitempty"`
	Profile    string         `json:"sandbox_profile"`
	TotalSteps int            `json:"total_steps"`
	Metadata   map[string]any `json:"metadata,omitempty"` // sanitized
}

// CommandFrame is published on session.command for ad-hoc operator
// commands. Metadata and connection are hydrated from the latest
// assignment before publishing.
type CommandFrame struct {
	SessionID      int            `json:"session_id"`
	Command        string         `json:"command"`
	Shell          string         `json:"shell,omitempty"` // bash, powershell, ...
	RunAs          string         `json:"run_as,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	UserID         *int           `json:"user_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Connection     map[string]any `json:"connection,omitempty"`
}

// Result frame kinds.
const (
	ResultKindAck           = "ack"
	ResultKindCommandResult = "command_result"
)

// ResultFrame is what workers publish on session.result after running a
// command or acknowledging an assignment.
type ResultFrame struct {
	SessionID      int    `json:"session_id"`
	WorkerID       string `json:"worker_id"`
	Kind           string `json:"kind"` // ResultKindAck or ResultKindCommandResult
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Success        bool   `json:"success"`
	Output         string `json:"output,omitempty"`
	Error          string `json:"error,omitempty"`
	ExitCode       int    `json:"exit_code"`
	DurationMS     int64  `json:"duration_ms"`
}
