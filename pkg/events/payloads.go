package events

// SessionCreatedPayload is the payload for session.created events.
// Published once, immediately after the session row and its flattened
// steps are persisted.
type SessionCreatedPayload struct {
	RunbookID      int    `json:"runbook_id"`          // runbook version the session executes
	TicketID       *int   `json:"ticket_id,omitempty"` // originating ticket, if any
	TotalSteps     int    `json:"total_steps"`         // flattened step count
	SandboxProfile string `json:"sandbox_profile"`     // effective profile for the whole session
}

// CommandRequestedPayload is the payload for session.command.requested
// events. Published when a command frame is put on the command stream,
// before any worker has picked it up.
type CommandRequestedPayload struct {
	StepNumber     int    `json:"step_number"`
	Command        string `json:"command"`
	Shell          string `json:"shell,omitempty"`
	RunAs          string `json:"run_as,omitempty"`
	Reason         string `json:"reason,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Connector      string `json:"connector,omitempty"`       // transport the command rides (ssh, winrm, azure_run_command, local)
	IdempotencyKey string `json:"idempotency_key,omitempty"` // dedup key for manual submissions
}

// CommandStartedPayload is the payload for session.command.started
// events. Published when a worker reports it began executing.
type CommandStartedPayload struct {
	StepNumber int    `json:"step_number"`
	WorkerID   string `json:"worker_id,omitempty"`
}

// CommandOutputPayload is the payload for session.command.output
// events. Long-running commands may emit several of these before the
// completed event carries the full output.
type CommandOutputPayload struct {
	StepNumber int    `json:"step_number"`
	Output     string `json:"output"`             // incremental chunk
	Sequence   int    `json:"sequence,omitempty"` // chunk order within the step
}

// CommandCompletedPayload is the payload for session.command.completed
// events, built from the worker's result frame (or the local
// connector's result when no worker is involved).
type CommandCompletedPayload struct {
	StepNumber int    `json:"step_number"`
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	WorkerID   string `json:"worker_id,omitempty"`
}

// StepCompletedPayload is the payload for session.step.completed
// events. Published after the step row is stamped, success or not.
type StepCompletedPayload struct {
	StepNumber int    `json:"step_number"`
	StepType   string `json:"step_type"` // precheck, main, postcheck
	Success    bool   `json:"success"`
}

// StateTransitionPayload is the payload for session.state.transition
// events. Single event type for every status change, terminal or not.
type StateTransitionPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"` // operator- or system-supplied cause
}

// WaitingApprovalPayload is the payload for session.waiting_approval
// events. Published when execution parks at an approval-gated step.
type WaitingApprovalPayload struct {
	StepNumber  int    `json:"step_number"`
	Command     string `json:"command"`      // what will run once approved
	BlastRadius string `json:"blast_radius"` // low, medium, high
	Reason      string `json:"reason,omitempty"`
}

// ApprovedPayload is the payload for session.approved events.
type ApprovedPayload struct {
	StepNumber int    `json:"step_number"`
	User       string `json:"user,omitempty"` // approver, empty for automated approval
	Notes      string `json:"notes,omitempty"`
}

// RejectedPayload is the payload for session.rejected events. A
// rejection fails the session; the session.failed event follows.
type RejectedPayload struct {
	StepNumber int    `json:"step_number"`
	User       string `json:"user,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// RollbackStartedPayload is the payload for session.rollback.started
// events. Completed steps are undone newest first.
type RollbackStartedPayload struct {
	FromStep  int `json:"from_step"`  // highest completed step, rolled back first
	StepCount int `json:"step_count"` // steps with a rollback command to run
}

// RollbackCompletedPayload is the payload for session.rollback.completed
// events. Failures are counted, not fatal: a broken rollback command
// must not strand the session.
type RollbackCompletedPayload struct {
	StepsRolledBack int `json:"steps_rolled_back"`
	Failed          int `json:"failed,omitempty"`
}

// SessionCompletedPayload is the payload for session.completed events.
type SessionCompletedPayload struct {
	Status               string `json:"status"` // terminal status the session landed on
	TotalDurationMinutes int    `json:"total_duration_minutes"`
	StepsCompleted       int    `json:"steps_completed"`
}

// SessionFailedPayload is the payload for session.failed events.
type SessionFailedPayload struct {
	Reason     string `json:"reason"`
	StepNumber *int   `json:"step_number,omitempty"` // step that failed, nil for session-level failures
}
