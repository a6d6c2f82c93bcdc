// Package events publishes the execution timeline: every externally
// visible session transition goes through the Publisher, which fans a
// sanitized envelope out to the stream bus, the durable event table,
// and the audit sink.
//
// ════════════════════════════════════════════════════════════════
// Delivery Pipeline
// ════════════════════════════════════════════════════════════════
//
// One Publish call performs three writes, in order:
//
//  1. Bus append on the events stream — workers and dashboards tail
//     this for live delivery. The returned stream id ties the durable
//     row back to its wire copy.
//  2. ExecutionEvent row — the permanent timeline, payload column
//     holding the full envelope exactly as it went on the wire.
//     Readback (services.EventService.List) unwraps the envelope so
//     API consumers see the inner payload.
//  3. Audit sink record — best effort. A sink failure is logged and
//     never fails the publish; the durable row is already committed.
//
// If the bus append fails the row is NOT written and the error
// surfaces to the caller: an event that never reached the wire has no
// stream id to record. When stream publishing is disabled (worker
// orchestration off), step 1 is skipped and the row carries an empty
// stream id — the timeline stays complete for API readback either way.
//
// Payload maps are passed through redact.Sanitize before enveloping,
// so credential material handed along in step metadata never reaches
// the bus, the table, or the audit log.
// ════════════════════════════════════════════════════════════════
package events

// Session lifecycle events.
const (
	EventTypeSessionCreated   = "session.created"
	EventTypeStateTransition  = "session.state.transition"
	EventTypeSessionCompleted = "session.completed"
	EventTypeSessionFailed    = "session.failed"
)

// Command execution events. Step-scoped: the envelope carries the
// step number the command belongs to.
const (
	EventTypeCommandRequested = "session.command.requested"
	EventTypeCommandStarted   = "session.command.started"
	EventTypeCommandOutput    = "session.command.output"
	EventTypeCommandCompleted = "session.command.completed"
	EventTypeStepCompleted    = "session.step.completed"
)

// Approval gate events.
const (
	EventTypeWaitingApproval = "session.waiting_approval"
	EventTypeApproved        = "session.approved"
	EventTypeRejected        = "session.rejected"
)

// Rollback events.
const (
	EventTypeRollbackStarted   = "session.rollback.started"
	EventTypeRollbackCompleted = "session.rollback.completed"
)

// Envelope is the wire form of every entry on the events stream. The
// identical document is stored as the event row's payload column, so a
// stream consumer and a table reader decode the same shape.
type Envelope struct {
	Event      string         `json:"event"`       // one of the EventType* constants
	SessionID  int            `json:"session_id"`  // owning session
	StepNumber *int           `json:"step_number"` // null for session-level events
	Payload    map[string]any `json:"payload"`     // sanitized application payload
	Timestamp  string         `json:"timestamp"`   // RFC3339Nano, UTC
}
