package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ExecutionSession holds the schema definition for the ExecutionSession
// entity. One session is one execution attempt of one runbook: a linear
// plan of steps plus a state machine.
type ExecutionSession struct {
	ent.Schema
}

// Fields of the ExecutionSession.
func (ExecutionSession) Fields() []ent.Field {
	return []ent.Field{
		field.Int("tenant_id").
			Immutable(),
		field.Int("runbook_id").
			Immutable(),
		field.Int("ticket_id").
			Optional().
			Nillable().
			Immutable(),
		field.Int("user_id").
			Optional().
			Nillable().
			Comment("Initiating operator, when known"),
		field.Enum("status").
			Values("pending", "in_progress", "waiting_approval", "paused",
				"completed", "failed", "rolled_back", "rejected", "abandoned").
			Default("pending"),
		field.String("status_before_pause").
			Optional().
			Nillable().
			Comment("Status restored by resume"),
		field.Text("issue_description").
			Optional(),
		field.Int("current_step").
			Default(0).
			Comment("1-based; 0 before the first step starts"),
		field.Int("total_steps").
			Default(0),
		field.Bool("waiting_for_approval").
			Default(false),
		field.Int("approval_step_number").
			Optional().
			Nillable().
			Comment("Set iff waiting_for_approval"),
		field.String("transport_channel").
			Optional().
			Comment("Connector type of the resolved target (ssh, winrm, ...)"),
		field.Enum("sandbox_profile").
			Values("default", "dev-flex", "staging-standard", "prod-standard", "prod-critical").
			Default("default"),
		field.Int("assignment_retry_count").
			Default(0),
		field.Int64("last_event_seq").
			Default(0).
			Comment("Highest ExecutionEvent id published for this session"),
		field.JSON("session_metadata", map[string]interface{}{}).
			Optional().
			Comment("Sanitized target/connection metadata snapshot"),
		field.Bool("was_successful").
			Optional().
			Nillable().
			Comment("Operator feedback on completion"),
		field.Bool("issue_resolved").
			Optional().
			Nillable(),
		field.Int("rating").
			Optional().
			Nillable(),
		field.Text("feedback").
			Optional().
			Nillable(),
		field.Text("suggestions").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("started_at").
			Optional().
			Nillable().
			Comment("Set when the first step begins"),
		field.Time("completed_at").
			Optional().
			Nillable(),
		field.Int("total_duration_minutes").
			Optional().
			Nillable(),
		field.Time("deleted_at").
			Optional().
			Nillable().
			Comment("Soft-delete marker set by retention cleanup"),
	}
}

// Edges of the ExecutionSession.
func (ExecutionSession) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("tenant", Tenant.Type).
			Ref("sessions").
			Field("tenant_id").
			Unique().
			Required().
			Immutable(),
		edge.From("runbook", Runbook.Type).
			Ref("sessions").
			Field("runbook_id").
			Unique().
			Required().
			Immutable(),
		edge.From("ticket", Ticket.Type).
			Ref("sessions").
			Field("ticket_id").
			Unique().
			Immutable(),
		edge.To("steps", ExecutionStep.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("events", ExecutionEvent.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("assignments", WorkerAssignment.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the ExecutionSession.
func (ExecutionSession) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("status", "created_at"),
		index.Fields("tenant_id", "status"),
		index.Fields("ticket_id"),
	}
}
