package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// WorkerAssignment holds the schema definition for the WorkerAssignment
// entity. A session may accumulate several assignments (retries,
// reassignment); the latest row defines the current one.
type WorkerAssignment struct {
	ent.Schema
}

// Fields of the WorkerAssignment.
func (WorkerAssignment) Fields() []ent.Field {
	return []ent.Field{
		field.Int("session_id").
			Immutable(),
		field.String("worker_id").
			Optional().
			Comment("Empty until a worker acknowledges the assignment"),
		field.Enum("status").
			Values("pending", "acknowledged", "failed", "cancelled").
			Default("pending"),
		field.JSON("details", map[string]interface{}{}).
			Optional().
			Comment("Sanitized metadata snapshot published on session.assign"),
		field.String("stream_id").
			Optional().
			Comment("Bus entry id of the assignment frame"),
		field.Time("acknowledged_at").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the WorkerAssignment.
func (WorkerAssignment) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("session", ExecutionSession.Type).
			Ref("assignments").
			Field("session_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the WorkerAssignment.
func (WorkerAssignment) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("session_id", "created_at"),
	}
}
