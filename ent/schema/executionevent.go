package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ExecutionEvent holds the schema definition for the ExecutionEvent
// entity. Rows are append-only; id is the monotonic cursor clients page
// with (since_id), stream_id is the bus position of the same envelope.
type ExecutionEvent struct {
	ent.Schema
}

// Fields of the ExecutionEvent.
func (ExecutionEvent) Fields() []ent.Field {
	return []ent.Field{
		field.Int("session_id").
			Immutable(),
		field.Int("step_number").
			Optional().
			Nillable(),
		field.String("event_type").
			NotEmpty(),
		field.JSON("payload", map[string]interface{}{}).
			Comment("Full envelope as published on session.events"),
		field.String("stream_id").
			Optional().
			Comment("Bus entry id; empty when stream publishing is disabled"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the ExecutionEvent.
func (ExecutionEvent) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("session", ExecutionSession.Type).
			Ref("events").
			Field("session_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the ExecutionEvent.
func (ExecutionEvent) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("session_id", "created_at"),
		index.Fields("event_type"),
	}
}
