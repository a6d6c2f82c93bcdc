package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ExecutionStep holds the schema definition for the ExecutionStep entity.
// Steps within a session form a dense 1..N range ordered prechecks,
// mains, postchecks.
type ExecutionStep struct {
	ent.Schema
}

// Fields of the ExecutionStep.
func (ExecutionStep) Fields() []ent.Field {
	return []ent.Field{
		field.Int("session_id").
			Immutable(),
		field.Int("step_number").
			Positive(),
		field.Enum("step_type").
			Values("precheck", "main", "postcheck"),
		field.Text("command"),
		field.Text("rollback_command").
			Optional(),
		field.Text("description").
			Optional(),
		field.Bool("requires_approval").
			Default(false),
		field.String("severity").
			Optional().
			Comment("Author-declared (critical, high, dangerous, moderate, ...)"),
		field.Enum("blast_radius").
			Values("low", "medium", "high").
			Default("low"),
		field.Bool("completed").
			Default(false),
		field.Bool("success").
			Optional().
			Nillable().
			Comment("Meaningful only once completed"),
		field.Text("output").
			Optional().
			Comment("Redacted stdout/stderr capture"),
		field.Text("error").
			Optional().
			Comment("Redacted failure detail"),
		field.Text("notes").
			Optional().
			Comment("Operator annotations recorded through step patches"),
		field.JSON("credentials_used", []int{}).
			Optional().
			Comment("Credential row ids consumed by this step"),
		field.Bool("approved").
			Optional().
			Nillable().
			Comment("Null until the approval decision is recorded"),
		field.String("approved_by").
			Optional().
			Nillable(),
		field.Time("approved_at").
			Optional().
			Nillable(),
		field.Time("completed_at").
			Optional().
			Nillable(),
		field.Int("timeout_seconds").
			Optional().
			Nillable().
			Comment("Author override; connector default otherwise"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the ExecutionStep.
func (ExecutionStep) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("session", ExecutionSession.Type).
			Ref("steps").
			Field("session_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the ExecutionStep.
func (ExecutionStep) Indexes() []ent.Index {
	return []ent.Index{
		// One row per (session, step_number).
		index.Fields("session_id", "step_number").
			Unique(),
		index.Fields("completed"),
	}
}
