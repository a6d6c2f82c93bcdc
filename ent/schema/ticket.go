package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Ticket holds the schema definition for the Ticket entity.
// Tickets are upserted by (tenant, source, external_id) so repeated polls
// of the same external system never duplicate rows.
type Ticket struct {
	ent.Schema
}

// Fields of the Ticket.
func (Ticket) Fields() []ent.Field {
	return []ent.Field{
		field.Int("tenant_id").
			Immutable(),
		field.String("external_id").
			NotEmpty().
			Comment("Identifier in the source ticketing tool"),
		field.String("source").
			NotEmpty().
			Comment("Origin system (servicenow, jira, manual)"),
		field.String("title").
			NotEmpty(),
		field.Text("description").
			Optional(),
		field.String("severity").
			Optional().
			Comment("As reported by the source tool"),
		field.String("environment").
			Optional(),
		field.String("service").
			Optional(),
		field.Enum("status").
			Values("open", "analyzing", "in_progress", "resolved", "closed", "escalated").
			Default("open"),
		field.String("classification").
			Optional().
			Nillable().
			Comment("Outcome of external analysis (e.g. false_positive)"),
		field.Float("classification_confidence").
			Optional().
			Nillable(),
		field.JSON("raw_payload", map[string]interface{}{}).
			Optional().
			Comment("Original tool payload, kept verbatim for extraction"),
		field.JSON("meta_data", map[string]interface{}{}).
			Optional().
			Comment("CI name, server name, embedded connection hints"),
		field.Time("resolved_at").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the Ticket.
func (Ticket) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("tenant", Tenant.Type).
			Ref("tickets").
			Field("tenant_id").
			Unique().
			Required().
			Immutable(),
		edge.To("sessions", ExecutionSession.Type),
	}
}

// Indexes of the Ticket.
func (Ticket) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("source"),
		// Upsert identity for the poller.
		index.Fields("tenant_id", "source", "external_id").
			Unique(),
	}
}
