package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Tenant holds the schema definition for the Tenant entity.
// Every domain entity is tenant-scoped; cross-tenant reads are forbidden
// at the service layer.
type Tenant struct {
	ent.Schema
}

// Fields of the Tenant.
func (Tenant) Fields() []ent.Field {
	return []ent.Field{
		field.String("name").
			Unique().
			NotEmpty(),
		field.Bool("active").
			Default(true),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the Tenant.
func (Tenant) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("runbooks", Runbook.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("tickets", Ticket.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("sessions", ExecutionSession.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("credentials", Credential.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("tool_connections", ToolConnection.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the Tenant.
func (Tenant) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("active"),
	}
}
