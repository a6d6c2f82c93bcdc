package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Runbook holds the schema definition for the Runbook entity.
// Approved runbooks are immutable; publishing a change creates a new row
// linked to its predecessor through parent_version_id.
type Runbook struct {
	ent.Schema
}

// Fields of the Runbook.
func (Runbook) Fields() []ent.Field {
	return []ent.Field{
		field.Int("tenant_id").
			Immutable(),
		field.String("title").
			NotEmpty(),
		field.Text("body").
			Comment("Runbook document (fenced YAML or markdown)"),
		field.Float("confidence").
			Default(0).
			Comment("Match confidence assigned at creation"),
		field.Int("parent_version_id").
			Optional().
			Nillable().
			Comment("Predecessor runbook when this row is a new version"),
		field.Enum("status").
			Values("draft", "approved", "archived").
			Default("draft"),
		field.Bool("active").
			Default(true).
			Comment("Soft-active flag; inactive runbooks are never matched"),
		field.JSON("meta_data", map[string]interface{}{}).
			Optional().
			Comment("Author-supplied defaults (connection hints, tags)"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the Runbook.
func (Runbook) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("tenant", Tenant.Type).
			Ref("runbooks").
			Field("tenant_id").
			Unique().
			Required().
			Immutable(),
		edge.To("sessions", ExecutionSession.Type),
	}
}

// Indexes of the Runbook.
func (Runbook) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("active"),
		index.Fields("tenant_id", "status", "active"),
	}
}
