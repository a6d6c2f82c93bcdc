package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ToolConnection holds the schema definition for the ToolConnection
// entity: one configured integration with an external ticketing tool.
// api_poll connections are driven by the ticket poller; meta_data holds
// OAuth tokens and must survive fetch failures once refreshed.
type ToolConnection struct {
	ent.Schema
}

// Fields of the ToolConnection.
func (ToolConnection) Fields() []ent.Field {
	return []ent.Field{
		field.Int("tenant_id").
			Immutable(),
		field.String("tool").
			NotEmpty().
			Comment("servicenow or jira"),
		field.Enum("connection_type").
			Values("api_poll", "webhook").
			Default("api_poll"),
		field.JSON("config", map[string]interface{}{}).
			Comment("base_url, auth mode, client id, table/project filters"),
		field.JSON("meta_data", map[string]interface{}{}).
			Optional().
			Comment("Mutable state: OAuth tokens, watermark hints"),
		field.Int("sync_interval_minutes").
			Default(5),
		field.Time("last_sync_at").
			Optional().
			Nillable(),
		field.Enum("sync_status").
			Values("never", "success", "failed").
			Default("never"),
		field.String("sync_error").
			Optional().
			Comment("Truncated to 500 chars"),
		field.Bool("active").
			Default(true),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the ToolConnection.
func (ToolConnection) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("tenant", Tenant.Type).
			Ref("tool_connections").
			Field("tenant_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the ToolConnection.
func (ToolConnection) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("active", "connection_type"),
		index.Fields("tool"),
	}
}
