package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Credential holds the schema definition for the Credential entity.
// Secret material is stored encrypted and decrypted on demand through
// the secrets.Decrypter contract; rows never leave the process
// unredacted.
type Credential struct {
	ent.Schema
}

// Fields of the Credential.
func (Credential) Fields() []ent.Field {
	return []ent.Field{
		field.Int("tenant_id").
			Immutable(),
		field.String("name").
			NotEmpty().
			Comment("Alias referenced by credential_source"),
		field.String("credential_type").
			NotEmpty().
			Comment("ssh_key, password, api_token, service_principal, ..."),
		field.String("environment").
			Default("").
			Comment("Environment hint; the empty-environment row is the fallback"),
		field.Bytes("encrypted_material").
			Sensitive().
			Comment("Ciphertext of the JSON secret document"),
		field.String("host").
			Optional(),
		field.Int("port").
			Optional().
			Nillable(),
		field.String("database_name").
			Optional(),
		field.Time("rotated_at").
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

// Edges of the Credential.
func (Credential) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("tenant", Tenant.Type).
			Ref("credentials").
			Field("tenant_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the Credential.
func (Credential) Indexes() []ent.Index {
	return []ent.Index{
		// Alias lookup: one row per (tenant, name, environment).
		index.Fields("tenant_id", "name", "environment").
			Unique(),
	}
}
