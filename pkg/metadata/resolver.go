// Package metadata hydrates step metadata before dispatch: credential
// aliases resolve to decrypted material, connection blocks inherit
// host/port/environment from the credential row, and a
// credential_resolved block records the lookup for auditing. Material
// itself never reaches clients; sanitize runs on every outbound copy.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/runforge/runforge/pkg/secrets"
)

// aliasPrefix marks a credential_source value handled by the resolver.
const aliasPrefix = "alias:"

// Credential is the resolver's view of one stored credential row.
type Credential struct {
	ID          int
	Name        string
	Type        string
	Environment string
	Host        string
	Port        *int
	RotatedAt   *time.Time
	Material    []byte // ciphertext of the JSON secret document
}

// CredentialLookup finds a credential by alias for a tenant. The
// environment hint may be empty; implementations fall back to the
// no-environment row when the hinted one does not exist.
type CredentialLookup interface {
	ResolveAlias(ctx context.Context, tenantID int, alias, environment string) (*Credential, error)
}

// Resolver hydrates metadata maps.
type Resolver struct {
	lookup    CredentialLookup
	decrypter secrets.Decrypter
	logger    *slog.Logger
}

func NewResolver(lookup CredentialLookup, decrypter secrets.Decrypter) *Resolver {
	return &Resolver{
		lookup:    lookup,
		decrypter: decrypter,
		logger:    slog.With("component", "metadata"),
	}
}

// Hydrate returns a hydrated deep copy of metadata plus the ids of
// credentials consumed. A credential_source outside the alias scheme is
// left untouched.
func (r *Resolver) Hydrate(ctx context.Context, tenantID int, metadata map[string]any) (map[string]any, []int, error) {
	out := clone(metadata)

	source, _ := out["credential_source"].(string)
	if !strings.HasPrefix(source, aliasPrefix) {
		return out, nil, nil
	}
	alias, env := parseAlias(strings.TrimPrefix(source, aliasPrefix))
	if env == "" {
		env, _ = out["environment"].(string)
	}

	cred, err := r.lookup.ResolveAlias(ctx, tenantID, alias, env)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve credential alias %q: %w", alias, err)
	}

	material, err := r.openMaterial(ctx, cred)
	if err != nil {
		return nil, nil, fmt.Errorf("credential %q: %w", alias, err)
	}

	// Inline credential fields always win over resolved material.
	creds, _ := out["credentials"].(map[string]any)
	if creds == nil {
		creds = map[string]any{}
	}
	for k, v := range material {
		if _, exists := creds[k]; !exists {
			creds[k] = v
		}
	}
	out["credentials"] = creds

	r.fillConnection(out, cred, env)

	resolved := map[string]any{
		"alias":         alias,
		"type":          cred.Type,
		"environment":   cred.Environment,
		"source":        source,
		"credential_id": cred.ID,
	}
	if cred.RotatedAt != nil {
		resolved["rotated_at"] = cred.RotatedAt.UTC().Format(time.RFC3339)
	}
	out["credential_resolved"] = resolved

	r.logger.Debug("Resolved credential alias",
		"alias", alias,
		"credential_id", cred.ID,
		"environment", cred.Environment)
	return out, []int{cred.ID}, nil
}

// openMaterial decrypts and unmarshals the stored secret document.
func (r *Resolver) openMaterial(ctx context.Context, cred *Credential) (map[string]any, error) {
	if len(cred.Material) == 0 {
		return nil, nil
	}
	if r.decrypter == nil {
		return nil, fmt.Errorf("no decrypter configured")
	}
	plaintext, err := r.decrypter.Decrypt(ctx, cred.Material)
	if err != nil {
		return nil, err
	}
	var material map[string]any
	if err := json.Unmarshal(plaintext, &material); err != nil {
		return nil, fmt.Errorf("decode material: %w", err)
	}
	return material, nil
}

// fillConnection copies host/port/environment into the connection and
// target blocks when those fields are absent. A connection block is
// created when the credential carries a host and none exists.
func (r *Resolver) fillConnection(out map[string]any, cred *Credential, env string) {
	if cred.Environment != "" {
		env = cred.Environment
	}
	if _, ok := out["connection"].(map[string]any); !ok && cred.Host != "" {
		out["connection"] = map[string]any{}
	}
	for _, name := range []string{"connection", "target"} {
		block, ok := out[name].(map[string]any)
		if !ok {
			continue
		}
		if _, exists := block["host"]; !exists && cred.Host != "" {
			block["host"] = cred.Host
		}
		if _, exists := block["port"]; !exists && cred.Port != nil {
			block["port"] = *cred.Port
		}
		if _, exists := block["environment"]; !exists && env != "" {
			block["environment"] = env
		}
	}
}

// parseAlias splits the remainder after "alias:" into (name, env).
// Accepted forms: NAME, NAME@ENV, ENV/NAME, ENV:NAME.
func parseAlias(rest string) (name, env string) {
	switch {
	case strings.Contains(rest, "@"):
		parts := strings.SplitN(rest, "@", 2)
		return parts[0], parts[1]
	case strings.Contains(rest, "/"):
		parts := strings.SplitN(rest, "/", 2)
		return parts[1], parts[0]
	case strings.Contains(rest, ":"):
		parts := strings.SplitN(rest, ":", 2)
		return parts[1], parts[0]
	}
	return rest, ""
}

// clone deep-copies a metadata map without touching values.
func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return clone(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = cloneValue(item)
		}
		return items
	default:
		return v
	}
}
