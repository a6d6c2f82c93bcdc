package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dario.cat/mergo"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/pkg/connector"
	"github.com/runforge/runforge/pkg/runbook"
	"github.com/runforge/runforge/pkg/services"
)

// Connection resolution order for a session's target:
//
//  1. ticket CI lookup: host and OS hints the source tool reports
//  2. cloud discovery by CI name
//  3. connection/credential blocks embedded on the ticket
//  4. runbook metadata
//  5. local connector fallback
//
// Earlier sources win key by key. Credential aliases hydrate after the
// merge, on every call, so material is read fresh per step and never
// pinned in session memory.

// resolveConnection produces the flattened connector config for a
// session plus the ids of credentials consumed.
func (e *Executor) resolveConnection(ctx context.Context, sess *ent.ExecutionSession) (connector.Config, []int, error) {
	var tkt *ent.Ticket
	if sess.TicketID != nil {
		loaded, err := e.tickets.GetTicket(ctx, *sess.TicketID)
		if err != nil && !errors.Is(err, services.ErrNotFound) {
			return nil, nil, err
		}
		tkt = loaded
	}

	meta := map[string]any{}
	for _, layer := range []map[string]any{
		ticketCIMetadata(tkt),
		e.discoveredMetadata(ctx, tkt),
		ticketEmbeddedMetadata(tkt),
		e.runbookMetadata(ctx, sess.RunbookID),
	} {
		if len(layer) == 0 {
			continue
		}
		if err := mergo.Merge(&meta, layer); err != nil {
			return nil, nil, fmt.Errorf("merge connection metadata: %w", err)
		}
	}

	hydrated, credentialIDs, err := e.resolver.Hydrate(ctx, sess.TenantID, meta)
	if err != nil {
		return nil, nil, err
	}
	return buildConfig(hydrated), credentialIDs, nil
}

// ticketCIMetadata derives a connection block from the ticket's raw
// payload: host fields the source tool reports directly, plus an OS
// hint selecting ssh or winrm.
func ticketCIMetadata(tkt *ent.Ticket) map[string]any {
	if tkt == nil || len(tkt.RawPayload) == 0 {
		return nil
	}
	host := firstString(tkt.RawPayload, "host", "hostname", "fqdn", "ip_address")
	if host == "" {
		return nil
	}

	connectorType := string(connector.KindSSH)
	if os := strings.ToLower(firstString(tkt.RawPayload, "os", "os_type", "platform")); strings.Contains(os, "windows") {
		connectorType = string(connector.KindWinRM)
	}

	meta := map[string]any{
		"connection": map[string]any{
			"host":           host,
			"connector_type": connectorType,
		},
	}
	if tkt.Environment != "" {
		meta["environment"] = tkt.Environment
	}
	return meta
}

// discoveredMetadata asks the cloud discoverer for the CI named on the
// ticket. Discovery failure downgrades to the remaining sources; the
// step only fails when nothing else resolves either.
func (e *Executor) discoveredMetadata(ctx context.Context, tkt *ent.Ticket) map[string]any {
	if e.discoverer == nil || tkt == nil {
		return nil
	}
	name := ciName(tkt)
	if name == "" {
		return nil
	}

	cfg, err := e.discoverer.Discover(ctx, name, tkt.Environment)
	if err != nil {
		e.logger.Warn("Cloud discovery failed", "ci_name", name, "error", err)
		return nil
	}
	if len(cfg) == 0 {
		return nil
	}
	return map[string]any{"connection": map[string]any(cfg)}
}

// ciName finds the configuration item the ticket names, preferring the
// curated meta_data over the raw tool payload.
func ciName(tkt *ent.Ticket) string {
	for _, source := range []map[string]any{tkt.MetaData, tkt.RawPayload} {
		if name := firstString(source, "cmdb_ci", "ci_name", "configuration_item", "server_name"); name != "" {
			return name
		}
	}
	return ""
}

// ticketEmbeddedMetadata lifts connection and credential blocks an
// operator or the source tool attached to the ticket itself.
func ticketEmbeddedMetadata(tkt *ent.Ticket) map[string]any {
	if tkt == nil {
		return nil
	}
	meta := map[string]any{}
	for _, source := range []map[string]any{tkt.MetaData, tkt.RawPayload} {
		for _, key := range []string{"connection", "target", "credential_source", "credentials", "environment"} {
			if v, ok := source[key]; ok {
				if _, taken := meta[key]; !taken {
					meta[key] = v
				}
			}
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// runbookMetadata re-reads the runbook's metadata block. Fetching per
// step instead of caching keeps credential aliases and connection
// hints current with runbook edits and rotation.
func (e *Executor) runbookMetadata(ctx context.Context, runbookID int) map[string]any {
	rb, err := e.runbooks.GetRunbook(ctx, runbookID)
	if err != nil {
		e.logger.Warn("Failed to load runbook for connection metadata",
			"runbook_id", runbookID, "error", err)
		return nil
	}

	meta := map[string]any{}
	if plan, err := runbook.Parse(rb.Body); err == nil && len(plan.Metadata) > 0 {
		meta = plan.Metadata
	}
	// Row-level metadata fills what the body's block does not declare.
	if len(rb.MetaData) > 0 {
		if err := mergo.Merge(&meta, rb.MetaData); err != nil {
			e.logger.Warn("Failed to merge runbook metadata", "runbook_id", runbookID, "error", err)
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// buildConfig flattens hydrated metadata into the connector's view:
// the connection block's keys at top level plus credentials and
// environment. No resolvable target selects the local connector.
func buildConfig(meta map[string]any) connector.Config {
	block, _ := meta["connection"].(map[string]any)
	if len(block) == 0 {
		block, _ = meta["target"].(map[string]any)
	}

	cfg := connector.Config{}
	for k, v := range block {
		cfg[k] = v
	}
	if creds, ok := meta["credentials"].(map[string]any); ok {
		cfg["credentials"] = creds
	}
	if env, ok := meta["environment"].(string); ok && env != "" {
		if _, exists := cfg["environment"]; !exists {
			cfg["environment"] = env
		}
	}

	if cfg.Str("connector_type") == "" {
		if cfg.Str("host") != "" {
			cfg["connector_type"] = string(connector.KindSSH)
		} else {
			cfg["connector_type"] = string(connector.KindLocal)
		}
	}
	return cfg
}

// firstString returns the first non-empty string value among keys.
func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok {
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	return ""
}
