package models

// TicketUpsert is one ticket as fetched from an external tool or
// entered manually, keyed by (tenant, source, external_id) so repeated
// polls converge on a single row.
type TicketUpsert struct {
	TenantID    int            `json:"tenant_id"`
	Source      string         `json:"source"`
	ExternalID  string         `json:"external_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Severity    string         `json:"severity,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Service     string         `json:"service,omitempty"`
	RawPayload  map[string]any `json:"raw_payload,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
