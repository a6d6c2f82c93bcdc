package models

// CreateRunbookRequest creates a draft runbook.
type CreateRunbookRequest struct {
	TenantID   int            `json:"tenant_id"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	Confidence float64        `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// UpdateRunbookRequest patches a draft runbook. Approved runbooks are
// immutable; changes to them go through a new version.
type UpdateRunbookRequest struct {
	Title    *string        `json:"title,omitempty"`
	Body     *string        `json:"body,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RunbookFilters narrows runbook listings.
type RunbookFilters struct {
	TenantID   int    `form:"tenant_id"`
	Status     string `form:"status"`
	ActiveOnly bool   `form:"active_only"`
	Limit      int    `form:"limit"`
	Offset     int    `form:"offset"`
}
