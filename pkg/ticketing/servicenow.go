package ticketing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/pkg/models"
)

// snTimeLayout is the format the table API expects in query filters.
const snTimeLayout = "2006-01-02 15:04:05"

// ServiceNowFetcher reads incidents through the table API.
//
// Connection config: base_url (required), plus either username and
// api_token/password for basic auth or client_id/client_secret and
// token_url for OAuth. Token state lives in the connection metadata.
type ServiceNowFetcher struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewServiceNowFetcher creates a fetcher with a default HTTP client.
func NewServiceNowFetcher() *ServiceNowFetcher {
	return &ServiceNowFetcher{
		httpClient: &http.Client{Timeout: fetchTimeout},
		logger:     slog.With("component", "servicenow"),
	}
}

// Fetch returns incidents updated at or after since.
func (f *ServiceNowFetcher) Fetch(ctx context.Context, conn *ent.ToolConnection, since time.Time) ([]models.TicketUpsert, error) {
	base := configString(conn, "base_url")
	if base == "" {
		return nil, fmt.Errorf("connection %d has no base_url", conn.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	client, viaOAuth, err := tokenClient(ctx, f.httpClient, conn)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("sys_updated_on>=%s^ORDERBYsys_updated_on", since.UTC().Format(snTimeLayout))
	reqURL := fmt.Sprintf("%s/api/now/table/incident?sysparm_query=%s&sysparm_limit=%d",
		strings.TrimRight(base, "/"), url.QueryEscape(query), fetchLimit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if !viaOAuth {
		if user := configString(conn, "username"); user != "" {
			req.SetBasicAuth(user, firstString(conn.Config, "api_token", "password"))
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch incidents: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ServiceNow returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Result []map[string]any `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode incident list: %w", err)
	}

	upserts := make([]models.TicketUpsert, 0, len(payload.Result))
	for _, row := range payload.Result {
		externalID := firstString(row, "number", "sys_id")
		if externalID == "" {
			f.logger.Warn("Skipping incident without number or sys_id",
				"connection_id", conn.ID)
			continue
		}
		upserts = append(upserts, models.TicketUpsert{
			TenantID:    conn.TenantID,
			Source:      ToolServiceNow,
			ExternalID:  externalID,
			Title:       stringValue(row["short_description"]),
			Description: stringValue(row["description"]),
			Severity:    severityFromIncident(row),
			Environment: firstString(row, "environment", "u_environment"),
			Service:     firstString(row, "business_service", "u_service", "service"),
			RawPayload:  row,
		})
	}
	return upserts, nil
}

// severityFromIncident prefers an explicit severity field, then maps
// the 1..4 urgency scale onto the words runbook profiles understand.
func severityFromIncident(row map[string]any) string {
	if s := stringValue(row["severity"]); s != "" {
		return s
	}
	switch stringValue(row["urgency"]) {
	case "1":
		return "critical"
	case "2":
		return "high"
	case "3":
		return "moderate"
	case "4":
		return "low"
	}
	return ""
}
