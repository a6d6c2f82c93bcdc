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

// jiraTimeLayout is the minute-granular format JQL accepts.
const jiraTimeLayout = "2006-01-02 15:04"

// JiraFetcher reads issues through the search API.
//
// Connection config: base_url (required), optional project to scope
// the JQL, plus either username and api_token for basic auth or
// client_id/client_secret and token_url for OAuth.
type JiraFetcher struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewJiraFetcher creates a fetcher with a default HTTP client.
func NewJiraFetcher() *JiraFetcher {
	return &JiraFetcher{
		httpClient: &http.Client{Timeout: fetchTimeout},
		logger:     slog.With("component", "jira"),
	}
}

// Fetch returns issues updated at or after since.
func (f *JiraFetcher) Fetch(ctx context.Context, conn *ent.ToolConnection, since time.Time) ([]models.TicketUpsert, error) {
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

	jql := fmt.Sprintf("updated >= %q ORDER BY updated ASC", since.UTC().Format(jiraTimeLayout))
	if project := configString(conn, "project"); project != "" {
		jql = fmt.Sprintf("project = %s AND %s", project, jql)
	}
	reqURL := fmt.Sprintf("%s/rest/api/2/search?jql=%s&maxResults=%d",
		strings.TrimRight(base, "/"), url.QueryEscape(jql), fetchLimit)

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
		return nil, fmt.Errorf("search issues: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Jira returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Issues []struct {
			ID     string         `json:"id"`
			Key    string         `json:"key"`
			Fields map[string]any `json:"fields"`
		} `json:"issues"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	upserts := make([]models.TicketUpsert, 0, len(payload.Issues))
	for _, issue := range payload.Issues {
		if issue.Key == "" {
			f.logger.Warn("Skipping issue without key", "connection_id", conn.ID)
			continue
		}
		fields := issue.Fields
		if fields == nil {
			fields = map[string]any{}
		}

		// The fields block is the useful payload; key and id ride
		// along for traceability.
		raw := make(map[string]any, len(fields)+2)
		for k, v := range fields {
			raw[k] = v
		}
		raw["key"] = issue.Key
		raw["id"] = issue.ID

		upserts = append(upserts, models.TicketUpsert{
			TenantID:    conn.TenantID,
			Source:      ToolJira,
			ExternalID:  issue.Key,
			Title:       stringValue(fields["summary"]),
			Description: stringValue(fields["description"]),
			Severity:    strings.ToLower(nestedString(fields, "priority", "name")),
			Environment: stringValue(fields["environment"]),
			Service:     firstComponent(fields),
			RawPayload:  raw,
		})
	}
	return upserts, nil
}

// nestedString reads m[key][sub] when key holds an object.
func nestedString(m map[string]any, key, sub string) string {
	obj, ok := m[key].(map[string]any)
	if !ok {
		return ""
	}
	return stringValue(obj[sub])
}

// firstComponent returns the first component name, Jira's closest
// analogue to an affected service.
func firstComponent(fields map[string]any) string {
	comps, ok := fields["components"].([]any)
	if !ok || len(comps) == 0 {
		return ""
	}
	comp, ok := comps[0].(map[string]any)
	if !ok {
		return ""
	}
	return stringValue(comp["name"])
}
