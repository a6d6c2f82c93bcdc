package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/runforge/runforge/ent"
)

// pushTimeout bounds one status push including its lookup calls.
const pushTimeout = 15 * time.Second

// serviceNowStates maps internal ticket statuses onto incident state
// codes.
var serviceNowStates = map[string]string{
	"open":        "1",
	"analyzing":   "2",
	"in_progress": "2",
	"escalated":   "3",
	"resolved":    "6",
	"closed":      "7",
}

// jiraTargets maps internal ticket statuses onto target Jira status
// names; the matching workflow transition is looked up per issue.
var jiraTargets = map[string]string{
	"in_progress": "In Progress",
	"escalated":   "In Progress",
	"resolved":    "Done",
	"closed":      "Done",
}

// Pusher writes verifier outcomes back to the ticket's source tool.
type Pusher struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPusher creates a pusher with a default HTTP client.
func NewPusher() *Pusher {
	return &Pusher{
		httpClient: &http.Client{Timeout: pushTimeout},
		logger:     slog.With("component", "ticket-pusher"),
	}
}

// PushStatus updates the external ticket's status and posts a comment
// through the given connection.
func (p *Pusher) PushStatus(ctx context.Context, conn *ent.ToolConnection, tkt *ent.Ticket, status, comment string) error {
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	switch conn.Tool {
	case ToolServiceNow:
		return p.pushServiceNow(ctx, conn, tkt, status, comment)
	case ToolJira:
		return p.pushJira(ctx, conn, tkt, status, comment)
	default:
		return fmt.Errorf("no status push support for tool %q", conn.Tool)
	}
}

func (p *Pusher) pushServiceNow(ctx context.Context, conn *ent.ToolConnection, tkt *ent.Ticket, status, comment string) error {
	base := configString(conn, "base_url")
	if base == "" {
		return fmt.Errorf("connection %d has no base_url", conn.ID)
	}

	sysID := ""
	if tkt.RawPayload != nil {
		sysID = stringValue(tkt.RawPayload["sys_id"])
	}
	if sysID == "" {
		return fmt.Errorf("ticket %d carries no sys_id", tkt.ID)
	}

	body := map[string]any{"work_notes": comment}
	if state, ok := serviceNowStates[status]; ok {
		body["state"] = state
	}
	reqURL := fmt.Sprintf("%s/api/now/table/incident/%s",
		strings.TrimRight(base, "/"), url.PathEscape(sysID))
	return p.send(ctx, conn, http.MethodPatch, reqURL, body, nil)
}

func (p *Pusher) pushJira(ctx context.Context, conn *ent.ToolConnection, tkt *ent.Ticket, status, comment string) error {
	base := configString(conn, "base_url")
	if base == "" {
		return fmt.Errorf("connection %d has no base_url", conn.ID)
	}

	issueURL := fmt.Sprintf("%s/rest/api/2/issue/%s",
		strings.TrimRight(base, "/"), url.PathEscape(tkt.ExternalID))

	if target, ok := jiraTargets[status]; ok {
		if err := p.transitionJira(ctx, conn, issueURL, target); err != nil {
			// The workflow may not offer the transition; the comment
			// still lands.
			p.logger.Warn("Jira transition failed",
				"issue", tkt.ExternalID, "target", target, "error", err)
		}
	}

	return p.send(ctx, conn, http.MethodPost, issueURL+"/comment",
		map[string]any{"body": comment}, nil)
}

// transitionJira moves an issue to the workflow status named target,
// resolving the transition id from the issue's available transitions.
func (p *Pusher) transitionJira(ctx context.Context, conn *ent.ToolConnection, issueURL, target string) error {
	var listing struct {
		Transitions []struct {
			ID string `json:"id"`
			To struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := p.send(ctx, conn, http.MethodGet, issueURL+"/transitions", nil, &listing); err != nil {
		return err
	}

	for _, tr := range listing.Transitions {
		if strings.EqualFold(tr.To.Name, target) {
			return p.send(ctx, conn, http.MethodPost, issueURL+"/transitions",
				map[string]any{"transition": map[string]any{"id": tr.ID}}, nil)
		}
	}
	return fmt.Errorf("no transition to %q available", target)
}

// send issues one authenticated JSON request; out, when non-nil,
// receives the decoded response body.
func (p *Pusher) send(ctx context.Context, conn *ent.ToolConnection, method, reqURL string, body map[string]any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client, viaOAuth, err := tokenClient(ctx, p.httpClient, conn)
	if err != nil {
		return err
	}
	if !viaOAuth {
		if user := configString(conn, "username"); user != "" {
			req.SetBasicAuth(user, firstString(conn.Config, "api_token", "password"))
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, reqURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned HTTP %d", conn.Tool, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
