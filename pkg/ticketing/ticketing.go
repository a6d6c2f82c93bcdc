// Package ticketing synchronizes tickets with external tools. The
// Poller pulls updated tickets through tool-specific fetchers on each
// connection's schedule; the Pusher writes execution outcomes back to
// the source tool.
package ticketing

import (
	"context"
	"strings"
	"time"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/pkg/models"
)

// Tool names connections use to select a fetcher and pusher.
const (
	ToolServiceNow = "servicenow"
	ToolJira       = "jira"
)

// fetchLimit caps the tickets requested per poll cycle.
const fetchLimit = 200

// fetchTimeout bounds one outbound fetch including a token refresh.
const fetchTimeout = 30 * time.Second

// Fetcher pulls tickets updated since a point in time from one
// external tool. A fetcher may refresh OAuth tokens mid-call by
// mutating conn.MetaData in place; the poller detects the change and
// persists it even when the fetch itself failed.
type Fetcher interface {
	Fetch(ctx context.Context, conn *ent.ToolConnection, since time.Time) ([]models.TicketUpsert, error)
}

func configString(conn *ent.ToolConnection, key string) string {
	if conn.Config == nil {
		return ""
	}
	return stringValue(conn.Config[key])
}

func stringValue(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringValue(m[key]); s != "" {
			return s
		}
	}
	return ""
}
