package ticketing

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/runforge/runforge/ent"
)

// tokenClient returns the HTTP client to use for a connection. When
// the connection carries OAuth config (a token_url plus a refresh
// token in its metadata) the returned client injects a bearer token,
// refreshing it first when expired; a refresh is written back into
// conn.MetaData so the poller can persist it. Without OAuth config the
// base client comes back unchanged and callers apply basic auth
// themselves, signalled by the second return value.
func tokenClient(ctx context.Context, base *http.Client, conn *ent.ToolConnection) (*http.Client, bool, error) {
	tokenURL := configString(conn, "token_url")
	if tokenURL == "" || conn.MetaData == nil || stringValue(conn.MetaData["refresh_token"]) == "" {
		return base, false, nil
	}

	current := &oauth2.Token{
		AccessToken:  stringValue(conn.MetaData["access_token"]),
		RefreshToken: stringValue(conn.MetaData["refresh_token"]),
	}
	if raw := stringValue(conn.MetaData["token_expiry"]); raw != "" {
		if expiry, err := time.Parse(time.RFC3339, raw); err == nil {
			current.Expiry = expiry
		}
	}

	cfg := &oauth2.Config{
		ClientID:     configString(conn, "client_id"),
		ClientSecret: configString(conn, "client_secret"),
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	fresh, err := cfg.TokenSource(ctx, current).Token()
	if err != nil {
		return nil, false, fmt.Errorf("refresh OAuth token: %w", err)
	}

	if fresh.AccessToken != current.AccessToken {
		conn.MetaData["access_token"] = fresh.AccessToken
		if fresh.RefreshToken != "" {
			conn.MetaData["refresh_token"] = fresh.RefreshToken
		}
		conn.MetaData["token_expiry"] = fresh.Expiry.UTC().Format(time.RFC3339)
	}

	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(fresh)), true, nil
}
