package ticketing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/ent"
)

func TestServiceNowFetcher_MapsIncidents(t *testing.T) {
	since := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	var gotQuery, gotUser, gotPass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/now/table/incident", r.URL.Path)
		gotQuery = r.URL.Query().Get("sysparm_query")
		gotUser, gotPass, _ = r.BasicAuth()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":[
			{"number":"INC0012345","sys_id":"abc123","short_description":"Payment workers stuck",
			 "description":"Queue depth rising on payment-workers-3","urgency":"2",
			 "u_environment":"production","business_service":"payments",
			 "hostname":"payment-workers-3.acme.internal"},
			{"sys_id":"raw-only","short_description":"No number assigned"}
		]}`))
	}))
	defer server.Close()

	conn := &ent.ToolConnection{
		ID:       1,
		TenantID: 7,
		Tool:     ToolServiceNow,
		Config: map[string]any{
			"base_url":  server.URL,
			"username":  "svc_poll",
			"api_token": "tok-1",
		},
	}

	upserts, err := NewServiceNowFetcher().Fetch(context.Background(), conn, since)
	require.NoError(t, err)
	require.Len(t, upserts, 2)

	first := upserts[0]
	assert.Equal(t, 7, first.TenantID)
	assert.Equal(t, ToolServiceNow, first.Source)
	assert.Equal(t, "INC0012345", first.ExternalID)
	assert.Equal(t, "Payment workers stuck", first.Title)
	assert.Equal(t, "Queue depth rising on payment-workers-3", first.Description)
	assert.Equal(t, "high", first.Severity)
	assert.Equal(t, "production", first.Environment)
	assert.Equal(t, "payments", first.Service)
	assert.Equal(t, "payment-workers-3.acme.internal", first.RawPayload["hostname"])

	// Without a number the sys_id identifies the incident.
	assert.Equal(t, "raw-only", upserts[1].ExternalID)

	assert.Contains(t, gotQuery, "sys_updated_on>=2026-08-20 09:30:00")
	assert.Equal(t, "svc_poll", gotUser)
	assert.Equal(t, "tok-1", gotPass)
}

func TestServiceNowFetcher_RefreshesExpiredTokens(t *testing.T) {
	var tableAuth string
	var tokenForm url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth_token.do", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		tokenForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh-42","refresh_token":"refresh-2","token_type":"Bearer","expires_in":1800}`))
	})
	mux.HandleFunc("/api/now/table/incident", func(w http.ResponseWriter, r *http.Request) {
		tableAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":[]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	conn := &ent.ToolConnection{
		ID:       1,
		TenantID: 7,
		Tool:     ToolServiceNow,
		Config: map[string]any{
			"base_url":      server.URL,
			"token_url":     server.URL + "/oauth_token.do",
			"client_id":     "runforge",
			"client_secret": "s3cret",
		},
		MetaData: map[string]any{
			"access_token":  "stale",
			"refresh_token": "refresh-1",
			"token_expiry":  time.Now().Add(-time.Minute).UTC().Format(time.RFC3339),
		},
	}

	_, err := NewServiceNowFetcher().Fetch(context.Background(), conn, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	assert.Equal(t, "refresh_token", tokenForm.Get("grant_type"))
	assert.Equal(t, "refresh-1", tokenForm.Get("refresh_token"))
	assert.Equal(t, "Bearer fresh-42", tableAuth)

	// The refresh was written back for the poller to persist.
	assert.Equal(t, "fresh-42", conn.MetaData["access_token"])
	assert.Equal(t, "refresh-2", conn.MetaData["refresh_token"])
	expiry, err := time.Parse(time.RFC3339, conn.MetaData["token_expiry"].(string))
	require.NoError(t, err)
	assert.True(t, expiry.After(time.Now()))
}

func TestServiceNowFetcher_SurfacesHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	conn := &ent.ToolConnection{
		ID:       1,
		TenantID: 7,
		Tool:     ToolServiceNow,
		Config:   map[string]any{"base_url": server.URL},
	}

	_, err := NewServiceNowFetcher().Fetch(context.Background(), conn, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestServiceNowFetcher_RequiresBaseURL(t *testing.T) {
	conn := &ent.ToolConnection{ID: 3, TenantID: 7, Tool: ToolServiceNow}

	_, err := NewServiceNowFetcher().Fetch(context.Background(), conn, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}
