package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzAllHealthy(t *testing.T) {
	s := NewServer(map[string]Check{
		"database": func(context.Context) error { return nil },
		"bus":      func(context.Context) error { return nil },
	}, nil)

	rec := doGet(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string                 `json:"status"`
		Checks map[string]HealthCheck `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Checks["database"].Status)
	assert.Equal(t, "healthy", body.Checks["bus"].Status)
}

func TestHealthzFailingDependency(t *testing.T) {
	s := NewServer(map[string]Check{
		"database": func(context.Context) error { return nil },
		"bus":      func(context.Context) error { return errors.New("connection refused") },
	}, nil)

	rec := doGet(t, s, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string                 `json:"status"`
		Checks map[string]HealthCheck `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "healthy", body.Checks["database"].Status)
	assert.Equal(t, "unhealthy", body.Checks["bus"].Status)
	assert.Contains(t, body.Checks["bus"].Message, "connection refused")
}

func TestReadyz(t *testing.T) {
	ready := false
	s := NewServer(nil, func() bool { return ready })

	rec := doGet(t, s, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = true
	rec = doGet(t, s, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVersion(t *testing.T) {
	s := NewServer(nil, nil)

	rec := doGet(t, s, "/version")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "runforge", body["app"])
	assert.NotEmpty(t, body["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(nil, nil)

	rec := doGet(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
