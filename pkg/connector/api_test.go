package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIConnectorSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	f := newTestFactory(t)
	conn := &APIConnector{factory: f}

	cfg := Config{
		"url":         srv.URL + "/health",
		"credentials": map[string]any{"token": "tok-123"},
	}
	res := conn.Execute(context.Background(), "", cfg, 10*time.Second)

	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.ExitCode)
	assert.Contains(t, res.Output, "healthy")
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestAPIConnectorServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFactory(t)
	conn := &APIConnector{factory: f}

	res := conn.Execute(context.Background(), srv.URL, Config{"max_retries": 1}, 10*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusBadGateway, res.ExitCode)
	assert.False(t, res.ConnectionError, "HTTP status failures are command-level")
}

func TestAPIConnectorCommandLine(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newTestFactory(t)
	conn := &APIConnector{factory: f}

	res := conn.Execute(context.Background(), "POST "+srv.URL+"/restart", Config{}, 10*time.Second)
	require.True(t, res.Success)
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestAPIConnectorUnreachable(t *testing.T) {
	f := newTestFactory(t)
	conn := &APIConnector{factory: f}

	cfg := Config{"url": "http://127.0.0.1:1/none", "max_retries": 1}
	res := conn.Execute(context.Background(), "", cfg, 5*time.Second)
	assert.False(t, res.Success)
	assert.True(t, res.ConnectionError)
	assert.Equal(t, FailureConnectionError, Classify(res))
}

func TestAPIRequestLine(t *testing.T) {
	method, url := apiRequestLine("", Config{"url": "http://a/b", "method": "put"})
	assert.Equal(t, "PUT", method)
	assert.Equal(t, "http://a/b", url)

	method, url = apiRequestLine("DELETE http://a/c", Config{})
	assert.Equal(t, "DELETE", method)
	assert.Equal(t, "http://a/c", url)

	method, url = apiRequestLine("http://a/d", Config{})
	assert.Equal(t, "GET", method)
	assert.Equal(t, "http://a/d", url)
}
