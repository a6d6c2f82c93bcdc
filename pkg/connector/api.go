package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxAPIBody caps the captured response body.
const maxAPIBody = 64 * 1024

// APIConnector issues HTTP requests with JSON bodies. The request URL
// comes from the config, or from the command line itself
// ("METHOD URL" or a bare URL) when the config has none.
type APIConnector struct {
	factory *Factory
}

func (c *APIConnector) Kind() Kind { return KindAPI }

func (c *APIConnector) Execute(ctx context.Context, command string, cfg Config, timeout time.Duration) Result {
	return c.factory.run(ctx, KindAPI, cfg, timeout, func(ctx context.Context) Result {
		return c.attempt(ctx, command, cfg)
	})
}

func (c *APIConnector) attempt(ctx context.Context, command string, cfg Config) Result {
	method, url := apiRequestLine(command, cfg)
	if url == "" {
		return Result{Error: "api: url is required", ExitCode: -1}
	}

	var body io.Reader
	if raw, ok := cfg["body"]; ok {
		switch v := raw.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return Result{Error: fmt.Sprintf("api: encode body: %v", err), ExitCode: -1}
			}
			body = strings.NewReader(string(encoded))
		}
		if method == http.MethodGet {
			method = http.MethodPost
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Result{Error: fmt.Sprintf("api: build request: %v", err), ExitCode: -1}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range cfg.Sub("headers") {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}
	creds := cfg.Credentials()
	if token := firstNonEmpty(creds.Str("token"), creds.Str("api_token"), creds.Str("api_key")); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if user := creds.Str("username"); user != "" {
		req.SetBasicAuth(user, creds.Str("password"))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Error: "api: request timed out: " + ctx.Err().Error(), ExitCode: -1}
		}
		return Result{Error: fmt.Sprintf("api: %v", err), ConnectionError: true, ExitCode: -1}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBody))
	if err != nil {
		return Result{Error: fmt.Sprintf("api: read response: %v", err), ConnectionError: true, ExitCode: -1}
	}

	res := Result{
		Output:   fmt.Sprintf("%s %s -> %s\n%s", method, url, resp.Status, payload),
		ExitCode: resp.StatusCode,
	}
	if resp.StatusCode < 400 {
		res.Success = true
		return res
	}
	res.Error = fmt.Sprintf("api: %s returned %s", url, resp.Status)
	return res
}

// apiRequestLine resolves (method, url) from config with the command as
// fallback.
func apiRequestLine(command string, cfg Config) (string, string) {
	method := strings.ToUpper(cfg.Str("method"))
	url := cfg.Str("url")
	if url == "" {
		fields := strings.Fields(strings.TrimSpace(command))
		switch {
		case len(fields) >= 2 && isHTTPMethod(fields[0]):
			method = strings.ToUpper(fields[0])
			url = fields[1]
		case len(fields) == 1:
			url = fields[0]
		}
	}
	if method == "" {
		method = http.MethodGet
	}
	return method, url
}

func isHTTPMethod(s string) bool {
	switch strings.ToUpper(s) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
		return true
	}
	return false
}
