// Package connector provides the uniform command-execution contract
// across transports: local shell, SSH, WinRM, AWS SSM, Azure Run
// Command, GCP IAP, database, HTTP API, and network devices. Every
// connector classifies its failures, retries connection-level errors
// only, and redacts output before returning.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/runforge/runforge/pkg/redact"
)

// Kind identifies a transport.
type Kind string

const (
	KindLocal          Kind = "local"
	KindSSH            Kind = "ssh"
	KindWinRM          Kind = "winrm"
	KindAWSSSM         Kind = "aws_ssm"
	KindAzureBastion   Kind = "azure_bastion"
	KindGCPIAP         Kind = "gcp_iap"
	KindDatabase       Kind = "database"
	KindAPI            Kind = "api"
	KindNetworkCluster Kind = "network_cluster"
	KindNetworkDevice  Kind = "network_device"
)

// Result is the outcome of one command execution, after retries.
type Result struct {
	Success         bool   `json:"success"`
	Output          string `json:"output"`
	Error           string `json:"error"`
	ExitCode        int    `json:"exit_code"`
	ConnectionError bool   `json:"connection_error"`
	RetryCount      int    `json:"retry_count"`
	DurationMS      int64  `json:"duration_ms"`
	Simulated       bool   `json:"simulated,omitempty"`
}

// Connector executes a command against one target. Implementations are
// stateless; per-call connection details travel in cfg.
type Connector interface {
	Kind() Kind
	Execute(ctx context.Context, command string, cfg Config, timeout time.Duration) Result
}

// Config is the flattened view of a step's connection block. Values
// come from JSON metadata, so numbers may arrive as float64.
type Config map[string]any

// ConnectorType returns the transport selector, with the ssm alias
// folded in.
func (c Config) ConnectorType() Kind {
	t := c.Str("connector_type")
	if t == "ssm" {
		return KindAWSSSM
	}
	return Kind(t)
}

// Str returns a string value or "".
func (c Config) Str(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer value, tolerating JSON float64 and numeric
// strings, or def when absent.
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Bool returns a boolean value or false.
func (c Config) Bool(key string) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return false
}

// Sub returns a nested block as a Config, or an empty one.
func (c Config) Sub(key string) Config {
	if v, ok := c[key].(map[string]any); ok {
		return Config(v)
	}
	return Config{}
}

// Credentials returns the credentials block.
func (c Config) Credentials() Config {
	return c.Sub("credentials")
}

// Factory constructs connectors with shared dependencies.
type Factory struct {
	redactor *redact.Redactor
	simulate bool // allow simulation fallback when a client is unavailable
	logger   *slog.Logger
}

// NewFactory wires the shared redactor. simulate enables the
// development-mode fallback for transports whose client binary or SDK
// configuration is unavailable.
func NewFactory(redactor *redact.Redactor, simulate bool) *Factory {
	return &Factory{
		redactor: redactor,
		simulate: simulate,
		logger:   slog.With("component", "connector"),
	}
}

// For selects the connector for a connection config. Unknown types are
// an error the caller maps to a validation failure.
func (f *Factory) For(cfg Config) (Connector, error) {
	kind := cfg.ConnectorType()
	if kind == "" {
		kind = KindLocal
	}
	switch kind {
	case KindLocal:
		return &LocalConnector{factory: f}, nil
	case KindSSH:
		return &SSHConnector{factory: f, kind: KindSSH, wrapShell: true}, nil
	case KindNetworkCluster:
		return &SSHConnector{factory: f, kind: KindNetworkCluster, wrapShell: true}, nil
	case KindNetworkDevice:
		// Network gear has no POSIX shell; commands go over the wire raw.
		return &SSHConnector{factory: f, kind: KindNetworkDevice, wrapShell: false}, nil
	case KindWinRM:
		return &WinRMConnector{factory: f}, nil
	case KindAWSSSM:
		return &SSMConnector{factory: f}, nil
	case KindAzureBastion:
		return &AzureConnector{factory: f}, nil
	case KindGCPIAP:
		return &GCPIAPConnector{factory: f}, nil
	case KindDatabase:
		return &DatabaseConnector{factory: f}, nil
	case KindAPI:
		return &APIConnector{factory: f}, nil
	default:
		return nil, fmt.Errorf("unknown connector type %q", kind)
	}
}

// simulated builds the degraded-mode success a transport returns when
// its client is unavailable and simulation is enabled.
func simulated(kind Kind, command string) Result {
	return Result{
		Success:   true,
		Simulated: true,
		Output:    fmt.Sprintf("[simulated %s] %s", kind, command),
	}
}
