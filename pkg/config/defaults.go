package config

import "time"

// Built-in defaults. YAML sections merge on top of these; environment
// variables override the stream and infrastructure sections wholesale.

// DefaultStreamsConfig returns the built-in stream names and trim
// threshold.
func DefaultStreamsConfig() *StreamsConfig {
	return &StreamsConfig{
		Assign:            "session.assign",
		Command:           "session.command",
		Result:            "session.result",
		Events:            "session.events",
		DeadLetter:        "session.deadletter",
		OrchestratorGroup: "orchestrator",
		DefaultMaxLen:     10_000,
		Enabled:           true,
	}
}

// IdempotencyConfig controls the reservation TTL for logical-effect
// deduplication (session creation, command submission, assignments).
type IdempotencyConfig struct {
	TTL time.Duration
}

// DefaultIdempotencyConfig returns the built-in idempotency defaults.
func DefaultIdempotencyConfig() *IdempotencyConfig {
	return &IdempotencyConfig{
		TTL: 24 * time.Hour,
	}
}

// AuditConfig controls the hash-chained audit log and its optional
// object-store replication.
type AuditConfig struct {
	Enabled  bool
	Path     string
	S3Bucket string
	S3Prefix string
}

// DefaultAuditConfig returns the built-in audit defaults.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		Enabled: true,
		Path:    "./data/audit.log",
	}
}

// ConnectorsConfig controls transport-level command execution.
type ConnectorsConfig struct {
	// Simulation enables the degraded development mode: transports
	// whose client library or binary is unavailable return synthesized
	// success frames instead of failing.
	Simulation bool `yaml:"simulation"`

	// DefaultTimeout bounds a step whose definition carries no
	// explicit timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// DefaultConnectorsConfig returns the built-in connector defaults.
func DefaultConnectorsConfig() *ConnectorsConfig {
	return &ConnectorsConfig{
		Simulation:     false,
		DefaultTimeout: 2 * time.Minute,
	}
}

// WorkersConfig controls the in-memory worker registry.
type WorkersConfig struct {
	// HeartbeatTTL is how long a worker stays listed without a
	// heartbeat before eviction.
	HeartbeatTTL time.Duration `yaml:"heartbeat_ttl"`
}

// DefaultWorkersConfig returns the built-in worker registry defaults.
func DefaultWorkersConfig() *WorkersConfig {
	return &WorkersConfig{
		HeartbeatTTL: 60 * time.Second,
	}
}

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// SessionRetentionDays is how many days to keep terminal sessions
	// before soft-deleting them.
	SessionRetentionDays int `yaml:"session_retention_days"`

	// EventTTLDays is the maximum age of execution event rows whose
	// session is already soft-deleted.
	EventTTLDays int `yaml:"event_ttl_days"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionRetentionDays: 365,
		EventTTLDays:         30,
		CleanupInterval:      12 * time.Hour,
	}
}

// PollerConfig controls the external ticket poller.
type PollerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultPollerConfig returns the built-in poller defaults.
func DefaultPollerConfig() *PollerConfig {
	return &PollerConfig{
		Enabled: true,
	}
}
