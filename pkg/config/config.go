package config

// Config is the umbrella configuration object returned by Initialize()
// and threaded through the daemon's wiring. Structured sections come
// from runforge.yaml; infrastructure knobs (streams, idempotency,
// audit, redis, database) come from environment variables so they can
// be rotated without shipping a new config file.
type Config struct {
	configDir string

	Redis       *RedisConfig
	Streams     *StreamsConfig
	Idempotency *IdempotencyConfig
	Audit       *AuditConfig
	Connectors  *ConnectorsConfig
	Workers     *WorkersConfig
	Retention   *RetentionConfig
	Poller      *PollerConfig
	Matching    *MatchingConfig
	Secrets     *SecretsConfig
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// RedisConfig locates the Redis instance backing the stream bus and
// the idempotency store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StreamsConfig names the five logical streams, the orchestrator
// consumer group, and the publish-side trim threshold.
type StreamsConfig struct {
	Assign     string
	Command    string
	Result     string
	Events     string
	DeadLetter string

	// OrchestratorGroup is the consumer group reading result and
	// dead-letter frames.
	OrchestratorGroup string

	// DefaultMaxLen is the approximate per-stream trim threshold
	// applied on publish.
	DefaultMaxLen int64

	// Enabled is the master switch for publishing to worker streams.
	// When false, sessions execute in-process only and manual command
	// submission is refused.
	Enabled bool
}

// MatchingConfig locates the external runbook-matching gRPC service.
// An empty Addr disables matching; ticket intake then stores tickets
// unclassified.
type MatchingConfig struct {
	Addr string
}

// SecretsConfig carries the static AES key for the local credential
// decrypter. Production deployments leave Key empty and plug a
// KMS-backed Decrypter in instead.
type SecretsConfig struct {
	Key []byte
}
