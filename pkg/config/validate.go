package config

import "fmt"

// validate performs validation on loaded configuration. Every check
// guards a failure mode that would otherwise surface mid-execution.
func validate(cfg *Config) error {
	if cfg.Redis.Addr == "" {
		return NewValidationError("redis", "REDIS_ADDR", fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}

	streams := map[string]string{
		"REDIS_STREAM_ASSIGN":               cfg.Streams.Assign,
		"REDIS_STREAM_COMMAND":              cfg.Streams.Command,
		"REDIS_STREAM_RESULT":               cfg.Streams.Result,
		"REDIS_STREAM_EVENTS":               cfg.Streams.Events,
		"REDIS_STREAM_DEAD_LETTER":          cfg.Streams.DeadLetter,
		"REDIS_CONSUMER_GROUP_ORCHESTRATOR": cfg.Streams.OrchestratorGroup,
	}
	for field, value := range streams {
		if value == "" {
			return NewValidationError("streams", field, fmt.Errorf("%w: must not be empty", ErrInvalidValue))
		}
	}
	if cfg.Streams.DefaultMaxLen <= 0 {
		return NewValidationError("streams", "REDIS_DEFAULT_MAXLEN",
			fmt.Errorf("%w: must be positive, got %d", ErrInvalidValue, cfg.Streams.DefaultMaxLen))
	}

	if cfg.Audit.Enabled && cfg.Audit.Path == "" {
		return NewValidationError("audit", "AUDIT_LOG_PATH",
			fmt.Errorf("%w: required when audit logging is enabled", ErrInvalidValue))
	}
	if cfg.Audit.S3Prefix != "" && cfg.Audit.S3Bucket == "" {
		return NewValidationError("audit", "AUDIT_LOG_S3_BUCKET",
			fmt.Errorf("%w: required when AUDIT_LOG_S3_PREFIX is set", ErrInvalidValue))
	}

	if cfg.Connectors.DefaultTimeout <= 0 {
		return NewValidationError("connectors", "default_timeout",
			fmt.Errorf("%w: must be positive, got %v", ErrInvalidValue, cfg.Connectors.DefaultTimeout))
	}
	if cfg.Workers.HeartbeatTTL <= 0 {
		return NewValidationError("workers", "heartbeat_ttl",
			fmt.Errorf("%w: must be positive, got %v", ErrInvalidValue, cfg.Workers.HeartbeatTTL))
	}

	if cfg.Retention.SessionRetentionDays <= 0 {
		return NewValidationError("retention", "session_retention_days",
			fmt.Errorf("%w: must be positive, got %d", ErrInvalidValue, cfg.Retention.SessionRetentionDays))
	}
	if cfg.Retention.EventTTLDays <= 0 {
		return NewValidationError("retention", "event_ttl_days",
			fmt.Errorf("%w: must be positive, got %d", ErrInvalidValue, cfg.Retention.EventTTLDays))
	}
	if cfg.Retention.CleanupInterval <= 0 {
		return NewValidationError("retention", "cleanup_interval",
			fmt.Errorf("%w: must be positive, got %v", ErrInvalidValue, cfg.Retention.CleanupInterval))
	}

	if key := cfg.Secrets.Key; len(key) > 0 {
		switch len(key) {
		case 16, 24, 32:
		default:
			return NewValidationError("secrets", "SECRETS_ENCRYPTION_KEY",
				fmt.Errorf("%w: key must be 16, 24, or 32 bytes, got %d", ErrInvalidValue, len(key)))
		}
	}

	return nil
}
