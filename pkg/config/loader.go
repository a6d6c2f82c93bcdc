package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// idempotencyTTLFloor is the minimum reservation TTL. Anything shorter
// would let a retried request slip past its own reservation.
const idempotencyTTLFloor = 60 * time.Second

// RunforgeYAMLConfig represents the runforge.yaml file structure.
// Only structured, deploy-time sections live here; infrastructure
// endpoints and stream names are environment-driven.
type RunforgeYAMLConfig struct {
	Connectors *ConnectorsConfig `yaml:"connectors"`
	Workers    *WorkersConfig    `yaml:"workers"`
	Retention  *RetentionConfig  `yaml:"retention"`
	Poller     *PollerConfig     `yaml:"poller"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load runforge.yaml from configDir (absent file = defaults)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Merge YAML sections over built-in defaults
//  4. Resolve environment-driven sections (redis, streams, idempotency,
//     audit, matching, secrets)
//  5. Validate everything
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"orchestration_enabled", cfg.Streams.Enabled,
		"audit_enabled", cfg.Audit.Enabled,
		"poller_enabled", cfg.Poller.Enabled,
		"connector_simulation", cfg.Connectors.Simulation)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	yamlCfg, err := loadRunforgeYAML(configDir)
	if err != nil {
		return nil, NewLoadError("runforge.yaml", err)
	}

	connectors := DefaultConnectorsConfig()
	if yamlCfg.Connectors != nil {
		if err := mergo.Merge(connectors, yamlCfg.Connectors, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge connectors config: %w", err)
		}
	}

	workers := DefaultWorkersConfig()
	if yamlCfg.Workers != nil {
		if err := mergo.Merge(workers, yamlCfg.Workers, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge workers config: %w", err)
		}
	}

	retention := DefaultRetentionConfig()
	if yamlCfg.Retention != nil {
		if err := mergo.Merge(retention, yamlCfg.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	poller := DefaultPollerConfig()
	if yamlCfg.Poller != nil {
		poller = yamlCfg.Poller
	}

	secrets, err := resolveSecretsConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		configDir:   configDir,
		Redis:       resolveRedisConfig(),
		Streams:     resolveStreamsConfig(),
		Idempotency: resolveIdempotencyConfig(),
		Audit:       resolveAuditConfig(),
		Connectors:  connectors,
		Workers:     workers,
		Retention:   retention,
		Poller:      poller,
		Matching:    &MatchingConfig{Addr: os.Getenv("MATCHING_SERVICE_ADDR")},
		Secrets:     secrets,
	}, nil
}

// loadRunforgeYAML reads and expands runforge.yaml. A missing file is
// not an error: every section has defaults and all infrastructure
// settings are environment variables.
func loadRunforgeYAML(configDir string) (*RunforgeYAMLConfig, error) {
	var config RunforgeYAMLConfig

	path := filepath.Join(configDir, "runforge.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No runforge.yaml found, using built-in defaults", "path", path)
			return &config, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &config, nil
}

func resolveRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       envInt("REDIS_DB", 0),
	}
}

func resolveStreamsConfig() *StreamsConfig {
	cfg := DefaultStreamsConfig()
	cfg.Assign = getEnv("REDIS_STREAM_ASSIGN", cfg.Assign)
	cfg.Command = getEnv("REDIS_STREAM_COMMAND", cfg.Command)
	cfg.Result = getEnv("REDIS_STREAM_RESULT", cfg.Result)
	cfg.Events = getEnv("REDIS_STREAM_EVENTS", cfg.Events)
	cfg.DeadLetter = getEnv("REDIS_STREAM_DEAD_LETTER", cfg.DeadLetter)
	cfg.OrchestratorGroup = getEnv("REDIS_CONSUMER_GROUP_ORCHESTRATOR", cfg.OrchestratorGroup)
	cfg.DefaultMaxLen = int64(envInt("REDIS_DEFAULT_MAXLEN", int(cfg.DefaultMaxLen)))
	cfg.Enabled = envBool("WORKER_ORCHESTRATION_ENABLED", cfg.Enabled)
	return cfg
}

func resolveIdempotencyConfig() *IdempotencyConfig {
	cfg := DefaultIdempotencyConfig()
	if seconds := envInt("IDEMPOTENCY_TTL_SECONDS", 0); seconds > 0 {
		ttl := time.Duration(seconds) * time.Second
		if ttl < idempotencyTTLFloor {
			slog.Warn("IDEMPOTENCY_TTL_SECONDS below floor, clamping",
				"requested", ttl, "floor", idempotencyTTLFloor)
			ttl = idempotencyTTLFloor
		}
		cfg.TTL = ttl
	}
	return cfg
}

func resolveAuditConfig() *AuditConfig {
	cfg := DefaultAuditConfig()
	cfg.Enabled = envBool("AUDIT_LOG_ENABLED", cfg.Enabled)
	cfg.Path = getEnv("AUDIT_LOG_PATH", cfg.Path)
	cfg.S3Bucket = os.Getenv("AUDIT_LOG_S3_BUCKET")
	cfg.S3Prefix = os.Getenv("AUDIT_LOG_S3_PREFIX")
	return cfg
}

// resolveSecretsConfig reads the hex-encoded local decryption key. An
// unset variable leaves Key nil; the daemon then refuses to resolve
// credential aliases rather than running with a guessable key.
func resolveSecretsConfig() (*SecretsConfig, error) {
	raw := os.Getenv("SECRETS_ENCRYPTION_KEY")
	if raw == "" {
		return &SecretsConfig{}, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, NewValidationError("secrets", "SECRETS_ENCRYPTION_KEY",
			fmt.Errorf("%w: not valid hex", ErrInvalidValue))
	}
	return &SecretsConfig{Key: key}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Invalid integer environment variable, using default",
			"key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return value
}

func envBool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("Invalid boolean environment variable, using default",
			"key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return value
}
