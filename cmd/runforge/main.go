// Runforge orchestrator server — drives runbook execution sessions,
// consumes worker results from the stream bus, polls external ticket
// tools, and serves the operational HTTP endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/runforge/runforge/pkg/api"
	"github.com/runforge/runforge/pkg/audit"
	"github.com/runforge/runforge/pkg/bus"
	"github.com/runforge/runforge/pkg/cleanup"
	"github.com/runforge/runforge/pkg/config"
	"github.com/runforge/runforge/pkg/connector"
	"github.com/runforge/runforge/pkg/database"
	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/execution"
	"github.com/runforge/runforge/pkg/idempotency"
	"github.com/runforge/runforge/pkg/matching"
	"github.com/runforge/runforge/pkg/metadata"
	"github.com/runforge/runforge/pkg/redact"
	"github.com/runforge/runforge/pkg/secrets"
	"github.com/runforge/runforge/pkg/services"
	"github.com/runforge/runforge/pkg/ticketing"
	"github.com/runforge/runforge/pkg/workers"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveNodeID determines this orchestrator instance's identity for
// consumer-group membership. Priority: NODE_ID env > HOSTNAME env >
// generated.
func resolveNodeID() string {
	if id := os.Getenv("NODE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "runforge-" + uuid.NewString()[:8]
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	verifyAudit := flag.String("verify-audit", "",
		"Verify the audit chain in the given file and exit")
	flag.Parse()

	// Chain verification is a standalone operator path.
	if *verifyAudit != "" {
		lines, err := audit.Verify(*verifyAudit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "audit chain verification failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("audit chain intact: %d entries\n", lines)
		return
	}

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	nodeID := resolveNodeID()

	slog.Info("Starting runforge",
		"http_port", httpPort,
		"node_id", nodeID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Initialize stream bus and idempotency store
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	streamBus := bus.NewRedisBus(rdb, cfg.Streams.DefaultMaxLen)
	streams := bus.StreamNames{
		Assign:       cfg.Streams.Assign,
		Command:      cfg.Streams.Command,
		Result:       cfg.Streams.Result,
		Events:       cfg.Streams.Events,
		DeadLetter:   cfg.Streams.DeadLetter,
		Orchestrator: cfg.Streams.OrchestratorGroup,
	}
	idem := idempotency.NewManager(rdb, cfg.Idempotency.TTL)
	slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	// 4. Initialize audit sink
	var sink audit.Sink = audit.NoopSink{}
	if cfg.Audit.Enabled {
		var replicator *audit.S3Replicator
		if cfg.Audit.S3Bucket != "" {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				slog.Error("Failed to load AWS config for audit replication", "error", err)
				os.Exit(1)
			}
			replicator = audit.NewS3Replicator(s3.NewFromConfig(awsCfg), cfg.Audit.S3Bucket, cfg.Audit.S3Prefix)
		}
		fileSink, err := audit.NewFileSink(cfg.Audit.Path, replicator)
		if err != nil {
			slog.Error("Failed to open audit log", "path", cfg.Audit.Path, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := fileSink.Close(); err != nil {
				slog.Error("Error closing audit sink", "error", err)
			}
		}()
		sink = fileSink
		slog.Info("Audit sink initialized",
			"path", cfg.Audit.Path, "s3_bucket", cfg.Audit.S3Bucket)
	}

	// 5. Initialize domain services and the event publisher
	eventService := services.NewEventService(dbClient.Client)
	publisher := events.NewPublisher(streamBus, eventService, sink, cfg.Streams.Events, cfg.Streams.Enabled)

	var decrypter secrets.Decrypter
	if len(cfg.Secrets.Key) > 0 {
		decrypter, err = secrets.NewLocal(cfg.Secrets.Key)
		if err != nil {
			slog.Error("Failed to initialize local decrypter", "error", err)
			os.Exit(1)
		}
	}
	resolver := metadata.NewResolver(services.NewCredentialService(dbClient.Client), decrypter)

	factory := connector.NewFactory(redact.NewRedactor(), cfg.Connectors.Simulation)

	// Cloud discovery is optional; it activates with the subscription.
	var discoverer execution.Discoverer
	if sub := os.Getenv("AZURE_SUBSCRIPTION_ID"); sub != "" {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			slog.Warn("Azure discovery disabled: no credential", "error", err)
		} else if d, err := execution.NewAzureDiscoverer(sub, cred); err != nil {
			slog.Warn("Azure discovery disabled", "error", err)
		} else {
			discoverer = d
			slog.Info("Azure discovery enabled", "subscription", sub)
		}
	}

	verifier := execution.NewVerifier(dbClient.Client, ticketing.NewPusher())
	executor := execution.NewExecutor(dbClient.Client, publisher, factory, resolver, verifier, discoverer)
	executor.SetDefaultStepTimeout(cfg.Connectors.DefaultTimeout)

	controller := execution.NewController(execution.ControllerConfig{
		Client:        dbClient.Client,
		Publisher:     publisher,
		Executor:      executor,
		Bus:           streamBus,
		Streams:       streams,
		Idempotency:   idem,
		Resolver:      resolver,
		Orchestration: cfg.Streams.Enabled,
	})
	slog.Info("Execution controller initialized")

	// 6. One-time startup orphan recovery
	if count, err := controller.RecoverOrphans(ctx); err != nil {
		slog.Error("Failed to recover orphaned sessions", "error", err)
		// Non-fatal — continue
	} else if count > 0 {
		slog.Info("Recovered orphaned sessions", "count", count)
	}

	// 7. Start the result consumer and worker registry
	registry := workers.NewRegistry(cfg.Workers.HeartbeatTTL)

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	consumerDone := make(chan struct{})
	if cfg.Streams.Enabled {
		consumer := execution.NewResultConsumer(
			dbClient.Client, streamBus, streams, publisher, registry, nodeID)
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(consumerCtx); err != nil && consumerCtx.Err() == nil {
				slog.Error("Result consumer exited", "error", err)
			}
		}()
		slog.Info("Result consumer started", "consumer", nodeID)
	} else {
		close(consumerDone)
		slog.Warn("Worker orchestration disabled — sessions execute in-process only")
	}

	// 8. Start the ticket poller
	var poller *ticketing.Poller
	if cfg.Poller.Enabled {
		poller = ticketing.NewPoller(dbClient.Client, map[string]ticketing.Fetcher{
			ticketing.ToolServiceNow: ticketing.NewServiceNowFetcher(),
			ticketing.ToolJira:       ticketing.NewJiraFetcher(),
		})
		if cfg.Matching.Addr != "" {
			matcher, err := matching.NewClient(cfg.Matching.Addr)
			if err != nil {
				slog.Error("Failed to initialize matching client",
					"addr", cfg.Matching.Addr, "error", err)
				os.Exit(1)
			}
			defer func() {
				if err := matcher.Close(); err != nil {
					slog.Error("Error closing matching client", "error", err)
				}
			}()
			poller.SetMatcher(matcher)
			slog.Info("Matching client initialized", "addr", cfg.Matching.Addr)
		}
		poller.Start(ctx)
	}

	// 9. Start the retention loop
	cleanupService := cleanup.NewService(
		cfg.Retention,
		services.NewSessionService(dbClient.Client),
		eventService,
		registry,
	)
	cleanupService.Start(ctx)

	// 10. Start the operational HTTP server (non-blocking)
	ready := true
	httpServer := api.NewServer(map[string]api.Check{
		"database": func(ctx context.Context) error {
			_, err := database.Health(ctx, dbClient.DB())
			return err
		},
		"bus": streamBus.Ping,
	}, func() bool { return ready })

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Runforge started successfully", "node_id", nodeID)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}
	ready = false

	// 12. Graceful shutdown, outermost consumers first
	if poller != nil {
		poller.Stop()
	}
	cleanupService.Stop()

	consumerCancel()
	select {
	case <-consumerDone:
		slog.Info("Result consumer stopped gracefully")
	case <-time.After(10 * time.Second):
		slog.Warn("Result consumer shutdown timeout exceeded")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
