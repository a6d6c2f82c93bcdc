// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/runforge/runforge/pkg/config"
	"github.com/runforge/runforge/pkg/services"
	"github.com/runforge/runforge/pkg/workers"
)

// Service periodically enforces retention policies:
//   - Soft-deletes terminal sessions past the retention window
//   - Removes execution event rows orphaned by soft-deleted sessions
//   - Evicts workers whose heartbeat lapsed
//
// All operations are idempotent and safe to run from multiple
// orchestrator instances; the worker sweep is per-process by nature.
type Service struct {
	config         *config.RetentionConfig
	sessionService *services.SessionService
	eventService   *services.EventService
	registry       *workers.Registry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. registry may be nil when
// the process runs without worker orchestration.
func NewService(
	cfg *config.RetentionConfig,
	sessionService *services.SessionService,
	eventService *services.EventService,
	registry *workers.Registry,
) *Service {
	return &Service{
		config:         cfg,
		sessionService: sessionService,
		eventService:   eventService,
		registry:       registry,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"session_retention_days", s.config.SessionRetentionDays,
		"event_ttl_days", s.config.EventTTLDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	// Retention runs on the configured interval; the worker sweep runs
	// on its own short ticker so a dead worker disappears within
	// seconds, not hours.
	retention := time.NewTicker(s.config.CleanupInterval)
	defer retention.Stop()
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-retention.C:
			s.runAll(ctx)
		case <-sweep.C:
			s.evictStaleWorkers()
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.softDeleteOldSessions(ctx)
	s.cleanupOrphanedEvents(ctx)
	s.evictStaleWorkers()
}

func (s *Service) softDeleteOldSessions(_ context.Context) {
	count, err := s.sessionService.SoftDeleteOldSessions(context.Background(), s.config.SessionRetentionDays)
	if err != nil {
		slog.Error("Retention: soft-delete sessions failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: soft-deleted old sessions", "count", count)
	}
}

func (s *Service) cleanupOrphanedEvents(_ context.Context) {
	count, err := s.eventService.CleanupOldEvents(context.Background(), s.config.EventTTLDays)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: cleaned up orphaned events", "count", count)
	}
}

func (s *Service) evictStaleWorkers() {
	if s.registry == nil {
		return
	}
	if count := s.registry.CleanupStale(); count > 0 {
		slog.Info("Retention: evicted stale workers", "count", count)
	}
}
