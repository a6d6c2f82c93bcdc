package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/pkg/matching"
	"github.com/runforge/runforge/pkg/metrics"
	"github.com/runforge/runforge/pkg/services"
)

// tickInterval is the loop granularity; it keeps shutdown responsive
// while per-connection sync intervals decide the actual fetch cadence.
const tickInterval = time.Second

// initialWindow is how far back the first sync of a connection looks.
const initialWindow = time.Hour

// matchTimeout bounds one classification call so a slow matching
// service cannot hold up the whole sweep.
const matchTimeout = 10 * time.Second

// Matcher suggests a runbook and an issue classification for a freshly
// ingested ticket. Implemented by matching.Client; nil disables
// classification.
type Matcher interface {
	Match(ctx context.Context, tkt *ent.Ticket) (*matching.Suggestion, error)
}

// Poller periodically pulls tickets for every active api_poll
// connection that is due per its sync interval.
type Poller struct {
	connections *services.ConnectionService
	tickets     *services.TicketService
	fetchers    map[string]Fetcher
	matcher     Matcher
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller serving the given fetchers, keyed by tool
// name.
func NewPoller(client *ent.Client, fetchers map[string]Fetcher) *Poller {
	return &Poller{
		connections: services.NewConnectionService(client),
		tickets:     services.NewTicketService(client),
		fetchers:    fetchers,
		logger:      slog.With("component", "poller"),
	}
}

// SetMatcher enables ticket classification through the external
// matching service. Must be called before Start.
func (p *Poller) SetMatcher(m Matcher) {
	p.matcher = m
}

// Start launches the background poll loop.
func (p *Poller) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go p.run(ctx)

	p.logger.Info("Ticket poller started", "tools", len(p.fetchers))
}

// Stop signals the poll loop to exit and waits for it to finish.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.logger.Info("Ticket poller stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx, time.Now())
		}
	}
}

// sweep runs one fetch cycle for every due connection.
func (p *Poller) sweep(ctx context.Context, now time.Time) {
	due, err := p.connections.ListDue(ctx, now)
	if err != nil {
		p.logger.Error("Poller: listing due connections failed", "error", err)
		return
	}
	for _, conn := range due {
		p.syncConnection(ctx, conn, now)
	}
}

func (p *Poller) syncConnection(ctx context.Context, conn *ent.ToolConnection, now time.Time) {
	logger := p.logger.With(
		"connection_id", conn.ID,
		"tenant_id", conn.TenantID,
		"tool", conn.Tool,
	)

	fetcher, ok := p.fetchers[conn.Tool]
	if !ok {
		p.finishCycle(ctx, conn, now, fmt.Errorf("no fetcher registered for tool %q", conn.Tool), logger)
		return
	}

	since := now.Add(-initialWindow)
	if conn.LastSyncAt != nil {
		since = *conn.LastSyncAt
	}
	before, _ := json.Marshal(conn.MetaData)

	upserts, fetchErr := fetcher.Fetch(ctx, conn, since)

	// A refreshed token reaches the database before the cycle outcome
	// is decided, so a failed fetch cannot discard a freshly minted
	// refresh token.
	if after, _ := json.Marshal(conn.MetaData); !bytes.Equal(before, after) {
		if err := p.connections.PersistMetadata(ctx, conn.ID, conn.MetaData); err != nil {
			logger.Error("Poller: persisting refreshed connection metadata failed", "error", err)
		} else {
			logger.Info("Poller: connection metadata refreshed")
		}
	}

	if fetchErr != nil {
		p.finishCycle(ctx, conn, now, fetchErr, logger)
		return
	}

	stored := 0
	var upsertErr error
	for _, upsert := range upserts {
		upsert.TenantID = conn.TenantID
		upsert.Source = conn.Tool
		tkt, err := p.tickets.UpsertTicket(ctx, upsert)
		if err != nil {
			logger.Error("Poller: ticket upsert failed",
				"external_id", upsert.ExternalID, "error", err)
			if upsertErr == nil {
				upsertErr = fmt.Errorf("upsert ticket %s: %w", upsert.ExternalID, err)
			}
			continue
		}
		stored++
		p.classify(ctx, tkt, logger)
	}

	p.finishCycle(ctx, conn, now, upsertErr, logger)
	if upsertErr == nil {
		logger.Info("Poller: cycle complete",
			"fetched", len(upserts), "stored", stored, "since", since)
	}
}

// classify sends an unclassified ticket through the matching service.
// Classification is best effort: failures never fail the sync cycle,
// and a deployment without a matcher leaves tickets unclassified.
func (p *Poller) classify(ctx context.Context, tkt *ent.Ticket, logger *slog.Logger) {
	if p.matcher == nil || tkt.Classification != nil {
		return
	}

	matchCtx, cancel := context.WithTimeout(ctx, matchTimeout)
	defer cancel()

	suggestion, err := p.matcher.Match(matchCtx, tkt)
	if err != nil {
		logger.Warn("Poller: ticket classification failed",
			"ticket_id", tkt.ID, "error", err)
		return
	}

	if suggestion.Classification != "" {
		if _, err := p.tickets.SetClassification(ctx, tkt.ID, suggestion.Classification, suggestion.Confidence); err != nil {
			logger.Error("Poller: storing classification failed",
				"ticket_id", tkt.ID, "error", err)
		}
	}
	if suggestion.RunbookID != 0 {
		logger.Info("Poller: runbook suggested",
			"ticket_id", tkt.ID,
			"runbook_id", suggestion.RunbookID,
			"similarity", suggestion.Similarity)
	}
}

// finishCycle records the sync outcome on the connection row.
func (p *Poller) finishCycle(ctx context.Context, conn *ent.ToolConnection, now time.Time, cycleErr error, logger *slog.Logger) {
	if cycleErr == nil {
		if err := p.connections.MarkSyncSuccess(ctx, conn.ID, now); err != nil {
			logger.Error("Poller: recording sync success failed", "error", err)
		}
		metrics.TicketPollCycles.WithLabelValues(conn.Tool, "success").Inc()
		return
	}

	logger.Warn("Poller: cycle failed", "error", cycleErr)
	if err := p.connections.MarkSyncFailed(ctx, conn.ID, cycleErr); err != nil {
		logger.Error("Poller: recording sync failure failed", "error", err)
	}
	metrics.TicketPollCycles.WithLabelValues(conn.Tool, "failed").Inc()
}
