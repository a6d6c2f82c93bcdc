package services

import (
	"context"
	"fmt"
	"time"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/ent/toolconnection"
)

// syncErrorLimit caps the persisted error message length.
const syncErrorLimit = 500

// ConnectionService manages external ticketing tool connections and
// their poll bookkeeping.
type ConnectionService struct {
	client *ent.Client
}

// NewConnectionService creates a new ConnectionService
func NewConnectionService(client *ent.Client) *ConnectionService {
	return &ConnectionService{client: client}
}

// GetConnection retrieves a connection by ID
func (s *ConnectionService) GetConnection(ctx context.Context, connectionID int) (*ent.ToolConnection, error) {
	conn, err := s.client.ToolConnection.Get(ctx, connectionID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// ListDue returns the active api_poll connections whose sync interval
// has elapsed since the last sync. Never-synced connections are always
// due.
func (s *ConnectionService) ListDue(ctx context.Context, now time.Time) ([]*ent.ToolConnection, error) {
	conns, err := s.client.ToolConnection.Query().
		Where(
			toolconnection.ActiveEQ(true),
			toolconnection.ConnectionTypeEQ(toolconnection.ConnectionTypeAPIPoll),
		).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	due := conns[:0]
	for _, conn := range conns {
		if conn.LastSyncAt == nil {
			due = append(due, conn)
			continue
		}
		interval := time.Duration(conn.SyncIntervalMinutes) * time.Minute
		if now.Sub(*conn.LastSyncAt) >= interval {
			due = append(due, conn)
		}
	}
	return due, nil
}

// ActivePollConnection returns the tenant's active api_poll connection
// for a tool, used to push ticket status back to the source system.
func (s *ConnectionService) ActivePollConnection(ctx context.Context, tenantID int, tool string) (*ent.ToolConnection, error) {
	conn, err := s.client.ToolConnection.Query().
		Where(
			toolconnection.TenantIDEQ(tenantID),
			toolconnection.ToolEQ(tool),
			toolconnection.ActiveEQ(true),
			toolconnection.ConnectionTypeEQ(toolconnection.ConnectionTypeAPIPoll),
		).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find connection: %w", err)
	}
	return conn, nil
}

// PersistMetadata writes the connection's mutable metadata back.
// Fetchers refresh OAuth tokens in place; a refreshed token must reach
// the database even when the fetch that triggered it fails.
func (s *ConnectionService) PersistMetadata(ctx context.Context, connectionID int, metadata map[string]any) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.client.ToolConnection.UpdateOneID(connectionID).
		SetMetaData(metadata).
		Exec(writeCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to persist connection metadata: %w", err)
	}
	return nil
}

// MarkSyncSuccess records a completed fetch cycle.
func (s *ConnectionService) MarkSyncSuccess(ctx context.Context, connectionID int, at time.Time) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.client.ToolConnection.UpdateOneID(connectionID).
		SetSyncStatus(toolconnection.SyncStatusSuccess).
		SetLastSyncAt(at).
		SetSyncError("").
		Exec(writeCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to mark sync success: %w", err)
	}
	return nil
}

// MarkSyncFailed records a failed fetch cycle with a truncated error.
func (s *ConnectionService) MarkSyncFailed(ctx context.Context, connectionID int, syncErr error) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := ""
	if syncErr != nil {
		msg = syncErr.Error()
	}
	if len(msg) > syncErrorLimit {
		msg = msg[:syncErrorLimit]
	}

	err := s.client.ToolConnection.UpdateOneID(connectionID).
		SetSyncStatus(toolconnection.SyncStatusFailed).
		SetSyncError(msg).
		Exec(writeCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to mark sync failure: %w", err)
	}
	return nil
}
