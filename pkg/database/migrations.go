package database

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect/sql"
)

// CreateGINIndexes creates full-text search GIN indexes for PostgreSQL.
// These indexes back substring/keyword search over ticket text and
// runbook bodies, which the matching flow and the API listing use.
func CreateGINIndexes(ctx context.Context, driver *sql.Driver) error {
	db := driver.DB()

	// GIN index for ticket title+description full-text search
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_tickets_text_gin
		ON tickets USING gin(to_tsvector('english', title || ' ' || COALESCE(description, '')))`)
	if err != nil {
		return fmt.Errorf("failed to create tickets GIN index: %w", err)
	}

	// GIN index for runbook body full-text search
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_runbooks_body_gin
		ON runbooks USING gin(to_tsvector('english', body))`)
	if err != nil {
		return fmt.Errorf("failed to create runbooks GIN index: %w", err)
	}

	return nil
}

// CreatePartialUniqueIndexes creates PostgreSQL partial unique indexes
// that Ent cannot express. These must match the constraints in
// 20260412101500_init.up.sql. At most one active api_poll connection
// per (tenant, tool); the poller and the status pusher rely on this.
func CreatePartialUniqueIndexes(ctx context.Context, driver *sql.Driver) error {
	db := driver.DB()

	_, err := db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS toolconnection_tenant_tool_active
		ON tool_connections (tenant_id, tool)
		WHERE active AND connection_type = 'api_poll'`)
	if err != nil {
		return fmt.Errorf("failed to create active connection index: %w", err)
	}

	return nil
}
