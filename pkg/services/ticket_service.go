package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/ent/ticket"
	"github.com/runforge/runforge/pkg/models"
)

// TicketService manages ticket ingestion and lifecycle
type TicketService struct {
	client *ent.Client
}

// NewTicketService creates a new TicketService
func NewTicketService(client *ent.Client) *TicketService {
	return &TicketService{client: client}
}

// UpsertTicket creates or refreshes a ticket by its external identity.
// Content fields follow the source tool; the status lifecycle is owned
// by the verifier and is never clobbered by a poll.
func (s *TicketService) UpsertTicket(httpCtx context.Context, req models.TicketUpsert) (*ent.Ticket, error) {
	if req.TenantID <= 0 {
		return nil, NewValidationError("tenant_id", "required")
	}
	if req.Source == "" {
		return nil, NewValidationError("source", "required")
	}
	if req.ExternalID == "" {
		return nil, NewValidationError("external_id", "required")
	}
	if req.Title == "" {
		return nil, NewValidationError("title", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	existing, err := s.findByIdentity(ctx, req.TenantID, req.Source, req.ExternalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return s.refresh(ctx, existing, req)
	}

	created, err := s.createFrom(ctx, req)
	if err == nil {
		return created, nil
	}
	if !ent.IsConstraintError(err) {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}

	// Lost the insert race against a concurrent poll; the row exists now.
	existing, err = s.findByIdentity(ctx, req.TenantID, req.Source, req.ExternalID)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, existing, req)
}

func (s *TicketService) findByIdentity(ctx context.Context, tenantID int, source, externalID string) (*ent.Ticket, error) {
	t, err := s.client.Ticket.Query().
		Where(
			ticket.TenantIDEQ(tenantID),
			ticket.SourceEQ(source),
			ticket.ExternalIDEQ(externalID),
		).
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query ticket: %w", err)
	}
	return t, nil
}

func (s *TicketService) createFrom(ctx context.Context, req models.TicketUpsert) (*ent.Ticket, error) {
	builder := s.client.Ticket.Create().
		SetTenantID(req.TenantID).
		SetSource(req.Source).
		SetExternalID(req.ExternalID).
		SetTitle(req.Title)
	if req.Description != "" {
		builder.SetDescription(req.Description)
	}
	if req.Severity != "" {
		builder.SetSeverity(req.Severity)
	}
	if req.Environment != "" {
		builder.SetEnvironment(req.Environment)
	}
	if req.Service != "" {
		builder.SetService(req.Service)
	}
	if req.RawPayload != nil {
		builder.SetRawPayload(req.RawPayload)
	}
	if req.Metadata != nil {
		builder.SetMetaData(req.Metadata)
	}
	return builder.Save(ctx)
}

func (s *TicketService) refresh(ctx context.Context, existing *ent.Ticket, req models.TicketUpsert) (*ent.Ticket, error) {
	update := existing.Update().
		SetTitle(req.Title)
	if req.Description != "" {
		update.SetDescription(req.Description)
	}
	if req.Severity != "" {
		update.SetSeverity(req.Severity)
	}
	if req.Environment != "" {
		update.SetEnvironment(req.Environment)
	}
	if req.Service != "" {
		update.SetService(req.Service)
	}
	if req.RawPayload != nil {
		update.SetRawPayload(req.RawPayload)
	}
	if req.Metadata != nil {
		update.SetMetaData(req.Metadata)
	}

	updated, err := update.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh ticket: %w", err)
	}
	return updated, nil
}

// GetTicket retrieves a ticket by ID
func (s *TicketService) GetTicket(ctx context.Context, ticketID int) (*ent.Ticket, error) {
	t, err := s.client.Ticket.Get(ctx, ticketID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return t, nil
}

// GetByExternalID retrieves a ticket by its source-tool identity.
func (s *TicketService) GetByExternalID(ctx context.Context, tenantID int, source, externalID string) (*ent.Ticket, error) {
	return s.findByIdentity(ctx, tenantID, source, externalID)
}

// SetStatus moves a ticket to a new status, stamping resolved_at on
// resolution.
func (s *TicketService) SetStatus(ctx context.Context, ticketID int, status ticket.Status) (*ent.Ticket, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	update := s.client.Ticket.UpdateOneID(ticketID).
		SetStatus(status)
	if status == ticket.StatusResolved {
		update.SetResolvedAt(time.Now())
	}

	updated, err := update.Save(writeCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to set ticket status: %w", err)
	}
	return updated, nil
}

// SetClassification records the outcome of external analysis on a
// ticket, such as a false-positive verdict.
func (s *TicketService) SetClassification(ctx context.Context, ticketID int, classification string, confidence float64) (*ent.Ticket, error) {
	if confidence < 0 || confidence > 1 {
		return nil, NewValidationError("confidence", "must be between 0 and 1")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updated, err := s.client.Ticket.UpdateOneID(ticketID).
		SetClassification(classification).
		SetClassificationConfidence(confidence).
		Save(writeCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to set ticket classification: %w", err)
	}
	return updated, nil
}
