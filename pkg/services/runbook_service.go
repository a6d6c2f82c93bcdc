package services

import (
	"context"
	"fmt"
	"time"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/ent/runbook"
	"github.com/runforge/runforge/pkg/models"
)

// RunbookService manages the runbook store. Approved runbooks are
// immutable; every change to one lands in a new row linked through
// parent_version_id.
type RunbookService struct {
	client *ent.Client
}

// NewRunbookService creates a new RunbookService
func NewRunbookService(client *ent.Client) *RunbookService {
	return &RunbookService{client: client}
}

// CreateRunbook stores a new draft.
func (s *RunbookService) CreateRunbook(httpCtx context.Context, req models.CreateRunbookRequest) (*ent.Runbook, error) {
	if req.TenantID <= 0 {
		return nil, NewValidationError("tenant_id", "required")
	}
	if req.Title == "" {
		return nil, NewValidationError("title", "required")
	}
	if req.Body == "" {
		return nil, NewValidationError("body", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	builder := s.client.Runbook.Create().
		SetTenantID(req.TenantID).
		SetTitle(req.Title).
		SetBody(req.Body).
		SetConfidence(req.Confidence)
	if req.Metadata != nil {
		builder.SetMetaData(req.Metadata)
	}

	rb, err := builder.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create runbook: %w", err)
	}
	return rb, nil
}

// GetRunbook retrieves a runbook by ID
func (s *RunbookService) GetRunbook(ctx context.Context, runbookID int) (*ent.Runbook, error) {
	rb, err := s.client.Runbook.Get(ctx, runbookID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get runbook: %w", err)
	}
	return rb, nil
}

// GetTenantRunbook retrieves a runbook scoped to one tenant.
// Cross-tenant reads come back as not found.
func (s *RunbookService) GetTenantRunbook(ctx context.Context, tenantID, runbookID int) (*ent.Runbook, error) {
	rb, err := s.client.Runbook.Query().
		Where(
			runbook.IDEQ(runbookID),
			runbook.TenantIDEQ(tenantID),
		).
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get runbook: %w", err)
	}
	return rb, nil
}

// ListRunbooks lists runbooks with filtering and pagination
func (s *RunbookService) ListRunbooks(ctx context.Context, filters models.RunbookFilters) ([]*ent.Runbook, error) {
	query := s.client.Runbook.Query()

	if filters.TenantID > 0 {
		query = query.Where(runbook.TenantIDEQ(filters.TenantID))
	}
	if filters.Status != "" {
		query = query.Where(runbook.StatusEQ(runbook.Status(filters.Status)))
	}
	if filters.ActiveOnly {
		query = query.Where(runbook.ActiveEQ(true))
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 20 // Default
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	runbooks, err := query.
		Limit(limit).
		Offset(offset).
		Order(ent.Desc(runbook.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runbooks: %w", err)
	}
	return runbooks, nil
}

// UpdateDraft patches a runbook that is still a draft. Approved and
// archived runbooks refuse the patch; publish a new version instead.
func (s *RunbookService) UpdateDraft(ctx context.Context, runbookID int, req models.UpdateRunbookRequest) (*ent.Runbook, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rb, err := s.GetRunbook(writeCtx, runbookID)
	if err != nil {
		return nil, err
	}
	if rb.Status != runbook.StatusDraft {
		return nil, fmt.Errorf("%w: runbook %d is %s and immutable", ErrConflict, runbookID, rb.Status)
	}

	update := rb.Update()
	if req.Title != nil {
		update.SetTitle(*req.Title)
	}
	if req.Body != nil {
		update.SetBody(*req.Body)
	}
	if req.Metadata != nil {
		update.SetMetaData(req.Metadata)
	}

	updated, err := update.Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to update runbook: %w", err)
	}
	return updated, nil
}

// Approve promotes a draft to approved, freezing its body.
func (s *RunbookService) Approve(ctx context.Context, runbookID int) (*ent.Runbook, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := s.client.Runbook.Update().
		Where(
			runbook.IDEQ(runbookID),
			runbook.StatusEQ(runbook.StatusDraft),
		).
		SetStatus(runbook.StatusApproved).
		Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to approve runbook: %w", err)
	}
	if n == 0 {
		rb, getErr := s.GetRunbook(writeCtx, runbookID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: runbook %d is %s, not draft", ErrConflict, runbookID, rb.Status)
	}
	return s.GetRunbook(writeCtx, runbookID)
}

// Archive retires a runbook from matching and execution.
func (s *RunbookService) Archive(ctx context.Context, runbookID int) (*ent.Runbook, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updated, err := s.client.Runbook.UpdateOneID(runbookID).
		SetStatus(runbook.StatusArchived).
		SetActive(false).
		Save(writeCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to archive runbook: %w", err)
	}
	return updated, nil
}

// NewVersion publishes a revised body as a new approved runbook row
// linked to its predecessor, and retires the predecessor from matching.
func (s *RunbookService) NewVersion(ctx context.Context, runbookID int, body string) (*ent.Runbook, error) {
	if body == "" {
		return nil, NewValidationError("body", "required")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	parent, err := s.GetRunbook(writeCtx, runbookID)
	if err != nil {
		return nil, err
	}
	if parent.Status != runbook.StatusApproved {
		return nil, fmt.Errorf("%w: only approved runbooks take new versions, runbook %d is %s", ErrConflict, runbookID, parent.Status)
	}

	tx, err := s.client.Tx(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	builder := tx.Runbook.Create().
		SetTenantID(parent.TenantID).
		SetTitle(parent.Title).
		SetBody(body).
		SetConfidence(parent.Confidence).
		SetParentVersionID(parent.ID).
		SetStatus(runbook.StatusApproved)
	if parent.MetaData != nil {
		builder.SetMetaData(parent.MetaData)
	}

	version, err := builder.Save(writeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to create runbook version: %w", err)
	}

	// The predecessor stays readable for past sessions but leaves the
	// matching pool.
	if err := tx.Runbook.UpdateOneID(parent.ID).SetActive(false).Exec(writeCtx); err != nil {
		return nil, fmt.Errorf("failed to retire predecessor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit runbook version: %w", err)
	}
	return version, nil
}
