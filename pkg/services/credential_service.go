package services

import (
	"context"
	"fmt"
	"time"

	"github.com/runforge/runforge/ent"
	"github.com/runforge/runforge/ent/credential"
	"github.com/runforge/runforge/pkg/metadata"
	"github.com/runforge/runforge/pkg/models"
)

// CredentialService stores encrypted credentials and backs alias
// resolution for the metadata resolver.
type CredentialService struct {
	client *ent.Client
}

// NewCredentialService creates a new CredentialService
func NewCredentialService(client *ent.Client) *CredentialService {
	return &CredentialService{client: client}
}

// ResolveAlias implements metadata.CredentialLookup. The environment
// hint is tried exactly first; when no row matches, the credential with
// no environment serves as the fallback.
func (s *CredentialService) ResolveAlias(ctx context.Context, tenantID int, alias, environment string) (*metadata.Credential, error) {
	if environment != "" {
		row, err := s.findAlias(ctx, tenantID, alias, environment)
		if err == nil {
			return toResolverCredential(row), nil
		}
		if !ent.IsNotFound(err) {
			return nil, fmt.Errorf("failed to resolve credential: %w", err)
		}
	}

	row, err := s.findAlias(ctx, tenantID, alias, "")
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve credential: %w", err)
	}
	return toResolverCredential(row), nil
}

func (s *CredentialService) findAlias(ctx context.Context, tenantID int, alias, environment string) (*ent.Credential, error) {
	return s.client.Credential.Query().
		Where(
			credential.TenantIDEQ(tenantID),
			credential.NameEQ(alias),
			credential.EnvironmentEQ(environment),
		).
		Only(ctx)
}

func toResolverCredential(row *ent.Credential) *metadata.Credential {
	return &metadata.Credential{
		ID:          row.ID,
		Name:        row.Name,
		Type:        row.CredentialType,
		Environment: row.Environment,
		Host:        row.Host,
		Port:        row.Port,
		RotatedAt:   row.RotatedAt,
		Material:    row.EncryptedMaterial,
	}
}

// CreateCredential stores a new credential row.
func (s *CredentialService) CreateCredential(httpCtx context.Context, req models.CreateCredentialRequest) (*ent.Credential, error) {
	if req.TenantID <= 0 {
		return nil, NewValidationError("tenant_id", "required")
	}
	if req.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	if req.Type == "" {
		return nil, NewValidationError("type", "required")
	}
	if len(req.Material) == 0 {
		return nil, NewValidationError("material", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	builder := s.client.Credential.Create().
		SetTenantID(req.TenantID).
		SetName(req.Name).
		SetCredentialType(req.Type).
		SetEncryptedMaterial(req.Material)
	if req.Environment != "" {
		builder.SetEnvironment(req.Environment)
	}
	if req.Host != "" {
		builder.SetHost(req.Host)
	}
	if req.Port != nil {
		builder.SetPort(*req.Port)
	}
	if req.DatabaseName != "" {
		builder.SetDatabaseName(req.DatabaseName)
	}

	cred, err := builder.Save(ctx)
	if err != nil {
		if ent.IsConstraintError(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}
	return cred, nil
}

// RotateMaterial swaps in freshly encrypted material and stamps
// rotated_at.
func (s *CredentialService) RotateMaterial(ctx context.Context, credentialID int, material []byte) (*ent.Credential, error) {
	if len(material) == 0 {
		return nil, NewValidationError("material", "required")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cred, err := s.client.Credential.UpdateOneID(credentialID).
		SetEncryptedMaterial(material).
		SetRotatedAt(time.Now()).
		Save(writeCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to rotate credential: %w", err)
	}
	return cred, nil
}

// DeleteCredential removes a credential row.
func (s *CredentialService) DeleteCredential(ctx context.Context, credentialID int) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.client.Credential.DeleteOneID(credentialID).Exec(writeCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
