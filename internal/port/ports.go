// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations (Supabase, Postgres, in-memory).
package port

import (
	"context"
	"io"
	"time"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
)

// OnboardingStore persists onboarding progress records.
type OnboardingStore interface {
	// CreateOnboardingRecords atomically creates the organization and the
	// progress record for userID.
	CreateOnboardingRecords(ctx context.Context, userID string, role domain.Role, legalName string) (*domain.OnboardingRecords, error)
	GetProgressByUser(ctx context.Context, userID string) (*domain.OnboardingProgress, error)
	UpdateProgress(ctx context.Context, progressID string, upd domain.ProgressUpdate) error
	CompleteProgress(ctx context.Context, progressID string, completedAt time.Time) error
	// CompleteProgressByOrganization marks every progress row of orgID completed.
	CompleteProgressByOrganization(ctx context.Context, orgID string, completedAt time.Time) error
}

// OrganizationStore reads and patches organizations.
type OrganizationStore interface {
	GetOrganization(ctx context.Context, orgID string) (*domain.Organization, error)
	UpdateOrganization(ctx context.Context, orgID string, patch domain.OrganizationPatch) error
	ListOrganizations(ctx context.Context, filter domain.OrganizationFilter) ([]domain.Organization, error)
}

// OwnerStore manages the beneficial owners of an organization.
type OwnerStore interface {
	// ReplaceOwners deletes every owner of orgID, then inserts owners.
	ReplaceOwners(ctx context.Context, orgID string, owners []domain.BeneficialOwner) error
	ListOwners(ctx context.Context, orgID string) ([]domain.BeneficialOwner, error)
	CountOwners(ctx context.Context, orgID string) (int, error)
}

// ConsentStore appends consent records. There is no update or delete.
type ConsentStore interface {
	InsertConsents(ctx context.Context, consents []domain.Consent) ([]domain.Consent, error)
	CountSignedConsents(ctx context.Context, orgID string) (int, error)
}

// DocumentStore records uploaded document metadata.
type DocumentStore interface {
	InsertDocument(ctx context.Context, doc *domain.DocumentUpload) (*domain.DocumentUpload, error)
	ListDocuments(ctx context.Context, orgID string) ([]domain.DocumentUpload, error)
}

// ProfileStore links users to their primary organization.
type ProfileStore interface {
	SetPrimaryOrganization(ctx context.Context, userID, orgID string) error
}

// AdminChecker answers the is_admin RPC.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// KYBStore is the full persistence surface of the onboarding workflow.
// Implemented by the Supabase, Postgres and in-memory adapters.
type KYBStore interface {
	OnboardingStore
	OrganizationStore
	OwnerStore
	ConsentStore
	DocumentStore
	ProfileStore
	AdminChecker
}

// ObjectStorage stores uploaded files.
type ObjectStorage interface {
	Upload(ctx context.Context, path, contentType string, size int64, body io.Reader) error
}

// IdempotencyStore claims submission tokens so a replay can be detected.
type IdempotencyStore interface {
	// Claim returns false when key was already claimed and not released.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
