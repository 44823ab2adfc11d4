package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/observability"
	"github.com/souktech/kyb-onboarding-bfa/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var adminTracer = otel.Tracer("service/admin")

// AdminService drives the review state machine:
// pending -> in_progress -> verified | rejected. Terminal states are final.
type AdminService struct {
	store        port.KYBStore
	verification *VerificationService
	admins       port.Cache[bool]
	metrics      *observability.Metrics
	logger       *zap.Logger
	now          func() time.Time
}

// NewAdminService creates a new admin service. admins caches is_admin answers.
func NewAdminService(store port.KYBStore, verification *VerificationService, admins port.Cache[bool], metrics *observability.Metrics, logger *zap.Logger) *AdminService {
	return &AdminService{
		store:        store,
		verification: verification,
		admins:       admins,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
	}
}

// OrganizationList is the admin queue view.
type OrganizationList struct {
	Organizations []domain.Organization     `json:"organizations"`
	Counts        domain.OrganizationCounts `json:"counts"`
	Page          int                       `json:"page"`
	PageSize      int                       `json:"page_size"`
}

// IsAdmin answers the is_admin RPC, cached per user.
func (s *AdminService) IsAdmin(ctx context.Context, userID string) (bool, error) {
	if v, ok := s.admins.Get(userID); ok {
		s.metrics.IncrCacheHit("is_admin")
		return v, nil
	}
	s.metrics.IncrCacheMiss("is_admin")

	ctx, span := adminTracer.Start(ctx, "AdminService.IsAdmin")
	defer span.End()

	ok, err := s.store.IsAdmin(ctx, userID)
	if err != nil {
		return false, err
	}
	s.admins.Set(userID, ok)
	return ok, nil
}

// ListOrganizations returns one page of the queue together with the counts
// per status over the whole table.
func (s *AdminService) ListOrganizations(ctx context.Context, filter domain.OrganizationFilter) (*OrganizationList, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.ListOrganizations")
	defer span.End()

	var (
		page []domain.Organization
		all  []domain.Organization
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		page, err = s.store.ListOrganizations(gctx, filter)
		return err
	})
	g.Go(func() error {
		var err error
		all, err = s.store.ListOrganizations(gctx, domain.OrganizationFilter{})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var counts domain.OrganizationCounts
	for _, org := range all {
		counts.Add(org.Status)
	}
	return &OrganizationList{
		Organizations: page,
		Counts:        counts,
		Page:          filter.Page,
		PageSize:      filter.PageSize,
	}, nil
}

// GetDossier loads the organization, its owners, its documents and the
// checklist concurrently.
func (s *AdminService) GetDossier(ctx context.Context, orgID string) (*domain.ReviewDossier, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.GetDossier")
	defer span.End()
	span.SetAttributes(attribute.String("organization.id", orgID))

	d := &domain.ReviewDossier{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		d.Organization, err = s.store.GetOrganization(gctx, orgID)
		return err
	})
	g.Go(func() error {
		var err error
		d.Owners, err = s.store.ListOwners(gctx, orgID)
		return err
	})
	g.Go(func() error {
		var err error
		d.Documents, err = s.store.ListDocuments(gctx, orgID)
		return err
	})
	g.Go(func() error {
		var err error
		d.Checklist, err = s.verification.Report(gctx, orgID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return d, nil
}

// StartReview moves a pending organization to in_progress.
func (s *AdminService) StartReview(ctx context.Context, orgID, reviewerID string) (*domain.Organization, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.StartReview")
	defer span.End()

	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org.Status != domain.VerificationPending {
		return nil, invalidReview(org.Status, domain.VerificationInProgress)
	}

	if err := s.store.UpdateOrganization(ctx, orgID, domain.OrganizationPatch{
		"verification_status": string(domain.VerificationInProgress),
	}); err != nil {
		return nil, fmt.Errorf("start review: %w", err)
	}
	org.Status = domain.VerificationInProgress

	s.logger.Info("review started", zap.String("organization_id", orgID), zap.String("reviewer_id", reviewerID))
	return org, nil
}

// Approve verifies the organization and completes the linked onboarding.
func (s *AdminService) Approve(ctx context.Context, orgID, reviewerID, notes string) (*domain.Organization, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.Approve")
	defer span.End()

	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !reviewable(org.Status) {
		return nil, invalidReview(org.Status, domain.VerificationVerified)
	}

	now := s.now().UTC()
	patch := domain.OrganizationPatch{
		"verification_status": string(domain.VerificationVerified),
		"onboarding_status":   string(domain.OnboardingCompleted),
		"verified_by":         reviewerID,
		"verified_at":         now,
		"verification_notes":  optionalText(notes),
	}
	if err := s.store.UpdateOrganization(ctx, orgID, patch); err != nil {
		return nil, fmt.Errorf("approve organization: %w", err)
	}
	if err := s.store.CompleteProgressByOrganization(ctx, orgID, now); err != nil {
		return nil, fmt.Errorf("complete progress: %w", err)
	}

	org.Status = domain.VerificationVerified
	org.OnboardingStatus = domain.OnboardingCompleted
	org.VerifiedBy = &reviewerID
	org.VerifiedAt = &now
	org.VerificationNotes = optionalText(notes)

	s.metrics.IncrReviewDecision("approved")
	s.logger.Info("organization approved", zap.String("organization_id", orgID), zap.String("reviewer_id", reviewerID))
	return org, nil
}

// Reject closes the review. reason must not be blank; that is checked
// before anything is read or written.
func (s *AdminService) Reject(ctx context.Context, orgID, reviewerID, reason, notes string) (*domain.Organization, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &domain.ErrBusinessRule{Rule: "rejection_reason_required", Message: "a rejection reason is required"}
	}

	ctx, span := adminTracer.Start(ctx, "AdminService.Reject")
	defer span.End()

	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !reviewable(org.Status) {
		return nil, invalidReview(org.Status, domain.VerificationRejected)
	}

	patch := domain.OrganizationPatch{
		"verification_status": string(domain.VerificationRejected),
		"rejected_reason":     reason,
		"verified_by":         reviewerID,
		"verification_notes":  optionalText(notes),
	}
	if err := s.store.UpdateOrganization(ctx, orgID, patch); err != nil {
		return nil, fmt.Errorf("reject organization: %w", err)
	}

	org.Status = domain.VerificationRejected
	org.RejectedReason = &reason
	org.VerifiedBy = &reviewerID
	org.VerificationNotes = optionalText(notes)

	s.metrics.IncrReviewDecision("rejected")
	s.logger.Info("organization rejected",
		zap.String("organization_id", orgID),
		zap.String("reviewer_id", reviewerID),
		zap.String("reason", reason),
	)
	return org, nil
}

// UpdateChecks records the registry verification outcome and returns the
// recomputed checklist.
func (s *AdminService) UpdateChecks(ctx context.Context, orgID string, flags domain.VerificationFlags) (*domain.VerificationReport, error) {
	ctx, span := adminTracer.Start(ctx, "AdminService.UpdateChecks")
	defer span.End()

	patch := flags.Patch()
	if len(patch) == 0 {
		return nil, &domain.ErrValidation{Field: "checks", Message: "at least one check flag is required"}
	}
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org.Status.Terminal() {
		return nil, &domain.ErrInvalidTransition{Entity: "verification checks", From: string(org.Status), To: string(org.Status)}
	}
	if err := s.store.UpdateOrganization(ctx, orgID, patch); err != nil {
		return nil, fmt.Errorf("update checks: %w", err)
	}
	return s.verification.Report(ctx, orgID)
}

func reviewable(s domain.VerificationStatus) bool {
	return s == domain.VerificationPending || s == domain.VerificationInProgress
}

func invalidReview(from, to domain.VerificationStatus) error {
	return &domain.ErrInvalidTransition{Entity: "verification", From: string(from), To: string(to)}
}

// optionalText maps blank strings to a SQL NULL.
func optionalText(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
