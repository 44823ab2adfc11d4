package service

import (
	"context"
	"fmt"
	"time"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/observability"
	"github.com/souktech/kyb-onboarding-bfa/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var verificationTracer = otel.Tracer("service/verification")

// VerificationStore is what the aggregator reads and writes.
type VerificationStore interface {
	port.OrganizationStore
	CountOwners(ctx context.Context, orgID string) (int, error)
	CountSignedConsents(ctx context.Context, orgID string) (int, error)
	CompleteProgressByOrganization(ctx context.Context, orgID string, completedAt time.Time) error
}

// VerificationService computes the KYB checklist and submits organizations
// for admin review.
type VerificationService struct {
	store   VerificationStore
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewVerificationService creates a new verification service.
func NewVerificationService(store VerificationStore, metrics *observability.Metrics, logger *zap.Logger) *VerificationService {
	return &VerificationService{store: store, metrics: metrics, logger: logger, now: time.Now}
}

// Report reads the organization flags, the owner count and the signed
// consent count concurrently and reduces them to the checklist.
func (s *VerificationService) Report(ctx context.Context, orgID string) (*domain.VerificationReport, error) {
	ctx, span := verificationTracer.Start(ctx, "VerificationService.Report")
	defer span.End()
	span.SetAttributes(attribute.String("organization.id", orgID))

	_, report, err := s.load(ctx, orgID)
	return report, err
}

func (s *VerificationService) load(ctx context.Context, orgID string) (*domain.Organization, *domain.VerificationReport, error) {
	var (
		org      *domain.Organization
		owners   int
		consents int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		org, err = s.store.GetOrganization(gctx, orgID)
		return err
	})
	g.Go(func() error {
		var err error
		owners, err = s.store.CountOwners(gctx, orgID)
		return err
	})
	g.Go(func() error {
		var err error
		consents, err = s.store.CountSignedConsents(gctx, orgID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	in := domain.InputsFromOrganization(org)
	in.OwnerCount = owners
	in.SignedConsents = consents
	report := in.Report(orgID)
	report.Status = org.Status
	return org, report, nil
}

// VerificationStatus returns the current review status of orgID.
func (s *VerificationService) VerificationStatus(ctx context.Context, orgID string) (domain.VerificationStatus, error) {
	ctx, span := verificationTracer.Start(ctx, "VerificationService.VerificationStatus")
	defer span.End()

	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return "", err
	}
	return org.Status, nil
}

// SubmitForReview hands the organization to the admin queue whatever its
// checklist percentage.
func (s *VerificationService) SubmitForReview(ctx context.Context, orgID string) (*domain.VerificationReport, error) {
	ctx, span := verificationTracer.Start(ctx, "VerificationService.SubmitForReview")
	defer span.End()

	return s.submitChecked(ctx, orgID, false)
}

// Finalize is the strict variant of SubmitForReview: every check must pass.
func (s *VerificationService) Finalize(ctx context.Context, orgID string) (*domain.VerificationReport, error) {
	ctx, span := verificationTracer.Start(ctx, "VerificationService.Finalize")
	defer span.End()

	return s.submitChecked(ctx, orgID, true)
}

// CheckSubmission reports whether orgID could be submitted now, without
// writing anything. strict requires every check to pass.
func (s *VerificationService) CheckSubmission(ctx context.Context, orgID string, strict bool) (*domain.VerificationReport, error) {
	ctx, span := verificationTracer.Start(ctx, "VerificationService.CheckSubmission")
	defer span.End()

	org, report, err := s.load(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if err := submissionGate(org, report, strict); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *VerificationService) submitChecked(ctx context.Context, orgID string, strict bool) (*domain.VerificationReport, error) {
	org, report, err := s.load(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if err := submissionGate(org, report, strict); err != nil {
		return nil, err
	}
	return s.submit(ctx, org, report)
}

func submissionGate(org *domain.Organization, report *domain.VerificationReport, strict bool) error {
	if org.Status.Terminal() {
		return &domain.ErrInvalidTransition{
			Entity: "verification",
			From:   string(org.Status),
			To:     string(domain.VerificationPending),
		}
	}
	if strict && !report.Complete {
		return &domain.ErrBusinessRule{
			Rule:    "verification_incomplete",
			Message: fmt.Sprintf("%d/%d checks passed (%.2f%%)", report.Passed, report.Total, report.Percent),
		}
	}
	return nil
}

func (s *VerificationService) submit(ctx context.Context, org *domain.Organization, report *domain.VerificationReport) (*domain.VerificationReport, error) {
	err := s.store.UpdateOrganization(ctx, org.ID, domain.OrganizationPatch{
		"onboarding_status":   string(domain.OnboardingCompleted),
		"verification_status": string(domain.VerificationPending),
	})
	if err != nil {
		return nil, fmt.Errorf("submit for review: %w", err)
	}
	if err := s.store.CompleteProgressByOrganization(ctx, org.ID, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("complete progress: %w", err)
	}

	s.metrics.IncrOnboarding("submitted")
	s.logger.Info("organization submitted for review",
		zap.String("organization_id", org.ID),
		zap.Float64("percent", report.Percent),
	)
	report.Status = domain.VerificationPending
	return report, nil
}
