package service

import (
	"context"
	"errors"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var guardTracer = otel.Tracer("service/guard")

// GuardService gathers the route guard inputs from the backend. The reads
// are not atomic; a status changing mid-resolution costs one extra redirect.
type GuardService struct {
	store  port.KYBStore
	admins *AdminService
	logger *zap.Logger
}

// NewGuardService creates a new guard service.
func NewGuardService(store port.KYBStore, admins *AdminService, logger *zap.Logger) *GuardService {
	return &GuardService{store: store, admins: admins, logger: logger}
}

// Resolve decides where a navigation to path lands for userID. An empty
// userID is an anonymous visitor.
func (s *GuardService) Resolve(ctx context.Context, userID, path string) (domain.RouteDecision, error) {
	ctx, span := guardTracer.Start(ctx, "GuardService.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("route.path", path))

	in := domain.RouteInput{Authenticated: userID != "", Path: path}
	if !in.Authenticated {
		return domain.ResolveRoute(in), nil
	}

	var progress *domain.OnboardingProgress
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		in.IsAdmin, err = s.admins.IsAdmin(gctx, userID)
		return err
	})
	g.Go(func() error {
		p, err := s.store.GetProgressByUser(gctx, userID)
		var nf *domain.ErrNotFound
		if errors.As(err, &nf) {
			return nil
		}
		progress = p
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.RouteDecision{}, err
	}

	if progress != nil {
		in.Onboarding = &domain.OnboardingSnapshot{Status: progress.Status, Role: progress.UserRole}
		if progress.OrganizationID != "" && !in.IsAdmin {
			org, err := s.store.GetOrganization(ctx, progress.OrganizationID)
			var nf *domain.ErrNotFound
			switch {
			case errors.As(err, &nf):
				s.logger.Warn("progress points at a missing organization",
					zap.String("user_id", userID),
					zap.String("organization_id", progress.OrganizationID),
				)
			case err != nil:
				return domain.RouteDecision{}, err
			default:
				in.OrgVerification = org.Status
			}
		}
	}

	return domain.ResolveRoute(in), nil
}
