package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/observability"
	"github.com/souktech/kyb-onboarding-bfa/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger is a dependency the health endpoint probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the services the router dispatches to.
type Dependencies struct {
	Onboarding *service.OnboardingService
	Documents  *service.DocumentService
	Guard      *service.GuardService
	Admin      *service.AdminService
	Watcher    *service.VerificationWatcher
	Auth       *Authenticator
	Metrics    *observability.Metrics
	// Probes are named backends reported by /healthz.
	Probes map[string]Pinger
	// MaxUploadBytes bounds a document upload.
	MaxUploadBytes int64
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(deps Dependencies, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(deps.Probes, logger))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Get("/identifiers/{kind}/validate", validateIdentifierHandler(logger))
		r.Get("/metrics/onboarding", onboardingMetricsHandler(deps.Metrics))

		r.With(OptionalAuth(deps.Auth)).Get("/route", resolveRouteHandler(deps.Guard, logger))

		// Browsers cannot set headers on a websocket handshake; the token
		// travels in the query string instead.
		r.Get("/onboarding/verification/watch", watchVerificationHandler(deps.Onboarding, deps.Watcher, deps.Auth, logger))

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(deps.Auth, logger))

			// =============================================
			// Onboarding workflow
			// =============================================
			r.Route("/onboarding", func(r chi.Router) {
				r.Get("/", getOnboardingHandler(deps.Onboarding, logger))
				r.Post("/role", selectRoleHandler(deps.Onboarding, logger))
				r.Patch("/steps/{step}/data", updateStepDataHandler(deps.Onboarding, logger))
				r.Post("/steps/{step}/complete", completeStepHandler(deps.Onboarding, logger))
				r.Post("/steps/{step}/submit", submitStepHandler(deps.Onboarding, logger))
				r.Post("/navigation", navigationHandler(deps.Onboarding, logger))
				r.Post("/draft/revert", revertDraftHandler(deps.Onboarding, logger))
				r.Post("/complete", completeOnboardingHandler(deps.Onboarding, logger))

				r.Post("/documents", uploadDocumentHandler(deps.Onboarding, deps.Documents, deps.MaxUploadBytes, logger))
				r.Get("/documents", listDocumentsHandler(deps.Onboarding, deps.Documents, logger))

				r.Get("/verification", verificationReportHandler(deps.Onboarding, logger))
				r.Post("/verification/submit", submitVerificationHandler(deps.Onboarding, service.VerificationSubmit, logger))
				r.Post("/verification/finalize", submitVerificationHandler(deps.Onboarding, service.VerificationFinalize, logger))
			})

			// =============================================
			// Admin review
			// =============================================
			r.Route("/admin/organizations", func(r chi.Router) {
				r.Use(AdminOnly(deps.Admin, logger))
				r.Get("/", listOrganizationsHandler(deps.Admin, logger))
				r.Get("/{orgId}", getDossierHandler(deps.Admin, logger))
				r.Post("/{orgId}/review", startReviewHandler(deps.Admin, logger))
				r.Post("/{orgId}/approve", approveHandler(deps.Admin, logger))
				r.Post("/{orgId}/reject", rejectHandler(deps.Admin, logger))
				r.Patch("/{orgId}/checks", updateChecksHandler(deps.Admin, logger))
			})
		})
	})

	return r
}

// ============================================================
// Operational handlers
// ============================================================

func healthzHandler(probes map[string]Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "bfa-api", Status: "healthy", LatencyMs: 0, LastChecked: now},
		}
		for name, p := range probes {
			start := time.Now()
			err := p.Ping(ctx)
			status := "healthy"
			if err != nil {
				status = "degraded"
				logger.Warn("health probe failed", zap.String("service", name), zap.Error(err))
			}
			services = append(services, domain.ServiceHealth{
				Name:        name,
				Status:      status,
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: now,
			})
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				break
			}
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func onboardingMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetOnboardingSnapshot())
	}
}

// ============================================================
// Route guard and identifier checks
// ============================================================

func resolveRouteHandler(guard *service.GuardService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			path = domain.PathLanding
		}
		decision, err := guard.Resolve(r.Context(), UserIDFromContext(r), path)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, decision)
	}
}

type identifierCheck struct {
	Kind       domain.IdentifierKind `json:"kind"`
	Value      string                `json:"value"`
	Valid      bool                  `json:"valid"`
	Normalized string                `json:"normalized,omitempty"`
}

func validateIdentifierHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := domain.IdentifierKind(chi.URLParam(r, "kind"))
		value := r.URL.Query().Get("value")

		valid, err := domain.ValidateIdentifier(kind, value)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		res := identifierCheck{Kind: kind, Value: value, Valid: valid}
		switch kind {
		case domain.IdentifierRIB:
			res.Normalized = domain.NormalizeRIB(value)
		case domain.IdentifierIBAN:
			res.Normalized = domain.NormalizeIBAN(value)
		}
		writeJSON(w, http.StatusOK, res)
	}
}
