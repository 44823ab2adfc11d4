package handler

import (
	"net/http"
	"strconv"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// idempotencyHeader carries the client-generated submission token.
const idempotencyHeader = "Idempotency-Key"

func stepParam(r *http.Request) (int, error) {
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil {
		return 0, &domain.ErrValidation{Field: "step", Message: "step must be a number"}
	}
	return step, nil
}

// stateResponder runs one workflow operation returning the onboarding state.
func stateResponder(logger *zap.Logger, op func(w http.ResponseWriter, r *http.Request, userID string) (*service.OnboardingState, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := op(w, r, UserIDFromContext(r))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func getOnboardingHandler(svc *service.OnboardingService, logger *zap.Logger) http.HandlerFunc {
	return stateResponder(logger, func(w http.ResponseWriter, r *http.Request, userID string) (*service.OnboardingState, error) {
		return svc.State(r.Context(), userID)
	})
}

type selectRoleRequest struct {
	Role domain.Role `json:"role"`
}

func selectRoleHandler(svc *service.OnboardingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req selectRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		st, err := svc.SelectRole(r.Context(), UserIDFromContext(r), req.Role)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func updateStepDataHandler(svc *service.OnboardingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		step, err := stepParam(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		partial := map[string]any{}
		if err := decodeJSON(w, r, &partial); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		st, err := svc.UpdateStepData(r.Context(), UserIDFromContext(r), step, partial)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func completeStepHandler(svc *service.OnboardingService, logger *zap.Logger) http.HandlerFunc {
	return stateResponder(logger, func(w http.ResponseWriter, r *http.Request, userID string) (*service.OnboardingState, error) {
		step, err := stepParam(r)
		if err != nil {
			return nil, err
		}
		return svc.CompleteStep(r.Context(), userID, step)
	})
}

func submitStepHandler(svc *service.OnboardingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "handler.SubmitStep")
		defer span.End()

		step, err := stepParam(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		key := r.Header.Get(idempotencyHeader)
		span.SetAttributes(attribute.Int("step", step), attribute.Bool("idempotent", key != ""))

		res, err := svc.SubmitStep(ctx, UserIDFromContext(r), step, body, key)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type navigationRequest struct {
	Action string `json:"action"`
	Step   int    `json:"step,omitempty"`
}

func navigationHandler(svc *service.OnboardingService, logger *zap.Logger) http.HandlerFunc {
	return stateResponder(logger, func(w http.ResponseWriter, r *http.Request, userID string) (*service.OnboardingState, error) {
		var req navigationRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return nil, err
		}
		switch req.Action {
		case "next":
			return svc.NextStep(r.Context(), userID)
		case "previous":
			return svc.PreviousStep(r.Context(), userID)
		case "goto":
			return svc.GoToStep(r.Context(), userID, req.Step)
		default:
			return nil, &domain.ErrValidation{Field: "action", Message: "action must be next, previous or goto"}
		}
	})
}

func revertDraftHandler(svc *service.OnboardingService, logger *zap.Logger) http.HandlerFunc {
	return stateResponder(logger, func(w http.ResponseWriter, r *http.Request, userID string) (*service.OnboardingState, error) {
		return svc.RevertDraft(r.Context(), userID)
	})
}

func completeOnboardingHandler(svc *service.OnboardingService, logger *zap.Logger) http.HandlerFunc {
	return stateResponder(logger, func(w http.ResponseWriter, r *http.Request, userID string) (*service.OnboardingState, error) {
		return svc.CompleteOnboarding(r.Context(), userID)
	})
}

// ============================================================
// Verification
// ============================================================

func verificationReportHandler(svc *service.OnboardingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := svc.VerificationReport(r.Context(), UserIDFromContext(r))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func submitVerificationHandler(svc *service.OnboardingService, mode service.VerificationMode, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.SubmitVerification(r.Context(), UserIDFromContext(r), mode, r.Header.Get(idempotencyHeader))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
