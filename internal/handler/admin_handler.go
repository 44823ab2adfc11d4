package handler

import (
	"net/http"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func listOrganizationsHandler(svc *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := domain.VerificationStatus(r.URL.Query().Get("status"))
		switch status {
		case "", domain.VerificationPending, domain.VerificationInProgress, domain.VerificationVerified, domain.VerificationRejected:
		default:
			writeError(w, http.StatusBadRequest, "unknown status filter: "+string(status))
			return
		}
		page, pageSize := parsePagination(r)

		list, err := svc.ListOrganizations(r.Context(), domain.OrganizationFilter{Status: status, Page: page, PageSize: pageSize})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func getDossierHandler(svc *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := svc.GetDossier(r.Context(), chi.URLParam(r, "orgId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func startReviewHandler(svc *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		org, err := svc.StartReview(r.Context(), chi.URLParam(r, "orgId"), UserIDFromContext(r))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, org)
	}
}

type reviewDecisionRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

func approveHandler(svc *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reviewDecisionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		org, err := svc.Approve(r.Context(), chi.URLParam(r, "orgId"), UserIDFromContext(r), req.Notes)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, org)
	}
}

func rejectHandler(svc *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reviewDecisionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		org, err := svc.Reject(r.Context(), chi.URLParam(r, "orgId"), UserIDFromContext(r), req.Reason, req.Notes)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, org)
	}
}

func updateChecksHandler(svc *service.AdminService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var flags domain.VerificationFlags
		if err := decodeJSON(w, r, &flags); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		report, err := svc.UpdateChecks(r.Context(), chi.URLParam(r, "orgId"), flags)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
