package handler

import (
	"net/http"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/service"

	"go.uber.org/zap"
)

// multipartOverhead is the room left for form fields around the file part.
const multipartOverhead = 1 << 20

func uploadDocumentHandler(onboarding *service.OnboardingService, docs *service.DocumentService, maxBytes int64, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFromContext(r)
		orgID, _, err := onboarding.Organization(r.Context(), userID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
		if err := r.ParseMultipartForm(multipartOverhead); err != nil {
			handleServiceError(w, &domain.ErrValidation{Field: "file", Message: "invalid or oversized multipart upload"}, logger)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			handleServiceError(w, &domain.ErrValidation{Field: "file", Message: "file is required"}, logger)
			return
		}
		defer file.Close()

		doc, err := docs.Upload(r.Context(), service.UploadRequest{
			OrganizationID: orgID,
			UserID:         userID,
			Type:           domain.DocumentType(r.FormValue("document_type")),
			FileName:       header.Filename,
			ContentType:    header.Header.Get("Content-Type"),
			Size:           header.Size,
			Body:           file,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, doc)
	}
}

func listDocumentsHandler(onboarding *service.OnboardingService, docs *service.DocumentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, _, err := onboarding.Organization(r.Context(), UserIDFromContext(r))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		list, err := docs.List(r.Context(), orgID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": list})
	}
}
