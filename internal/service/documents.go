package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var documentTracer = otel.Tracer("service/documents")

// DocumentService stores supporting documents in object storage and records
// their metadata.
type DocumentService struct {
	store    port.DocumentStore
	storage  port.ObjectStorage
	maxBytes int64
	logger   *zap.Logger
	now      func() time.Time
}

// NewDocumentService creates a new document service. Uploads larger than
// maxBytes are refused.
func NewDocumentService(store port.DocumentStore, storage port.ObjectStorage, maxBytes int64, logger *zap.Logger) *DocumentService {
	return &DocumentService{store: store, storage: storage, maxBytes: maxBytes, logger: logger, now: time.Now}
}

// UploadRequest is one file sent by the client.
type UploadRequest struct {
	OrganizationID string
	UserID         string
	Type           domain.DocumentType
	FileName       string
	ContentType    string
	Size           int64
	Body           io.Reader
}

// Upload stores the file at <orgId>/<type>_<unixMillis>.<ext>, then inserts
// the document_uploads row.
func (s *DocumentService) Upload(ctx context.Context, req UploadRequest) (*domain.DocumentUpload, error) {
	ctx, span := documentTracer.Start(ctx, "DocumentService.Upload")
	defer span.End()
	span.SetAttributes(
		attribute.String("organization.id", req.OrganizationID),
		attribute.String("document.type", string(req.Type)),
		attribute.Int64("document.size", req.Size),
	)

	if req.OrganizationID == "" {
		return nil, &domain.ErrBusinessRule{Rule: "organization_required", Message: "select a role before uploading documents"}
	}
	if !req.Type.Valid() {
		return nil, &domain.ErrValidation{Field: "document_type", Message: "unsupported document type: " + string(req.Type)}
	}
	if req.Size <= 0 {
		return nil, &domain.ErrValidation{Field: "file", Message: "file is empty"}
	}
	if s.maxBytes > 0 && req.Size > s.maxBytes {
		return nil, &domain.ErrValidation{Field: "file", Message: fmt.Sprintf("file exceeds %d bytes", s.maxBytes)}
	}

	path := objectPath(req.OrganizationID, req.Type, req.FileName, s.now())
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := s.storage.Upload(ctx, path, contentType, req.Size, req.Body); err != nil {
		return nil, fmt.Errorf("upload %s: %w", req.Type, err)
	}

	doc, err := s.store.InsertDocument(ctx, &domain.DocumentUpload{
		OrganizationID:   req.OrganizationID,
		DocumentType:     req.Type,
		FileName:         req.FileName,
		FilePath:         path,
		FileSize:         req.Size,
		MimeType:         contentType,
		IsVerified:       false,
		UploadedByUserID: req.UserID,
	})
	if err != nil {
		// The object stays in the bucket; the row is what the workflow reads.
		s.logger.Warn("document stored without metadata row", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("record %s: %w", req.Type, err)
	}

	s.logger.Info("document uploaded",
		zap.String("organization_id", req.OrganizationID),
		zap.String("document_type", string(req.Type)),
		zap.String("path", path),
	)
	return doc, nil
}

// List returns the documents of orgID, newest first.
func (s *DocumentService) List(ctx context.Context, orgID string) ([]domain.DocumentUpload, error) {
	ctx, span := documentTracer.Start(ctx, "DocumentService.List")
	defer span.End()

	return s.store.ListDocuments(ctx, orgID)
}

func objectPath(orgID string, t domain.DocumentType, fileName string, at time.Time) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%s/%s_%d.%s", orgID, t, at.UnixMilli(), ext)
}
