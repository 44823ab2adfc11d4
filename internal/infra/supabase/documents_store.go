package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/resilience"
)

// ============================================================
// document_uploads + Storage
// ============================================================

// InsertDocument records an uploaded file.
func (c *Client) InsertDocument(ctx context.Context, doc *domain.DocumentUpload) (*domain.DocumentUpload, error) {
	ctx, span := tracer.Start(ctx, "Supabase.InsertDocument")
	defer span.End()
	span.SetAttributes(attribute.String("org.id", doc.OrganizationID), attribute.String("document.type", string(doc.DocumentType)))

	var stored *domain.DocumentUpload
	err := c.write(ctx, "supabase/document_uploads", func() error {
		body, err := c.doPost(ctx, "document_uploads", map[string]any{
			"organization_id":     doc.OrganizationID,
			"document_type":       string(doc.DocumentType),
			"file_name":           doc.FileName,
			"file_path":           doc.FilePath,
			"file_size":           doc.FileSize,
			"mime_type":           doc.MimeType,
			"is_verified":         false,
			"uploaded_by_user_id": doc.UploadedByUserID,
		})
		if err != nil {
			return err
		}
		var rows []domain.DocumentUpload
		if !isEmpty(body) && json.Unmarshal(body, &rows) == nil && len(rows) > 0 {
			stored = &rows[0]
			return nil
		}
		cp := *doc
		stored = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ListDocuments returns the uploads of orgID, newest first.
func (c *Client) ListDocuments(ctx context.Context, orgID string) ([]domain.DocumentUpload, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListDocuments")
	defer span.End()

	var docs []domain.DocumentUpload
	err := c.read(ctx, "supabase/document_uploads", func() error {
		body, err := c.doRequest(ctx, http.MethodGet, "document_uploads?organization_id=eq."+url.QueryEscape(orgID)+"&order=created_at.desc")
		if err != nil {
			return err
		}
		docs = []domain.DocumentUpload{}
		if isEmpty(body) {
			return nil
		}
		if err := json.Unmarshal(body, &docs); err != nil {
			return resilience.Permanent(fmt.Errorf("failed to decode documents: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// Upload stores body in the onboarding documents bucket at path. The body is
// streamed once and never retried.
func (c *Client) Upload(ctx context.Context, path, contentType string, size int64, body io.Reader) error {
	ctx, span := tracer.Start(ctx, "Supabase.Storage.Upload")
	defer span.End()
	span.SetAttributes(attribute.String("storage.path", path), attribute.Int64("storage.size", size))

	objectPath := c.bucket + "/" + strings.TrimLeft(path, "/")
	return c.write(ctx, "supabase/storage", func() error {
		_, err := c.do(ctx, request{
			method:      http.MethodPost,
			url:         fmt.Sprintf("%s/storage/v1/object/%s", c.baseURL, objectPath),
			path:        "storage/" + objectPath,
			body:        body,
			contentType: contentType,
			headers: map[string]string{
				"x-upsert":      "false",
				"Cache-Control": "3600",
			},
		})
		return err
	})
}
