package service_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/service"
)

func TestDocumentUpload_StoresObjectAndRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	doc, err := h.documents.Upload(ctx, service.UploadRequest{
		OrganizationID: "org-1",
		UserID:         "user-1",
		Type:           domain.DocumentCNSSAttestation,
		FileName:       "Attestation.PDF",
		ContentType:    "application/pdf",
		Size:           9,
		Body:           strings.NewReader("%PDF-1.7\n"),
	})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^org-1/cnssAttestation_\d+\.pdf$`), doc.FilePath)
	assert.False(t, doc.IsVerified)
	assert.Equal(t, "user-1", doc.UploadedByUserID)

	body, ok := h.store.Object(doc.FilePath)
	require.True(t, ok)
	assert.Equal(t, "%PDF-1.7\n", string(body))

	docs, err := h.documents.List(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, doc.ID, docs[0].ID)
}

func TestDocumentUpload_DefaultExtension(t *testing.T) {
	h := newHarness(t)

	doc, err := h.documents.Upload(context.Background(), service.UploadRequest{
		OrganizationID: "org-1",
		UserID:         "user-1",
		Type:           domain.DocumentRCExtract,
		FileName:       "extrait",
		Size:           3,
		Body:           strings.NewReader("abc"),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(doc.FilePath, ".bin"))
	assert.Equal(t, "application/octet-stream", doc.MimeType)
}

func TestDocumentUpload_Rejections(t *testing.T) {
	h := newHarness(t)
	base := service.UploadRequest{
		OrganizationID: "org-1",
		UserID:         "user-1",
		Type:           domain.DocumentRCExtract,
		FileName:       "extrait.pdf",
		Size:           3,
		Body:           strings.NewReader("abc"),
	}

	tooBig := base
	tooBig.Size = 2 << 20
	badType := base
	badType.Type = "passport"
	empty := base
	empty.Size = 0

	for name, req := range map[string]service.UploadRequest{"too large": tooBig, "bad type": badType, "empty": empty} {
		_, err := h.documents.Upload(context.Background(), req)
		var ve *domain.ErrValidation
		assert.True(t, errors.As(err, &ve), name)
	}

	noOrg := base
	noOrg.OrganizationID = ""
	_, err := h.documents.Upload(context.Background(), noOrg)
	var br *domain.ErrBusinessRule
	assert.True(t, errors.As(err, &br))

	assert.Equal(t, 0, h.store.Calls("Upload"))
}

func TestDocumentUpload_StorageFailureWritesNoRow(t *testing.T) {
	h := newHarness(t)
	h.store.FailOn("Upload", errors.New("bucket unavailable"))

	_, err := h.documents.Upload(context.Background(), service.UploadRequest{
		OrganizationID: "org-1",
		UserID:         "user-1",
		Type:           domain.DocumentRCExtract,
		FileName:       "extrait.pdf",
		Size:           3,
		Body:           strings.NewReader("abc"),
	})
	var ext *domain.ErrExternalService
	require.True(t, errors.As(err, &ext))
	assert.Equal(t, 0, h.store.Calls("InsertDocument"))
}
