package service_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/cache"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/memstore"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/observability"
	"github.com/souktech/kyb-onboarding-bfa/internal/service"
)

type harness struct {
	store        *memstore.Store
	metrics      *observability.Metrics
	onboarding   *service.OnboardingService
	verification *service.VerificationService
	consents     *service.ConsentService
	admin        *service.AdminService
	guard        *service.GuardService
	documents    *service.DocumentService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, memstore.New())
}

// newHarnessWithStore builds services with empty caches over store, as a
// restarted process would.
func newHarnessWithStore(t *testing.T, store *memstore.Store) *harness {
	t.Helper()
	metrics := observability.NewMetrics()
	logger := zap.NewNop()

	sessions := cache.New[*service.Session](time.Minute)
	idem := cache.NewIdempotencyCache(time.Hour)
	admins := cache.New[bool](time.Minute)
	t.Cleanup(func() {
		sessions.Close()
		idem.Close()
		admins.Close()
	})

	verification := service.NewVerificationService(store, metrics, logger)
	consents := service.NewConsentService(store, idem, service.LegacySigner{}, time.Hour, metrics, logger)
	admin := service.NewAdminService(store, verification, admins, metrics, logger)
	return &harness{
		store:        store,
		metrics:      metrics,
		onboarding:   service.NewOnboardingService(store, sessions, consents, verification, metrics, logger),
		verification: verification,
		consents:     consents,
		admin:        admin,
		guard:        service.NewGuardService(store, admin, logger),
		documents:    service.NewDocumentService(store, store, 1<<20, logger),
	}
}

func payload(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// submit posts a typed step payload and fails the test on error.
func (h *harness) submit(t *testing.T, userID string, step int, v any) *service.StepResult {
	t.Helper()
	res, err := h.onboarding.SubmitStep(context.Background(), userID, step, payload(t, v), "")
	require.NoError(t, err, "step %d", step)
	return res
}

func (h *harness) startAs(t *testing.T, userID string, role domain.Role) *service.OnboardingState {
	t.Helper()
	res := h.submit(t, userID, 1, map[string]any{"role": role})
	return res.State
}

func (h *harness) uploadRCExtract(t *testing.T, userID, orgID string) {
	t.Helper()
	_, err := h.documents.Upload(context.Background(), service.UploadRequest{
		OrganizationID: orgID,
		UserID:         userID,
		Type:           domain.DocumentRCExtract,
		FileName:       "extrait.pdf",
		ContentType:    "application/pdf",
		Size:           4,
		Body:           strings.NewReader("%PDF"),
	})
	require.NoError(t, err)
}

func (h *harness) organization(t *testing.T, orgID string) *domain.Organization {
	t.Helper()
	org, err := h.store.GetOrganization(context.Background(), orgID)
	require.NoError(t, err)
	return org
}

var validLegalIdentifiers = map[string]any{
	"ice":        "001234567000089",
	"rcNumber":   "RC123456",
	"ifNumber":   "12345678",
	"cnssNumber": "1234567",
}

// validLegalIdentifiersWithExtract uploads the RC extract the legal
// identifiers step requires and returns a valid payload.
func validLegalIdentifiersWithExtract(t *testing.T, h *harness, userID string) map[string]any {
	t.Helper()
	orgID, _, err := h.onboarding.Organization(context.Background(), userID)
	require.NoError(t, err)
	h.uploadRCExtract(t, userID, orgID)
	return validLegalIdentifiers
}
