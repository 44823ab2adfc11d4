package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/handler"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/cache"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/memstore"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/observability"
	"github.com/souktech/kyb-onboarding-bfa/internal/service"
)

const jwtSecret = "integration-secret"

type client struct {
	t      *testing.T
	base   string
	userID string
	token  string
}

func startServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	metrics := observability.NewMetrics()
	logger := zap.NewNop()

	sessions := cache.New[*service.Session](time.Minute)
	idem := cache.NewIdempotencyCache(time.Hour)
	admins := cache.New[bool](time.Minute)
	signer, err := service.NewSigner("hmac", "integration-signing-key")
	require.NoError(t, err)

	verification := service.NewVerificationService(store, metrics, logger)
	consents := service.NewConsentService(store, idem, signer, time.Hour, metrics, logger)
	admin := service.NewAdminService(store, verification, admins, metrics, logger)
	watcher := service.NewVerificationWatcher(verification, time.Second, metrics, logger)

	srv := httptest.NewServer(handler.NewRouter(handler.Dependencies{
		Onboarding:     service.NewOnboardingService(store, sessions, consents, verification, metrics, logger),
		Documents:      service.NewDocumentService(store, store, 1<<20, logger),
		Guard:          service.NewGuardService(store, admin, logger),
		Admin:          admin,
		Watcher:        watcher,
		Auth:           handler.NewAuthenticator(jwtSecret),
		Metrics:        metrics,
		Probes:         map[string]handler.Pinger{"memstore": store},
		MaxUploadBytes: 1 << 20,
	}, logger))
	t.Cleanup(func() {
		srv.Close()
		watcher.Stop()
		sessions.Close()
		idem.Close()
		admins.Close()
	})
	return srv, store
}

func newClient(t *testing.T, srv *httptest.Server, userID string) *client {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, handler.SupabaseClaims{
		Email: userID + "@example.ma",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return &client{t: t, base: srv.URL, userID: userID, token: signed}
}

func (c *client) send(method, path string, body io.Reader, contentType, idemKey string) (int, []byte) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, body)
	require.NoError(c.t, err)
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, raw
}

func (c *client) json(method, path string, body any, idemKey string) (int, []byte) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	return c.send(method, path, &buf, "application/json", idemKey)
}

// step submits a step and fails the test unless it succeeds.
func (c *client) step(n int, body any) service.StepResult {
	c.t.Helper()
	code, raw := c.json(http.MethodPost, fmt.Sprintf("/v1/onboarding/steps/%d/submit", n), body, fmt.Sprintf("%s-step-%d", c.userID, n))
	require.Equal(c.t, http.StatusOK, code, "step %d: %s", n, raw)
	var res service.StepResult
	require.NoError(c.t, json.Unmarshal(raw, &res))
	return res
}

func (c *client) route(path string) domain.RouteDecision {
	c.t.Helper()
	code, raw := c.send(http.MethodGet, "/v1/route?path="+path, nil, "", "")
	require.Equal(c.t, http.StatusOK, code)
	var d domain.RouteDecision
	require.NoError(c.t, json.Unmarshal(raw, &d))
	return d
}

func (c *client) upload(docType, name string, content []byte) {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(c.t, mw.WriteField("document_type", docType))
	part, err := mw.CreateFormFile("file", name)
	require.NoError(c.t, err)
	_, err = part.Write(content)
	require.NoError(c.t, err)
	require.NoError(c.t, mw.Close())

	code, raw := c.send(http.MethodPost, "/v1/onboarding/documents", &buf, mw.FormDataContentType(), "")
	require.Equal(c.t, http.StatusCreated, code, string(raw))
}

// TestIntegration_BuyerJourney walks a buyer from sign-up to the verified
// dashboard.
func TestIntegration_BuyerJourney(t *testing.T) {
	srv, store := startServer(t)
	buyer := newClient(t, srv, "buyer-1")
	admin := newClient(t, srv, "admin-1")
	store.AddAdmin("admin-1")

	assert.Equal(t, domain.RouteDecision{Redirect: true, Target: "/onboarding"}, buyer.route("/"))

	res := buyer.step(1, map[string]any{"role": "buyer"})
	orgID := res.State.OrganizationID
	require.NotEmpty(t, orgID)

	buyer.step(2, map[string]any{"legalName": "Souk Achats SARL", "ice": "001234567000089"})
	buyer.step(3, map[string]any{
		"defaultPaymentMethod": "virement",
		"paymentTerms":         "30_days",
		"budgetLimit":          "50000",
		"deliveryAddress":      "Zone industrielle Sidi Maarouf, Casablanca",
		"billingAddress":       "Zone industrielle Sidi Maarouf, Casablanca",
		"contactPerson":        "Karim Alaoui",
		"contactPhone":         "0661123456",
		"contactEmail":         "achats@souk.ma",
	})
	res = buyer.step(4, map[string]any{"terms": true, "privacy": true, "eSignature": true})
	assert.Equal(t, "/dashboard", res.RedirectTo)
	assert.Equal(t, domain.OnboardingCompleted, res.State.Status)
	require.NotNil(t, res.Consents)
	for _, c := range res.Consents.Consents {
		assert.Len(t, c.SignatureHash, 64, "hmac signatures are hex sha3-256")
	}

	assert.Equal(t, domain.RouteDecision{Redirect: true, Target: "/verification-pending"}, buyer.route("/dashboard"))

	code, raw := admin.json(http.MethodPost, "/v1/admin/organizations/"+orgID+"/approve", map[string]any{"notes": "ok"}, "")
	require.Equal(t, http.StatusOK, code, string(raw))

	assert.Equal(t, domain.RouteDecision{Redirect: true, Target: "/dashboard/buyer"}, buyer.route("/"))
	assert.Equal(t, domain.RouteDecision{}, buyer.route("/dashboard/buyer"))
}

// TestIntegration_WholesalerJourney covers the seven wholesaler steps, the
// admin checks and a finalized verification.
func TestIntegration_WholesalerJourney(t *testing.T) {
	srv, store := startServer(t)
	w := newClient(t, srv, "wholesaler-1")
	admin := newClient(t, srv, "admin-1")
	store.AddAdmin("admin-1")

	res := w.step(1, map[string]any{"role": "wholesaler"})
	orgID := res.State.OrganizationID

	code, _ := w.json(http.MethodPost, "/v1/onboarding/steps/2/submit", map[string]any{
		"ice": "001234567000089", "rcNumber": "RC123456", "ifNumber": "12345678",
	}, "")
	require.Equal(t, http.StatusBadRequest, code, "the RC extract must be uploaded first")

	w.upload("rcExtract", "extrait.pdf", []byte("%PDF-1.7"))
	w.step(2, map[string]any{"ice": "001234567000089", "rcNumber": "RC123456", "ifNumber": "12345678", "cnssNumber": "1234567"})
	w.step(3, map[string]any{
		"legalName":      "Atlas Distribution SARL",
		"activityCode":   "4639",
		"addressLine1":   "12 Bd Zerktouni",
		"city":           "Casablanca",
		"phone":          "0522123456",
		"email":          "contact@atlas.ma",
		"paymentMethods": []string{"virement", "cheque"},
	})
	res = w.step(4, map[string]any{"owners": []any{map[string]any{
		"full_name":            "Amina Benali",
		"position_title":       "Gérante",
		"ownership_percentage": "100",
		"date_of_birth":        "1980-05-12",
		"nationality":          "Marocaine",
		"city":                 "Rabat",
		"country":              "Maroc",
		"address":              "5 Rue Patrice Lumumba, Rabat",
	}}})
	assert.Empty(t, res.Warnings)
	w.step(5, map[string]any{"bank_name": "CIH Bank", "rib": "230 780 0123456789012345 67", "iban": "MA64 2307 8001 2345 6789 0123"})

	decl := map[string]any{"kyb_attestation": true, "aml_declaration": true, "data_processing": true, "terms_conditions": true}
	first := w.step(6, decl)
	replay := w.step(6, decl)
	assert.False(t, first.Consents.Replayed)
	assert.True(t, replay.Consents.Replayed)

	code, raw := w.json(http.MethodPost, "/v1/onboarding/verification/finalize", nil, "")
	require.Equal(t, http.StatusUnprocessableEntity, code, string(raw))

	code, raw = admin.json(http.MethodPatch, "/v1/admin/organizations/"+orgID+"/checks", map[string]any{
		"is_ice_verified":     true,
		"is_rc_verified":      true,
		"is_cnss_verified":    true,
		"is_banking_verified": true,
		"is_aml_cleared":      true,
	}, "")
	require.Equal(t, http.StatusOK, code, string(raw))
	var report domain.VerificationReport
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.True(t, report.Complete)

	code, raw = w.json(http.MethodPost, "/v1/onboarding/verification/finalize", nil, "")
	require.Equal(t, http.StatusOK, code, string(raw))
	var done service.StepResult
	require.NoError(t, json.Unmarshal(raw, &done))
	assert.Equal(t, "/verification-pending", done.RedirectTo)
	assert.Equal(t, 100.0, done.Verification.Percent)

	code, raw = admin.send(http.MethodGet, "/v1/admin/organizations/"+orgID, nil, "", "")
	require.Equal(t, http.StatusOK, code)
	var dossier domain.ReviewDossier
	require.NoError(t, json.Unmarshal(raw, &dossier))
	assert.Len(t, dossier.Owners, 1)
	assert.Len(t, dossier.Documents, 1)
	assert.Equal(t, domain.VerificationPending, dossier.Organization.Status)

	code, _ = admin.json(http.MethodPost, "/v1/admin/organizations/"+orgID+"/reject", map[string]any{"reason": "RC expiré"}, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.RouteDecision{Redirect: true, Target: "/verification-pending"}, w.route("/"))

	code, _ = w.send(http.MethodGet, "/v1/metrics/onboarding", nil, "", "")
	assert.Equal(t, http.StatusOK, code)
}
