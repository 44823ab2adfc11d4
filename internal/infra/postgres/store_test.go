package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
)

func TestWrap(t *testing.T) {
	assert.NoError(t, wrap("organizations", nil))

	var timeout *domain.ErrTimeout
	require.ErrorAs(t, wrap("organizations", fmt.Errorf("query: %w", context.DeadlineExceeded)), &timeout)
	assert.Equal(t, "organizations", timeout.Operation)

	var ext *domain.ErrExternalService
	require.ErrorAs(t, wrap("consents", errors.New("connection reset")), &ext)
	assert.Equal(t, "postgres/consents", ext.Service)
}

func TestDecodeJSONMap(t *testing.T) {
	m, err := decodeJSONMap(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = decodeJSONMap([]byte(`{"purchasing_settings":{"paymentTerms":"30_days"}}`))
	require.NoError(t, err)
	assert.Contains(t, m, "purchasing_settings")

	_, err = decodeJSONMap([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestUpdateOrganization_RejectsUnknownColumnsBeforeQuerying(t *testing.T) {
	s := &Store{}

	assert.NoError(t, s.UpdateOrganization(context.Background(), "org-1", nil))

	err := s.UpdateOrganization(context.Background(), "org-1", domain.OrganizationPatch{"id": "other"})
	var ve *domain.ErrValidation
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "id", ve.Field)
}

// newTestPool connects to KYB_TEST_DATABASE_URL and skips when no database
// with the onboarding schema is reachable.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("KYB_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("KYB_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool, err := Connect(ctx, dsn, 2)
	if err != nil {
		t.Skipf("skip postgres test (connect): %v", err)
	}
	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('public.onboarding_progress') IS NOT NULL`).Scan(&exists); err != nil || !exists {
		pool.Close()
		t.Skip("onboarding schema not present")
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestStore_OnboardingRecordsRoundTrip(t *testing.T) {
	pool := newTestPool(t)
	s := NewStore(pool)
	ctx := context.Background()

	var userID string
	require.NoError(t, pool.QueryRow(ctx, `SELECT gen_random_uuid()::text`).Scan(&userID))

	recs, err := s.CreateOnboardingRecords(ctx, userID, domain.RoleWholesaler, domain.DefaultLegalName)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM onboarding_progress WHERE id = $1`, recs.OnboardingID)
		_, _ = pool.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, recs.OrganizationID)
	})

	p, err := s.GetProgressByUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, recs.OrganizationID, p.OrganizationID)
	assert.Equal(t, 1, p.CurrentStep)
	assert.Equal(t, 7, p.TotalSteps)

	require.NoError(t, s.UpdateOrganization(ctx, recs.OrganizationID, domain.OrganizationPatch{"ice": "001234567000089"}))
	org, err := s.GetOrganization(ctx, recs.OrganizationID)
	require.NoError(t, err)
	require.NotNil(t, org.ICE)
	assert.Equal(t, "001234567000089", *org.ICE)

	require.NoError(t, s.CompleteProgressByOrganization(ctx, recs.OrganizationID, time.Now()))
	err = s.UpdateProgress(ctx, recs.OnboardingID, domain.ProgressUpdate{CurrentStep: 2, Status: domain.OnboardingInProgress})
	var transition *domain.ErrInvalidTransition
	require.ErrorAs(t, err, &transition)

	p, err = s.GetProgressByUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.OnboardingCompleted, p.Status)
}
