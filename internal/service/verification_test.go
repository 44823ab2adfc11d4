package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
)

func TestVerificationReport_GrowsWithEachCheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := h.startAs(t, "user-1", domain.RoleWholesaler)
	org := st.OrganizationID
	yes := true

	report, err := h.verification.Report(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.Percent)
	assert.Equal(t, 7, report.Total)
	assert.Equal(t, domain.VerificationPending, report.Status)

	last := report.Percent
	steps := []domain.VerificationFlags{
		{ICEVerified: &yes},
		{RCVerified: &yes},
		{CNSSVerified: &yes},
		{BankingVerified: &yes},
		{AMLCleared: &yes},
	}
	for _, flags := range steps {
		report, err = h.admin.UpdateChecks(ctx, org, flags)
		require.NoError(t, err)
		assert.Greater(t, report.Percent, last)
		last = report.Percent
	}
	assert.False(t, report.Complete)

	h.submit(t, "user-1", 4, map[string]any{"owners": []any{owner("Amina Benali", "100")}})
	h.submit(t, "user-1", 6, map[string]any{
		"kyb_attestation":  true,
		"aml_declaration":  true,
		"data_processing":  true,
		"terms_conditions": true,
	})

	report, err = h.verification.Report(ctx, org)
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Equal(t, 100.0, report.Percent)
}

func TestSubmitForReview_MarksCompletedAndPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := h.startAs(t, "user-1", domain.RoleWholesaler)

	report, err := h.verification.SubmitForReview(ctx, st.OrganizationID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationPending, report.Status)

	org := h.organization(t, st.OrganizationID)
	assert.Equal(t, domain.OnboardingCompleted, org.OnboardingStatus)
	p, err := h.store.GetProgressByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OnboardingCompleted, p.Status)
}

func TestSubmitForReview_RefusesTerminalOrganizations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := h.startAs(t, "user-1", domain.RoleWholesaler)

	_, err := h.admin.Reject(ctx, st.OrganizationID, "admin-1", "documents illisibles", "")
	require.NoError(t, err)

	_, err = h.verification.SubmitForReview(ctx, st.OrganizationID)
	var it *domain.ErrInvalidTransition
	require.True(t, errors.As(err, &it), "expected ErrInvalidTransition, got %v", err)
	assert.Equal(t, domain.VerificationRejected, h.organization(t, st.OrganizationID).Status)
}

func TestVerificationStatus_UnknownOrganization(t *testing.T) {
	h := newHarness(t)

	_, err := h.verification.VerificationStatus(context.Background(), "missing")
	var nf *domain.ErrNotFound
	assert.True(t, errors.As(err, &nf))
}
