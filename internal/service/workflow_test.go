package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
)

func TestNewUser_StartsUnassigned(t *testing.T) {
	h := newHarness(t)

	st, err := h.onboarding.State(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Role(""), st.Role)
	assert.Equal(t, 1, st.CurrentStep)
	assert.Equal(t, 1, st.TotalSteps)
	assert.Equal(t, domain.OnboardingPending, st.Status)
}

func TestUpdateStepData_MergesKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startAs(t, "user-1", domain.RoleWholesaler)

	_, err := h.onboarding.UpdateStepData(ctx, "user-1", 3, map[string]any{"a": 1})
	require.NoError(t, err)
	st, err := h.onboarding.UpdateStepData(ctx, "user-1", 3, map[string]any{"b": 2})
	require.NoError(t, err)

	assert.Equal(t, domain.StepPayload{"a": 1, "b": 2}, st.StepData[3])
	assert.Equal(t, []int{3}, st.UnsyncedSteps)
}

func TestUpdateStepData_RejectsOutOfRangeStep(t *testing.T) {
	h := newHarness(t)
	h.startAs(t, "user-1", domain.RoleBuyer)

	_, err := h.onboarding.UpdateStepData(context.Background(), "user-1", 5, map[string]any{"a": 1})
	var ve *domain.ErrValidation
	assert.True(t, errors.As(err, &ve))
}

func TestCompleteStep_AdvancesByOne(t *testing.T) {
	h := newHarness(t)
	st := h.startAs(t, "user-1", domain.RoleWholesaler)

	assert.Equal(t, 2, st.CurrentStep)
	assert.Equal(t, 7, st.TotalSteps)
	assert.Equal(t, []int{1}, st.CompletedSteps)
	assert.Empty(t, st.UnsyncedSteps)

	p, err := h.store.GetProgressByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.CurrentStep)
	assert.Equal(t, "wholesaler", p.StepData[1]["role"])
}

func TestCompleteStep_NeverAdvancesPastLastStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startAs(t, "user-1", domain.RoleBuyer)

	_, err := h.onboarding.GoToStep(ctx, "user-1", 4)
	require.NoError(t, err)
	st, err := h.onboarding.CompleteStep(ctx, "user-1", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, st.CurrentStep)

	st, err = h.onboarding.CompleteStep(ctx, "user-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 4, st.CurrentStep)
	assert.LessOrEqual(t, st.CurrentStep, st.TotalSteps)
}

func TestCompleteStep_LastStepKeepsCurrentStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := h.startAs(t, "user-1", domain.RoleBuyer)
	require.Equal(t, 2, st.CurrentStep)

	st, err := h.onboarding.CompleteStep(ctx, "user-1", 4)
	require.NoError(t, err)
	assert.Equal(t, 2, st.CurrentStep)
	assert.Contains(t, st.CompletedSteps, 4)

	p, err := h.store.GetProgressByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.CurrentStep)
}

func TestCompleteStep_DoesNotReopenOnboardingCompletedElsewhere(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := h.startAs(t, "user-1", domain.RoleBuyer)

	_, err := h.admin.Approve(ctx, st.OrganizationID, "admin-1", "documents checked by phone")
	require.NoError(t, err)

	_, err = h.onboarding.CompleteStep(ctx, "user-1", 2)
	var br *domain.ErrBusinessRule
	require.True(t, errors.As(err, &br), "expected ErrBusinessRule, got %v", err)
	assert.Equal(t, "onboarding_completed", br.Rule)

	p, err := h.store.GetProgressByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OnboardingCompleted, p.Status)

	// The session now knows; later writes stop before reaching the store.
	writes := h.store.Calls("UpdateProgress")
	_, err = h.onboarding.CompleteStep(ctx, "user-1", 3)
	require.True(t, errors.As(err, &br))
	assert.Equal(t, writes, h.store.Calls("UpdateProgress"))

	decision, err := h.guard.Resolve(ctx, "user-1", domain.PathLanding)
	require.NoError(t, err)
	assert.Equal(t, domain.RouteDecision{Redirect: true, Target: "/dashboard/buyer"}, decision)
}

func TestCompleteStep_RequiresRole(t *testing.T) {
	h := newHarness(t)

	_, err := h.onboarding.CompleteStep(context.Background(), "user-1", 1)
	var br *domain.ErrBusinessRule
	require.True(t, errors.As(err, &br), "expected ErrBusinessRule, got %v", err)
	assert.Equal(t, 0, h.store.Calls("UpdateProgress"))
}

func TestCompleteStep_FailureKeepsDraftAndStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startAs(t, "user-1", domain.RoleWholesaler)

	_, err := h.onboarding.UpdateStepData(ctx, "user-1", 2, map[string]any{"ice": "001234567000089"})
	require.NoError(t, err)

	h.store.FailOn("UpdateProgress", errors.New("connection refused"))
	_, err = h.onboarding.CompleteStep(ctx, "user-1", 2)
	var ext *domain.ErrExternalService
	require.True(t, errors.As(err, &ext), "expected ErrExternalService, got %v", err)

	st, err := h.onboarding.State(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.CurrentStep)
	assert.Equal(t, 2, st.ConfirmedStep)
	assert.Equal(t, []int{2}, st.UnsyncedSteps)
	assert.Equal(t, "001234567000089", st.StepData[2]["ice"])
	assert.NotEmpty(t, st.LastSyncError)

	h.store.FailOn("UpdateProgress", nil)
	st, err = h.onboarding.CompleteStep(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, st.CurrentStep)
	assert.Empty(t, st.UnsyncedSteps)
	assert.Empty(t, st.LastSyncError)

	snap := h.metrics.GetOnboardingSnapshot()
	assert.Equal(t, int64(1), snap.StepFailures)
}

func TestRevertDraft_RestoresConfirmedState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startAs(t, "user-1", domain.RoleWholesaler)

	_, err := h.onboarding.UpdateStepData(ctx, "user-1", 2, map[string]any{"ice": "123"})
	require.NoError(t, err)
	_, err = h.onboarding.GoToStep(ctx, "user-1", 5)
	require.NoError(t, err)

	st, err := h.onboarding.RevertDraft(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.CurrentStep)
	assert.Empty(t, st.UnsyncedSteps)
	_, has := st.StepData[2]
	assert.False(t, has)
	assert.Equal(t, "wholesaler", st.StepData[1]["role"])
}

func TestSelectRole_FailureLeavesRoleUnset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.FailOn("CreateOnboardingRecords", errors.New("rpc failed"))

	_, err := h.onboarding.SelectRole(ctx, "user-1", domain.RoleBuyer)
	require.Error(t, err)

	st, err := h.onboarding.State(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Role(""), st.Role)
	assert.Equal(t, 1, st.TotalSteps)

	_, err = h.onboarding.GoToStep(ctx, "user-1", 2)
	var ve *domain.ErrValidation
	assert.True(t, errors.As(err, &ve), "only step 1 is addressable without a role")
}

func TestSelectRole_IsFixedOnceChosen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.onboarding.SelectRole(ctx, "user-1", domain.RoleBuyer)
	require.NoError(t, err)
	assert.Equal(t, 4, first.TotalSteps)

	again, err := h.onboarding.SelectRole(ctx, "user-1", domain.RoleBuyer)
	require.NoError(t, err)
	assert.Equal(t, first.OrganizationID, again.OrganizationID)
	assert.Equal(t, 1, h.store.Calls("CreateOnboardingRecords"))

	_, err = h.onboarding.SelectRole(ctx, "user-1", domain.RoleWholesaler)
	var conflict *domain.ErrConflict
	assert.True(t, errors.As(err, &conflict))

	_, err = h.onboarding.SelectRole(ctx, "user-2", domain.RoleAdmin)
	var ve *domain.ErrValidation
	assert.True(t, errors.As(err, &ve))
}

func TestNavigation_IsClampedAndLocal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startAs(t, "user-1", domain.RoleBuyer)
	writes := h.store.Calls("UpdateProgress")

	st, err := h.onboarding.PreviousStep(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.CurrentStep)
	st, err = h.onboarding.PreviousStep(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.CurrentStep)

	for i := 0; i < 6; i++ {
		st, err = h.onboarding.NextStep(ctx, "user-1")
		require.NoError(t, err)
	}
	assert.Equal(t, 4, st.CurrentStep)

	_, err = h.onboarding.GoToStep(ctx, "user-1", 0)
	assert.Error(t, err)
	st, err = h.onboarding.GoToStep(ctx, "user-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, st.CurrentStep)

	assert.Equal(t, writes, h.store.Calls("UpdateProgress"))
}

func TestCompleteOnboarding_LinksPrimaryOrganization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := h.startAs(t, "user-1", domain.RoleBuyer)

	done, err := h.onboarding.CompleteOnboarding(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OnboardingCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	assert.Equal(t, st.OrganizationID, h.store.PrimaryOrganization("user-1"))
	assert.Equal(t, domain.OnboardingCompleted, h.organization(t, st.OrganizationID).OnboardingStatus)

	p, err := h.store.GetProgressByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OnboardingCompleted, p.Status)
	assert.NotNil(t, p.CompletedAt)
}

func TestCompleteOnboarding_MissingRecordsAreReportedDistinctly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.onboarding.CompleteOnboarding(ctx, "nobody")
	var br *domain.ErrBusinessRule
	require.True(t, errors.As(err, &br))
	assert.Equal(t, "progress_missing", br.Rule)

	st := h.startAs(t, "user-1", domain.RoleBuyer)
	h.store.RemoveOrganization(st.OrganizationID)

	_, err = h.onboarding.CompleteOnboarding(ctx, "user-1")
	require.True(t, errors.As(err, &br))
	assert.Equal(t, "organization_missing", br.Rule)
	assert.Equal(t, 0, h.store.Calls("CompleteProgress"))

	after, err := h.onboarding.State(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OnboardingInProgress, after.Status)
}

func TestSession_ResumesFromBackend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startAs(t, "user-1", domain.RoleWholesaler)
	h.submit(t, "user-1", 2, validLegalIdentifiersWithExtract(t, h, "user-1"))

	restarted := newHarnessWithStore(t, h.store)
	st, err := restarted.onboarding.State(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleWholesaler, st.Role)
	assert.Equal(t, 3, st.CurrentStep)
	assert.Equal(t, []int{1, 2}, st.CompletedSteps)
	assert.Equal(t, "RC123456", st.StepData[2]["rcNumber"])
}
