package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/service"
)

func TestDecodeSubmission_EveryStepKindHasAType(t *testing.T) {
	for _, role := range []domain.Role{domain.RoleWholesaler, domain.RoleBuyer} {
		for _, def := range domain.StepsFor(role) {
			sub, err := service.DecodeSubmission(def.Kind, nil)
			require.NoError(t, err, "%s step %d", role, def.Number)
			assert.Equal(t, def.Kind, sub.Kind())
		}
	}

	_, err := service.DecodeSubmission(domain.StepKind("todo_placeholder"), []byte(`{}`))
	assert.Error(t, err)
}

func TestDecodeSubmission_MalformedJSON(t *testing.T) {
	_, err := service.DecodeSubmission(domain.StepBankingInformation, []byte(`{"rib":`))
	var ve *domain.ErrValidation
	assert.True(t, errors.As(err, &ve))
}

func TestLegalIdentifiers_ShortICEIsRejectedWithoutCompletingTheStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := h.startAs(t, "user-1", domain.RoleWholesaler)
	h.uploadRCExtract(t, "user-1", st.OrganizationID)
	writes := h.store.Calls("UpdateProgress")

	_, err := h.onboarding.SubmitStep(ctx, "user-1", 2, payload(t, map[string]any{
		"ice":      "12345",
		"rcNumber": "RC123456",
		"ifNumber": "12345678",
	}), "")

	var ve *domain.ErrValidation
	require.True(t, errors.As(err, &ve), "expected ErrValidation, got %v", err)
	assert.Contains(t, ve.FieldErrors(), "ice")
	assert.NotContains(t, ve.FieldErrors(), "rcNumber")
	assert.Equal(t, writes, h.store.Calls("UpdateProgress"))
	assert.Equal(t, 0, h.store.Calls("UpdateOrganization"))

	after, err := h.onboarding.State(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, after.CurrentStep)
	assert.Empty(t, after.UnsyncedSteps)
}

func TestLegalIdentifiers_RequiresRCExtract(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := h.startAs(t, "user-1", domain.RoleWholesaler)

	_, err := h.onboarding.SubmitStep(ctx, "user-1", 2, payload(t, validLegalIdentifiers), "")
	var ve *domain.ErrValidation
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "rcExtract", ve.Field)

	h.uploadRCExtract(t, "user-1", st.OrganizationID)
	res := h.submit(t, "user-1", 2, validLegalIdentifiers)
	assert.Equal(t, 3, res.State.CurrentStep)

	org := h.organization(t, st.OrganizationID)
	require.NotNil(t, org.ICE)
	assert.Equal(t, "001234567000089", *org.ICE)
	assert.Equal(t, "12345678", *org.IFNumber)
	assert.False(t, org.ICEVerified, "registry flags are set by admins only")
	assert.False(t, org.RCVerified)
}

func TestBusinessProfile_RequiresPaymentMethod(t *testing.T) {
	h := newHarness(t)
	h.startAs(t, "user-1", domain.RoleWholesaler)

	profile := map[string]any{
		"legalName":      "Atlas Distribution SARL",
		"activityCode":   "4639",
		"addressLine1":   "12 Bd Zerktouni",
		"city":           "Casablanca",
		"phone":          "0522123456",
		"email":          "contact@atlas.ma",
		"paymentMethods": []string{},
	}
	_, err := h.onboarding.SubmitStep(context.Background(), "user-1", 3, payload(t, profile), "")
	var ve *domain.ErrValidation
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.FieldErrors(), "paymentMethods")

	profile["paymentMethods"] = []string{"virement"}
	res := h.submit(t, "user-1", 3, profile)
	org := h.organization(t, res.State.OrganizationID)
	assert.Equal(t, "Atlas Distribution SARL", org.LegalName)
	require.NotNil(t, org.City)
	assert.Equal(t, "Casablanca", *org.City)
}

func owner(name, pct string) map[string]any {
	return map[string]any{
		"full_name":            name,
		"position_title":       "Gérant",
		"ownership_percentage": pct,
		"date_of_birth":        "1980-04-12",
		"nationality":          "Marocaine",
		"country":              "Maroc",
		"city":                 "Rabat",
		"address":              "5 Rue Patrice Lumumba",
	}
}

func TestBeneficialOwners_ReplacedAndSumWarned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := h.startAs(t, "user-1", domain.RoleWholesaler)

	res := h.submit(t, "user-1", 4, map[string]any{"owners": []any{owner("Amina Benali", "60"), owner("Youssef Alaoui", "30")}})
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "90.00")
	n, err := h.store.CountOwners(ctx, st.OrganizationID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res = h.submit(t, "user-1", 4, map[string]any{"owners": []any{owner("Amina Benali", "100")}})
	assert.Empty(t, res.Warnings)
	owners, err := h.store.ListOwners(ctx, st.OrganizationID)
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, "Amina Benali", owners[0].FullName)
}

func TestBeneficialOwners_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startAs(t, "user-1", domain.RoleWholesaler)

	_, err := h.onboarding.SubmitStep(ctx, "user-1", 4, payload(t, map[string]any{"owners": []any{}}), "")
	var ve *domain.ErrValidation
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.FieldErrors(), "owners")

	_, err = h.onboarding.SubmitStep(ctx, "user-1", 4, payload(t, map[string]any{"owners": []any{owner("Amina Benali", "150")}}), "")
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.FieldErrors(), "owners[0].ownership_percentage")
	assert.Equal(t, 0, h.store.Calls("ReplaceOwners"))
}

func TestBanking_StoresNormalizedUnverifiedAccount(t *testing.T) {
	h := newHarness(t)
	st := h.startAs(t, "user-1", domain.RoleWholesaler)

	h.submit(t, "user-1", 5, map[string]any{
		"bank_name": "Attijariwafa Bank",
		"rib":       "0077 8000 0123 4567 8901 2345",
		"iban":      "ma64 0077 8000 0123 4567 8901",
	})

	org := h.organization(t, st.OrganizationID)
	assert.Equal(t, "007780000123456789012345", *org.RIB)
	assert.Equal(t, "MA6400778000012345678901", *org.IBAN)
	assert.False(t, org.BankingVerified)
}

func TestDeclarations_DoubleSubmitRecordsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startAs(t, "user-1", domain.RoleWholesaler)

	body := payload(t, map[string]any{
		"kyb_attestation":  true,
		"aml_declaration":  true,
		"data_processing":  true,
		"terms_conditions": true,
		"signature_notes":  "signé par le gérant",
	})
	first, err := h.onboarding.SubmitStep(ctx, "user-1", 6, body, "attempt-1")
	require.NoError(t, err)
	assert.False(t, first.Consents.Replayed)
	assert.Len(t, first.Consents.Consents, 4)

	second, err := h.onboarding.SubmitStep(ctx, "user-1", 6, body, "attempt-1")
	require.NoError(t, err)
	assert.True(t, second.Consents.Replayed)

	consents := h.store.Consents()
	assert.Len(t, consents, 4)
	for _, c := range consents {
		assert.True(t, c.IsSigned)
		assert.Equal(t, domain.ConsentVersion, c.Version)
		assert.NotEmpty(t, c.SignatureHash)
		require.NotNil(t, c.SignatureNotes)
	}
	assert.Equal(t, int64(1), h.metrics.GetOnboardingSnapshot().IdempotentReplays)
}

func TestDeclarations_AllAttestationsRequired(t *testing.T) {
	h := newHarness(t)
	h.startAs(t, "user-1", domain.RoleWholesaler)

	_, err := h.onboarding.SubmitStep(context.Background(), "user-1", 6, payload(t, map[string]any{
		"kyb_attestation":  true,
		"aml_declaration":  false,
		"data_processing":  true,
		"terms_conditions": true,
	}), "attempt-1")
	var ve *domain.ErrValidation
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.FieldErrors(), "aml_declaration")
	assert.Empty(t, h.store.Consents())
}

func TestVerificationStep_FinalizeNeedsFullChecklist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st := h.startAs(t, "user-1", domain.RoleWholesaler)

	_, err := h.onboarding.SubmitVerification(ctx, "user-1", service.VerificationFinalize, "")
	var br *domain.ErrBusinessRule
	require.True(t, errors.As(err, &br), "expected ErrBusinessRule, got %v", err)
	assert.Equal(t, "verification_incomplete", br.Rule)

	res, err := h.onboarding.SubmitVerification(ctx, "user-1", service.VerificationSubmit, "")
	require.NoError(t, err)
	assert.Equal(t, domain.PathVerificationPending, res.RedirectTo)
	assert.Equal(t, domain.OnboardingCompleted, res.State.Status)
	require.NotNil(t, res.Verification)
	assert.Less(t, res.Verification.Percent, 100.0)

	org := h.organization(t, st.OrganizationID)
	assert.Equal(t, domain.OnboardingCompleted, org.OnboardingStatus)
	assert.Equal(t, domain.VerificationPending, org.Status)
	assert.Equal(t, st.OrganizationID, h.store.PrimaryOrganization("user-1"))
}

func TestVerificationStep_OnlyForWholesalers(t *testing.T) {
	h := newHarness(t)
	h.startAs(t, "user-1", domain.RoleBuyer)

	_, err := h.onboarding.SubmitVerification(context.Background(), "user-1", service.VerificationSubmit, "")
	var br *domain.ErrBusinessRule
	assert.True(t, errors.As(err, &br))
}

func TestBuyerJourney_CompletesAndRedirectsToDashboard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st := h.startAs(t, "buyer-1", domain.RoleBuyer)
	assert.Equal(t, 4, st.TotalSteps)

	h.submit(t, "buyer-1", 2, map[string]any{"legalName": "Épicerie Fine Tazi", "ice": "001234567000089"})
	h.submit(t, "buyer-1", 3, map[string]any{
		"defaultPaymentMethod": "virement",
		"paymentTerms":         "30 jours",
		"deliveryAddress":      "Rue 1, Fès",
		"billingAddress":       "Rue 1, Fès",
		"contactPerson":        "Karim Tazi",
		"contactPhone":         "0661000000",
		"contactEmail":         "karim@tazi.ma",
	})
	res := h.submit(t, "buyer-1", 4, map[string]any{
		"terms":          true,
		"privacy":        true,
		"eSignature":     true,
		"communications": false,
	})

	assert.Equal(t, domain.PathDashboard, res.RedirectTo)
	assert.Equal(t, domain.OnboardingCompleted, res.State.Status)
	assert.Equal(t, []int{1, 2, 3, 4}, res.State.CompletedSteps)

	org := h.organization(t, st.OrganizationID)
	assert.Equal(t, "Épicerie Fine Tazi", org.LegalName)
	assert.Equal(t, domain.OnboardingCompleted, org.OnboardingStatus)
	settings, ok := org.VerificationData["purchasing_settings"].(map[string]any)
	require.True(t, ok, "purchasing settings stored in verification_data")
	assert.Equal(t, "30 jours", settings["paymentTerms"])

	types := map[domain.ConsentType]bool{}
	for _, c := range h.store.Consents() {
		types[c.ConsentType] = true
	}
	assert.Equal(t, map[domain.ConsentType]bool{
		domain.ConsentTermsAndConditions: true,
		domain.ConsentPrivacyPolicy:      true,
		domain.ConsentESignature:         true,
	}, types)

	_, err := h.onboarding.SubmitStep(ctx, "buyer-1", 2, payload(t, map[string]any{"legalName": "Autre"}), "")
	var br *domain.ErrBusinessRule
	assert.True(t, errors.As(err, &br), "a completed onboarding accepts no more steps")
}

func TestBuyerConsent_MarketingIsOptionalButRecordedWhenGiven(t *testing.T) {
	h := newHarness(t)
	h.startAs(t, "buyer-1", domain.RoleBuyer)

	_, err := h.onboarding.SubmitStep(context.Background(), "buyer-1", 4, payload(t, map[string]any{
		"terms":          true,
		"privacy":        false,
		"eSignature":     true,
		"communications": true,
	}), "")
	var ve *domain.ErrValidation
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.FieldErrors(), "privacy")

	h.submit(t, "buyer-1", 4, map[string]any{
		"terms":          true,
		"privacy":        true,
		"eSignature":     true,
		"communications": true,
	})
	assert.Len(t, h.store.Consents(), 4)
}
