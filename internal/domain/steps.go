package domain

// StepKind identifies the form implemented by one onboarding step.
type StepKind string

const (
	StepRoleSelection      StepKind = "role_selection"
	StepLegalIdentifiers   StepKind = "legal_identifiers"
	StepBusinessProfile    StepKind = "business_profile"
	StepBeneficialOwners   StepKind = "beneficial_owners"
	StepBankingInformation StepKind = "banking_information"
	StepDeclarations       StepKind = "declarations"
	StepVerification       StepKind = "verification"
	StepCompanyDetails     StepKind = "company_details"
	StepPurchasingSettings StepKind = "purchasing_settings"
	StepBuyerConsent       StepKind = "buyer_consent"
)

// StepDefinition describes one step of a role's flow.
type StepDefinition struct {
	Number      int      `json:"number"`
	Kind        StepKind `json:"kind"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
}

var wholesalerSteps = []StepDefinition{
	{1, StepRoleSelection, "Rôle et Compte", "Sélectionnez votre rôle"},
	{2, StepLegalIdentifiers, "Identifiants Légaux", "ICE, RC, IF, CNSS"},
	{3, StepBusinessProfile, "Profil Commercial", "Informations de l'entreprise"},
	{4, StepBeneficialOwners, "Propriétaires Bénéficiaires", "Déclaration des bénéficiaires effectifs"},
	{5, StepBankingInformation, "Informations Bancaires", "RIB et IBAN"},
	{6, StepDeclarations, "Déclarations", "Attestations KYB et AML"},
	{7, StepVerification, "Vérification", "Soumission pour validation"},
}

var buyerSteps = []StepDefinition{
	{1, StepRoleSelection, "Rôle", "Sélectionnez votre rôle"},
	{2, StepCompanyDetails, "Détails Entreprise", "Identité de l'entreprise"},
	{3, StepPurchasingSettings, "Paramètres d'Achat", "Conditions et contacts d'achat"},
	{4, StepBuyerConsent, "Consentement", "Conditions générales et confidentialité"},
}

// StepsFor returns the ordered step catalog for role. An unset role only
// exposes the role selection step.
func StepsFor(role Role) []StepDefinition {
	return append([]StepDefinition(nil), catalog(role)...)
}

func catalog(role Role) []StepDefinition {
	switch role {
	case RoleWholesaler:
		return wholesalerSteps
	case RoleBuyer:
		return buyerSteps
	default:
		return wholesalerSteps[:1]
	}
}

// TotalSteps is 7 for wholesalers, 4 for buyers and 1 while no role is set.
func TotalSteps(role Role) int {
	return len(catalog(role))
}

// StepKindFor maps (role, step) to the step's form kind.
func StepKindFor(role Role, step int) (StepKind, error) {
	steps := catalog(role)
	if step < 1 || step > len(steps) {
		return "", &ErrValidation{Field: "step", Message: "step out of range for role"}
	}
	return steps[step-1].Kind, nil
}
