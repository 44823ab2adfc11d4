package domain

// MinSignedConsents is the number of signed consents the checklist expects.
const MinSignedConsents = 4

// VerificationInputs are the raw reads the checklist is computed from.
type VerificationInputs struct {
	ICEVerified     bool
	RCVerified      bool
	CNSSVerified    bool
	OwnerCount      int
	BankingVerified bool
	SignedConsents  int
	AMLCleared      bool
}

// InputsFromOrganization copies the organization flags into a fresh input set.
func InputsFromOrganization(org *Organization) VerificationInputs {
	if org == nil {
		return VerificationInputs{}
	}
	return VerificationInputs{
		ICEVerified:     org.ICEVerified,
		RCVerified:      org.RCVerified,
		CNSSVerified:    org.CNSSVerified,
		BankingVerified: org.BankingVerified,
		AMLCleared:      org.AMLCleared,
	}
}

// VerificationCheck is one line of the checklist.
type VerificationCheck struct {
	Key    string `json:"key"`
	Label  string `json:"label"`
	Passed bool   `json:"passed"`
}

// VerificationReport is the computed checklist for an organization.
type VerificationReport struct {
	OrganizationID string              `json:"organization_id"`
	Checks         []VerificationCheck `json:"checks"`
	Passed         int                 `json:"passed"`
	Total          int                 `json:"total"`
	Percent        float64             `json:"percent"`
	Complete       bool                `json:"complete"`
	Status         VerificationStatus  `json:"verification_status,omitempty"`
}

// Checklist evaluates the fixed, ordered seven checks.
func (in VerificationInputs) Checklist() []VerificationCheck {
	return []VerificationCheck{
		{Key: "ice", Label: "ICE vérifié", Passed: in.ICEVerified},
		{Key: "rc", Label: "RC vérifié", Passed: in.RCVerified},
		{Key: "cnss", Label: "CNSS/IF vérifié", Passed: in.CNSSVerified},
		{Key: "beneficial_owners", Label: "Bénéficiaires déclarés", Passed: in.OwnerCount >= 1},
		{Key: "banking", Label: "Informations bancaires vérifiées", Passed: in.BankingVerified},
		{Key: "consents", Label: "Consentements signés", Passed: in.SignedConsents >= MinSignedConsents},
		{Key: "aml", Label: "Vérification AML", Passed: in.AMLCleared},
	}
}

// Report reduces the inputs to a percentage and completeness decision.
func (in VerificationInputs) Report(orgID string) *VerificationReport {
	checks := in.Checklist()
	passed := 0
	for _, c := range checks {
		if c.Passed {
			passed++
		}
	}
	total := len(checks)
	return &VerificationReport{
		OrganizationID: orgID,
		Checks:         checks,
		Passed:         passed,
		Total:          total,
		Percent:        percentOf(passed, total),
		Complete:       passed == total,
	}
}

// percentOf is the raw share of passed checks. Rounding is left to display.
func percentOf(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(passed) / float64(total) * 100
}
