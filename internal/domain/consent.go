package domain

import "time"

// ConsentType enumerates the legal consents recorded during onboarding.
type ConsentType string

const (
	ConsentTermsAndConditions ConsentType = "terms_and_conditions"
	ConsentPrivacyPolicy      ConsentType = "privacy_policy"
	ConsentESignature         ConsentType = "e_signature"
	ConsentMarketing          ConsentType = "marketing_communications"
	ConsentKYBAttestation     ConsentType = "kyb_attestation"
	ConsentAMLDeclaration     ConsentType = "aml_declaration"
	ConsentDataProcessing     ConsentType = "data_processing"
	ConsentTermsConditions    ConsentType = "terms_conditions"
)

// ConsentVersion is the version of every consent text currently served.
const ConsentVersion = "1.0"

// ConsentTemplate is the fixed text and legal basis of a consent type.
type ConsentTemplate struct {
	Type       ConsentType
	Text       string
	LegalBasis string
	// TokenPrefix seeds the legacy signature token.
	TokenPrefix string
}

var consentTemplates = map[ConsentType]ConsentTemplate{
	ConsentKYBAttestation: {
		Type:        ConsentKYBAttestation,
		Text:        "J'atteste que les informations fournies sont exactes et complètes",
		LegalBasis:  "Conformité réglementaire KYB",
		TokenPrefix: "kyb",
	},
	ConsentAMLDeclaration: {
		Type:        ConsentAMLDeclaration,
		Text:        "Je déclare que mon entreprise respecte les règles de lutte contre le blanchiment",
		LegalBasis:  "Conformité AML/CFT",
		TokenPrefix: "aml",
	},
	ConsentDataProcessing: {
		Type:        ConsentDataProcessing,
		Text:        "J'accepte le traitement de mes données personnelles",
		LegalBasis:  "GDPR Article 6.1.a",
		TokenPrefix: "data",
	},
	ConsentTermsConditions: {
		Type:        ConsentTermsConditions,
		Text:        "J'accepte les conditions générales d'utilisation",
		LegalBasis:  "Contrat commercial",
		TokenPrefix: "terms",
	},
	ConsentTermsAndConditions: {
		Type:        ConsentTermsAndConditions,
		Text:        "J'accepte les conditions générales d'utilisation",
		LegalBasis:  "Contract",
		TokenPrefix: "terms",
	},
	ConsentPrivacyPolicy: {
		Type:        ConsentPrivacyPolicy,
		Text:        "J'accepte la politique de confidentialité",
		LegalBasis:  "Consent",
		TokenPrefix: "privacy",
	},
	ConsentESignature: {
		Type:        ConsentESignature,
		Text:        "J'accepte d'utiliser la signature électronique",
		LegalBasis:  "Contract",
		TokenPrefix: "esign",
	},
	ConsentMarketing: {
		Type:        ConsentMarketing,
		Text:        "J'accepte de recevoir des communications commerciales",
		LegalBasis:  "Consent",
		TokenPrefix: "marketing",
	},
}

// TemplateFor returns the template of t.
func TemplateFor(t ConsentType) (ConsentTemplate, bool) {
	tpl, ok := consentTemplates[t]
	return tpl, ok
}

// RequiredConsents lists the consents that must all be signed before a role's
// final declaration step is accepted.
func RequiredConsents(role Role) []ConsentType {
	switch role {
	case RoleWholesaler:
		return []ConsentType{ConsentKYBAttestation, ConsentAMLDeclaration, ConsentDataProcessing, ConsentTermsConditions}
	case RoleBuyer:
		return []ConsentType{ConsentTermsAndConditions, ConsentPrivacyPolicy, ConsentESignature}
	default:
		return nil
	}
}

// Consent is an append-only signed consent record.
type Consent struct {
	ID             string      `json:"id,omitempty"`
	UserID         string      `json:"user_id"`
	OrganizationID string      `json:"organization_id"`
	ConsentType    ConsentType `json:"consent_type"`
	ConsentText    string      `json:"consent_text"`
	IsSigned       bool        `json:"is_signed"`
	Version        string      `json:"version"`
	LegalBasis     string      `json:"legal_basis"`
	SignatureHash  string      `json:"signature_hash"`
	SignatureNotes *string     `json:"signature_notes,omitempty"`
	SignedAt       time.Time   `json:"signed_at"`
}

// ConsentSubmission is one attempt at signing a set of consents.
type ConsentSubmission struct {
	UserID         string
	OrganizationID string
	Types          []ConsentType
	Notes          string
	// IdempotencyKey is generated by the client per submission attempt.
	IdempotencyKey string
}

// ConsentReceipt reports the outcome of a submission.
type ConsentReceipt struct {
	Consents []Consent `json:"consents"`
	// Replayed is true when the idempotency key had already been recorded and
	// nothing was inserted.
	Replayed bool `json:"replayed"`
}
