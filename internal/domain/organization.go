package domain

import "time"

// Organization is the legal entity being onboarded.
type Organization struct {
	ID               string             `json:"id"`
	LegalName        string             `json:"legal_name"`
	TradeName        *string            `json:"trade_name,omitempty"`
	OrganizationType Role               `json:"organization_type"`
	ICE              *string            `json:"ice,omitempty"`
	RCNumber         *string            `json:"rc_number,omitempty"`
	IFNumber         *string            `json:"if_number,omitempty"`
	CNSSNumber       *string            `json:"cnss_number,omitempty"`
	ActivityCode     *string            `json:"activity_code,omitempty"`
	AddressLine1     *string            `json:"address_line1,omitempty"`
	AddressLine2     *string            `json:"address_line2,omitempty"`
	City             *string            `json:"city,omitempty"`
	PostalCode       *string            `json:"postal_code,omitempty"`
	Phone            *string            `json:"phone,omitempty"`
	Email            *string            `json:"email,omitempty"`
	Website          *string            `json:"website,omitempty"`
	BankName         *string            `json:"bank_name,omitempty"`
	RIB              *string            `json:"rib,omitempty"`
	IBAN             *string            `json:"iban,omitempty"`
	VerificationData map[string]any     `json:"verification_data,omitempty"`
	OnboardingStatus OnboardingStatus   `json:"onboarding_status"`
	Status           VerificationStatus `json:"verification_status"`

	ICEVerified     bool `json:"is_ice_verified"`
	RCVerified      bool `json:"is_rc_verified"`
	CNSSVerified    bool `json:"is_cnss_verified"`
	BankingVerified bool `json:"is_banking_verified"`
	AMLCleared      bool `json:"is_aml_cleared"`

	VerifiedBy        *string    `json:"verified_by,omitempty"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`
	RejectedReason    *string    `json:"rejected_reason,omitempty"`
	VerificationNotes *string    `json:"verification_notes,omitempty"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}

// OrganizationPatch is a partial column update. Keys are column names.
type OrganizationPatch map[string]any

// VerificationFlags is the admin-set registry verification outcome. Nil
// fields are left untouched.
type VerificationFlags struct {
	ICEVerified     *bool `json:"is_ice_verified,omitempty"`
	RCVerified      *bool `json:"is_rc_verified,omitempty"`
	CNSSVerified    *bool `json:"is_cnss_verified,omitempty"`
	BankingVerified *bool `json:"is_banking_verified,omitempty"`
	AMLCleared      *bool `json:"is_aml_cleared,omitempty"`
}

// Patch converts the non-nil flags into an organization patch.
func (f VerificationFlags) Patch() OrganizationPatch {
	p := OrganizationPatch{}
	set := func(col string, v *bool) {
		if v != nil {
			p[col] = *v
		}
	}
	set("is_ice_verified", f.ICEVerified)
	set("is_rc_verified", f.RCVerified)
	set("is_cnss_verified", f.CNSSVerified)
	set("is_banking_verified", f.BankingVerified)
	set("is_aml_cleared", f.AMLCleared)
	return p
}

// OrganizationFilter narrows the admin listing.
type OrganizationFilter struct {
	Status   VerificationStatus
	Page     int
	PageSize int
}

// OrganizationCounts summarises the review queue.
type OrganizationCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Verified   int `json:"verified"`
	Rejected   int `json:"rejected"`
}

// Add counts one organization in status s.
func (c *OrganizationCounts) Add(s VerificationStatus) {
	c.Total++
	switch s {
	case VerificationPending:
		c.Pending++
	case VerificationInProgress:
		c.InProgress++
	case VerificationVerified:
		c.Verified++
	case VerificationRejected:
		c.Rejected++
	}
}

// DocumentType is the kind of supporting document uploaded during onboarding.
type DocumentType string

const (
	DocumentRCExtract       DocumentType = "rcExtract"
	DocumentCNSSAttestation DocumentType = "cnssAttestation"
)

// Valid reports whether t is an accepted upload type.
func (t DocumentType) Valid() bool {
	return t == DocumentRCExtract || t == DocumentCNSSAttestation
}

// DocumentUpload is the metadata row of an uploaded file.
type DocumentUpload struct {
	ID               string       `json:"id"`
	OrganizationID   string       `json:"organization_id"`
	DocumentType     DocumentType `json:"document_type"`
	FileName         string       `json:"file_name"`
	FilePath         string       `json:"file_path"`
	FileSize         int64        `json:"file_size"`
	MimeType         string       `json:"mime_type"`
	IsVerified       bool         `json:"is_verified"`
	UploadedByUserID string       `json:"uploaded_by_user_id"`
	CreatedAt        *time.Time   `json:"created_at,omitempty"`
}

// ReviewDossier is everything an admin sees when reviewing an organization.
type ReviewDossier struct {
	Organization *Organization       `json:"organization"`
	Owners       []BeneficialOwner   `json:"beneficial_owners"`
	Documents    []DocumentUpload    `json:"documents"`
	Checklist    *VerificationReport `json:"checklist"`
}
