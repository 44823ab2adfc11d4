package memstore

import (
	"encoding/json"
	"fmt"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
)

var patchableColumns = map[string]bool{
	"legal_name": true, "trade_name": true, "ice": true, "rc_number": true, "if_number": true,
	"cnss_number": true, "activity_code": true, "address_line1": true, "address_line2": true,
	"city": true, "postal_code": true, "phone": true, "email": true, "website": true,
	"bank_name": true, "rib": true, "iban": true, "verification_data": true,
	"onboarding_status": true, "verification_status": true,
	"is_ice_verified": true, "is_rc_verified": true, "is_cnss_verified": true,
	"is_banking_verified": true, "is_aml_cleared": true,
	"verified_by": true, "verified_at": true, "rejected_reason": true, "verification_notes": true,
}

// applyPatch overlays the patch columns onto org through the JSON column
// names, the same way PostgREST applies a PATCH body.
func applyPatch(org *domain.Organization, patch domain.OrganizationPatch) error {
	for col := range patch {
		if !patchableColumns[col] {
			return &domain.ErrValidation{Field: col, Message: "column cannot be updated"}
		}
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	if _, ok := patch["verification_data"]; ok {
		org.VerificationData = nil
	}
	if err := json.Unmarshal(body, org); err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	return nil
}
