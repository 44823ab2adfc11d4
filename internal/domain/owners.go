package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	// MinOwnership and MaxOwnership bound a single declared stake.
	MinOwnership = decimal.RequireFromString("0.01")
	MaxOwnership = decimal.NewFromInt(100)

	fullOwnership = decimal.NewFromInt(100)
)

// BeneficialOwner is a natural person declared as owning or controlling the
// organization.
type BeneficialOwner struct {
	ID                  string          `json:"id,omitempty"`
	OrganizationID      string          `json:"organization_id"`
	FullName            string          `json:"full_name"`
	PositionTitle       string          `json:"position_title"`
	OwnershipPercentage decimal.Decimal `json:"ownership_percentage"`
	DateOfBirth         *string         `json:"date_of_birth,omitempty"`
	Nationality         string          `json:"nationality"`
	Country             string          `json:"country"`
	City                *string         `json:"city,omitempty"`
	Address             string          `json:"address"`
	CINNumber           *string         `json:"cin_number,omitempty"`
	PassportNumber      *string         `json:"passport_number,omitempty"`
	IsPEP               bool            `json:"is_pep"`
	CreatedAt           *time.Time      `json:"created_at,omitempty"`
}

// OwnershipTotal sums the declared percentages.
func OwnershipTotal(owners []BeneficialOwner) decimal.Decimal {
	total := decimal.Zero
	for _, o := range owners {
		total = total.Add(o.OwnershipPercentage)
	}
	return total
}

// OwnershipWarning returns a non-empty message when the declared stakes do
// not add up to 100%. It never blocks submission.
func OwnershipWarning(owners []BeneficialOwner) string {
	total := OwnershipTotal(owners)
	if total.Equal(fullOwnership) {
		return ""
	}
	return "le total des participations est de " + total.StringFixed(2) + "% au lieu de 100%"
}

// ValidOwnership reports whether p lies in [0.01, 100].
func ValidOwnership(p decimal.Decimal) bool {
	return p.GreaterThanOrEqual(MinOwnership) && p.LessThanOrEqual(MaxOwnership)
}
