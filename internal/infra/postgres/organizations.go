package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
)

const organizationColumns = `
id::text, legal_name, trade_name, COALESCE(organization_type::text, ''), ice, rc_number, if_number, cnss_number,
activity_code, address_line1, address_line2, city, postal_code, phone, email, website,
bank_name, rib, iban, verification_data, COALESCE(onboarding_status::text, ''), COALESCE(verification_status::text, ''),
COALESCE(is_ice_verified, false), COALESCE(is_rc_verified, false), COALESCE(is_cnss_verified, false),
COALESCE(is_banking_verified, false), COALESCE(is_aml_cleared, false),
verified_by::text, verified_at, rejected_reason, verification_notes, created_at, updated_at`

// updatableOrgColumns whitelists the columns a patch may touch.
var updatableOrgColumns = map[string]bool{
	"legal_name": true, "trade_name": true, "ice": true, "rc_number": true, "if_number": true,
	"cnss_number": true, "activity_code": true, "address_line1": true, "address_line2": true,
	"city": true, "postal_code": true, "phone": true, "email": true, "website": true,
	"bank_name": true, "rib": true, "iban": true, "verification_data": true,
	"onboarding_status": true, "verification_status": true,
	"is_ice_verified": true, "is_rc_verified": true, "is_cnss_verified": true,
	"is_banking_verified": true, "is_aml_cleared": true,
	"verified_by": true, "verified_at": true, "rejected_reason": true, "verification_notes": true,
}

func scanOrganization(row pgx.Row) (*domain.Organization, error) {
	var (
		o          domain.Organization
		orgType    string
		onboarding string
		status     string
		vdata      []byte
	)
	err := row.Scan(
		&o.ID, &o.LegalName, &o.TradeName, &orgType, &o.ICE, &o.RCNumber, &o.IFNumber, &o.CNSSNumber,
		&o.ActivityCode, &o.AddressLine1, &o.AddressLine2, &o.City, &o.PostalCode, &o.Phone, &o.Email, &o.Website,
		&o.BankName, &o.RIB, &o.IBAN, &vdata, &onboarding, &status,
		&o.ICEVerified, &o.RCVerified, &o.CNSSVerified, &o.BankingVerified, &o.AMLCleared,
		&o.VerifiedBy, &o.VerifiedAt, &o.RejectedReason, &o.VerificationNotes, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.OrganizationType = domain.Role(orgType)
	o.OnboardingStatus = domain.OnboardingStatus(onboarding)
	o.Status = domain.VerificationStatus(status)
	if o.VerificationData, err = decodeJSONMap(vdata); err != nil {
		return nil, fmt.Errorf("decode verification_data: %w", err)
	}
	return &o, nil
}

// GetOrganization fetches one organization.
func (s *Store) GetOrganization(ctx context.Context, orgID string) (*domain.Organization, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetOrganization")
	defer span.End()

	org, err := scanOrganization(s.pool.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "organization", ID: orgID}
	}
	if err != nil {
		return nil, wrap("organizations", err)
	}
	return org, nil
}

// UpdateOrganization applies a whitelisted column patch.
func (s *Store) UpdateOrganization(ctx context.Context, orgID string, patch domain.OrganizationPatch) error {
	ctx, span := tracer.Start(ctx, "Postgres.UpdateOrganization")
	defer span.End()

	if len(patch) == 0 {
		return nil
	}
	cols := make([]string, 0, len(patch))
	for col := range patch {
		if !updatableOrgColumns[col] {
			return &domain.ErrValidation{Field: col, Message: "column cannot be updated"}
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols)+1)
	args := []any{orgID}
	for _, col := range cols {
		args = append(args, patch[col])
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	sets = append(sets, "updated_at = now()")

	tag, err := s.pool.Exec(ctx, `UPDATE organizations SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return wrap("organizations", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "organization", ID: orgID}
	}
	return nil
}

// ListOrganizations lists organizations, newest first.
func (s *Store) ListOrganizations(ctx context.Context, filter domain.OrganizationFilter) ([]domain.Organization, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListOrganizations")
	defer span.End()

	q := `SELECT ` + organizationColumns + ` FROM organizations`
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		q += ` WHERE verification_status::text = $1`
	}
	q += ` ORDER BY created_at DESC`
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		args = append(args, filter.PageSize, (page-1)*filter.PageSize)
		q += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrap("organizations", err)
	}
	defer rows.Close()

	orgs := []domain.Organization{}
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, wrap("organizations", err)
		}
		orgs = append(orgs, *org)
	}
	return orgs, wrap("organizations", rows.Err())
}

// ============================================================
// beneficial_owners
// ============================================================

// ReplaceOwners swaps the owner set of orgID inside one transaction.
func (s *Store) ReplaceOwners(ctx context.Context, orgID string, owners []domain.BeneficialOwner) error {
	ctx, span := tracer.Start(ctx, "Postgres.ReplaceOwners")
	defer span.End()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM beneficial_owners WHERE organization_id = $1`, orgID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, o := range owners {
			batch.Queue(`
INSERT INTO beneficial_owners (organization_id, full_name, position_title, ownership_percentage, date_of_birth,
                               nationality, country, city, address, cin_number, passport_number, is_pep)
VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8, $9, $10, $11, $12)`,
				orgID, o.FullName, o.PositionTitle, o.OwnershipPercentage, o.DateOfBirth,
				o.Nationality, o.Country, o.City, o.Address, o.CINNumber, o.PassportNumber, o.IsPEP)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	return wrap("beneficial_owners", err)
}

// ListOwners returns the owners of orgID in declaration order.
func (s *Store) ListOwners(ctx context.Context, orgID string) ([]domain.BeneficialOwner, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListOwners")
	defer span.End()

	rows, err := s.pool.Query(ctx, `
SELECT id::text, organization_id::text, full_name, COALESCE(position_title, ''), ownership_percentage,
       to_char(date_of_birth, 'YYYY-MM-DD'), COALESCE(nationality, ''), COALESCE(country, ''), city,
       COALESCE(address, ''), cin_number, passport_number, COALESCE(is_pep, false), created_at
FROM beneficial_owners
WHERE organization_id = $1
ORDER BY created_at ASC`, orgID)
	if err != nil {
		return nil, wrap("beneficial_owners", err)
	}
	defer rows.Close()

	owners := []domain.BeneficialOwner{}
	for rows.Next() {
		var o domain.BeneficialOwner
		if err := rows.Scan(&o.ID, &o.OrganizationID, &o.FullName, &o.PositionTitle, &o.OwnershipPercentage,
			&o.DateOfBirth, &o.Nationality, &o.Country, &o.City, &o.Address, &o.CINNumber, &o.PassportNumber,
			&o.IsPEP, &o.CreatedAt); err != nil {
			return nil, wrap("beneficial_owners", err)
		}
		owners = append(owners, o)
	}
	return owners, wrap("beneficial_owners", rows.Err())
}

// CountOwners counts the owners of orgID.
func (s *Store) CountOwners(ctx context.Context, orgID string) (int, error) {
	ctx, span := tracer.Start(ctx, "Postgres.CountOwners")
	defer span.End()

	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM beneficial_owners WHERE organization_id = $1`, orgID).Scan(&n)
	return n, wrap("beneficial_owners", err)
}
