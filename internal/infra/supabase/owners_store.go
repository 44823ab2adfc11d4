package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/resilience"
)

// ============================================================
// beneficial_owners + consents
// ============================================================

// ReplaceOwners deletes every owner of orgID, then inserts owners. PostgREST
// offers no transaction across the two calls; a failed insert leaves the
// organization without owners until the step is re-submitted.
func (c *Client) ReplaceOwners(ctx context.Context, orgID string, owners []domain.BeneficialOwner) error {
	ctx, span := tracer.Start(ctx, "Supabase.ReplaceOwners")
	defer span.End()
	span.SetAttributes(attribute.String("org.id", orgID), attribute.Int("owners", len(owners)))

	err := c.write(ctx, "supabase/beneficial_owners", func() error {
		return c.doDelete(ctx, "beneficial_owners?organization_id=eq."+url.QueryEscape(orgID))
	})
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		return nil
	}

	rows := make([]map[string]any, 0, len(owners))
	for _, o := range owners {
		rows = append(rows, map[string]any{
			"organization_id":      orgID,
			"full_name":            o.FullName,
			"position_title":       o.PositionTitle,
			"ownership_percentage": o.OwnershipPercentage,
			"date_of_birth":        o.DateOfBirth,
			"nationality":          o.Nationality,
			"country":              o.Country,
			"city":                 o.City,
			"address":              o.Address,
			"cin_number":           o.CINNumber,
			"passport_number":      o.PassportNumber,
			"is_pep":               o.IsPEP,
		})
	}
	return c.write(ctx, "supabase/beneficial_owners", func() error {
		_, err := c.doPost(ctx, "beneficial_owners", rows)
		return err
	})
}

// ListOwners returns the owners of orgID in declaration order.
func (c *Client) ListOwners(ctx context.Context, orgID string) ([]domain.BeneficialOwner, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListOwners")
	defer span.End()

	var owners []domain.BeneficialOwner
	err := c.read(ctx, "supabase/beneficial_owners", func() error {
		body, err := c.doRequest(ctx, http.MethodGet, "beneficial_owners?organization_id=eq."+url.QueryEscape(orgID)+"&order=created_at.asc")
		if err != nil {
			return err
		}
		owners = []domain.BeneficialOwner{}
		if isEmpty(body) {
			return nil
		}
		if err := json.Unmarshal(body, &owners); err != nil {
			return resilience.Permanent(fmt.Errorf("failed to decode owners: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return owners, nil
}

// CountOwners returns the exact number of owners of orgID.
func (c *Client) CountOwners(ctx context.Context, orgID string) (int, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CountOwners")
	defer span.End()

	var n int
	err := c.read(ctx, "supabase/beneficial_owners", func() error {
		var err error
		n, err = c.doCount(ctx, "beneficial_owners?select=id&organization_id=eq."+url.QueryEscape(orgID))
		return err
	})
	return n, err
}

// InsertConsents appends consent records and returns them as stored.
func (c *Client) InsertConsents(ctx context.Context, consents []domain.Consent) ([]domain.Consent, error) {
	ctx, span := tracer.Start(ctx, "Supabase.InsertConsents")
	defer span.End()
	span.SetAttributes(attribute.Int("consents", len(consents)))

	var stored []domain.Consent
	err := c.write(ctx, "supabase/consents", func() error {
		body, err := c.doPost(ctx, "consents", consents)
		if err != nil {
			return err
		}
		if isEmpty(body) {
			stored = consents
			return nil
		}
		if err := json.Unmarshal(body, &stored); err != nil {
			c.logger.Warn("supabase: consents stored but response not decodable")
			stored = consents
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// CountSignedConsents returns the number of signed consents of orgID.
func (c *Client) CountSignedConsents(ctx context.Context, orgID string) (int, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CountSignedConsents")
	defer span.End()

	var n int
	err := c.read(ctx, "supabase/consents", func() error {
		var err error
		n, err = c.doCount(ctx, "consents?select=id&is_signed=eq.true&organization_id=eq."+url.QueryEscape(orgID))
		return err
	})
	return n, err
}
