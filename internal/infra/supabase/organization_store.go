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
// organizations
// ============================================================

// GetOrganization fetches one organization by id.
func (c *Client) GetOrganization(ctx context.Context, orgID string) (*domain.Organization, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetOrganization")
	defer span.End()
	span.SetAttributes(attribute.String("org.id", orgID))

	var org *domain.Organization
	err := c.read(ctx, "supabase/organizations", func() error {
		body, err := c.doRequest(ctx, http.MethodGet, "organizations?id=eq."+url.QueryEscape(orgID)+"&limit=1")
		if err != nil {
			return err
		}
		if isEmpty(body) {
			return resilience.Permanent(&domain.ErrNotFound{Resource: "organization", ID: orgID})
		}
		var rows []domain.Organization
		if err := json.Unmarshal(body, &rows); err != nil {
			return resilience.Permanent(fmt.Errorf("failed to decode organization: %w", err))
		}
		if len(rows) == 0 {
			return resilience.Permanent(&domain.ErrNotFound{Resource: "organization", ID: orgID})
		}
		org = &rows[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// UpdateOrganization applies patch to orgID.
func (c *Client) UpdateOrganization(ctx context.Context, orgID string, patch domain.OrganizationPatch) error {
	ctx, span := tracer.Start(ctx, "Supabase.UpdateOrganization")
	defer span.End()
	span.SetAttributes(attribute.String("org.id", orgID), attribute.Int("columns", len(patch)))

	if len(patch) == 0 {
		return nil
	}
	return c.write(ctx, "supabase/organizations", func() error {
		return c.doPatch(ctx, "organizations?id=eq."+url.QueryEscape(orgID), patch)
	})
}

// ListOrganizations lists organizations, newest first.
func (c *Client) ListOrganizations(ctx context.Context, filter domain.OrganizationFilter) ([]domain.Organization, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListOrganizations")
	defer span.End()

	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "created_at.desc")
	if filter.Status != "" {
		q.Set("verification_status", "eq."+string(filter.Status))
	}
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		q.Set("limit", fmt.Sprint(filter.PageSize))
		q.Set("offset", fmt.Sprint((page-1)*filter.PageSize))
	}

	var orgs []domain.Organization
	err := c.read(ctx, "supabase/organizations", func() error {
		body, err := c.doRequest(ctx, http.MethodGet, "organizations?"+q.Encode())
		if err != nil {
			return err
		}
		orgs = []domain.Organization{}
		if isEmpty(body) {
			return nil
		}
		if err := json.Unmarshal(body, &orgs); err != nil {
			return resilience.Permanent(fmt.Errorf("failed to decode organizations: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orgs, nil
}
