package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/resilience"
)

// ============================================================
// onboarding_progress + RPC create_onboarding_records
// ============================================================

// progressRow maps onboarding_progress columns.
type progressRow struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	OrganizationID *string         `json:"organization_id"`
	UserRole       *string         `json:"user_role"`
	CurrentStep    int             `json:"current_step"`
	TotalSteps     *int            `json:"total_steps"`
	Status         string          `json:"status"`
	StepData       json.RawMessage `json:"step_data"`
	CompletedSteps []int           `json:"completed_steps"`
	StartedAt      *time.Time      `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
	UpdatedAt      *time.Time      `json:"updated_at"`
}

func (r progressRow) toDomain() (*domain.OnboardingProgress, error) {
	data, err := domain.ParseStepData(r.StepData)
	if err != nil {
		return nil, fmt.Errorf("decode step_data: %w", err)
	}
	p := &domain.OnboardingProgress{
		ID:             r.ID,
		UserID:         r.UserID,
		CurrentStep:    r.CurrentStep,
		Status:         domain.OnboardingStatus(r.Status),
		StepData:       data,
		CompletedSteps: r.CompletedSteps,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.OrganizationID != nil {
		p.OrganizationID = *r.OrganizationID
	}
	if r.UserRole != nil {
		p.UserRole = domain.Role(*r.UserRole)
	}
	p.TotalSteps = domain.TotalSteps(p.UserRole)
	if r.TotalSteps != nil && *r.TotalSteps > 0 {
		p.TotalSteps = *r.TotalSteps
	}
	if p.CurrentStep < 1 {
		p.CurrentStep = 1
	}
	return p, nil
}

// CreateOnboardingRecords calls the create_onboarding_records RPC as the
// caller, so the function binds the records to auth.uid().
func (c *Client) CreateOnboardingRecords(ctx context.Context, userID string, role domain.Role, legalName string) (*domain.OnboardingRecords, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CreateOnboardingRecords")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("role", string(role)))

	var bearer string
	if id, ok := domain.IdentityFromContext(ctx); ok && id.UserID == userID {
		bearer = id.AccessToken
	}

	var records *domain.OnboardingRecords
	err := c.write(ctx, "supabase/create_onboarding_records", func() error {
		body, err := c.doRPC(ctx, "create_onboarding_records", map[string]any{
			"p_role":       string(role),
			"p_legal_name": legalName,
		}, bearer)
		if err != nil {
			return err
		}
		records, err = decodeRecords(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// decodeRecords accepts both the set-returning form ([{...}]) and a single object.
func decodeRecords(body []byte) (*domain.OnboardingRecords, error) {
	if isEmpty(body) {
		return nil, resilience.Permanent(fmt.Errorf("create_onboarding_records returned no row"))
	}
	var rows []domain.OnboardingRecords
	if err := json.Unmarshal(body, &rows); err == nil {
		if len(rows) == 0 {
			return nil, resilience.Permanent(fmt.Errorf("create_onboarding_records returned no row"))
		}
		return &rows[0], nil
	}
	var one domain.OnboardingRecords
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("decode onboarding records: %w", err))
	}
	return &one, nil
}

// GetProgressByUser returns the latest progress row of userID.
func (c *Client) GetProgressByUser(ctx context.Context, userID string) (*domain.OnboardingProgress, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetProgressByUser")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	var progress *domain.OnboardingProgress
	err := c.read(ctx, "supabase/onboarding_progress", func() error {
		path := fmt.Sprintf("onboarding_progress?user_id=eq.%s&order=created_at.desc&limit=1", url.QueryEscape(userID))
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil {
			return err
		}
		if isEmpty(body) {
			return resilience.Permanent(&domain.ErrNotFound{Resource: "onboarding_progress", ID: userID})
		}

		var rows []progressRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return resilience.Permanent(fmt.Errorf("failed to decode progress: %w", err))
		}
		if len(rows) == 0 {
			return resilience.Permanent(&domain.ErrNotFound{Resource: "onboarding_progress", ID: userID})
		}
		progress, err = rows[0].toDomain()
		if err != nil {
			return resilience.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return progress, nil
}

// UpdateProgress writes the step completion of progressID.
func (c *Client) UpdateProgress(ctx context.Context, progressID string, upd domain.ProgressUpdate) error {
	ctx, span := tracer.Start(ctx, "Supabase.UpdateProgress")
	defer span.End()
	span.SetAttributes(attribute.String("progress.id", progressID), attribute.Int("current_step", upd.CurrentStep))

	stepData := upd.StepData
	if stepData == nil {
		stepData = domain.StepData{}
	}
	completed := upd.CompletedSteps
	if completed == nil {
		completed = []int{}
	}

	// A completed row is never reopened; the filter makes the check and the
	// write one statement.
	path := "onboarding_progress?id=eq." + url.QueryEscape(progressID) + "&status=neq.completed"
	return c.write(ctx, "supabase/onboarding_progress", func() error {
		body, err := c.doPatchReturning(ctx, path, map[string]any{
			"current_step":    upd.CurrentStep,
			"status":          string(upd.Status),
			"step_data":       stepData,
			"completed_steps": completed,
			"updated_at":      time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		if isEmpty(body) {
			return resilience.Permanent(&domain.ErrInvalidTransition{
				Entity: "onboarding_progress",
				From:   string(domain.OnboardingCompleted),
				To:     string(upd.Status),
			})
		}
		return nil
	})
}

// CompleteProgress marks progressID completed at completedAt.
func (c *Client) CompleteProgress(ctx context.Context, progressID string, completedAt time.Time) error {
	ctx, span := tracer.Start(ctx, "Supabase.CompleteProgress")
	defer span.End()

	return c.write(ctx, "supabase/onboarding_progress", func() error {
		return c.doPatch(ctx, "onboarding_progress?id=eq."+url.QueryEscape(progressID), completionPatch(completedAt))
	})
}

// CompleteProgressByOrganization marks the progress rows of orgID completed.
func (c *Client) CompleteProgressByOrganization(ctx context.Context, orgID string, completedAt time.Time) error {
	ctx, span := tracer.Start(ctx, "Supabase.CompleteProgressByOrganization")
	defer span.End()
	span.SetAttributes(attribute.String("org.id", orgID))

	return c.write(ctx, "supabase/onboarding_progress", func() error {
		return c.doPatch(ctx, "onboarding_progress?organization_id=eq."+url.QueryEscape(orgID), completionPatch(completedAt))
	})
}

func completionPatch(at time.Time) map[string]any {
	ts := at.UTC().Format(time.RFC3339)
	return map[string]any{
		"status":       string(domain.OnboardingCompleted),
		"completed_at": ts,
		"updated_at":   ts,
	}
}

// SetPrimaryOrganization links userID's profile to orgID.
func (c *Client) SetPrimaryOrganization(ctx context.Context, userID, orgID string) error {
	ctx, span := tracer.Start(ctx, "Supabase.SetPrimaryOrganization")
	defer span.End()

	return c.write(ctx, "supabase/profiles", func() error {
		return c.doPatch(ctx, "profiles?id=eq."+url.QueryEscape(userID), map[string]any{
			"primary_organization_id": orgID,
		})
	})
}

// IsAdmin calls the is_admin RPC.
func (c *Client) IsAdmin(ctx context.Context, userID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Supabase.IsAdmin")
	defer span.End()

	var admin bool
	err := c.read(ctx, "supabase/is_admin", func() error {
		body, err := c.doRPC(ctx, "is_admin", map[string]any{"check_user_id": userID}, "")
		if err != nil {
			return err
		}
		if isEmpty(body) {
			admin = false
			return nil
		}
		if err := json.Unmarshal(body, &admin); err != nil {
			return resilience.Permanent(fmt.Errorf("decode is_admin: %w", err))
		}
		return nil
	})
	return admin, err
}
