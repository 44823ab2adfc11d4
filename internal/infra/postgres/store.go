// Package postgres implements port.KYBStore directly on the Supabase Postgres
// database with pgx, for deployments that reach the database without
// PostgREST. Table and function names are the same as the REST adapter's.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
)

var tracer = otel.Tracer("postgres")

// Store is the pgx-backed KYB store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an open pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens and pings a pool for dsn.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Ping checks the pool, for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func wrap(service string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ErrTimeout{Operation: service}
	}
	return &domain.ErrExternalService{Service: "postgres/" + service, Err: err}
}

// ============================================================
// onboarding_progress
// ============================================================

// CreateOnboardingRecords inserts the organization and progress rows in one
// transaction.
func (s *Store) CreateOnboardingRecords(ctx context.Context, userID string, role domain.Role, legalName string) (*domain.OnboardingRecords, error) {
	ctx, span := tracer.Start(ctx, "Postgres.CreateOnboardingRecords")
	defer span.End()

	out := &domain.OnboardingRecords{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
INSERT INTO organizations (legal_name, organization_type, onboarding_status, verification_status)
VALUES ($1, $2, 'in_progress', 'pending')
RETURNING id::text`, legalName, string(role)).Scan(&out.OrganizationID)
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
INSERT INTO onboarding_progress (user_id, organization_id, user_role, current_step, total_steps, status, step_data, completed_steps, started_at)
VALUES ($1, $2, $3, 1, $4, 'in_progress', '{}'::jsonb, '{}', now())
RETURNING id::text`, userID, out.OrganizationID, string(role), domain.TotalSteps(role)).Scan(&out.OnboardingID)
	})
	if err != nil {
		return nil, wrap("create_onboarding_records", err)
	}
	return out, nil
}

// GetProgressByUser returns the latest progress row of userID.
func (s *Store) GetProgressByUser(ctx context.Context, userID string) (*domain.OnboardingProgress, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetProgressByUser")
	defer span.End()

	q := `
SELECT id::text, user_id::text, COALESCE(organization_id::text, ''), COALESCE(user_role::text, ''),
       current_step, COALESCE(total_steps, 0), status::text, COALESCE(step_data, '{}'::jsonb),
       COALESCE(completed_steps, '{}'), started_at, completed_at, updated_at
FROM onboarding_progress
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT 1`

	var (
		p        domain.OnboardingProgress
		role     string
		status   string
		stepData []byte
		steps    []int32
	)
	err := s.pool.QueryRow(ctx, q, userID).Scan(
		&p.ID, &p.UserID, &p.OrganizationID, &role,
		&p.CurrentStep, &p.TotalSteps, &status, &stepData,
		&steps, &p.StartedAt, &p.CompletedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "onboarding_progress", ID: userID}
	}
	if err != nil {
		return nil, wrap("onboarding_progress", err)
	}

	p.UserRole = domain.Role(role)
	p.Status = domain.OnboardingStatus(status)
	if p.TotalSteps == 0 {
		p.TotalSteps = domain.TotalSteps(p.UserRole)
	}
	if p.StepData, err = domain.ParseStepData(stepData); err != nil {
		return nil, wrap("onboarding_progress", fmt.Errorf("decode step_data: %w", err))
	}
	for _, st := range steps {
		p.CompletedSteps = append(p.CompletedSteps, int(st))
	}
	return &p, nil
}

// UpdateProgress writes a step completion. A completed row is left alone.
func (s *Store) UpdateProgress(ctx context.Context, progressID string, upd domain.ProgressUpdate) error {
	ctx, span := tracer.Start(ctx, "Postgres.UpdateProgress")
	defer span.End()

	data, err := domain.StepDataJSON(upd.StepData)
	if err != nil {
		return wrap("onboarding_progress", err)
	}
	steps := make([]int32, 0, len(upd.CompletedSteps))
	for _, st := range upd.CompletedSteps {
		steps = append(steps, int32(st))
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE onboarding_progress
SET current_step = $2, status = $3, step_data = $4::jsonb, completed_steps = $5, updated_at = now()
WHERE id = $1 AND status <> 'completed'`, progressID, upd.CurrentStep, string(upd.Status), string(data), steps)
	if err != nil {
		return wrap("onboarding_progress", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status::text FROM onboarding_progress WHERE id = $1`, progressID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.ErrNotFound{Resource: "onboarding_progress", ID: progressID}
	}
	if err != nil {
		return wrap("onboarding_progress", err)
	}
	return &domain.ErrInvalidTransition{Entity: "onboarding_progress", From: status, To: string(upd.Status)}
}

// CompleteProgress marks progressID completed.
func (s *Store) CompleteProgress(ctx context.Context, progressID string, completedAt time.Time) error {
	ctx, span := tracer.Start(ctx, "Postgres.CompleteProgress")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
UPDATE onboarding_progress SET status = 'completed', completed_at = $2, updated_at = now() WHERE id = $1`,
		progressID, completedAt)
	if err != nil {
		return wrap("onboarding_progress", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "onboarding_progress", ID: progressID}
	}
	return nil
}

// CompleteProgressByOrganization marks the progress rows of orgID completed.
func (s *Store) CompleteProgressByOrganization(ctx context.Context, orgID string, completedAt time.Time) error {
	ctx, span := tracer.Start(ctx, "Postgres.CompleteProgressByOrganization")
	defer span.End()

	_, err := s.pool.Exec(ctx, `
UPDATE onboarding_progress SET status = 'completed', completed_at = COALESCE(completed_at, $2), updated_at = now()
WHERE organization_id = $1`, orgID, completedAt)
	return wrap("onboarding_progress", err)
}

// SetPrimaryOrganization links userID's profile to orgID.
func (s *Store) SetPrimaryOrganization(ctx context.Context, userID, orgID string) error {
	ctx, span := tracer.Start(ctx, "Postgres.SetPrimaryOrganization")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE profiles SET primary_organization_id = $2 WHERE id = $1`, userID, orgID)
	if err != nil {
		return wrap("profiles", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "profile", ID: userID}
	}
	return nil
}

// IsAdmin evaluates the is_admin SQL function.
func (s *Store) IsAdmin(ctx context.Context, userID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Postgres.IsAdmin")
	defer span.End()

	var admin bool
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(is_admin($1), false)`, userID).Scan(&admin); err != nil {
		return false, wrap("is_admin", err)
	}
	return admin, nil
}

// ============================================================
// consents + document_uploads
// ============================================================

// InsertConsents appends consents in one batch transaction.
func (s *Store) InsertConsents(ctx context.Context, consents []domain.Consent) ([]domain.Consent, error) {
	ctx, span := tracer.Start(ctx, "Postgres.InsertConsents")
	defer span.End()

	out := make([]domain.Consent, len(consents))
	copy(out, consents)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i := range out {
			c := &out[i]
			err := tx.QueryRow(ctx, `
INSERT INTO consents (user_id, organization_id, consent_type, consent_text, is_signed, version, legal_basis, signature_hash, signature_notes, signed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id::text`,
				c.UserID, c.OrganizationID, string(c.ConsentType), c.ConsentText, c.IsSigned,
				c.Version, c.LegalBasis, c.SignatureHash, c.SignatureNotes, c.SignedAt,
			).Scan(&c.ID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap("consents", err)
	}
	return out, nil
}

// CountSignedConsents counts the signed consents of orgID.
func (s *Store) CountSignedConsents(ctx context.Context, orgID string) (int, error) {
	ctx, span := tracer.Start(ctx, "Postgres.CountSignedConsents")
	defer span.End()

	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM consents WHERE organization_id = $1 AND is_signed`, orgID).Scan(&n)
	return n, wrap("consents", err)
}

// InsertDocument records an uploaded file.
func (s *Store) InsertDocument(ctx context.Context, doc *domain.DocumentUpload) (*domain.DocumentUpload, error) {
	ctx, span := tracer.Start(ctx, "Postgres.InsertDocument")
	defer span.End()

	out := *doc
	err := s.pool.QueryRow(ctx, `
INSERT INTO document_uploads (organization_id, document_type, file_name, file_path, file_size, mime_type, is_verified, uploaded_by_user_id)
VALUES ($1, $2, $3, $4, $5, $6, false, $7)
RETURNING id::text, created_at`,
		doc.OrganizationID, string(doc.DocumentType), doc.FileName, doc.FilePath, doc.FileSize, doc.MimeType, doc.UploadedByUserID,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, wrap("document_uploads", err)
	}
	out.IsVerified = false
	return &out, nil
}

// ListDocuments returns the uploads of orgID, newest first.
func (s *Store) ListDocuments(ctx context.Context, orgID string) ([]domain.DocumentUpload, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListDocuments")
	defer span.End()

	rows, err := s.pool.Query(ctx, `
SELECT id::text, organization_id::text, document_type::text, file_name, file_path, COALESCE(file_size, 0),
       COALESCE(mime_type, ''), COALESCE(is_verified, false), COALESCE(uploaded_by_user_id::text, ''), created_at
FROM document_uploads
WHERE organization_id = $1
ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, wrap("document_uploads", err)
	}
	defer rows.Close()

	docs := []domain.DocumentUpload{}
	for rows.Next() {
		var d domain.DocumentUpload
		var docType string
		if err := rows.Scan(&d.ID, &d.OrganizationID, &docType, &d.FileName, &d.FilePath, &d.FileSize,
			&d.MimeType, &d.IsVerified, &d.UploadedByUserID, &d.CreatedAt); err != nil {
			return nil, wrap("document_uploads", err)
		}
		d.DocumentType = domain.DocumentType(docType)
		docs = append(docs, d)
	}
	return docs, wrap("document_uploads", rows.Err())
}

// decodeJSONMap decodes a jsonb column into a map, tolerating NULL.
func decodeJSONMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
