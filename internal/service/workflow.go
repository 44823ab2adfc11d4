package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/observability"
	"github.com/souktech/kyb-onboarding-bfa/internal/port"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var onboardingTracer = otel.Tracer("service/onboarding")

// Session is the workflow state of one user. It holds two phases: the
// confirmed progress last acknowledged by the backend, and the draft step
// data edited locally. A failed write keeps the draft and marks the steps
// it touches as unsynced until they are persisted or reverted.
type Session struct {
	mu sync.Mutex

	userID      string
	confirmed   *domain.OnboardingProgress
	current     int
	draft       domain.StepData
	unsynced    map[int]bool
	lastSyncErr string
}

func newSession(userID string, p *domain.OnboardingProgress) *Session {
	s := &Session{userID: userID, current: 1, draft: domain.StepData{}, unsynced: map[int]bool{}}
	if p != nil {
		s.confirmed = p
		s.draft = p.StepData.Clone()
		s.current = clampStep(p.CurrentStep, domain.TotalSteps(p.UserRole))
	}
	return s
}

func (s *Session) role() domain.Role {
	if s.confirmed == nil {
		return ""
	}
	return s.confirmed.UserRole
}

func (s *Session) total() int { return domain.TotalSteps(s.role()) }

func (s *Session) orgID() string {
	if s.confirmed == nil {
		return ""
	}
	return s.confirmed.OrganizationID
}

func (s *Session) completed() bool {
	return s.confirmed != nil && s.confirmed.Status == domain.OnboardingCompleted
}

func (s *Session) checkStep(step int) error {
	if step < 1 || step > s.total() {
		return &domain.ErrValidation{Field: "step", Message: fmt.Sprintf("step must be between 1 and %d", s.total())}
	}
	return nil
}

func (s *Session) snapshot() *OnboardingState {
	st := &OnboardingState{
		UserID:         s.userID,
		Role:           s.role(),
		CurrentStep:    s.current,
		TotalSteps:     s.total(),
		Status:         domain.OnboardingPending,
		Steps:          domain.StepsFor(s.role()),
		StepData:       s.draft.Clone(),
		CompletedSteps: []int{},
		UnsyncedSteps:  []int{},
		LastSyncError:  s.lastSyncErr,
	}
	if p := s.confirmed; p != nil {
		st.ProgressID = p.ID
		st.OrganizationID = p.OrganizationID
		st.Status = p.Status
		st.ConfirmedStep = p.CurrentStep
		st.CompletedSteps = append(st.CompletedSteps, p.CompletedSteps...)
		st.CompletedAt = p.CompletedAt
	}
	for step := range s.unsynced {
		st.UnsyncedSteps = append(st.UnsyncedSteps, step)
	}
	sort.Ints(st.UnsyncedSteps)
	return st
}

// OnboardingState is the serializable snapshot of a session.
type OnboardingState struct {
	UserID         string                  `json:"user_id"`
	ProgressID     string                  `json:"progress_id,omitempty"`
	OrganizationID string                  `json:"organization_id,omitempty"`
	Role           domain.Role             `json:"role,omitempty"`
	CurrentStep    int                     `json:"current_step"`
	ConfirmedStep  int                     `json:"confirmed_step"`
	TotalSteps     int                     `json:"total_steps"`
	Status         domain.OnboardingStatus `json:"status"`
	Steps          []domain.StepDefinition `json:"steps"`
	StepData       domain.StepData         `json:"step_data"`
	CompletedSteps []int                   `json:"completed_steps"`
	UnsyncedSteps  []int                   `json:"unsynced_steps"`
	LastSyncError  string                  `json:"last_sync_error,omitempty"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
}

// OnboardingService is the single controller of onboarding sessions.
type OnboardingService struct {
	store        port.KYBStore
	sessions     port.Cache[*Session]
	consents     *ConsentService
	verification *VerificationService
	validate     *validator.Validate
	metrics      *observability.Metrics
	logger       *zap.Logger
	loads        singleflight.Group
	now          func() time.Time
}

// NewOnboardingService creates the workflow controller. sessions keeps one
// Session per user id.
func NewOnboardingService(
	store port.KYBStore,
	sessions port.Cache[*Session],
	consents *ConsentService,
	verification *VerificationService,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *OnboardingService {
	return &OnboardingService{
		store:        store,
		sessions:     sessions,
		consents:     consents,
		verification: verification,
		validate:     newStepValidator(),
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
	}
}

// session returns the cached session of userID, loading it from the backend
// on first use. Concurrent first loads share one backend read.
func (s *OnboardingService) session(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, &domain.ErrUnauthorized{Message: "missing user"}
	}
	if sess, ok := s.sessions.Get(userID); ok {
		return sess, nil
	}

	v, err, _ := s.loads.Do(userID, func() (any, error) {
		if sess, ok := s.sessions.Get(userID); ok {
			return sess, nil
		}
		p, err := s.store.GetProgressByUser(ctx, userID)
		var nf *domain.ErrNotFound
		switch {
		case errors.As(err, &nf):
			p = nil
		case err != nil:
			return nil, err
		}
		sess := newSession(userID, p)
		s.sessions.Set(userID, sess)
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// withSession runs fn with the session of userID locked.
func (s *OnboardingService) withSession(ctx context.Context, userID string, fn func(*Session) error) (*OnboardingState, error) {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := fn(sess); err != nil {
		return nil, err
	}
	return sess.snapshot(), nil
}

// State returns the current snapshot of userID's onboarding.
func (s *OnboardingService) State(ctx context.Context, userID string) (*OnboardingState, error) {
	ctx, span := onboardingTracer.Start(ctx, "OnboardingService.State")
	defer span.End()

	return s.withSession(ctx, userID, func(*Session) error { return nil })
}

// ============================================================
// Role selection
// ============================================================

// SelectRole creates the organization and progress records with role fixed.
// Selecting the role already held is a no-op; changing it is a conflict.
func (s *OnboardingService) SelectRole(ctx context.Context, userID string, role domain.Role) (*OnboardingState, error) {
	ctx, span := onboardingTracer.Start(ctx, "OnboardingService.SelectRole")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("role", string(role)))

	state, err := s.withSession(ctx, userID, func(sess *Session) error {
		return s.selectRole(ctx, sess, role)
	})
	s.recordFailure(err)
	return state, err
}

func (s *OnboardingService) selectRole(ctx context.Context, sess *Session, role domain.Role) error {
	if !role.Valid() {
		return &domain.ErrValidation{Field: "role", Message: "role must be wholesaler or buyer"}
	}
	if sess.confirmed != nil {
		if sess.confirmed.UserRole == role {
			return nil
		}
		return &domain.ErrConflict{Message: fmt.Sprintf("role already set to %s", sess.confirmed.UserRole)}
	}

	rec, err := s.store.CreateOnboardingRecords(ctx, sess.userID, role, domain.DefaultLegalName)
	if err != nil {
		sess.lastSyncErr = err.Error()
		s.logger.Warn("role selection failed", zap.String("user_id", sess.userID), zap.Error(err))
		return fmt.Errorf("select role: %w", err)
	}

	now := s.now().UTC()
	sess.confirmed = &domain.OnboardingProgress{
		ID:             rec.OnboardingID,
		UserID:         sess.userID,
		OrganizationID: rec.OrganizationID,
		UserRole:       role,
		CurrentStep:    1,
		TotalSteps:     domain.TotalSteps(role),
		Status:         domain.OnboardingInProgress,
		StepData:       domain.StepData{},
		CompletedSteps: []int{},
		StartedAt:      &now,
		UpdatedAt:      &now,
	}
	sess.lastSyncErr = ""
	sess.draft.Merge(1, map[string]any{"role": string(role)})
	sess.unsynced[1] = true

	s.metrics.IncrRoleSelected(role)
	s.logger.Info("role selected",
		zap.String("user_id", sess.userID),
		zap.String("role", string(role)),
		zap.String("organization_id", rec.OrganizationID),
	)
	return nil
}

// ============================================================
// Step data and completion
// ============================================================

// UpdateStepData shallow-merges partial into the draft of step. Nothing is
// persisted until the step is completed.
func (s *OnboardingService) UpdateStepData(ctx context.Context, userID string, step int, partial map[string]any) (*OnboardingState, error) {
	ctx, span := onboardingTracer.Start(ctx, "OnboardingService.UpdateStepData")
	defer span.End()

	return s.withSession(ctx, userID, func(sess *Session) error {
		if err := sess.checkStep(step); err != nil {
			return err
		}
		if len(partial) == 0 {
			return nil
		}
		sess.draft.Merge(step, partial)
		sess.unsynced[step] = true
		return nil
	})
}

// CompleteStep persists the draft and, on success, advances past step. The
// last step leaves the current step where it is; completing the flow is
// CompleteOnboarding.
func (s *OnboardingService) CompleteStep(ctx context.Context, userID string, step int) (*OnboardingState, error) {
	ctx, span := onboardingTracer.Start(ctx, "OnboardingService.CompleteStep")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.Int("step", step))

	state, err := s.withSession(ctx, userID, func(sess *Session) error {
		return s.completeStep(ctx, sess, step)
	})
	s.recordFailure(err)
	return state, err
}

func (s *OnboardingService) completeStep(ctx context.Context, sess *Session, step int) error {
	if sess.confirmed == nil {
		return &domain.ErrBusinessRule{Rule: "role_required", Message: "select a role before completing steps"}
	}
	if sess.completed() {
		return &domain.ErrBusinessRule{Rule: "onboarding_completed", Message: "onboarding is already completed"}
	}
	if err := sess.checkStep(step); err != nil {
		return err
	}

	next := sess.current
	if step < sess.total() {
		next = step + 1
	}
	confirmed := sess.confirmed.Clone()
	confirmed.MarkStepCompleted(step)
	data := sess.draft.Clone()

	err := s.store.UpdateProgress(ctx, confirmed.ID, domain.ProgressUpdate{
		CurrentStep:    next,
		Status:         domain.OnboardingInProgress,
		StepData:       data,
		CompletedSteps: confirmed.CompletedSteps,
	})
	var closed *domain.ErrInvalidTransition
	if errors.As(err, &closed) {
		// Completed elsewhere, e.g. by an admin approval. Adopt the server
		// state instead of reopening it.
		confirmed := sess.confirmed.Clone()
		confirmed.Status = domain.OnboardingCompleted
		sess.confirmed = confirmed
		s.logger.Info("step completion refused on a completed onboarding",
			zap.String("user_id", sess.userID),
			zap.Int("step", step),
		)
		return &domain.ErrBusinessRule{Rule: "onboarding_completed", Message: "onboarding is already completed"}
	}
	if err != nil {
		sess.lastSyncErr = err.Error()
		s.logger.Warn("step completion not persisted",
			zap.String("user_id", sess.userID),
			zap.Int("step", step),
			zap.Error(err),
		)
		return fmt.Errorf("complete step %d: %w", step, err)
	}

	now := s.now().UTC()
	confirmed.CurrentStep = next
	confirmed.Status = domain.OnboardingInProgress
	confirmed.StepData = data
	confirmed.UpdatedAt = &now

	sess.confirmed = confirmed
	sess.current = next
	sess.unsynced = map[int]bool{}
	sess.lastSyncErr = ""

	s.metrics.IncrStepCompleted(confirmed.UserRole, step)
	s.logger.Debug("step completed", zap.String("user_id", sess.userID), zap.Int("step", step), zap.Int("next", next))
	return nil
}

// RevertDraft discards unsynced draft data and returns to the confirmed
// step.
func (s *OnboardingService) RevertDraft(ctx context.Context, userID string) (*OnboardingState, error) {
	ctx, span := onboardingTracer.Start(ctx, "OnboardingService.RevertDraft")
	defer span.End()

	return s.withSession(ctx, userID, func(sess *Session) error {
		sess.draft = domain.StepData{}
		sess.current = 1
		if sess.confirmed != nil {
			sess.draft = sess.confirmed.StepData.Clone()
			sess.current = clampStep(sess.confirmed.CurrentStep, sess.total())
		}
		sess.unsynced = map[int]bool{}
		sess.lastSyncErr = ""
		return nil
	})
}

// ============================================================
// Navigation (local only)
// ============================================================

// GoToStep jumps to n. Required steps may be skipped.
func (s *OnboardingService) GoToStep(ctx context.Context, userID string, n int) (*OnboardingState, error) {
	return s.withSession(ctx, userID, func(sess *Session) error {
		if err := sess.checkStep(n); err != nil {
			return err
		}
		sess.current = n
		return nil
	})
}

// NextStep moves forward by one, clamped to the last step.
func (s *OnboardingService) NextStep(ctx context.Context, userID string) (*OnboardingState, error) {
	return s.withSession(ctx, userID, func(sess *Session) error {
		sess.current = clampStep(sess.current+1, sess.total())
		return nil
	})
}

// PreviousStep moves back by one, clamped to the first step.
func (s *OnboardingService) PreviousStep(ctx context.Context, userID string) (*OnboardingState, error) {
	return s.withSession(ctx, userID, func(sess *Session) error {
		sess.current = clampStep(sess.current-1, sess.total())
		return nil
	})
}

// ============================================================
// Completion
// ============================================================

// CompleteOnboarding marks the progress completed, the organization's
// onboarding completed and links it as the user's primary organization.
// Missing records are reported as business-rule errors and nothing changes.
func (s *OnboardingService) CompleteOnboarding(ctx context.Context, userID string) (*OnboardingState, error) {
	ctx, span := onboardingTracer.Start(ctx, "OnboardingService.CompleteOnboarding")
	defer span.End()

	state, err := s.withSession(ctx, userID, func(sess *Session) error {
		return s.completeOnboarding(ctx, sess)
	})
	s.recordFailure(err)
	return state, err
}

func (s *OnboardingService) completeOnboarding(ctx context.Context, sess *Session) error {
	if sess.confirmed == nil || sess.confirmed.ID == "" {
		return &domain.ErrBusinessRule{Rule: "progress_missing", Message: "no onboarding progress record"}
	}
	if sess.completed() {
		return nil
	}
	orgID := sess.orgID()
	if orgID == "" {
		return &domain.ErrBusinessRule{Rule: "organization_missing", Message: "no organization linked to this onboarding"}
	}

	var nf *domain.ErrNotFound
	if _, err := s.store.GetOrganization(ctx, orgID); err != nil {
		if errors.As(err, &nf) {
			return &domain.ErrBusinessRule{Rule: "organization_missing", Message: "organization " + orgID + " does not exist"}
		}
		return err
	}

	now := s.now().UTC()
	if err := s.store.CompleteProgress(ctx, sess.confirmed.ID, now); err != nil {
		if errors.As(err, &nf) {
			return &domain.ErrBusinessRule{Rule: "progress_missing", Message: "onboarding progress " + sess.confirmed.ID + " does not exist"}
		}
		sess.lastSyncErr = err.Error()
		return fmt.Errorf("complete progress: %w", err)
	}
	if err := s.store.UpdateOrganization(ctx, orgID, domain.OrganizationPatch{
		"onboarding_status": string(domain.OnboardingCompleted),
	}); err != nil {
		sess.lastSyncErr = err.Error()
		return fmt.Errorf("complete organization onboarding: %w", err)
	}
	if err := s.store.SetPrimaryOrganization(ctx, sess.userID, orgID); err != nil {
		sess.lastSyncErr = err.Error()
		return fmt.Errorf("link primary organization: %w", err)
	}

	confirmed := sess.confirmed.Clone()
	confirmed.Status = domain.OnboardingCompleted
	confirmed.CompletedAt = &now
	sess.confirmed = confirmed
	sess.lastSyncErr = ""

	s.metrics.IncrOnboarding("completed")
	s.logger.Info("onboarding completed",
		zap.String("user_id", sess.userID),
		zap.String("organization_id", orgID),
		zap.String("role", string(confirmed.UserRole)),
	)
	return nil
}

// Organization returns the organization and role of userID's onboarding.
func (s *OnboardingService) Organization(ctx context.Context, userID string) (string, domain.Role, error) {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return "", "", err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.orgID() == "" {
		return "", "", &domain.ErrBusinessRule{Rule: "organization_required", Message: "select a role first"}
	}
	return sess.orgID(), sess.role(), nil
}

// VerificationReport returns the checklist of userID's organization.
func (s *OnboardingService) VerificationReport(ctx context.Context, userID string) (*domain.VerificationReport, error) {
	orgID, _, err := s.Organization(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.verification.Report(ctx, orgID)
}

// recordFailure counts a failed workflow operation by category.
func (s *OnboardingService) recordFailure(err error) {
	if err == nil {
		return
	}
	var (
		ve *domain.ErrValidation
		br *domain.ErrBusinessRule
		it *domain.ErrInvalidTransition
		cf *domain.ErrConflict
	)
	switch {
	case errors.As(err, &ve):
		s.metrics.IncrStepFailure("validation")
	case errors.As(err, &br), errors.As(err, &it), errors.As(err, &cf):
		s.metrics.IncrStepFailure("business_rule")
	default:
		s.metrics.IncrStepFailure("persistence")
	}
}

func clampStep(step, total int) int {
	if total < 1 {
		total = 1
	}
	if step < 1 {
		return 1
	}
	if step > total {
		return total
	}
	return step
}
