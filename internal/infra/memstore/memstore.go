// Package memstore is an in-process implementation of the KYB ports, used
// for local runs (BACKEND=memory) and as the backend of service and handler
// tests. It mirrors the Supabase semantics: atomic record creation,
// delete-then-insert owners, append-only consents.
package memstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
)

// Store holds every table in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	progress  map[string]*domain.OnboardingProgress // by id
	orgs      map[string]*domain.Organization
	owners    map[string][]domain.BeneficialOwner // by org id
	consents  []domain.Consent
	documents []domain.DocumentUpload
	profiles  map[string]string // user id -> primary organization id
	admins    map[string]bool
	objects   map[string][]byte

	failures map[string]error
	calls    map[string]int
	now      func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		progress: map[string]*domain.OnboardingProgress{},
		orgs:     map[string]*domain.Organization{},
		owners:   map[string][]domain.BeneficialOwner{},
		profiles: map[string]string{},
		admins:   map[string]bool{},
		objects:  map[string][]byte{},
		failures: map[string]error{},
		calls:    map[string]int{},
		now:      time.Now,
	}
}

// AddAdmin marks userID as an administrator.
func (s *Store) AddAdmin(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins[userID] = true
}

// FailOn makes every call to op return err until cleared with a nil err.
// op is the method name, e.g. "UpdateProgress".
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// PrimaryOrganization returns the organization linked to userID's profile.
func (s *Store) PrimaryOrganization(userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[userID]
}

// RemoveOrganization deletes an organization row, leaving any progress that
// points at it dangling.
func (s *Store) RemoveOrganization(orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orgs, orgID)
}

// Consents returns a copy of every stored consent.
func (s *Store) Consents() []domain.Consent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Consent(nil), s.consents...)
}

// Object returns the bytes stored at path.
func (s *Store) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objects[path]
	return b, ok
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// enter records the call and returns the injected failure, if any. Callers
// hold s.mu.
func (s *Store) enter(op string) error {
	s.calls[op]++
	if err, ok := s.failures[op]; ok {
		return &domain.ErrExternalService{Service: "memstore/" + op, Err: err}
	}
	return nil
}

// ============================================================
// onboarding_progress
// ============================================================

func (s *Store) CreateOnboardingRecords(_ context.Context, userID string, role domain.Role, legalName string) (*domain.OnboardingRecords, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateOnboardingRecords"); err != nil {
		return nil, err
	}

	now := s.now()
	orgID := uuid.NewString()
	s.orgs[orgID] = &domain.Organization{
		ID:               orgID,
		LegalName:        legalName,
		OrganizationType: role,
		OnboardingStatus: domain.OnboardingInProgress,
		Status:           domain.VerificationPending,
		CreatedAt:        &now,
	}
	progressID := uuid.NewString()
	s.progress[progressID] = &domain.OnboardingProgress{
		ID:             progressID,
		UserID:         userID,
		OrganizationID: orgID,
		UserRole:       role,
		CurrentStep:    1,
		TotalSteps:     domain.TotalSteps(role),
		Status:         domain.OnboardingInProgress,
		StepData:       domain.StepData{},
		StartedAt:      &now,
		UpdatedAt:      &now,
	}
	return &domain.OnboardingRecords{OrganizationID: orgID, OnboardingID: progressID}, nil
}

func (s *Store) GetProgressByUser(_ context.Context, userID string) (*domain.OnboardingProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetProgressByUser"); err != nil {
		return nil, err
	}

	var latest *domain.OnboardingProgress
	for _, p := range s.progress {
		if p.UserID != userID {
			continue
		}
		if latest == nil || (p.StartedAt != nil && latest.StartedAt != nil && p.StartedAt.After(*latest.StartedAt)) {
			latest = p
		}
	}
	if latest == nil {
		return nil, &domain.ErrNotFound{Resource: "onboarding_progress", ID: userID}
	}
	return latest.Clone(), nil
}

func (s *Store) UpdateProgress(_ context.Context, progressID string, upd domain.ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpdateProgress"); err != nil {
		return err
	}

	p, ok := s.progress[progressID]
	if !ok {
		return &domain.ErrNotFound{Resource: "onboarding_progress", ID: progressID}
	}
	if p.Status == domain.OnboardingCompleted {
		return &domain.ErrInvalidTransition{Entity: "onboarding_progress", From: string(p.Status), To: string(upd.Status)}
	}
	now := s.now()
	p.CurrentStep = upd.CurrentStep
	p.Status = upd.Status
	p.StepData = upd.StepData.Clone()
	p.CompletedSteps = append([]int(nil), upd.CompletedSteps...)
	p.UpdatedAt = &now
	return nil
}

func (s *Store) CompleteProgress(_ context.Context, progressID string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CompleteProgress"); err != nil {
		return err
	}

	p, ok := s.progress[progressID]
	if !ok {
		return &domain.ErrNotFound{Resource: "onboarding_progress", ID: progressID}
	}
	at := completedAt
	p.Status = domain.OnboardingCompleted
	p.CompletedAt = &at
	return nil
}

func (s *Store) CompleteProgressByOrganization(_ context.Context, orgID string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CompleteProgressByOrganization"); err != nil {
		return err
	}

	for _, p := range s.progress {
		if p.OrganizationID != orgID {
			continue
		}
		p.Status = domain.OnboardingCompleted
		if p.CompletedAt == nil {
			at := completedAt
			p.CompletedAt = &at
		}
	}
	return nil
}

func (s *Store) SetPrimaryOrganization(_ context.Context, userID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SetPrimaryOrganization"); err != nil {
		return err
	}
	s.profiles[userID] = orgID
	return nil
}

func (s *Store) IsAdmin(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("IsAdmin"); err != nil {
		return false, err
	}
	return s.admins[userID], nil
}

// ============================================================
// organizations
// ============================================================

func (s *Store) GetOrganization(_ context.Context, orgID string) (*domain.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetOrganization"); err != nil {
		return nil, err
	}

	org, ok := s.orgs[orgID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "organization", ID: orgID}
	}
	cp := *org
	return &cp, nil
}

func (s *Store) UpdateOrganization(_ context.Context, orgID string, patch domain.OrganizationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpdateOrganization"); err != nil {
		return err
	}

	org, ok := s.orgs[orgID]
	if !ok {
		return &domain.ErrNotFound{Resource: "organization", ID: orgID}
	}
	if err := applyPatch(org, patch); err != nil {
		return err
	}
	now := s.now()
	org.UpdatedAt = &now
	return nil
}

func (s *Store) ListOrganizations(_ context.Context, filter domain.OrganizationFilter) ([]domain.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListOrganizations"); err != nil {
		return nil, err
	}

	out := []domain.Organization{}
	for _, org := range s.orgs {
		if filter.Status != "" && org.Status != filter.Status {
			continue
		}
		out = append(out, *org)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].CreatedAt, out[j].CreatedAt
		if a == nil || b == nil || a.Equal(*b) {
			return out[i].ID < out[j].ID
		}
		return a.After(*b)
	})
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * filter.PageSize
		if start >= len(out) {
			return []domain.Organization{}, nil
		}
		end := start + filter.PageSize
		if end > len(out) {
			end = len(out)
		}
		out = out[start:end]
	}
	return out, nil
}

// ============================================================
// beneficial_owners, consents, documents, storage
// ============================================================

func (s *Store) ReplaceOwners(_ context.Context, orgID string, owners []domain.BeneficialOwner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ReplaceOwners"); err != nil {
		return err
	}

	now := s.now()
	stored := make([]domain.BeneficialOwner, 0, len(owners))
	for _, o := range owners {
		o.ID = uuid.NewString()
		o.OrganizationID = orgID
		o.CreatedAt = &now
		stored = append(stored, o)
	}
	s.owners[orgID] = stored
	return nil
}

func (s *Store) ListOwners(_ context.Context, orgID string) ([]domain.BeneficialOwner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListOwners"); err != nil {
		return nil, err
	}
	return append([]domain.BeneficialOwner{}, s.owners[orgID]...), nil
}

func (s *Store) CountOwners(_ context.Context, orgID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CountOwners"); err != nil {
		return 0, err
	}
	return len(s.owners[orgID]), nil
}

func (s *Store) InsertConsents(_ context.Context, consents []domain.Consent) ([]domain.Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("InsertConsents"); err != nil {
		return nil, err
	}

	out := make([]domain.Consent, 0, len(consents))
	for _, c := range consents {
		c.ID = uuid.NewString()
		s.consents = append(s.consents, c)
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) CountSignedConsents(_ context.Context, orgID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CountSignedConsents"); err != nil {
		return 0, err
	}
	n := 0
	for _, c := range s.consents {
		if c.OrganizationID == orgID && c.IsSigned {
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertDocument(_ context.Context, doc *domain.DocumentUpload) (*domain.DocumentUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("InsertDocument"); err != nil {
		return nil, err
	}

	now := s.now()
	cp := *doc
	cp.ID = uuid.NewString()
	cp.IsVerified = false
	cp.CreatedAt = &now
	s.documents = append(s.documents, cp)
	return &cp, nil
}

func (s *Store) ListDocuments(_ context.Context, orgID string) ([]domain.DocumentUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListDocuments"); err != nil {
		return nil, err
	}
	out := []domain.DocumentUpload{}
	for i := len(s.documents) - 1; i >= 0; i-- {
		if s.documents[i].OrganizationID == orgID {
			out = append(out, s.documents[i])
		}
	}
	return out, nil
}

// Upload keeps the object bytes in memory.
func (s *Store) Upload(_ context.Context, path, _ string, _ int64, body io.Reader) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Upload"); err != nil {
		return err
	}
	s.objects[path] = buf.Bytes()
	return nil
}
