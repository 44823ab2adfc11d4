package domain

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// Role is the business role chosen on the first onboarding step.
type Role string

const (
	RoleWholesaler Role = "wholesaler"
	RoleBuyer      Role = "buyer"
	RoleAdmin      Role = "admin"
)

// Valid reports whether r can be selected during onboarding. Admins are
// provisioned out of band.
func (r Role) Valid() bool {
	return r == RoleWholesaler || r == RoleBuyer
}

// OnboardingStatus mirrors the onboarding_status enum.
type OnboardingStatus string

const (
	OnboardingPending    OnboardingStatus = "pending"
	OnboardingInProgress OnboardingStatus = "in_progress"
	OnboardingCompleted  OnboardingStatus = "completed"
	OnboardingSuspended  OnboardingStatus = "suspended"
)

// VerificationStatus mirrors the verification_status enum.
type VerificationStatus string

const (
	VerificationPending    VerificationStatus = "pending"
	VerificationInProgress VerificationStatus = "in_progress"
	VerificationVerified   VerificationStatus = "verified"
	VerificationRejected   VerificationStatus = "rejected"
)

// Terminal reports whether the admin workflow has closed the review.
func (s VerificationStatus) Terminal() bool {
	return s == VerificationVerified || s == VerificationRejected
}

// DefaultLegalName is the placeholder used when the organization is created
// before its legal identity is known.
const DefaultLegalName = "Nouvelle Organisation"

// StepPayload is the free-form form data captured for one step.
type StepPayload map[string]any

// StepData maps a step number to its payload. Integer keys are encoded as
// JSON object keys ("1", "2", ...), matching the stored step_data blob.
type StepData map[int]StepPayload

// Merge shallow-merges partial into the payload stored for step. Keys absent
// from partial are preserved.
func (d StepData) Merge(step int, partial map[string]any) {
	current, ok := d[step]
	if !ok || current == nil {
		current = make(StepPayload, len(partial))
		d[step] = current
	}
	for k, v := range partial {
		current[k] = v
	}
}

// Clone returns a copy deep enough that merges on the copy never touch d.
func (d StepData) Clone() StepData {
	out := make(StepData, len(d))
	for step, payload := range d {
		cp := make(StepPayload, len(payload))
		for k, v := range payload {
			cp[k] = v
		}
		out[step] = cp
	}
	return out
}

// OnboardingProgress is the persisted, resumable state of one user's onboarding.
type OnboardingProgress struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	OrganizationID string           `json:"organization_id"`
	UserRole       Role             `json:"user_role"`
	CurrentStep    int              `json:"current_step"`
	TotalSteps     int              `json:"total_steps"`
	Status         OnboardingStatus `json:"status"`
	StepData       StepData         `json:"step_data"`
	CompletedSteps []int            `json:"completed_steps"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt      *time.Time       `json:"updated_at,omitempty"`
}

// Clone returns an independent copy of p.
func (p *OnboardingProgress) Clone() *OnboardingProgress {
	if p == nil {
		return nil
	}
	cp := *p
	cp.StepData = p.StepData.Clone()
	cp.CompletedSteps = append([]int(nil), p.CompletedSteps...)
	return &cp
}

// MarkStepCompleted adds step to CompletedSteps, keeping the set sorted.
func (p *OnboardingProgress) MarkStepCompleted(step int) {
	for _, s := range p.CompletedSteps {
		if s == step {
			return
		}
	}
	p.CompletedSteps = append(p.CompletedSteps, step)
	sort.Ints(p.CompletedSteps)
}

// ProgressUpdate is the write applied by a step completion.
type ProgressUpdate struct {
	CurrentStep    int
	Status         OnboardingStatus
	StepData       StepData
	CompletedSteps []int
}

// OnboardingRecords is the result of the atomic organization + progress creation.
type OnboardingRecords struct {
	OrganizationID string `json:"organization_id"`
	OnboardingID   string `json:"onboarding_id"`
}

// ParseStepData decodes a stored step_data blob. Keys that are not step
// numbers are dropped; an empty blob yields an empty map.
func ParseStepData(raw []byte) (StepData, error) {
	out := StepData{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	var loose map[string]StepPayload
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, err
	}
	for k, v := range loose {
		step, err := strconv.Atoi(k)
		if err != nil || step < 1 {
			continue
		}
		if v == nil {
			v = StepPayload{}
		}
		out[step] = v
	}
	return out, nil
}

// StepDataJSON renders step data for a JSON column.
func StepDataJSON(d StepData) ([]byte, error) {
	if d == nil {
		d = StepData{}
	}
	return json.Marshal(d)
}
