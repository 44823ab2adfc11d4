package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// OnboardingFunnel is returned by GET /v1/metrics/onboarding.
type OnboardingFunnel struct {
	RolesSelected        map[string]int64 `json:"rolesSelected"`
	StepsCompleted       map[string]int64 `json:"stepsCompleted"`
	StepFailures         int64            `json:"stepFailures"`
	OnboardingsCompleted int64            `json:"onboardingsCompleted"`
	SubmittedForReview   int64            `json:"submittedForReview"`
	Approved             int64            `json:"approved"`
	Rejected             int64            `json:"rejected"`
	ConsentsRecorded     int64            `json:"consentsRecorded"`
	IdempotentReplays    int64            `json:"idempotentReplays"`
	AdminCacheHitRate    float64          `json:"adminCacheHitRate"`
	Period               string           `json:"period"`
}
