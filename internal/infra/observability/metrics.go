package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
)

// Metrics holds all Prometheus metrics for the BFA.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	externalErrors  *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec

	rolesSelected  *prometheus.CounterVec
	stepsCompleted *prometheus.CounterVec
	stepFailures   *prometheus.CounterVec
	onboardings    *prometheus.CounterVec
	reviews        *prometheus.CounterVec
	consents       *prometheus.CounterVec
	replays        prometheus.Counter
	activeWatchers prometheus.Gauge
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kyb_operation_duration_seconds",
				Help:    "Duration of service operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kyb_external_errors_total",
				Help: "Total errors from backend calls.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kyb_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kyb_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		rolesSelected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kyb_roles_selected_total",
				Help: "Onboardings started, by role.",
			},
			[]string{"role"},
		),
		stepsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kyb_steps_completed_total",
				Help: "Onboarding steps persisted, by role and step.",
			},
			[]string{"role", "step"},
		),
		stepFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kyb_step_failures_total",
				Help: "Step submissions that did not complete, by reason.",
			},
			[]string{"reason"},
		),
		onboardings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kyb_onboardings_total",
				Help: "Onboarding terminal transitions (completed, submitted).",
			},
			[]string{"outcome"},
		),
		reviews: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kyb_review_decisions_total",
				Help: "Admin review decisions.",
			},
			[]string{"decision"},
		),
		consents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kyb_consents_recorded_total",
				Help: "Consent records inserted, by type.",
			},
			[]string{"type"},
		),
		replays: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kyb_idempotent_replays_total",
				Help: "Submissions skipped because their idempotency key was already recorded.",
			},
		),
		activeWatchers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kyb_verification_watchers",
				Help: "Open verification status watchers.",
			},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

func (m *Metrics) IncrRoleSelected(role domain.Role) {
	m.rolesSelected.WithLabelValues(string(role)).Inc()
}

func (m *Metrics) IncrStepCompleted(role domain.Role, step int) {
	m.stepsCompleted.WithLabelValues(string(role), strconv.Itoa(step)).Inc()
}

// IncrStepFailure counts a step that was not completed. reason is one of
// validation, persistence, business_rule.
func (m *Metrics) IncrStepFailure(reason string) {
	m.stepFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrOnboarding(outcome string) {
	m.onboardings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrReviewDecision(decision string) {
	m.reviews.WithLabelValues(decision).Inc()
}

func (m *Metrics) IncrConsent(t domain.ConsentType) {
	m.consents.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) IncrIdempotentReplay() {
	m.replays.Inc()
}

func (m *Metrics) WatcherOpened() { m.activeWatchers.Inc() }
func (m *Metrics) WatcherClosed() { m.activeWatchers.Dec() }

// GetOnboardingSnapshot returns the funnel counters for the
// GET /v1/metrics/onboarding endpoint.
func (m *Metrics) GetOnboardingSnapshot() *domain.OnboardingFunnel {
	roles := map[string]int64{}
	for _, r := range []domain.Role{domain.RoleWholesaler, domain.RoleBuyer} {
		roles[string(r)] = int64(getCounterValue(m.rolesSelected, string(r)))
	}

	steps := map[string]int64{}
	for _, r := range []domain.Role{domain.RoleWholesaler, domain.RoleBuyer} {
		for i := 1; i <= domain.TotalSteps(r); i++ {
			steps[string(r)+"/"+strconv.Itoa(i)] = int64(getCounterValue(m.stepsCompleted, string(r), strconv.Itoa(i)))
		}
	}

	failures := getCounterValue(m.stepFailures, "validation") +
		getCounterValue(m.stepFailures, "persistence") +
		getCounterValue(m.stepFailures, "business_rule")

	hits := getCounterValue(m.cacheHits, "is_admin")
	misses := getCounterValue(m.cacheMisses, "is_admin")
	hitRate := float64(0)
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	return &domain.OnboardingFunnel{
		RolesSelected:        roles,
		StepsCompleted:       steps,
		StepFailures:         int64(failures),
		OnboardingsCompleted: int64(getCounterValue(m.onboardings, "completed")),
		SubmittedForReview:   int64(getCounterValue(m.onboardings, "submitted")),
		Approved:             int64(getCounterValue(m.reviews, "approved")),
		Rejected:             int64(getCounterValue(m.reviews, "rejected")),
		ConsentsRecorded:     int64(sumCounterVec(m.consents)),
		IdempotentReplays:    int64(readCounter(m.replays)),
		AdminCacheHitRate:    hitRate,
		Period:               "all_time",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for the given labels.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	return readCounter(cv.WithLabelValues(labels...))
}

func readCounter(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

// sumCounterVec adds every child of cv by collecting it.
func sumCounterVec(cv *prometheus.CounterVec) float64 {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()
	total := 0.0
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err == nil && m.Counter != nil {
			total += m.Counter.GetValue()
		}
	}
	return total
}
