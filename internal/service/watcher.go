package service

import (
	"context"
	"sync"
	"time"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/observability"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StatusSource reads the review status of an organization.
type StatusSource interface {
	VerificationStatus(ctx context.Context, orgID string) (domain.VerificationStatus, error)
}

// VerificationUpdate is pushed to a watcher every time the status is read.
type VerificationUpdate struct {
	Status     domain.VerificationStatus `json:"status"`
	RedirectTo string                    `json:"redirect_to,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

// Terminal reports whether no further update will follow.
func (u VerificationUpdate) Terminal() bool { return u.Status.Terminal() }

// VerificationWatcher re-checks organization review statuses on a fixed
// interval with no backoff. Each subscription is one cron entry; cron's
// @every schedule does not go below one second.
type VerificationWatcher struct {
	source   StatusSource
	cron     *cron.Cron
	interval time.Duration
	metrics  *observability.Metrics
	logger   *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// NewVerificationWatcher starts the scheduler. Call Stop on shutdown.
func NewVerificationWatcher(source StatusSource, interval time.Duration, metrics *observability.Metrics, logger *zap.Logger) *VerificationWatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	c := cron.New(cron.WithLogger(cronLogger{logger.Sugar()}))
	c.Start()
	return &VerificationWatcher{
		source:   source,
		cron:     c,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Watch checks orgID immediately and then every interval. The channel is
// closed after a terminal status, when ctx is cancelled, or on Stop.
func (w *VerificationWatcher) Watch(ctx context.Context, orgID string, role domain.Role) (<-chan VerificationUpdate, error) {
	sub := &subscription{
		watcher: w,
		orgID:   orgID,
		role:    role,
		ctx:     ctx,
		out:     make(chan VerificationUpdate, 1),
	}

	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{w.logger.Sugar()})).Then(cron.FuncJob(sub.check))
	sub.mu.Lock()
	id, err := w.cron.AddJob("@every "+w.interval.String(), job)
	sub.entry = id
	sub.mu.Unlock()
	if err != nil {
		return nil, err
	}

	w.metrics.WatcherOpened()
	w.logger.Debug("verification watch started", zap.String("organization_id", orgID))

	go func() {
		select {
		case <-ctx.Done():
		case <-w.done:
		}
		sub.close()
	}()
	go job.Run()

	return sub.out, nil
}

// Stop ends every subscription and waits for running checks to return.
func (w *VerificationWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		<-w.cron.Stop().Done()
	})
}

type subscription struct {
	watcher *VerificationWatcher
	orgID   string
	role    domain.Role
	ctx     context.Context
	entry   cron.EntryID
	out     chan VerificationUpdate

	mu     sync.Mutex
	closed bool
}

func (s *subscription) check() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	update := VerificationUpdate{}
	status, err := s.watcher.source.VerificationStatus(s.ctx, s.orgID)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.watcher.logger.Warn("verification status check failed", zap.String("organization_id", s.orgID), zap.Error(err))
		update.Error = err.Error()
	} else {
		update.Status = status
		if status == domain.VerificationVerified {
			update.RedirectTo = domain.RoleDashboard(s.role)
		}
	}

	select {
	case s.out <- update:
	case <-s.ctx.Done():
		return
	case <-s.watcher.done:
		return
	}

	if update.Terminal() {
		s.closeLocked()
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.watcher.cron.Remove(s.entry)
	close(s.out)
	s.watcher.metrics.WatcherClosed()
	s.watcher.logger.Debug("verification watch stopped", zap.String("organization_id", s.orgID))
}

// cronLogger routes cron's logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
