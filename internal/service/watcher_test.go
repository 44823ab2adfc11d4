package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/observability"
	"github.com/souktech/kyb-onboarding-bfa/internal/service"
)

type fakeStatusSource struct {
	mu       sync.Mutex
	statuses []domain.VerificationStatus
	err      error
	calls    int
}

func (f *fakeStatusSource) VerificationStatus(context.Context, string) (domain.VerificationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	s := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return s, nil
}

func newWatcher(t *testing.T, src service.StatusSource) *service.VerificationWatcher {
	t.Helper()
	w := service.NewVerificationWatcher(src, time.Second, observability.NewMetrics(), zap.NewNop())
	t.Cleanup(w.Stop)
	return w
}

func receive(t *testing.T, ch <-chan service.VerificationUpdate) (service.VerificationUpdate, bool) {
	t.Helper()
	select {
	case u, ok := <-ch:
		return u, ok
	case <-time.After(5 * time.Second):
		t.Fatal("no verification update received")
		return service.VerificationUpdate{}, false
	}
}

func TestWatcher_VerifiedRedirectsAndCloses(t *testing.T) {
	w := newWatcher(t, &fakeStatusSource{statuses: []domain.VerificationStatus{domain.VerificationVerified}})

	ch, err := w.Watch(context.Background(), "org-1", domain.RoleBuyer)
	require.NoError(t, err)

	u, ok := receive(t, ch)
	require.True(t, ok)
	assert.Equal(t, domain.VerificationVerified, u.Status)
	assert.Equal(t, "/dashboard/buyer", u.RedirectTo)

	_, ok = receive(t, ch)
	assert.False(t, ok, "channel closes after a terminal status")
}

func TestWatcher_PollsUntilTerminal(t *testing.T) {
	src := &fakeStatusSource{statuses: []domain.VerificationStatus{
		domain.VerificationPending,
		domain.VerificationInProgress,
		domain.VerificationRejected,
	}}
	w := newWatcher(t, src)

	ch, err := w.Watch(context.Background(), "org-1", domain.RoleWholesaler)
	require.NoError(t, err)

	var seen []domain.VerificationStatus
	for u := range ch {
		seen = append(seen, u.Status)
		assert.Empty(t, u.RedirectTo)
	}
	assert.Equal(t, []domain.VerificationStatus{
		domain.VerificationPending,
		domain.VerificationInProgress,
		domain.VerificationRejected,
	}, seen)
}

func TestWatcher_ErrorsAreReportedAndPollingContinues(t *testing.T) {
	w := newWatcher(t, &fakeStatusSource{err: errors.New("connection reset")})
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := w.Watch(ctx, "org-1", domain.RoleWholesaler)
	require.NoError(t, err)

	u, ok := receive(t, ch)
	require.True(t, ok)
	assert.Equal(t, "connection reset", u.Error)
	assert.False(t, u.Terminal())

	cancel()
	for {
		if _, ok := receive(t, ch); !ok {
			break
		}
	}
}

func TestWatcher_StopClosesSubscriptions(t *testing.T) {
	w := service.NewVerificationWatcher(
		&fakeStatusSource{statuses: []domain.VerificationStatus{domain.VerificationPending}},
		time.Second, observability.NewMetrics(), zap.NewNop(),
	)
	ch, err := w.Watch(context.Background(), "org-1", domain.RoleBuyer)
	require.NoError(t, err)
	_, ok := receive(t, ch)
	require.True(t, ok)

	w.Stop()
	for {
		if _, ok := receive(t, ch); !ok {
			break
		}
	}
}
