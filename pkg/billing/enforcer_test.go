package billing_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

func seed(t *testing.T, store billing.Store, sub *billing.Subscription) {
	t.Helper()
	err := store.Atomic(context.Background(), func(ctx context.Context, tx billing.Tx) error {
		return tx.InsertSubscription(ctx, sub)
	})
	require.NoError(t, err)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func newTestEnforcer(store billing.Store, clock *testClock) *billing.Enforcer {
	return billing.NewEnforcer(store,
		billing.WithLogger(slog.New(slog.DiscardHandler)),
		billing.WithClock(clock.Now),
	)
}

func TestEnforcer_Coverage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     billing.Status
		tier       billing.Tier
		mutate     func(*billing.Subscription)
		at         time.Time
		wantGrant  bool
		wantReason billing.DenyReason
	}{
		{
			name:      "active",
			status:    billing.StatusActive,
			tier:      billing.TierStandard,
			at:        t0.Add(24 * time.Hour),
			wantGrant: true,
		},
		{
			name:      "trial before end",
			status:    billing.StatusTrialing,
			tier:      billing.TierTrial,
			at:        t0.Add(13 * 24 * time.Hour),
			wantGrant: true,
		},
		{
			name:       "trial after end",
			status:     billing.StatusTrialing,
			tier:       billing.TierTrial,
			at:         t0.Add(15 * 24 * time.Hour),
			wantReason: billing.DenyGracePeriodExpired,
		},
		{
			name:      "past due within grace",
			status:    billing.StatusPastDue,
			tier:      billing.TierStandard,
			at:        t0.Add(71 * time.Hour),
			wantGrant: true,
		},
		{
			name:       "past due after grace",
			status:     billing.StatusPastDue,
			tier:       billing.TierStandard,
			at:         t0.Add(73 * time.Hour),
			wantReason: billing.DenyGracePeriodExpired,
		},
		{
			name:   "cancelling before effective date",
			status: billing.StatusCancelling,
			tier:   billing.TierStandard,
			mutate: func(s *billing.Subscription) {
				at := t0.Add(48 * time.Hour)
				s.CancelAt = &at
			},
			at:        t0.Add(47 * time.Hour),
			wantGrant: true,
		},
		{
			name:   "cancelling after effective date",
			status: billing.StatusCancelling,
			tier:   billing.TierStandard,
			mutate: func(s *billing.Subscription) {
				at := t0.Add(48 * time.Hour)
				s.CancelAt = &at
			},
			at:         t0.Add(49 * time.Hour),
			wantReason: billing.DenyGracePeriodExpired,
		},
		{
			name:       "cancelled",
			status:     billing.StatusCancelled,
			tier:       billing.TierStandard,
			at:         t0,
			wantReason: billing.DenyNoActiveSubscription,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := billing.NewMemoryStore()
			sub := &billing.Subscription{
				TenantID:        uuid.New(),
				Tier:            tt.tier,
				Status:          tt.status,
				PeriodEnd:       t0.Add(14 * 24 * time.Hour),
				StatusChangedAt: t0,
				Version:         1,
			}
			if tt.mutate != nil {
				tt.mutate(sub)
			}
			seed(t, store, sub)

			e := newTestEnforcer(store, &testClock{now: tt.at})
			dec, err := e.TryConsume(context.Background(), sub.TenantID, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.wantGrant, dec.Granted)
			assert.Equal(t, tt.wantReason, dec.Reason)
			if tt.wantGrant {
				assert.Equal(t, int64(1), dec.Consumed)
			}
		})
	}
}

func TestEnforcer_NoSubscription(t *testing.T) {
	t.Parallel()

	e := newTestEnforcer(billing.NewMemoryStore(), &testClock{now: t0})
	dec, err := e.TryConsume(context.Background(), uuid.New(), 1)
	require.NoError(t, err)
	assert.False(t, dec.Granted)
	assert.Equal(t, billing.DenyNoActiveSubscription, dec.Reason)
}

func TestEnforcer_InvalidInput(t *testing.T) {
	t.Parallel()

	e := newTestEnforcer(billing.NewMemoryStore(), &testClock{now: t0})

	_, err := e.TryConsume(context.Background(), uuid.Nil, 1)
	assert.ErrorIs(t, err, billing.ErrInvalidTenantID)

	for _, amount := range []int64{0, -5} {
		_, err := e.TryConsume(context.Background(), uuid.New(), amount)
		assert.ErrorIs(t, err, billing.ErrInvalidAmount)
		assert.False(t, billing.IsRetryable(err))
	}

	_, err = e.Usage(context.Background(), uuid.Nil)
	assert.ErrorIs(t, err, billing.ErrInvalidTenantID)
}

func TestEnforcer_QuotaAndPeriods(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	tid := uuid.New()
	seed(t, store, &billing.Subscription{
		TenantID:  tid,
		Tier:      billing.TierStandard,
		Status:    billing.StatusActive,
		PeriodEnd: t0,
		Version:   1,
	})

	clock := &testClock{now: t0.Add(24 * time.Hour)}
	e := newTestEnforcer(store, clock)
	ctx := context.Background()

	usage, err := e.Usage(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Consumed)
	assert.Equal(t, int64(100), usage.Limit)

	dec, err := e.TryConsume(ctx, tid, 60)
	require.NoError(t, err)
	assert.True(t, dec.Granted)
	firstPeriod := dec.PeriodKey
	assert.Equal(t, billing.PeriodKey(t0.AddDate(0, 1, 0)), firstPeriod)

	dec, err = e.TryConsume(ctx, tid, 41)
	require.NoError(t, err)
	assert.False(t, dec.Granted, "60+41 exceeds the limit")
	assert.Equal(t, billing.DenyQuotaExceeded, dec.Reason)
	assert.Equal(t, int64(60), dec.Consumed, "a refusal consumes nothing")

	dec, err = e.TryConsume(ctx, tid, 40)
	require.NoError(t, err)
	assert.True(t, dec.Granted)
	assert.Equal(t, int64(100), dec.Consumed)

	usage, err = e.Usage(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(100), usage.Consumed)
	assert.Equal(t, int64(0), usage.Remaining())

	// next billing period starts from zero
	clock.Set(t0.AddDate(0, 1, 1))
	dec, err = e.TryConsume(ctx, tid, 1)
	require.NoError(t, err)
	assert.True(t, dec.Granted)
	assert.Equal(t, int64(1), dec.Consumed)
	assert.NotEqual(t, firstPeriod, dec.PeriodKey)

	old, err := store.GetUsage(ctx, tid, firstPeriod)
	require.NoError(t, err)
	assert.Equal(t, int64(100), old.Consumed)
}

func TestEnforcer_Unlimited(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	tid := uuid.New()
	seed(t, store, &billing.Subscription{
		TenantID:  tid,
		Tier:      billing.TierPremium,
		Status:    billing.StatusActive,
		PeriodEnd: t0,
		Version:   1,
	})

	e := newTestEnforcer(store, &testClock{now: t0.Add(time.Hour)})
	for range 3 {
		dec, err := e.TryConsume(context.Background(), tid, 1_000_000)
		require.NoError(t, err)
		assert.True(t, dec.Granted)
		assert.Equal(t, billing.Unlimited, dec.Limit)
	}
}

func TestEnforcer_CustomPolicy(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	tid := uuid.New()
	seed(t, store, &billing.Subscription{
		TenantID:  tid,
		Tier:      billing.TierTrial,
		Status:    billing.StatusTrialing,
		PeriodEnd: t0.Add(7 * 24 * time.Hour),
		Version:   1,
	})

	policy := billing.DefaultQuotaPolicy()
	policy.Limits[billing.TierTrial] = 1

	e := billing.NewEnforcer(store,
		billing.WithLogger(slog.New(slog.DiscardHandler)),
		billing.WithClock(func() time.Time { return t0 }),
		billing.WithQuotaPolicy(policy),
	)

	dec, err := e.TryConsume(context.Background(), tid, 1)
	require.NoError(t, err)
	assert.True(t, dec.Granted)

	dec, err = e.TryConsume(context.Background(), tid, 1)
	require.NoError(t, err)
	assert.Equal(t, billing.DenyQuotaExceeded, dec.Reason)
}

func TestEnforcer_UsageWithoutSubscription(t *testing.T) {
	t.Parallel()

	e := newTestEnforcer(billing.NewMemoryStore(), &testClock{now: t0})
	_, err := e.Usage(context.Background(), uuid.New())
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}
