package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

var (
	t0     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tenant = uuid.MustParse("0b9c4b9e-4a7f-4d55-9f0e-6a1b1c7d2e01")
)

func header(id string, at time.Time) billing.EventHeader {
	return billing.EventHeader{ID: id, Provider: "test", Type: "test", TenantID: tenant, OccurredAt: at}
}

func subscriptionIn(status billing.Status, tier billing.Tier) *billing.Subscription {
	return &billing.Subscription{
		TenantID:        tenant,
		Tier:            tier,
		Status:          status,
		PeriodEnd:       t0.AddDate(0, 1, 0),
		StatusChangedAt: t0,
		LastEventAt:     t0,
		LastEventID:     "evt_m",
		Version:         3,
		CreatedAt:       t0,
	}
}

func TestLifecycle_Transitions(t *testing.T) {
	t.Parallel()

	lc := billing.NewLifecycle(billing.DefaultQuotaPolicy())
	later := t0.Add(time.Hour)
	h := header("evt_z", later)

	tests := []struct {
		name   string
		from   *billing.Subscription
		event  billing.Event
		to     billing.Status
		reason billing.IgnoreReason
	}{
		{"trial starts", nil, billing.TrialStarted{EventHeader: h, PeriodEnd: later.Add(time.Hour)}, billing.StatusTrialing, ""},
		{"payment without subscription", nil, billing.PaymentSucceeded{EventHeader: h}, "", billing.ReasonNoSubscription},
		{"trial paid", subscriptionIn(billing.StatusTrialing, billing.TierTrial), billing.PaymentSucceeded{EventHeader: h}, billing.StatusActive, ""},
		{"trial ended", subscriptionIn(billing.StatusTrialing, billing.TierTrial), billing.SubscriptionEnded{EventHeader: h}, billing.StatusCancelled, ""},
		{"trial restarted", subscriptionIn(billing.StatusTrialing, billing.TierTrial), billing.TrialStarted{EventHeader: h, PeriodEnd: later.Add(time.Hour)}, billing.StatusTrialing, billing.ReasonNoTransition},
		{"trial payment failed", subscriptionIn(billing.StatusTrialing, billing.TierTrial), billing.PaymentFailed{EventHeader: h}, billing.StatusTrialing, billing.ReasonNoTransition},
		{"renewal", subscriptionIn(billing.StatusActive, billing.TierStandard), billing.PaymentSucceeded{EventHeader: h}, billing.StatusActive, ""},
		{"payment failed", subscriptionIn(billing.StatusActive, billing.TierStandard), billing.PaymentFailed{EventHeader: h}, billing.StatusPastDue, ""},
		{"cancellation requested", subscriptionIn(billing.StatusActive, billing.TierStandard), billing.CancellationRequested{EventHeader: h}, billing.StatusCancelling, ""},
		{"plan changed", subscriptionIn(billing.StatusActive, billing.TierStandard), billing.PlanChanged{EventHeader: h, NewTier: billing.TierPremium}, billing.StatusActive, ""},
		{"plan changed without tier", subscriptionIn(billing.StatusActive, billing.TierStandard), billing.PlanChanged{EventHeader: h}, billing.StatusActive, billing.ReasonNoTransition},
		{"active ended directly", subscriptionIn(billing.StatusActive, billing.TierStandard), billing.SubscriptionEnded{EventHeader: h}, billing.StatusActive, billing.ReasonNoTransition},
		{"past due recovered", subscriptionIn(billing.StatusPastDue, billing.TierStandard), billing.PaymentSucceeded{EventHeader: h}, billing.StatusActive, ""},
		{"past due ended", subscriptionIn(billing.StatusPastDue, billing.TierStandard), billing.SubscriptionEnded{EventHeader: h}, billing.StatusCancelled, ""},
		{"past due fails again", subscriptionIn(billing.StatusPastDue, billing.TierStandard), billing.PaymentFailed{EventHeader: h}, billing.StatusPastDue, billing.ReasonNoTransition},
		{"cancelling ended", subscriptionIn(billing.StatusCancelling, billing.TierStandard), billing.SubscriptionEnded{EventHeader: h}, billing.StatusCancelled, ""},
		{"cancelling paid", subscriptionIn(billing.StatusCancelling, billing.TierStandard), billing.PaymentSucceeded{EventHeader: h}, billing.StatusCancelling, billing.ReasonNoTransition},
		{"cancelled is terminal", subscriptionIn(billing.StatusCancelled, billing.TierStandard), billing.PaymentSucceeded{EventHeader: h}, billing.StatusCancelled, billing.ReasonTerminal},
		{"stale", subscriptionIn(billing.StatusActive, billing.TierStandard), billing.PaymentFailed{EventHeader: header("evt_z", t0.Add(-time.Second))}, billing.StatusActive, billing.ReasonStale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var before *billing.Subscription
			if tt.from != nil {
				before = tt.from.Clone()
			}

			ev, err := lc.Evaluate(context.Background(), tt.from, tt.event, later)
			require.NoError(t, err)
			assert.Equal(t, tt.to, ev.To)
			assert.Equal(t, tt.reason, ev.Reason)
			assert.Equal(t, tt.reason == "", ev.Applied())
			assert.Equal(t, before, tt.from, "current subscription must not be mutated")

			if !ev.Applied() {
				assert.Nil(t, ev.Next)
				return
			}
			assert.Equal(t, tt.to, ev.Next.Status)
			assert.Equal(t, "evt_z", ev.Next.LastEventID)
			assert.True(t, later.Equal(ev.Next.LastEventAt))
			if tt.from == nil {
				assert.Equal(t, int64(1), ev.Next.Version)
			} else {
				assert.Equal(t, tt.from.Version+1, ev.Next.Version)
			}
		})
	}
}

func TestLifecycle_Ordering(t *testing.T) {
	t.Parallel()

	lc := billing.NewLifecycle(billing.DefaultQuotaPolicy())
	sub := subscriptionIn(billing.StatusActive, billing.TierStandard)

	tests := []struct {
		name  string
		id    string
		at    time.Time
		stale bool
	}{
		{"older", "evt_z", t0.Add(-time.Nanosecond), true},
		{"same time lower id", "evt_a", t0, true},
		{"same time same id", "evt_m", t0, true},
		{"same time higher id", "evt_n", t0, false},
		{"newer", "evt_a", t0.Add(time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := header(tt.id, tt.at)
			assert.Equal(t, tt.stale, billing.IsStale(sub, h))

			ev, err := lc.Evaluate(context.Background(), sub, billing.PaymentFailed{EventHeader: h}, t0)
			require.NoError(t, err)
			assert.Equal(t, !tt.stale, ev.Applied())
		})
	}
}

func TestLifecycle_Effects(t *testing.T) {
	t.Parallel()

	policy := billing.DefaultQuotaPolicy()
	policy.DefaultPaidTier = billing.TierPremium
	lc := billing.NewLifecycle(policy)
	ctx := context.Background()
	at := t0.Add(time.Hour)
	h := header("evt_z", at)

	t.Run("trial sets tier and period", func(t *testing.T) {
		t.Parallel()
		end := at.Add(14 * 24 * time.Hour)
		ev, err := lc.Evaluate(ctx, nil, billing.TrialStarted{EventHeader: h, PeriodEnd: end}, at)
		require.NoError(t, err)
		assert.Equal(t, billing.TierTrial, ev.Next.Tier)
		assert.Equal(t, tenant, ev.Next.TenantID)
		assert.True(t, end.Equal(ev.Next.PeriodEnd))
		assert.True(t, at.Equal(ev.Next.StatusChangedAt))
		assert.True(t, at.Equal(ev.Next.CreatedAt))
	})

	t.Run("trial with tier", func(t *testing.T) {
		t.Parallel()
		ev, err := lc.Evaluate(ctx, nil, billing.TrialStarted{EventHeader: h, PeriodEnd: at.Add(time.Hour), Tier: billing.TierStandard}, at)
		require.NoError(t, err)
		assert.Equal(t, billing.TierStandard, ev.Next.Tier)
	})

	t.Run("first payment promotes trial tier", func(t *testing.T) {
		t.Parallel()
		ev, err := lc.Evaluate(ctx, subscriptionIn(billing.StatusTrialing, billing.TierTrial), billing.PaymentSucceeded{EventHeader: h}, at)
		require.NoError(t, err)
		assert.Equal(t, billing.TierPremium, ev.Next.Tier)
		assert.True(t, at.AddDate(0, 1, 0).Equal(ev.Next.PeriodEnd), "paid period starts at the payment")
	})

	t.Run("payment tier wins", func(t *testing.T) {
		t.Parallel()
		ev, err := lc.Evaluate(ctx, subscriptionIn(billing.StatusTrialing, billing.TierTrial),
			billing.PaymentSucceeded{EventHeader: h, Tier: billing.TierStandard}, at)
		require.NoError(t, err)
		assert.Equal(t, billing.TierStandard, ev.Next.Tier)
	})

	t.Run("renewal advances period", func(t *testing.T) {
		t.Parallel()
		sub := subscriptionIn(billing.StatusActive, billing.TierStandard)
		ev, err := lc.Evaluate(ctx, sub, billing.PaymentSucceeded{EventHeader: h}, at)
		require.NoError(t, err)
		assert.True(t, sub.PeriodEnd.AddDate(0, 1, 0).Equal(ev.Next.PeriodEnd))
		assert.True(t, sub.StatusChangedAt.Equal(ev.Next.StatusChangedAt), "status did not change")
	})

	t.Run("renewal with explicit period", func(t *testing.T) {
		t.Parallel()
		end := at.AddDate(0, 2, 0)
		ev, err := lc.Evaluate(ctx, subscriptionIn(billing.StatusActive, billing.TierStandard),
			billing.PaymentSucceeded{EventHeader: h, PeriodEnd: end}, at)
		require.NoError(t, err)
		assert.True(t, end.Equal(ev.Next.PeriodEnd))
	})

	t.Run("cancellation date", func(t *testing.T) {
		t.Parallel()
		effective := at.Add(72 * time.Hour)
		ev, err := lc.Evaluate(ctx, subscriptionIn(billing.StatusActive, billing.TierStandard),
			billing.CancellationRequested{EventHeader: h, EffectiveAt: effective}, at)
		require.NoError(t, err)
		require.NotNil(t, ev.Next.CancelAt)
		assert.True(t, effective.Equal(*ev.Next.CancelAt))
	})

	t.Run("plan change", func(t *testing.T) {
		t.Parallel()
		ev, err := lc.Evaluate(ctx, subscriptionIn(billing.StatusActive, billing.TierStandard),
			billing.PlanChanged{EventHeader: h, NewTier: billing.TierPremium}, at)
		require.NoError(t, err)
		assert.Equal(t, billing.TierPremium, ev.Next.Tier)
	})

	t.Run("past due records change time", func(t *testing.T) {
		t.Parallel()
		ev, err := lc.Evaluate(ctx, subscriptionIn(billing.StatusActive, billing.TierStandard), billing.PaymentFailed{EventHeader: h}, at.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, at.Equal(ev.Next.StatusChangedAt), "event time, not processing time")
		assert.True(t, at.Add(time.Minute).Equal(ev.Next.UpdatedAt))
	})
}

func TestLifecycle_RejectsMalformedEvents(t *testing.T) {
	t.Parallel()

	lc := billing.NewLifecycle(billing.DefaultQuotaPolicy())
	h := header("evt_bad", t0.Add(time.Hour))

	tests := []struct {
		name    string
		current *billing.Subscription
		event   billing.Event
	}{
		{"trial without period end", nil, billing.TrialStarted{EventHeader: h}},
		{"trial with unknown tier", nil, billing.TrialStarted{EventHeader: h, PeriodEnd: t0.AddDate(0, 0, 14), Tier: "gold"}},
		{"payment with unknown tier", subscriptionIn(billing.StatusTrialing, billing.TierTrial), billing.PaymentSucceeded{EventHeader: h, Tier: "enterprise"}},
		{"plan change with uncanonical tier", subscriptionIn(billing.StatusActive, billing.TierStandard), billing.PlanChanged{EventHeader: h, NewTier: "Premium"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := lc.Evaluate(context.Background(), tt.current, tt.event, t0.Add(time.Hour))
			assert.ErrorIs(t, err, billing.ErrInvalidPayload)
			assert.False(t, billing.IsRetryable(err))
		})
	}
}

func TestLifecycle_Events(t *testing.T) {
	t.Parallel()

	lc := billing.NewLifecycle(billing.DefaultQuotaPolicy())
	assert.Equal(t, []string{billing.EventTrialStarted}, lc.Events(""))
	assert.Equal(t, []string{
		billing.EventCancellationRequested,
		billing.EventPaymentFailed,
		billing.EventPaymentSucceeded,
		billing.EventPlanChanged,
	}, lc.Events(billing.StatusActive))
	assert.Empty(t, lc.Events(billing.StatusCancelled))
}
