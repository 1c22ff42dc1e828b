package storetest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

const (
	provider = "storetest"
	secret   = "storetest-secret"
)

// engine wires a Processor and an Enforcer to one store.
type engine struct {
	t     *testing.T
	store billing.Store
	proc  *billing.Processor
	enf   *billing.Enforcer
	audit *billing.AuditLog
}

func newEngine(t *testing.T, store billing.Store, policy billing.QuotaPolicy) *engine {
	t.Helper()

	src, err := billing.NewSource(provider, billing.SourceConfig{
		Secrets:   []string{secret},
		Tolerance: time.Minute,
	})
	require.NoError(t, err)

	opts := []billing.Option{
		billing.WithLogger(slog.New(slog.DiscardHandler)),
		billing.WithQuotaPolicy(policy),
		billing.WithConfig(billing.Config{
			ProcessTimeout:     10 * time.Second,
			MaxConflictRetries: 20,
			ConflictBackoff:    time.Millisecond,
		}),
	}
	return &engine{
		t:     t,
		store: store,
		proc:  billing.NewProcessor(store, src, opts...),
		enf:   billing.NewEnforcer(store, opts...),
		audit: billing.NewAuditLog(store),
	}
}

// event builds a canonical envelope with a random ID.
func event(typ string, tenant uuid.UUID, at time.Time, mods ...func(*billing.Envelope)) billing.Envelope {
	at = at.UTC()
	env := billing.Envelope{ID: uuid.NewString(), Type: typ, OccurredAt: &at, TenantID: tenant.String()}
	for _, m := range mods {
		m(&env)
	}
	return env
}

func withPeriodEnd(end time.Time) func(*billing.Envelope) {
	return func(e *billing.Envelope) {
		end = end.UTC()
		e.Data.PeriodEnd = &end
	}
}

func withTier(tier billing.Tier) func(*billing.Envelope) {
	return func(e *billing.Envelope) { e.Data.Tier = string(tier) }
}

func (e *engine) send(env billing.Envelope) (billing.Ack, error) {
	e.t.Helper()
	payload, err := json.Marshal(env)
	require.NoError(e.t, err)
	sig, err := webhook.SignPayloadAt(secret, payload, time.Now())
	require.NoError(e.t, err)
	return e.proc.ProcessEvent(context.Background(), payload, sig.Signature, sig.Time())
}

func (e *engine) mustSend(env billing.Envelope) billing.Ack {
	e.t.Helper()
	ack, err := e.send(env)
	require.NoError(e.t, err, "event %s", env.Type)
	return ack
}

func (e *engine) subscription(tenant uuid.UUID) *billing.Subscription {
	e.t.Helper()
	sub, err := e.store.GetSubscription(context.Background(), tenant)
	require.NoError(e.t, err)
	return sub
}

func (e *engine) auditCount(tenant uuid.UUID) int {
	e.t.Helper()
	records, err := e.audit.Find(context.Background(), billing.AuditCriteria{TenantID: tenant})
	require.NoError(e.t, err)
	return len(records)
}

// activate starts a trial at base and pays it one minute later.
func (e *engine) activate(tenant uuid.UUID, base time.Time) {
	e.t.Helper()
	e.mustSend(event(billing.TypeTrialStarted, tenant, base, withPeriodEnd(base.Add(14*24*time.Hour))))
	ack := e.mustSend(event(billing.TypePaymentSucceeded, tenant, base.Add(time.Minute), withPeriodEnd(base.Add(30*24*time.Hour))))
	require.Equal(e.t, billing.AckApplied, ack.Outcome)
}

func testScenarios(t *testing.T, newStore Factory) {
	t.Parallel()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	t.Run("trial quota", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t, newStore(t), billing.DefaultQuotaPolicy())
		tenant := uuid.New()

		ack := e.mustSend(event(billing.TypeTrialStarted, tenant, base, withPeriodEnd(time.Now().Add(14*24*time.Hour))))
		assert.Equal(t, billing.AckApplied, ack.Outcome)
		assert.Equal(t, billing.StatusTrialing, ack.To)

		sub := e.subscription(tenant)
		assert.Equal(t, billing.StatusTrialing, sub.Status)
		assert.Equal(t, billing.TierTrial, sub.Tier)
		assert.Equal(t, int64(1), sub.Version)

		for i := range 3 {
			dec, err := e.enf.TryConsume(context.Background(), tenant, 1)
			require.NoError(t, err)
			assert.True(t, dec.Granted, "call %d", i+1)
		}
		dec, err := e.enf.TryConsume(context.Background(), tenant, 1)
		require.NoError(t, err)
		assert.False(t, dec.Granted)
		assert.Equal(t, billing.DenyQuotaExceeded, dec.Reason)
		assert.Equal(t, int64(3), dec.Consumed)
		assert.Equal(t, int64(3), dec.Limit)
	})

	t.Run("paid period starts fresh after trial", func(t *testing.T) {
		t.Parallel()
		policy := billing.DefaultQuotaPolicy()
		policy.Limits[billing.TierStandard] = 5
		e := newEngine(t, newStore(t), policy)
		tenant := uuid.New()
		e.mustSend(event(billing.TypeTrialStarted, tenant, base, withPeriodEnd(time.Now().Add(14*24*time.Hour))))

		for range 3 {
			dec, err := e.enf.TryConsume(context.Background(), tenant, 1)
			require.NoError(t, err)
			require.True(t, dec.Granted)
		}

		paidAt := base.Add(time.Minute)
		e.mustSend(event(billing.TypePaymentSucceeded, tenant, paidAt))
		assert.True(t, paidAt.AddDate(0, 1, 0).Equal(e.subscription(tenant).PeriodEnd))

		dec, err := e.enf.TryConsume(context.Background(), tenant, 5)
		require.NoError(t, err)
		assert.True(t, dec.Granted, "trial usage does not count against the paid quota")
		assert.Equal(t, int64(5), dec.Consumed)
	})

	t.Run("delayed earlier payment is ignored", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t, newStore(t), billing.DefaultQuotaPolicy())
		tenant := uuid.New()
		e.activate(tenant, base)

		t0, t1 := base.Add(10*time.Minute), base.Add(20*time.Minute)
		ack := e.mustSend(event(billing.TypePaymentFailed, tenant, t1))
		assert.Equal(t, billing.AckApplied, ack.Outcome)
		assert.Equal(t, billing.StatusPastDue, e.subscription(tenant).Status)

		ack = e.mustSend(event(billing.TypePaymentSucceeded, tenant, t0))
		assert.Equal(t, billing.AckIgnored, ack.Outcome)
		assert.Equal(t, billing.ReasonStale, ack.Reason)

		sub := e.subscription(tenant)
		assert.Equal(t, billing.StatusPastDue, sub.Status)
		assert.True(t, t1.Equal(sub.LastEventAt))
	})

	t.Run("redelivery is a duplicate", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t, newStore(t), billing.DefaultQuotaPolicy())
		tenant := uuid.New()
		e.mustSend(event(billing.TypeTrialStarted, tenant, base, withPeriodEnd(base.Add(14*24*time.Hour))))

		payment := event(billing.TypePaymentSucceeded, tenant, base.Add(time.Minute))
		first := e.mustSend(payment)
		assert.Equal(t, billing.AckApplied, first.Outcome)
		version := e.subscription(tenant).Version

		second := e.mustSend(payment)
		assert.Equal(t, billing.AckDuplicate, second.Outcome)
		assert.Equal(t, version, e.subscription(tenant).Version)
		assert.Equal(t, 2, e.auditCount(tenant))
	})

	t.Run("cancelled is terminal", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t, newStore(t), billing.DefaultQuotaPolicy())
		tenant := uuid.New()
		e.mustSend(event(billing.TypeTrialStarted, tenant, base, withPeriodEnd(base.Add(14*24*time.Hour))))
		e.mustSend(event(billing.TypeSubscriptionEnded, tenant, base.Add(time.Minute)))
		require.Equal(t, billing.StatusCancelled, e.subscription(tenant).Status)

		ack := e.mustSend(event(billing.TypePaymentSucceeded, tenant, base.Add(time.Hour)))
		assert.Equal(t, billing.AckIgnored, ack.Outcome)
		assert.Equal(t, billing.ReasonTerminal, ack.Reason)
		assert.Equal(t, billing.StatusCancelled, e.subscription(tenant).Status)

		dec, err := e.enf.TryConsume(context.Background(), tenant, 1)
		require.NoError(t, err)
		assert.Equal(t, billing.DenyNoActiveSubscription, dec.Reason)
	})

	t.Run("concurrent consumption", func(t *testing.T) {
		t.Parallel()
		policy := billing.DefaultQuotaPolicy()
		policy.Limits[billing.TierStandard] = 7
		e := newEngine(t, newStore(t), policy)
		tenant := uuid.New()
		e.activate(tenant, base)

		var granted, quota atomic.Int64
		var g errgroup.Group
		for range 10 {
			g.Go(func() error {
				dec, err := e.enf.TryConsume(context.Background(), tenant, 1)
				if err != nil {
					return err
				}
				if dec.Granted {
					granted.Add(1)
				} else if dec.Reason == billing.DenyQuotaExceeded {
					quota.Add(1)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(7), granted.Load())
		assert.Equal(t, int64(3), quota.Load())

		usage, err := e.enf.Usage(context.Background(), tenant)
		require.NoError(t, err)
		assert.Equal(t, int64(7), usage.Consumed)
	})

	t.Run("unknown event type", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t, newStore(t), billing.DefaultQuotaPolicy())
		env := event("customer.updated", uuid.New(), base)

		ack := e.mustSend(env)
		assert.Equal(t, billing.AckUnknown, ack.Outcome)
		ack = e.mustSend(env)
		assert.Equal(t, billing.AckDuplicate, ack.Outcome)
	})

	t.Run("no subscription", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t, newStore(t), billing.DefaultQuotaPolicy())
		tenant := uuid.New()

		ack := e.mustSend(event(billing.TypePaymentFailed, tenant, base))
		assert.Equal(t, billing.AckIgnored, ack.Outcome)
		assert.Equal(t, billing.ReasonNoSubscription, ack.Reason)
		assert.Equal(t, 1, e.auditCount(tenant))

		_, err := e.store.GetSubscription(context.Background(), tenant)
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})

	t.Run("concurrent redelivery", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t, newStore(t), billing.DefaultQuotaPolicy())
		tenant := uuid.New()
		e.mustSend(event(billing.TypeTrialStarted, tenant, base, withPeriodEnd(base.Add(14*24*time.Hour))))
		payment := event(billing.TypePaymentSucceeded, tenant, base.Add(time.Minute))

		var applied atomic.Int64
		var g errgroup.Group
		for range 5 {
			g.Go(func() error {
				ack, err := e.send(payment)
				if err != nil {
					return err
				}
				if ack.Outcome == billing.AckApplied {
					applied.Add(1)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(1), applied.Load())
		assert.Equal(t, int64(2), e.subscription(tenant).Version)
		assert.Equal(t, 2, e.auditCount(tenant))
	})
}

func testProperties(t *testing.T, newStore Factory) {
	t.Parallel()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	t.Run("idempotence", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t, newStore(t), billing.DefaultQuotaPolicy())
		tenant := uuid.New()

		events := []billing.Envelope{
			event(billing.TypeTrialStarted, tenant, base, withPeriodEnd(base.Add(14*24*time.Hour))),
			event(billing.TypePaymentSucceeded, tenant, base.Add(time.Minute), withTier(billing.TierPremium)),
			event(billing.TypePaymentFailed, tenant, base.Add(2*time.Minute)),
		}
		for _, env := range events {
			e.mustSend(env)
		}
		want := e.subscription(tenant)

		for range 3 {
			for _, env := range events {
				ack := e.mustSend(env)
				assert.Equal(t, billing.AckDuplicate, ack.Outcome)
			}
		}
		assertSubscription(t, want, e.subscription(tenant))
		assert.Equal(t, len(events), e.auditCount(tenant))
	})

	t.Run("ordering invariance", func(t *testing.T) {
		t.Parallel()
		end1, end2 := base.Add(30*24*time.Hour), base.Add(60*24*time.Hour)

		// the latest event is valid from every state the others can produce
		permutations := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
		for _, perm := range permutations {
			e := newEngine(t, newStore(t), billing.DefaultQuotaPolicy())
			tenant := uuid.New()
			e.activate(tenant, base)

			set := []billing.Envelope{
				event(billing.TypePaymentSucceeded, tenant, base.Add(10*time.Minute), withPeriodEnd(end1)),
				event(billing.TypePaymentFailed, tenant, base.Add(20*time.Minute)),
				event(billing.TypePaymentSucceeded, tenant, base.Add(30*time.Minute), withPeriodEnd(end2)),
			}
			for _, i := range perm {
				e.mustSend(set[i])
			}

			sub := e.subscription(tenant)
			assert.Equal(t, billing.StatusActive, sub.Status, "permutation %v", perm)
			assert.Equal(t, billing.TierStandard, sub.Tier, "permutation %v", perm)
			assert.True(t, end2.Equal(sub.PeriodEnd), "permutation %v", perm)
			assert.True(t, base.Add(30*time.Minute).Equal(sub.LastEventAt), "permutation %v", perm)
			assert.Equal(t, set[2].ID, sub.LastEventID, "permutation %v", perm)
		}
	})

	t.Run("terminal state", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t, newStore(t), billing.DefaultQuotaPolicy())
		tenant := uuid.New()
		e.activate(tenant, base)
		e.mustSend(event(billing.TypeCancellationRequested, tenant, base.Add(5*time.Minute)))
		e.mustSend(event(billing.TypeSubscriptionEnded, tenant, base.Add(6*time.Minute)))
		require.Equal(t, billing.StatusCancelled, e.subscription(tenant).Status)

		later := base.Add(10 * time.Minute)
		for _, env := range []billing.Envelope{
			event(billing.TypeTrialStarted, tenant, later, withPeriodEnd(later.Add(time.Hour))),
			event(billing.TypePaymentSucceeded, tenant, later),
			event(billing.TypePaymentFailed, tenant, later),
			event(billing.TypePlanChanged, tenant, later, withTier(billing.TierPremium)),
			event(billing.TypeCancellationRequested, tenant, later),
			event(billing.TypeSubscriptionEnded, tenant, later),
		} {
			ack := e.mustSend(env)
			assert.Equal(t, billing.AckIgnored, ack.Outcome, env.Type)
			assert.Equal(t, billing.ReasonTerminal, ack.Reason, env.Type)
		}
		assert.Equal(t, billing.StatusCancelled, e.subscription(tenant).Status)
	})

	t.Run("monotonic watermark", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t, newStore(t), billing.DefaultQuotaPolicy())
		tenant := uuid.New()
		e.mustSend(event(billing.TypeTrialStarted, tenant, base, withPeriodEnd(base.Add(14*24*time.Hour))))

		offsets := []int{5, 2, 9, 1, 7, 9, 3, 12}
		types := []string{billing.TypePaymentSucceeded, billing.TypePaymentFailed}
		last := e.subscription(tenant).LastEventAt
		for i, off := range offsets {
			e.mustSend(event(types[i%len(types)], tenant, base.Add(time.Duration(off)*time.Minute)))
			sub := e.subscription(tenant)
			assert.False(t, sub.LastEventAt.Before(last), "watermark moved back at step %d", i)
			last = sub.LastEventAt
		}
	})
}
