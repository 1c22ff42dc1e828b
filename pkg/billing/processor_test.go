package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

const testSecret = "processor-secret"

func newTestProcessor(t *testing.T, store billing.Store, opts ...billing.Option) *billing.Processor {
	t.Helper()
	src, err := billing.NewSource("acme", billing.SourceConfig{Secrets: []string{testSecret}, Tolerance: time.Minute})
	require.NoError(t, err)
	opts = append([]billing.Option{billing.WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	return billing.NewProcessor(store, src, opts...)
}

func signed(t *testing.T, env billing.Envelope) ([]byte, string, time.Time) {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	h, err := webhook.SignPayloadAt(testSecret, body, time.Now())
	require.NoError(t, err)
	return body, h.Signature, h.Time()
}

func envelope(typ string, tenantID uuid.UUID, at time.Time) billing.Envelope {
	at = at.UTC()
	env := billing.Envelope{ID: uuid.NewString(), Type: typ, OccurredAt: &at, TenantID: tenantID.String()}
	if typ == billing.TypeTrialStarted {
		end := at.Add(14 * 24 * time.Hour)
		env.Data.PeriodEnd = &end
	}
	return env
}

func deliver(t *testing.T, p *billing.Processor, env billing.Envelope) (billing.Ack, error) {
	t.Helper()
	body, sig, at := signed(t, env)
	return p.ProcessEvent(context.Background(), body, sig, at)
}

// counterValue reads one labelled counter from reg.
func counterValue(t *testing.T, reg prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestProcessor_Rejections(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics, err := billing.NewMetrics(reg)
	require.NoError(t, err)

	store := billing.NewMemoryStore()
	p := newTestProcessor(t, store, billing.WithMetrics(metrics))
	env := envelope(billing.TypeTrialStarted, uuid.New(), time.Now())

	t.Run("bad signature", func(t *testing.T) {
		body, _, at := signed(t, env)
		_, err := p.ProcessEvent(context.Background(), body, "v1=deadbeef", at)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
		assert.False(t, billing.IsRetryable(err))
	})

	t.Run("stale delivery", func(t *testing.T) {
		body, err := json.Marshal(env)
		require.NoError(t, err)
		h, err := webhook.SignPayloadAt(testSecret, body, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		_, err = p.ProcessEvent(context.Background(), body, h.Signature, h.Time())
		assert.ErrorIs(t, err, billing.ErrStaleEvent)
		assert.False(t, billing.IsRetryable(err))
	})

	t.Run("invalid payload", func(t *testing.T) {
		bad := env
		bad.TenantID = ""
		_, err := deliver(t, p, bad)
		assert.ErrorIs(t, err, billing.ErrInvalidPayload)
	})

	_, err = store.LookupEvent(context.Background(), "acme", env.ID)
	assert.ErrorIs(t, err, billing.ErrEventNotFound, "rejected events are not recorded")

	assert.Equal(t, 1.0, counterValue(t, reg, "billing_event_rejections_total", map[string]string{"provider": "acme", "reason": "invalid_signature"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "billing_event_rejections_total", map[string]string{"provider": "acme", "reason": "stale"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "billing_event_rejections_total", map[string]string{"provider": "acme", "reason": "invalid_payload"}))
}

func TestProcessor_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics, err := billing.NewMetrics(reg)
	require.NoError(t, err)
	again, err := billing.NewMetrics(reg)
	require.NoError(t, err, "registering twice reuses the counters")

	p := newTestProcessor(t, billing.NewMemoryStore(), billing.WithMetrics(metrics))
	tid := uuid.New()
	trial := envelope(billing.TypeTrialStarted, tid, time.Now())

	_, err = deliver(t, p, trial)
	require.NoError(t, err)
	_, err = deliver(t, p, trial)
	require.NoError(t, err)
	_, err = deliver(t, p, envelope(billing.TypeTrialStarted, tid, time.Now()))
	require.NoError(t, err)

	q := billing.NewEnforcer(billing.NewMemoryStore(), billing.WithMetrics(again))
	_, err = q.TryConsume(context.Background(), uuid.New(), 1)
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, reg, "billing_events_total", map[string]string{"provider": "acme", "outcome": "applied"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "billing_events_total", map[string]string{"provider": "acme", "outcome": "duplicate"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "billing_events_total", map[string]string{"provider": "acme", "outcome": "ignored"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "billing_quota_decisions_total", map[string]string{"result": "denied", "reason": "no_active_subscription"}))

	count, err := testutil.GatherAndCount(reg, "billing_events_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestProcessor_Notifies(t *testing.T) {
	t.Parallel()

	changes := make(chan billing.StateChange, 4)
	notifier := billing.NotifierFunc(func(ctx context.Context, c billing.StateChange) error {
		changes <- c
		return errors.New("smtp down")
	})

	p := newTestProcessor(t, billing.NewMemoryStore(), billing.WithNotifier(notifier))
	tid := uuid.New()
	now := time.Now()

	ack, err := deliver(t, p, envelope(billing.TypeTrialStarted, tid, now))
	require.NoError(t, err, "notifier failure must not fail the event")
	assert.Equal(t, billing.AckApplied, ack.Outcome)

	// ignored events do not notify
	_, err = deliver(t, p, envelope(billing.TypePaymentFailed, tid, now.Add(time.Second)))
	require.NoError(t, err)

	_, err = deliver(t, p, envelope(billing.TypePaymentSucceeded, tid, now.Add(2*time.Second)))
	require.NoError(t, err)
	p.Wait()
	close(changes)

	var got []billing.StateChange
	for c := range changes {
		got = append(got, c)
	}
	require.Len(t, got, 2)

	byTarget := map[billing.Status]billing.StateChange{}
	for _, c := range got {
		byTarget[c.To] = c
	}
	assert.Equal(t, billing.Status(""), byTarget[billing.StatusTrialing].From)
	assert.Equal(t, billing.TierTrial, byTarget[billing.StatusTrialing].Tier)
	assert.Equal(t, billing.StatusTrialing, byTarget[billing.StatusActive].From)
	assert.Equal(t, billing.TierStandard, byTarget[billing.StatusActive].Tier)
	assert.Equal(t, "acme", byTarget[billing.StatusActive].Provider)
	assert.Equal(t, tid, byTarget[billing.StatusActive].TenantID)
}

func TestProcessor_TierNames(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	p := newTestProcessor(t, store)
	q := billing.NewEnforcer(store, billing.WithLogger(slog.New(slog.DiscardHandler)))
	ctx := context.Background()
	tid := uuid.New()
	now := time.Now()

	_, err := deliver(t, p, envelope(billing.TypeTrialStarted, tid, now))
	require.NoError(t, err)
	_, err = deliver(t, p, envelope(billing.TypePaymentSucceeded, tid, now.Add(time.Second)))
	require.NoError(t, err)

	t.Run("unknown tier is rejected", func(t *testing.T) {
		env := envelope(billing.TypePlanChanged, tid, now.Add(2*time.Second))
		env.Data.Tier = "gold"
		_, err := deliver(t, p, env)
		assert.ErrorIs(t, err, billing.ErrInvalidPayload)

		sub, err := store.GetSubscription(ctx, tid)
		require.NoError(t, err)
		assert.Equal(t, billing.TierStandard, sub.Tier)
	})

	t.Run("tier name case is normalized", func(t *testing.T) {
		env := envelope(billing.TypePlanChanged, tid, now.Add(3*time.Second))
		env.Data.Tier = "Premium"
		ack, err := deliver(t, p, env)
		require.NoError(t, err)
		assert.Equal(t, billing.AckApplied, ack.Outcome)

		sub, err := store.GetSubscription(ctx, tid)
		require.NoError(t, err)
		assert.Equal(t, billing.TierPremium, sub.Tier)

		dec, err := q.TryConsume(ctx, tid, 1000)
		require.NoError(t, err)
		assert.True(t, dec.Granted, "premium is unlimited")
	})

	t.Run("trial without period end is rejected", func(t *testing.T) {
		env := envelope(billing.TypeTrialStarted, uuid.New(), now)
		env.Data.PeriodEnd = nil
		_, err := deliver(t, p, env)
		assert.ErrorIs(t, err, billing.ErrInvalidPayload)
	})
}

// conflictStore makes every subscription update lose the version race.
type conflictStore struct {
	*billing.MemoryStore
	updates atomic.Int64
}

type conflictTx struct {
	billing.Tx
	store *conflictStore
}

func (s *conflictStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	return s.MemoryStore.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
		return fn(ctx, conflictTx{Tx: tx, store: s})
	})
}

func (tx conflictTx) UpdateSubscription(context.Context, *billing.Subscription, int64) error {
	tx.store.updates.Add(1)
	return billing.ErrVersionConflict
}

func TestProcessor_ConflictRetriesExhausted(t *testing.T) {
	t.Parallel()

	mem := billing.NewMemoryStore()
	tid := uuid.New()
	_, err := deliver(t, newTestProcessor(t, mem), envelope(billing.TypeTrialStarted, tid, time.Now()))
	require.NoError(t, err)

	store := &conflictStore{MemoryStore: mem}
	p := newTestProcessor(t, store, billing.WithConfig(billing.Config{
		MaxConflictRetries: 2,
		ConflictBackoff:    time.Millisecond,
	}))

	payment := envelope(billing.TypePaymentSucceeded, tid, time.Now().Add(time.Second))
	_, err = deliver(t, p, payment)
	assert.ErrorIs(t, err, billing.ErrTransient)
	assert.ErrorIs(t, err, billing.ErrVersionConflict)
	assert.True(t, billing.IsRetryable(err))
	assert.Equal(t, int64(3), store.updates.Load(), "first attempt plus two retries")

	_, err = mem.LookupEvent(context.Background(), "acme", payment.ID)
	assert.ErrorIs(t, err, billing.ErrEventNotFound, "nothing is committed")

	sub, err := mem.GetSubscription(context.Background(), tid)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusTrialing, sub.Status)
	assert.Equal(t, int64(1), sub.Version)
}

// brokenStore fails every transaction.
type brokenStore struct {
	*billing.MemoryStore
}

func (brokenStore) Atomic(context.Context, func(ctx context.Context, tx billing.Tx) error) error {
	return errors.New("connection refused")
}

func TestProcessor_StoreUnavailable(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, brokenStore{billing.NewMemoryStore()})
	_, err := deliver(t, p, envelope(billing.TypeTrialStarted, uuid.New(), time.Now()))
	assert.ErrorIs(t, err, billing.ErrTransient)
	assert.True(t, billing.IsRetryable(err))
}

// slowStore blocks lock acquisition until the context is done.
type slowStore struct {
	*billing.MemoryStore
}

type slowTx struct{ billing.Tx }

func (s slowStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	return s.MemoryStore.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
		return fn(ctx, slowTx{tx})
	})
}

func (slowTx) LockTenant(ctx context.Context, _ uuid.UUID) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestProcessor_Timeout(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, slowStore{billing.NewMemoryStore()}, billing.WithConfig(billing.Config{
		ProcessTimeout: 50 * time.Millisecond,
	}))
	_, err := deliver(t, p, envelope(billing.TypeTrialStarted, uuid.New(), time.Now()))
	assert.ErrorIs(t, err, billing.ErrTransient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewProcessor_Panics(t *testing.T) {
	t.Parallel()

	src, err := billing.NewSource("acme", billing.SourceConfig{Secrets: []string{"s"}})
	require.NoError(t, err)

	assert.Panics(t, func() { billing.NewProcessor(nil, src) })
	assert.Panics(t, func() { billing.NewProcessor(billing.NewMemoryStore(), billing.Source{Name: "acme"}) })
	assert.Equal(t, "acme", billing.NewProcessor(billing.NewMemoryStore(), src).Provider())
}
