// Package storetest is a conformance suite for billing.Store implementations.
// Every backend runs the same store-level checks and end-to-end engine
// scenarios:
//
//	func TestStore(t *testing.T) {
//		storetest.Run(t, func(t *testing.T) billing.Store {
//			return billing.NewMemoryStore()
//		})
//	}
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// Factory returns a store for one test. Stores may be shared between tests
// as long as tenants and event IDs are isolated; the suite uses random ones.
type Factory func(t *testing.T) billing.Store

var errRollback = errors.New("storetest: rollback")

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, newStore) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore) })
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newStore) })
	t.Run("Usage", func(t *testing.T) { testUsage(t, newStore) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStore) })
	t.Run("Locking", func(t *testing.T) { testLocking(t, newStore) })
	t.Run("Scenarios", func(t *testing.T) { testScenarios(t, newStore) })
	t.Run("Properties", func(t *testing.T) { testProperties(t, newStore) })
}

func newSubscription(tenant uuid.UUID, at time.Time) *billing.Subscription {
	cancelAt := at.Add(48 * time.Hour)
	return &billing.Subscription{
		TenantID:        tenant,
		Tier:            billing.TierTrial,
		Status:          billing.StatusTrialing,
		PeriodEnd:       at.Add(14 * 24 * time.Hour),
		CancelAt:        &cancelAt,
		StatusChangedAt: at,
		LastEventAt:     at,
		LastEventID:     "evt_1",
		Version:         1,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

func assertSubscription(t *testing.T, want, got *billing.Subscription) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.TenantID, got.TenantID)
	assert.Equal(t, want.Tier, got.Tier)
	assert.Equal(t, want.Status, got.Status)
	assert.True(t, want.PeriodEnd.Equal(got.PeriodEnd), "period end: want %v, got %v", want.PeriodEnd, got.PeriodEnd)
	assert.True(t, want.StatusChangedAt.Equal(got.StatusChangedAt), "status changed at")
	assert.True(t, want.LastEventAt.Equal(got.LastEventAt), "last event at")
	assert.Equal(t, want.LastEventID, got.LastEventID)
	assert.Equal(t, want.Version, got.Version)
	if want.CancelAt == nil {
		assert.Nil(t, got.CancelAt)
	} else if assert.NotNil(t, got.CancelAt) {
		assert.True(t, want.CancelAt.Equal(*got.CancelAt), "cancel at")
	}
}

func testSubscriptions(t *testing.T, newStore Factory) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	at := time.Now().UTC().Truncate(time.Second)

	t.Run("insert and read", func(t *testing.T) {
		tenant := uuid.New()
		sub := newSubscription(tenant, at)

		require.NoError(t, store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
			return tx.InsertSubscription(ctx, sub)
		}))

		got, err := store.GetSubscription(ctx, tenant)
		require.NoError(t, err)
		assertSubscription(t, sub, got)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		_, err := store.GetSubscription(ctx, uuid.New())
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})

	t.Run("second insert conflicts", func(t *testing.T) {
		sub := newSubscription(uuid.New(), at)
		insert := func(ctx context.Context, tx billing.Tx) error { return tx.InsertSubscription(ctx, sub) }

		require.NoError(t, store.Atomic(ctx, insert))
		assert.ErrorIs(t, store.Atomic(ctx, insert), billing.ErrVersionConflict)
	})

	t.Run("update checks version", func(t *testing.T) {
		sub := newSubscription(uuid.New(), at)
		require.NoError(t, store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
			return tx.InsertSubscription(ctx, sub)
		}))

		next := sub.Clone()
		next.Status = billing.StatusActive
		next.Tier = billing.TierStandard
		next.CancelAt = nil
		next.Version = 2

		err := store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
			return tx.UpdateSubscription(ctx, next, 5)
		})
		assert.ErrorIs(t, err, billing.ErrVersionConflict)

		require.NoError(t, store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
			return tx.UpdateSubscription(ctx, next, 1)
		}))
		got, err := store.GetSubscription(ctx, sub.TenantID)
		require.NoError(t, err)
		assertSubscription(t, next, got)

		// a writer that read version 1 lost the race
		err = store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
			return tx.UpdateSubscription(ctx, next, 1)
		})
		assert.ErrorIs(t, err, billing.ErrVersionConflict)
	})

	t.Run("read your writes", func(t *testing.T) {
		sub := newSubscription(uuid.New(), at)
		require.NoError(t, store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
			if err := tx.InsertSubscription(ctx, sub); err != nil {
				return err
			}
			got, err := tx.GetSubscription(ctx, sub.TenantID)
			if err != nil {
				return err
			}
			assertSubscription(t, sub, got)
			return nil
		}))
	})
}

func testRollback(t *testing.T, newStore Factory) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	at := time.Now().UTC().Truncate(time.Second)
	tenant := uuid.New()
	eventID := uuid.NewString()

	err := store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
		if err := tx.InsertSubscription(ctx, newSubscription(tenant, at)); err != nil {
			return err
		}
		if _, err := tx.ReserveEvent(ctx, billing.IdempotencyRecord{
			Provider: "storetest", EventID: eventID, EventType: "trial.started",
			TenantID: tenant, ReceivedAt: at, Outcome: billing.OutcomeApplied,
		}); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, billing.AuditRecord{
			ID: uuid.New(), TenantID: tenant, ToStatus: billing.StatusTrialing,
			CauseEventID: eventID, Provider: "storetest", Outcome: billing.OutcomeApplied, AppliedAt: at,
		}); err != nil {
			return err
		}
		if _, err := tx.EnsureUsagePeriod(ctx, billing.UsageCounter{TenantID: tenant, PeriodKey: "p1", Limit: 3, CreatedAt: at, UpdatedAt: at}); err != nil {
			return err
		}
		return errRollback
	})
	require.ErrorIs(t, err, errRollback)

	_, err = store.GetSubscription(ctx, tenant)
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	_, err = store.LookupEvent(ctx, "storetest", eventID)
	assert.ErrorIs(t, err, billing.ErrEventNotFound)
	_, err = store.GetUsage(ctx, tenant, "p1")
	assert.ErrorIs(t, err, billing.ErrUsageNotFound)
	records, err := store.QueryAudit(ctx, billing.AuditCriteria{TenantID: tenant, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func testLedger(t *testing.T, newStore Factory) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	at := time.Now().UTC().Truncate(time.Second)

	record := func(id string) billing.IdempotencyRecord {
		return billing.IdempotencyRecord{
			Provider: "storetest", EventID: id, EventType: "payment.succeeded",
			TenantID: uuid.New(), ReceivedAt: at, Outcome: billing.OutcomeApplied,
		}
	}
	reserve := func(rec billing.IdempotencyRecord) (billing.Reservation, error) {
		var res billing.Reservation
		err := store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
			var err error
			res, err = tx.ReserveEvent(ctx, rec)
			return err
		})
		return res, err
	}

	t.Run("fresh then duplicate", func(t *testing.T) {
		rec := record(uuid.NewString())

		res, err := reserve(rec)
		require.NoError(t, err)
		assert.Equal(t, billing.Fresh, res)

		res, err = reserve(rec)
		require.NoError(t, err)
		assert.Equal(t, billing.Duplicate, res)

		got, err := store.LookupEvent(ctx, rec.Provider, rec.EventID)
		require.NoError(t, err)
		assert.Equal(t, rec.EventType, got.EventType)
		assert.Equal(t, rec.TenantID, got.TenantID)
		assert.Equal(t, billing.OutcomeApplied, got.Outcome)
	})

	t.Run("same id other provider", func(t *testing.T) {
		rec := record(uuid.NewString())
		_, err := reserve(rec)
		require.NoError(t, err)

		rec.Provider = "storetest-other"
		res, err := reserve(rec)
		require.NoError(t, err)
		assert.Equal(t, billing.Fresh, res)
	})

	t.Run("duplicate within one transaction", func(t *testing.T) {
		rec := record(uuid.NewString())
		require.NoError(t, store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
			first, err := tx.ReserveEvent(ctx, rec)
			require.NoError(t, err)
			second, err := tx.ReserveEvent(ctx, rec)
			require.NoError(t, err)
			assert.Equal(t, billing.Fresh, first)
			assert.Equal(t, billing.Duplicate, second)
			return nil
		}))
	})

	t.Run("concurrent reservations", func(t *testing.T) {
		rec := record(uuid.NewString())

		var (
			mu     sync.Mutex
			winner int
		)
		var g errgroup.Group
		for range 8 {
			g.Go(func() error {
				res, err := reserve(rec)
				switch {
				case errors.Is(err, billing.ErrDuplicateEvent):
					return nil
				case err != nil:
					return err
				case res == billing.Fresh:
					mu.Lock()
					winner++
					mu.Unlock()
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, 1, winner)
	})
}

func testUsage(t *testing.T, newStore Factory) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	at := time.Now().UTC().Truncate(time.Second)

	increment := func(tenant uuid.UUID, key string, amount, limit int64) (*billing.UsageCounter, bool) {
		t.Helper()
		var (
			counter *billing.UsageCounter
			ok      bool
		)
		require.NoError(t, store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
			if _, err := tx.EnsureUsagePeriod(ctx, billing.UsageCounter{
				TenantID: tenant, PeriodKey: key, Limit: limit, CreatedAt: at, UpdatedAt: at,
			}); err != nil {
				return err
			}
			var err error
			counter, ok, err = tx.IncrementUsage(ctx, tenant, key, amount, limit)
			return err
		}))
		return counter, ok
	}

	t.Run("ensure is idempotent", func(t *testing.T) {
		tenant := uuid.New()
		counter, ok := increment(tenant, "p1", 2, 5)
		require.True(t, ok)
		assert.Equal(t, int64(2), counter.Consumed)

		require.NoError(t, store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
			got, err := tx.EnsureUsagePeriod(ctx, billing.UsageCounter{TenantID: tenant, PeriodKey: "p1", Limit: 5})
			require.NoError(t, err)
			assert.Equal(t, int64(2), got.Consumed, "existing row is returned")
			return nil
		}))
	})

	t.Run("limit is enforced", func(t *testing.T) {
		tenant := uuid.New()
		_, ok := increment(tenant, "p1", 3, 3)
		require.True(t, ok)

		counter, ok := increment(tenant, "p1", 1, 3)
		assert.False(t, ok)
		assert.Equal(t, int64(3), counter.Consumed)

		stored, err := store.GetUsage(ctx, tenant, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), stored.Consumed)
		assert.Equal(t, int64(3), stored.Limit)
	})

	t.Run("unlimited", func(t *testing.T) {
		tenant := uuid.New()
		for range 3 {
			_, ok := increment(tenant, "p1", 1000, billing.Unlimited)
			require.True(t, ok)
		}
		stored, err := store.GetUsage(ctx, tenant, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(3000), stored.Consumed)
	})

	t.Run("periods are independent", func(t *testing.T) {
		tenant := uuid.New()
		_, ok := increment(tenant, "p1", 2, 2)
		require.True(t, ok)
		counter, ok := increment(tenant, "p2", 2, 2)
		require.True(t, ok)
		assert.Equal(t, int64(2), counter.Consumed)
	})

	t.Run("missing period", func(t *testing.T) {
		err := store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
			_, _, err := tx.IncrementUsage(ctx, uuid.New(), "p1", 1, 10)
			return err
		})
		assert.ErrorIs(t, err, billing.ErrUsageNotFound)

		_, err = store.GetUsage(ctx, uuid.New(), "p1")
		assert.ErrorIs(t, err, billing.ErrUsageNotFound)
	})
}

func testAudit(t *testing.T, newStore Factory) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	base := time.Now().UTC().Truncate(time.Second)
	tenant, other := uuid.New(), uuid.New()

	offsets := []int{2, 0, 1}
	require.NoError(t, store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
		for _, off := range offsets {
			if err := tx.AppendAudit(ctx, billing.AuditRecord{
				ID:           uuid.New(),
				TenantID:     tenant,
				FromStatus:   billing.StatusActive,
				ToStatus:     billing.StatusPastDue,
				CauseEventID: "evt_" + string(rune('a'+off)),
				Provider:     "storetest",
				EventType:    "payment.failed",
				Outcome:      billing.OutcomeApplied,
				AppliedAt:    base.Add(time.Duration(off) * time.Minute),
			}); err != nil {
				return err
			}
		}
		return tx.AppendAudit(ctx, billing.AuditRecord{
			ID: uuid.New(), TenantID: other, ToStatus: billing.StatusTrialing,
			CauseEventID: "evt_other", Provider: "storetest", Outcome: billing.OutcomeIgnored,
			Reason: billing.ReasonStale, AppliedAt: base,
		})
	}))

	ids := func(records []billing.AuditRecord) []string {
		out := make([]string, len(records))
		for i, r := range records {
			out[i] = r.CauseEventID
		}
		return out
	}

	tests := []struct {
		name     string
		criteria billing.AuditCriteria
		want     []string
	}{
		{"all ordered", billing.AuditCriteria{TenantID: tenant, Limit: 10}, []string{"evt_a", "evt_b", "evt_c"}},
		{"from", billing.AuditCriteria{TenantID: tenant, From: base.Add(time.Minute), Limit: 10}, []string{"evt_b", "evt_c"}},
		{"to", billing.AuditCriteria{TenantID: tenant, To: base.Add(time.Minute), Limit: 10}, []string{"evt_a", "evt_b"}},
		{"limit", billing.AuditCriteria{TenantID: tenant, Limit: 2}, []string{"evt_a", "evt_b"}},
		{"offset", billing.AuditCriteria{TenantID: tenant, Limit: 2, Offset: 2}, []string{"evt_c"}},
		{"offset past end", billing.AuditCriteria{TenantID: tenant, Limit: 2, Offset: 5}, []string{}},
		{"other tenant", billing.AuditCriteria{TenantID: other, Limit: 10}, []string{"evt_other"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := store.QueryAudit(ctx, tt.criteria)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(records))
		})
	}

	t.Run("fields round trip", func(t *testing.T) {
		records, err := store.QueryAudit(ctx, billing.AuditCriteria{TenantID: other, Limit: 1})
		require.NoError(t, err)
		require.Len(t, records, 1)
		r := records[0]
		assert.Equal(t, billing.Status(""), r.FromStatus)
		assert.Equal(t, billing.StatusTrialing, r.ToStatus)
		assert.Equal(t, billing.OutcomeIgnored, r.Outcome)
		assert.Equal(t, billing.ReasonStale, r.Reason)
		assert.True(t, base.Equal(r.AppliedAt))
	})
}

func testLocking(t *testing.T, newStore Factory) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	tenant := uuid.New()

	locked := make(chan struct{})
	release := make(chan struct{})
	holder := make(chan error, 1)
	go func() {
		holder <- store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
			if err := tx.LockTenant(ctx, tenant); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()

	select {
	case <-locked:
	case err := <-holder:
		t.Fatalf("lock holder failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("lock was not acquired")
	}

	t.Run("same tenant waits until deadline", func(t *testing.T) {
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		err := store.Atomic(waitCtx, func(ctx context.Context, tx billing.Tx) error {
			return tx.LockTenant(ctx, tenant)
		})
		assert.Error(t, err)
	})

	t.Run("other tenant proceeds", func(t *testing.T) {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := store.Atomic(waitCtx, func(ctx context.Context, tx billing.Tx) error {
			return tx.LockTenant(ctx, uuid.New())
		})
		assert.NoError(t, err)
	})

	close(release)
	require.NoError(t, <-holder)

	t.Run("released at transaction end", func(t *testing.T) {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := store.Atomic(waitCtx, func(ctx context.Context, tx billing.Tx) error {
			return tx.LockTenant(ctx, tenant)
		})
		assert.NoError(t, err)
	})

	t.Run("released after rollback", func(t *testing.T) {
		err := store.Atomic(ctx, func(ctx context.Context, tx billing.Tx) error {
			if err := tx.LockTenant(ctx, tenant); err != nil {
				return err
			}
			return errRollback
		})
		require.ErrorIs(t, err, errRollback)

		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		assert.NoError(t, store.Atomic(waitCtx, func(ctx context.Context, tx billing.Tx) error {
			return tx.LockTenant(ctx, tenant)
		}))
	})
}
