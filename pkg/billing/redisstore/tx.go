package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

type stagedSub struct {
	sub      *billing.Subscription
	insert   bool
	expected int64
}

type stagedUsage struct {
	counter billing.UsageCounter
	base    int64
	existed bool
	dirty   bool
}

// tx buffers writes until commit. Reads fall through to Redis.
type tx struct {
	store  *Store
	locks  map[uuid.UUID]string // tenant -> lease token
	subs   map[string]*stagedSub
	usage  map[string]*stagedUsage
	events map[string]billing.IdempotencyRecord
	audit  []billing.AuditRecord
}

func newTx(s *Store) *tx {
	return &tx{
		store:  s,
		locks:  make(map[uuid.UUID]string),
		subs:   make(map[string]*stagedSub),
		usage:  make(map[string]*stagedUsage),
		events: make(map[string]billing.IdempotencyRecord),
	}
}

func (t *tx) LockTenant(ctx context.Context, tenantID uuid.UUID) error {
	if _, ok := t.locks[tenantID]; ok {
		return nil
	}
	token := newToken()
	if err := t.store.waitLock(ctx, t.store.lockKey(tenantID), token); err != nil {
		return err
	}
	t.locks[tenantID] = token
	return nil
}

func (t *tx) release(ctx context.Context) {
	for tenantID, token := range t.locks {
		// an expired lease is simply gone
		_ = t.store.unlock(ctx, t.store.lockKey(tenantID), token)
	}
}

func (t *tx) GetSubscription(ctx context.Context, tenantID uuid.UUID) (*billing.Subscription, error) {
	if st, ok := t.subs[t.store.subKey(tenantID)]; ok {
		return st.sub.Clone(), nil
	}
	return t.store.GetSubscription(ctx, tenantID)
}

func (t *tx) InsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	key := t.store.subKey(sub.TenantID)
	if _, ok := t.subs[key]; ok {
		return fmt.Errorf("%w: tenant %s already has a subscription", billing.ErrVersionConflict, sub.TenantID)
	}
	switch _, err := t.store.GetSubscription(ctx, sub.TenantID); {
	case err == nil:
		return fmt.Errorf("%w: tenant %s already has a subscription", billing.ErrVersionConflict, sub.TenantID)
	case !errors.Is(err, billing.ErrSubscriptionNotFound):
		return err
	}
	t.subs[key] = &stagedSub{sub: sub.Clone(), insert: true}
	return nil
}

func (t *tx) UpdateSubscription(ctx context.Context, sub *billing.Subscription, expectedVersion int64) error {
	key := t.store.subKey(sub.TenantID)
	if st, ok := t.subs[key]; ok {
		if st.sub.Version != expectedVersion {
			return fmt.Errorf("%w: tenant %s", billing.ErrVersionConflict, sub.TenantID)
		}
		st.sub = sub.Clone()
		return nil
	}

	cur, err := t.store.GetSubscription(ctx, sub.TenantID)
	switch {
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		return fmt.Errorf("%w: tenant %s", billing.ErrVersionConflict, sub.TenantID)
	case err != nil:
		return err
	case cur.Version != expectedVersion:
		return fmt.Errorf("%w: tenant %s", billing.ErrVersionConflict, sub.TenantID)
	}
	t.subs[key] = &stagedSub{sub: sub.Clone(), expected: expectedVersion}
	return nil
}

func (t *tx) ReserveEvent(ctx context.Context, rec billing.IdempotencyRecord) (billing.Reservation, error) {
	key := t.store.eventKey(rec.Provider, rec.EventID)
	if _, ok := t.events[key]; ok {
		return billing.Duplicate, nil
	}
	n, err := t.store.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: reserve event: %w", err)
	}
	if n > 0 {
		return billing.Duplicate, nil
	}
	t.events[key] = rec
	return billing.Fresh, nil
}

func (t *tx) AppendAudit(_ context.Context, rec billing.AuditRecord) error {
	t.audit = append(t.audit, rec)
	return nil
}

func (t *tx) EnsureUsagePeriod(ctx context.Context, c billing.UsageCounter) (*billing.UsageCounter, error) {
	key := t.store.usageKey(c.TenantID, c.PeriodKey)
	if st, ok := t.usage[key]; ok {
		out := st.counter
		return &out, nil
	}

	cur, err := t.store.GetUsage(ctx, c.TenantID, c.PeriodKey)
	switch {
	case err == nil:
		t.usage[key] = &stagedUsage{counter: *cur, base: cur.Consumed, existed: true}
		return cur, nil
	case !errors.Is(err, billing.ErrUsageNotFound):
		return nil, err
	}

	t.usage[key] = &stagedUsage{counter: c, base: c.Consumed, dirty: true}
	return &c, nil
}

func (t *tx) IncrementUsage(ctx context.Context, tenantID uuid.UUID, periodKey string, amount, limit int64) (*billing.UsageCounter, bool, error) {
	key := t.store.usageKey(tenantID, periodKey)
	st, ok := t.usage[key]
	if !ok {
		cur, err := t.store.GetUsage(ctx, tenantID, periodKey)
		if err != nil {
			return nil, false, err
		}
		st = &stagedUsage{counter: *cur, base: cur.Consumed, existed: true}
		t.usage[key] = st
	}

	probe := st.counter
	probe.Limit = limit
	if !probe.Allows(amount) {
		out := st.counter
		return &out, false, nil
	}
	st.counter.Consumed += amount
	st.counter.Limit = limit
	st.dirty = true
	out := st.counter
	return &out, true, nil
}

func (t *tx) watchKeys() []string {
	keys := make([]string, 0, len(t.subs)+len(t.usage)+len(t.events))
	for k := range t.subs {
		keys = append(keys, k)
	}
	for k, st := range t.usage {
		if st.dirty {
			keys = append(keys, k)
		}
	}
	for k := range t.events {
		keys = append(keys, k)
	}
	if len(keys) == 0 && len(t.audit) > 0 {
		// audit-only transactions still need one round trip
		keys = append(keys, t.store.auditKey(t.audit[0].TenantID))
	}
	return keys
}

// validate checks that nothing the transaction depends on changed since it was read.
func (t *tx) validate(ctx context.Context, rtx *redis.Tx) error {
	for key := range t.events {
		n, err := rtx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", billing.ErrDuplicateEvent, key)
		}
	}

	for key, st := range t.subs {
		cur, err := getSubscription(ctx, rtx, key)
		switch {
		case errors.Is(err, billing.ErrSubscriptionNotFound):
			if !st.insert {
				return fmt.Errorf("%w: %s", billing.ErrVersionConflict, key)
			}
		case err != nil:
			return err
		case st.insert || cur.Version != st.expected:
			return fmt.Errorf("%w: %s", billing.ErrVersionConflict, key)
		}
	}

	for key, st := range t.usage {
		if !st.dirty {
			continue
		}
		cur, err := getUsage(ctx, rtx, key)
		switch {
		case errors.Is(err, billing.ErrUsageNotFound):
			if st.existed {
				return fmt.Errorf("%w: %s", billing.ErrVersionConflict, key)
			}
		case err != nil:
			return err
		case !st.existed || cur.Consumed != st.base:
			return fmt.Errorf("%w: %s", billing.ErrVersionConflict, key)
		}
	}
	return nil
}

func (t *tx) write(ctx context.Context, p redis.Pipeliner) error {
	for key, st := range t.subs {
		data, err := encodeSubscription(st.sub)
		if err != nil {
			return err
		}
		p.Set(ctx, key, data, 0)
	}
	for key, st := range t.usage {
		if !st.dirty {
			continue
		}
		data, err := encodeUsage(st.counter)
		if err != nil {
			return err
		}
		p.Set(ctx, key, data, 0)
	}
	for key, rec := range t.events {
		data, err := encodeEvent(rec)
		if err != nil {
			return err
		}
		p.Set(ctx, key, data, 0)
	}
	for _, rec := range t.audit {
		data, err := encodeAudit(rec)
		if err != nil {
			return err
		}
		p.ZAdd(ctx, t.store.auditKey(rec.TenantID), redis.Z{Score: auditScore(rec.AppliedAt), Member: data})
	}
	return nil
}
