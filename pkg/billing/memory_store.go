package billing

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is a Store kept in process memory. It provides the same
// transactional guarantees as the durable backends and is meant for tests
// and single-process development setups.
type MemoryStore struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	usage  map[usageKey]UsageCounter
	ledger map[ledgerKey]IdempotencyRecord
	audit  []AuditRecord

	// locks holds one single-slot channel per tenant ever locked. Entries are
	// never pruned, so it grows with the tenant count; fine for tests and dev.
	locks sync.Map
}

type usageKey struct {
	tenant uuid.UUID
	period string
}

type ledgerKey struct {
	provider string
	eventID  string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:   make(map[uuid.UUID]*Subscription),
		usage:  make(map[usageKey]UsageCounter),
		ledger: make(map[ledgerKey]IdempotencyRecord),
	}
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		store:  s,
		held:   make(map[uuid.UUID]chan struct{}),
		subs:   make(map[uuid.UUID]*stagedSub),
		usage:  make(map[usageKey]*stagedUsage),
		ledger: make(map[ledgerKey]IdempotencyRecord),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range tx.ledger {
		if _, ok := s.ledger[k]; ok {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateEvent, k.provider, k.eventID)
		}
	}
	for id, st := range tx.subs {
		cur, ok := s.subs[id]
		switch {
		case st.insert && ok:
			return fmt.Errorf("%w: tenant %s already has a subscription", ErrVersionConflict, id)
		case !st.insert && (!ok || cur.Version != st.expected):
			return fmt.Errorf("%w: tenant %s", ErrVersionConflict, id)
		}
	}
	for k, st := range tx.usage {
		cur, ok := s.usage[k]
		switch {
		case st.existed && cur.Consumed != st.base:
			return fmt.Errorf("%w: usage counter %s changed", ErrVersionConflict, k.period)
		case !st.existed && ok && st.counter.Consumed != 0:
			return fmt.Errorf("%w: usage counter %s created concurrently", ErrVersionConflict, k.period)
		}
	}

	for k, rec := range tx.ledger {
		s.ledger[k] = rec
	}
	for id, st := range tx.subs {
		s.subs[id] = st.sub.Clone()
	}
	for k, st := range tx.usage {
		if _, ok := s.usage[k]; ok && !st.existed && st.counter.Consumed == 0 {
			continue // another transaction created the period first
		}
		s.usage[k] = st.counter
	}
	s.audit = append(s.audit, tx.audit...)
	return nil
}

func (s *MemoryStore) LookupEvent(ctx context.Context, provider, eventID string) (*IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ledger[ledgerKey{provider, eventID}]
	if !ok {
		return nil, ErrEventNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) GetSubscription(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[tenantID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) GetUsage(ctx context.Context, tenantID uuid.UUID, periodKey string) (*UsageCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.usage[usageKey{tenantID, periodKey}]
	if !ok {
		return nil, ErrUsageNotFound
	}
	return &c, nil
}

func (s *MemoryStore) QueryAudit(ctx context.Context, criteria AuditCriteria) ([]AuditRecord, error) {
	s.mu.RLock()
	var out []AuditRecord
	for _, r := range s.audit {
		if criteria.InRange(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b AuditRecord) int {
		if c := a.AppliedAt.Compare(b.AppliedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})

	if criteria.Offset >= len(out) {
		return []AuditRecord{}, nil
	}
	out = out[criteria.Offset:]
	if criteria.Limit > 0 && criteria.Limit < len(out) {
		out = out[:criteria.Limit]
	}
	return out, nil
}

func (s *MemoryStore) tenantLock(id uuid.UUID) chan struct{} {
	ch, _ := s.locks.LoadOrStore(id, make(chan struct{}, 1))
	return ch.(chan struct{})
}

type stagedSub struct {
	sub      *Subscription
	insert   bool
	expected int64
}

type stagedUsage struct {
	counter UsageCounter
	base    int64
	existed bool
}

// memTx buffers writes until commit; reads see the buffered state first.
type memTx struct {
	store  *MemoryStore
	held   map[uuid.UUID]chan struct{}
	subs   map[uuid.UUID]*stagedSub
	usage  map[usageKey]*stagedUsage
	ledger map[ledgerKey]IdempotencyRecord
	audit  []AuditRecord
}

func (tx *memTx) release() {
	for _, ch := range tx.held {
		<-ch
	}
	clear(tx.held)
}

func (tx *memTx) LockTenant(ctx context.Context, tenantID uuid.UUID) error {
	if _, ok := tx.held[tenantID]; ok {
		return nil
	}
	ch := tx.store.tenantLock(tenantID)
	select {
	case ch <- struct{}{}:
		tx.held[tenantID] = ch
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lock tenant %s: %w", tenantID, ctx.Err())
	}
}

func (tx *memTx) GetSubscription(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	if st, ok := tx.subs[tenantID]; ok {
		return st.sub.Clone(), nil
	}
	return tx.store.GetSubscription(ctx, tenantID)
}

func (tx *memTx) InsertSubscription(ctx context.Context, sub *Subscription) error {
	if _, ok := tx.subs[sub.TenantID]; ok {
		return fmt.Errorf("%w: tenant %s already has a subscription", ErrVersionConflict, sub.TenantID)
	}
	if _, err := tx.store.GetSubscription(ctx, sub.TenantID); err == nil {
		return fmt.Errorf("%w: tenant %s already has a subscription", ErrVersionConflict, sub.TenantID)
	}
	tx.subs[sub.TenantID] = &stagedSub{sub: sub.Clone(), insert: true}
	return nil
}

func (tx *memTx) UpdateSubscription(ctx context.Context, sub *Subscription, expectedVersion int64) error {
	if st, ok := tx.subs[sub.TenantID]; ok {
		if st.sub.Version != expectedVersion {
			return fmt.Errorf("%w: tenant %s", ErrVersionConflict, sub.TenantID)
		}
		st.sub = sub.Clone()
		return nil
	}

	cur, err := tx.store.GetSubscription(ctx, sub.TenantID)
	if err != nil || cur.Version != expectedVersion {
		return fmt.Errorf("%w: tenant %s", ErrVersionConflict, sub.TenantID)
	}
	tx.subs[sub.TenantID] = &stagedSub{sub: sub.Clone(), expected: expectedVersion}
	return nil
}

func (tx *memTx) ReserveEvent(ctx context.Context, rec IdempotencyRecord) (Reservation, error) {
	k := ledgerKey{rec.Provider, rec.EventID}
	if _, ok := tx.ledger[k]; ok {
		return Duplicate, nil
	}
	if _, err := tx.store.LookupEvent(ctx, rec.Provider, rec.EventID); err == nil {
		return Duplicate, nil
	}
	tx.ledger[k] = rec
	return Fresh, nil
}

func (tx *memTx) AppendAudit(_ context.Context, rec AuditRecord) error {
	tx.audit = append(tx.audit, rec)
	return nil
}

func (tx *memTx) EnsureUsagePeriod(ctx context.Context, counter UsageCounter) (*UsageCounter, error) {
	k := usageKey{counter.TenantID, counter.PeriodKey}
	if st, ok := tx.usage[k]; ok {
		c := st.counter
		return &c, nil
	}

	st := &stagedUsage{counter: counter}
	if cur, err := tx.store.GetUsage(ctx, counter.TenantID, counter.PeriodKey); err == nil {
		st = &stagedUsage{counter: *cur, base: cur.Consumed, existed: true}
	}
	tx.usage[k] = st
	c := st.counter
	return &c, nil
}

func (tx *memTx) IncrementUsage(ctx context.Context, tenantID uuid.UUID, periodKey string, amount, limit int64) (*UsageCounter, bool, error) {
	st, ok := tx.usage[usageKey{tenantID, periodKey}]
	if !ok {
		cur, err := tx.store.GetUsage(ctx, tenantID, periodKey)
		if err != nil {
			return nil, false, err
		}
		st = &stagedUsage{counter: *cur, base: cur.Consumed, existed: true}
		tx.usage[usageKey{tenantID, periodKey}] = st
	}

	probe := st.counter
	probe.Limit = limit
	if !probe.Allows(amount) {
		c := st.counter
		return &c, false, nil
	}
	st.counter.Consumed += amount
	st.counter.Limit = limit
	c := st.counter
	return &c, true, nil
}
