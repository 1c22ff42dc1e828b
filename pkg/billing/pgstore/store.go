package pgstore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/pg"
)

// Store is a billing.Store on PostgreSQL. Tenant locks are transaction-scoped
// advisory locks, so they are released on commit, rollback or a dropped
// connection.
type Store struct {
	pool *pgxpool.Pool
}

var _ billing.Store = (*Store)(nil)

// New returns a store using pool. The schema must be migrated with Migrate.
func New(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("pgstore: pool cannot be nil")
	}
	return &Store{pool: pool}
}

// querier is the part of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Atomic runs fn in a READ COMMITTED transaction. Row versions and the tenant
// lock provide the isolation the engine needs.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	pgxTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(ctx, "begin", err)
	}
	defer func() {
		// no-op after commit
		_ = pgxTx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &tx{q: pgxTx}); err != nil {
		return err
	}
	if err := pgxTx.Commit(ctx); err != nil {
		return mapError(ctx, "commit", err)
	}
	return nil
}

func (s *Store) LookupEvent(ctx context.Context, provider, eventID string) (*billing.IdempotencyRecord, error) {
	rec, err := scanEvent(s.pool.QueryRow(ctx, selectEventSQL, provider, eventID))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, billing.ErrEventNotFound
		}
		return nil, mapError(ctx, "lookup event", err)
	}
	return rec, nil
}

func (s *Store) GetSubscription(ctx context.Context, tenantID uuid.UUID) (*billing.Subscription, error) {
	return getSubscription(ctx, s.pool, tenantID)
}

func (s *Store) GetUsage(ctx context.Context, tenantID uuid.UUID, periodKey string) (*billing.UsageCounter, error) {
	return getUsage(ctx, s.pool, tenantID, periodKey)
}

func (s *Store) QueryAudit(ctx context.Context, c billing.AuditCriteria) ([]billing.AuditRecord, error) {
	query := selectAuditSQL + ` WHERE tenant_id = $1`
	args := []any{c.TenantID}
	idx := 2

	if !c.From.IsZero() {
		query += fmt.Sprintf(` AND applied_at >= $%d`, idx)
		args = append(args, c.From)
		idx++
	}
	if !c.To.IsZero() {
		query += fmt.Sprintf(` AND applied_at <= $%d`, idx)
		args = append(args, c.To)
		idx++
	}

	query += fmt.Sprintf(` ORDER BY applied_at, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	var limit any // NULL means no limit
	if c.Limit > 0 {
		limit = int64(c.Limit)
	}
	args = append(args, limit, int64(c.Offset))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(ctx, "query audit", err)
	}
	defer rows.Close()

	records := []billing.AuditRecord{}
	for rows.Next() {
		var (
			r                         billing.AuditRecord
			from, to, outcome, reason string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &from, &to, &r.CauseEventID, &r.Provider, &r.EventType, &outcome, &reason, &r.AppliedAt); err != nil {
			return nil, mapError(ctx, "scan audit", err)
		}
		r.FromStatus = billing.Status(from)
		r.ToStatus = billing.Status(to)
		r.Outcome = billing.Outcome(outcome)
		r.Reason = billing.IgnoreReason(reason)
		r.AppliedAt = r.AppliedAt.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(ctx, "query audit", err)
	}
	return records, nil
}

// tx implements billing.Tx on a pgx transaction.
type tx struct {
	q querier
}

// LockTenant takes pg_advisory_xact_lock on a hash of the tenant id.
func (t *tx) LockTenant(ctx context.Context, tenantID uuid.UUID) error {
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(tenantID)); err != nil {
		return mapError(ctx, "lock tenant", err)
	}
	return nil
}

func (t *tx) GetSubscription(ctx context.Context, tenantID uuid.UUID) (*billing.Subscription, error) {
	return getSubscription(ctx, t.q, tenantID)
}

func (t *tx) InsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	tag, err := t.q.Exec(ctx, insertSubscriptionSQL,
		sub.TenantID, string(sub.Tier), string(sub.Status), sub.PeriodEnd, sub.CancelAt,
		sub.StatusChangedAt, sub.LastEventAt, sub.LastEventID, sub.Version,
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return mapError(ctx, "insert subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: tenant %s already has a subscription", billing.ErrVersionConflict, sub.TenantID)
	}
	return nil
}

func (t *tx) UpdateSubscription(ctx context.Context, sub *billing.Subscription, expectedVersion int64) error {
	tag, err := t.q.Exec(ctx, updateSubscriptionSQL,
		sub.TenantID, string(sub.Tier), string(sub.Status), sub.PeriodEnd, sub.CancelAt,
		sub.StatusChangedAt, sub.LastEventAt, sub.LastEventID, sub.Version,
		sub.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return mapError(ctx, "update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: tenant %s", billing.ErrVersionConflict, sub.TenantID)
	}
	return nil
}

func (t *tx) ReserveEvent(ctx context.Context, rec billing.IdempotencyRecord) (billing.Reservation, error) {
	tag, err := t.q.Exec(ctx, insertEventSQL,
		rec.Provider, rec.EventID, rec.EventType, rec.TenantID, rec.ReceivedAt, string(rec.Outcome),
	)
	if err != nil {
		return 0, mapError(ctx, "reserve event", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.Duplicate, nil
	}
	return billing.Fresh, nil
}

func (t *tx) AppendAudit(ctx context.Context, rec billing.AuditRecord) error {
	_, err := t.q.Exec(ctx, insertAuditSQL,
		rec.ID, rec.TenantID, string(rec.FromStatus), string(rec.ToStatus), rec.CauseEventID,
		rec.Provider, rec.EventType, string(rec.Outcome), string(rec.Reason), rec.AppliedAt,
	)
	if err != nil {
		return mapError(ctx, "append audit", err)
	}
	return nil
}

func (t *tx) EnsureUsagePeriod(ctx context.Context, c billing.UsageCounter) (*billing.UsageCounter, error) {
	_, err := t.q.Exec(ctx, insertUsageSQL,
		c.TenantID, c.PeriodKey, c.Consumed, c.Limit, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(ctx, "ensure usage period", err)
	}
	return getUsage(ctx, t.q, c.TenantID, c.PeriodKey)
}

func (t *tx) IncrementUsage(ctx context.Context, tenantID uuid.UUID, periodKey string, amount, limit int64) (*billing.UsageCounter, bool, error) {
	counter, err := scanUsage(t.q.QueryRow(ctx, incrementUsageSQL, tenantID, periodKey, amount, limit, time.Now().UTC()))
	switch {
	case err == nil:
		return counter, true, nil
	case !pg.IsNotFoundError(err):
		return nil, false, mapError(ctx, "increment usage", err)
	}

	// refused or missing
	counter, err = getUsage(ctx, t.q, tenantID, periodKey)
	if err != nil {
		return nil, false, err
	}
	return counter, false, nil
}

func getSubscription(ctx context.Context, q querier, tenantID uuid.UUID) (*billing.Subscription, error) {
	var (
		sub          billing.Subscription
		tier, status string
	)
	err := q.QueryRow(ctx, selectSubscriptionSQL, tenantID).Scan(
		&sub.TenantID, &tier, &status, &sub.PeriodEnd, &sub.CancelAt,
		&sub.StatusChangedAt, &sub.LastEventAt, &sub.LastEventID, &sub.Version,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, mapError(ctx, "get subscription", err)
	}

	sub.Tier = billing.Tier(tier)
	sub.Status = billing.Status(status)
	sub.PeriodEnd = sub.PeriodEnd.UTC()
	sub.StatusChangedAt = sub.StatusChangedAt.UTC()
	sub.LastEventAt = sub.LastEventAt.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	if sub.CancelAt != nil {
		at := sub.CancelAt.UTC()
		sub.CancelAt = &at
	}
	return &sub, nil
}

func getUsage(ctx context.Context, q querier, tenantID uuid.UUID, periodKey string) (*billing.UsageCounter, error) {
	counter, err := scanUsage(q.QueryRow(ctx, selectUsageSQL, tenantID, periodKey))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, billing.ErrUsageNotFound
		}
		return nil, mapError(ctx, "get usage", err)
	}
	return counter, nil
}

func scanUsage(row pgx.Row) (*billing.UsageCounter, error) {
	var c billing.UsageCounter
	if err := row.Scan(&c.TenantID, &c.PeriodKey, &c.Consumed, &c.Limit, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func scanEvent(row pgx.Row) (*billing.IdempotencyRecord, error) {
	var (
		rec     billing.IdempotencyRecord
		outcome string
	)
	if err := row.Scan(&rec.Provider, &rec.EventID, &rec.EventType, &rec.TenantID, &rec.ReceivedAt, &outcome); err != nil {
		return nil, err
	}
	rec.Outcome = billing.Outcome(outcome)
	rec.ReceivedAt = rec.ReceivedAt.UTC()
	return &rec, nil
}

// lockKey maps a tenant to the bigint key space of advisory locks.
func lockKey(tenantID uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write([]byte("billing:tenant:"))
	h.Write(tenantID[:])
	return int64(h.Sum64())
}

// mapError keeps contract errors recognisable: cancelled waits surface the
// context error and serialization failures become version conflicts.
func mapError(ctx context.Context, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return errors.Join(ctx.Err(), fmt.Errorf("pgstore: %s: %w", op, err))
	case pg.IsSerializationError(err):
		return errors.Join(billing.ErrVersionConflict, fmt.Errorf("pgstore: %s: %w", op, err))
	default:
		return fmt.Errorf("pgstore: %s: %w", op, err)
	}
}
