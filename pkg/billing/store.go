package billing

import (
	"context"

	"github.com/google/uuid"
)

// Store persists subscriptions, usage counters, the idempotency ledger and the
// audit log. Every mutation goes through Atomic.
type Store interface {
	// Atomic runs fn in a transaction. A non-nil error from fn rolls back every
	// write made through tx. Commit may fail with ErrDuplicateEvent or
	// ErrVersionConflict when a concurrent transaction won a race.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// LookupEvent returns the ledger record without locking.
	// Returns ErrEventNotFound if the event has not been processed.
	LookupEvent(ctx context.Context, provider, eventID string) (*IdempotencyRecord, error)

	// GetSubscription returns ErrSubscriptionNotFound for unknown tenants.
	GetSubscription(ctx context.Context, tenantID uuid.UUID) (*Subscription, error)

	// GetUsage returns ErrUsageNotFound if the period has no counter yet.
	GetUsage(ctx context.Context, tenantID uuid.UUID, periodKey string) (*UsageCounter, error)

	// QueryAudit returns records ordered by AppliedAt, then ID.
	QueryAudit(ctx context.Context, criteria AuditCriteria) ([]AuditRecord, error)
}

// Tx is the transactional view handed to Store.Atomic callbacks.
type Tx interface {
	// LockTenant serializes transactions of one tenant until the transaction ends.
	// It is the only blocking call and must honour the context deadline.
	LockTenant(ctx context.Context, tenantID uuid.UUID) error

	GetSubscription(ctx context.Context, tenantID uuid.UUID) (*Subscription, error)

	// InsertSubscription returns ErrVersionConflict if the tenant already has one.
	InsertSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription writes sub only if the stored version still equals
	// expectedVersion, otherwise ErrVersionConflict.
	UpdateSubscription(ctx context.Context, sub *Subscription, expectedVersion int64) error

	// ReserveEvent inserts rec unless (Provider, EventID) is already recorded.
	ReserveEvent(ctx context.Context, rec IdempotencyRecord) (Reservation, error)

	AppendAudit(ctx context.Context, rec AuditRecord) error

	// EnsureUsagePeriod inserts counter if no row exists for its tenant and
	// period and returns the stored row either way.
	EnsureUsagePeriod(ctx context.Context, counter UsageCounter) (*UsageCounter, error)

	// IncrementUsage adds amount to the period counter only if the result stays
	// within limit (or limit is Unlimited) and records limit on the row. The
	// returned counter reflects the stored state; ok is false when refused.
	IncrementUsage(ctx context.Context, tenantID uuid.UUID, periodKey string, amount, limit int64) (counter *UsageCounter, ok bool, err error)
}
