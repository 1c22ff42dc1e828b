package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrymomot/billingkit/pkg/logger"
)

// Enforcer gates feature usage on the subscription state. Every consumption
// path goes through TryConsume so they share one atomic accounting rule.
type Enforcer struct {
	store Store
	opts  *options
}

// NewEnforcer panics on a nil store.
func NewEnforcer(store Store, opts ...Option) *Enforcer {
	if store == nil {
		panic("billing: enforcer store cannot be nil")
	}
	return &Enforcer{store: store, opts: applyOptions(opts)}
}

// TryConsume grants amount units to tenantID when the subscription allows
// usage and the period counter stays within the tier limit. A denial is a
// normal result with a reason; errors mean the decision could not be made.
func (e *Enforcer) TryConsume(ctx context.Context, tenantID uuid.UUID, amount int64) (Decision, error) {
	if tenantID == uuid.Nil {
		return Decision{}, ErrInvalidTenantID
	}
	if amount <= 0 {
		return Decision{}, ErrInvalidAmount
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.cfg.ProcessTimeout)
	defer cancel()
	ctx = logger.ContextWithAttrs(ctx, logger.TenantID(tenantID))

	var dec Decision
	backoff := retry.WithMaxRetries(e.opts.cfg.MaxConflictRetries,
		retry.WithJitterPercent(10, retry.NewExponential(e.opts.cfg.ConflictBackoff)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		d, err := e.consumeOnce(ctx, tenantID, amount)
		if errors.Is(err, ErrVersionConflict) {
			e.opts.metrics.conflict("try_consume")
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		dec = d
		return nil
	})
	if err != nil {
		err = transient(err)
		e.opts.logger.ErrorContext(ctx, "quota check failed", logger.Error(err))
		return Decision{}, err
	}

	e.opts.metrics.decision(dec)
	if !dec.Granted {
		e.opts.logger.DebugContext(ctx, "usage denied",
			logger.Reason(string(dec.Reason)),
			slog.Int64("consumed", dec.Consumed),
			slog.Int64("limit", dec.Limit),
		)
	}
	return dec, nil
}

func (e *Enforcer) consumeOnce(ctx context.Context, tenantID uuid.UUID, amount int64) (Decision, error) {
	var dec Decision

	err := e.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockTenant(ctx, tenantID); err != nil {
			return err
		}

		sub, err := tx.GetSubscription(ctx, tenantID)
		switch {
		case errors.Is(err, ErrSubscriptionNotFound):
			dec = Decision{Reason: DenyNoActiveSubscription}
			return nil
		case err != nil:
			return err
		}

		now := e.opts.now().UTC()
		if _, reason, ok := e.opts.policy.Coverage(sub, now); !ok {
			dec = Decision{Reason: reason}
			return nil
		}

		limit := e.opts.policy.Limit(sub.Tier)
		key := PeriodKey(CurrentPeriodEnd(sub.PeriodEnd, now))

		if _, err := tx.EnsureUsagePeriod(ctx, UsageCounter{
			TenantID:  tenantID,
			PeriodKey: key,
			Limit:     limit,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}

		counter, ok, err := tx.IncrementUsage(ctx, tenantID, key, amount, limit)
		if err != nil {
			return err
		}

		dec = Decision{Granted: ok, Consumed: counter.Consumed, Limit: limit, PeriodKey: key}
		if !ok {
			dec.Reason = DenyQuotaExceeded
		}
		return nil
	})
	return dec, err
}

// Usage returns the counter of the tenant's current period without consuming.
// A period with no usage yet yields a zero counter carrying the tier limit.
func (e *Enforcer) Usage(ctx context.Context, tenantID uuid.UUID) (UsageCounter, error) {
	if tenantID == uuid.Nil {
		return UsageCounter{}, ErrInvalidTenantID
	}

	sub, err := e.store.GetSubscription(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return UsageCounter{}, err
		}
		return UsageCounter{}, transient(err)
	}

	now := e.opts.now().UTC()
	key := PeriodKey(CurrentPeriodEnd(sub.PeriodEnd, now))
	counter, err := e.store.GetUsage(ctx, tenantID, key)
	switch {
	case errors.Is(err, ErrUsageNotFound):
		return UsageCounter{TenantID: tenantID, PeriodKey: key, Limit: e.opts.policy.Limit(sub.Tier)}, nil
	case err != nil:
		return UsageCounter{}, transient(err)
	}
	return *counter, nil
}
