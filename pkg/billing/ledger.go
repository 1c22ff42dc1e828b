package billing

import (
	"context"
	"errors"
	"fmt"
)

// Reservation is the result of an idempotency check.
type Reservation int

const (
	// Fresh means the caller owns the event and must apply it.
	Fresh Reservation = iota + 1
	// Duplicate means the event was already processed; acknowledge it.
	Duplicate
)

func (r Reservation) String() string {
	switch r {
	case Fresh:
		return "fresh"
	case Duplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("reservation(%d)", int(r))
	}
}

// Ledger deduplicates provider events by (provider, event ID).
type Ledger struct {
	store Store
}

// NewLedger panics on a nil store.
func NewLedger(store Store) *Ledger {
	if store == nil {
		panic("billing: ledger store cannot be nil")
	}
	return &Ledger{store: store}
}

// Seen is the lock-free fast path used to short-circuit provider retries.
// It can report false for an event that is being committed concurrently;
// CheckAndReserve settles those races.
func (l *Ledger) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	_, err := l.store.LookupEvent(ctx, provider, eventID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrEventNotFound):
		return false, nil
	default:
		return false, err
	}
}

// CheckAndReserve records rec inside tx. Exactly one of several concurrent
// callers for the same event observes Fresh.
func (l *Ledger) CheckAndReserve(ctx context.Context, tx Tx, rec IdempotencyRecord) (Reservation, error) {
	if rec.Provider == "" || rec.EventID == "" {
		return 0, fmt.Errorf("%w: provider and event ID are required", ErrInvalidPayload)
	}
	return tx.ReserveEvent(ctx, rec)
}
