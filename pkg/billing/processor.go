package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrymomot/billingkit/pkg/logger"
)

// Processor turns verified provider events into subscription transitions.
// One Processor serves one Source; it holds no tenant state between calls.
type Processor struct {
	store     Store
	source    Source
	ledger    *Ledger
	lifecycle *Lifecycle
	opts      *options
	notifies  sync.WaitGroup
}

// NewProcessor panics if store or a part of source is missing.
func NewProcessor(store Store, source Source, opts ...Option) *Processor {
	if store == nil {
		panic("billing: processor store cannot be nil")
	}
	if source.Name == "" || source.Verifier == nil || source.Normalizer == nil {
		panic("billing: processor source needs a name, a verifier and a normalizer")
	}
	o := applyOptions(opts)
	return &Processor{
		store:     store,
		source:    source,
		ledger:    NewLedger(store),
		lifecycle: NewLifecycle(o.policy),
		opts:      o,
	}
}

// Provider returns the source name.
func (p *Processor) Provider() string { return p.source.Name }

// ProcessEvent authenticates raw, deduplicates it and applies it to the
// tenant's subscription. A nil error means the provider may consider the event
// delivered; errors are ErrInvalidSignature, ErrStaleEvent, ErrInvalidPayload
// or ErrTransient. declaredAt is the delivery timestamp from the transport.
func (p *Processor) ProcessEvent(ctx context.Context, raw []byte, signature string, declaredAt time.Time) (Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.cfg.ProcessTimeout)
	defer cancel()
	ctx = logger.ContextWithAttrs(ctx, logger.Provider(p.source.Name))

	ack, err := p.process(ctx, raw, signature, declaredAt)
	if err != nil {
		p.opts.metrics.rejection(p.source.Name, err)
		if IsRetryable(err) {
			p.opts.logger.ErrorContext(ctx, "event processing failed", logger.Error(err))
		} else {
			p.opts.logger.WarnContext(ctx, "event rejected", logger.Error(err))
		}
		return Ack{}, err
	}
	p.opts.metrics.event(p.source.Name, ack.Outcome)
	return ack, nil
}

func (p *Processor) process(ctx context.Context, raw []byte, signature string, declaredAt time.Time) (Ack, error) {
	payload, err := p.source.Verifier.Verify(ctx, raw, signature, declaredAt)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrStaleEvent) || errors.Is(err, ErrInvalidPayload) {
			return Ack{}, err
		}
		return Ack{}, errors.Join(ErrInvalidSignature, err)
	}

	evt, err := p.source.Normalizer.Normalize(ctx, payload, declaredAt)
	if err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			return Ack{}, err
		}
		return Ack{}, errors.Join(ErrInvalidPayload, err)
	}

	h := evt.Header()
	ctx = logger.ContextWithAttrs(ctx,
		logger.EventID(h.ID),
		logger.EventType(h.Type),
		logger.TenantID(h.TenantID),
	)

	seen, err := p.ledger.Seen(ctx, p.source.Name, h.ID)
	if err != nil {
		return Ack{}, transient(err)
	}
	if seen {
		p.opts.logger.DebugContext(ctx, "duplicate event acknowledged")
		return Ack{Outcome: AckDuplicate, EventID: h.ID, TenantID: h.TenantID}, nil
	}

	if _, ok := evt.(UnknownEvent); ok {
		return p.recordUnknown(ctx, h)
	}
	return p.apply(ctx, evt)
}

// recordUnknown stores the event in the ledger so retries short-circuit.
func (p *Processor) recordUnknown(ctx context.Context, h EventHeader) (Ack, error) {
	ack := Ack{Outcome: AckUnknown, EventID: h.ID, TenantID: h.TenantID}

	err := p.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		res, err := p.ledger.CheckAndReserve(ctx, tx, p.ledgerRecord(h, OutcomeIgnored))
		if err != nil {
			return err
		}
		if res == Duplicate {
			ack.Outcome = AckDuplicate
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateEvent) {
		return Ack{Outcome: AckDuplicate, EventID: h.ID, TenantID: h.TenantID}, nil
	}
	if err != nil {
		return Ack{}, transient(err)
	}

	if ack.Outcome == AckUnknown {
		p.opts.logger.InfoContext(ctx, "unknown event type acknowledged")
	}
	return ack, nil
}

// apply runs the mutation cycle, restarting it from lock acquisition on
// version conflicts.
func (p *Processor) apply(ctx context.Context, evt Event) (Ack, error) {
	var (
		ack      Ack
		next     *Subscription
		attempts int
	)

	backoff := retry.WithMaxRetries(p.opts.cfg.MaxConflictRetries,
		retry.WithJitterPercent(10, retry.NewExponential(p.opts.cfg.ConflictBackoff)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		a, n, err := p.applyOnce(ctx, evt)
		if errors.Is(err, ErrVersionConflict) {
			p.opts.metrics.conflict("process_event")
			p.opts.logger.DebugContext(ctx, "version conflict, retrying", logger.RetryCount(attempts))
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		ack, next = a, n
		return nil
	})

	h := evt.Header()
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		// a concurrent delivery of the same event committed first
		return Ack{Outcome: AckDuplicate, EventID: h.ID, TenantID: h.TenantID}, nil
	case err != nil:
		return Ack{}, transient(err)
	}

	switch ack.Outcome {
	case AckApplied:
		p.opts.logger.InfoContext(ctx, "transition applied",
			logger.Transition(ack.From, ack.To),
			slog.Int64("version", next.Version),
		)
		p.notify(ctx, evt, ack, next)
	case AckIgnored:
		p.opts.logger.DebugContext(ctx, "event ignored",
			logger.Reason(string(ack.Reason)),
			slog.String("status", string(ack.From)),
		)
	case AckDuplicate:
		p.opts.logger.DebugContext(ctx, "duplicate event acknowledged")
	}
	return ack, nil
}

func (p *Processor) applyOnce(ctx context.Context, evt Event) (Ack, *Subscription, error) {
	h := evt.Header()
	var (
		ack  Ack
		next *Subscription
	)

	err := p.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockTenant(ctx, h.TenantID); err != nil {
			return err
		}

		current, err := tx.GetSubscription(ctx, h.TenantID)
		switch {
		case errors.Is(err, ErrSubscriptionNotFound):
			current = nil
		case err != nil:
			return err
		}

		now := p.opts.now().UTC()
		ev, err := p.lifecycle.Evaluate(ctx, current, evt, now)
		if err != nil {
			return err
		}

		outcome := OutcomeIgnored
		if ev.Applied() {
			outcome = OutcomeApplied
		}
		res, err := p.ledger.CheckAndReserve(ctx, tx, p.ledgerRecord(h, outcome))
		if err != nil {
			return err
		}
		if res == Duplicate {
			ack = Ack{Outcome: AckDuplicate, EventID: h.ID, TenantID: h.TenantID}
			return nil
		}

		if ev.Applied() {
			if current == nil {
				err = tx.InsertSubscription(ctx, ev.Next)
			} else {
				err = tx.UpdateSubscription(ctx, ev.Next, current.Version)
			}
			if err != nil {
				return err
			}
		}

		err = tx.AppendAudit(ctx, AuditRecord{
			ID:           uuid.New(),
			TenantID:     h.TenantID,
			FromStatus:   ev.From,
			ToStatus:     ev.To,
			CauseEventID: h.ID,
			Provider:     p.source.Name,
			EventType:    h.Type,
			Outcome:      outcome,
			Reason:       ev.Reason,
			AppliedAt:    now,
		})
		if err != nil {
			return err
		}

		ack = Ack{EventID: h.ID, TenantID: h.TenantID, From: ev.From, To: ev.To, Reason: ev.Reason}
		if ev.Applied() {
			ack.Outcome = AckApplied
			next = ev.Next
		} else {
			ack.Outcome = AckIgnored
		}
		return nil
	})
	if err != nil {
		return Ack{}, nil, err
	}
	return ack, next, nil
}

func (p *Processor) ledgerRecord(h EventHeader, outcome Outcome) IdempotencyRecord {
	return IdempotencyRecord{
		Provider:   p.source.Name,
		EventID:    h.ID,
		EventType:  h.Type,
		TenantID:   h.TenantID,
		ReceivedAt: p.opts.now().UTC(),
		Outcome:    outcome,
	}
}

// notify delivers the change asynchronously; the caller's deadline does not apply.
func (p *Processor) notify(ctx context.Context, evt Event, ack Ack, sub *Subscription) {
	h := evt.Header()
	change := StateChange{
		TenantID:   h.TenantID,
		From:       ack.From,
		To:         ack.To,
		Tier:       sub.Tier,
		EventID:    h.ID,
		Provider:   p.source.Name,
		EventType:  h.Type,
		OccurredAt: h.OccurredAt,
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.cfg.NotifyTimeout)
	p.notifies.Add(1)
	go func() {
		defer p.notifies.Done()
		defer cancel()
		if err := p.opts.notifier.NotifyStateChanged(ctx, change); err != nil {
			p.opts.logger.WarnContext(ctx, "state change notification failed", logger.Error(err))
		}
	}()
}

// Wait blocks until pending notifications finish.
func (p *Processor) Wait() {
	p.notifies.Wait()
}
