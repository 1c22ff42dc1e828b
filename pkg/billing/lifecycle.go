package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/statemachine"
)

// statusNone is the table state of a tenant without a subscription.
const statusNone Status = ""

// Evaluation is the outcome of running one event against a subscription.
type Evaluation struct {
	From   Status
	To     Status
	Next   *Subscription // nil unless Applied
	Reason IgnoreReason  // set unless Applied
}

// Applied reports whether the event changes the subscription.
func (e Evaluation) Applied() bool { return e.Next != nil }

// Lifecycle evaluates events against the subscription transition table.
// It is stateless and safe for concurrent use.
type Lifecycle struct {
	table statemachine.StateMachine
	paid  Tier
}

// mutation is the working copy passed to transition actions.
type mutation struct {
	sub   *Subscription
	event Event
}

// NewLifecycle builds the transition table. Trials promoted by their first
// payment move to policy.DefaultPaidTier and, unless the payment names a
// period end, start a one-month period at the payment time.
func NewLifecycle(policy QuotaPolicy) *Lifecycle {
	l := &Lifecycle{paid: policy.paidTier()}

	l.table = statemachine.MustNew(
		statemachine.WithTransition(statusNone, StatusTrialing, eventKey(EventTrialStarted),
			statemachine.WithAction(startTrial)),

		statemachine.WithTransition(StatusTrialing, StatusActive, eventKey(EventPaymentSucceeded),
			statemachine.WithAction(l.applyPayment)),
		statemachine.WithTransition(StatusTrialing, StatusCancelled, eventKey(EventSubscriptionEnded)),

		// renewal
		statemachine.WithTransition(StatusActive, StatusActive, eventKey(EventPaymentSucceeded),
			statemachine.WithAction(l.applyPayment)),
		statemachine.WithTransition(StatusActive, StatusPastDue, eventKey(EventPaymentFailed)),
		statemachine.WithTransition(StatusActive, StatusCancelling, eventKey(EventCancellationRequested),
			statemachine.WithAction(requestCancellation)),
		statemachine.WithTransition(StatusActive, StatusActive, eventKey(EventPlanChanged),
			statemachine.WithGuard(hasNewTier),
			statemachine.WithAction(changePlan)),

		statemachine.WithTransition(StatusPastDue, StatusActive, eventKey(EventPaymentSucceeded),
			statemachine.WithAction(l.applyPayment)),
		statemachine.WithTransition(StatusPastDue, StatusCancelled, eventKey(EventSubscriptionEnded)),

		statemachine.WithTransition(StatusCancelling, StatusCancelled, eventKey(EventSubscriptionEnded)),
	)
	return l
}

// Evaluate decides how evt affects current (nil when the tenant has no
// subscription). It never mutates current. Checks run in order: missing
// subscription, terminal state, watermark, transition table.
func (l *Lifecycle) Evaluate(ctx context.Context, current *Subscription, evt Event, now time.Time) (Evaluation, error) {
	if err := validateEvent(evt); err != nil {
		return Evaluation{}, err
	}

	from := statusNone
	if current != nil {
		from = current.Status
	}
	ev := Evaluation{From: from, To: from}

	switch {
	case current == nil && evt.Name() != EventTrialStarted:
		ev.Reason = ReasonNoSubscription
		return ev, nil
	case from == StatusCancelled:
		ev.Reason = ReasonTerminal
		return ev, nil
	case current != nil && IsStale(current, evt.Header()):
		ev.Reason = ReasonStale
		return ev, nil
	}

	next := current.Clone()
	if next == nil {
		next = &Subscription{TenantID: evt.Header().TenantID, CreatedAt: now}
	}

	to, err := l.table.Fire(ctx, from, eventKey(evt.Name()), &mutation{sub: next, event: evt})
	if err != nil {
		if statemachine.IsNoTransitionAvailableError(err) || statemachine.IsTransitionRejectedError(err) {
			ev.Reason = ReasonNoTransition
			return ev, nil
		}
		return ev, fmt.Errorf("evaluate %s in %s: %w", evt.Name(), from.Name(), err)
	}

	h := evt.Header()
	next.Status = to.(Status)
	if next.Status != from {
		next.StatusChangedAt = h.OccurredAt
	}
	next.LastEventAt = h.OccurredAt
	next.LastEventID = h.ID
	next.Version++
	next.UpdatedAt = now

	ev.To = next.Status
	ev.Next = next
	return ev, nil
}

// validateEvent rejects events that would leave the subscription with an
// unknown tier or a trial without an end.
func validateEvent(evt Event) error {
	var tier Tier
	switch e := evt.(type) {
	case TrialStarted:
		if e.PeriodEnd.IsZero() {
			return fmt.Errorf("%w: trial start without period end", ErrInvalidPayload)
		}
		tier = e.Tier
	case PaymentSucceeded:
		tier = e.Tier
	case PlanChanged:
		tier = e.NewTier
	}
	if tier != "" && !tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidPayload, tier)
	}
	return nil
}

// Events lists the event names accepted in status.
func (l *Lifecycle) Events(status Status) []string {
	return l.table.Events(status)
}

// IsStale reports whether an event is older than the watermark of sub.
// Events with the same timestamp are ordered by event ID.
func IsStale(sub *Subscription, h EventHeader) bool {
	if sub.LastEventAt.IsZero() && sub.LastEventID == "" {
		return false
	}
	if h.OccurredAt.Before(sub.LastEventAt) {
		return true
	}
	return h.OccurredAt.Equal(sub.LastEventAt) && h.ID <= sub.LastEventID
}

type eventKey string

func (k eventKey) Name() string { return string(k) }

func mutationOf(data any) (*mutation, error) {
	m, ok := data.(*mutation)
	if !ok || m == nil || m.sub == nil {
		return nil, errors.New("billing: transition data is not a subscription mutation")
	}
	return m, nil
}

func startTrial(_ context.Context, _, _ statemachine.State, _ statemachine.Event, data any) error {
	m, err := mutationOf(data)
	if err != nil {
		return err
	}
	e, ok := m.event.(TrialStarted)
	if !ok {
		return fmt.Errorf("billing: unexpected event %T for trial start", m.event)
	}
	m.sub.Tier = TierTrial
	if e.Tier != "" {
		m.sub.Tier = e.Tier
	}
	m.sub.PeriodEnd = e.PeriodEnd
	return nil
}

func (l *Lifecycle) applyPayment(_ context.Context, from, _ statemachine.State, _ statemachine.Event, data any) error {
	m, err := mutationOf(data)
	if err != nil {
		return err
	}
	e, ok := m.event.(PaymentSucceeded)
	if !ok {
		return fmt.Errorf("billing: unexpected event %T for payment", m.event)
	}

	switch {
	case e.Tier != "":
		m.sub.Tier = e.Tier
	case m.sub.Tier == TierTrial || m.sub.Tier == "":
		m.sub.Tier = l.paid
	}

	switch {
	case !e.PeriodEnd.IsZero():
		m.sub.PeriodEnd = e.PeriodEnd
	case from == StatusTrialing:
		// the first paid period starts at the payment, not at the trial's end
		m.sub.PeriodEnd = e.OccurredAt.AddDate(0, 1, 0)
	case from == StatusActive && !m.sub.PeriodEnd.IsZero():
		m.sub.PeriodEnd = m.sub.PeriodEnd.AddDate(0, 1, 0)
	}
	return nil
}

func requestCancellation(_ context.Context, _, _ statemachine.State, _ statemachine.Event, data any) error {
	m, err := mutationOf(data)
	if err != nil {
		return err
	}
	e, ok := m.event.(CancellationRequested)
	if !ok {
		return fmt.Errorf("billing: unexpected event %T for cancellation", m.event)
	}
	m.sub.CancelAt = nil
	if !e.EffectiveAt.IsZero() {
		at := e.EffectiveAt
		m.sub.CancelAt = &at
	}
	return nil
}

func hasNewTier(_ context.Context, _ statemachine.State, _ statemachine.Event, data any) bool {
	m, err := mutationOf(data)
	if err != nil {
		return false
	}
	e, ok := m.event.(PlanChanged)
	return ok && e.NewTier != ""
}

func changePlan(_ context.Context, _, _ statemachine.State, _ statemachine.Event, data any) error {
	m, err := mutationOf(data)
	if err != nil {
		return err
	}
	m.sub.Tier = m.event.(PlanChanged).NewTier
	return nil
}
