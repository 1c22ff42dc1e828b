package billing

import (
	"time"

	"github.com/google/uuid"
)

// EventHeader is carried by every normalized event.
type EventHeader struct {
	ID         string // provider-assigned idempotency key
	Provider   string
	Type       string // provider event type as received
	TenantID   uuid.UUID
	OccurredAt time.Time
}

// Header returns the common event fields.
func (h EventHeader) Header() EventHeader { return h }

// Event is the closed set of lifecycle events understood by the engine.
// Implementations: TrialStarted, PaymentSucceeded, PaymentFailed, PlanChanged,
// CancellationRequested, SubscriptionEnded and UnknownEvent.
type Event interface {
	Name() string
	Header() EventHeader
	sealed()
}

// Event names, used as transition table keys.
const (
	EventTrialStarted          = "trial_started"
	EventPaymentSucceeded      = "payment_succeeded"
	EventPaymentFailed         = "payment_failed"
	EventPlanChanged           = "plan_changed"
	EventCancellationRequested = "cancellation_requested"
	EventSubscriptionEnded     = "subscription_ended"
	EventUnknown               = "unknown"
)

type TrialStarted struct {
	EventHeader
	PeriodEnd time.Time
	Tier      Tier // optional, defaults to TierTrial
}

type PaymentSucceeded struct {
	EventHeader
	PeriodEnd time.Time // optional, renewals advance one month when absent
	Tier      Tier      // optional
}

type PaymentFailed struct {
	EventHeader
}

type PlanChanged struct {
	EventHeader
	NewTier Tier
}

type CancellationRequested struct {
	EventHeader
	EffectiveAt time.Time // optional, the period end applies when absent
}

type SubscriptionEnded struct {
	EventHeader
}

// UnknownEvent is a verified event whose type the normalizer does not map.
// It is acknowledged and recorded in the idempotency ledger only.
type UnknownEvent struct {
	EventHeader
}

func (TrialStarted) Name() string          { return EventTrialStarted }
func (PaymentSucceeded) Name() string      { return EventPaymentSucceeded }
func (PaymentFailed) Name() string         { return EventPaymentFailed }
func (PlanChanged) Name() string           { return EventPlanChanged }
func (CancellationRequested) Name() string { return EventCancellationRequested }
func (SubscriptionEnded) Name() string     { return EventSubscriptionEnded }
func (UnknownEvent) Name() string          { return EventUnknown }

func (TrialStarted) sealed()          {}
func (PaymentSucceeded) sealed()      {}
func (PaymentFailed) sealed()         {}
func (PlanChanged) sealed()           {}
func (CancellationRequested) sealed() {}
func (SubscriptionEnded) sealed()     {}
func (UnknownEvent) sealed()          {}
