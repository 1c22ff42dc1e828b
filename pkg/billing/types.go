package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a tenant's subscription.
type Status string

const (
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
)

// Name implements statemachine.State.
func (s Status) Name() string {
	if s == "" {
		return "none"
	}
	return string(s)
}

// Tier selects the usage limit for a subscription.
type Tier string

const (
	TierTrial    Tier = "trial"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierTrial, TierStandard, TierPremium:
		return true
	}
	return false
}

// ParseTier maps a provider tier name to a known tier, ignoring case and
// surrounding spaces. An empty name yields an empty tier.
func ParseTier(name string) (Tier, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", nil
	}
	if t := Tier(name); t.Valid() {
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidPayload, name)
}

// Unlimited is the usage limit value for tiers without a quota.
const Unlimited int64 = -1

// Subscription is the reconciled state of one tenant. Exactly one row exists
// per tenant once the first trial has started; rows are never deleted.
type Subscription struct {
	TenantID        uuid.UUID
	Tier            Tier
	Status          Status
	PeriodEnd       time.Time
	CancelAt        *time.Time // effective time of a requested cancellation
	StatusChangedAt time.Time

	// LastEventAt and LastEventID form the watermark of the latest applied event.
	LastEventAt time.Time
	LastEventID string
	Version     int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.CancelAt != nil {
		at := *s.CancelAt
		c.CancelAt = &at
	}
	return &c
}

// UsageCounter tracks consumption for one tenant within one billing period.
type UsageCounter struct {
	TenantID  uuid.UUID
	PeriodKey string
	Consumed  int64
	Limit     int64 // Unlimited (-1) disables the check
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns how many units can still be consumed, or Unlimited.
func (u UsageCounter) Remaining() int64 {
	if u.Limit == Unlimited {
		return Unlimited
	}
	return max(u.Limit-u.Consumed, 0)
}

// Allows reports whether amount more units fit under the limit.
func (u UsageCounter) Allows(amount int64) bool {
	return u.Limit == Unlimited || u.Consumed+amount <= u.Limit
}

// Outcome is how a processed event affected the subscription.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRejected Outcome = "rejected"
)

// IgnoreReason explains why a verified event did not change the subscription.
type IgnoreReason string

const (
	ReasonNoSubscription IgnoreReason = "no_subscription"
	ReasonNoTransition   IgnoreReason = "no_transition"
	ReasonTerminal       IgnoreReason = "terminal"
	ReasonStale          IgnoreReason = "stale"
)

// IdempotencyRecord marks a provider event as processed. It is written once,
// in the same transaction as the mutation it gates.
type IdempotencyRecord struct {
	Provider   string
	EventID    string
	EventType  string
	TenantID   uuid.UUID // uuid.Nil for events without a tenant
	ReceivedAt time.Time
	Outcome    Outcome
}

// AuditRecord is an append-only trace of one processed tenant event.
type AuditRecord struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	FromStatus   Status // empty when the tenant had no subscription
	ToStatus     Status
	CauseEventID string
	Provider     string
	EventType    string
	Outcome      Outcome
	Reason       IgnoreReason
	AppliedAt    time.Time
}

// AuditCriteria filters audit records. Zero From or To leaves that side open.
type AuditCriteria struct {
	TenantID uuid.UUID
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// AckOutcome classifies a successfully handled event.
type AckOutcome string

const (
	AckApplied   AckOutcome = "applied"
	AckDuplicate AckOutcome = "duplicate"
	AckIgnored   AckOutcome = "ignored"
	AckUnknown   AckOutcome = "unknown"
)

// Ack is returned when the provider should consider the event delivered.
type Ack struct {
	Outcome  AckOutcome
	EventID  string
	TenantID uuid.UUID
	From     Status
	To       Status
	Reason   IgnoreReason
}

// DenyReason explains a refused usage request.
type DenyReason string

const (
	DenyNoActiveSubscription DenyReason = "no_active_subscription"
	DenyQuotaExceeded        DenyReason = "quota_exceeded"
	DenyGracePeriodExpired   DenyReason = "grace_period_expired"
)

// Decision is the result of a quota check.
type Decision struct {
	Granted   bool
	Reason    DenyReason
	Consumed  int64
	Limit     int64
	PeriodKey string
}

// StateChange is passed to the Notifier after a transition is committed.
type StateChange struct {
	TenantID   uuid.UUID
	From       Status
	To         Status
	Tier       Tier
	EventID    string
	Provider   string
	EventType  string
	OccurredAt time.Time
}
