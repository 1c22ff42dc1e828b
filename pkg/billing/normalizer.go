package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Normalizer turns a verified provider payload into an Event. Unrecognised
// event types become UnknownEvent; structurally broken payloads fail with
// ErrInvalidPayload. declaredAt is used when the payload has no timestamp.
type Normalizer interface {
	Normalize(ctx context.Context, payload []byte, declaredAt time.Time) (Event, error)
}

// Canonical event types of the JSON envelope.
const (
	TypeTrialStarted          = "trial.started"
	TypePaymentSucceeded      = "payment.succeeded"
	TypePaymentFailed         = "payment.failed"
	TypePlanChanged           = "plan.changed"
	TypeCancellationRequested = "cancellation.requested"
	TypeSubscriptionEnded     = "subscription.ended"
)

// Envelope is the canonical event document accepted by JSONNormalizer.
type Envelope struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	OccurredAt *time.Time   `json:"occurred_at,omitempty"`
	TenantID   string       `json:"tenant_id,omitempty"`
	Data       EnvelopeData `json:"data"`
}

// EnvelopeData holds the optional per-type fields.
type EnvelopeData struct {
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	Tier        string     `json:"tier,omitempty"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
}

// JSONNormalizer decodes the canonical Envelope.
type JSONNormalizer struct {
	Provider string
}

func (n JSONNormalizer) Normalize(_ context.Context, payload []byte, declaredAt time.Time) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}

	kind := ""
	switch env.Type {
	case TypeTrialStarted:
		kind = EventTrialStarted
	case TypePaymentSucceeded:
		kind = EventPaymentSucceeded
	case TypePaymentFailed:
		kind = EventPaymentFailed
	case TypePlanChanged:
		kind = EventPlanChanged
	case TypeCancellationRequested:
		kind = EventCancellationRequested
	case TypeSubscriptionEnded:
		kind = EventSubscriptionEnded
	}

	return buildEvent(kind, eventFields{
		id:          env.ID,
		provider:    n.Provider,
		typ:         env.Type,
		tenantID:    env.TenantID,
		occurredAt:  deref(env.OccurredAt),
		declaredAt:  declaredAt,
		periodEnd:   deref(env.Data.PeriodEnd),
		tier:        env.Data.Tier,
		effectiveAt: deref(env.Data.EffectiveAt),
	})
}

// eventFields is the provider-neutral result of decoding a payload.
type eventFields struct {
	id          string
	provider    string
	typ         string
	tenantID    string
	occurredAt  time.Time
	declaredAt  time.Time
	periodEnd   time.Time
	tier        string
	effectiveAt time.Time
}

// buildEvent validates f and constructs the variant named by kind.
// An empty kind yields UnknownEvent.
func buildEvent(kind string, f eventFields) (Event, error) {
	if f.id == "" {
		return nil, fmt.Errorf("%w: event ID is required", ErrInvalidPayload)
	}

	h := EventHeader{
		ID:         f.id,
		Provider:   f.provider,
		Type:       f.typ,
		OccurredAt: f.occurredAt,
	}
	if h.OccurredAt.IsZero() {
		h.OccurredAt = f.declaredAt
	}
	h.OccurredAt = h.OccurredAt.UTC()

	if f.tenantID != "" {
		id, err := uuid.Parse(f.tenantID)
		if err != nil {
			return nil, errors.Join(ErrInvalidPayload, fmt.Errorf("tenant ID %q: %w", f.tenantID, err))
		}
		h.TenantID = id
	}

	if kind == "" {
		return UnknownEvent{EventHeader: h}, nil
	}
	if h.TenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: %s event without tenant ID", ErrInvalidPayload, f.typ)
	}
	if h.OccurredAt.IsZero() {
		return nil, fmt.Errorf("%w: %s event without timestamp", ErrInvalidPayload, f.typ)
	}

	// only events that carry a tier validate it
	var tier Tier
	switch kind {
	case EventTrialStarted, EventPaymentSucceeded, EventPlanChanged:
		var err error
		if tier, err = ParseTier(f.tier); err != nil {
			return nil, err
		}
	}

	switch kind {
	case EventTrialStarted:
		if f.periodEnd.IsZero() {
			return nil, fmt.Errorf("%w: trial start without period end", ErrInvalidPayload)
		}
		return TrialStarted{EventHeader: h, PeriodEnd: f.periodEnd.UTC(), Tier: tier}, nil
	case EventPaymentSucceeded:
		return PaymentSucceeded{EventHeader: h, PeriodEnd: f.periodEnd.UTC(), Tier: tier}, nil
	case EventPaymentFailed:
		return PaymentFailed{EventHeader: h}, nil
	case EventPlanChanged:
		if tier == "" {
			return nil, fmt.Errorf("%w: plan change without tier", ErrInvalidPayload)
		}
		return PlanChanged{EventHeader: h, NewTier: tier}, nil
	case EventCancellationRequested:
		return CancellationRequested{EventHeader: h, EffectiveAt: f.effectiveAt.UTC()}, nil
	case EventSubscriptionEnded:
		return SubscriptionEnded{EventHeader: h}, nil
	default:
		return nil, fmt.Errorf("billing: unsupported event kind %q", kind)
	}
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
