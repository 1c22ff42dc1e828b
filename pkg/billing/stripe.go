package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// ProviderStripe is the source name of Stripe events.
const ProviderStripe = "stripe"

// StripeVerifier checks the Stripe-Signature header. The timestamp is taken
// from the header itself, so declaredAt is ignored.
type StripeVerifier struct {
	secrets   []string
	tolerance time.Duration
}

// NewStripeVerifier accepts several endpoint secrets to allow rotation.
func NewStripeVerifier(tolerance time.Duration, secrets ...string) (*StripeVerifier, error) {
	active := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil, ErrMissingSecret
	}
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	return &StripeVerifier{secrets: active, tolerance: tolerance}, nil
}

func (v *StripeVerifier) Verify(_ context.Context, payload []byte, signature string, _ time.Time) ([]byte, error) {
	if signature == "" {
		return nil, errors.Join(ErrInvalidSignature, stripewebhook.ErrNotSigned)
	}

	var last error
	for _, secret := range v.secrets {
		err := stripewebhook.ValidatePayloadWithTolerance(payload, signature, secret, v.tolerance)
		if err == nil {
			return payload, nil
		}
		if errors.Is(err, stripewebhook.ErrTooOld) {
			return nil, errors.Join(ErrStaleEvent, err)
		}
		last = err
	}
	return nil, errors.Join(ErrInvalidSignature, last)
}

// StripeNormalizer maps Stripe events to engine events. The tenant is read
// from the "tenant_id" metadata key of the subscription (or of the invoice's
// subscription details); an optional "tier" key carries the plan tier.
//
//	customer.subscription.created (trialing)  -> TrialStarted
//	invoice.paid                              -> PaymentSucceeded
//	invoice.payment_failed                    -> PaymentFailed
//	customer.subscription.updated (cancel)    -> CancellationRequested
//	customer.subscription.updated (tier)      -> PlanChanged
//	customer.subscription.deleted             -> SubscriptionEnded
type StripeNormalizer struct{}

// stripeObject holds the subset of subscription and invoice fields we read.
type stripeObject struct {
	Status              string            `json:"status"`
	Metadata            map[string]string `json:"metadata"`
	TrialEnd            int64             `json:"trial_end"`
	CurrentPeriodEnd    int64             `json:"current_period_end"`
	CancelAtPeriodEnd   bool              `json:"cancel_at_period_end"`
	CancelAt            int64             `json:"cancel_at"`
	PeriodEnd           int64             `json:"period_end"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines *struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (o stripeObject) meta(key string) string {
	if v := o.Metadata[key]; v != "" {
		return v
	}
	if o.SubscriptionDetails != nil {
		return o.SubscriptionDetails.Metadata[key]
	}
	return ""
}

func (o stripeObject) invoicePeriodEnd() int64 {
	if o.Lines != nil && len(o.Lines.Data) > 0 && o.Lines.Data[0].Period.End > 0 {
		return o.Lines.Data[0].Period.End
	}
	return o.PeriodEnd
}

func (StripeNormalizer) Normalize(_ context.Context, payload []byte, declaredAt time.Time) (Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}

	var obj stripeObject
	if evt.Data != nil && len(evt.Data.Raw) > 0 {
		if err := json.Unmarshal(evt.Data.Raw, &obj); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}
	}

	f := eventFields{
		id:         evt.ID,
		provider:   ProviderStripe,
		typ:        string(evt.Type),
		tenantID:   obj.meta("tenant_id"),
		occurredAt: unixTime(evt.Created),
		declaredAt: declaredAt,
		tier:       obj.meta("tier"),
	}

	kind := ""
	switch evt.Type {
	case "customer.subscription.created":
		if obj.Status == "trialing" {
			kind = EventTrialStarted
			f.periodEnd = unixTime(obj.TrialEnd)
			if f.periodEnd.IsZero() {
				f.periodEnd = unixTime(obj.CurrentPeriodEnd)
			}
		}
	case "invoice.paid":
		kind = EventPaymentSucceeded
		f.periodEnd = unixTime(obj.invoicePeriodEnd())
	case "invoice.payment_failed":
		kind = EventPaymentFailed
	case "customer.subscription.updated":
		switch {
		case obj.CancelAtPeriodEnd || obj.CancelAt > 0:
			kind = EventCancellationRequested
			f.effectiveAt = unixTime(obj.CancelAt)
			if f.effectiveAt.IsZero() {
				f.effectiveAt = unixTime(obj.CurrentPeriodEnd)
			}
		case f.tier != "":
			kind = EventPlanChanged
		}
	case "customer.subscription.deleted":
		kind = EventSubscriptionEnded
	}

	return buildEvent(kind, f)
}
