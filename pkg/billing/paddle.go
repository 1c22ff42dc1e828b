package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// ProviderPaddle is the source name of Paddle events.
const ProviderPaddle = "paddle"

// paddleSignatureHeader is where Paddle puts "ts=<unix>;h1=<hex>".
const paddleSignatureHeader = "Paddle-Signature"

// PaddleVerifier checks Paddle-Signature values with the SDK verifier and
// applies the tolerance to the declared delivery time.
type PaddleVerifier struct {
	verifiers []*paddle.WebhookVerifier
	tolerance time.Duration
	now       func() time.Time
}

// NewPaddleVerifier accepts several notification secrets to allow rotation.
func NewPaddleVerifier(tolerance time.Duration, secrets ...string) (*PaddleVerifier, error) {
	v := &PaddleVerifier{tolerance: tolerance, now: time.Now}
	for _, s := range secrets {
		if s != "" {
			v.verifiers = append(v.verifiers, paddle.NewWebhookVerifier(s))
		}
	}
	if len(v.verifiers) == 0 {
		return nil, ErrMissingSecret
	}
	return v, nil
}

// WithClock replaces the time source. Intended for tests.
func (v *PaddleVerifier) WithClock(now func() time.Time) *PaddleVerifier {
	if now != nil {
		v.now = now
	}
	return v
}

func (v *PaddleVerifier) Verify(ctx context.Context, payload []byte, signature string, declaredAt time.Time) ([]byte, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: %s header is missing", ErrInvalidSignature, paddleSignatureHeader)
	}

	var last error
	valid := false
	for _, verifier := range v.verifiers {
		// the SDK verifies an *http.Request, so the raw bytes are wrapped in one
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build verification request: %w", err)
		}
		req.Header.Set(paddleSignatureHeader, signature)

		ok, err := verifier.Verify(req)
		if err != nil {
			last = err
			continue
		}
		if ok {
			valid = true
			break
		}
	}
	if !valid {
		if last == nil {
			last = errors.New("signature mismatch")
		}
		return nil, errors.Join(ErrInvalidSignature, last)
	}

	if err := checkFreshness(declaredAt, v.now(), v.tolerance); err != nil {
		return nil, err
	}
	return payload, nil
}

// PaddleNormalizer maps Paddle Billing notifications to engine events. The
// tenant is read from custom_data.tenant_id, the tier from custom_data.tier.
//
//	subscription.trialing                          -> TrialStarted
//	transaction.completed                          -> PaymentSucceeded
//	subscription.past_due                          -> PaymentFailed
//	subscription.updated (scheduled cancel)        -> CancellationRequested
//	subscription.updated (tier)                    -> PlanChanged
//	subscription.canceled                          -> SubscriptionEnded
type PaddleNormalizer struct{}

type paddleNotification struct {
	EventID    string     `json:"event_id"`
	EventType  string     `json:"event_type"`
	OccurredAt *time.Time `json:"occurred_at"`
	Data       struct {
		CustomData struct {
			TenantID string `json:"tenant_id"`
			Tier     string `json:"tier"`
		} `json:"custom_data"`
		CurrentBillingPeriod *paddlePeriod `json:"current_billing_period"`
		BillingPeriod        *paddlePeriod `json:"billing_period"`
		ScheduledChange      *struct {
			Action      string     `json:"action"`
			EffectiveAt *time.Time `json:"effective_at"`
		} `json:"scheduled_change"`
	} `json:"data"`
}

type paddlePeriod struct {
	EndsAt *time.Time `json:"ends_at"`
}

func (p *paddlePeriod) end() time.Time {
	if p == nil {
		return time.Time{}
	}
	return deref(p.EndsAt)
}

func (PaddleNormalizer) Normalize(_ context.Context, payload []byte, declaredAt time.Time) (Event, error) {
	var n paddleNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}

	f := eventFields{
		id:         n.EventID,
		provider:   ProviderPaddle,
		typ:        n.EventType,
		tenantID:   n.Data.CustomData.TenantID,
		occurredAt: deref(n.OccurredAt),
		declaredAt: declaredAt,
		tier:       n.Data.CustomData.Tier,
	}

	kind := ""
	switch n.EventType {
	case "subscription.trialing":
		kind = EventTrialStarted
		f.periodEnd = n.Data.CurrentBillingPeriod.end()
	case "transaction.completed":
		kind = EventPaymentSucceeded
		f.periodEnd = n.Data.BillingPeriod.end()
	case "subscription.past_due":
		kind = EventPaymentFailed
	case "subscription.updated":
		switch sc := n.Data.ScheduledChange; {
		case sc != nil && sc.Action == "cancel":
			kind = EventCancellationRequested
			f.effectiveAt = deref(sc.EffectiveAt)
		case f.tier != "":
			kind = EventPlanChanged
		}
	case "subscription.canceled":
		kind = EventSubscriptionEnded
	}

	return buildEvent(kind, f)
}
