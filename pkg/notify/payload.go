package notify

import (
	"time"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// PayloadType is the type field of every outbound state change payload.
const PayloadType = "subscription.status_changed"

// Payload is the JSON body posted by WebhookNotifier.
type Payload struct {
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Tier       string    `json:"tier"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Provider   string    `json:"provider"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewPayload converts a state change into its wire form.
func NewPayload(c billing.StateChange) Payload {
	return Payload{
		Type:       PayloadType,
		TenantID:   c.TenantID.String(),
		From:       string(c.From),
		To:         string(c.To),
		Tier:       string(c.Tier),
		EventID:    c.EventID,
		EventType:  c.EventType,
		Provider:   c.Provider,
		OccurredAt: c.OccurredAt.UTC(),
	}
}
