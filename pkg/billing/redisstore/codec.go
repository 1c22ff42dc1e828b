package redisstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

type subscriptionDoc struct {
	TenantID        uuid.UUID  `json:"tenant_id"`
	Tier            string     `json:"tier"`
	Status          string     `json:"status"`
	PeriodEnd       time.Time  `json:"period_end"`
	CancelAt        *time.Time `json:"cancel_at,omitempty"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	LastEventAt     time.Time  `json:"last_event_at"`
	LastEventID     string     `json:"last_event_id"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func encodeSubscription(s *billing.Subscription) ([]byte, error) {
	return json.Marshal(subscriptionDoc{
		TenantID:        s.TenantID,
		Tier:            string(s.Tier),
		Status:          string(s.Status),
		PeriodEnd:       s.PeriodEnd.UTC(),
		CancelAt:        utcPtr(s.CancelAt),
		StatusChangedAt: s.StatusChangedAt.UTC(),
		LastEventAt:     s.LastEventAt.UTC(),
		LastEventID:     s.LastEventID,
		Version:         s.Version,
		CreatedAt:       s.CreatedAt.UTC(),
		UpdatedAt:       s.UpdatedAt.UTC(),
	})
}

func decodeSubscription(data []byte) (*billing.Subscription, error) {
	var d subscriptionDoc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &billing.Subscription{
		TenantID:        d.TenantID,
		Tier:            billing.Tier(d.Tier),
		Status:          billing.Status(d.Status),
		PeriodEnd:       d.PeriodEnd,
		CancelAt:        d.CancelAt,
		StatusChangedAt: d.StatusChangedAt,
		LastEventAt:     d.LastEventAt,
		LastEventID:     d.LastEventID,
		Version:         d.Version,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}, nil
}

type usageDoc struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	PeriodKey string    `json:"period_key"`
	Consumed  int64     `json:"consumed"`
	Limit     int64     `json:"limit"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func encodeUsage(c billing.UsageCounter) ([]byte, error) {
	return json.Marshal(usageDoc(c))
}

func decodeUsage(data []byte) (*billing.UsageCounter, error) {
	var d usageDoc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	c := billing.UsageCounter(d)
	return &c, nil
}

type eventDoc struct {
	Provider   string    `json:"provider"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	TenantID   uuid.UUID `json:"tenant_id"`
	ReceivedAt time.Time `json:"received_at"`
	Outcome    string    `json:"outcome"`
}

func encodeEvent(r billing.IdempotencyRecord) ([]byte, error) {
	return json.Marshal(eventDoc{
		Provider:   r.Provider,
		EventID:    r.EventID,
		EventType:  r.EventType,
		TenantID:   r.TenantID,
		ReceivedAt: r.ReceivedAt.UTC(),
		Outcome:    string(r.Outcome),
	})
}

func decodeEvent(data []byte) (*billing.IdempotencyRecord, error) {
	var d eventDoc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &billing.IdempotencyRecord{
		Provider:   d.Provider,
		EventID:    d.EventID,
		EventType:  d.EventType,
		TenantID:   d.TenantID,
		ReceivedAt: d.ReceivedAt,
		Outcome:    billing.Outcome(d.Outcome),
	}, nil
}

// auditDoc starts with the id so sorted set members with equal scores order
// by id.
type auditDoc struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	FromStatus   string    `json:"from_status"`
	ToStatus     string    `json:"to_status"`
	CauseEventID string    `json:"cause_event_id"`
	Provider     string    `json:"provider"`
	EventType    string    `json:"event_type"`
	Outcome      string    `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	AppliedAt    time.Time `json:"applied_at"`
}

func encodeAudit(r billing.AuditRecord) ([]byte, error) {
	return json.Marshal(auditDoc{
		ID:           r.ID,
		TenantID:     r.TenantID,
		FromStatus:   string(r.FromStatus),
		ToStatus:     string(r.ToStatus),
		CauseEventID: r.CauseEventID,
		Provider:     r.Provider,
		EventType:    r.EventType,
		Outcome:      string(r.Outcome),
		Reason:       string(r.Reason),
		AppliedAt:    r.AppliedAt.UTC(),
	})
}

func decodeAudit(data []byte) (billing.AuditRecord, error) {
	var d auditDoc
	if err := json.Unmarshal(data, &d); err != nil {
		return billing.AuditRecord{}, err
	}
	return billing.AuditRecord{
		ID:           d.ID,
		TenantID:     d.TenantID,
		FromStatus:   billing.Status(d.FromStatus),
		ToStatus:     billing.Status(d.ToStatus),
		CauseEventID: d.CauseEventID,
		Provider:     d.Provider,
		EventType:    d.EventType,
		Outcome:      billing.Outcome(d.Outcome),
		Reason:       billing.IgnoreReason(d.Reason),
		AppliedAt:    d.AppliedAt,
	}, nil
}

// auditScore orders audit entries; microseconds stay exact in a float64.
func auditScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
