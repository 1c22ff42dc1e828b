package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/logger"
)

type ackResponse struct {
	Outcome  string `json:"outcome"`
	EventID  string `json:"event_id"`
	TenantID string `json:"tenant_id,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type subscriptionResponse struct {
	TenantID        string     `json:"tenant_id"`
	Tier            string     `json:"tier"`
	Status          string     `json:"status"`
	PeriodEnd       time.Time  `json:"period_end"`
	CancelAt        *time.Time `json:"cancel_at,omitempty"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	LastEventAt     time.Time  `json:"last_event_at"`
	Version         int64      `json:"version"`
}

type usageResponse struct {
	PeriodKey string `json:"period_key"`
	Consumed  int64  `json:"consumed"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

type consumeRequest struct {
	Amount int64 `json:"amount"`
}

type decisionResponse struct {
	Granted   bool   `json:"granted"`
	Reason    string `json:"reason,omitempty"`
	Consumed  int64  `json:"consumed"`
	Limit     int64  `json:"limit"`
	PeriodKey string `json:"period_key,omitempty"`
}

type auditRecordResponse struct {
	ID           string    `json:"id"`
	FromStatus   string    `json:"from_status"`
	ToStatus     string    `json:"to_status"`
	CauseEventID string    `json:"cause_event_id"`
	Provider     string    `json:"provider"`
	EventType    string    `json:"event_type"`
	Outcome      string    `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	AppliedAt    time.Time `json:"applied_at"`
}

func tenantString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func tenantParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, errBadTenantID
	}
	return id, nil
}

func (a *API) handleSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sub, err := a.store.GetSubscription(r.Context(), tenantID)
	if err != nil {
		if !errors.Is(err, billing.ErrSubscriptionNotFound) {
			a.logger.ErrorContext(r.Context(), "subscription lookup failed", logger.TenantID(tenantID), logger.Error(err))
			err = errors.Join(billing.ErrTransient, err)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, subscriptionResponse{
		TenantID:        sub.TenantID.String(),
		Tier:            string(sub.Tier),
		Status:          string(sub.Status),
		PeriodEnd:       sub.PeriodEnd,
		CancelAt:        sub.CancelAt,
		StatusChangedAt: sub.StatusChangedAt,
		LastEventAt:     sub.LastEventAt,
		Version:         sub.Version,
	})
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	u, err := a.enforcer.Usage(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		PeriodKey: u.PeriodKey,
		Consumed:  u.Consumed,
		Limit:     u.Limit,
		Remaining: u.Remaining(),
	})
}

// handleConsume answers 200 for grants and denials alike; a denial is a
// decision, not a failure.
func (a *API) handleConsume(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req consumeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, errBadRequest)
		return
	}

	dec, err := a.enforcer.TryConsume(r.Context(), tenantID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{
		Granted:   dec.Granted,
		Reason:    string(dec.Reason),
		Consumed:  dec.Consumed,
		Limit:     dec.Limit,
		PeriodKey: dec.PeriodKey,
	})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	criteria, err := auditCriteria(tenantID, r)
	if err != nil {
		writeError(w, err)
		return
	}

	records, err := a.audit.Find(r.Context(), criteria)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]auditRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, auditRecordResponse{
			ID:           rec.ID.String(),
			FromStatus:   string(rec.FromStatus),
			ToStatus:     string(rec.ToStatus),
			CauseEventID: rec.CauseEventID,
			Provider:     rec.Provider,
			EventType:    rec.EventType,
			Outcome:      string(rec.Outcome),
			Reason:       string(rec.Reason),
			AppliedAt:    rec.AppliedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func auditCriteria(tenantID uuid.UUID, r *http.Request) (billing.AuditCriteria, error) {
	q := r.URL.Query()
	c := billing.AuditCriteria{TenantID: tenantID}

	var err error
	if v := q.Get("from"); v != "" {
		if c.From, err = time.Parse(time.RFC3339, v); err != nil {
			return c, billing.ErrInvalidCriteria
		}
	}
	if v := q.Get("to"); v != "" {
		if c.To, err = time.Parse(time.RFC3339, v); err != nil {
			return c, billing.ErrInvalidCriteria
		}
	}
	if v := q.Get("limit"); v != "" {
		if c.Limit, err = strconv.Atoi(v); err != nil {
			return c, billing.ErrInvalidCriteria
		}
	}
	if v := q.Get("offset"); v != "" {
		if c.Offset, err = strconv.Atoi(v); err != nil {
			return c, billing.ErrInvalidCriteria
		}
	}
	return c, nil
}
