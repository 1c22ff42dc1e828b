package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// envelope is the body of every response.
type envelope struct {
	Data  any          `json:"data,omitempty"`
	Error *errorDetail `json:"error,omitempty"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// httpError pairs a status code with a stable error code.
type httpError struct {
	Status int
	Code   string
}

func (e httpError) Error() string { return e.Code }

var (
	errUnknownProvider = httpError{http.StatusNotFound, "unknown_provider"}
	errNotFound        = httpError{http.StatusNotFound, "not_found"}
	errBadTenantID     = httpError{http.StatusBadRequest, "invalid_tenant_id"}
	errBadRequest      = httpError{http.StatusBadRequest, "bad_request"}
	errBodyTooLarge    = httpError{http.StatusRequestEntityTooLarge, "request_entity_too_large"}
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

// writeError maps engine errors to status codes. Messages of internal errors
// are not echoed back.
func writeError(w http.ResponseWriter, err error) {
	status, code, msg := classify(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: &errorDetail{Code: code, Message: msg}})
}

func classify(err error) (status int, code, msg string) {
	var he httpError
	if errors.As(err, &he) {
		return he.Status, he.Code, ""
	}

	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature", ""
	case errors.Is(err, billing.ErrStaleEvent):
		return http.StatusBadRequest, "stale_event", ""
	case errors.Is(err, billing.ErrInvalidPayload):
		return http.StatusBadRequest, "invalid_payload", err.Error()
	case errors.Is(err, billing.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount", ""
	case errors.Is(err, billing.ErrInvalidTenantID):
		return http.StatusBadRequest, "invalid_tenant_id", ""
	case errors.Is(err, billing.ErrInvalidCriteria):
		return http.StatusBadRequest, "invalid_criteria", err.Error()
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		return http.StatusNotFound, "subscription_not_found", ""
	case billing.IsRetryable(err):
		return http.StatusServiceUnavailable, "temporarily_unavailable", ""
	default:
		return http.StatusInternalServerError, "internal_error", ""
	}
}
