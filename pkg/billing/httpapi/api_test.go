package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/billing/httpapi"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

const secret = "httpapi-secret"

var discard = slog.New(slog.DiscardHandler)

type response struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func newAPI(t *testing.T, store billing.Store, opts ...httpapi.Option) http.Handler {
	t.Helper()
	src, err := billing.NewSource("acme", billing.SourceConfig{Secrets: []string{secret}, Tolerance: time.Minute})
	require.NoError(t, err)
	p := billing.NewProcessor(store, src, billing.WithLogger(discard))
	e := billing.NewEnforcer(store, billing.WithLogger(discard))

	opts = append([]httpapi.Option{httpapi.WithProcessor(p), httpapi.WithLogger(discard)}, opts...)
	return httpapi.New(store, e, opts...).Router()
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func webhookRequest(t *testing.T, tenantID uuid.UUID, typ string, at time.Time, mods ...func(*billing.Envelope)) *http.Request {
	t.Helper()
	at = at.UTC()
	env := billing.Envelope{ID: uuid.NewString(), Type: typ, OccurredAt: &at, TenantID: tenantID.String()}
	if typ == billing.TypeTrialStarted {
		end := at.Add(14 * 24 * time.Hour)
		env.Data.PeriodEnd = &end
	}
	for _, m := range mods {
		m(&env)
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)

	h, err := webhook.SignPayload(secret, body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/acme", bytes.NewReader(body))
	h.Apply(req.Header)
	return req
}

func TestWebhook(t *testing.T) {
	t.Parallel()

	h := newAPI(t, billing.NewMemoryStore())
	tenantID := uuid.New()

	first := webhookRequest(t, tenantID, billing.TypeTrialStarted, time.Now())
	raw, err := io.ReadAll(first.Body)
	require.NoError(t, err)
	delivery := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/webhooks/acme", bytes.NewReader(raw))
		r.Header = first.Header.Clone()
		return r
	}

	var ack struct {
		Outcome  string `json:"outcome"`
		TenantID string `json:"tenant_id"`
		To       string `json:"to"`
	}

	rec, resp := do(t, h, delivery())
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &ack))
	assert.Equal(t, "applied", ack.Outcome)
	assert.Equal(t, tenantID.String(), ack.TenantID)
	assert.Equal(t, "trialing", ack.To)

	rec, resp = do(t, h, delivery())
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &ack))
	assert.Equal(t, "duplicate", ack.Outcome)
}

func TestWebhook_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		opts       []httpapi.Option
		req        func(t *testing.T) *http.Request
		wantStatus int
		wantCode   string
	}{
		{
			name: "unknown provider",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhooks/nope", strings.NewReader("{}"))
			},
			wantStatus: http.StatusNotFound,
			wantCode:   "unknown_provider",
		},
		{
			name: "missing signature",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhooks/acme", strings.NewReader("{}"))
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "invalid_signature",
		},
		{
			name: "tampered body",
			req: func(t *testing.T) *http.Request {
				req := webhookRequest(t, uuid.New(), billing.TypeTrialStarted, time.Now())
				req.Body = http.NoBody
				r := httptest.NewRequest(http.MethodPost, "/webhooks/acme", strings.NewReader(`{"id":"evt_forged"}`))
				r.Header = req.Header
				return r
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "invalid_signature",
		},
		{
			name: "invalid payload",
			req: func(t *testing.T) *http.Request {
				return webhookRequest(t, uuid.New(), billing.TypePlanChanged, time.Now())
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_payload",
		},
		{
			name: "body too large",
			opts: []httpapi.Option{httpapi.WithMaxBodySize(16)},
			req: func(t *testing.T) *http.Request {
				return webhookRequest(t, uuid.New(), billing.TypeTrialStarted, time.Now())
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   "request_entity_too_large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newAPI(t, billing.NewMemoryStore(), tt.opts...)
			rec, resp := do(t, h, tt.req(t))
			assert.Equal(t, tt.wantStatus, rec.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

// brokenStore fails every transaction.
type brokenStore struct {
	*billing.MemoryStore
}

func (brokenStore) Atomic(context.Context, func(ctx context.Context, tx billing.Tx) error) error {
	return errors.New("connection refused")
}

func TestWebhook_Transient(t *testing.T) {
	t.Parallel()

	h := newAPI(t, brokenStore{billing.NewMemoryStore()})
	rec, resp := do(t, h, webhookRequest(t, uuid.New(), billing.TypeTrialStarted, time.Now()))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "temporarily_unavailable", resp.Error.Code)
}

func TestTenantEndpoints(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	h := newAPI(t, store)
	tenantID := uuid.New()
	base := "/tenants/" + tenantID.String()

	rec, resp := do(t, h, httptest.NewRequest(http.MethodGet, base+"/subscription", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "subscription_not_found", resp.Error.Code)

	rec, _ = do(t, h, webhookRequest(t, tenantID, billing.TypeTrialStarted, time.Now(), func(e *billing.Envelope) {
		end := time.Now().Add(14 * 24 * time.Hour).UTC()
		e.Data.PeriodEnd = &end
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("subscription", func(t *testing.T) {
		rec, resp := do(t, h, httptest.NewRequest(http.MethodGet, base+"/subscription", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var sub struct {
			Status  string `json:"status"`
			Tier    string `json:"tier"`
			Version int64  `json:"version"`
		}
		require.NoError(t, json.Unmarshal(resp.Data, &sub))
		assert.Equal(t, "trialing", sub.Status)
		assert.Equal(t, "trial", sub.Tier)
		assert.Equal(t, int64(1), sub.Version)
	})

	t.Run("consume", func(t *testing.T) {
		// trial limit is 3: the first 2 units fit, the next 2 do not
		for _, want := range []bool{true, false} {
			rec, resp := do(t, h, httptest.NewRequest(http.MethodPost, base+"/usage", strings.NewReader(`{"amount":2}`)))
			require.Equal(t, http.StatusOK, rec.Code)
			var dec struct {
				Granted bool   `json:"granted"`
				Reason  string `json:"reason"`
			}
			require.NoError(t, json.Unmarshal(resp.Data, &dec))
			assert.Equal(t, want, dec.Granted)
			if !want {
				assert.Equal(t, "quota_exceeded", dec.Reason)
			}
		}

		rec, resp := do(t, h, httptest.NewRequest(http.MethodPost, base+"/usage", strings.NewReader(`{"amount":0}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_amount", resp.Error.Code)

		rec, resp = do(t, h, httptest.NewRequest(http.MethodPost, base+"/usage", strings.NewReader(`not json`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "bad_request", resp.Error.Code)
	})

	t.Run("usage", func(t *testing.T) {
		rec, resp := do(t, h, httptest.NewRequest(http.MethodGet, base+"/usage", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var u struct {
			Consumed  int64 `json:"consumed"`
			Limit     int64 `json:"limit"`
			Remaining int64 `json:"remaining"`
		}
		require.NoError(t, json.Unmarshal(resp.Data, &u))
		assert.Equal(t, int64(2), u.Consumed)
		assert.Equal(t, int64(3), u.Limit)
		assert.Equal(t, int64(1), u.Remaining)
	})

	t.Run("audit", func(t *testing.T) {
		rec, resp := do(t, h, httptest.NewRequest(http.MethodGet, base+"/audit?limit=10", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var records []struct {
			ToStatus string `json:"to_status"`
			Outcome  string `json:"outcome"`
			Provider string `json:"provider"`
		}
		require.NoError(t, json.Unmarshal(resp.Data, &records))
		require.Len(t, records, 1)
		assert.Equal(t, "trialing", records[0].ToStatus)
		assert.Equal(t, "applied", records[0].Outcome)
		assert.Equal(t, "acme", records[0].Provider)

		rec, resp = do(t, h, httptest.NewRequest(http.MethodGet, base+"/audit?from=yesterday", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_criteria", resp.Error.Code)

		rec, resp = do(t, h, httptest.NewRequest(http.MethodGet, base+"/audit?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_criteria", resp.Error.Code)
	})

	t.Run("invalid tenant id", func(t *testing.T) {
		rec, resp := do(t, h, httptest.NewRequest(http.MethodGet, "/tenants/not-a-uuid/usage", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_tenant_id", resp.Error.Code)
	})
}

func TestSignatureExtractors(t *testing.T) {
	t.Parallel()

	t.Run("paddle", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Paddle-Signature", "ts=1700000000;h1=abc")
		sig, at, err := httpapi.PaddleSignature(req)
		require.NoError(t, err)
		assert.Equal(t, "ts=1700000000;h1=abc", sig)
		assert.Equal(t, int64(1700000000), at.Unix())

		req.Header.Set("Paddle-Signature", "ts=soon;h1=abc")
		_, _, err = httpapi.PaddleSignature(req)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("stripe", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Stripe-Signature", "t=1,v1=abc")
		sig, at, err := httpapi.StripeSignature(req)
		require.NoError(t, err)
		assert.Equal(t, "t=1,v1=abc", sig)
		assert.True(t, at.IsZero())
	})

	t.Run("hmac", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		_, _, err := httpapi.HMACSignature(req)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)

		h, err := webhook.SignPayload(secret, []byte("{}"))
		require.NoError(t, err)
		h.Apply(req.Header)
		sig, at, err := httpapi.HMACSignature(req)
		require.NoError(t, err)
		assert.Equal(t, h.Signature, sig)
		assert.Equal(t, h.Timestamp, at.Unix())
	})
}

func TestWebhook_RequestID(t *testing.T) {
	t.Parallel()

	h := newAPI(t, billing.NewMemoryStore())
	req := webhookRequest(t, uuid.New(), billing.TypeTrialStarted, time.Now())
	delivery := req.Header.Get(webhook.HeaderID)
	require.NotEmpty(t, delivery)

	rec, _ := do(t, h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, delivery, rec.Header().Get("X-Request-ID"), "delivery id doubles as request id")
}
