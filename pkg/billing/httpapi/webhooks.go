package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

// SignatureExtractor reads the signature and the declared delivery time from
// a webhook request. A zero time means the provider signs it inside the
// signature itself.
type SignatureExtractor func(r *http.Request) (signature string, declaredAt time.Time, err error)

// HMACSignature reads the X-Billing-Signature and X-Billing-Timestamp headers.
func HMACSignature(r *http.Request) (string, time.Time, error) {
	h, err := webhook.ExtractSignatureHeaders(r.Header)
	if err != nil {
		return "", time.Time{}, errors.Join(billing.ErrInvalidSignature, err)
	}
	return h.Signature, h.Time(), nil
}

// StripeSignature reads Stripe-Signature; the timestamp is verified by the SDK.
func StripeSignature(r *http.Request) (string, time.Time, error) {
	return r.Header.Get("Stripe-Signature"), time.Time{}, nil
}

// PaddleSignature reads Paddle-Signature and takes the declared time from its ts field.
func PaddleSignature(r *http.Request) (string, time.Time, error) {
	sig := r.Header.Get("Paddle-Signature")
	for part := range strings.SplitSeq(sig, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k != "ts" {
			continue
		}
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("%w: malformed ts in Paddle-Signature", billing.ErrInvalidSignature)
		}
		return sig, time.Unix(ts, 0), nil
	}
	return sig, time.Time{}, nil
}

func (a *API) extractor(provider string) SignatureExtractor {
	if fn, ok := a.extractors[provider]; ok {
		return fn
	}
	switch provider {
	case billing.ProviderStripe:
		return StripeSignature
	case billing.ProviderPaddle:
		return PaddleSignature
	default:
		return HMACSignature
	}
}

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	p, ok := a.processors[provider]
	if !ok {
		writeError(w, errUnknownProvider)
		return
	}
	ctx := logger.ContextWithAttrs(r.Context(), logger.Provider(provider))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, errBodyTooLarge)
			return
		}
		writeError(w, errBadRequest)
		return
	}

	signature, declaredAt, err := a.extractor(provider)(r)
	if err != nil {
		a.logger.WarnContext(ctx, "webhook signature headers rejected", logger.Error(err))
		writeError(w, err)
		return
	}

	ack, err := p.ProcessEvent(ctx, body, signature, declaredAt)
	if err != nil {
		// the processor has already logged the failure
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{
		Outcome:  string(ack.Outcome),
		EventID:  ack.EventID,
		TenantID: tenantString(ack.TenantID),
		From:     string(ack.From),
		To:       string(ack.To),
		Reason:   string(ack.Reason),
	})
}
