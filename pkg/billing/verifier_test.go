package billing_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

var payload = []byte(`{"id":"evt_1","type":"payment.failed"}`)

func TestHMACVerifier(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }
	v, err := billing.NewHMACVerifier(5*time.Minute, "old-secret", "new-secret")
	require.NoError(t, err)
	v.WithClock(clock)

	sign := func(secret string, at time.Time) (string, time.Time) {
		h, err := webhook.SignPayloadAt(secret, payload, at)
		require.NoError(t, err)
		return h.Signature, h.Time()
	}

	t.Run("valid with either secret", func(t *testing.T) {
		t.Parallel()
		for _, secret := range []string{"old-secret", "new-secret"} {
			sig, at := sign(secret, now)
			got, err := v.Verify(context.Background(), payload, sig, at)
			require.NoError(t, err, secret)
			assert.Equal(t, payload, got)
		}
	})

	t.Run("bare hex digest", func(t *testing.T) {
		t.Parallel()
		sig := webhook.ComputeSignature("new-secret", now.Unix(), payload)
		_, err := v.Verify(context.Background(), payload, sig, now)
		assert.NoError(t, err)
	})

	tests := []struct {
		name    string
		secret  string
		signAt  time.Time
		declare time.Time
		body    []byte
		sig     string
		err     error
	}{
		{name: "wrong secret", secret: "other", signAt: now, declare: now, body: payload, err: billing.ErrInvalidSignature},
		{name: "tampered body", secret: "new-secret", signAt: now, declare: now, body: []byte(`{"id":"evt_2"}`), err: billing.ErrInvalidSignature},
		{name: "declared time differs from signed", secret: "new-secret", signAt: now, declare: now.Add(-time.Second), body: payload, err: billing.ErrInvalidSignature},
		{name: "missing signature", sig: "-", declare: now, body: payload, err: billing.ErrInvalidSignature},
		{name: "too old", secret: "new-secret", signAt: now.Add(-6 * time.Minute), body: payload, err: billing.ErrStaleEvent},
		{name: "in the future", secret: "new-secret", signAt: now.Add(2 * time.Minute), body: payload, err: billing.ErrStaleEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sig, at := "", tt.declare
			if tt.sig == "" {
				var signedAt time.Time
				sig, signedAt = sign(tt.secret, tt.signAt)
				if at.IsZero() {
					at = signedAt
				}
			}
			if tt.sig == "-" {
				sig = ""
			}
			_, err := v.Verify(context.Background(), tt.body, sig, at)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("no secrets", func(t *testing.T) {
		t.Parallel()
		_, err := billing.NewHMACVerifier(time.Minute, "", "")
		assert.ErrorIs(t, err, billing.ErrMissingSecret)
	})
}

func TestStripeVerifier(t *testing.T) {
	t.Parallel()

	v, err := billing.NewStripeVerifier(5*time.Minute, "whsec_old", "whsec_new")
	require.NoError(t, err)

	signed := func(secret string, at time.Time) string {
		return stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
			Payload:   payload,
			Secret:    secret,
			Timestamp: at,
		}).Header
	}

	tests := []struct {
		name   string
		header string
		err    error
	}{
		{"current secret", signed("whsec_new", time.Now()), nil},
		{"rotated secret", signed("whsec_old", time.Now()), nil},
		{"unknown secret", signed("whsec_other", time.Now()), billing.ErrInvalidSignature},
		{"too old", signed("whsec_new", time.Now().Add(-time.Hour)), billing.ErrStaleEvent},
		{"malformed header", "garbage", billing.ErrInvalidSignature},
		{"missing header", "", billing.ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := v.Verify(context.Background(), payload, tt.header, time.Time{})
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}

	_, err = billing.NewStripeVerifier(time.Minute)
	assert.ErrorIs(t, err, billing.ErrMissingSecret)
}

// paddleSignature builds a Paddle-Signature value: ts=<unix>;h1=hex(HMAC(secret, "<ts>:<body>")).
func paddleSignature(secret string, at time.Time, body []byte) string {
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + ":"))
	mac.Write(body)
	return "ts=" + ts + ";h1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestPaddleVerifier(t *testing.T) {
	t.Parallel()

	now := time.Now()
	v, err := billing.NewPaddleVerifier(5*time.Minute, "pdl_ntfset_old", "pdl_ntfset_new")
	require.NoError(t, err)
	v.WithClock(func() time.Time { return now })

	tests := []struct {
		name     string
		sig      string
		declared time.Time
		err      error
	}{
		{"valid", paddleSignature("pdl_ntfset_new", now, payload), now, nil},
		{"rotated secret", paddleSignature("pdl_ntfset_old", now, payload), now, nil},
		{"no declared time", paddleSignature("pdl_ntfset_new", now, payload), time.Time{}, nil},
		{"wrong secret", paddleSignature("pdl_ntfset_other", now, payload), now, billing.ErrInvalidSignature},
		{"malformed", "h1=abc", now, billing.ErrInvalidSignature},
		{"missing", "", now, billing.ErrInvalidSignature},
		{"stale delivery", paddleSignature("pdl_ntfset_new", now, payload), now.Add(-time.Hour), billing.ErrStaleEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := v.Verify(context.Background(), payload, tt.sig, tt.declared)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestNewSource(t *testing.T) {
	t.Parallel()

	cfg := billing.SourceConfig{Secrets: []string{"s3cret"}, Tolerance: time.Minute}
	tests := []struct {
		provider   string
		normalizer any
	}{
		{billing.ProviderStripe, billing.StripeNormalizer{}},
		{billing.ProviderPaddle, billing.PaddleNormalizer{}},
		{"acme", billing.JSONNormalizer{Provider: "acme"}},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			t.Parallel()
			src, err := billing.NewSource(tt.provider, cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.provider, src.Name)
			assert.NotNil(t, src.Verifier)
			assert.Equal(t, tt.normalizer, src.Normalizer)
		})
	}

	_, err := billing.NewSource("", cfg)
	assert.ErrorIs(t, err, billing.ErrUnknownProvider)
	_, err = billing.NewSource(billing.ProviderStripe, billing.SourceConfig{})
	assert.ErrorIs(t, err, billing.ErrMissingSecret)
	assert.Equal(t, "BILLING_STRIPE_", billing.SourcePrefix("stripe"))
}
