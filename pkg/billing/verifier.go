package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

// DefaultSignatureTolerance bounds the age of a signed delivery.
const DefaultSignatureTolerance = 5 * time.Minute

// Verifier authenticates raw event bytes. Implementations have no side effects
// and return the payload unchanged on success.
type Verifier interface {
	Verify(ctx context.Context, payload []byte, signature string, declaredAt time.Time) ([]byte, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, payload []byte, signature string, declaredAt time.Time) ([]byte, error)

func (f VerifierFunc) Verify(ctx context.Context, payload []byte, signature string, declaredAt time.Time) ([]byte, error) {
	return f(ctx, payload, signature, declaredAt)
}

// HMACVerifier checks hex(HMAC-SHA256(secret, "<unix>.<payload>")) signatures
// as produced by webhook.SignPayload. Several secrets may be active at once
// while a secret is being rotated.
type HMACVerifier struct {
	secrets   []string
	tolerance time.Duration
	now       func() time.Time
}

// NewHMACVerifier returns ErrMissingSecret when no non-empty secret is given.
// A non-positive tolerance disables the freshness check.
func NewHMACVerifier(tolerance time.Duration, secrets ...string) (*HMACVerifier, error) {
	active := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil, ErrMissingSecret
	}
	return &HMACVerifier{secrets: active, tolerance: tolerance, now: time.Now}, nil
}

// WithClock replaces the time source. Intended for tests.
func (v *HMACVerifier) WithClock(now func() time.Time) *HMACVerifier {
	if now != nil {
		v.now = now
	}
	return v
}

func (v *HMACVerifier) Verify(_ context.Context, payload []byte, signature string, declaredAt time.Time) ([]byte, error) {
	headers := webhook.SignatureHeaders{Signature: signature, Timestamp: declaredAt.Unix()}

	err := webhook.Verify(v.secrets, payload, headers, v.tolerance, v.now())
	switch {
	case err == nil:
		return payload, nil
	case errors.Is(err, webhook.ErrSignatureExpired):
		return nil, errors.Join(ErrStaleEvent, err)
	case errors.Is(err, webhook.ErrMissingSignature), errors.Is(err, webhook.ErrSignatureMismatch):
		return nil, errors.Join(ErrInvalidSignature, err)
	default:
		return nil, fmt.Errorf("verify signature: %w", err)
	}
}

// checkFreshness applies the shared tolerance rule to a declared timestamp.
func checkFreshness(declaredAt, now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 || declaredAt.IsZero() {
		return nil
	}
	age := now.Sub(declaredAt)
	if age > tolerance {
		return fmt.Errorf("%w: declared %v ago", ErrStaleEvent, age.Truncate(time.Second))
	}
	if age < -time.Minute {
		return fmt.Errorf("%w: declared in the future", ErrStaleEvent)
	}
	return nil
}
