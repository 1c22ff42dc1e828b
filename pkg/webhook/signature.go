package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header names used for signed deliveries.
const (
	HeaderSignature = "X-Billing-Signature"
	HeaderTimestamp = "X-Billing-Timestamp"
	HeaderID        = "X-Billing-Delivery"
)

const (
	signatureScheme = "v1"

	// Senders may run slightly ahead of us; anything beyond this is treated as expired.
	maxFutureSkew = time.Minute
)

// SignatureHeaders carries the signature, its timestamp and the delivery id.
type SignatureHeaders struct {
	Signature string
	Timestamp int64
	ID        string
}

// Time returns the signing timestamp.
func (s SignatureHeaders) Time() time.Time {
	return time.Unix(s.Timestamp, 0)
}

// Apply writes the headers onto an outgoing request header set.
func (s SignatureHeaders) Apply(h http.Header) {
	h.Set(HeaderSignature, s.Signature)
	h.Set(HeaderTimestamp, strconv.FormatInt(s.Timestamp, 10))
	if s.ID != "" {
		h.Set(HeaderID, s.ID)
	}
}

// ComputeSignature returns hex(HMAC-SHA256(secret, "<timestamp>.<payload>")).
func ComputeSignature(secret string, timestamp int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// SignPayload signs payload with the current time and a fresh delivery id.
func SignPayload(secret string, payload []byte) (SignatureHeaders, error) {
	return SignPayloadAt(secret, payload, time.Now())
}

// SignPayloadAt signs payload as of the given time.
func SignPayloadAt(secret string, payload []byte, at time.Time) (SignatureHeaders, error) {
	if secret == "" {
		return SignatureHeaders{}, fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if len(payload) == 0 {
		return SignatureHeaders{}, fmt.Errorf("%w: payload cannot be empty", ErrInvalidPayload)
	}

	ts := at.Unix()
	return SignatureHeaders{
		Signature: FormatSignature(ComputeSignature(secret, ts, payload)),
		Timestamp: ts,
		ID:        uuid.New().String(),
	}, nil
}

// FormatSignature renders digests as a comma separated list of "v1=<hex>" entries.
func FormatSignature(digests ...string) string {
	parts := make([]string, 0, len(digests))
	for _, d := range digests {
		parts = append(parts, signatureScheme+"="+d)
	}
	return strings.Join(parts, ",")
}

// ParseSignature extracts candidate digests from a signature header.
// Both a bare hex digest and "v1=<hex>[,v1=<hex>...]" are accepted;
// entries for other schemes are skipped.
func ParseSignature(header string) []string {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	if !strings.Contains(header, "=") {
		return []string{header}
	}

	var digests []string
	for part := range strings.SplitSeq(header, ",") {
		scheme, digest, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || scheme != signatureScheme || digest == "" {
			continue
		}
		digests = append(digests, digest)
	}
	return digests
}

// Verify checks headers against payload using any of the given secrets,
// so secrets can be rotated without rejecting in-flight deliveries.
// The signature is checked before freshness: a forged payload is always
// reported as ErrSignatureMismatch. A non-positive tolerance disables the
// freshness check.
func Verify(secrets []string, payload []byte, headers SignatureHeaders, tolerance time.Duration, now time.Time) error {
	if len(secrets) == 0 {
		return fmt.Errorf("%w: at least one secret is required", ErrInvalidConfiguration)
	}

	digests := ParseSignature(headers.Signature)
	if len(digests) == 0 {
		return ErrMissingSignature
	}

	if !matchAny(secrets, headers.Timestamp, payload, digests) {
		return ErrSignatureMismatch
	}

	if tolerance > 0 {
		age := now.Sub(headers.Time())
		if age > tolerance {
			return fmt.Errorf("%w: signed %v ago", ErrSignatureExpired, age.Truncate(time.Second))
		}
		if age < -maxFutureSkew {
			return fmt.Errorf("%w: timestamp is in the future", ErrSignatureExpired)
		}
	}

	return nil
}

// VerifySignature is Verify with a single secret and the current time.
func VerifySignature(secret string, payload []byte, headers SignatureHeaders, maxAge time.Duration) error {
	if secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	return Verify([]string{secret}, payload, headers, maxAge, time.Now())
}

func matchAny(secrets []string, timestamp int64, payload []byte, digests []string) bool {
	matched := false
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		expected := []byte(ComputeSignature(secret, timestamp, payload))
		for _, d := range digests {
			// every entry is compared, no short-circuit
			if hmac.Equal(expected, []byte(strings.ToLower(d))) {
				matched = true
			}
		}
	}
	return matched
}

// ExtractSignatureHeaders reads the signature headers from an HTTP request.
func ExtractSignatureHeaders(h http.Header) (SignatureHeaders, error) {
	sig := SignatureHeaders{
		Signature: h.Get(HeaderSignature),
		ID:        h.Get(HeaderID),
	}
	if sig.Signature == "" {
		return SignatureHeaders{}, ErrMissingSignature
	}

	raw := h.Get(HeaderTimestamp)
	if raw == "" {
		return SignatureHeaders{}, fmt.Errorf("%w: timestamp header is missing", ErrMissingSignature)
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return SignatureHeaders{}, fmt.Errorf("%w: invalid timestamp format", ErrInvalidPayload)
	}
	sig.Timestamp = ts

	return sig, nil
}
