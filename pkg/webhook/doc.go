// Package webhook signs, verifies and delivers HMAC-authenticated webhooks.
//
// The same scheme is used in both directions: inbound billing events are
// verified with Verify before anything else touches the raw bytes, and
// outbound state-change notifications are signed by Sender.
//
// # Signing scheme
//
// The signature is hex(HMAC-SHA256(secret, "<unix timestamp>.<raw payload>")).
// Deliveries carry three headers:
//
//	X-Billing-Signature: v1=<hex>[,v1=<hex>]
//	X-Billing-Timestamp: <unix seconds>
//	X-Billing-Delivery:  <uuid>
//
// A bare hex digest is also accepted in the signature header. Verify takes a
// list of secrets so a secret can be rotated while old deliveries are still in
// flight:
//
//	headers, err := webhook.ExtractSignatureHeaders(r.Header)
//	if err != nil {
//	    return err
//	}
//	err = webhook.Verify([]string{current, previous}, body, headers, 5*time.Minute, time.Now())
//
// Verify reports ErrSignatureMismatch before it ever looks at the timestamp, so a
// forged payload with an old timestamp is never reported as merely expired.
//
// # Delivery
//
//	sender := webhook.NewSender()
//	err := sender.Send(ctx, endpoint, notice,
//	    webhook.WithSignature(secret),
//	    webhook.WithMaxRetries(5),
//	    webhook.WithBackoff(webhook.DefaultBackoff),
//	    webhook.WithCircuitBreaker(breaker),
//	)
//
// Retries are driven by github.com/sethvargo/go-retry. Network errors, timeouts,
// 5xx and 408/425/429 responses are retried; any other 4xx stops immediately with
// ErrPermanentFailure. Every attempt is signed afresh.
//
// # Circuit Breaker
//
// A CircuitBreaker opens after FailureThreshold consecutive failures, lets a probe
// through after RecoveryTimeout and closes again after SuccessThreshold successful
// probes. Reuse one breaker per endpoint.
package webhook
