// Package billing reconciles payment provider lifecycle events into a durable
// per-tenant subscription state and gates feature usage on that state.
//
// Events flow through a fixed pipeline:
//
//	Verifier -> ledger fast path -> Normalizer -> Lifecycle (inside Store.Atomic) -> Notifier
//
// A Processor serves one Source (a provider's Verifier and Normalizer). Every
// accepted event ends in an Ack: applied, duplicate, ignored or unknown.
// Rejections are ErrInvalidSignature, ErrStaleEvent, ErrInvalidPayload and
// ErrTransient; only the last one should make the provider redeliver (see
// IsRetryable).
//
// The mutation cycle locks the tenant, re-reads the subscription, evaluates the
// transition table and the watermark, reserves the event in the idempotency
// ledger, writes the subscription with an optimistic version check and appends
// an audit record, all in one transaction. Version conflicts restart the cycle
// with a bounded backoff.
//
// Usage is gated by Enforcer.TryConsume, which uses the same tenant lock and
// increments the period counter only while it stays within the tier limit:
//
//	dec, err := enforcer.TryConsume(ctx, tenantID, 1)
//	if err != nil {
//		return err
//	}
//	if !dec.Granted {
//		return fmt.Errorf("report quota: %s", dec.Reason)
//	}
//
// MemoryStore implements Store in memory; durable backends live in the
// pgstore and redisstore subpackages and are checked by storetest.Run.
package billing
