// Package redisstore implements billing.Store on Redis.
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	store := redisstore.New(client, redisstore.WithKeyPrefix(cfg.KeyPrefix))
//
// Writes made inside Atomic are buffered and committed with WATCH/MULTI/EXEC.
// The commit re-checks subscription versions, usage counters and the
// idempotency ledger against what the transaction read, so a lost race
// surfaces as billing.ErrVersionConflict or billing.ErrDuplicateEvent.
// Tenant locks are SET NX leases with a TTL and a random token.
//
// Keys of one store span tenants, so the store targets a single Redis node
// or a sentinel setup rather than a cluster.
package redisstore
