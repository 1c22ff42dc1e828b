package redisstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// unlockScript deletes the lease only if it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store is a billing.Store on Redis.
type Store struct {
	client       redis.UniversalClient
	prefix       string
	lockTTL      time.Duration
	lockInterval time.Duration
}

var _ billing.Store = (*Store)(nil)

// New panics on a nil client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	if client == nil {
		panic("redisstore: client cannot be nil")
	}
	s := &Store{
		client:       client,
		prefix:       DefaultKeyPrefix,
		lockTTL:      DefaultLockTTL,
		lockInterval: DefaultLockInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) subKey(tenantID uuid.UUID) string {
	return s.prefix + ":sub:" + tenantID.String()
}

func (s *Store) usageKey(tenantID uuid.UUID, periodKey string) string {
	return s.prefix + ":usage:" + tenantID.String() + ":" + periodKey
}

func (s *Store) eventKey(provider, eventID string) string {
	return s.prefix + ":event:" + provider + ":" + eventID
}

func (s *Store) auditKey(tenantID uuid.UUID) string {
	return s.prefix + ":audit:" + tenantID.String()
}

func (s *Store) lockKey(tenantID uuid.UUID) string {
	return s.prefix + ":lock:" + tenantID.String()
}

// Atomic buffers the writes of fn and commits them in one MULTI/EXEC.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := newTx(s)
	defer t.release(context.WithoutCancel(ctx))

	if err := fn(ctx, t); err != nil {
		return err
	}
	return s.commit(ctx, t)
}

func (s *Store) LookupEvent(ctx context.Context, provider, eventID string) (*billing.IdempotencyRecord, error) {
	data, err := s.client.Get(ctx, s.eventKey(provider, eventID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, billing.ErrEventNotFound
		}
		return nil, fmt.Errorf("redisstore: lookup event: %w", err)
	}
	return decodeEvent(data)
}

func (s *Store) GetSubscription(ctx context.Context, tenantID uuid.UUID) (*billing.Subscription, error) {
	return getSubscription(ctx, s.client, s.subKey(tenantID))
}

func (s *Store) GetUsage(ctx context.Context, tenantID uuid.UUID, periodKey string) (*billing.UsageCounter, error) {
	return getUsage(ctx, s.client, s.usageKey(tenantID, periodKey))
}

// QueryAudit reads the score range of the tenant's sorted set and pages in memory.
func (s *Store) QueryAudit(ctx context.Context, c billing.AuditCriteria) ([]billing.AuditRecord, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !c.From.IsZero() {
		rng.Min = strconv.FormatInt(c.From.UnixMicro(), 10)
	}
	if !c.To.IsZero() {
		rng.Max = strconv.FormatInt(c.To.UnixMicro(), 10)
	}

	members, err := s.client.ZRangeByScore(ctx, s.auditKey(c.TenantID), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: query audit: %w", err)
	}

	records := make([]billing.AuditRecord, 0, len(members))
	for _, m := range members {
		r, err := decodeAudit([]byte(m))
		if err != nil {
			return nil, fmt.Errorf("redisstore: decode audit: %w", err)
		}
		if c.InRange(r) {
			records = append(records, r)
		}
	}

	if c.Offset >= len(records) {
		return []billing.AuditRecord{}, nil
	}
	records = records[c.Offset:]
	if c.Limit > 0 && c.Limit < len(records) {
		records = records[:c.Limit]
	}
	return records, nil
}

// commit validates the transaction's reads under WATCH and applies its writes.
// A WATCH abort only means some watched key changed; validation is rerun so
// the caller gets the precise reason.
func (s *Store) commit(ctx context.Context, t *tx) error {
	keys := t.watchKeys()
	if len(keys) == 0 {
		return nil
	}

	for range maxCommitAttempts {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			if err := t.validate(ctx, rtx); err != nil {
				return err
			}
			_, err := rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				return t.write(ctx, p)
			})
			return err
		}, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, billing.ErrVersionConflict) && !errors.Is(err, billing.ErrDuplicateEvent) {
			return fmt.Errorf("redisstore: commit: %w", err)
		}
		return err
	}
	return fmt.Errorf("%w: commit kept losing WATCH races", billing.ErrVersionConflict)
}

func getSubscription(ctx context.Context, c redis.Cmdable, key string) (*billing.Subscription, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("redisstore: get subscription: %w", err)
	}
	return decodeSubscription(data)
}

func getUsage(ctx context.Context, c redis.Cmdable, key string) (*billing.UsageCounter, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, billing.ErrUsageNotFound
		}
		return nil, fmt.Errorf("redisstore: get usage: %w", err)
	}
	return decodeUsage(data)
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// waitLock polls SET NX until it succeeds or ctx ends.
func (s *Store) waitLock(ctx context.Context, key, token string) error {
	err := retry.Do(ctx, retry.NewConstant(s.lockInterval), func(ctx context.Context) error {
		ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			return fmt.Errorf("redisstore: lock: %w", err)
		}
		if !ok {
			return retry.RetryableError(errors.New("redisstore: tenant locked"))
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		// network timeouts caused by the deadline do not wrap it
		return errors.Join(ctx.Err(), err)
	}
	return err
}

func (s *Store) unlock(ctx context.Context, key, token string) error {
	return unlockScript.Run(ctx, s.client, []string{key}, token).Err()
}
