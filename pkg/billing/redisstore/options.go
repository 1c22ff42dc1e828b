package redisstore

import "time"

const (
	DefaultKeyPrefix    = "billing"
	DefaultLockTTL      = 30 * time.Second
	DefaultLockInterval = 5 * time.Millisecond

	// commit attempts after a WATCH abort before reporting a conflict
	maxCommitAttempts = 16
)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces every key. Empty keeps the default.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithLockTTL bounds how long a crashed holder can block a tenant.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithLockInterval sets the polling interval while waiting for a tenant lock.
func WithLockInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockInterval = d
		}
	}
}
