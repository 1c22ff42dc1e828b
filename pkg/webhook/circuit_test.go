package webhook_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(failures, successes int, recovery time.Duration) (*webhook.CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := webhook.NewCircuitBreaker(webhook.BreakerConfig{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		RecoveryTimeout:  recovery,
	}).WithClock(clock.Now)
	return cb, clock
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	t.Parallel()

	t.Run("closed to open", func(t *testing.T) {
		t.Parallel()

		cb, _ := newBreaker(2, 1, time.Minute)
		assert.Equal(t, webhook.CircuitClosed, cb.State())

		cb.RecordFailure()
		assert.True(t, cb.Allow())

		cb.RecordFailure()
		assert.Equal(t, webhook.CircuitOpen, cb.State())
		assert.False(t, cb.Allow())
	})

	t.Run("success resets failure count", func(t *testing.T) {
		t.Parallel()

		cb, _ := newBreaker(2, 1, time.Minute)
		cb.RecordFailure()
		cb.RecordSuccess()
		cb.RecordFailure()
		assert.Equal(t, webhook.CircuitClosed, cb.State())
	})

	t.Run("open to half-open after recovery", func(t *testing.T) {
		t.Parallel()

		cb, clock := newBreaker(1, 1, time.Minute)
		cb.RecordFailure()
		assert.False(t, cb.Allow())

		clock.Advance(time.Minute)
		assert.True(t, cb.Allow())
		assert.Equal(t, webhook.CircuitHalfOpen, cb.State())
	})

	t.Run("half-open closes after enough successes", func(t *testing.T) {
		t.Parallel()

		cb, clock := newBreaker(1, 2, time.Second)
		cb.RecordFailure()
		clock.Advance(time.Second)
		assert.True(t, cb.Allow())

		cb.RecordSuccess()
		assert.Equal(t, webhook.CircuitHalfOpen, cb.State())
		cb.RecordSuccess()
		assert.Equal(t, webhook.CircuitClosed, cb.State())
	})

	t.Run("failed probe reopens", func(t *testing.T) {
		t.Parallel()

		cb, clock := newBreaker(1, 2, time.Second)
		cb.RecordFailure()
		clock.Advance(time.Second)
		assert.True(t, cb.Allow())

		cb.RecordFailure()
		assert.Equal(t, webhook.CircuitOpen, cb.State())
		assert.False(t, cb.Allow())
	})

	t.Run("reset", func(t *testing.T) {
		t.Parallel()

		cb, _ := newBreaker(1, 1, time.Hour)
		cb.RecordFailure()
		cb.Reset()
		assert.Equal(t, webhook.CircuitClosed, cb.State())
		assert.True(t, cb.Allow())
	})
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := webhook.NewCircuitBreaker(webhook.BreakerConfig{})
	for range 4 {
		cb.RecordFailure()
	}
	assert.Equal(t, webhook.CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, webhook.CircuitOpen, cb.State())
}

func TestCircuitState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", webhook.CircuitClosed.String())
	assert.Equal(t, "open", webhook.CircuitOpen.String())
	assert.Equal(t, "half-open", webhook.CircuitHalfOpen.String())
	assert.Equal(t, "unknown", webhook.CircuitState(42).String())
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	t.Parallel()

	cb := webhook.NewCircuitBreaker(webhook.BreakerConfig{FailureThreshold: 1000})

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.Allow()
			if i%2 == 0 {
				cb.RecordFailure()
			} else {
				cb.RecordSuccess()
			}
			_ = cb.State()
		}()
	}
	wg.Wait()

	assert.Equal(t, webhook.CircuitClosed, cb.State())
}
