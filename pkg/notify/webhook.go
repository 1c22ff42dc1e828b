package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

// WebhookNotifier posts every state change to a single endpoint.
// The circuit breaker is shared by all sends so a dead endpoint stops
// consuming retries quickly.
type WebhookNotifier struct {
	sender  *webhook.Sender
	breaker *webhook.CircuitBreaker
	cfg     WebhookConfig
	backoff webhook.BackoffFactory
	logger  *slog.Logger
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithWebhookSender replaces the default webhook.Sender.
func WithWebhookSender(s *webhook.Sender) WebhookOption {
	return func(n *WebhookNotifier) {
		if s != nil {
			n.sender = s
		}
	}
}

// WithWebhookBackoff overrides the retry backoff.
func WithWebhookBackoff(f webhook.BackoffFactory) WebhookOption {
	return func(n *WebhookNotifier) {
		if f != nil {
			n.backoff = f
		}
	}
}

func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(n *WebhookNotifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewWebhookNotifier validates cfg and builds the notifier.
func NewWebhookNotifier(cfg WebhookConfig, opts ...WebhookOption) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: webhook URL is required", ErrInvalidConfig)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	n := &WebhookNotifier{
		sender:  webhook.NewSender(),
		breaker: webhook.NewCircuitBreaker(cfg.Breaker),
		cfg:     cfg,
		backoff: webhook.DefaultBackoff,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// MustNewWebhookNotifier panics on invalid config.
func MustNewWebhookNotifier(cfg WebhookConfig, opts ...WebhookOption) *WebhookNotifier {
	n, err := NewWebhookNotifier(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return n
}

// NotifyStateChanged implements billing.Notifier.
func (n *WebhookNotifier) NotifyStateChanged(ctx context.Context, change billing.StateChange) error {
	err := n.sender.Send(ctx, n.cfg.URL, NewPayload(change),
		webhook.WithSignature(n.cfg.Secret),
		webhook.WithMaxRetries(n.cfg.MaxRetries),
		webhook.WithTimeout(n.cfg.Timeout),
		webhook.WithBackoff(n.backoff),
		webhook.WithCircuitBreaker(n.breaker),
		webhook.WithOnDelivery(func(r webhook.DeliveryResult) {
			if !r.Success {
				n.logger.DebugContext(ctx, "state change delivery attempt failed",
					slog.Int("attempt", r.Attempt),
					slog.Int("status", r.StatusCode),
					logger.Error(r.Error),
				)
			}
		}),
	)
	if err != nil {
		if webhook.IsCircuitOpen(err) {
			n.logger.WarnContext(ctx, "state change webhook skipped, circuit open",
				logger.TenantID(change.TenantID.String()))
		}
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}

// BreakerState exposes the endpoint's circuit state.
func (n *WebhookNotifier) BreakerState() webhook.CircuitState {
	return n.breaker.State()
}
