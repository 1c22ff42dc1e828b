package notify

import (
	"time"

	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

// WebhookConfig configures a WebhookNotifier. Load it with pkg/config.
type WebhookConfig struct {
	URL        string        `env:"NOTIFY_WEBHOOK_URL"`
	Secret     string        `env:"NOTIFY_WEBHOOK_SECRET"`
	MaxRetries uint64        `env:"NOTIFY_WEBHOOK_MAX_RETRIES" envDefault:"3"`
	Timeout    time.Duration `env:"NOTIFY_WEBHOOK_TIMEOUT" envDefault:"10s"`

	Breaker webhook.BreakerConfig `envPrefix:"NOTIFY_WEBHOOK_BREAKER_"`
}

// Enabled reports whether an endpoint is configured.
func (c WebhookConfig) Enabled() bool { return c.URL != "" }

// EmailConfig holds email notification settings.
// Postmark tokens are optional so development setups can use DevSender;
// SenderEmail and SupportEmail establish the sender identity and reply-to
// address of every message.
type EmailConfig struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL"`
	SupportEmail         string `env:"SUPPORT_EMAIL"`

	// NotifyTo receives every state change unless a RecipientResolver is set.
	NotifyTo string `env:"NOTIFY_EMAIL_TO"`
	// DevDir switches to DevSender, writing messages to this directory.
	DevDir string `env:"NOTIFY_EMAIL_DEV_DIR"`
}

// Enabled reports whether email notifications should be wired.
func (c EmailConfig) Enabled() bool { return c.NotifyTo != "" }
