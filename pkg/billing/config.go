package billing

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the engine settings. Load it with config.Load.
type Config struct {
	ProcessTimeout     time.Duration `env:"BILLING_PROCESS_TIMEOUT" envDefault:"10s"`
	MaxConflictRetries uint64        `env:"BILLING_MAX_CONFLICT_RETRIES" envDefault:"5"`
	ConflictBackoff    time.Duration `env:"BILLING_CONFLICT_BACKOFF" envDefault:"10ms"`
	NotifyTimeout      time.Duration `env:"BILLING_NOTIFY_TIMEOUT" envDefault:"10s"`
	QuotaPolicyFile    string        `env:"BILLING_QUOTA_POLICY_FILE"`
	// GracePeriod overrides the policy's past-due window when set.
	GracePeriod time.Duration `env:"BILLING_GRACE_PERIOD"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		ProcessTimeout:     10 * time.Second,
		MaxConflictRetries: 5,
		ConflictBackoff:    10 * time.Millisecond,
		NotifyTimeout:      10 * time.Second,
	}
}

// QuotaPolicy loads the configured policy file, or the defaults without one.
func (c Config) QuotaPolicy() (QuotaPolicy, error) {
	p := DefaultQuotaPolicy()
	if c.QuotaPolicyFile != "" {
		var err error
		if p, err = LoadQuotaPolicy(c.QuotaPolicyFile); err != nil {
			return QuotaPolicy{}, err
		}
	}
	if c.GracePeriod > 0 {
		p.GracePeriod = c.GracePeriod
	}
	return p, nil
}

// SourceConfig describes one event source. It is loaded once per provider
// with config.LoadPrefixed, e.g. prefix "BILLING_STRIPE_".
type SourceConfig struct {
	Enabled   bool          `env:"ENABLED" envDefault:"false"`
	Secrets   []string      `env:"WEBHOOK_SECRETS" envSeparator:","`
	Tolerance time.Duration `env:"SIGNATURE_TOLERANCE" envDefault:"5m"`
}

// SourcePrefix returns the env prefix for provider settings.
func SourcePrefix(provider string) string {
	return "BILLING_" + strings.ToUpper(provider) + "_"
}

// Source binds the verifier and normalizer of one provider.
type Source struct {
	Name       string
	Verifier   Verifier
	Normalizer Normalizer
}

// NewSource builds the source for a known provider: "stripe", "paddle", or any
// other name for the canonical HMAC-signed JSON envelope.
func NewSource(provider string, cfg SourceConfig) (Source, error) {
	src := Source{Name: provider}
	var err error

	switch provider {
	case "":
		return Source{}, fmt.Errorf("%w: empty name", ErrUnknownProvider)
	case ProviderStripe:
		src.Verifier, err = NewStripeVerifier(cfg.Tolerance, cfg.Secrets...)
		src.Normalizer = StripeNormalizer{}
	case ProviderPaddle:
		src.Verifier, err = NewPaddleVerifier(cfg.Tolerance, cfg.Secrets...)
		src.Normalizer = PaddleNormalizer{}
	default:
		src.Verifier, err = NewHMACVerifier(cfg.Tolerance, cfg.Secrets...)
		src.Normalizer = JSONNormalizer{Provider: provider}
	}
	if err != nil {
		return Source{}, fmt.Errorf("%s source: %w", provider, err)
	}
	return src, nil
}
