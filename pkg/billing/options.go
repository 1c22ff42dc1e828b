package billing

import (
	"log/slog"
	"time"
)

// Option configures a Processor or an Enforcer.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  *Metrics
	notifier Notifier
	policy   QuotaPolicy
	cfg      Config
	now      func() time.Time
}

func defaultOptions() *options {
	return &options{
		logger:   slog.Default(),
		notifier: nopNotifier{},
		policy:   DefaultQuotaPolicy(),
		cfg:      DefaultConfig(),
		now:      time.Now,
	}
}

func applyOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithNotifier sets the state change notifier. Nil disables notifications.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		if n == nil {
			n = nopNotifier{}
		}
		o.notifier = n
	}
}

// WithQuotaPolicy sets tier limits, the paid tier used when a trial converts,
// and the grace period.
func WithQuotaPolicy(p QuotaPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithConfig sets timeouts and retry bounds. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		def := DefaultConfig()
		if cfg.ProcessTimeout <= 0 {
			cfg.ProcessTimeout = def.ProcessTimeout
		}
		if cfg.ConflictBackoff <= 0 {
			cfg.ConflictBackoff = def.ConflictBackoff
		}
		if cfg.NotifyTimeout <= 0 {
			cfg.NotifyTimeout = def.NotifyTimeout
		}
		o.cfg = cfg
	}
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
