package webhook

import (
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// DeliveryResult contains information about a webhook delivery attempt
type DeliveryResult struct {
	Success    bool
	StatusCode int
	Attempt    int
	Duration   time.Duration
	Error      error
}

// DeliveryHook is called after each delivery attempt
type DeliveryHook func(result DeliveryResult)

// BackoffFactory builds a fresh backoff for every Send.
// go-retry backoffs are stateful and must not be shared between sends.
type BackoffFactory func() retry.Backoff

type sendOptions struct {
	timeout    time.Duration
	headers    map[string]string
	httpClient *http.Client
	userAgent  string

	maxRetries uint64
	backoff    BackoffFactory

	signatureSecret string

	circuitBreaker *CircuitBreaker

	onDelivery DeliveryHook
}

func defaultSendOptions() *sendOptions {
	return &sendOptions{
		timeout:    10 * time.Second,
		headers:    make(map[string]string),
		userAgent:  "billingkit-webhook/1.0",
		maxRetries: 3,
		backoff:    DefaultBackoff,
	}
}

// DefaultBackoff is exponential from one second, capped at 30 seconds, with 10% jitter.
func DefaultBackoff() retry.Backoff {
	return ExponentialBackoff(time.Second, 30*time.Second)
}

// ExponentialBackoff doubles from initial up to maxInterval with 10% jitter.
func ExponentialBackoff(initial, maxInterval time.Duration) retry.Backoff {
	return retry.WithCappedDuration(maxInterval, retry.WithJitterPercent(10, retry.NewExponential(initial)))
}

// FixedBackoff waits the same interval between attempts.
func FixedBackoff(interval time.Duration) retry.Backoff {
	return retry.NewConstant(interval)
}

// SendOption is a functional option for configuring webhook sends
type SendOption func(*sendOptions)

// WithTimeout sets the per-attempt HTTP timeout. Default is 10 seconds.
func WithTimeout(timeout time.Duration) SendOption {
	return func(o *sendOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithHeader adds a custom header to the webhook request.
func WithHeader(key, value string) SendOption {
	return func(o *sendOptions) {
		if key != "" && value != "" {
			o.headers[key] = value
		}
	}
}

// WithHeaders adds multiple custom headers to the webhook request.
func WithHeaders(headers map[string]string) SendOption {
	return func(o *sendOptions) {
		for k, v := range headers {
			if k != "" && v != "" {
				o.headers[k] = v
			}
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) SendOption {
	return func(o *sendOptions) {
		if ua != "" {
			o.userAgent = ua
		}
	}
}

// WithMaxRetries sets the number of retries after the first attempt.
// Default is 3. Zero disables retries.
func WithMaxRetries(n uint64) SendOption {
	return func(o *sendOptions) {
		o.maxRetries = n
	}
}

// WithBackoff sets the backoff used between retries.
func WithBackoff(factory BackoffFactory) SendOption {
	return func(o *sendOptions) {
		if factory != nil {
			o.backoff = factory
		}
	}
}

// WithSignature signs each attempt with HMAC-SHA256 using secret.
func WithSignature(secret string) SendOption {
	return func(o *sendOptions) {
		o.signatureSecret = secret
	}
}

// WithHTTPClient sets a custom HTTP client for the request.
func WithHTTPClient(client *http.Client) SendOption {
	return func(o *sendOptions) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithCircuitBreaker enables circuit breaker protection for the endpoint.
// Reuse the same instance per endpoint.
func WithCircuitBreaker(cb *CircuitBreaker) SendOption {
	return func(o *sendOptions) {
		o.circuitBreaker = cb
	}
}

// WithOnDelivery sets a callback invoked after each delivery attempt.
func WithOnDelivery(hook DeliveryHook) SendOption {
	return func(o *sendOptions) {
		o.onDelivery = hook
	}
}

// WithBasicRetry retries attempts times with a fixed interval.
func WithBasicRetry(attempts uint64, interval time.Duration) SendOption {
	return func(o *sendOptions) {
		o.maxRetries = attempts
		o.backoff = func() retry.Backoff { return FixedBackoff(interval) }
	}
}

// WithNoRetry disables all retry attempts
func WithNoRetry() SendOption {
	return func(o *sendOptions) {
		o.maxRetries = 0
	}
}
