package webhook_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

type notice struct {
	TenantID string `json:"tenant_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

func fastBackoff() retry.Backoff {
	return webhook.FixedBackoff(time.Millisecond)
}

func TestSender_Send_Success(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "billingkit-webhook/1.0", r.Header.Get("User-Agent"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"tenant_id":"t1","from":"trialing","to":"active"}`, string(body))

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := webhook.NewSender().Send(context.Background(), server.URL, notice{TenantID: "t1", From: "trialing", To: "active"})
	assert.NoError(t, err)
}

func TestSender_Send_Signed(t *testing.T) {
	t.Parallel()

	const secret = "whsec_test"
	var results []webhook.DeliveryResult

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))

		headers, err := webhook.ExtractSignatureHeaders(r.Header)
		require.NoError(t, err)
		assert.NotEmpty(t, headers.ID)

		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, webhook.VerifySignature(secret, body, headers, time.Minute))

		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	err := webhook.NewSender().Send(context.Background(), server.URL, notice{TenantID: "t1"},
		webhook.WithSignature(secret),
		webhook.WithHeader("X-Custom", "yes"),
		webhook.WithOnDelivery(func(r webhook.DeliveryResult) { results = append(results, r) }),
	)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 1, results[0].Attempt)
	assert.Equal(t, http.StatusAccepted, results[0].StatusCode)
}

func TestSender_Send_RetriesTemporaryFailures(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := webhook.NewSender().Send(context.Background(), server.URL, notice{},
		webhook.WithMaxRetries(3),
		webhook.WithBackoff(fastBackoff),
	)
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSender_Send_RetriesExhausted(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("down\nfor maintenance"))
	}))
	defer server.Close()

	err := webhook.NewSender().Send(context.Background(), server.URL, notice{},
		webhook.WithBasicRetry(2, time.Millisecond),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, webhook.ErrWebhookDeliveryFailed)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "down for maintenance")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSender_Send_PermanentFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "bad request", status: http.StatusBadRequest, permanent: true},
		{name: "not found", status: http.StatusNotFound, permanent: true},
		{name: "too many requests", status: http.StatusTooManyRequests, permanent: false},
		{name: "request timeout", status: http.StatusRequestTimeout, permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := webhook.NewSender().Send(context.Background(), server.URL, notice{},
				webhook.WithMaxRetries(2),
				webhook.WithBackoff(fastBackoff),
			)
			require.Error(t, err)
			if tt.permanent {
				assert.ErrorIs(t, err, webhook.ErrPermanentFailure)
				assert.Equal(t, int32(1), attempts.Load())
			} else {
				assert.ErrorIs(t, err, webhook.ErrWebhookDeliveryFailed)
				assert.Equal(t, int32(3), attempts.Load())
			}
		})
	}
}

func TestSender_Send_Timeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := webhook.NewSender().Send(context.Background(), server.URL, notice{},
		webhook.WithTimeout(20*time.Millisecond),
		webhook.WithNoRetry(),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, webhook.ErrTimeout)
}

func TestSender_Send_ContextCancelled(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := webhook.NewSender().Send(ctx, server.URL, notice{},
		webhook.WithBasicRetry(100, 20*time.Millisecond),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSender_Send_CircuitBreaker(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cb := webhook.NewCircuitBreaker(webhook.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	sender := webhook.NewSender()

	for range 2 {
		err := sender.Send(context.Background(), server.URL, notice{}, webhook.WithNoRetry(), webhook.WithCircuitBreaker(cb))
		require.Error(t, err)
	}

	err := sender.Send(context.Background(), server.URL, notice{}, webhook.WithNoRetry(), webhook.WithCircuitBreaker(cb))
	assert.ErrorIs(t, err, webhook.ErrCircuitOpen)
	assert.True(t, webhook.IsCircuitOpen(err))
	assert.Equal(t, int32(2), attempts.Load())
}

func TestSender_Send_InvalidInput(t *testing.T) {
	t.Parallel()

	sender := webhook.NewSender()
	ctx := context.Background()

	tests := []struct {
		name string
		url  string
		data any
		want error
	}{
		{name: "empty url", url: "", data: notice{}, want: webhook.ErrInvalidURL},
		{name: "bad scheme", url: "ftp://example.com/hook", data: notice{}, want: webhook.ErrInvalidURL},
		{name: "no host", url: "http:///hook", data: notice{}, want: webhook.ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := sender.Send(ctx, tt.url, tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("unmarshalable payload", func(t *testing.T) {
		t.Parallel()
		err := sender.Send(ctx, "http://example.com", make(chan int))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "marshal")
	})
}

func TestSender_Send_Concurrent(t *testing.T) {
	t.Parallel()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := webhook.NewSenderWithClient(server.Client())

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sender.Send(context.Background(), server.URL, notice{}))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), received.Load())
}
