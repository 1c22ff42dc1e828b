package billing

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes engine counters. A nil *Metrics records nothing.
type Metrics struct {
	events     *prometheus.CounterVec
	rejections *prometheus.CounterVec
	decisions  *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg.
// Counters already registered by another Metrics are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_events_total",
			Help: "Accepted provider events by outcome.",
		}, []string{"provider", "outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_event_rejections_total",
			Help: "Rejected provider events by reason.",
		}, []string{"provider", "reason"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_quota_decisions_total",
			Help: "Quota decisions by result and deny reason.",
		}, []string{"result", "reason"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_conflict_retries_total",
			Help: "Optimistic concurrency retries by operation.",
		}, []string{"operation"}),
	}

	if reg == nil {
		return m, nil
	}
	var err error
	if m.events, err = register(reg, m.events); err != nil {
		return nil, err
	}
	if m.rejections, err = register(reg, m.rejections); err != nil {
		return nil, err
	}
	if m.decisions, err = register(reg, m.decisions); err != nil {
		return nil, err
	}
	if m.conflicts, err = register(reg, m.conflicts); err != nil {
		return nil, err
	}
	return m, nil
}

func register(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func (m *Metrics) event(provider string, outcome AckOutcome) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(provider, string(outcome)).Inc()
}

func (m *Metrics) rejection(provider string, err error) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(provider, rejectionReason(err)).Inc()
}

func (m *Metrics) decision(d Decision) {
	if m == nil {
		return
	}
	result := "granted"
	if !d.Granted {
		result = "denied"
	}
	m.decisions.WithLabelValues(result, string(d.Reason)).Inc()
}

func (m *Metrics) conflict(operation string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(operation).Inc()
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrStaleEvent):
		return "stale"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "transient"
	}
}
