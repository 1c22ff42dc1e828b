package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/logger"
)

type multi []billing.Notifier

// Multi calls every notifier in order and joins their errors. A failing
// notifier does not stop the ones after it. Nil entries are skipped.
func Multi(notifiers ...billing.Notifier) billing.Notifier {
	m := make(multi, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			m = append(m, n)
		}
	}
	return m
}

func (m multi) NotifyStateChanged(ctx context.Context, change billing.StateChange) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyStateChanged(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes each state change as an info record.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(l *slog.Logger) *LogNotifier {
	if l == nil {
		l = slog.Default()
	}
	return &LogNotifier{logger: l}
}

func (n *LogNotifier) NotifyStateChanged(ctx context.Context, c billing.StateChange) error {
	n.logger.InfoContext(ctx, "subscription state changed",
		logger.TenantID(c.TenantID.String()),
		logger.Transition(c.From, c.To),
		slog.String("tier", string(c.Tier)),
		logger.Provider(c.Provider),
		logger.EventID(c.EventID),
		logger.EventType(c.EventType),
	)
	return nil
}
