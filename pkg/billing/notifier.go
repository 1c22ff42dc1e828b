package billing

import "context"

// Notifier receives committed state changes. Delivery is best-effort: an
// error is logged and never affects the committed transition.
type Notifier interface {
	NotifyStateChanged(ctx context.Context, change StateChange) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, change StateChange) error

func (f NotifierFunc) NotifyStateChanged(ctx context.Context, change StateChange) error {
	return f(ctx, change)
}

type nopNotifier struct{}

func (nopNotifier) NotifyStateChanged(context.Context, StateChange) error { return nil }
