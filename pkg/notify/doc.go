// Package notify provides billing.Notifier implementations that forward
// committed subscription state changes to the outside world.
//
// WebhookNotifier POSTs a signed JSON payload through pkg/webhook, with
// retries and a per-endpoint circuit breaker. EmailNotifier renders a short
// HTML message and hands it to an EmailSender (Postmark in production,
// DevSender on a laptop). Multi fans one change out to several notifiers and
// LogNotifier only writes a log line.
//
//	n := notify.Multi(
//		notify.NewLogNotifier(log),
//		notify.MustNewWebhookNotifier(whCfg, notify.WithWebhookLogger(log)),
//	)
//	proc := billing.NewProcessor(store, source, billing.WithNotifier(n))
//
// Notifiers are called after commit and their errors are only logged by the
// processor, so they never affect the state of a subscription.
package notify
