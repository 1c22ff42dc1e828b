package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/a-h/templ"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// RecipientResolver returns the address that should hear about a tenant's
// state change. An empty address skips the email.
type RecipientResolver func(ctx context.Context, tenantID uuid.UUID) (string, error)

// EmailNotifier emails a short summary of each state change.
type EmailNotifier struct {
	sender  EmailSender
	resolve RecipientResolver
	logger  *slog.Logger
}

// EmailOption configures an EmailNotifier.
type EmailOption func(*EmailNotifier)

// WithRecipientResolver routes each change to a per-tenant address.
func WithRecipientResolver(r RecipientResolver) EmailOption {
	return func(n *EmailNotifier) {
		if r != nil {
			n.resolve = r
		}
	}
}

func WithEmailLogger(l *slog.Logger) EmailOption {
	return func(n *EmailNotifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewEmailNotifier sends through sender to the fixed address unless a resolver is given.
func NewEmailNotifier(sender EmailSender, to string, opts ...EmailOption) *EmailNotifier {
	if sender == nil {
		panic("notify: nil email sender")
	}
	n := &EmailNotifier{
		sender: sender,
		resolve: func(context.Context, uuid.UUID) (string, error) {
			return to, nil
		},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NewEmailNotifierFromConfig picks DevSender when cfg.DevDir is set and
// Postmark otherwise.
func NewEmailNotifierFromConfig(cfg EmailConfig, opts ...EmailOption) (*EmailNotifier, error) {
	if cfg.NotifyTo == "" {
		return nil, fmt.Errorf("%w: NotifyTo is required", ErrInvalidConfig)
	}
	if cfg.DevDir != "" {
		return NewEmailNotifier(NewDevSender(cfg.DevDir), cfg.NotifyTo, opts...), nil
	}
	sender, err := NewPostmarkClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewEmailNotifier(sender, cfg.NotifyTo, opts...), nil
}

// NotifyStateChanged implements billing.Notifier.
func (n *EmailNotifier) NotifyStateChanged(ctx context.Context, change billing.StateChange) error {
	to, err := n.resolve(ctx, change.TenantID)
	if err != nil {
		return fmt.Errorf("%w: resolve recipient: %w", ErrFailedToSendEmail, err)
	}
	if to == "" {
		n.logger.DebugContext(ctx, "no recipient for state change email")
		return nil
	}

	body, err := Render(ctx, StateChangeEmail(change))
	if err != nil {
		return fmt.Errorf("%w: render: %w", ErrFailedToSendEmail, err)
	}

	return n.sender.SendEmail(ctx, SendEmailParams{
		SendTo:   to,
		Subject:  fmt.Sprintf("Subscription %s: %s", change.To, change.TenantID),
		BodyHTML: body,
		Tag:      "subscription-" + string(change.To),
	})
}

// StateChangeEmail is the HTML body of a state change email.
func StateChangeEmail(c billing.StateChange) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		rows := [][2]string{
			{"Tenant", c.TenantID.String()},
			{"Previous status", string(c.From)},
			{"New status", string(c.To)},
			{"Tier", string(c.Tier)},
			{"Provider", c.Provider},
			{"Event", c.EventType + " " + c.EventID},
			{"Occurred at", c.OccurredAt.UTC().Format("2006-01-02 15:04:05 MST")},
		}

		var sb strings.Builder
		sb.WriteString("<html><body><h2>Subscription status changed</h2><table>")
		for _, r := range rows {
			sb.WriteString("<tr><th align=\"left\">")
			sb.WriteString(templ.EscapeString(r[0]))
			sb.WriteString("</th><td>")
			sb.WriteString(templ.EscapeString(r[1]))
			sb.WriteString("</td></tr>")
		}
		sb.WriteString("</table></body></html>")

		_, err := io.WriteString(w, sb.String())
		return err
	})
}

// Render renders a templ component to a string.
func Render(ctx context.Context, c templ.Component) (string, error) {
	var sb strings.Builder
	if err := c.Render(ctx, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}
