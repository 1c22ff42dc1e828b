package notify

import "errors"

var (
	ErrInvalidConfig     = errors.New("notify: invalid config")
	ErrFailedToSendEmail = errors.New("notify: failed to send email")
	ErrInvalidEmail      = errors.New("notify: invalid email params")
	ErrDeliveryFailed    = errors.New("notify: delivery failed")
)
