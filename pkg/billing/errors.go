package billing

import "errors"

var (
	// Rejections returned by Processor.ProcessEvent. The transport answers the
	// provider with a failure and the provider may redeliver.
	ErrInvalidSignature = errors.New("billing: invalid event signature")
	ErrStaleEvent       = errors.New("billing: event timestamp outside tolerance")
	ErrInvalidPayload   = errors.New("billing: invalid event payload")
	ErrTransient        = errors.New("billing: transient failure")

	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrUsageNotFound        = errors.New("billing: usage counter not found")
	ErrEventNotFound        = errors.New("billing: event not recorded")

	// Store concurrency outcomes.
	ErrVersionConflict = errors.New("billing: subscription version conflict")
	ErrDuplicateEvent  = errors.New("billing: event already recorded")

	ErrInvalidAmount   = errors.New("billing: amount must be positive")
	ErrInvalidTenantID = errors.New("billing: tenant ID is required")
	ErrInvalidCriteria = errors.New("billing: invalid audit criteria")
	ErrInvalidPolicy   = errors.New("billing: invalid quota policy")

	ErrUnknownProvider    = errors.New("billing: unknown provider")
	ErrMissingSecret      = errors.New("billing: webhook secret is required")
	ErrFailedToLoadPolicy = errors.New("billing: failed to load quota policy")
)

// IsRetryable reports whether the transport should let the provider redeliver
// the event. Authentication and payload rejections are final.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// transient wraps store failures and expired deadlines so callers see ErrTransient.
// Sentinels that are already part of the contract pass through.
func transient(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransient),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrStaleEvent),
		errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidTenantID):
		return err
	default:
		return errors.Join(ErrTransient, err)
	}
}
