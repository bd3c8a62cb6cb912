package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature means the webhook signature header did not match the
	// payload. The body must not be processed.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedEvent means the payload could not be parsed into an event.
	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrDuplicateEvent means the event id was already recorded; redelivery is
	// acknowledged without re-applying the mutation.
	ErrDuplicateEvent = errors.New("duplicate webhook event")

	// ErrAccountNotFound means the referenced billing account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidAmount means a job amount was zero or negative.
	ErrInvalidAmount = errors.New("job amount must be positive")

	// ErrNoActiveSubscription means a cancel request hit an account without a
	// stored provider subscription.
	ErrNoActiveSubscription = errors.New("no active subscription")
)

// ProviderError wraps a failed call to the external payment provider.
type ProviderError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("provider %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the call may succeed on a later attempt.
// Transport errors and timeouts are retryable, as are 408/429 and 5xx.
func (e *ProviderError) Retryable() bool {
	if e.Err != nil {
		return true
	}
	switch {
	case e.StatusCode == 408, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}
