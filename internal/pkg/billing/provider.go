package billing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderClient is the outbound interface to the external payment provider.
// All calls are blocking I/O with bounded timeouts; retries are the caller's
// concern (see RetryPolicy).
type ProviderClient interface {
	CreateCustomer(ctx context.Context, email string, userID uint) (*ProviderCustomer, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*ProviderCheckoutSession, error)
	CreateInvoiceItem(ctx context.Context, customerID string, amount decimal.Decimal, description, idempotencyKey string) error
	CreateInvoice(ctx context.Context, customerID string, daysUntilDue int, idempotencyKey string) (*ProviderInvoice, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*ProviderSubscription, error)
}

// RetryPolicy bounds retries of retryable provider failures with exponential
// backoff. Non-retryable errors surface immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy is used by the aggregator unless overridden.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond}

func withRetry(ctx context.Context, policy RetryPolicy, op func() error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var err error
	delay := policy.BaseDelay
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}

		var pe *ProviderError
		if !errors.As(err, &pe) || !pe.Retryable() {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
