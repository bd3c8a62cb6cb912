package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Checkout session modes accepted by the provider.
const (
	CheckoutModeSubscription = "subscription"
	CheckoutModePayment      = "payment"
)

// JobCompletionInput is what the job-board collaborator reports when a job is
// marked complete.
type JobCompletionInput struct {
	JobID             string          `json:"job_id"`
	EmployerAccountID uint            `json:"employer_account_id"`
	WorkerAccountID   uint            `json:"worker_account_id"`
	JobAmount         decimal.Decimal `json:"job_amount"`
}

// CheckoutInput parameterizes an outbound checkout session request.
type CheckoutInput struct {
	AccountID  uint
	Mode       string
	PriceRef   string
	SuccessURL string
	CancelURL  string
}

// CommissionGroup is one employer's uncollected commission total for a period.
type CommissionGroup struct {
	EmployerAccountID uint            `gorm:"column:employer_account_id"`
	TotalCommission   decimal.Decimal `gorm:"column:total_commission"`
	JobCount          int             `gorm:"column:job_count"`
}

// ProviderCustomer is the provider's customer record.
type ProviderCustomer struct {
	ID    string
	Email string
}

// ProviderCheckoutSession is a created checkout session.
type ProviderCheckoutSession struct {
	ID  string
	URL string
}

// ProviderInvoice is a created provider invoice.
type ProviderInvoice struct {
	ID      string
	Status  string
	DueDate *time.Time
}

// ProviderSubscription mirrors the provider subscription state returned by
// mutation calls.
type ProviderSubscription struct {
	ID                string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
}

// CheckoutSessionRequest is the outbound request shape for both checkout modes.
type CheckoutSessionRequest struct {
	CustomerID string
	Mode       string
	PriceRef   string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}
