package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	InvoiceStatusProcessing = "processing"
	InvoiceStatusPaid       = "paid"
	InvoiceStatusFailed     = "failed"
)

// MonthlyInvoice consolidates one employer's uncollected commissions for one
// calendar month. The row is also the aggregator's outbox record: it is
// inserted with status processing and an empty external id before the provider
// call, so an interrupted run can resume without creating a second invoice.
// The (employer, month) pair is unique.
type MonthlyInvoice struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	EmployerAccountID uint            `gorm:"not null;uniqueIndex:ux_monthly_invoices_employer_month,priority:1" json:"employer_account_id"`
	MonthKey          string          `gorm:"type:varchar(7);not null;uniqueIndex:ux_monthly_invoices_employer_month,priority:2;index" json:"month_key"`
	TotalCommission   decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total_commission"`
	TotalJobs         int             `gorm:"not null;default:0" json:"total_jobs"`
	PaymentStatus     string          `gorm:"type:varchar(16);not null;default:'processing';index" json:"payment_status"`
	ExternalInvoiceID string          `gorm:"type:varchar(191);not null;default:''" json:"external_invoice_id"`
	DueDate           *time.Time      `gorm:"type:timestamp;default:null" json:"due_date,omitempty"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
