package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TransactionStatusPending   = "pending"
	TransactionStatusCollected = "collected"
)

// JobTransaction records the commission owed on a completed job. Rows are
// inserted as pending by the commission calculator and transition to collected
// exactly once, by the monthly aggregator.
type JobTransaction struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	JobID             string          `gorm:"type:varchar(191);not null;uniqueIndex:ux_job_transactions_job" json:"job_id"`
	EmployerAccountID uint            `gorm:"not null;index:idx_job_transactions_employer_status,priority:1" json:"employer_account_id"`
	WorkerAccountID   uint            `gorm:"not null;index" json:"worker_account_id"`
	JobAmount         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"job_amount"`
	CommissionRate    decimal.Decimal `gorm:"type:decimal(6,4);not null" json:"commission_rate"`
	CommissionAmount  decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"commission_amount"`
	Status            string          `gorm:"type:varchar(16);not null;default:'pending';index:idx_job_transactions_employer_status,priority:2" json:"status"`
	CreatedAt         time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
