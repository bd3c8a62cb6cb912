package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PurchaseStatusCompleted = "completed"
)

// PointsPurchase is the ledger row written when a one-time points checkout
// completes. ProviderEventID ties the credit back to the webhook event that
// produced it.
type PointsPurchase struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	AccountID       uint            `gorm:"not null;index" json:"account_id"`
	ProviderEventID string          `gorm:"type:varchar(191);not null;index" json:"provider_event_id"`
	ProductRef      string          `gorm:"type:varchar(191);not null" json:"product_ref"`
	Points          int64           `gorm:"not null" json:"points"`
	AmountTotal     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount_total"`
	Status          string          `gorm:"type:varchar(16);not null;default:'completed'" json:"status"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
