package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

// Provider subscription statuses the dispatcher cares about.
const (
	BillingStatusActive   = "active"
	BillingStatusPastDue  = "past_due"
	BillingStatusCanceled = "canceled"
)

// Account stores a platform user's monetary and subscription state. The user
// record itself is owned by the profile service; this row only carries the
// fields the billing subsystem is allowed to mutate.
type Account struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;uniqueIndex:ux_accounts_user" json:"user_id"`
	Email                  string     `gorm:"type:varchar(200);default:''" json:"email"`
	ExternalCustomerID     *string    `gorm:"type:varchar(191);default:null;uniqueIndex:ux_accounts_external_customer" json:"external_customer_id,omitempty"`
	ExternalSubscriptionID string     `gorm:"type:varchar(191);default:''" json:"external_subscription_id"`
	IsPremium              bool       `gorm:"default:false;index" json:"is_premium"`
	PremiumSince           *time.Time `gorm:"type:timestamp;default:null" json:"premium_since,omitempty"`
	PremiumUntil           *time.Time `gorm:"type:timestamp;default:null" json:"premium_until,omitempty"`
	AutoRenew              bool       `gorm:"default:false" json:"auto_renew"`
	PointsBalance          int64      `gorm:"not null;default:0" json:"points_balance"`
	LastEventAt            *time.Time `gorm:"type:timestamp;default:null" json:"last_event_at,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
