package models

import "time"

const (
	ProductKindPremiumSubscription = "premium_subscription"
	ProductKindPointsPack          = "points_pack"
)

// ProductMapping maps a provider price reference to an internal product so
// checkout completions can be interpreted without redeploying: either the
// premium subscription or a points pack with its credit amount.
type ProductMapping struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Provider         string    `gorm:"type:varchar(20);not null;index:ux_product_mappings_ref,unique,priority:1" json:"provider"`
	ProviderPriceRef string    `gorm:"type:varchar(191);not null;index:ux_product_mappings_ref,unique,priority:2" json:"provider_price_ref"`
	Kind             string    `gorm:"type:varchar(32);not null" json:"kind"`
	Points           int64     `gorm:"not null;default:0" json:"points"`
	IsActive         bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
