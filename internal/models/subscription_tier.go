package models

import (
	"time"

	"gorm.io/gorm"
)

// Billing cycle values for subscription tiers.
const (
	BillingCycleMonthly = "Monthly"
	BillingCycleAnnual  = "Annual"
)

// SubscriptionTier defines a named plan: token ceiling per billing cycle plus
// the external price reference used by the payment provider. Seeded at boot,
// read-mostly afterwards.
type SubscriptionTier struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	PlanName      string         `gorm:"size:100;not null;uniqueIndex" json:"plan_name"`
	TokenLimit    int64          `gorm:"not null" json:"token_limit"`
	BillingCycle  string         `gorm:"size:50;not null" json:"billing_cycle"`
	StripePriceID string         `gorm:"size:255" json:"stripe_price_id,omitempty"`
	Description   string         `gorm:"type:text" json:"description,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

func (SubscriptionTier) TableName() string { return "subscription_tiers" }
