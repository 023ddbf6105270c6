package models

import (
	"time"

	"gorm.io/gorm"
)

// SubscriptionStatus is the lifecycle state of a UserSubscription row.
type SubscriptionStatus string

const (
	SubscriptionActive       SubscriptionStatus = "active"
	SubscriptionInactive     SubscriptionStatus = "inactive"
	SubscriptionExpired      SubscriptionStatus = "expired"
	SubscriptionCanceled     SubscriptionStatus = "canceled"
	SubscriptionLimitReached SubscriptionStatus = "limit_reached"
)

// UserSubscription aggregates token and dollar usage for one user in one
// billing period (YYYY-MM). Exactly one row exists per (user, period); the
// unique index makes concurrent first-of-the-month creation safe. Rows are
// never deleted, only superseded by the next period's row.
//
// SubscriptionPlan references a SubscriptionTier by name rather than id
// because plan names are what arrive from the payment provider.
type UserSubscription struct {
	ID                   uint               `gorm:"primaryKey" json:"id"`
	UserID               string             `gorm:"size:255;not null;index;uniqueIndex:idx_user_billing_period" json:"user_id"`
	SubscriptionPlan     string             `gorm:"size:100;not null" json:"subscription_plan"`
	TokensConsumed       int64              `gorm:"not null;default:0" json:"tokens_consumed"`
	DollarSpent          float64            `gorm:"not null;default:0" json:"dollar_spent"`
	Status               SubscriptionStatus `gorm:"size:20;not null;default:active" json:"status"`
	BillingPeriod        string             `gorm:"size:20;not null;uniqueIndex:idx_user_billing_period" json:"billing_period"`
	StartDate            time.Time          `gorm:"not null" json:"start_date"`
	StripeCustomerID     string             `gorm:"size:255" json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string             `gorm:"size:255" json:"stripe_subscription_id,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
	DeletedAt            gorm.DeletedAt     `gorm:"index" json:"-"`
}

func (UserSubscription) TableName() string { return "user_subscriptions" }
