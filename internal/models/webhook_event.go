package models

import (
	"time"

	"gorm.io/gorm"
)

// PaymentWebhookEvent records every processed payment-provider webhook event.
// The unique EventID makes redelivered webhooks no-ops.
type PaymentWebhookEvent struct {
	ID                   uint           `gorm:"primaryKey" json:"id"`
	EventID              string         `gorm:"size:255;not null;uniqueIndex" json:"event_id"`
	StripeCustomerID     string         `gorm:"size:255;index" json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string         `gorm:"size:255" json:"stripe_subscription_id,omitempty"`
	SubscriptionPlan     string         `gorm:"size:100" json:"subscription_plan,omitempty"`
	SubscriptionStatus   string         `gorm:"size:50" json:"subscription_status,omitempty"`
	Action               string         `gorm:"size:100" json:"action,omitempty"`
	ReceivedAt           time.Time      `json:"received_at"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	DeletedAt            gorm.DeletedAt `gorm:"index" json:"-"`
}

func (PaymentWebhookEvent) TableName() string { return "payment_webhook_events" }
