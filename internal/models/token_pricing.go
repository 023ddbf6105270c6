package models

import (
	"time"

	"gorm.io/gorm"
)

// TokenPricing is the reference USD rate per 1,000 tokens. Rows are versioned
// by effective date and never edited once superseded; the applicable row for
// any moment is the most recent one whose EffectiveDate is <= now.
type TokenPricing struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	USDPer1KTokens float64        `gorm:"not null" json:"usd_per_1k_tokens"`
	EffectiveDate  time.Time      `gorm:"not null;index" json:"effective_date"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (TokenPricing) TableName() string { return "token_pricing" }
