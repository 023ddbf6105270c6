package models

import (
	"time"

	"gorm.io/gorm"
)

// FeatureType identifies a billable operation category.
type FeatureType string

const (
	FeatureIngestion       FeatureType = "ingestion"
	FeatureRevision        FeatureType = "revision"
	FeatureOrchestrator    FeatureType = "orchestrator"
	FeatureChat            FeatureType = "chat"
	FeaturePrecedentSearch FeatureType = "precedent_search"
	FeaturePrecedentEmbed  FeatureType = "precedent_embed"
)

// Usage log status values.
const (
	UsageStatusSuccess = "SUCCESS"
	UsageStatusFailed  = "FAILED"
	UsageStatusTimeout = "TIMEOUT"
)

// UsageLog is the append-only ledger of metered feature invocations. RequestID
// carries the external job or correlation id; the unique index over
// (user_id, feature, request_id) is the idempotency backstop so at-least-once
// completion notifications from external agents never double-charge. RequestID
// is a pointer so entries without a correlation id stay outside the index.
type UsageLog struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	UserID           string         `gorm:"size:255;not null;index;uniqueIndex:idx_usage_request" json:"user_id"`
	Feature          FeatureType    `gorm:"size:50;not null;uniqueIndex:idx_usage_request" json:"feature"`
	TokensUsed       int64          `gorm:"not null" json:"tokens_used"`
	DollarCost       float64        `gorm:"not null" json:"dollar_cost"`
	PromptTokens     *int64         `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64         `json:"completion_tokens,omitempty"`
	Status           string         `gorm:"size:20" json:"status,omitempty"`
	LatencyMs        *int64         `json:"latency_ms,omitempty"`
	ModelUsed        string         `gorm:"size:255" json:"model_used,omitempty"`
	ProjectID        string         `gorm:"size:64" json:"project_id,omitempty"`
	FileID           string         `gorm:"size:64" json:"file_id,omitempty"`
	RequestID        *string        `gorm:"size:255;uniqueIndex:idx_usage_request" json:"request_id,omitempty"`
	MetaData         string         `gorm:"type:text" json:"meta_data,omitempty"`
	CreatedAt        time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

func (UsageLog) TableName() string { return "usage_log" }
