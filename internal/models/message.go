package models

import (
	"time"

	"gorm.io/gorm"
)

// MessageRole is the author role of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one persisted chat transcript entry. CreatedAt is set explicitly
// by the persistence queue so a cancelled partial response keeps its
// generation-start timestamp and the transcript stays in causal order.
type Message struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	ConversationID uint           `gorm:"not null;index" json:"conversation_id"`
	UserID         string         `gorm:"size:255;not null;index" json:"user_id"`
	Role           MessageRole    `gorm:"size:20;not null" json:"role"`
	Content        string         `gorm:"type:text;not null" json:"content"`
	ModelUsed      string         `gorm:"size:100" json:"model_used,omitempty"`
	CreatedAt      time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Message) TableName() string { return "messages" }
