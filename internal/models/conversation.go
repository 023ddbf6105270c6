package models

import (
	"time"

	"gorm.io/gorm"
)

// Conversation groups the chat messages of one user thread.
type Conversation struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	UserID    string         `gorm:"size:255;not null;index" json:"user_id"`
	Title     string         `gorm:"size:255" json:"title,omitempty"`
	Messages  []Message      `gorm:"constraint:OnDelete:CASCADE" json:"messages,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Conversation) TableName() string { return "conversations" }
