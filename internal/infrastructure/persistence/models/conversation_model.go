package models

import "time"

// ConversationModel is the durable row shape for entity.Conversation.
type ConversationModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	OwnerID        string `gorm:"index;size:64;not null"`
	Title          string `gorm:"size:256"`
	AgentHint      string `gorm:"size:32"`
	TurnCount      int
	SummaryText    string `gorm:"type:text"`
	SummaryUpToSeq int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName overrides GORM's pluralization default.
func (ConversationModel) TableName() string {
	return "conversations"
}
