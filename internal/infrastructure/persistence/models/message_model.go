package models

import "time"

// MessageModel is the durable row shape for entity.Message.
type MessageModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"index:idx_messages_conv_seq,priority:1;size:64;not null"`
	Seq            int64  `gorm:"index:idx_messages_conv_seq,priority:2;not null"`
	Role           string `gorm:"size:16;not null"`
	Content        string `gorm:"type:text;not null"`
	AgentType      string `gorm:"size:32"`
	TierUsed       string `gorm:"size:16"`
	TokensIn       int
	TokensOut      int
	CreatedAt      time.Time
	Metadata       string `gorm:"type:text"` // JSON encoded metadata
}

// TableName overrides GORM's pluralization default.
func (MessageModel) TableName() string {
	return "messages"
}
