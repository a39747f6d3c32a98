package models

import "time"

// RequestRunModel is the durable row shape for entity.RequestRun, forming
// the Metrics & Cost Ledger's append-only log (§4.H).
type RequestRunModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"index;size:64;not null"`
	OwnerID        string `gorm:"index;size:64;not null"`
	State          string `gorm:"size:16;not null"`
	Agent          string `gorm:"size:32"`
	Confidence     float64
	PrimaryTier    string `gorm:"size:16"`
	EstimatedCost  string `gorm:"size:32"` // decimal, string-encoded to avoid float rounding
	ErrorKind      string `gorm:"size:64"`
	AttemptsJSON   string `gorm:"type:text"` // JSON-encoded []entity.Attempt
	CreatedAt      time.Time
	UpdatedAt      time.Time `gorm:"index"`
}

// TableName overrides GORM's pluralization default.
func (RequestRunModel) TableName() string {
	return "request_runs"
}
