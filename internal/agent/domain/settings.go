package domain

import "time"

// AgentSettings holds the per-agent automation preferences the pipeline
// consults. Autosend decides whether a QA-passed draft goes straight to
// ready_to_send or waits for approval.
type AgentSettings struct {
	AgentID         string    `json:"agent_id" gorm:"primaryKey"`
	AutosendEnabled bool      `json:"autosend_enabled" gorm:"default:false"`
	ReplyLanguage   string    `json:"reply_language" gorm:"default:de"`
	SignatureName   string    `json:"signature_name"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
