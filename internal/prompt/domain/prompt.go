package domain

import "time"

// Prompt keys used by the pipeline stages.
const (
	KeySafety  = "safety"
	KeyIntent  = "intent"
	KeyDraft   = "draft"
	KeyQA      = "qa"
	KeyRewrite = "rewrite"
)

// Prompt is an externally configurable system prompt. Version participates
// in the artifact idempotency key, so editing a prompt and bumping its
// version makes the runners redo the stage for new messages without
// touching already-produced artifacts.
type Prompt struct {
	Key       string    `json:"key" gorm:"primaryKey"`
	Text      string    `json:"text"`
	Version   string    `json:"version" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at"`
}
