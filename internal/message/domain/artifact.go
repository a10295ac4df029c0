package domain

import "time"

// Artifacts are write-once audit records, one per (message, prompt/model
// version). Their existence check is the idempotency mechanism protecting
// the runners against duplicate batches; they are never updated in place.

type ClassificationArtifact struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID    string    `json:"message_id" gorm:"uniqueIndex:idx_class_msg_version;not null"`
	ModelVersion string    `json:"model_version" gorm:"uniqueIndex:idx_class_msg_version;not null"`
	Decision     string    `json:"decision"`
	EmailType    string    `json:"email_type"`
	Confidence   float64   `json:"confidence"`
	Reason       string    `json:"reason"`
	Signals      string    `json:"signals"` // JSON-encoded deterministic signals
	CreatedAt    time.Time `json:"created_at"`
}

type IntentArtifact struct {
	ID            uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID     string    `json:"message_id" gorm:"uniqueIndex:idx_intent_msg_version;not null"`
	PromptVersion string    `json:"prompt_version" gorm:"uniqueIndex:idx_intent_msg_version;not null"`
	Intent        string    `json:"intent"`
	Confidence    float64   `json:"confidence"`
	CreatedAt     time.Time `json:"created_at"`
}

type RouteArtifact struct {
	ID            uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID     string    `json:"message_id" gorm:"uniqueIndex:idx_route_msg_version;not null"`
	PromptVersion string    `json:"prompt_version" gorm:"uniqueIndex:idx_route_msg_version;not null"`
	Route         string    `json:"route"`
	PropertyRef   string    `json:"property_ref"`
	// SuggestedPropertyIDs is JSON-encoded; written once, replaced only on
	// the lead's context, never here.
	SuggestedPropertyIDs string    `json:"suggested_property_ids"`
	CreatedAt            time.Time `json:"created_at"`
}

// QAArtifact additionally carries the draft revision it reviewed, so the
// rewrite loop can re-run QA under the same prompt version without
// colliding with the previous round's record.
type QAArtifact struct {
	ID            uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID     string    `json:"message_id" gorm:"uniqueIndex:idx_qa_msg_version;not null"`
	PromptVersion string    `json:"prompt_version" gorm:"uniqueIndex:idx_qa_msg_version;not null"`
	DraftRevision int       `json:"draft_revision" gorm:"uniqueIndex:idx_qa_msg_version"`
	Verdict       string    `json:"verdict"`
	Reason        string    `json:"reason"`
	Score         float64   `json:"score"`
	CreatedAt     time.Time `json:"created_at"`
}
