package domain

import "time"

type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendSending SendStatus = "sending"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
)

const (
	SenderUser  = "user"
	SenderAgent = "agent"
)

// Message is the pipeline's central entity. Inbound rows carry the pipeline
// Status; outbound draft rows carry the send lock triplet. Rows are never
// deleted, only corrected via status transitions.
type Message struct {
	ID      string `json:"id" gorm:"primaryKey"`
	LeadID  string `json:"lead_id" gorm:"index"`
	AgentID string `json:"agent_id" gorm:"index;not null"`
	Sender  string `json:"sender" gorm:"not null"` // user | agent

	Subject     string `json:"subject"`
	Text        string `json:"text"`
	FromAddress string `json:"from_address"`

	// ProviderMessageID is the dedupe key: a re-delivered push or a
	// duplicate runner pass upserts onto the same row.
	ProviderMessageID string    `json:"provider_message_id" gorm:"uniqueIndex"`
	ProviderThreadID  string    `json:"provider_thread_id" gorm:"index"`
	Timestamp         time.Time `json:"timestamp" gorm:"index"`

	Status Status `json:"status" gorm:"index"`

	SendStatus   SendStatus `json:"send_status" gorm:"default:pending"`
	SendLockedAt *time.Time `json:"send_locked_at,omitempty"`
	SendError    string     `json:"send_error,omitempty"`

	ApprovalRequired         bool    `json:"approval_required"`
	EmailType                string  `json:"email_type"`
	ClassificationConfidence float64 `json:"classification_confidence"`

	// ReplyToMessageID links an outbound draft to the inbound message it
	// answers (the anchor).
	ReplyToMessageID string `json:"reply_to_message_id,omitempty" gorm:"index"`
	DraftRevision    int    `json:"draft_revision"`
	DraftAttempts    int    `json:"draft_attempts"`
	RewriteCount     int    `json:"rewrite_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
