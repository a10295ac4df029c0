package domain

import "time"

// Lead is an inbound prospect, keyed by the provider conversation it
// arrived on. Unique on (agent_id, provider_thread_id). A Lead is only ever
// created for inbound threads; an outbound-only conversation never becomes
// a Lead.
type Lead struct {
	ID                string    `json:"id" gorm:"primaryKey"`
	AgentID           string    `json:"agent_id" gorm:"uniqueIndex:idx_lead_agent_thread;not null"`
	ProviderThreadID  string    `json:"provider_thread_id" gorm:"uniqueIndex:idx_lead_agent_thread;not null"`
	Email             string    `json:"email" gorm:"index"`
	Name              string    `json:"name"`
	LastMessageAt     time.Time `json:"last_message_at"`
	ActivePropertyRef *string   `json:"active_property_ref,omitempty"`
	// SuggestedPropertyIDs is the last suggested set, JSON-encoded. Together
	// with ActivePropertyRef it forms the lead's property context used by
	// route resolution to keep follow-ups anchored.
	SuggestedPropertyIDs string    `json:"suggested_property_ids,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}
