package domain

import (
	"time"

	"golang.org/x/oauth2"
)

// TokenUpdateFunc persists a refreshed OAuth token. The mail provider calls
// it whenever the underlying token source rotates the access token, so the
// stored credentials never go stale.
type TokenUpdateFunc func(token *oauth2.Token) error

type ConnectionStatus string

const (
	StatusConnected      ConnectionStatus = "connected"
	StatusActive         ConnectionStatus = "active"
	StatusNeedsReconnect ConnectionStatus = "needs_reconnect"
	StatusError          ConnectionStatus = "error"
)

// Connection is the per-agent, per-provider mailbox credential and sync
// cursor record. One row per (agent, provider).
type Connection struct {
	ID              string           `json:"id" gorm:"primaryKey"`
	AgentID         string           `json:"agent_id" gorm:"uniqueIndex:idx_agent_provider;not null"`
	Provider        string           `json:"provider" gorm:"uniqueIndex:idx_agent_provider;default:gmail"`
	MailboxAddress  string           `json:"mailbox_address" gorm:"index;not null"`
	AccessToken     string           `json:"-"`
	RefreshToken    string           `json:"-"`
	TokenExpiry     time.Time        `json:"token_expiry"`
	SyncCursor      string           `json:"sync_cursor"`
	WatchExpiration *time.Time       `json:"watch_expiration,omitempty"`
	Status          ConnectionStatus `json:"status" gorm:"default:connected"`
	LastError       string           `json:"last_error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// TokenExpiringWithin reports whether the access token is missing or due to
// expire inside the given margin.
func (c *Connection) TokenExpiringWithin(margin time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.TokenExpiry.IsZero() {
		return false
	}
	return time.Until(c.TokenExpiry) < margin
}
