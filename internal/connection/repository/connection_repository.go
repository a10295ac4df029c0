package repository

import (
	"time"

	"maklermail-backend/internal/connection/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConnectionRepository is the store for mailbox connections and their sync
// cursors.
type ConnectionRepository interface {
	Create(conn *domain.Connection) error
	FindByID(id string) (*domain.Connection, error)
	FindByMailbox(mailbox string) (*domain.Connection, error)
	FindByAgent(agentID, provider string) (*domain.Connection, error)
	ListAll() ([]*domain.Connection, error)
	ListWatchExpiringBefore(t time.Time) ([]*domain.Connection, error)
	Update(conn *domain.Connection) error
	UpdateCursor(id, cursor string) error
	UpdateTokens(id, accessToken, refreshToken string, expiry time.Time) error
	RecordError(id, lastError string) error
	MarkNeedsReconnect(id, lastError string) error
}

type gormConnectionRepository struct {
	db *gorm.DB
}

func NewConnectionRepository(db *gorm.DB) ConnectionRepository {
	return &gormConnectionRepository{db: db}
}

func (r *gormConnectionRepository) Create(conn *domain.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	return r.db.Create(conn).Error
}

func (r *gormConnectionRepository) FindByID(id string) (*domain.Connection, error) {
	var conn domain.Connection
	err := r.db.Where("id = ?", id).First(&conn).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func (r *gormConnectionRepository) FindByMailbox(mailbox string) (*domain.Connection, error) {
	var conn domain.Connection
	err := r.db.Where("mailbox_address = ?", mailbox).First(&conn).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func (r *gormConnectionRepository) FindByAgent(agentID, provider string) (*domain.Connection, error) {
	var conn domain.Connection
	err := r.db.Where("agent_id = ? AND provider = ?", agentID, provider).First(&conn).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func (r *gormConnectionRepository) ListAll() ([]*domain.Connection, error) {
	var conns []*domain.Connection
	err := r.db.Find(&conns).Error
	return conns, err
}

func (r *gormConnectionRepository) ListWatchExpiringBefore(t time.Time) ([]*domain.Connection, error) {
	var conns []*domain.Connection
	err := r.db.Where("watch_expiration IS NOT NULL AND watch_expiration < ?", t).Find(&conns).Error
	return conns, err
}

func (r *gormConnectionRepository) Update(conn *domain.Connection) error {
	conn.UpdatedAt = time.Now()
	return r.db.Save(conn).Error
}

func (r *gormConnectionRepository) UpdateCursor(id, cursor string) error {
	return r.db.Model(&domain.Connection{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"sync_cursor": cursor,
			"last_error":  "",
			"status":      domain.StatusActive,
			"updated_at":  time.Now(),
		}).Error
}

func (r *gormConnectionRepository) UpdateTokens(id, accessToken, refreshToken string, expiry time.Time) error {
	updates := map[string]interface{}{
		"access_token": accessToken,
		"token_expiry": expiry,
		"updated_at":   time.Now(),
	}
	// A rotated refresh token is only sent once; never overwrite with empty.
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return r.db.Model(&domain.Connection{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormConnectionRepository) RecordError(id, lastError string) error {
	return r.recordFailure(id, lastError, domain.StatusError)
}

// MarkNeedsReconnect flags a connection whose refresh token no longer works;
// only a new OAuth grant from the agent clears it.
func (r *gormConnectionRepository) MarkNeedsReconnect(id, lastError string) error {
	return r.recordFailure(id, lastError, domain.StatusNeedsReconnect)
}

func (r *gormConnectionRepository) recordFailure(id, lastError string, status domain.ConnectionStatus) error {
	if len(lastError) > 500 {
		lastError = lastError[:500]
	}
	return r.db.Model(&domain.Connection{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_error": lastError,
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}
