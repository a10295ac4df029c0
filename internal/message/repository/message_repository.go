package repository

import (
	"fmt"
	"time"

	"maklermail-backend/internal/message/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository is the shared store the stage runners coordinate over.
// All state changes go through conditional updates; callers must treat a
// false "won" result as having lost the race, not as an error.
type MessageRepository interface {
	// UpsertInbound inserts a message keyed by provider_message_id and
	// reports whether a new row was created. A re-delivered push envelope
	// hits the conflict path and creates nothing.
	UpsertInbound(msg *domain.Message) (bool, error)
	CreateDraft(msg *domain.Message) error

	FindByID(id string) (*domain.Message, error)
	FindByProviderID(providerID string) (*domain.Message, error)
	FindDraftByReplyTo(inboundID string) (*domain.Message, error)
	ListByStatus(status domain.Status, limit int) ([]*domain.Message, error)

	// AdvanceStatus moves id from → to if and only if the transition is
	// legal and the row still carries the expected pre-state. Returns
	// whether this caller won the row.
	AdvanceStatus(id string, from, to domain.Status) (bool, error)

	// AcquireSendLock claims a draft for dispatch. Succeeds only when
	// send_status is pending or failed and no lock is held.
	AcquireSendLock(id string, at time.Time) (bool, error)
	ReleaseSendLock(id, sendError string) error
	MarkSent(id, providerMessageID, providerThreadID string) error
	// Unlock is the administrative recovery for a stuck 'sending' lock.
	Unlock(id string) error

	UpdateDraft(id, text string, revision int) error
	IncrementDraftAttempts(id string) error
	ResetDraftAttempts(id string) error
	IncrementRewriteCount(id string) error
	SetClassification(id, emailType string, confidence float64, approvalRequired bool) error
}

type gormMessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

func (r *gormMessageRepository) UpsertInbound(msg *domain.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	res := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_message_id"}},
		DoNothing: true,
	}).Create(msg)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormMessageRepository) CreateDraft(msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	// Drafts have no provider id yet; it arrives with the send confirmation.
	return r.db.Create(msg).Error
}

func (r *gormMessageRepository) FindByID(id string) (*domain.Message, error) {
	var msg domain.Message
	err := r.db.Where("id = ?", id).First(&msg).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

func (r *gormMessageRepository) FindByProviderID(providerID string) (*domain.Message, error) {
	var msg domain.Message
	err := r.db.Where("provider_message_id = ?", providerID).First(&msg).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

func (r *gormMessageRepository) FindDraftByReplyTo(inboundID string) (*domain.Message, error) {
	var msg domain.Message
	err := r.db.Where("reply_to_message_id = ? AND sender = ?", inboundID, domain.SenderAgent).
		Order("draft_revision DESC").First(&msg).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

func (r *gormMessageRepository) ListByStatus(status domain.Status, limit int) ([]*domain.Message, error) {
	var msgs []*domain.Message
	// Oldest-first fairness within a batch; no ordering guarantee across
	// batches.
	err := r.db.Where("status = ? AND sender = ?", status, domain.SenderUser).
		Order("timestamp ASC").Limit(limit).Find(&msgs).Error
	return msgs, err
}

func (r *gormMessageRepository) AdvanceStatus(id string, from, to domain.Status) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	res := r.db.Model(&domain.Message{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormMessageRepository) AcquireSendLock(id string, at time.Time) (bool, error) {
	res := r.db.Model(&domain.Message{}).
		Where("id = ? AND send_status IN ? AND send_locked_at IS NULL",
			id, []domain.SendStatus{domain.SendPending, domain.SendFailed}).
		Updates(map[string]interface{}{
			"send_status":    domain.SendSending,
			"send_locked_at": at,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormMessageRepository) ReleaseSendLock(id, sendError string) error {
	if len(sendError) > 500 {
		sendError = sendError[:500]
	}
	return r.db.Model(&domain.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"send_status":    domain.SendFailed,
			"send_locked_at": nil,
			"send_error":     sendError,
			"updated_at":     time.Now(),
		}).Error
}

func (r *gormMessageRepository) MarkSent(id, providerMessageID, providerThreadID string) error {
	return r.db.Model(&domain.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"send_status":         domain.SendSent,
			"send_locked_at":      nil,
			"send_error":          "",
			"status":              domain.StatusSent,
			"provider_message_id": providerMessageID,
			"provider_thread_id":  providerThreadID,
			"updated_at":          time.Now(),
		}).Error
}

func (r *gormMessageRepository) Unlock(id string) error {
	return r.db.Model(&domain.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"send_status":    domain.SendFailed,
			"send_locked_at": nil,
			"updated_at":     time.Now(),
		}).Error
}

func (r *gormMessageRepository) UpdateDraft(id, text string, revision int) error {
	return r.db.Model(&domain.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"text":           text,
			"draft_revision": revision,
			"updated_at":     time.Now(),
		}).Error
}

func (r *gormMessageRepository) IncrementDraftAttempts(id string) error {
	return r.db.Model(&domain.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"draft_attempts": gorm.Expr("draft_attempts + 1"),
			"updated_at":     time.Now(),
		}).Error
}

func (r *gormMessageRepository) ResetDraftAttempts(id string) error {
	return r.db.Model(&domain.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"draft_attempts": 0,
			"updated_at":     time.Now(),
		}).Error
}

func (r *gormMessageRepository) IncrementRewriteCount(id string) error {
	return r.db.Model(&domain.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"rewrite_count": gorm.Expr("rewrite_count + 1"),
			"updated_at":    time.Now(),
		}).Error
}

func (r *gormMessageRepository) SetClassification(id, emailType string, confidence float64, approvalRequired bool) error {
	return r.db.Model(&domain.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"email_type":                emailType,
			"classification_confidence": confidence,
			"approval_required":         approvalRequired,
			"updated_at":                time.Now(),
		}).Error
}
