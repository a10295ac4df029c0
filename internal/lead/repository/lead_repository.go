package repository

import (
	"time"

	"maklermail-backend/internal/lead/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type LeadRepository interface {
	Create(lead *domain.Lead) error
	FindByID(id string) (*domain.Lead, error)
	FindByThread(agentID, threadID string) (*domain.Lead, error)
	Touch(id string, at time.Time) error
	UpdatePropertyContext(id string, activeRef *string, suggestedIDs string) error
}

type gormLeadRepository struct {
	db *gorm.DB
}

func NewLeadRepository(db *gorm.DB) LeadRepository {
	return &gormLeadRepository{db: db}
}

func (r *gormLeadRepository) Create(lead *domain.Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	return r.db.Create(lead).Error
}

func (r *gormLeadRepository) FindByID(id string) (*domain.Lead, error) {
	var lead domain.Lead
	err := r.db.Where("id = ?", id).First(&lead).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &lead, nil
}

func (r *gormLeadRepository) FindByThread(agentID, threadID string) (*domain.Lead, error) {
	var lead domain.Lead
	err := r.db.Where("agent_id = ? AND provider_thread_id = ?", agentID, threadID).First(&lead).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &lead, nil
}

func (r *gormLeadRepository) Touch(id string, at time.Time) error {
	return r.db.Model(&domain.Lead{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_message_at": at,
			"updated_at":      time.Now(),
		}).Error
}

func (r *gormLeadRepository) UpdatePropertyContext(id string, activeRef *string, suggestedIDs string) error {
	return r.db.Model(&domain.Lead{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"active_property_ref":    activeRef,
			"suggested_property_ids": suggestedIDs,
			"updated_at":             time.Now(),
		}).Error
}
