package repository

import (
	"time"

	"maklermail-backend/internal/agent/domain"

	"gorm.io/gorm"
)

type SettingsRepository interface {
	FindByAgentID(agentID string) (*domain.AgentSettings, error)
	Upsert(settings *domain.AgentSettings) error
}

type gormSettingsRepository struct {
	db *gorm.DB
}

func NewSettingsRepository(db *gorm.DB) SettingsRepository {
	return &gormSettingsRepository{db: db}
}

// FindByAgentID returns the agent's settings, falling back to safe defaults
// (autosend off) when none were saved yet.
func (r *gormSettingsRepository) FindByAgentID(agentID string) (*domain.AgentSettings, error) {
	var settings domain.AgentSettings
	err := r.db.Where("agent_id = ?", agentID).First(&settings).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return &domain.AgentSettings{AgentID: agentID, ReplyLanguage: "de"}, nil
		}
		return nil, err
	}
	return &settings, nil
}

func (r *gormSettingsRepository) Upsert(settings *domain.AgentSettings) error {
	settings.UpdatedAt = time.Now()
	return r.db.Save(settings).Error
}
