package repository

import (
	"maklermail-backend/internal/message/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ArtifactRepository persists the append-only stage records. Inserts use
// ON CONFLICT DO NOTHING so a duplicate runner pass is a harmless no-op.
type ArtifactRepository interface {
	InsertClassification(a *domain.ClassificationArtifact) error
	FindClassification(messageID, modelVersion string) (*domain.ClassificationArtifact, error)

	InsertIntent(a *domain.IntentArtifact) error
	FindIntent(messageID, promptVersion string) (*domain.IntentArtifact, error)

	InsertRoute(a *domain.RouteArtifact) error
	FindRoute(messageID, promptVersion string) (*domain.RouteArtifact, error)

	InsertQA(a *domain.QAArtifact) error
	FindQA(messageID, promptVersion string, draftRevision int) (*domain.QAArtifact, error)
	LatestQA(messageID string) (*domain.QAArtifact, error)
}

type gormArtifactRepository struct {
	db *gorm.DB
}

func NewArtifactRepository(db *gorm.DB) ArtifactRepository {
	return &gormArtifactRepository{db: db}
}

func (r *gormArtifactRepository) insertOnce(value interface{}) error {
	return r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(value).Error
}

func (r *gormArtifactRepository) InsertClassification(a *domain.ClassificationArtifact) error {
	return r.insertOnce(a)
}

func (r *gormArtifactRepository) FindClassification(messageID, modelVersion string) (*domain.ClassificationArtifact, error) {
	var a domain.ClassificationArtifact
	err := r.db.Where("message_id = ? AND model_version = ?", messageID, modelVersion).First(&a).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *gormArtifactRepository) InsertIntent(a *domain.IntentArtifact) error {
	return r.insertOnce(a)
}

func (r *gormArtifactRepository) FindIntent(messageID, promptVersion string) (*domain.IntentArtifact, error) {
	var a domain.IntentArtifact
	err := r.db.Where("message_id = ? AND prompt_version = ?", messageID, promptVersion).First(&a).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *gormArtifactRepository) InsertRoute(a *domain.RouteArtifact) error {
	return r.insertOnce(a)
}

func (r *gormArtifactRepository) FindRoute(messageID, promptVersion string) (*domain.RouteArtifact, error) {
	var a domain.RouteArtifact
	err := r.db.Where("message_id = ? AND prompt_version = ?", messageID, promptVersion).First(&a).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *gormArtifactRepository) InsertQA(a *domain.QAArtifact) error {
	return r.insertOnce(a)
}

func (r *gormArtifactRepository) FindQA(messageID, promptVersion string, draftRevision int) (*domain.QAArtifact, error) {
	var a domain.QAArtifact
	err := r.db.Where("message_id = ? AND prompt_version = ? AND draft_revision = ?",
		messageID, promptVersion, draftRevision).First(&a).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *gormArtifactRepository) LatestQA(messageID string) (*domain.QAArtifact, error) {
	var a domain.QAArtifact
	err := r.db.Where("message_id = ?", messageID).Order("id DESC").First(&a).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}
