package repository

import (
	"time"

	"maklermail-backend/internal/prompt/domain"

	"gorm.io/gorm"
)

type PromptRepository interface {
	Find(key string) (*domain.Prompt, error)
	List() ([]*domain.Prompt, error)
	Upsert(p *domain.Prompt) error
}

type gormPromptRepository struct {
	db       *gorm.DB
	defaults map[string]*domain.Prompt
}

func NewPromptRepository(db *gorm.DB) PromptRepository {
	return &gormPromptRepository{db: db, defaults: defaultPrompts()}
}

// Find returns the stored prompt, or the built-in default when the operator
// never customized it.
func (r *gormPromptRepository) Find(key string) (*domain.Prompt, error) {
	var p domain.Prompt
	err := r.db.Where("key = ?", key).First(&p).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			if def, ok := r.defaults[key]; ok {
				return def, nil
			}
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (r *gormPromptRepository) List() ([]*domain.Prompt, error) {
	var stored []*domain.Prompt
	if err := r.db.Find(&stored).Error; err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(stored))
	for _, p := range stored {
		seen[p.Key] = true
	}
	for key, def := range r.defaults {
		if !seen[key] {
			stored = append(stored, def)
		}
	}
	return stored, nil
}

func (r *gormPromptRepository) Upsert(p *domain.Prompt) error {
	p.UpdatedAt = time.Now()
	return r.db.Save(p).Error
}

func defaultPrompts() map[string]*domain.Prompt {
	mk := func(key, text string) *domain.Prompt {
		return &domain.Prompt{Key: key, Text: text, Version: key + "-v1"}
	}
	return map[string]*domain.Prompt{
		domain.KeySafety: mk(domain.KeySafety,
			"You classify inbound email for a real-estate agent's mailbox. "+
				"Decide whether the mail is a property lead, a portal notification, "+
				"a business contact, legal/billing correspondence, or automated noise. "+
				"Respond with strict JSON: {\"decision\":\"auto_reply|needs_approval|ignore\","+
				"\"email_type\":\"LEAD|PORTAL|BUSINESS|LEGAL|SYSTEM|OTHER\","+
				"\"confidence\":0.0,\"reason\":\"...\"}. Never mark legal or billing "+
				"mail for auto reply."),
		domain.KeyIntent: mk(domain.KeyIntent,
			"You label the intent of a confirmed property lead email. "+
				"Respond with strict JSON: {\"decision\":\"PROPERTY_SPECIFIC|PROPERTY_SEARCH|"+
				"VIEWING_REQUEST|GENERAL_QUESTION|FOLLOW_UP\",\"confidence\":0.0,\"reason\":\"...\"}."),
		domain.KeyDraft: mk(domain.KeyDraft,
			"You write a reply on behalf of a real-estate agent. Be concise, "+
				"friendly and factual; answer in the lead's language. Respond with "+
				"strict JSON: {\"text\":\"...\"}."),
		domain.KeyQA: mk(domain.KeyQA,
			"You review a drafted reply before it may be sent. Check tone, "+
				"factuality against the inbound mail, and that nothing legally "+
				"binding is promised. Respond with strict JSON: "+
				"{\"verdict\":\"pass|warn|fail\",\"reason\":\"...\",\"score\":0.0}."),
		domain.KeyRewrite: mk(domain.KeyRewrite,
			"You rewrite a drafted reply to address the reviewer's objection "+
				"while keeping the original meaning. Respond with strict JSON: "+
				"{\"text\":\"...\"}."),
	}
}
