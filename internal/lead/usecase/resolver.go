package usecase

import (
	"fmt"
	"time"

	"maklermail-backend/internal/lead/domain"
	"maklermail-backend/internal/lead/repository"
)

// Sender marks who originated a message on a thread.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Resolver maps a provider thread to the internal Lead. A Lead is created
// lazily on the first inbound message of a thread; outbound messages never
// create one.
type Resolver struct {
	leadRepo repository.LeadRepository
}

func NewResolver(leadRepo repository.LeadRepository) *Resolver {
	return &Resolver{leadRepo: leadRepo}
}

// Resolve returns the Lead for (agentID, threadID), creating it when the
// thread was started by an inbound message. For an outbound message on an
// unknown thread it returns (nil, nil): skip, no Lead.
func (r *Resolver) Resolve(agentID, threadID string, sender Sender, fromEmail, fromName string, at time.Time) (*domain.Lead, error) {
	lead, err := r.leadRepo.FindByThread(agentID, threadID)
	if err != nil {
		return nil, fmt.Errorf("lookup lead for thread %s: %w", threadID, err)
	}
	if lead != nil {
		if err := r.leadRepo.Touch(lead.ID, at); err != nil {
			return nil, err
		}
		lead.LastMessageAt = at
		return lead, nil
	}

	// An outbound message can never originate a Lead.
	if sender == SenderAgent {
		return nil, nil
	}

	lead = &domain.Lead{
		AgentID:          agentID,
		ProviderThreadID: threadID,
		Email:            fromEmail,
		Name:             fromName,
		LastMessageAt:    at,
	}
	if err := r.leadRepo.Create(lead); err != nil {
		return nil, fmt.Errorf("create lead for thread %s: %w", threadID, err)
	}
	return lead, nil
}
