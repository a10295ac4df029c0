package pipeline

import (
	"context"
	"fmt"
	"log"

	"maklermail-backend/internal/message/domain"
	msgrepo "maklermail-backend/internal/message/repository"
	promptdomain "maklermail-backend/internal/prompt/domain"
	promptrepo "maklermail-backend/internal/prompt/repository"
	"maklermail-backend/pkg/llm"
)

// Canonical intent labels.
const (
	IntentPropertySpecific = "PROPERTY_SPECIFIC"
	IntentPropertySearch   = "PROPERTY_SEARCH"
	IntentViewingRequest   = "VIEWING_REQUEST"
	IntentGeneralQuestion  = "GENERAL_QUESTION"
	IntentFollowUp         = "FOLLOW_UP"
)

// IntentRunner classifies what a confirmed lead message asks for.
// intent_pending → intent_done.
type IntentRunner struct {
	messages  msgrepo.MessageRepository
	artifacts msgrepo.ArtifactRepository
	prompts   promptrepo.PromptRepository
	client    *llm.Client
	batchSize int
}

func NewIntentRunner(messages msgrepo.MessageRepository, artifacts msgrepo.ArtifactRepository, prompts promptrepo.PromptRepository, client *llm.Client, batchSize int) *IntentRunner {
	return &IntentRunner{messages: messages, artifacts: artifacts, prompts: prompts, client: client, batchSize: batchSize}
}

func (r *IntentRunner) Name() string { return "intent" }

func (r *IntentRunner) RunOnce(ctx context.Context) {
	batch, err := r.messages.ListByStatus(domain.StatusIntentPending, r.batchSize)
	if err != nil {
		log.Printf("[Intent] Batch select failed: %v", err)
		return
	}
	for _, msg := range batch {
		if err := r.process(ctx, msg); err != nil {
			log.Printf("[Intent] %s: %v", msg.ID, err)
		}
	}
}

func (r *IntentRunner) process(ctx context.Context, msg *domain.Message) error {
	prompt, err := r.prompts.Find(promptdomain.KeyIntent)
	if err != nil || prompt == nil {
		return fmt.Errorf("intent prompt unavailable: %v", err)
	}

	// Another runner instance may have finished this row already.
	existing, err := r.artifacts.FindIntent(msg.ID, prompt.Version)
	if err != nil {
		return err
	}
	if existing != nil {
		_, err := r.messages.AdvanceStatus(msg.ID, domain.StatusIntentPending, domain.StatusIntentDone)
		return err
	}

	decision, err := r.client.CompleteDecision(ctx, llm.Request{
		SystemPrompt: prompt.Text,
		UserPrompt:   fmt.Sprintf("Subject: %s\n\n%s", msg.Subject, msg.Text),
		Temperature:  0,
		MaxTokens:    256,
	})
	if err != nil {
		// Transient; the next batch retries.
		return fmt.Errorf("intent call failed: %w", err)
	}

	if err := r.artifacts.InsertIntent(&domain.IntentArtifact{
		MessageID:     msg.ID,
		PromptVersion: prompt.Version,
		Intent:        decision.Decision,
		Confidence:    decision.Confidence,
	}); err != nil {
		return err
	}

	won, err := r.messages.AdvanceStatus(msg.ID, domain.StatusIntentPending, domain.StatusIntentDone)
	if err != nil {
		return err
	}
	if won {
		log.Printf("[Intent] %s → %s (%.2f)", msg.ID, decision.Decision, decision.Confidence)
	}
	return nil
}
