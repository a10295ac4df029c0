package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	settingsrepo "maklermail-backend/internal/agent/repository"
	"maklermail-backend/internal/audit"
	leaddomain "maklermail-backend/internal/lead/domain"
	leadrepo "maklermail-backend/internal/lead/repository"
	"maklermail-backend/internal/message/domain"
	msgrepo "maklermail-backend/internal/message/repository"
	promptdomain "maklermail-backend/internal/prompt/domain"
	promptrepo "maklermail-backend/internal/prompt/repository"
	"maklermail-backend/pkg/llm"
)

// maxDraftAttempts bounds composer retries before the message parks in
// failed_draft for a manual retry.
const maxDraftAttempts = 3

// DraftRunner composes the outbound reply as a separate agent-sender
// message row. route_resolved → draft_created → qa_pending.
type DraftRunner struct {
	messages  msgrepo.MessageRepository
	artifacts msgrepo.ArtifactRepository
	leads     leadrepo.LeadRepository
	settings  settingsrepo.SettingsRepository
	prompts   promptrepo.PromptRepository
	client    *llm.Client
	notifier  *audit.Notifier
	batchSize int
}

func NewDraftRunner(messages msgrepo.MessageRepository, artifacts msgrepo.ArtifactRepository, leads leadrepo.LeadRepository, settings settingsrepo.SettingsRepository, prompts promptrepo.PromptRepository, client *llm.Client, notifier *audit.Notifier, batchSize int) *DraftRunner {
	return &DraftRunner{messages: messages, artifacts: artifacts, leads: leads, settings: settings, prompts: prompts, client: client, notifier: notifier, batchSize: batchSize}
}

func (r *DraftRunner) Name() string { return "draft" }

func (r *DraftRunner) RunOnce(ctx context.Context) {
	batch, err := r.messages.ListByStatus(domain.StatusRouteResolved, r.batchSize)
	if err != nil {
		log.Printf("[Draft] Batch select failed: %v", err)
		return
	}
	for _, msg := range batch {
		if err := r.process(ctx, msg); err != nil {
			log.Printf("[Draft] %s: %v", msg.ID, err)
		}
	}
}

func (r *DraftRunner) process(ctx context.Context, msg *domain.Message) error {
	// A draft row already attached to this message is the stage's artifact.
	existing, err := r.messages.FindDraftByReplyTo(msg.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return r.advanceToQA(msg.ID)
	}

	prompt, err := r.prompts.Find(promptdomain.KeyDraft)
	if err != nil || prompt == nil {
		return fmt.Errorf("draft prompt unavailable: %v", err)
	}

	route, err := r.latestRoute(msg.ID)
	if err != nil {
		return err
	}

	settings, err := r.settings.FindByAgentID(msg.AgentID)
	if err != nil {
		return err
	}
	lead, err := r.leads.FindByID(msg.LeadID)
	if err != nil {
		return err
	}

	text, err := r.client.CompleteText(ctx, llm.Request{
		SystemPrompt: prompt.Text,
		UserPrompt:   buildDraftPrompt(msg, route, lead, settings.ReplyLanguage, settings.SignatureName),
		Temperature:  0.4,
		MaxTokens:    1024,
	})
	if err != nil {
		return r.recordFailure(msg, err)
	}

	draft := &domain.Message{
		LeadID:           msg.LeadID,
		AgentID:          msg.AgentID,
		Sender:           domain.SenderAgent,
		Subject:          replySubject(msg.Subject),
		Text:             text,
		ProviderThreadID: msg.ProviderThreadID,
		Timestamp:        msg.Timestamp,
		Status:           domain.StatusDraftCreated,
		SendStatus:       domain.SendPending,
		ReplyToMessageID: msg.ID,
		DraftRevision:    1,
	}
	if err := r.messages.CreateDraft(draft); err != nil {
		return fmt.Errorf("persist draft: %w", err)
	}

	r.notifier.Notify(audit.EventDrafted, msg.AgentID, msg.ID, "")
	log.Printf("[Draft] Drafted reply for %s (%d chars)", msg.ID, len(text))
	return r.advanceToQA(msg.ID)
}

func (r *DraftRunner) advanceToQA(id string) error {
	won, err := r.messages.AdvanceStatus(id, domain.StatusRouteResolved, domain.StatusDraftCreated)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	_, err = r.messages.AdvanceStatus(id, domain.StatusDraftCreated, domain.StatusQAPending)
	return err
}

func (r *DraftRunner) recordFailure(msg *domain.Message, cause error) error {
	if err := r.messages.IncrementDraftAttempts(msg.ID); err != nil {
		return err
	}
	if msg.DraftAttempts+1 >= maxDraftAttempts {
		if _, err := r.messages.AdvanceStatus(msg.ID, domain.StatusRouteResolved, domain.StatusFailedDraft); err != nil {
			return err
		}
		return fmt.Errorf("draft failed %d times, parked: %w", msg.DraftAttempts+1, cause)
	}
	return fmt.Errorf("draft attempt failed: %w", cause)
}

func (r *DraftRunner) latestRoute(messageID string) (*domain.RouteArtifact, error) {
	intentPrompt, err := r.prompts.Find(promptdomain.KeyIntent)
	if err != nil || intentPrompt == nil {
		return nil, fmt.Errorf("intent prompt unavailable: %v", err)
	}
	return r.artifacts.FindRoute(messageID, intentPrompt.Version)
}

func buildDraftPrompt(msg *domain.Message, route *domain.RouteArtifact, lead *leaddomain.Lead, language, signature string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reply language: %s\n", language)
	if signature != "" {
		fmt.Fprintf(&b, "Sign as: %s\n", signature)
	}
	if lead != nil && lead.Name != "" {
		fmt.Fprintf(&b, "Recipient: %s\n", lead.Name)
	}
	if route != nil {
		fmt.Fprintf(&b, "Inquiry type: %s\n", route.Route)
		if route.PropertyRef != "" {
			fmt.Fprintf(&b, "Property under discussion: %s\n", route.PropertyRef)
		}
	}
	fmt.Fprintf(&b, "\nInbound mail:\nSubject: %s\n\n%s", msg.Subject, msg.Text)
	return b.String()
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}
