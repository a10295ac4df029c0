package pipeline

import (
	"context"
	"fmt"
	"log"

	settingsrepo "maklermail-backend/internal/agent/repository"
	"maklermail-backend/internal/audit"
	"maklermail-backend/internal/message/domain"
	msgrepo "maklermail-backend/internal/message/repository"
	promptdomain "maklermail-backend/internal/prompt/domain"
	promptrepo "maklermail-backend/internal/prompt/repository"
	"maklermail-backend/pkg/llm"
)

// maxRewriteRounds bounds the QA→rewrite→QA loop.
const maxRewriteRounds = 2

// QARunner reviews a draft before it may leave the system. A fail, a
// timeout or malformed reviewer output never drops the message; the softest
// degraded outcome is a rewrite round, the hardest is a human.
// qa_pending → {ready_to_send | needs_approval | rewrite_pending | needs_human}.
type QARunner struct {
	messages  msgrepo.MessageRepository
	artifacts msgrepo.ArtifactRepository
	settings  settingsrepo.SettingsRepository
	prompts   promptrepo.PromptRepository
	client    *llm.Client
	notifier  *audit.Notifier
	batchSize int
}

func NewQARunner(messages msgrepo.MessageRepository, artifacts msgrepo.ArtifactRepository, settings settingsrepo.SettingsRepository, prompts promptrepo.PromptRepository, client *llm.Client, notifier *audit.Notifier, batchSize int) *QARunner {
	return &QARunner{messages: messages, artifacts: artifacts, settings: settings, prompts: prompts, client: client, notifier: notifier, batchSize: batchSize}
}

func (r *QARunner) Name() string { return "qa" }

func (r *QARunner) RunOnce(ctx context.Context) {
	batch, err := r.messages.ListByStatus(domain.StatusQAPending, r.batchSize)
	if err != nil {
		log.Printf("[QA] Batch select failed: %v", err)
		return
	}
	for _, msg := range batch {
		if err := r.process(ctx, msg); err != nil {
			log.Printf("[QA] %s: %v", msg.ID, err)
		}
	}
}

func (r *QARunner) process(ctx context.Context, msg *domain.Message) error {
	draft, err := r.messages.FindDraftByReplyTo(msg.ID)
	if err != nil {
		return err
	}
	if draft == nil {
		_, err := r.messages.AdvanceStatus(msg.ID, domain.StatusQAPending, domain.StatusNeedsHuman)
		r.notifier.Notify(audit.EventNeedsHuman, msg.AgentID, msg.ID, "draft missing at QA")
		return err
	}

	prompt, err := r.prompts.Find(promptdomain.KeyQA)
	if err != nil || prompt == nil {
		return fmt.Errorf("qa prompt unavailable: %v", err)
	}

	// A previous runner pass may already have reviewed this revision; reuse
	// its verdict instead of spending another model call.
	artifact, err := r.artifacts.FindQA(msg.ID, prompt.Version, draft.DraftRevision)
	if err != nil {
		return err
	}
	if artifact == nil {
		verdict := r.review(ctx, prompt.Text, msg, draft)
		artifact = &domain.QAArtifact{
			MessageID:     msg.ID,
			PromptVersion: prompt.Version,
			DraftRevision: draft.DraftRevision,
			Verdict:       verdict.Verdict,
			Reason:        verdict.Reason,
			Score:         verdict.Score,
		}
		if err := r.artifacts.InsertQA(artifact); err != nil {
			return err
		}
	}

	return r.route(msg, artifact)
}

// review calls the external reviewer; any failure degrades to warn, which
// routes to a rewrite or a human, never to a silent send or drop.
func (r *QARunner) review(ctx context.Context, systemPrompt string, msg, draft *domain.Message) *llm.Verdict {
	verdict, err := r.client.CompleteVerdict(ctx, llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt: fmt.Sprintf("Inbound mail:\nSubject: %s\n%s\n\nDrafted reply:\n%s",
			msg.Subject, msg.Text, draft.Text),
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		log.Printf("[QA] Reviewer call failed for %s, degrading to warn: %v", msg.ID, err)
		return &llm.Verdict{Verdict: "warn", Reason: "reviewer unavailable"}
	}
	return verdict
}

func (r *QARunner) route(msg *domain.Message, artifact *domain.QAArtifact) error {
	switch artifact.Verdict {
	case "pass":
		settings, err := r.settings.FindByAgentID(msg.AgentID)
		if err != nil {
			return err
		}
		target := domain.StatusNeedsApproval
		if settings.AutosendEnabled && !msg.ApprovalRequired {
			target = domain.StatusReadyToSend
		}
		won, err := r.messages.AdvanceStatus(msg.ID, domain.StatusQAPending, target)
		if won {
			log.Printf("[QA] %s passed → %s", msg.ID, target)
		}
		return err

	case "warn":
		if msg.RewriteCount >= maxRewriteRounds {
			_, err := r.messages.AdvanceStatus(msg.ID, domain.StatusQAPending, domain.StatusNeedsHuman)
			r.notifier.Notify(audit.EventNeedsHuman, msg.AgentID, msg.ID, "rewrite budget exhausted: "+artifact.Reason)
			return err
		}
		won, err := r.messages.AdvanceStatus(msg.ID, domain.StatusQAPending, domain.StatusRewritePending)
		if won {
			log.Printf("[QA] %s warned → rewrite (%s)", msg.ID, artifact.Reason)
		}
		return err

	default: // fail
		_, err := r.messages.AdvanceStatus(msg.ID, domain.StatusQAPending, domain.StatusNeedsHuman)
		r.notifier.Notify(audit.EventNeedsHuman, msg.AgentID, msg.ID, "qa failed: "+artifact.Reason)
		return err
	}
}
