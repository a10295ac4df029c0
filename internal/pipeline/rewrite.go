package pipeline

import (
	"context"
	"fmt"
	"log"

	"maklermail-backend/internal/audit"
	"maklermail-backend/internal/message/domain"
	msgrepo "maklermail-backend/internal/message/repository"
	promptdomain "maklermail-backend/internal/prompt/domain"
	promptrepo "maklermail-backend/internal/prompt/repository"
	"maklermail-backend/pkg/llm"
)

// RewriteRunner folds the reviewer's objection back into the draft and
// sends it through QA again. rewrite_pending → qa_pending, bounded by
// maxRewriteRounds.
type RewriteRunner struct {
	messages  msgrepo.MessageRepository
	artifacts msgrepo.ArtifactRepository
	prompts   promptrepo.PromptRepository
	client    *llm.Client
	notifier  *audit.Notifier
	batchSize int
}

func NewRewriteRunner(messages msgrepo.MessageRepository, artifacts msgrepo.ArtifactRepository, prompts promptrepo.PromptRepository, client *llm.Client, notifier *audit.Notifier, batchSize int) *RewriteRunner {
	return &RewriteRunner{messages: messages, artifacts: artifacts, prompts: prompts, client: client, notifier: notifier, batchSize: batchSize}
}

func (r *RewriteRunner) Name() string { return "rewrite" }

func (r *RewriteRunner) RunOnce(ctx context.Context) {
	batch, err := r.messages.ListByStatus(domain.StatusRewritePending, r.batchSize)
	if err != nil {
		log.Printf("[Rewrite] Batch select failed: %v", err)
		return
	}
	for _, msg := range batch {
		if err := r.process(ctx, msg); err != nil {
			log.Printf("[Rewrite] %s: %v", msg.ID, err)
		}
	}
}

func (r *RewriteRunner) process(ctx context.Context, msg *domain.Message) error {
	if msg.RewriteCount >= maxRewriteRounds {
		_, err := r.messages.AdvanceStatus(msg.ID, domain.StatusRewritePending, domain.StatusNeedsHuman)
		r.notifier.Notify(audit.EventNeedsHuman, msg.AgentID, msg.ID, "rewrite budget exhausted")
		return err
	}

	draft, err := r.messages.FindDraftByReplyTo(msg.ID)
	if err != nil {
		return err
	}
	if draft == nil {
		_, err := r.messages.AdvanceStatus(msg.ID, domain.StatusRewritePending, domain.StatusNeedsHuman)
		r.notifier.Notify(audit.EventNeedsHuman, msg.AgentID, msg.ID, "draft missing at rewrite")
		return err
	}

	qa, err := r.artifacts.LatestQA(msg.ID)
	if err != nil {
		return err
	}
	objection := "improve clarity and tone"
	if qa != nil && qa.Reason != "" {
		objection = qa.Reason
	}

	prompt, err := r.prompts.Find(promptdomain.KeyRewrite)
	if err != nil || prompt == nil {
		return fmt.Errorf("rewrite prompt unavailable: %v", err)
	}

	text, err := r.client.CompleteText(ctx, llm.Request{
		SystemPrompt: prompt.Text,
		UserPrompt: fmt.Sprintf("Reviewer objection: %s\n\nInbound mail:\nSubject: %s\n%s\n\nCurrent draft:\n%s",
			objection, msg.Subject, msg.Text, draft.Text),
		Temperature: 0.4,
		MaxTokens:   1024,
	})
	if err != nil {
		// Transient; the next batch retries against the same bound.
		return fmt.Errorf("rewrite call failed: %w", err)
	}

	if err := r.messages.UpdateDraft(draft.ID, text, draft.DraftRevision+1); err != nil {
		return err
	}
	if err := r.messages.IncrementRewriteCount(msg.ID); err != nil {
		return err
	}

	won, err := r.messages.AdvanceStatus(msg.ID, domain.StatusRewritePending, domain.StatusQAPending)
	if won {
		log.Printf("[Rewrite] %s revised to revision %d", msg.ID, draft.DraftRevision+1)
	}
	return err
}
