package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	promptrepo "maklermail-backend/internal/prompt/repository"

	ingestdomain "maklermail-backend/internal/ingest/domain"
	promptdomain "maklermail-backend/internal/prompt/domain"
	"maklermail-backend/pkg/llm"
)

// Decision values of the safety gate.
const (
	DecisionAutoReply     = "auto_reply"
	DecisionNeedsApproval = "needs_approval"
	DecisionIgnore        = "ignore"
)

// Email types the gate may honor auto_reply for.
const (
	EmailTypeLead   = "LEAD"
	EmailTypePortal = "PORTAL"
	EmailTypeSystem = "SYSTEM"
	EmailTypeOther  = "OTHER"
)

// autoReplyConfidenceFloor is the minimum classifier confidence at which an
// auto_reply decision is honored at all.
const autoReplyConfidenceFloor = 0.97

// Outcome is the gate's verdict for one inbound message.
type Outcome struct {
	Decision   string
	EmailType  string
	Confidence float64
	Reason     string
	Signals    Signals
	// HardBlocked marks the deterministic short-circuit: no external call
	// was made and the message must not be persisted at all.
	HardBlocked  bool
	ModelVersion string
}

// SignalsJSON returns the signals encoded for the artifact row.
func (o Outcome) SignalsJSON() string {
	b, _ := json.Marshal(o.Signals)
	return string(b)
}

type classifierClient interface {
	Configured() bool
	CompleteDecision(ctx context.Context, req llm.Request) (*llm.Decision, error)
}

// Gate is the fail-closed safety classifier: deterministic hard block first,
// then the external model, then the confidence floor on top of whatever the
// model said. Any doubt degrades to needs_approval, never to auto_reply and
// never to a silent drop.
type Gate struct {
	client  classifierClient
	prompts promptrepo.PromptRepository
}

func NewGate(client classifierClient, prompts promptrepo.PromptRepository) *Gate {
	return &Gate{client: client, prompts: prompts}
}

// Classify runs the full gate for an inbound message.
func (g *Gate) Classify(ctx context.Context, meta *ingestdomain.MessageMeta) Outcome {
	signals := DetectSignals(meta)

	// Deterministic hard block: sensitive topic plus a bulk signal means
	// automated noise (password mails, invoices, newsletters). Short-circuit
	// without spending a model call.
	if subjectIsSensitive(meta.Subject) && signals.Bulk() {
		return Outcome{
			Decision:     DecisionIgnore,
			EmailType:    EmailTypeSystem,
			Confidence:   0.99,
			Reason:       "sensitive subject with bulk-mail signal",
			Signals:      signals,
			HardBlocked:  true,
			ModelVersion: "hard-block",
		}
	}

	prompt, err := g.prompts.Find(promptdomain.KeySafety)
	if err != nil || prompt == nil {
		log.Printf("[Gate] Safety prompt unavailable: %v", err)
		return failClosed(signals, "safety prompt unavailable")
	}

	if !g.client.Configured() {
		log.Printf("[Gate] Classifier not configured, failing closed")
		return failClosed(signals, "classifier not configured")
	}

	decision, err := g.client.CompleteDecision(ctx, llm.Request{
		SystemPrompt: prompt.Text,
		UserPrompt:   buildUserPrompt(meta, signals),
		Temperature:  0,
		MaxTokens:    256,
	})
	if err != nil {
		log.Printf("[Gate] Classifier call failed for %s: %v", meta.ID, err)
		return failClosed(signals, "classifier call failed")
	}

	out := Outcome{
		Decision:     decision.Decision,
		EmailType:    decision.EmailType,
		Confidence:   decision.Confidence,
		Reason:       decision.Reason,
		Signals:      signals,
		ModelVersion: prompt.Version,
	}

	// The model's decision is a suggestion; auto_reply is only honored for
	// lead-shaped mail above the confidence floor. An explicit ignore is
	// respected, everything else degrades to human review.
	switch decision.Decision {
	case DecisionAutoReply:
		leadShaped := decision.EmailType == EmailTypeLead || decision.EmailType == EmailTypePortal
		if !leadShaped || decision.Confidence < autoReplyConfidenceFloor {
			out.Decision = DecisionNeedsApproval
		}
	case DecisionIgnore, DecisionNeedsApproval:
	default:
		out.Decision = DecisionNeedsApproval
		out.Reason = fmt.Sprintf("unknown decision %q: %s", decision.Decision, decision.Reason)
	}
	return out
}

func failClosed(signals Signals, reason string) Outcome {
	return Outcome{
		Decision:     DecisionNeedsApproval,
		EmailType:    EmailTypeOther,
		Confidence:   0,
		Reason:       reason,
		Signals:      signals,
		ModelVersion: "fail-closed",
	}
}

func buildUserPrompt(meta *ingestdomain.MessageMeta, signals Signals) string {
	return fmt.Sprintf(
		"From: %s\nSubject: %s\nSnippet: %s\nSignals: list_unsubscribe=%t list_id=%t precedence_bulk=%t auto_submitted=%t no_reply_sender=%t",
		meta.Headers["From"], meta.Subject, meta.Snippet,
		signals.ListUnsubscribe, signals.ListID, signals.PrecedenceBulk, signals.AutoSubmitted, signals.NoReplySender,
	)
}
