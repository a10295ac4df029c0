package pipeline

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	leaddomain "maklermail-backend/internal/lead/domain"
	leadrepo "maklermail-backend/internal/lead/repository"
	"maklermail-backend/internal/message/domain"
	msgrepo "maklermail-backend/internal/message/repository"
	promptdomain "maklermail-backend/internal/prompt/domain"
	promptrepo "maklermail-backend/internal/prompt/repository"
)

// intentAliases normalizes labels across classifier versions.
var intentAliases = map[string]string{
	"PROPERTY_SPECIFIC":  IntentPropertySpecific,
	"SPECIFIC_PROPERTY":  IntentPropertySpecific,
	"OBJECT_SPECIFIC":    IntentPropertySpecific,
	"PROPERTY_SEARCH":    IntentPropertySearch,
	"SEARCH":             IntentPropertySearch,
	"PROPERTY_INQUIRY":   IntentPropertySearch,
	"VIEWING_REQUEST":    IntentViewingRequest,
	"VIEWING":            IntentViewingRequest,
	"BESICHTIGUNG":       IntentViewingRequest,
	"GENERAL_QUESTION":   IntentGeneralQuestion,
	"GENERAL":            IntentGeneralQuestion,
	"QUESTION":           IntentGeneralQuestion,
	"FOLLOW_UP":          IntentFollowUp,
	"FOLLOWUP":           IntentFollowUp,
	"FOLLOW-UP":          IntentFollowUp,
}

var propertyURLPattern = regexp.MustCompile(`https?://\S+/(?:expose|property|immobilie|objekt)[^\s]*`)

// alternativesKeywords mark an explicit request for other properties; a
// follow-up containing none of these stays anchored to the active property.
var alternativesKeywords = []string{
	"alternative", "alternativen", "andere wohnung", "anderes objekt",
	"weitere objekte", "weitere angebote", "other properties", "something else",
}

// RouteRunner resolves where a classified message points: a specific
// property, a search, or a general topic. intent_done → route_resolved.
type RouteRunner struct {
	messages  msgrepo.MessageRepository
	artifacts msgrepo.ArtifactRepository
	leads     leadrepo.LeadRepository
	prompts   promptrepo.PromptRepository
	batchSize int
}

func NewRouteRunner(messages msgrepo.MessageRepository, artifacts msgrepo.ArtifactRepository, leads leadrepo.LeadRepository, prompts promptrepo.PromptRepository, batchSize int) *RouteRunner {
	return &RouteRunner{messages: messages, artifacts: artifacts, leads: leads, prompts: prompts, batchSize: batchSize}
}

func (r *RouteRunner) Name() string { return "route" }

func (r *RouteRunner) RunOnce(ctx context.Context) {
	batch, err := r.messages.ListByStatus(domain.StatusIntentDone, r.batchSize)
	if err != nil {
		log.Printf("[Route] Batch select failed: %v", err)
		return
	}
	for _, msg := range batch {
		if err := r.process(msg); err != nil {
			log.Printf("[Route] %s: %v", msg.ID, err)
		}
	}
}

func (r *RouteRunner) process(msg *domain.Message) error {
	intentPrompt, err := r.prompts.Find(promptdomain.KeyIntent)
	if err != nil || intentPrompt == nil {
		return fmt.Errorf("intent prompt unavailable: %v", err)
	}
	promptVersion := intentPrompt.Version

	existing, err := r.artifacts.FindRoute(msg.ID, promptVersion)
	if err != nil {
		return err
	}
	if existing != nil {
		_, err := r.messages.AdvanceStatus(msg.ID, domain.StatusIntentDone, domain.StatusRouteResolved)
		return err
	}

	intentArtifact, err := r.artifacts.FindIntent(msg.ID, promptVersion)
	if err != nil {
		return err
	}
	if intentArtifact == nil {
		// The intent stage advanced the row without leaving its record; the
		// conservative route is a human.
		_, err := r.messages.AdvanceStatus(msg.ID, domain.StatusIntentDone, domain.StatusNeedsHuman)
		return err
	}

	lead, err := r.leads.FindByID(msg.LeadID)
	if err != nil {
		return err
	}

	intent := normalizeIntent(intentArtifact.Intent)
	anchor := resolveAnchor(msg.Text, lead)

	// A property-specific intent without a resolvable anchor degrades to a
	// search; drafting against a guessed property would be worse than a
	// generic answer.
	if intent == IntentPropertySpecific && anchor == "" {
		intent = IntentPropertySearch
	}

	// A follow-up with no new constraints and no request for alternatives
	// stays anchored to the property already under discussion.
	if intent == IntentFollowUp && anchor != "" && !wantsAlternatives(msg.Text) {
		intent = IntentPropertySpecific
	}

	propertyRef := ""
	if intent == IntentPropertySpecific {
		propertyRef = anchor
	}

	if lead != nil {
		var activeRef *string
		if propertyRef != "" {
			activeRef = &propertyRef
		} else if lead.ActivePropertyRef != nil {
			activeRef = lead.ActivePropertyRef
		}
		if err := r.leads.UpdatePropertyContext(lead.ID, activeRef, lead.SuggestedPropertyIDs); err != nil {
			return err
		}
	}

	if err := r.artifacts.InsertRoute(&domain.RouteArtifact{
		MessageID:     msg.ID,
		PromptVersion: promptVersion,
		Route:         intent,
		PropertyRef:   propertyRef,
	}); err != nil {
		return err
	}

	won, err := r.messages.AdvanceStatus(msg.ID, domain.StatusIntentDone, domain.StatusRouteResolved)
	if err != nil {
		return err
	}
	if won {
		log.Printf("[Route] %s → %s (ref=%q)", msg.ID, intent, propertyRef)
	}
	return nil
}

func normalizeIntent(raw string) string {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if canonical, ok := intentAliases[key]; ok {
		return canonical
	}
	return IntentGeneralQuestion
}

// resolveAnchor finds a property reference for the message: an explicit
// listing URL in the text, else the lead's active property context.
func resolveAnchor(text string, lead *leaddomain.Lead) string {
	if match := propertyURLPattern.FindString(text); match != "" {
		return match
	}
	if lead != nil && lead.ActivePropertyRef != nil {
		return *lead.ActivePropertyRef
	}
	return ""
}

func wantsAlternatives(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range alternativesKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
