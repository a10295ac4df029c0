package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	settingsrepo "maklermail-backend/internal/agent/repository"
	"maklermail-backend/internal/audit"
	conndomain "maklermail-backend/internal/connection/domain"
	connrepo "maklermail-backend/internal/connection/repository"
	ingestdomain "maklermail-backend/internal/ingest/domain"
	leadrepo "maklermail-backend/internal/lead/repository"
	"maklermail-backend/internal/message/domain"
	msgrepo "maklermail-backend/internal/message/repository"

	"golang.org/x/oauth2"
)

const sendTokenExpiryMargin = 2 * time.Minute

// SendRunner dispatches approved replies. It claims each draft with the
// per-message send lock, re-validates the recipient against the Lead's
// stored address, resolves the reply anchor, and records idempotent
// delivery state. ready_to_send → sent.
type SendRunner struct {
	messages    msgrepo.MessageRepository
	leads       leadrepo.LeadRepository
	connections connrepo.ConnectionRepository
	settings    settingsrepo.SettingsRepository
	provider    ingestdomain.MailProvider
	notifier    *audit.Notifier
	batchSize   int
}

func NewSendRunner(messages msgrepo.MessageRepository, leads leadrepo.LeadRepository, connections connrepo.ConnectionRepository, settings settingsrepo.SettingsRepository, provider ingestdomain.MailProvider, notifier *audit.Notifier, batchSize int) *SendRunner {
	return &SendRunner{messages: messages, leads: leads, connections: connections, settings: settings, provider: provider, notifier: notifier, batchSize: batchSize}
}

func (r *SendRunner) Name() string { return "send" }

func (r *SendRunner) RunOnce(ctx context.Context) {
	batch, err := r.messages.ListByStatus(domain.StatusReadyToSend, r.batchSize)
	if err != nil {
		log.Printf("[Send] Batch select failed: %v", err)
		return
	}
	for _, msg := range batch {
		if err := r.process(ctx, msg); err != nil {
			log.Printf("[Send] %s: %v", msg.ID, err)
		}
	}
}

func (r *SendRunner) process(ctx context.Context, msg *domain.Message) error {
	draft, err := r.messages.FindDraftByReplyTo(msg.ID)
	if err != nil {
		return err
	}
	if draft == nil {
		return r.failToHuman(msg, "no draft to send")
	}
	if draft.SendStatus == domain.SendSent {
		// A previous pass sent it but lost the inbound-status race.
		_, err := r.messages.AdvanceStatus(msg.ID, domain.StatusReadyToSend, domain.StatusSent)
		return err
	}

	lead, err := r.leads.FindByID(msg.LeadID)
	if err != nil {
		return err
	}
	if lead == nil || lead.Email == "" {
		return r.failToHuman(msg, "no recipient on lead")
	}
	// The recipient must still be the address the lead wrote from; a stale
	// or tampered row must not produce an outbound mail.
	if !strings.EqualFold(lead.Email, msg.FromAddress) {
		return r.failToHuman(msg, fmt.Sprintf("recipient mismatch: lead=%s inbound=%s", lead.Email, msg.FromAddress))
	}

	conn, err := r.connections.FindByAgent(msg.AgentID, "gmail")
	if err != nil {
		return err
	}
	if conn == nil {
		return r.failToHuman(msg, "no mail connection for agent")
	}

	// Exactly one dispatcher may own the draft; losing the lock is not an
	// error, another instance is already on it.
	locked, err := r.messages.AcquireSendLock(draft.ID, time.Now())
	if err != nil {
		return err
	}
	if !locked {
		log.Printf("[Send] %s already in progress", draft.ID)
		return nil
	}

	if err := r.dispatch(ctx, conn, msg, draft, lead.Email); err != nil {
		if relErr := r.messages.ReleaseSendLock(draft.ID, err.Error()); relErr != nil {
			log.Printf("[Send] Failed to release lock on %s: %v", draft.ID, relErr)
		}
		return err
	}
	return nil
}

func (r *SendRunner) dispatch(ctx context.Context, conn *conndomain.Connection, msg, draft *domain.Message, recipient string) error {
	if err := r.ensureFreshToken(ctx, conn); err != nil {
		return err
	}
	onRefresh := func(token *oauth2.Token) error {
		return r.connections.UpdateTokens(conn.ID, token.AccessToken, token.RefreshToken, token.Expiry)
	}

	// Resolve the anchor: the RFC 5322 Message-ID of the inbound mail. An
	// unthreaded reply is worse than no reply, so a missing anchor parks
	// the message with a human.
	meta, err := r.provider.GetMessageMeta(ctx, conn.AccessToken, conn.RefreshToken, msg.ProviderMessageID, onRefresh)
	if err != nil {
		return fmt.Errorf("resolve anchor: %w", err)
	}
	anchor := meta.Headers["Message-ID"]
	if anchor == "" {
		if err := r.messages.ReleaseSendLock(draft.ID, "anchor message-id unresolvable"); err != nil {
			return err
		}
		return r.failToHuman(msg, "anchor message-id unresolvable")
	}

	fromName := ""
	if settings, err := r.settings.FindByAgentID(msg.AgentID); err == nil {
		fromName = settings.SignatureName
	}

	result, err := r.provider.SendReply(ctx, conn.AccessToken, conn.RefreshToken, &ingestdomain.SendRequest{
		FromName:  fromName,
		FromEmail: conn.MailboxAddress,
		To:        recipient,
		Subject:   draft.Subject,
		Body:      draft.Text,
		ThreadID:  msg.ProviderThreadID,
		InReplyTo: anchor,
	}, onRefresh)
	if err != nil {
		return fmt.Errorf("provider send: %w", err)
	}

	// The provider's id is the dedupe key: a duplicate pass over the same
	// draft upserts onto this row instead of sending twice.
	if err := r.messages.MarkSent(draft.ID, result.MessageID, result.ThreadID); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if _, err := r.messages.AdvanceStatus(msg.ID, domain.StatusReadyToSend, domain.StatusSent); err != nil {
		return err
	}

	r.notifier.Notify(audit.EventSent, msg.AgentID, msg.ID, result.MessageID)
	log.Printf("[Send] Sent reply %s for %s", result.MessageID, msg.ID)
	return nil
}

func (r *SendRunner) failToHuman(msg *domain.Message, reason string) error {
	won, err := r.messages.AdvanceStatus(msg.ID, domain.StatusReadyToSend, domain.StatusNeedsHuman)
	if err != nil {
		return err
	}
	if won {
		r.notifier.Notify(audit.EventNeedsHuman, msg.AgentID, msg.ID, reason)
		log.Printf("[Send] %s parked for human: %s", msg.ID, reason)
	}
	return nil
}

func (r *SendRunner) ensureFreshToken(ctx context.Context, conn *conndomain.Connection) error {
	if !conn.TokenExpiringWithin(sendTokenExpiryMargin) {
		return nil
	}
	if conn.RefreshToken == "" {
		return fmt.Errorf("connection %s has no refresh token", conn.ID)
	}
	access, refresh, expiry, err := r.provider.RefreshAccessToken(ctx, conn.RefreshToken)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	if err := r.connections.UpdateTokens(conn.ID, access, refresh, expiry); err != nil {
		return err
	}
	conn.AccessToken = access
	if refresh != "" {
		conn.RefreshToken = refresh
	}
	conn.TokenExpiry = expiry
	return nil
}
