package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"maklermail-backend/internal/audit"
	classify "maklermail-backend/internal/classify/usecase"
	conndomain "maklermail-backend/internal/connection/domain"
	connrepo "maklermail-backend/internal/connection/repository"
	"maklermail-backend/internal/ingest/domain"
	leadusecase "maklermail-backend/internal/lead/usecase"
	msgdomain "maklermail-backend/internal/message/domain"
	msgrepo "maklermail-backend/internal/message/repository"

	"golang.org/x/oauth2"
)

// tokenExpiryMargin is how close to expiry an access token may get before
// the engine refreshes it up front.
const tokenExpiryMargin = 2 * time.Minute

// Engine is the history diff engine: it turns a push notification's
// {mailbox, cursor} pair into new Message rows, self-healing from stale
// cursors with a baseline reset plus a bounded backfill.
type Engine struct {
	connections connrepo.ConnectionRepository
	messages    msgrepo.MessageRepository
	artifacts   msgrepo.ArtifactRepository
	resolver    *leadusecase.Resolver
	gate        *classify.Gate
	provider    domain.MailProvider
	notifier    *audit.Notifier

	backfillWindow time.Duration
	backfillMax    int64
}

func NewEngine(
	connections connrepo.ConnectionRepository,
	messages msgrepo.MessageRepository,
	artifacts msgrepo.ArtifactRepository,
	resolver *leadusecase.Resolver,
	gate *classify.Gate,
	provider domain.MailProvider,
	notifier *audit.Notifier,
	backfillWindow time.Duration,
	backfillMax int64,
) *Engine {
	return &Engine{
		connections:    connections,
		messages:       messages,
		artifacts:      artifacts,
		resolver:       resolver,
		gate:           gate,
		provider:       provider,
		notifier:       notifier,
		backfillWindow: backfillWindow,
		backfillMax:    backfillMax,
	}
}

// ProcessNotification handles one push for a mailbox. Errors are returned
// for logging only; the push endpoint acknowledges regardless.
func (e *Engine) ProcessNotification(ctx context.Context, mailbox, newCursor string) error {
	conn, err := e.connections.FindByMailbox(mailbox)
	if err != nil {
		return fmt.Errorf("lookup connection for %s: %w", mailbox, err)
	}
	if conn == nil {
		return fmt.Errorf("no connection for mailbox %s", mailbox)
	}

	// A failed refresh means the stored grant is dead; the mailbox stays
	// flagged until the agent reconnects it.
	if err := e.ensureFreshToken(ctx, conn); err != nil {
		_ = e.connections.MarkNeedsReconnect(conn.ID, err.Error())
		return err
	}
	onRefresh := e.tokenUpdater(conn)

	// First push ever: persist the baseline, nothing to diff against yet.
	if conn.SyncCursor == "" {
		log.Printf("[HistorySync] Baseline cursor %s for %s", newCursor, mailbox)
		return e.connections.UpdateCursor(conn.ID, newCursor)
	}

	refs, err := e.provider.ListAddedMessages(ctx, conn.AccessToken, conn.RefreshToken, conn.SyncCursor, onRefresh)
	if errors.Is(err, domain.ErrCursorExpired) {
		return e.resetAndBackfill(ctx, conn, newCursor, onRefresh)
	}
	if err != nil {
		_ = e.connections.RecordError(conn.ID, err.Error())
		return fmt.Errorf("list history for %s: %w", mailbox, err)
	}

	for _, ref := range refs {
		if err := e.processMessage(ctx, conn, ref, onRefresh); err != nil {
			// One bad message must not stall the whole diff.
			log.Printf("[HistorySync] Failed to process %s: %v", ref.ID, err)
		}
	}

	return e.connections.UpdateCursor(conn.ID, newCursor)
}

// resetAndBackfill is the self-healing path for a stale cursor: reset the
// baseline so future pushes diff cleanly again, then sweep a short recency
// window so the gap does not silently drop leads. Both the window and the
// message count are capped.
func (e *Engine) resetAndBackfill(ctx context.Context, conn *conndomain.Connection, newCursor string, onRefresh conndomain.TokenUpdateFunc) error {
	log.Printf("[HistorySync] Cursor %s expired for %s, resetting and backfilling", conn.SyncCursor, conn.MailboxAddress)

	if err := e.connections.UpdateCursor(conn.ID, newCursor); err != nil {
		return fmt.Errorf("reset cursor for %s: %w", conn.MailboxAddress, err)
	}
	// UpdateCursor wipes last_error, so the incident is recorded after the
	// reset; the next clean diff clears it again.
	_ = e.connections.RecordError(conn.ID, "sync cursor expired; reset with backfill")

	refs, err := e.provider.ListRecentMessages(ctx, conn.AccessToken, conn.RefreshToken, e.backfillWindow, e.backfillMax, onRefresh)
	if err != nil {
		return fmt.Errorf("backfill list for %s: %w", conn.MailboxAddress, err)
	}
	log.Printf("[HistorySync] Backfilling %d messages for %s", len(refs), conn.MailboxAddress)

	for _, ref := range refs {
		if err := e.processMessage(ctx, conn, ref, onRefresh); err != nil {
			log.Printf("[HistorySync] Backfill failed for %s: %v", ref.ID, err)
		}
	}
	return nil
}

// processMessage runs one added message through dedupe, the safety gate and
// the lead resolver, and creates the pipeline row.
func (e *Engine) processMessage(ctx context.Context, conn *conndomain.Connection, ref domain.MessageRef, onRefresh conndomain.TokenUpdateFunc) error {
	// Cheap dedupe before spending metadata quota; the upsert below still
	// guards against races.
	existing, err := e.messages.FindByProviderID(ref.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	meta, err := e.provider.GetMessageMeta(ctx, conn.AccessToken, conn.RefreshToken, ref.ID, onRefresh)
	if err != nil {
		return fmt.Errorf("fetch metadata: %w", err)
	}

	sender := leadusecase.SenderUser
	if e.isOutbound(conn, meta) {
		sender = leadusecase.SenderAgent
	}

	// Outbound messages observed in the feed only touch their lead; the
	// dispatcher records the rows it sends itself.
	if sender == leadusecase.SenderAgent {
		_, err := e.resolver.Resolve(conn.AgentID, meta.ThreadID, sender, meta.From, meta.FromName, meta.Date)
		return err
	}

	outcome := e.gate.Classify(ctx, meta)

	// Hard-blocked mail is dropped entirely: no Lead, no Message, no
	// artifact. It never existed as far as the pipeline is concerned.
	if outcome.HardBlocked {
		log.Printf("[HistorySync] Hard-blocked %s (%s)", ref.ID, outcome.Reason)
		return nil
	}

	lead, err := e.resolver.Resolve(conn.AgentID, meta.ThreadID, sender, meta.From, meta.FromName, meta.Date)
	if err != nil {
		return err
	}

	status := msgdomain.StatusIntentPending
	if outcome.Decision == classify.DecisionIgnore {
		status = msgdomain.StatusIgnored
	}

	text := meta.Snippet
	if status != msgdomain.StatusIgnored {
		body, err := e.provider.GetMessageBody(ctx, conn.AccessToken, conn.RefreshToken, ref.ID, onRefresh)
		if err != nil {
			log.Printf("[HistorySync] Body fetch failed for %s, using snippet: %v", ref.ID, err)
		} else if body != "" {
			text = body
		}
	}

	msg := &msgdomain.Message{
		LeadID:                   lead.ID,
		AgentID:                  conn.AgentID,
		Sender:                   msgdomain.SenderUser,
		Subject:                  meta.Subject,
		Text:                     text,
		FromAddress:              meta.From,
		ProviderMessageID:        meta.ID,
		ProviderThreadID:         meta.ThreadID,
		Timestamp:                meta.Date,
		Status:                   status,
		SendStatus:               msgdomain.SendPending,
		ApprovalRequired:         outcome.Decision == classify.DecisionNeedsApproval,
		EmailType:                outcome.EmailType,
		ClassificationConfidence: outcome.Confidence,
	}
	created, err := e.messages.UpsertInbound(msg)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if !created {
		return nil
	}

	if err := e.artifacts.InsertClassification(&msgdomain.ClassificationArtifact{
		MessageID:    msg.ID,
		ModelVersion: outcome.ModelVersion,
		Decision:     outcome.Decision,
		EmailType:    outcome.EmailType,
		Confidence:   outcome.Confidence,
		Reason:       outcome.Reason,
		Signals:      outcome.SignalsJSON(),
	}); err != nil {
		log.Printf("[HistorySync] Failed to write classification artifact for %s: %v", msg.ID, err)
	}

	e.notifier.Notify(audit.EventClassified, conn.AgentID, msg.ID, outcome.Decision)
	log.Printf("[HistorySync] Ingested %s as %s (%s, %.2f)", ref.ID, status, outcome.EmailType, outcome.Confidence)
	return nil
}

func (e *Engine) isOutbound(conn *conndomain.Connection, meta *domain.MessageMeta) bool {
	if strings.EqualFold(meta.From, conn.MailboxAddress) {
		return true
	}
	for _, label := range meta.LabelIDs {
		if label == "SENT" {
			return true
		}
	}
	return false
}

// ensureFreshToken refreshes the access token up front when it is missing
// or about to expire, persisting the result before any provider call.
func (e *Engine) ensureFreshToken(ctx context.Context, conn *conndomain.Connection) error {
	if !conn.TokenExpiringWithin(tokenExpiryMargin) {
		return nil
	}
	if conn.RefreshToken == "" {
		return fmt.Errorf("connection %s has no refresh token", conn.ID)
	}
	access, refresh, expiry, err := e.provider.RefreshAccessToken(ctx, conn.RefreshToken)
	if err != nil {
		return fmt.Errorf("refresh token for %s: %w", conn.MailboxAddress, err)
	}
	if err := e.connections.UpdateTokens(conn.ID, access, refresh, expiry); err != nil {
		return err
	}
	conn.AccessToken = access
	if refresh != "" {
		conn.RefreshToken = refresh
	}
	conn.TokenExpiry = expiry
	return nil
}

// tokenUpdater persists tokens rotated mid-call by the provider's source.
func (e *Engine) tokenUpdater(conn *conndomain.Connection) conndomain.TokenUpdateFunc {
	return func(token *oauth2.Token) error {
		return e.connections.UpdateTokens(conn.ID, token.AccessToken, token.RefreshToken, token.Expiry)
	}
}
