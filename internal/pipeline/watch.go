package pipeline

import (
	"context"
	"log"
	"time"

	connrepo "maklermail-backend/internal/connection/repository"
	ingestdomain "maklermail-backend/internal/ingest/domain"

	"golang.org/x/oauth2"
)

// watchRenewalMargin is how far ahead of expiration a watch is re-registered.
const watchRenewalMargin = 24 * time.Hour

// WatchRunner re-registers mailbox push watches before they lapse. A lapsed
// watch silently stops pushes; renewal keeps ingestion alive without
// operator action.
type WatchRunner struct {
	connections connrepo.ConnectionRepository
	provider    ingestdomain.MailProvider
}

func NewWatchRunner(connections connrepo.ConnectionRepository, provider ingestdomain.MailProvider) *WatchRunner {
	return &WatchRunner{connections: connections, provider: provider}
}

func (r *WatchRunner) Name() string { return "watch" }

func (r *WatchRunner) RunOnce(ctx context.Context) {
	conns, err := r.connections.ListWatchExpiringBefore(time.Now().Add(watchRenewalMargin))
	if err != nil {
		log.Printf("[Watch] Sweep failed: %v", err)
		return
	}
	for _, conn := range conns {
		onRefresh := func(token *oauth2.Token) error {
			return r.connections.UpdateTokens(conn.ID, token.AccessToken, token.RefreshToken, token.Expiry)
		}
		expiration, err := r.provider.Watch(ctx, conn.AccessToken, conn.RefreshToken, onRefresh)
		if err != nil {
			log.Printf("[Watch] Renewal failed for %s: %v", conn.MailboxAddress, err)
			_ = r.connections.RecordError(conn.ID, "watch renewal failed: "+err.Error())
			continue
		}
		conn.WatchExpiration = &expiration
		if err := r.connections.Update(conn); err != nil {
			log.Printf("[Watch] Failed to persist expiration for %s: %v", conn.MailboxAddress, err)
		}
	}
}
