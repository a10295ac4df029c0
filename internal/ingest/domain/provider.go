package domain

import (
	"context"
	"errors"
	"time"

	conndomain "maklermail-backend/internal/connection/domain"
)

// ErrCursorExpired is returned by a provider when the stored sync cursor is
// no longer valid on the server (retention window passed, mailbox reset).
// The history engine reacts with a baseline reset plus a bounded backfill.
var ErrCursorExpired = errors.New("sync cursor expired or invalid")

// MessageRef identifies a message in a change feed.
type MessageRef struct {
	ID       string
	ThreadID string
}

// MessageMeta is the header-level view of a message: the minimum needed for
// the deterministic safety signals plus a snippet for classification.
type MessageMeta struct {
	ID       string
	ThreadID string

	From     string
	FromName string
	To       string
	ReplyTo  string
	Subject  string
	Snippet  string
	Date     time.Time

	// Headers holds the requested allowlist headers verbatim
	// (List-Unsubscribe, List-Id, Precedence, Auto-Submitted, ...).
	Headers map[string]string

	LabelIDs []string
}

// SendRequest is a reply-anchored outbound message.
type SendRequest struct {
	FromName  string
	FromEmail string
	To        string
	Subject   string
	Body      string
	ThreadID  string
	// InReplyTo is the RFC 5322 Message-ID of the anchor message.
	InReplyTo string
}

// SendResult is the provider's confirmation; its MessageID is the natural
// dedupe key for the outbound row.
type SendResult struct {
	MessageID string
	ThreadID  string
}

// MailProvider is the read/send surface of a mail provider. All calls take
// the connection's tokens plus a persistence callback so a mid-call token
// refresh is never lost.
type MailProvider interface {
	// ListAddedMessages returns, oldest first, the messages added since
	// startCursor, paginating until the feed is exhausted. Returns
	// ErrCursorExpired when the server no longer accepts startCursor.
	ListAddedMessages(ctx context.Context, accessToken, refreshToken, startCursor string, onRefresh conndomain.TokenUpdateFunc) ([]MessageRef, error)

	// ListRecentMessages lists at most max messages received inside the
	// window, for the bounded backfill after a cursor reset.
	ListRecentMessages(ctx context.Context, accessToken, refreshToken string, window time.Duration, max int64, onRefresh conndomain.TokenUpdateFunc) ([]MessageRef, error)

	GetMessageMeta(ctx context.Context, accessToken, refreshToken, id string, onRefresh conndomain.TokenUpdateFunc) (*MessageMeta, error)

	GetMessageBody(ctx context.Context, accessToken, refreshToken, id string, onRefresh conndomain.TokenUpdateFunc) (string, error)

	SendReply(ctx context.Context, accessToken, refreshToken string, req *SendRequest, onRefresh conndomain.TokenUpdateFunc) (*SendResult, error)

	// Watch (re-)registers push notifications; returns the new expiration.
	Watch(ctx context.Context, accessToken, refreshToken string, onRefresh conndomain.TokenUpdateFunc) (time.Time, error)

	RefreshAccessToken(ctx context.Context, refreshToken string) (accessToken string, newRefreshToken string, expiry time.Time, err error)
}
