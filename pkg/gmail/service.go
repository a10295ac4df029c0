package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	conndomain "maklermail-backend/internal/connection/domain"
	ingestdomain "maklermail-backend/internal/ingest/domain"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// metadataHeaders is the fixed header allowlist requested on metadata gets.
// It covers addressing plus the deterministic bulk-mail signals the safety
// classifier needs.
var metadataHeaders = []string{
	"From", "To", "Subject", "Date", "Reply-To", "Message-ID",
	"List-Unsubscribe", "List-Id", "Precedence", "Auto-Submitted",
}

// See https://developers.google.com/gmail/api/v1/reference/quota
const (
	quotaUnitsMessagesGet    = 5
	quotaUnitsPerHistoryList = 2
	quotaUnitsPerList        = 1
	quotaUnitsPerSend        = 100

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond
)

type Service struct {
	clientID     string
	clientSecret string
	topicName    string
	limiter      *rate.Limiter
}

type notifyTokenSource struct {
	src      oauth2.TokenSource
	current  *oauth2.Token
	callback conndomain.TokenUpdateFunc
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.callback != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.callback(t); err != nil {
			log.Printf("[Gmail] Failed to persist refreshed token: %v", err)
		}
	}
	return t, nil
}

func NewService(clientID, clientSecret, topicName string) *Service {
	return &Service{
		clientID:     clientID,
		clientSecret: clientSecret,
		topicName:    topicName,
		limiter:      rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}
}

func (s *Service) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		Endpoint:     google.Endpoint,
	}
}

// gmailService creates a Gmail client with the connection's tokens. The
// token source is wrapped so that any refresh is reported back through
// onRefresh before the refreshed token is used.
func (s *Service) gmailService(ctx context.Context, accessToken, refreshToken string, onRefresh conndomain.TokenUpdateFunc) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
	}
	tokenSource := s.oauthConfig().TokenSource(ctx, token)
	wrapped := &notifyTokenSource{src: tokenSource, current: token, callback: onRefresh}
	client := oauth2.NewClient(ctx, wrapped)

	srv, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

// ListAddedMessages lists the "message added" history events since
// startCursor, paginating until no page token remains. A 404 from the
// history endpoint means the cursor fell out of Gmail's retention window
// and is mapped to ErrCursorExpired.
func (s *Service) ListAddedMessages(ctx context.Context, accessToken, refreshToken, startCursor string, onRefresh conndomain.TokenUpdateFunc) ([]ingestdomain.MessageRef, error) {
	srv, err := s.gmailService(ctx, accessToken, refreshToken, onRefresh)
	if err != nil {
		return nil, err
	}

	startHistoryID, err := strconv.ParseUint(startCursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad cursor %q", ingestdomain.ErrCursorExpired, startCursor)
	}

	var refs []ingestdomain.MessageRef
	pageToken := ""
	for {
		if err := s.limiter.WaitN(ctx, quotaUnitsPerHistoryList); err != nil {
			return nil, err
		}
		call := srv.Users.History.List("me").
			Context(ctx).
			HistoryTypes("messageAdded").
			StartHistoryId(startHistoryID)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			if apiErr, ok := err.(*googleapi.Error); ok && apiErr.Code == http.StatusNotFound {
				return nil, ingestdomain.ErrCursorExpired
			}
			return nil, fmt.Errorf("unable to list history from %d: %w", startHistoryID, err)
		}
		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				refs = append(refs, ingestdomain.MessageRef{
					ID:       added.Message.Id,
					ThreadID: added.Message.ThreadId,
				})
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return refs, nil
}

// ListRecentMessages lists at most max messages newer than the window. Used
// for the bounded backfill after a cursor reset.
func (s *Service) ListRecentMessages(ctx context.Context, accessToken, refreshToken string, window time.Duration, max int64, onRefresh conndomain.TokenUpdateFunc) ([]ingestdomain.MessageRef, error) {
	srv, err := s.gmailService(ctx, accessToken, refreshToken, onRefresh)
	if err != nil {
		return nil, err
	}

	days := int(window.Hours() / 24)
	if days < 1 {
		days = 1
	}
	if max <= 0 || max > 500 {
		max = 500
	}

	if err := s.limiter.WaitN(ctx, quotaUnitsPerList); err != nil {
		return nil, err
	}
	resp, err := srv.Users.Messages.List("me").
		Context(ctx).
		Q(fmt.Sprintf("newer_than:%dd", days)).
		MaxResults(max).
		Do()
	if err != nil {
		return nil, fmt.Errorf("unable to list recent messages: %w", err)
	}

	refs := make([]ingestdomain.MessageRef, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		refs = append(refs, ingestdomain.MessageRef{ID: msg.Id, ThreadID: msg.ThreadId})
	}
	return refs, nil
}

// GetMessageMeta fetches a message in metadata format with the fixed header
// allowlist.
func (s *Service) GetMessageMeta(ctx context.Context, accessToken, refreshToken, id string, onRefresh conndomain.TokenUpdateFunc) (*ingestdomain.MessageMeta, error) {
	srv, err := s.gmailService(ctx, accessToken, refreshToken, onRefresh)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
		return nil, err
	}
	msg, err := srv.Users.Messages.Get("me", id).
		Context(ctx).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Do()
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve message %s: %w", id, err)
	}

	meta := &ingestdomain.MessageMeta{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		Date:     time.Unix(msg.InternalDate/1000, 0),
		Headers:  make(map[string]string),
		LabelIDs: msg.LabelIds,
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			meta.Headers[h.Name] = h.Value
		}
	}
	meta.Subject = meta.Headers["Subject"]
	meta.To = meta.Headers["To"]
	meta.ReplyTo = meta.Headers["Reply-To"]
	meta.From, meta.FromName = parseAddress(meta.Headers["From"])
	return meta, nil
}

// GetMessageBody fetches the full message and extracts the best text body,
// preferring text/plain over stripped HTML.
func (s *Service) GetMessageBody(ctx context.Context, accessToken, refreshToken, id string, onRefresh conndomain.TokenUpdateFunc) (string, error) {
	srv, err := s.gmailService(ctx, accessToken, refreshToken, onRefresh)
	if err != nil {
		return "", err
	}

	if err := s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
		return "", err
	}
	msg, err := srv.Users.Messages.Get("me", id).Context(ctx).Format("full").Do()
	if err != nil {
		return "", fmt.Errorf("unable to retrieve message %s: %w", id, err)
	}
	return extractBody(msg.Payload), nil
}

// SendReply sends a reply-anchored message. The raw MIME message carries
// In-Reply-To and References so clients thread it correctly, and ThreadId
// keeps it in the Gmail conversation.
func (s *Service) SendReply(ctx context.Context, accessToken, refreshToken string, req *ingestdomain.SendRequest, onRefresh conndomain.TokenUpdateFunc) (*ingestdomain.SendResult, error) {
	srv, err := s.gmailService(ctx, accessToken, refreshToken, onRefresh)
	if err != nil {
		return nil, err
	}

	var raw bytes.Buffer
	if req.FromName != "" && req.FromEmail != "" {
		encodedName := fmt.Sprintf("=?utf-8?B?%s?=", base64.StdEncoding.EncodeToString([]byte(req.FromName)))
		raw.WriteString(fmt.Sprintf("From: %s <%s>\r\n", encodedName, req.FromEmail))
	}
	raw.WriteString(fmt.Sprintf("To: %s\r\n", req.To))
	encodedSubject := fmt.Sprintf("=?utf-8?B?%s?=", base64.StdEncoding.EncodeToString([]byte(req.Subject)))
	raw.WriteString(fmt.Sprintf("Subject: %s\r\n", encodedSubject))
	if req.InReplyTo != "" {
		raw.WriteString(fmt.Sprintf("In-Reply-To: %s\r\n", req.InReplyTo))
		raw.WriteString(fmt.Sprintf("References: %s\r\n", req.InReplyTo))
	}
	raw.WriteString("MIME-Version: 1.0\r\n")
	raw.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	raw.WriteString(req.Body)

	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw.Bytes()),
		ThreadId: req.ThreadID,
	}

	if err := s.limiter.WaitN(ctx, quotaUnitsPerSend); err != nil {
		return nil, err
	}
	sent, err := srv.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to send message: %w", err)
	}
	return &ingestdomain.SendResult{MessageID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// Watch (re-)registers push notifications on the inbox. Any existing watch
// is stopped first to avoid Gmail's one-client-per-user error.
func (s *Service) Watch(ctx context.Context, accessToken, refreshToken string, onRefresh conndomain.TokenUpdateFunc) (time.Time, error) {
	srv, err := s.gmailService(ctx, accessToken, refreshToken, onRefresh)
	if err != nil {
		return time.Time{}, err
	}

	_ = srv.Users.Stop("me").Do()

	resp, err := srv.Users.Watch("me", &gmail.WatchRequest{
		TopicName: s.topicName,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to watch mailbox: %w", err)
	}
	expiration := time.UnixMilli(resp.Expiration)
	log.Printf("[Gmail] Watch registered, expires %s, historyId %d", expiration.Format(time.RFC3339), resp.HistoryId)
	return expiration, nil
}

// RefreshAccessToken exchanges the refresh token for a fresh access token.
func (s *Service) RefreshAccessToken(ctx context.Context, refreshToken string) (string, string, time.Time, error) {
	src := s.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("unable to refresh access token: %w", err)
	}
	return token.AccessToken, token.RefreshToken, token.Expiry, nil
}

// Helper functions

func parseAddress(header string) (email, name string) {
	addr, err := mail.ParseAddress(header)
	if err != nil {
		return strings.TrimSpace(header), ""
	}
	return strings.ToLower(addr.Address), addr.Name
}

func extractBody(payload *gmail.MessagePart) string {
	if payload == nil {
		return ""
	}
	if payload.Body != nil && payload.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(payload.Body.Data); err == nil {
			return string(data)
		}
	}

	var plain, html string
	var walk func(parts []*gmail.MessagePart)
	walk = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			if part.Body != nil && part.Body.Data != "" {
				data, err := base64.URLEncoding.DecodeString(part.Body.Data)
				if err == nil {
					switch part.MimeType {
					case "text/plain":
						if plain == "" {
							plain = string(data)
						}
					case "text/html":
						if html == "" {
							html = string(data)
						}
					}
				}
			}
			if len(part.Parts) > 0 {
				walk(part.Parts)
			}
		}
	}
	walk(payload.Parts)

	if plain != "" {
		return plain
	}
	return stripTags(html)
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
