package delivery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"maklermail-backend/internal/ingest/usecase"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/idtoken"
)

// IdentityVerifier checks the bearer identity token on a push request.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) error
}

// GoogleIdentityVerifier validates Google-signed OIDC tokens against the
// configured audience.
type GoogleIdentityVerifier struct {
	Audience string
}

func (v *GoogleIdentityVerifier) Verify(ctx context.Context, token string) error {
	_, err := idtoken.Validate(ctx, token, v.Audience)
	return err
}

// pushEnvelope is the Pub/Sub push wrapper.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the decoded payload inside the envelope.
type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// PushHandler receives Gmail push notifications. It always acknowledges:
// a non-2xx would make Pub/Sub retry the same envelope with backoff, and a
// poison envelope would then retry forever. Failures are logged and
// recovered by the next push or the stale-cursor backfill.
type PushHandler struct {
	engine   *usecase.Engine
	verifier IdentityVerifier
}

func NewPushHandler(engine *usecase.Engine, verifier IdentityVerifier) *PushHandler {
	return &PushHandler{engine: engine, verifier: verifier}
}

func (h *PushHandler) HandleGmailPush(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		log.Printf("[Push] Missing identity token")
		c.Status(http.StatusNoContent)
		return
	}
	if err := h.verifier.Verify(c.Request.Context(), token); err != nil {
		log.Printf("[Push] Identity token rejected: %v", err)
		c.Status(http.StatusNoContent)
		return
	}

	var envelope pushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		log.Printf("[Push] Undecodable envelope: %v", err)
		c.Status(http.StatusNoContent)
		return
	}

	payload, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		log.Printf("[Push] Undecodable payload: %v", err)
		c.Status(http.StatusNoContent)
		return
	}

	var notif gmailNotification
	if err := json.Unmarshal(payload, &notif); err != nil || notif.EmailAddress == "" || notif.HistoryID == 0 {
		log.Printf("[Push] Malformed notification %q: %v", payload, err)
		c.Status(http.StatusNoContent)
		return
	}

	if err := h.engine.ProcessNotification(c.Request.Context(), notif.EmailAddress, strconv.FormatUint(notif.HistoryID, 10)); err != nil {
		log.Printf("[Push] Processing failed for %s: %v", notif.EmailAddress, err)
	}
	c.Status(http.StatusNoContent)
}
