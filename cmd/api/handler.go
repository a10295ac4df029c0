package api

import (
	"log"
	"net/http"
	"time"

	settingsrepo "maklermail-backend/internal/agent/repository"
	conndomain "maklermail-backend/internal/connection/domain"
	connrepo "maklermail-backend/internal/connection/repository"
	ingestdelivery "maklermail-backend/internal/ingest/delivery"
	ingestdomain "maklermail-backend/internal/ingest/domain"
	msgdomain "maklermail-backend/internal/message/domain"
	msgrepo "maklermail-backend/internal/message/repository"
	promptrepo "maklermail-backend/internal/prompt/repository"
	"maklermail-backend/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"
)

type Handler struct {
	messages    msgrepo.MessageRepository
	connections connrepo.ConnectionRepository
	settings    settingsrepo.SettingsRepository
	prompts     promptrepo.PromptRepository
	provider    ingestdomain.MailProvider
	pushHandler *ingestdelivery.PushHandler
	config      *config.Config
}

func NewHandler(
	messages msgrepo.MessageRepository,
	connections connrepo.ConnectionRepository,
	settings settingsrepo.SettingsRepository,
	prompts promptrepo.PromptRepository,
	provider ingestdomain.MailProvider,
	pushHandler *ingestdelivery.PushHandler,
	cfg *config.Config,
) *Handler {
	return &Handler{
		messages:    messages,
		connections: connections,
		settings:    settings,
		prompts:     prompts,
		provider:    provider,
		pushHandler: pushHandler,
		config:      cfg,
	}
}

func (h *Handler) Start(addr string) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	SetupRoutes(r, h)
	return r.Run(addr)
}

// GetMessages lists pipeline rows by status for operator inspection.
func (h *Handler) GetMessages(c *gin.Context) {
	status := msgdomain.Status(c.Query("status"))
	if status == "" {
		status = msgdomain.StatusNeedsApproval
	}
	msgs, err := h.messages.ListByStatus(status, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// UnlockMessage is the administrative recovery for a stuck send lock: it
// clears send_locked_at and resets send_status to failed so the dispatcher
// can claim the draft again.
func (h *Handler) UnlockMessage(c *gin.Context) {
	id := c.Param("id")
	draft, err := h.messages.FindDraftByReplyTo(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	target := id
	if draft != nil {
		target = draft.ID
	}
	if err := h.messages.Unlock(target); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Printf("[API] Unlocked send state for %s", target)
	c.JSON(http.StatusOK, gin.H{"unlocked": target})
}

// ApproveMessage flips a reviewed draft from needs_approval to
// ready_to_send.
func (h *Handler) ApproveMessage(c *gin.Context) {
	id := c.Param("id")
	won, err := h.messages.AdvanceStatus(id, msgdomain.StatusNeedsApproval, msgdomain.StatusReadyToSend)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !won {
		c.JSON(http.StatusConflict, gin.H{"error": "message is not awaiting approval"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": id})
}

// RetryMessage re-enters a failed_draft message into the pipeline with a
// fresh draft-attempt budget.
func (h *Handler) RetryMessage(c *gin.Context) {
	id := c.Param("id")
	won, err := h.messages.AdvanceStatus(id, msgdomain.StatusFailedDraft, msgdomain.StatusIntentPending)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !won {
		c.JSON(http.StatusConflict, gin.H{"error": "message is not in failed_draft"})
		return
	}
	if err := h.messages.ResetDraftAttempts(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": id})
}

// GetConnections lists mailbox connections and their sync state.
func (h *Handler) GetConnections(c *gin.Context) {
	conns, err := h.connections.ListAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

// WatchConnection (re-)registers the push watch on a connection's mailbox.
func (h *Handler) WatchConnection(c *gin.Context) {
	conn, err := h.connections.FindByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if conn == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}

	onRefresh := h.tokenUpdater(conn)
	expiration, err := h.provider.Watch(c.Request.Context(), conn.AccessToken, conn.RefreshToken, onRefresh)
	if err != nil {
		_ = h.connections.RecordError(conn.ID, "watch registration failed: "+err.Error())
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	conn.WatchExpiration = &expiration
	if err := h.connections.Update(conn); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"watch_expiration": expiration.Format(time.RFC3339)})
}

func (h *Handler) tokenUpdater(conn *conndomain.Connection) conndomain.TokenUpdateFunc {
	return func(token *oauth2.Token) error {
		return h.connections.UpdateTokens(conn.ID, token.AccessToken, token.RefreshToken, token.Expiry)
	}
}
