package api

import (
	"net/http"

	agentdomain "maklermail-backend/internal/agent/domain"
	promptdomain "maklermail-backend/internal/prompt/domain"

	"github.com/gin-gonic/gin"
)

// GetPrompts returns all pipeline prompts, stored or default.
func (h *Handler) GetPrompts(c *gin.Context) {
	prompts, err := h.prompts.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

type updatePromptRequest struct {
	Key     string `json:"key" binding:"required"`
	Text    string `json:"text" binding:"required"`
	Version string `json:"version" binding:"required"`
}

// UpdatePrompt stores a customized prompt. The version participates in the
// artifact idempotency key, so bumping it makes the runners redo the stage
// for new messages under the new text.
func (h *Handler) UpdatePrompt(c *gin.Context) {
	var req updatePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch req.Key {
	case promptdomain.KeySafety, promptdomain.KeyIntent, promptdomain.KeyDraft,
		promptdomain.KeyQA, promptdomain.KeyRewrite:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown prompt key"})
		return
	}

	prompt := &promptdomain.Prompt{Key: req.Key, Text: req.Text, Version: req.Version}
	if err := h.prompts.Upsert(prompt); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, prompt)
}

// GetAgentSettings returns an agent's reply settings (safe defaults when
// never saved).
func (h *Handler) GetAgentSettings(c *gin.Context) {
	settings, err := h.settings.FindByAgentID(c.Param("agentId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

type updateAgentSettingsRequest struct {
	AutosendEnabled bool   `json:"autosend_enabled"`
	ReplyLanguage   string `json:"reply_language"`
	SignatureName   string `json:"signature_name"`
}

// UpdateAgentSettings stores the agent's autosend flag and reply options.
func (h *Handler) UpdateAgentSettings(c *gin.Context) {
	var req updateAgentSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ReplyLanguage == "" {
		req.ReplyLanguage = "de"
	}

	settings := &agentdomain.AgentSettings{
		AgentID:         c.Param("agentId"),
		AutosendEnabled: req.AutosendEnabled,
		ReplyLanguage:   req.ReplyLanguage,
		SignatureName:   req.SignatureName,
	}
	if err := h.settings.Upsert(settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}
