package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(r *gin.Engine, h *Handler) {
	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		// Push webhook (public; verified via the envelope's identity token)
		api.POST("/push/gmail", h.pushHandler.HandleGmailPush)

		// Operator routes (protected)
		operator := api.Group("")
		operator.Use(OperatorMiddleware(h.config.JWTSecret))
		{
			messages := operator.Group("/messages")
			{
				messages.GET("", h.GetMessages)
				messages.POST("/:id/unlock", h.UnlockMessage)
				messages.POST("/:id/approve", h.ApproveMessage)
				messages.POST("/:id/retry", h.RetryMessage)
			}

			connections := operator.Group("/connections")
			{
				connections.GET("", h.GetConnections)
				connections.POST("/:id/watch", h.WatchConnection)
			}

			settings := operator.Group("/settings")
			{
				settings.GET("/prompts", h.GetPrompts)
				settings.PUT("/prompts", h.UpdatePrompt)
				settings.GET("/agents/:agentId", h.GetAgentSettings)
				settings.PUT("/agents/:agentId", h.UpdateAgentSettings)
			}
		}
	}
}
