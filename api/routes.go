package api

import (
	"github.com/gin-gonic/gin"

	"logdeck/models"
)

// SetupRoutes wires the HTTP surface onto a gin router.
func SetupRoutes(router *gin.Engine, h *Handlers, wsHub *WebSocketHub) {
	router.Use(CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, models.SuccessResponse(gin.H{"status": "ok"}))
	})

	api := router.Group("/api")
	{
		devices := api.Group("/devices")
		{
			devices.GET("", h.GetDevices)
			devices.POST("/poll", h.PollDevices)
			devices.POST("/:id/screenshot", h.Screenshot)
			devices.GET("/:id/files", h.ListFiles)
			devices.POST("/:id/files/pull", h.PullFile)
			devices.POST("/:id/files/push", h.PushFile)
			devices.POST("/:id/files/delete", h.DeleteFile)
			devices.GET("/:id/apps", h.ListApps)
			devices.POST("/:id/apps/install", h.InstallApp)
			devices.DELETE("/:id/apps/:package", h.UninstallApp)
		}

		sessions := api.Group("/sessions")
		{
			sessions.GET("", h.GetSessions)
			sessions.POST("", h.StartSession)
			sessions.POST("/:id/stop", h.StopSession)
			sessions.DELETE("/:id", h.DeleteSession)
			sessions.GET("/:id/log", h.GetSessionLog)
		}

		api.POST("/autocapture", h.SetAutoCapture)
	}

	router.GET("/ws", func(c *gin.Context) {
		HandleWebSocket(wsHub, c)
	})
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
