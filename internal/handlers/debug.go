package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campus-realtime/internal/telemetry"
	"campus-realtime/internal/ws"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.Emitter, hub *ws.Hub, events *ws.Router, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitAudit(c, emitter, "INFO", "audit test")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/presence", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"online": hub.OnlineIdentities(), "events": events.Events()})
	})
}
