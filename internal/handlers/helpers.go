package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/logging"
	"campus-realtime/internal/middleware"
	"campus-realtime/internal/models"
	"campus-realtime/internal/telemetry"
)

const defaultPageSize = 50

func currentIdentity(c *gin.Context) (models.Identity, bool) {
	identity, ok := middleware.CurrentIdentity(c)
	if !ok || identity.ID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return models.Identity{}, false
	}
	return identity, true
}

// respondError maps a domain error onto a status code and a safe message.
func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	event := logging.Ctx(c.Request.Context()).Debug()
	if status >= http.StatusInternalServerError {
		event = logging.Ctx(c.Request.Context()).Error()
	}
	event.Err(err).Str("route", c.FullPath()).Msg("request failed")
	c.JSON(status, gin.H{"error": apperr.PublicMessage(err), "kind": apperr.KindOf(err).String()})
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": apperr.KindInvalid.String()})
		return false
	}
	return true
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 || limit > 200 {
		return defaultPageSize
	}
	return limit
}

func emitAudit(c *gin.Context, emitter *telemetry.Emitter, level, text string) {
	identity, _ := middleware.CurrentIdentity(c)
	emitter.Audit(c.Request.Context(), level, text, identity.ID)
}
