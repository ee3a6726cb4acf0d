package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campus-realtime/internal/calls"
)

type CallHandler struct {
	engine *calls.Engine
}

func NewCallHandler(engine *calls.Engine) *CallHandler {
	return &CallHandler{engine: engine}
}

func (h *CallHandler) Register(r gin.IRouter) {
	r.GET("/calls/ice-servers", h.ICEServers)
	r.GET("/calls/:session_id", h.GetCall)
}

// ICEServers returns the STUN/TURN configuration clients need before
// creating a peer connection.
func (h *CallHandler) ICEServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ice_servers": h.engine.ICE()})
}

// GetCall returns a session to one of its participants.
func (h *CallHandler) GetCall(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	session, err := h.engine.Get(c.Request.Context(), c.Param("session_id"), identity.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}
