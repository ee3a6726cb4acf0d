package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/groups"
	"campus-realtime/internal/messaging"
	"campus-realtime/internal/models"
	"campus-realtime/internal/telemetry"
)

// GroupHandler manages group and group message endpoints.
type GroupHandler struct {
	registry *groups.Registry
	messages *messaging.Engine
	audit    *telemetry.Emitter
}

// NewGroupHandler constructs a GroupHandler.
func NewGroupHandler(registry *groups.Registry, messages *messaging.Engine, audit *telemetry.Emitter) *GroupHandler {
	return &GroupHandler{registry: registry, messages: messages, audit: audit}
}

// Register mounts the group and message routes.
func (h *GroupHandler) Register(r gin.IRouter) {
	r.POST("/groups", h.CreateGroup)
	r.GET("/groups", h.ListGroups)
	r.GET("/groups/:group_id", h.GetGroup)
	r.PATCH("/groups/:group_id", h.UpdateGroup)
	r.POST("/groups/:group_id/join", h.JoinGroup)
	r.POST("/groups/:group_id/leave", h.LeaveGroup)
	r.POST("/groups/:group_id/members", h.AddMembers)
	r.DELETE("/groups/:group_id/members/:identity_id", h.RemoveMember)
	r.GET("/groups/:group_id/messages", h.GetGroupMessages)
	r.POST("/groups/:group_id/messages", h.PostGroupMessage)
	r.GET("/messages/:message_id", h.GetMessage)
}

// CreateGroup handles POST /groups.
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	var spec groups.Spec
	if !bindJSON(c, &spec) {
		emitAudit(c, h.audit, "ERROR", "invalid request payload")
		return
	}

	group, err := h.registry.Create(c.Request.Context(), identity.ID, spec)
	if err != nil {
		emitAudit(c, h.audit, "ERROR", "group create rejected")
		respondError(c, err)
		return
	}

	emitAudit(c, h.audit, "INFO", "Group created")
	c.JSON(http.StatusCreated, group)
}

// ListGroups returns groups the caller belongs to.
func (h *GroupHandler) ListGroups(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	list, err := h.registry.GroupsFor(c.Request.Context(), identity.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": list})
}

// GetGroup returns one group to its members.
func (h *GroupHandler) GetGroup(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	group, err := h.registry.Get(c.Request.Context(), c.Param("group_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !group.IsMember(identity.ID) {
		respondError(c, apperr.Unauthorized("group.get", "not a member of this group"))
		return
	}
	c.JSON(http.StatusOK, group)
}

// UpdateGroup handles PATCH /groups/:group_id.
func (h *GroupHandler) UpdateGroup(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	var upd models.GroupUpdate
	if !bindJSON(c, &upd) {
		return
	}
	group, err := h.registry.Update(c.Request.Context(), c.Param("group_id"), identity.ID, upd)
	if err != nil {
		respondError(c, err)
		return
	}
	emitAudit(c, h.audit, "INFO", "Group updated")
	c.JSON(http.StatusOK, group)
}

func (h *GroupHandler) JoinGroup(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	group, err := h.registry.Join(c.Request.Context(), c.Param("group_id"), identity.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, group)
}

func (h *GroupHandler) LeaveGroup(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	if err := h.registry.Leave(c.Request.Context(), c.Param("group_id"), identity.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AddMembers handles POST /groups/:group_id/members.
func (h *GroupHandler) AddMembers(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	var req struct {
		MemberIDs []string `json:"member_ids" binding:"required,min=1"`
	}
	if !bindJSON(c, &req) {
		return
	}
	group, err := h.registry.AddMembers(c.Request.Context(), c.Param("group_id"), identity.ID, req.MemberIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	emitAudit(c, h.audit, "INFO", "Group members added")
	c.JSON(http.StatusOK, group)
}

// RemoveMember handles DELETE /groups/:group_id/members/:identity_id.
func (h *GroupHandler) RemoveMember(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	group, err := h.registry.RemoveMemberAs(c.Request.Context(), c.Param("group_id"), identity.ID, c.Param("identity_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	emitAudit(c, h.audit, "INFO", "Group member removed")
	c.JSON(http.StatusOK, group)
}

// GetGroupMessages pages backwards through group history. ?before takes an
// RFC 3339 timestamp.
func (h *GroupHandler) GetGroupMessages(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before timestamp", "kind": apperr.KindInvalid.String()})
			return
		}
		before = parsed
	}

	msgs, err := h.messages.History(c.Request.Context(), c.Param("group_id"), identity.ID, before, queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostGroupMessage persists and broadcasts a group message.
func (h *GroupHandler) PostGroupMessage(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	var in messaging.SendInput
	if !bindJSON(c, &in) {
		emitAudit(c, h.audit, "ERROR", "invalid request payload")
		return
	}
	msg, err := h.messages.Send(c.Request.Context(), identity.ID, c.Param("group_id"), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *GroupHandler) GetMessage(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	msg, err := h.messages.Get(c.Request.Context(), c.Param("message_id"), identity.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}
