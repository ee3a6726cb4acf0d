package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/models"
	"campus-realtime/internal/notify"
	"campus-realtime/internal/telemetry"
)

// Announcement audiences accepted by POST /notifications.
const (
	AudienceIndividual = "individual"
	AudienceGroup      = "group"
	AudienceFaculty    = "faculty"
	AudienceDepartment = "department"
	AudienceSystem     = "system"
)

// NotificationHandler exposes the recipient side of notifications and
// lets staff roles dispatch announcements.
type NotificationHandler struct {
	orchestrator *notify.Orchestrator
	audit        *telemetry.Emitter
}

func NewNotificationHandler(orchestrator *notify.Orchestrator, audit *telemetry.Emitter) *NotificationHandler {
	return &NotificationHandler{orchestrator: orchestrator, audit: audit}
}

func (h *NotificationHandler) Register(r gin.IRouter) {
	r.GET("/notifications", h.ListActive)
	r.POST("/notifications", h.Announce)
	r.POST("/notifications/read", h.MarkRead)
	r.POST("/notifications/:notification_id/redispatch", h.Redispatch)
	r.PUT("/notifications/subscription", h.Subscribe)
	r.DELETE("/notifications/subscription", h.Unsubscribe)
	r.PATCH("/notifications/preferences", h.UpdatePreferences)
}

// ListActive returns the caller's active, unexpired notifications.
func (h *NotificationHandler) ListActive(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	list, err := h.orchestrator.Active(c.Request.Context(), identity.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

func (h *NotificationHandler) MarkRead(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	var req struct {
		NotificationIDs []string `json:"notification_ids" binding:"required,min=1"`
	}
	if !bindJSON(c, &req) {
		return
	}
	n, err := h.orchestrator.MarkRead(c.Request.Context(), req.NotificationIDs, identity.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

type announceRequest struct {
	Audience     string                     `json:"audience" binding:"required,oneof=individual group faculty department system"`
	Target       string                     `json:"target"`
	Notification models.NotificationRequest `json:"notification"`
}

// Announce handles POST /notifications for roles allowed to broadcast.
func (h *NotificationHandler) Announce(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	if !identity.Role.CanAnnounce() {
		emitAudit(c, h.audit, "ERROR", "announcement not allowed")
		respondError(c, apperr.PolicyViolation("notification.announce", "role %s may not send announcements", identity.Role))
		return
	}
	var req announceRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	n := req.Notification
	n.SenderID = identity.ID
	var (
		created models.Notification
		err     error
	)
	switch req.Audience {
	case AudienceIndividual:
		created, err = h.orchestrator.Dispatch(ctx, n)
	case AudienceGroup:
		created, err = h.orchestrator.DispatchToGroup(ctx, req.Target, n)
	case AudienceFaculty:
		created, err = h.orchestrator.DispatchToFaculty(ctx, req.Target, n)
	case AudienceDepartment:
		created, err = h.orchestrator.DispatchToDepartment(ctx, req.Target, n)
	case AudienceSystem:
		created, err = h.orchestrator.DispatchSystem(ctx, n)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	emitAudit(c, h.audit, "INFO", "Announcement dispatched")
	c.JSON(http.StatusCreated, created)
}

// Redispatch runs delivery of an active notification again.
func (h *NotificationHandler) Redispatch(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	n, err := h.orchestrator.RedispatchAs(c.Request.Context(), c.Param("notification_id"), identity)
	if err != nil {
		respondError(c, err)
		return
	}
	emitAudit(c, h.audit, "INFO", "Notification redispatched")
	c.JSON(http.StatusOK, n)
}

// Subscribe stores the caller's web push subscription.
func (h *NotificationHandler) Subscribe(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	var sub models.PushSubscription
	if !bindJSON(c, &sub) {
		return
	}
	if err := h.orchestrator.Subscribe(c.Request.Context(), identity.ID, sub); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *NotificationHandler) Unsubscribe(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	if err := h.orchestrator.Unsubscribe(c.Request.Context(), identity.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *NotificationHandler) UpdatePreferences(c *gin.Context) {
	identity, ok := currentIdentity(c)
	if !ok {
		return
	}
	var patch models.PreferencesPatch
	if !bindJSON(c, &patch) {
		return
	}
	prefs, err := h.orchestrator.UpdatePreferences(c.Request.Context(), identity.ID, patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}
