package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/config"
	"campus-realtime/internal/logging"
	"campus-realtime/internal/middleware"
	"campus-realtime/internal/observability"
	"campus-realtime/internal/security"
	"campus-realtime/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var errRateLimited = apperr.PolicyViolation("ws.read", "rate limit exceeded")

// SocketHandler upgrades authenticated requests and runs the read loop of
// each connection.
type SocketHandler struct {
	hub     *Hub
	router  *Router
	auth    security.Authenticator
	emitter *telemetry.Emitter
	opts    ConnOptions
	maxSize int64
}

func NewSocketHandler(hub *Hub, router *Router, auth security.Authenticator, emitter *telemetry.Emitter, cfg config.WebsocketConfig) *SocketHandler {
	return &SocketHandler{
		hub:     hub,
		router:  router,
		auth:    auth,
		emitter: emitter,
		maxSize: cfg.MaxMessageSize,
		opts: ConnOptions{
			QueueSize:     cfg.SendQueueSize,
			WriteTimeout:  cfg.WriteTimeout,
			PingInterval:  cfg.PingInterval,
			RatePerSecond: cfg.RatePerSecond,
			RateBurst:     cfg.RateBurst,
		},
	}
}

// Handle authenticates before upgrading so rejected clients get a plain
// HTTP 401.
func (h *SocketHandler) Handle(c *gin.Context) {
	ctx, span := telemetry.Tracer().Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	token, ok := middleware.BearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	identity, err := h.auth.Authenticate(ctx, token)
	if err != nil {
		logging.Ctx(ctx).Debug().Err(err).Msg("websocket auth rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	if h.maxSize > 0 {
		socket.SetReadLimit(h.maxSize)
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		IdentityID:  identity.ID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		UserAgent:   observability.UserAgentFromRequest(c.Request),
		RequestID:   logging.RequestIDFromContext(ctx),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	// The request context ends when this handler returns.
	connCtx := logging.ContextWithIdentity(context.WithoutCancel(ctx), identity.ID)
	conn := NewConn(socket, info, h.opts)
	if err := h.hub.Register(connCtx, identity.ID, conn); err != nil {
		logging.Ctx(connCtx).Error().Err(err).Msg("register connection failed")
		_ = conn.Close()
		return
	}
	h.emitter.Domain(connCtx, "ws:connect", connPayload(info, 0, ""))

	go h.readLoop(connCtx, socket, conn)
}

func (h *SocketHandler) readLoop(ctx context.Context, socket *websocket.Conn, conn *Conn) {
	var reason string
	defer func() {
		h.hub.Unregister(ctx, conn)
		info := conn.Info()
		h.emitter.Domain(ctx, "ws:disconnect", connPayload(info, time.Since(info.ConnectedAt).Milliseconds(), reason))
		logging.Ctx(ctx).Info().Str("conn_id", info.ConnID).Str("reason", reason).Msg("connection closed")
	}()

	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			reason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("disconnect", StatusFailed)
			}
			return
		}
		if !conn.Allow() {
			h.router.Reject(conn, raw, errRateLimited)
			continue
		}
		h.router.Dispatch(ctx, conn, raw)
	}
}

func connPayload(info ConnInfo, durationMS int64, reason string) map[string]any {
	return map[string]any{
		"conn_id":     info.ConnID,
		"identity_id": info.IdentityID,
		"device_id":   info.DeviceID,
		"ip":          info.IP,
		"user_agent":  info.UserAgent,
		"trace_id":    info.TraceID,
		"duration_ms": durationMS,
		"reason":      reason,
	}
}
