package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"campus-realtime/internal/logging"
	"campus-realtime/internal/models"
	"campus-realtime/internal/observability"
	"campus-realtime/internal/security"
)

const identityKey = "identity"

// BearerToken extracts the token from the Authorization header, falling
// back to the ?token= query parameter browsers use for websocket upgrades.
func BearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		token := c.Query("token")
		return token, token != ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// RequestID tags the request context with X-Request-Id or a generated id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := observability.RequestIDFromRequest(c.Request)
		if requestID == "" {
			requestID = logging.GenerateRequestID()
		}
		c.Header("X-Request-Id", requestID)
		c.Request = c.Request.WithContext(logging.ContextWithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// AuthMiddleware authenticates the caller and stores the identity on the context.
func AuthMiddleware(auth security.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		identity, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(identityKey, identity)
		c.Request = c.Request.WithContext(logging.ContextWithIdentity(c.Request.Context(), identity.ID))
		c.Next()
	}
}

// CurrentIdentity returns the identity set by AuthMiddleware.
func CurrentIdentity(c *gin.Context) (models.Identity, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return models.Identity{}, false
	}
	identity, ok := value.(models.Identity)
	return identity, ok
}

// SetIdentity is used by tests and the websocket handshake.
func SetIdentity(c *gin.Context, identity models.Identity) {
	c.Set(identityKey, identity)
}
