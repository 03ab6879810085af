package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/service"
)

const sessionKey = "passkeySession"

// SessionMiddleware classifies the caller's session from the Authorization
// header or the session cookie. It never rejects a request on its own.
func SessionMiddleware(authService *service.AuthService, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := authService.SessionState(c.Request.Context(), accessToken(c))
		if err != nil {
			abortWithError(c, logger, err)
			return
		}

		c.Set(sessionKey, state)
		c.Next()
	}
}

// RequireSession rejects callers without a valid session
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch state := sessionFrom(c); state.Status {
		case core.SessionValid:
			c.Next()
		case core.SessionStale:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		}
	}
}

// TimeoutMiddleware bounds every request's context
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestLogger logs one line per request
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func accessToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	if token, err := c.Cookie(SessionCookie); err == nil {
		return token
	}
	return ""
}

func sessionFrom(c *gin.Context) core.SessionState {
	if v, ok := c.Get(sessionKey); ok {
		if state, ok := v.(core.SessionState); ok {
			return state
		}
	}
	return core.SessionState{Status: core.SessionNone}
}
