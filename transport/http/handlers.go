package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/passkey/core"
	"github.com/layer-3/passkey/service"
)

const (
	SessionCookie = "passkey_session"
	RefreshCookie = "passkey_refresh"
)

// CookieConfig controls the session cookies
type CookieConfig struct {
	Domain string
	Secure bool
}

// Handlers contains the HTTP handlers
type Handlers struct {
	passkeys    *service.PasskeyService
	authService *service.AuthService
	health      func(ctx context.Context) error
	cookies     CookieConfig
	logger      *slog.Logger
}

// NewHandlers creates new handlers
func NewHandlers(
	passkeys *service.PasskeyService,
	authService *service.AuthService,
	health func(ctx context.Context) error,
	cookies CookieConfig,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		passkeys:    passkeys,
		authService: authService,
		health:      health,
		cookies:     cookies,
		logger:      logger,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// issueTokens sets the session cookies and returns the body fields for tokens
func (h *Handlers) issueTokens(c *gin.Context, tokens *service.Tokens) tokenResponse {
	now := time.Now()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, tokens.AccessToken, maxAge(tokens.AccessExpiry, now), "/", h.cookies.Domain, h.cookies.Secure, true)
	c.SetCookie(RefreshCookie, tokens.RefreshToken, maxAge(tokens.RefreshExpiry, now), "/auth", h.cookies.Domain, h.cookies.Secure, true)

	return tokenResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(tokens.AccessExpiry.Sub(now).Seconds()),
	}
}

func (h *Handlers) clearTokens(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, "", -1, "/", h.cookies.Domain, h.cookies.Secure, true)
	c.SetCookie(RefreshCookie, "", -1, "/auth", h.cookies.Domain, h.cookies.Secure, true)
}

func maxAge(expiry, now time.Time) int {
	if secs := int(expiry.Sub(now).Seconds()); secs > 0 {
		return secs
	}
	return -1
}

// refreshToken reads the refresh token from the body, falling back to the cookie
func refreshToken(c *gin.Context) string {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.RefreshToken != "" {
		return req.RefreshToken
	}
	token, _ := c.Cookie(RefreshCookie)
	return token
}

// Refresh handles token refresh
func (h *Handlers) Refresh(c *gin.Context) {
	token := refreshToken(c)
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	tokens, err := h.authService.Refresh(c.Request.Context(), token)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, h.issueTokens(c, tokens))
}

// Logout handles session logout
func (h *Handlers) Logout(c *gin.Context) {
	token := refreshToken(c)
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	err := h.authService.Logout(c.Request.Context(), token)
	// an expired refresh token is as good as logged out
	if err != nil && !errors.Is(err, core.ErrExpired) {
		abortWithError(c, h.logger, err)
		return
	}

	h.clearTokens(c)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// Me returns the authenticated address
func (h *Handlers) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"address": sessionFrom(c).Address})
}

// Healthz reports whether the datastore is reachable
func (h *Handlers) Healthz(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
