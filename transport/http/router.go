package http

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/passkey/internal/obs"
	"github.com/layer-3/passkey/service"
)

// RouterConfig wires the router
type RouterConfig struct {
	Handlers       *Handlers
	AuthService    *service.AuthService
	Metrics        *obs.Metrics
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

// SetupRouter sets up the Gin router
func SetupRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(cfg.Logger))
	if cfg.Metrics != nil {
		router.Use(cfg.Metrics.Middleware())
		router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	h := cfg.Handlers
	router.GET("/healthz", h.Healthz)

	// Everything below sees the caller's session, valid or not
	app := router.Group("/", TimeoutMiddleware(cfg.RequestTimeout), SessionMiddleware(cfg.AuthService, cfg.Logger))

	passkey := app.Group("/passkey")
	{
		passkey.POST("/registration/options", h.RegistrationOptions)
		passkey.POST("/registration/verify", h.RegistrationVerify)
		passkey.POST("/authentication/options", h.AuthenticationOptions)
		passkey.POST("/authentication/verify", h.AuthenticationVerify)
		passkey.POST("/recovery/redeem", h.RedeemRecoveryCode)
	}

	protected := passkey.Group("/", RequireSession())
	{
		protected.POST("/recovery/codes", h.IssueRecoveryCode)
		protected.POST("/rescue/options", h.RescueOptions)
		protected.POST("/rescue/link", h.RescueLink)
		protected.GET("/credentials", h.ListCredentials)
		protected.DELETE("/credentials/:id", h.DeleteCredential)
	}

	auth := app.Group("/auth")
	{
		auth.POST("/refresh", h.Refresh)
		auth.POST("/logout", h.Logout)
	}

	api := app.Group("/api", RequireSession())
	{
		api.GET("/me", h.Me)
	}

	return router
}
