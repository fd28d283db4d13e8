package http

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/tollgate/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds what the router needs besides the services
type RouterConfig struct {
	Logger   watermill.LoggerAdapter
	Gatherer prometheus.Gatherer // nil disables /metrics
}

// SetupRouter sets up the Gin router
func SetupRouter(session *service.SessionManager, account *service.AccountService, pipeline *service.Pipeline, cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger))

	handlers := NewSessionHandlers(session, account, pipeline)

	// Session routes
	s := router.Group("/session")
	{
		s.GET("", handlers.State)
		s.POST("/login", handlers.Login)
		s.POST("/mfa/verify", handlers.VerifyMfa)
		s.POST("/mfa/cancel", handlers.CancelMfa)
		s.POST("/logout", handlers.Logout)
		s.POST("/password-reset", handlers.PasswordReset)
	}

	// Account routes
	acct := router.Group("/account")
	acct.Use(RequireSession(session))
	{
		acct.GET("/profile", handlers.Profile)
		acct.GET("/mfa/setup", handlers.MfaSetup)
		acct.POST("/mfa/enable", handlers.EnableMfa)
		acct.POST("/mfa/disable", handlers.DisableMfa)
	}

	// Authenticated calls forwarded to the authority
	api := router.Group("/api")
	api.Use(RequireSession(session))
	{
		api.Any("/*path", handlers.Proxy)
	}

	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	return router
}
