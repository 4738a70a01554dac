// Package httpapi exposes the identity engine as a JSON HTTP surface for the
// permit portal frontend: login and MFA flows under /api/auth, operator
// endpoints under /api/admin.
package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	identity "github.com/permitdesk/identity"
	"github.com/permitdesk/identity/internal/rate"
)

// Config carries the server's own knobs; everything security-related lives in
// the engine configuration.
type Config struct {
	AllowedOrigins []string

	// Per-IP budget for the unauthenticated login and ceremony endpoints.
	LoginRateLimit  int
	LoginRateWindow time.Duration
}

// Server holds the router and its collaborators.
type Server struct {
	engine  *identity.Engine
	log     *logrus.Logger
	limiter *rate.Limiter
	router  *gin.Engine
}

// New assembles the router. redisClient backs the per-IP rate limiter and is
// typically the same client the engine uses.
func New(engine *identity.Engine, redisClient redis.UniversalClient, log *logrus.Logger, cfg Config) *Server {
	if log == nil {
		log = logrus.New()
	}
	if cfg.LoginRateLimit <= 0 {
		cfg.LoginRateLimit = 20
	}
	if cfg.LoginRateWindow <= 0 {
		cfg.LoginRateWindow = time.Minute
	}

	s := &Server{
		engine: engine,
		log:    log,
		limiter: rate.NewLimiter(redisClient, "idrl", rate.Config{
			Limit:  cfg.LoginRateLimit,
			Window: cfg.LoginRateWindow,
		}),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.AllowedOrigins
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
		router.Use(cors.New(corsCfg))
	}
	router.Use(s.observe())

	auth := router.Group("/api/auth")
	{
		public := auth.Group("")
		public.Use(s.rateLimit())
		public.POST("/login/start", s.handleLoginStart)
		public.POST("/login/verify", s.handleLoginVerifyCode)
		public.POST("/login/verify-totp", s.handleLoginVerifyTOTP)
		public.POST("/webauthn/authenticate/start", s.handleWebAuthnLoginStart)
		public.POST("/webauthn/authenticate/complete", s.handleWebAuthnLoginComplete)
		public.POST("/webauthn/cross-device/start", s.handlePairingStart)
		public.POST("/webauthn/cross-device/auth-options", s.handlePairingAuthOptions)
		public.POST("/webauthn/cross-device/complete", s.handlePairingComplete)
		public.GET("/webauthn/cross-device/status/:sessionId", s.handlePairingStatus)

		private := auth.Group("")
		private.Use(s.requireAuth())
		private.POST("/change-password-authenticated", s.handleChangePassword)
		private.GET("/mfa/status", s.handleMFAStatus)
		private.POST("/totp/setup", s.handleTOTPSetup)
		private.POST("/totp/verify", s.handleTOTPVerify)
		private.POST("/webauthn/register/start", s.handleWebAuthnRegisterStart)
		private.POST("/webauthn/register/complete", s.handleWebAuthnRegisterComplete)
		private.GET("/webauthn/credentials", s.handleListCredentials)
		private.DELETE("/webauthn/credentials/:credId", s.handleDeleteCredential)
		private.POST("/mfa/disable/request", s.handleMFADisableRequest)
		private.POST("/mfa/disable/send-code", s.handleMFADisableSendCode)
		private.POST("/mfa/disable/undo", s.handleMFADisableUndo)
		private.POST("/session/activity", s.handleSessionActivity)
		private.GET("/session/active", s.handleSessionList)
		private.POST("/session/invalidate", s.handleSessionInvalidate)
		private.POST("/session/invalidate-all", s.handleSessionInvalidateAll)
		private.POST("/logout-all", s.handleLogoutAll)
	}

	admin := router.Group("/api/admin")
	admin.Use(s.requireAuth(), s.requireElevated())
	{
		admin.GET("/monitoring/stats", s.handleMonitoringStats)
		admin.POST("/accounts/:userId/unlock", s.handleUnlockAccount)
		admin.GET("/audit/:userId", s.handleAuditTrail)
		admin.POST("/mfa/finalize-disables", s.handleFinalizeDisables)
	}

	s.router = router
	return s
}

// Handler returns the assembled http.Handler.
func (s *Server) Handler() *gin.Engine { return s.router }
