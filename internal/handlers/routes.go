package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rba-core/internal/auth"
	"rba-core/internal/config"
	"rba-core/internal/mfa"
	"rba-core/internal/middleware"
	"rba-core/internal/ratelimit"
)

// SetupRoutes wires every route in SPEC_FULL.md §6 onto router, the same
// router.Group + middleware-chain shape as the teacher's own routes.go.
func SetupRoutes(router *gin.Engine, cfg *config.Config, coordinator *auth.Coordinator, registrar UserRegistrar, mfaSvc *mfa.Service, limiter *ratelimit.Limiter) {
	secureCookie := cfg.Port != "" && gin.Mode() == gin.ReleaseMode
	authHandlers := NewAuthHandlers(coordinator, registrar, secureCookie)
	mfaHandlers := NewMFAHandlers(mfaSvc)

	router.GET("/health", HealthCheck)

	router.GET("/register", authHandlers.Register)
	router.POST("/register", authHandlers.Register)

	loginGroup := router.Group("")
	loginGroup.Use(loginThrottle(limiter))
	{
		loginGroup.POST("/login", authHandlers.Login)
	}

	router.GET("/verify", authHandlers.VerifyOtp)
	router.POST("/verify", authHandlers.VerifyOtp)
	router.GET("/verify-otp", authHandlers.VerifyOtp)
	router.POST("/verify-otp", authHandlers.VerifyOtp)
	router.GET("/verify-kba", authHandlers.VerifyKba)
	router.POST("/verify-kba", authHandlers.VerifyKba)

	router.POST("/resend-otp", authHandlers.ResendOtp)
	router.GET("/otp-status", authHandlers.OtpStatus)
	router.GET("/logout", authHandlers.Logout)

	mfaGroup := router.Group("/user/mfa")
	mfaGroup.Use(middleware.RequireSession(coordinator))
	{
		mfaGroup.GET("/status", mfaHandlers.Status)
		mfaGroup.POST("/setup", mfaHandlers.Setup)
		mfaGroup.POST("/verify-setup", mfaHandlers.VerifySetup)
		mfaGroup.POST("/disable", mfaHandlers.Disable)
		mfaGroup.POST("/backup-codes/regenerate", mfaHandlers.RegenerateBackupCodes)
	}
}

// HealthCheck is a minimal liveness endpoint, the same shape as the
// teacher's HealthCheckHandler.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// loginThrottle rejects requests over the per-IP budget before they reach
// Login, independent of OtpService's own DB-backed rate limit.
func loginThrottle(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "message": "too many login attempts, please wait"})
			return
		}
		c.Next()
	}
}
