// Package middleware holds the Gin middleware chain, adapted from the
// teacher's own internal/middleware/middleware.go (CORS + security headers)
// plus a session-cookie authentication middleware backed by
// internal/auth.Coordinator.
package middleware

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"rba-core/internal/auth"
)

// CORS configures cross-origin access the way the teacher's SetupCORS does,
// generalized to an arbitrary allowed-origins list.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowOrigins = allowedOrigins
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	cfg.AllowCredentials = true
	return cors.New(cfg)
}

// SecurityHeaders adds the same defensive headers as the teacher's
// SecurityHeadersMiddleware.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'self'")
		c.Next()
	}
}

const sessionCookieName = "session_token"

// RequireSession validates the session cookie against coordinator, rejecting
// the request if the JWT doesn't verify or the session it names is no
// longer live server-side — the cookie is a transport, not a trust
// boundary, per SPEC_FULL.md §9.
func RequireSession(coordinator *auth.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		cookie, err := c.Cookie(sessionCookieName)
		if err != nil || cookie == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "not authenticated"})
			return
		}

		sessionID, err := coordinator.ParseToken(cookie)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid session"})
			return
		}

		sess, ok := coordinator.Session(sessionID)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "session expired"})
			return
		}
		if sess.State != auth.Verified {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "verification incomplete"})
			return
		}

		c.Set("sessionID", sessionID)
		c.Set("userID", sess.UserID.String())
		c.Next()
	}
}

// SessionCookieName is exported for handlers that need to set/clear it.
func SessionCookieName() string { return sessionCookieName }
