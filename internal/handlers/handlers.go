// Package handlers is the Gin HTTP layer over internal/auth.Coordinator,
// the deliberately-out-of-scope "presentation layer" spec.md §1 names —
// routed the way the teacher's routes.go groups endpoints with
// router.Group plus middleware chains.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"rba-core/internal/apperr"
	"rba-core/internal/auth"
	"rba-core/internal/middleware"
	"rba-core/internal/models"
)

// AuthHandlers wraps the collaborators the login/verify/logout endpoints
// need.
type AuthHandlers struct {
	coordinator  *auth.Coordinator
	users        *UserRegistrar
	secureCookie bool
}

func NewAuthHandlers(coordinator *auth.Coordinator, users *UserRegistrar, secureCookie bool) *AuthHandlers {
	return &AuthHandlers{coordinator: coordinator, users: users, secureCookie: secureCookie}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login is POST /login.
func (h *AuthHandlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "username and password are required"})
		return
	}

	result, err := h.coordinator.Login(c.Request.Context(), req.Username, req.Password, c.ClientIP(), c.GetHeader("User-Agent"))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": userMessage(err)})
		return
	}

	h.setSessionCookie(c, result.Token)

	resp := gin.H{"success": true, "tier": result.Session.Tier.String(), "state": result.Session.State.String()}
	switch result.Session.State {
	case auth.Verified:
		resp["redirect"] = "/dashboard"
	case auth.AwaitOtp:
		resp["redirect"] = "/verify"
	case auth.AwaitOtpThenKba:
		resp["redirect"] = "/verify-otp"
	}
	c.JSON(http.StatusOK, resp)
}

type codeRequest struct {
	Code string `json:"code" binding:"required"`
}

// VerifyOtp is GET/POST /verify (Medium tier) and /verify-otp (High tier,
// first stage) — both resolve to the same OTP-stage transition.
func (h *AuthHandlers) VerifyOtp(c *gin.Context) {
	sessionID, ok := h.sessionIDFromCookie(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "not authenticated"})
		return
	}

	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "code is required"})
		return
	}

	result, err := h.coordinator.VerifyOtpStage(c.Request.Context(), sessionID, req.Code)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": userMessage(err)})
		return
	}

	if result.Done {
		c.JSON(http.StatusOK, gin.H{"success": true, "redirect": "/dashboard"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "redirect": "/verify-kba"})
}

type kbaRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// VerifyKba is GET/POST /verify-kba.
func (h *AuthHandlers) VerifyKba(c *gin.Context) {
	sessionID, ok := h.sessionIDFromCookie(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "not authenticated"})
		return
	}

	var req kbaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "answer is required"})
		return
	}

	if _, err := h.coordinator.VerifyKbaStage(c.Request.Context(), sessionID, req.Answer); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": userMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "redirect": "/dashboard"})
}

// ResendOtp is POST /resend-otp.
func (h *AuthHandlers) ResendOtp(c *gin.Context) {
	sessionID, ok := h.sessionIDFromCookie(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "not authenticated"})
		return
	}
	if err := h.coordinator.ResendOtp(c.Request.Context(), sessionID); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": userMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "a new code has been sent"})
}

// OtpStatus is GET /otp-status.
func (h *AuthHandlers) OtpStatus(c *gin.Context) {
	sessionID, ok := h.sessionIDFromCookie(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "not authenticated"})
		return
	}
	status, err := h.coordinator.OtpStatus(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": userMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": status})
}

// Logout is GET /logout.
func (h *AuthHandlers) Logout(c *gin.Context) {
	if sessionID, ok := h.sessionIDFromCookie(c); ok {
		_ = h.coordinator.Logout(c.Request.Context(), sessionID)
	}
	c.SetCookie(middleware.SessionCookieName(), "", -1, "/", "", h.secureCookie, true)
	c.Redirect(http.StatusFound, "/")
}

func (h *AuthHandlers) sessionIDFromCookie(c *gin.Context) (string, bool) {
	cookie, err := c.Cookie(middleware.SessionCookieName())
	if err != nil || cookie == "" {
		return "", false
	}
	sessionID, err := h.coordinator.ParseToken(cookie)
	if err != nil {
		return "", false
	}
	return sessionID, true
}

func (h *AuthHandlers) setSessionCookie(c *gin.Context, token string) {
	const maxAge = 30 * 60
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookieName(), token, maxAge, "/", "", h.secureCookie, true)
}

// userMessage translates an apperr.Error into the generic, non-leaky
// message spec.md §7 requires for each error kind.
func userMessage(err error) string {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		return "something went wrong, please try again"
	}
	switch appErr.Kind {
	case apperr.KindInvalidInput:
		return appErr.Message
	case apperr.KindAuthFailed:
		return "invalid username or password"
	case apperr.KindRateLimited:
		return "too many codes requested, please wait before trying again"
	case apperr.KindOtpInvalid:
		return "incorrect code"
	case apperr.KindOtpExpired:
		return "code has expired, please request a new one"
	case apperr.KindOtpExhausted:
		return "too many incorrect attempts, please request a new code"
	case apperr.KindOtpNotFound:
		return "no active code, please request a new one"
	default:
		return "something went wrong, please try again"
	}
}

// UserRegistrar is implemented by internal/registration.Service.
type UserRegistrar interface {
	Register(username, password, email, kbaQuestion, kbaAnswer string) (*models.User, error)
}
