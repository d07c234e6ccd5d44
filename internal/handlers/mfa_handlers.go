package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"rba-core/internal/mfa"
)

// MFAHandlers backs the supplemental /user/mfa/* routes from SPEC_FULL.md
// §6, adapted from the teacher's own mfa_handlers.go.
type MFAHandlers struct {
	svc *mfa.Service
}

func NewMFAHandlers(svc *mfa.Service) *MFAHandlers {
	return &MFAHandlers{svc: svc}
}

func userIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	raw, ok := c.Get("userID")
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw.(string))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Setup is POST /user/mfa/setup.
func (h *MFAHandlers) Setup(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "not authenticated"})
		return
	}
	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "email is required"})
		return
	}

	setup, err := h.svc.Enroll(userID, req.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": userMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"secret":           setup.Secret,
		"qr_code_data_url": setup.QRCodeDataURL,
		"backup_codes":     setup.BackupCodes,
	})
}

// VerifySetup is POST /user/mfa/verify-setup.
func (h *MFAHandlers) VerifySetup(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "not authenticated"})
		return
	}
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "code is required"})
		return
	}

	ok, err := h.svc.VerifySetup(userID, req.Code)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": userMessage(err)})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "invalid verification code"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "enabled": true})
}

// Disable is POST /user/mfa/disable.
func (h *MFAHandlers) Disable(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "not authenticated"})
		return
	}
	if err := h.svc.Disable(userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": userMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RegenerateBackupCodes is POST /user/mfa/backup-codes/regenerate.
func (h *MFAHandlers) RegenerateBackupCodes(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "not authenticated"})
		return
	}
	codes, err := h.svc.RegenerateBackupCodes(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": userMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "backup_codes": codes})
}

// Status is GET /user/mfa/status.
func (h *MFAHandlers) Status(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "not authenticated"})
		return
	}
	status, err := h.svc.Status(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": userMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":                true,
		"enabled":                status.Enabled,
		"setup_date":             status.SetupDate,
		"backup_codes_remaining": status.BackupCodesRemaining,
	})
}
