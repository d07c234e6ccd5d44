package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type registerRequest struct {
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	Email       string `json:"email" binding:"required"`
	KBAQuestion string `json:"kba_question" binding:"required"`
	KBAAnswer   string `json:"kba_answer" binding:"required"`
}

// Register is GET/POST /register.
func (h *AuthHandlers) Register(c *gin.Context) {
	if c.Request.Method == http.MethodGet {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "all fields are required"})
		return
	}

	if _, err := h.users.Register(req.Username, req.Password, req.Email, req.KBAQuestion, req.KBAAnswer); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": userMessage(err)})
		return
	}

	c.Redirect(http.StatusFound, "/login")
}
