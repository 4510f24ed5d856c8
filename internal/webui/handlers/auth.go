package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// TokenIssuer signs a session token for a successfully authenticated admin.
// Implemented by the webui package to avoid a handlers -> webui import cycle.
type TokenIssuer func(username string) (string, error)

// AuthHandler handles the admin login endpoint.
type AuthHandler struct {
	username string
	password string
	issue    TokenIssuer
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(username, password string, issue TokenIssuer) *AuthHandler {
	return &AuthHandler{username: username, password: password, issue: issue}
}

// LoginRequest is the body for POST /api/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Invalid request body"})
		return
	}

	if h.password == "" || req.Username != h.username || req.Password != h.password {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "Invalid credentials"})
		return
	}

	token, err := h.issue(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "Failed to issue session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "token": token})
}
