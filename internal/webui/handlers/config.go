package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/antigravity-proxy-go/internal/account"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
)

// ConfigHandler handles the admin configuration and settings endpoints.
type ConfigHandler struct {
	cfg  *config.Config
	pool *account.Pool
}

// NewConfigHandler creates a new ConfigHandler.
func NewConfigHandler(cfg *config.Config, pool *account.Pool) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, pool: pool}
}

// GetConfig handles GET /api/config.
func (h *ConfigHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "config": h.cfg.GetPublic()})
}

// UpdateConfig handles POST /api/config.
func (h *ConfigHandler) UpdateConfig(c *gin.Context) {
	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Invalid request body"})
		return
	}

	if err := h.cfg.Update(updates); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "config": h.cfg.GetPublic()})
}

// ChangePasswordRequest is the body for POST /api/config/password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// ChangePassword handles POST /api/config/password.
func (h *ConfigHandler) ChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.NewPassword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "newPassword is required"})
		return
	}

	if h.cfg.AdminPassword != "" && req.CurrentPassword != h.cfg.AdminPassword {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "Current password is incorrect"})
		return
	}

	if err := h.cfg.Update(map[string]interface{}{"adminPassword": req.NewPassword}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Password updated"})
}

// GetSettings handles GET /api/settings.
func (h *ConfigHandler) GetSettings(c *gin.Context) {
	status := h.pool.GetStatus()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"settings": gin.H{
			"strategy":             status.Strategy,
			"globalQuotaThreshold": h.cfg.GlobalQuotaThreshold,
			"fallbackEnabled":      h.cfg.FallbackEnabled,
			"modelMapping":         h.cfg.ModelMapping,
		},
	})
}

// GetStrategyHealth handles GET /api/strategy/health. The pool only exposes
// its account-level snapshot, not the hybrid strategy's internal health
// tracker, so this reports per-account availability rather than raw scores.
func (h *ConfigHandler) GetStrategyHealth(c *gin.Context) {
	status := h.pool.GetStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"strategy": status.Strategy,
		"accounts": status.Accounts,
	})
}

// UpdateModelConfigRequest is the body for POST /api/models/config.
type UpdateModelConfigRequest struct {
	ModelMapping map[string]string `json:"modelMapping"`
}

// UpdateModelConfig handles POST /api/models/config.
func (h *ConfigHandler) UpdateModelConfig(c *gin.Context) {
	var req UpdateModelConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Invalid request body"})
		return
	}

	if err := h.cfg.Update(map[string]interface{}{"modelMapping": req.ModelMapping}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "modelMapping": h.cfg.ModelMapping})
}
