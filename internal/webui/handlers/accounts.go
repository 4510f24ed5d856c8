// Package handlers provides HTTP handlers for the admin surface.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/antigravity-proxy-go/internal/account"
	"github.com/poemonsense/antigravity-proxy-go/internal/auth"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/errors"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/accountstore"
)

// AccountsHandler handles account-related admin API endpoints.
type AccountsHandler struct {
	pool *account.Pool
	cfg  *config.Config
	// OAuth state storage (state -> flow data)
	pendingOAuthFlows map[string]*OAuthFlowData
}

// OAuthFlowData represents a pending OAuth flow.
type OAuthFlowData struct {
	Verifier       string
	State          string
	CallbackServer *auth.CallbackServer
	Timestamp      int64
}

// NewAccountsHandler creates a new AccountsHandler.
func NewAccountsHandler(pool *account.Pool, cfg *config.Config) *AccountsHandler {
	return &AccountsHandler{
		pool:              pool,
		cfg:               cfg,
		pendingOAuthFlows: make(map[string]*OAuthFlowData),
	}
}

// ListAccounts handles GET /api/accounts.
func (h *AccountsHandler) ListAccounts(c *gin.Context) {
	status := h.pool.GetStatus()

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"accounts": status.Accounts,
		"summary": gin.H{
			"total":       status.Total,
			"available":   status.Available,
			"rateLimited": status.RateLimited,
			"invalid":     status.Invalid,
		},
	})
}

// RefreshAccount handles POST /api/accounts/:email/refresh.
func (h *AccountsHandler) RefreshAccount(c *gin.Context) {
	email := c.Param("email")

	if err := h.pool.ClearTokenCache(email); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Token cache cleared for " + email,
	})
}

// ToggleAccountRequest represents the request body for toggling an account.
type ToggleAccountRequest struct {
	Enabled bool `json:"enabled"`
}

// ToggleAccount handles POST /api/accounts/:email/toggle.
func (h *AccountsHandler) ToggleAccount(c *gin.Context) {
	email := c.Param("email")

	var req ToggleAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "enabled must be a boolean"})
		return
	}

	if err := h.pool.SetEnabled(email, req.Enabled); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": err.Error()})
		return
	}

	status := "enabled"
	if !req.Enabled {
		status = "disabled"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Account " + email + " " + status,
	})
}

// DeleteAccount handles DELETE /api/accounts/:email.
func (h *AccountsHandler) DeleteAccount(c *gin.Context) {
	email := c.Param("email")

	if err := h.pool.Delete(email); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": err.Error()})
		return
	}

	utils.Info("[admin] account %s removed", email)

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Account " + email + " removed",
	})
}

// UpdateAccountRequest represents the request body for a partial account
// update. The hybrid strategy's quota threshold is a single process-wide
// value, so this endpoint only patches the per-account fields the pool
// actually tracks.
type UpdateAccountRequest struct {
	Enabled    *bool  `json:"enabled"`
	Revalidate bool   `json:"revalidate"`
	Reason     string `json:"invalidReason"`
}

// UpdateAccount handles PATCH /api/accounts/:email.
func (h *AccountsHandler) UpdateAccount(c *gin.Context) {
	email := c.Param("email")

	var req UpdateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Invalid request body"})
		return
	}

	if req.Revalidate {
		if err := h.pool.Revalidate(email); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": err.Error()})
			return
		}
	}

	if req.Enabled != nil {
		if err := h.pool.SetEnabled(email, *req.Enabled); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": err.Error()})
			return
		}
	}

	if req.Reason != "" {
		h.pool.MarkInvalid(email, req.Reason)
	}

	utils.Info("[admin] account %s updated", email)

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Account " + email + " updated",
	})
}

// ReloadAccounts handles POST /api/accounts/reload.
func (h *AccountsHandler) ReloadAccounts(c *gin.Context) {
	if err := h.pool.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	status := h.pool.GetStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Accounts reloaded from disk",
		"summary": gin.H{"total": status.Total, "available": status.Available},
	})
}

// ResetRateLimits handles POST /api/accounts/reset-rate-limits.
func (h *AccountsHandler) ResetRateLimits(c *gin.Context) {
	h.pool.ResetAllRateLimits()

	status := h.pool.GetStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Rate limit cooldowns cleared",
		"summary": gin.H{"total": status.Total, "available": status.Available},
	})
}

// ExportAccounts handles GET /api/accounts/export.
func (h *AccountsHandler) ExportAccounts(c *gin.Context) {
	status := h.pool.GetStatus()

	exportData := make([]gin.H, 0, len(status.Accounts))
	for _, acc := range status.Accounts {
		essential := gin.H{"email": acc.Email}
		if acc.RefreshToken != "" {
			essential["refresh_token"] = acc.RefreshToken
		}
		if acc.APIKey != "" {
			essential["api_key"] = acc.APIKey
		}
		exportData = append(exportData, essential)
	}

	c.JSON(http.StatusOK, exportData)
}

// ImportAccountsRequest represents the request body for importing accounts.
type ImportAccountsRequest struct {
	Accounts []ImportAccountData `json:"accounts"`
}

// ImportAccountData represents a single account to import.
type ImportAccountData struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refresh_token"`
	RefreshTok   string `json:"refreshToken"` // camelCase variant
	APIKey       string `json:"api_key"`
	ApiKey       string `json:"apiKey"` // camelCase variant
}

// ImportAccounts handles POST /api/accounts/import.
func (h *AccountsHandler) ImportAccounts(c *gin.Context) {
	var rawData interface{}
	if err := c.ShouldBindJSON(&rawData); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Invalid JSON"})
		return
	}

	var importAccounts []map[string]interface{}

	switch data := rawData.(type) {
	case []interface{}:
		for _, item := range data {
			if m, ok := item.(map[string]interface{}); ok {
				importAccounts = append(importAccounts, m)
			}
		}
	case map[string]interface{}:
		if accounts, ok := data["accounts"].([]interface{}); ok {
			for _, item := range accounts {
				if m, ok := item.(map[string]interface{}); ok {
					importAccounts = append(importAccounts, m)
				}
			}
		}
	}

	if len(importAccounts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "accounts must be a non-empty array"})
		return
	}

	status := h.pool.GetStatus()
	existingEmails := make(map[string]bool, len(status.Accounts))
	for _, acc := range status.Accounts {
		existingEmails[acc.Email] = true
	}

	added := []string{}
	updated := []string{}
	failed := []gin.H{}

	for _, accData := range importAccounts {
		email, _ := accData["email"].(string)
		if email == "" {
			failed = append(failed, gin.H{"email": "unknown", "reason": "Missing email"})
			continue
		}

		refreshToken, _ := accData["refresh_token"].(string)
		if refreshToken == "" {
			refreshToken, _ = accData["refreshToken"].(string)
		}
		apiKey, _ := accData["api_key"].(string)
		if apiKey == "" {
			apiKey, _ = accData["apiKey"].(string)
		}

		if refreshToken == "" && apiKey == "" {
			failed = append(failed, gin.H{"email": email, "reason": "Missing refresh_token or api_key"})
			continue
		}

		exists := existingEmails[email]

		source := accountstore.SourceOAuth
		if apiKey != "" {
			source = accountstore.SourceManual
		}

		newAcc := &accountstore.Account{
			Email:        email,
			Source:       source,
			RefreshToken: refreshToken,
			APIKey:       apiKey,
			Enabled:      true,
		}

		if err := h.pool.AddOrReplace(newAcc); err != nil {
			reason := err.Error()
			if gw, ok := err.(*errors.GatewayError); ok && gw.Kind == errors.KindCapacityExceeded {
				reason = gw.Message
			}
			failed = append(failed, gin.H{"email": email, "reason": reason})
			continue
		}

		if exists {
			updated = append(updated, email)
		} else {
			added = append(added, email)
		}
	}

	utils.Info("[admin] import complete: %d added, %d updated, %d failed", len(added), len(updated), len(failed))

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"results": gin.H{
			"added":   added,
			"updated": updated,
			"failed":  failed,
		},
	})
}

// GetAuthURL handles GET /api/auth/url.
func (h *AccountsHandler) GetAuthURL(c *gin.Context) {
	now := time.Now().UnixMilli()
	for key, val := range h.pendingOAuthFlows {
		if now-val.Timestamp > 10*60*1000 {
			delete(h.pendingOAuthFlows, key)
		}
	}

	result, err := auth.GetAuthorizationURL("")
	if err != nil {
		utils.Error("[admin] error generating auth URL: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	callbackServer := auth.NewCallbackServer(result.State, 120000)

	h.pendingOAuthFlows[result.State] = &OAuthFlowData{
		Verifier:       result.Verifier,
		State:          result.State,
		CallbackServer: callbackServer,
		Timestamp:      now,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		code, err := callbackServer.Start(ctx)
		if err != nil {
			if err != context.Canceled && err != context.DeadlineExceeded {
				utils.Error("[admin] OAuth callback server error: %v", err)
			}
			delete(h.pendingOAuthFlows, result.State)
			return
		}

		utils.Info("[admin] received OAuth callback, completing flow...")
		accountData, err := auth.CompleteOAuthFlow(ctx, code, result.Verifier)
		if err != nil {
			utils.Error("[admin] OAuth flow completion error: %v", err)
			delete(h.pendingOAuthFlows, result.State)
			return
		}

		newAcc := &accountstore.Account{
			Email:        accountData.Email,
			RefreshToken: accountData.RefreshToken,
			ProjectID:    accountData.ProjectID,
			Source:       accountstore.SourceOAuth,
			Enabled:      true,
			AddedAt:      time.Now().UnixMilli(),
		}

		if err := h.pool.AddOrReplace(newAcc); err != nil {
			utils.Error("[admin] failed to add account: %v", err)
		} else {
			utils.Success("[admin] account %s added successfully", accountData.Email)
		}

		delete(h.pendingOAuthFlows, result.State)
	}()

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"url":    result.URL,
		"state":  result.State,
	})
}

// CompleteOAuthRequest represents the request body for completing OAuth.
type CompleteOAuthRequest struct {
	CallbackInput string `json:"callbackInput"`
	State         string `json:"state"`
}

// CompleteOAuth handles POST /api/auth/complete.
func (h *AccountsHandler) CompleteOAuth(c *gin.Context) {
	var req CompleteOAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Missing callbackInput or state"})
		return
	}

	if req.CallbackInput == "" || req.State == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Missing callbackInput or state"})
		return
	}

	flowData, ok := h.pendingOAuthFlows[req.State]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"status": "error",
			"error":  "OAuth flow not found. The account may have been already added via auto-callback. Please refresh the account list.",
		})
		return
	}

	codeResult, err := auth.ExtractCodeFromInput(req.CallbackInput)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	accountData, err := auth.CompleteOAuthFlow(ctx, codeResult.Code, flowData.Verifier)
	if err != nil {
		utils.Error("[admin] manual OAuth completion error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	newAcc := &accountstore.Account{
		Email:        accountData.Email,
		RefreshToken: accountData.RefreshToken,
		ProjectID:    accountData.ProjectID,
		Source:       accountstore.SourceOAuth,
		Enabled:      true,
		AddedAt:      time.Now().UnixMilli(),
	}

	if err := h.pool.AddOrReplace(newAcc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	if flowData.CallbackServer != nil {
		flowData.CallbackServer.Abort()
	}

	delete(h.pendingOAuthFlows, req.State)

	utils.Success("[admin] account %s added via manual callback", accountData.Email)

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"email":   accountData.Email,
		"message": "Account " + accountData.Email + " added successfully",
	})
}
