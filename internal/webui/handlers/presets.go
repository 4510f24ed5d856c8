package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
)

// ServerPreset is a named, saved server configuration snapshot (strategy,
// fallback, model mapping) the admin UI can switch between.
type ServerPreset struct {
	Name      string            `json:"name"`
	Strategy  string            `json:"strategy"`
	Fallback  bool              `json:"fallback"`
	Models    map[string]string `json:"models,omitempty"`
	UpdatedAt int64             `json:"updatedAt"`
}

// PresetsHandler handles the server-preset read/write admin endpoints.
// Presets are persisted as a single JSON document under DataDir, matching
// the config package's own flat-file convention.
type PresetsHandler struct {
	path string

	mu      sync.Mutex
	presets map[string]*ServerPreset
}

// NewPresetsHandler creates a PresetsHandler rooted at cfg.DataDir/presets.json.
func NewPresetsHandler(cfg *config.Config) *PresetsHandler {
	h := &PresetsHandler{
		path:    filepath.Join(cfg.DataDir, "presets.json"),
		presets: make(map[string]*ServerPreset),
	}
	h.load()
	return h
}

func (h *PresetsHandler) load() {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return
	}
	var list []*ServerPreset
	if err := json.Unmarshal(data, &list); err != nil {
		return
	}
	for _, p := range list {
		h.presets[p.Name] = p
	}
}

func (h *PresetsHandler) saveLocked() error {
	list := make([]*ServerPreset, 0, len(h.presets))
	for _, p := range h.presets {
		list = append(list, p)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(h.path, data, 0o644)
}

// ListPresets handles GET /api/server/presets.
func (h *PresetsHandler) ListPresets(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := make([]*ServerPreset, 0, len(h.presets))
	for _, p := range h.presets {
		list = append(list, p)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "presets": list})
}

// CreatePreset handles POST /api/server/presets.
func (h *PresetsHandler) CreatePreset(c *gin.Context) {
	var preset ServerPreset
	if err := c.ShouldBindJSON(&preset); err != nil || preset.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "name is required"})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	preset.UpdatedAt = time.Now().UnixMilli()
	h.presets[preset.Name] = &preset
	if err := h.saveLocked(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "preset": preset})
}

// UpdatePreset handles PATCH /api/server/presets/:name.
func (h *PresetsHandler) UpdatePreset(c *gin.Context) {
	name := c.Param("name")

	h.mu.Lock()
	defer h.mu.Unlock()

	existing, ok := h.presets[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "preset not found"})
		return
	}

	var patch ServerPreset
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "Invalid request body"})
		return
	}

	if patch.Strategy != "" {
		existing.Strategy = patch.Strategy
	}
	existing.Fallback = patch.Fallback
	if patch.Models != nil {
		existing.Models = patch.Models
	}
	existing.UpdatedAt = time.Now().UnixMilli()

	if err := h.saveLocked(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "preset": existing})
}

// DeletePreset handles DELETE /api/server/presets/:name.
func (h *PresetsHandler) DeletePreset(c *gin.Context) {
	name := c.Param("name")

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.presets[name]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "preset not found"})
		return
	}
	delete(h.presets, name)
	if err := h.saveLocked(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
