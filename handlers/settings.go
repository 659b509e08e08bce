package handlers

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gin-gonic/gin"

	"sonata/config"
	"sonata/services"
)

// SettingsHandler serves and updates the persisted configuration.
type SettingsHandler struct {
	mu          sync.Mutex
	settings    config.Settings
	path        string
	coordinator *services.Coordinator
	logger      *slog.Logger
}

// NewSettingsHandler creates a settings handler around the loaded config.
func NewSettingsHandler(settings config.Settings, path string, coordinator *services.Coordinator, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{
		settings:    settings,
		path:        path,
		coordinator: coordinator,
		logger:      logger,
	}
}

// GetSettings returns the current settings.
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	h.mu.Lock()
	settings := h.settings
	h.mu.Unlock()
	c.JSON(http.StatusOK, settings)
}

// UpdateSettings validates, persists and applies new settings. Running
// workers keep the snapshot they started with; changes affect tasks picked
// up afterwards.
func (h *SettingsHandler) UpdateSettings(c *gin.Context) {
	h.mu.Lock()
	updated := h.settings
	h.mu.Unlock()

	if err := c.ShouldBindJSON(&updated); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid settings format",
			"details": err.Error(),
		})
		return
	}

	if err := updated.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid settings",
			"details": err.Error(),
		})
		return
	}
	if err := validateWritableDir(updated.DownloadDir); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid download location",
			"details": err.Error(),
		})
		return
	}

	if err := config.Save(h.path, updated); err != nil {
		h.logger.Error("save settings failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save settings"})
		return
	}

	h.mu.Lock()
	previous := h.settings
	h.settings = updated
	h.mu.Unlock()

	if updated.Concurrency != previous.Concurrency {
		h.coordinator.SetConcurrency(updated.Concurrency)
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "settings updated",
		"settings": updated,
	})
}

// validateWritableDir ensures the directory exists (creating it if needed)
// and is writable.
func validateWritableDir(path string) error {
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
	case err != nil:
		return err
	case !info.IsDir():
		return os.ErrInvalid
	}

	testFile := filepath.Join(path, ".sonata-write-test")
	file, err := os.Create(testFile)
	if err != nil {
		return err
	}
	file.Close()
	os.Remove(testFile)
	return nil
}
