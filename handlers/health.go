package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sonata/config"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	settings config.Settings
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(settings config.Settings) *HealthHandler {
	return &HealthHandler{settings: settings}
}

// HealthCheck returns the health status of the service.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "sonata",
		"version":   "1.0.0",
		"timestamp": time.Now().Unix(),
	})
}

// APIStatus returns the status of the API.
func (h *HealthHandler) APIStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":           "Sonata API is running",
		"download_location": h.settings.DownloadDir,
	})
}
