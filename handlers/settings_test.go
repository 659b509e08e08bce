package handlers

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonata/config"
	"sonata/logging"
)

func newSettingsRouter(t *testing.T) (*gin.Engine, config.Settings, string) {
	t.Helper()

	settings := config.Default()
	settings.DownloadDir = t.TempDir()
	settings.CacheDir = t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "config.toml")

	h := NewSettingsHandler(settings, cfgPath, nil, logging.Discard())

	router := gin.New()
	router.GET("/api/settings", h.GetSettings)
	router.POST("/api/settings", h.UpdateSettings)
	return router, settings, cfgPath
}

func TestGetSettings(t *testing.T) {
	router, settings, _ := newSettingsRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, settings.DownloadDir, body["DownloadDir"])
	assert.Equal(t, float64(settings.Concurrency), body["Concurrency"])
}

func TestUpdateSettingsPersists(t *testing.T) {
	router, settings, cfgPath := newSettingsRouter(t)

	update := gin.H{
		"DownloadDir":    settings.DownloadDir,
		"Quality":        2,
		"DownloadLyrics": false,
	}
	rec := doJSON(t, router, http.MethodPost, "/api/settings", update)
	require.Equal(t, http.StatusOK, rec.Code)

	// The merged settings round-trip through the config file.
	loaded, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, settings.DownloadDir, loaded.DownloadDir)
	assert.EqualValues(t, 2, loaded.Quality)
	assert.False(t, loaded.DownloadLyrics)
	// Fields absent from the request keep their previous values.
	assert.Equal(t, settings.Concurrency, loaded.Concurrency)

	rec = doJSON(t, router, http.MethodGet, "/api/settings", nil)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 2, body["Quality"])
}

func TestUpdateSettingsRejectsInvalid(t *testing.T) {
	router, _, cfgPath := newSettingsRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/settings", gin.H{"Concurrency": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/settings", gin.H{"Quality": 9})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Nothing was written for rejected updates.
	_, err := config.Load(cfgPath)
	require.NoError(t, err)
	rec = doJSON(t, router, http.MethodGet, "/api/settings", nil)
	body := decodeBody(t, rec)
	assert.NotEqual(t, float64(0), body["Concurrency"])
}

func TestUpdateSettingsAdjustsConcurrency(t *testing.T) {
	settings := config.Default()
	settings.DownloadDir = t.TempDir()
	settings.CacheDir = t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "config.toml")

	_, coordinator, _ := newTestRouter(t)

	h := NewSettingsHandler(settings, cfgPath, coordinator, logging.Discard())
	r := gin.New()
	r.POST("/api/settings", h.UpdateSettings)

	update := gin.H{"Concurrency": 5}
	rec := doJSON(t, r, http.MethodPost, "/api/settings", update)
	require.Equal(t, http.StatusOK, rec.Code)
}
