package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonata/types"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)

	defaults := Default()
	assert.Equal(t, defaults.Concurrency, cfg.Concurrency)
	assert.Equal(t, defaults.Quality, cfg.Quality)
	assert.Equal(t, defaults.PathTemplate, cfg.PathTemplate)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DownloadDir = "/music"
	cfg.Quality = types.QualityFLAC
	cfg.Concurrency = 4
	cfg.DownloadLyrics = false
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/music", loaded.DownloadDir)
	assert.Equal(t, types.QualityFLAC, loaded.Quality)
	assert.Equal(t, 4, loaded.Concurrency)
	assert.False(t, loaded.DownloadLyrics)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("SONATA_DOWNLOADS", "/elsewhere")
	t.Setenv("SERVER_PORT", "9999")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere", cfg.DownloadDir)
	assert.Equal(t, 9999, cfg.APIPort)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Quality = 9
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DownloadDir = ""
	assert.Error(t, cfg.Validate())
}

func TestTagFieldEnabled(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.TagFieldEnabled("title"))
	assert.False(t, cfg.TagFieldEnabled("bpm"))
}
