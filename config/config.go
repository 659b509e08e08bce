package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"sonata/types"
)

// Settings is the immutable configuration snapshot consumed by the
// coordinator and workers. Workers receive it by value at task start;
// changing settings never mutates a copy a running worker holds.
type Settings struct {
	DownloadDir        string        `toml:"download_dir"`
	CacheDir           string        `toml:"cache_dir"`
	LogDir             string        `toml:"log_dir"`
	Concurrency        int           `toml:"concurrency"`
	Quality            types.Quality `toml:"quality"`
	PathTemplate       string        `toml:"path_template"`
	ArtistSeparator    string        `toml:"artist_separator"`
	AlbumArtResolution int           `toml:"album_art_resolution"`
	OverwriteExisting  bool          `toml:"overwrite_existing"`
	DownloadLyrics     bool          `toml:"download_lyrics"`
	AlbumCoverFile     bool          `toml:"album_cover_file"`
	EnabledTagFields   []string      `toml:"enabled_tag_fields"`
	APIPort            int           `toml:"api_port"`
	GatewayPort        int           `toml:"gateway_port"`
	APIEndpoint        string        `toml:"api_endpoint"`
	MediaEndpoint      string        `toml:"media_endpoint"`
	LogLevel           string        `toml:"log_level"`
}

// Default returns the settings used when no config file exists yet.
func Default() Settings {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Settings{
		DownloadDir:        filepath.Join(home, "Music", "Sonata"),
		CacheDir:           filepath.Join(home, ".sonata", "cache"),
		LogDir:             filepath.Join(home, ".sonata", "logs"),
		Concurrency:        2,
		Quality:            types.QualityMP3320,
		PathTemplate:       "%artist%/%album%/%0track% - %title%",
		ArtistSeparator:    ", ",
		AlbumArtResolution: 1200,
		OverwriteExisting:  false,
		DownloadLyrics:     true,
		AlbumCoverFile:     true,
		EnabledTagFields: []string{
			"title", "album", "artist", "albumArtist",
			"trackNumber", "diskNumber", "date",
		},
		APIPort:       8080,
		GatewayPort:   8889,
		APIEndpoint:   "https://api.deezer.com",
		MediaEndpoint: "https://media.deezer.com/v1/get_url",
		LogLevel:      "info",
	}
}

// Path returns the config file location, honoring SONATA_CONFIG.
func Path() string {
	if p := os.Getenv("SONATA_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".sonata", "config.toml")
}

// Load reads settings from the config file, falling back to defaults for a
// missing file, then applies environment overrides.
func Load(path string) (Settings, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// First run: defaults plus env overrides.
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the settings back to the config file.
func Save(path string, cfg Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func applyEnv(cfg *Settings) {
	if v := os.Getenv("SONATA_DOWNLOADS"); v != "" {
		cfg.DownloadDir = v
	}
	if v := os.Getenv("SONATA_API_ENDPOINT"); v != "" {
		cfg.APIEndpoint = v
	}
	if v := os.Getenv("SONATA_MEDIA_ENDPOINT"); v != "" {
		cfg.MediaEndpoint = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = port
		}
	}
}

// Validate rejects settings the pipeline cannot run with.
func (s Settings) Validate() error {
	if s.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be at least 1, got %d", s.Concurrency)
	}
	if s.Quality < types.QualityMP3128 || s.Quality > types.QualityFLAC {
		return fmt.Errorf("config: unknown quality tier %d", s.Quality)
	}
	if s.DownloadDir == "" {
		return fmt.Errorf("config: download_dir is required")
	}
	return nil
}

// EnsureDirectories creates the directories the pipeline writes to.
func (s Settings) EnsureDirectories() error {
	for _, dir := range []string{s.DownloadDir, s.CacheDir, s.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure directory %s: %w", dir, err)
		}
	}
	return nil
}

// TagFieldEnabled reports whether a tag field is in the enabled set.
func (s Settings) TagFieldEnabled(field string) bool {
	for _, f := range s.EnabledTagFields {
		if f == field {
			return true
		}
	}
	return false
}
