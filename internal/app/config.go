package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. It is loaded from a YAML
// document; every field has a default so an empty or missing file yields a
// working setup. LOG_LEVEL, LOG_FORMAT, HTTP_ADDR and REDIS_ADDR env vars
// override the file for deployment tweaks.
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	HTTPAddr string         `yaml:"http_addr"`
	Sources  SourcesConfig  `yaml:"sources"`
	Cache    CacheConfig    `yaml:"cache"`
	Playback PlaybackConfig `yaml:"playback"`
	Import   ImportConfig   `yaml:"playlist_import"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type SourcesConfig struct {
	Enabled       []string       `yaml:"enabled"`
	SearchTimeout time.Duration  `yaml:"search_timeout"`
	MaxResults    int            `yaml:"max_results"`
	Priority      map[string]int `yaml:"priority"`
	MusicDirs     []string       `yaml:"music_dirs"` // scanned by the local source
	RedisAddr     string         `yaml:"redis_addr"` // optional search-result cache
	CacheTTL      time.Duration  `yaml:"cache_ttl"`
}

type CacheConfig struct {
	MaxSizeBytes           int64         `yaml:"max_size"`
	MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads"`
	DownloadTimeout        time.Duration `yaml:"download_timeout"`
	MinAccessInterval      time.Duration `yaml:"min_access_interval"`
	AudioFormat            string        `yaml:"audio_format"`
	ExtractorPath          string        `yaml:"extractor_path"`
}

type PlaybackConfig struct {
	DefaultVolume float64 `yaml:"default_volume"`
	BufferSize    int     `yaml:"buffer_size"`
	AudioBitrate  string  `yaml:"audio_bitrate"`
}

type ImportConfig struct {
	AllowedDomains []string      `yaml:"allowed_domains"`
	MaxFileSize    int64         `yaml:"max_file_size"`
	Timeout        time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

func DefaultConfig() Config {
	return Config{
		DataDir:  "data",
		HTTPAddr: ":8080",
		Sources: SourcesConfig{
			Enabled:       []string{"bilibili", "netease", "local"},
			SearchTimeout: 10 * time.Second,
			MaxResults:    20,
			Priority: map[string]int{
				"bilibili": 20,
				"netease":  15,
				"local":    10,
			},
			CacheTTL: 5 * time.Minute,
		},
		Cache: CacheConfig{
			MaxSizeBytes:           10 << 30,
			MaxConcurrentDownloads: 3,
			DownloadTimeout:        5 * time.Minute,
			MinAccessInterval:      time.Hour,
			AudioFormat:            "opus",
			ExtractorPath:          "yt-dlp",
		},
		Playback: PlaybackConfig{
			DefaultVolume: 0.5,
			BufferSize:    1024,
			AudioBitrate:  "128k",
		},
		Import: ImportConfig{
			AllowedDomains: []string{
				"github.com",
				"raw.githubusercontent.com",
				"gist.github.com",
				"gist.githubusercontent.com",
				"gitlab.com",
				"cdn.jsdelivr.net",
				"unpkg.com",
			},
			MaxFileSize: 5 << 20,
			Timeout:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads path (when it exists), merges it over the defaults and
// applies env overrides. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults only.
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Sources.RedisAddr = v
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Cache.MaxConcurrentDownloads <= 0 {
		c.Cache.MaxConcurrentDownloads = 3
	}
	if c.Cache.MaxSizeBytes <= 0 {
		c.Cache.MaxSizeBytes = 10 << 30
	}
	if c.Import.MaxFileSize <= 0 {
		c.Import.MaxFileSize = 5 << 20
	}
	if c.Import.Timeout <= 0 {
		c.Import.Timeout = 30 * time.Second
	}
	if c.Sources.SearchTimeout <= 0 {
		c.Sources.SearchTimeout = 10 * time.Second
	}
	if c.Sources.MaxResults <= 0 {
		c.Sources.MaxResults = 20
	}
	if c.Playback.DefaultVolume < 0 || c.Playback.DefaultVolume > 1 {
		c.Playback.DefaultVolume = 0.5
	}
}

// Validate rejects configurations that cannot produce a working service.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	if len(c.Sources.Enabled) == 0 {
		return fmt.Errorf("at least one source must be enabled")
	}
	for _, domain := range c.Import.AllowedDomains {
		if strings.TrimSpace(domain) == "" {
			return fmt.Errorf("playlist_import.allowed_domains contains an empty entry")
		}
	}
	return nil
}

// Deployment directory layout (spec'd relative to DataDir).

func (c Config) CacheDir() string     { return filepath.Join(c.DataDir, "audio_cache") }
func (c Config) StorePath() string    { return filepath.Join(c.DataDir, "botplayer.db") }
func (c Config) PluginsDir() string   { return filepath.Join(c.DataDir, "plugins") }
func (c Config) PlaylistsDir() string { return filepath.Join(c.DataDir, "playlists") }
