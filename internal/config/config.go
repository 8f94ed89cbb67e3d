package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables. Loaded once in main and passed
// down as an immutable snapshot; nothing reads the environment after that.
type Config struct {
	DownloadPath string `envconfig:"DOWNLOAD_PATH" required:"true"`

	ProjectsFile string `envconfig:"PROJECTS_FILE" default:"projects.json"`
	ProjectsURL  string `envconfig:"PROJECTS_URL"`
	CentralURL   string `envconfig:"CENTRAL_URL"`

	Retries        int   `envconfig:"RETRIES" default:"2"`
	MaxParallel    int   `envconfig:"MAX_PARALLEL" default:"3"`
	BandwidthLimit int64 `envconfig:"BANDWIDTH_LIMIT"` // bytes/sec, 0 = unlimited
	BandwidthBurst int64 `envconfig:"BANDWIDTH_BURST" default:"262144"`

	Proxy     string `envconfig:"PROXY"`
	AuthToken string `envconfig:"AUTH_TOKEN"`

	ValidateCacheTTL    time.Duration `envconfig:"VALIDATE_CACHE_TTL" default:"1h"`
	ValidationCacheFile string        `envconfig:"VALIDATION_CACHE_FILE" default:"validation_cache.json"`

	PollInterval time.Duration `envconfig:"DAEMON_POLL_INTERVAL" default:"5m"`
	WebhookURL   string        `envconfig:"WEBHOOK_URL"`
	DBPath       string        `envconfig:"DB_PATH" default:"downloads.db"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"project_downloader"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8484"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.Retries < 0 {
		return nil, fmt.Errorf("RETRIES must not be negative, got %d", cfg.Retries)
	}

	if cfg.MaxParallel < 1 {
		return nil, fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", cfg.MaxParallel)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
