// Package config provides environment-based configuration for the media
// ingestion server.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/GyroZepelix/mithril-media/internal/media"
)

// ErrConfigurationMissing is returned by Validate when a required value is
// absent. Required values are never defaulted.
var ErrConfigurationMissing = media.ErrConfigurationMissing

// Config holds all configuration values for the media server.
type Config struct {
	// Port is the HTTP server port. Default: 8080.
	Port int

	// DatabaseURL is the PostgreSQL connection string. Optional; when set,
	// media events are written to the audit log.
	DatabaseURL string

	// StorageRoot is the directory under which uploads are stored. Default: ./uploads
	StorageRoot string

	// APIBaseURL is the public origin prefixed to every media URL.
	// Example: https://api.example.com
	APIBaseURL string

	// MinFreeMB is the free space required before an upload is admitted. Default: 500.
	MinFreeMB uint64

	// PolicyFile is an optional YAML file overriding the intake policy.
	PolicyFile string

	// OptimizerEnabled turns image re-encoding on. Default: true.
	OptimizerEnabled bool

	// MaxWidth and JPEGQuality control image re-encoding. Defaults: 1920, 80.
	MaxWidth    int
	JPEGQuality int

	// IngestConcurrency bounds the files processed in parallel per request. Default: 4.
	IngestConcurrency int

	// JanitorSchedule is the cron expression for the temp file sweep. Default: @every 1h.
	// An empty value disables the janitor.
	JanitorSchedule string

	// TempMaxAge is how old a temp file must be before the janitor removes it. Default: 24h.
	TempMaxAge time.Duration

	// CORSAllowedOrigins lists origins allowed to call the API.
	CORSAllowedOrigins []string

	// DevMode enables debug logging and permissive local CORS origins. Default: false.
	DevMode bool

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string
}

// LoadDotEnv loads variables from a .env file in the working directory, if
// one exists. Variables already set in the environment take precedence.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied for optional values.
func Load() *Config {
	return &Config{
		Port:               getEnvInt("PORT", 8080),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		StorageRoot:        getEnv("STORAGE_ROOT", "./uploads"),
		APIBaseURL:         getEnv("API_BASE_URL", ""),
		MinFreeMB:          uint64(max(getEnvInt("MEDIA_MIN_FREE_MB", 500), 0)),
		PolicyFile:         getEnv("MEDIA_POLICY_FILE", ""),
		OptimizerEnabled:   getEnvBool("MEDIA_OPTIMIZER_ENABLED", true),
		MaxWidth:           getEnvInt("MEDIA_MAX_WIDTH", 1920),
		JPEGQuality:        getEnvInt("MEDIA_JPEG_QUALITY", 80),
		IngestConcurrency:  getEnvInt("MEDIA_INGEST_CONCURRENCY", 4),
		JanitorSchedule:    getEnvOrUnset("MEDIA_JANITOR_SCHEDULE", "@every 1h"),
		TempMaxAge:         getEnvDuration("MEDIA_TEMP_MAX_AGE", 24*time.Hour),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		DevMode:            getEnvBool("DEV_MODE", false),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}
}

// Validate checks required values and ranges. It is called by every command
// that builds the media pipeline.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("%w: API_BASE_URL is required", ErrConfigurationMissing)
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_BASE_URL %q must be an absolute http(s) URL", c.APIBaseURL)
	}
	if strings.TrimSpace(c.StorageRoot) == "" {
		return fmt.Errorf("%w: STORAGE_ROOT is required", ErrConfigurationMissing)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("MEDIA_JPEG_QUALITY %d must be between 1 and 100", c.JPEGQuality)
	}
	if c.MaxWidth <= 0 {
		return fmt.Errorf("MEDIA_MAX_WIDTH %d must be positive", c.MaxWidth)
	}
	if c.IngestConcurrency <= 0 {
		return fmt.Errorf("MEDIA_INGEST_CONCURRENCY %d must be positive", c.IngestConcurrency)
	}
	if c.TempMaxAge <= 0 {
		return fmt.Errorf("MEDIA_TEMP_MAX_AGE %s must be positive", c.TempMaxAge)
	}
	return nil
}

// SlogLevel returns the configured log level. DevMode always logs at debug.
func (c *Config) SlogLevel() slog.Level {
	if c.DevMode {
		return slog.LevelDebug
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnv returns the value of the environment variable named by key,
// or the provided default if the variable is unset or empty.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns the value of the environment variable named by key
// parsed as an integer, or the provided default if the variable is unset,
// empty, or not a valid integer.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid integer for env var, using default",
			"key", key,
			"value", val,
			"default", defaultVal,
			"error", err,
		)
		return defaultVal
	}
	return n
}

// getEnvBool returns the value of the environment variable named by key
// parsed as a boolean, or the provided default if the variable is unset,
// empty, or not a valid boolean.
func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("invalid boolean for env var, using default",
			"key", key,
			"value", val,
			"default", defaultVal,
			"error", err,
		)
		return defaultVal
	}
	return b
}

// getEnvOrUnset is like getEnv, but a variable explicitly set to the empty
// string yields the empty string.
func getEnvOrUnset(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(val)
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("invalid duration for env var, using default",
			"key", key,
			"value", val,
			"default", defaultVal.String(),
			"error", err,
		)
		return defaultVal
	}
	return d
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
