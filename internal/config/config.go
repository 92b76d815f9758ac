// Package config loads xflow settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all configuration values.
type Config struct {
	// Pipeline server
	APIURL        string        `validate:"required,url"`
	WSURL         string        `validate:"required,url"`
	ClientTimeout time.Duration `validate:"gt=0"`

	// Live connection reconnect backoff
	ReconnectMin time.Duration `validate:"gt=0"`
	ReconnectMax time.Duration `validate:"gtefield=ReconnectMin"`

	// Local state
	StateDB string `validate:"required"`

	// Optional YAML stage table overriding the built-in one
	PipelineConfig string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	apiURL := strings.TrimRight(getEnv("XFLOW_API_URL", "http://localhost:8000"), "/")
	return Config{
		APIURL:        apiURL,
		WSURL:         strings.TrimRight(getEnv("XFLOW_WS_URL", wsFromHTTP(apiURL)), "/"),
		ClientTimeout: getDuration("XFLOW_CLIENT_TIMEOUT", 2*time.Minute),

		ReconnectMin: getDuration("XFLOW_RECONNECT_MIN", 500*time.Millisecond),
		ReconnectMax: getDuration("XFLOW_RECONNECT_MAX", 10*time.Second),

		StateDB:        getEnv("XFLOW_STATE_DB", defaultStateDB()),
		PipelineConfig: getEnv("XFLOW_PIPELINE_CONFIG", ""),

		LogFile:  getEnv("XFLOW_LOG_FILE", "/tmp/xflow.log"),
		LogLevel: parseLogLevel(getEnv("XFLOW_LOG_LEVEL", "INFO")),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks URLs, durations and paths.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://") {
		return fmt.Errorf("invalid config: XFLOW_WS_URL must use ws:// or wss://, got %q", c.WSURL)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func wsFromHTTP(u string) string {
	u = strings.Replace(u, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}

func defaultStateDB() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "xflow", "state.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "xflow", "state.db")
	}
	return filepath.Join(home, ".local", "state", "xflow", "state.db")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
