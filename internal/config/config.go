// Package config provides configuration management for loom.
//
// Runtime configuration is parsed from CLI flags with sensible defaults and
// passed to components during initialization. User preferences (server
// address, upload limits, theme, language) live in a YAML settings file;
// see Settings.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
)

const (
	// Version is the loom application version
	Version = "0.1.0"

	// Default values for CLI flags
	defaultPort                 = 8080
	defaultLogLevel             = "info"
	defaultWorkflowDir          = "workflows"
	defaultHistoryPollInterval  = 3 * time.Second
	defaultQueuePollInterval    = 2 * time.Second
	defaultStatusPollInterval   = 3 * time.Second
	defaultReconnectBase        = time.Second
	defaultReconnectCap         = 10 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultPingTimeout          = 5 * time.Second
	defaultRequestTimeout       = 10 * time.Second

	// Validation constraints
	minPort         = 1024
	maxPort         = 65535
	minPollInterval = 100 * time.Millisecond
	maxAttempts     = 100

	settingsFileName = "settings.yaml"
	historyDirName   = "history"
)

var (
	// ErrInvalidPort is returned when port is out of valid range
	ErrInvalidPort = errors.New("port must be between 1024 and 65535")
	// ErrInvalidLogLevel is returned when log level is not recognized
	ErrInvalidLogLevel = errors.New("log-level must be one of: debug, info, warn, error")
	// ErrInvalidPollInterval is returned when a poll interval is too short
	ErrInvalidPollInterval = errors.New("poll intervals must be at least 100ms")
	// ErrInvalidBackoff is returned when reconnect delays are inconsistent
	ErrInvalidBackoff = errors.New("reconnect base delay must be positive and not exceed the cap")
	// ErrInvalidAttempts is returned when the reconnect budget is out of range
	ErrInvalidAttempts = errors.New("reconnect attempts must be between 1 and 100")
	// ErrInvalidTimeout is returned when a request timeout is not positive
	ErrInvalidTimeout = errors.New("timeouts must be positive")
	// ErrMissingDataDir is returned when no data directory can be determined
	ErrMissingDataDir = errors.New("data directory is not set")
)

// Config holds the runtime configuration of a loom process.
type Config struct {
	// Server configuration
	Port int

	// Server overrides the saved server address for this process only.
	Server string

	// Storage locations
	DataDir     string
	WorkflowDir string

	// Tracking cadence
	HistoryPollInterval time.Duration
	QueuePollInterval   time.Duration
	StatusPollInterval  time.Duration

	// Channel reconnect policy
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int

	// HTTP timeouts
	PingTimeout    time.Duration
	RequestTimeout time.Duration

	// Logging configuration
	LogLevel string
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Port:                 defaultPort,
		DataDir:              DefaultDataDir(),
		WorkflowDir:          defaultWorkflowDir,
		HistoryPollInterval:  defaultHistoryPollInterval,
		QueuePollInterval:    defaultQueuePollInterval,
		StatusPollInterval:   defaultStatusPollInterval,
		ReconnectBase:        defaultReconnectBase,
		ReconnectCap:         defaultReconnectCap,
		MaxReconnectAttempts: defaultMaxReconnectAttempts,
		PingTimeout:          defaultPingTimeout,
		RequestTimeout:       defaultRequestTimeout,
		LogLevel:             defaultLogLevel,
	}
}

// DefaultDataDir returns $XDG_CONFIG_HOME/loom (or the platform equivalent).
// It returns "" when no user config directory is available.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "loom")
}

// BindFlags registers the persistent flags shared by every command.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Server, "server", c.Server, "Job server address (overrides saved settings)")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "Directory for settings and history")
	fs.StringVar(&c.WorkflowDir, "workflows", c.WorkflowDir, "Workflow catalog directory")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")

	fs.DurationVar(&c.HistoryPollInterval, "history-poll", c.HistoryPollInterval, "History poll interval while a job runs")
	fs.DurationVar(&c.QueuePollInterval, "queue-poll", c.QueuePollInterval, "Queue position poll interval")
	fs.DurationVar(&c.StatusPollInterval, "status-poll", c.StatusPollInterval, "Queue status poll interval while connected")
	fs.DurationVar(&c.ReconnectBase, "reconnect-base", c.ReconnectBase, "First reconnect delay")
	fs.DurationVar(&c.ReconnectCap, "reconnect-cap", c.ReconnectCap, "Largest reconnect delay")
	fs.IntVar(&c.MaxReconnectAttempts, "reconnect-attempts", c.MaxReconnectAttempts, "Reconnect attempts before giving up")
	fs.DurationVar(&c.PingTimeout, "ping-timeout", c.PingTimeout, "Server liveness check timeout")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "Timeout for each poll request")
}

// Validate checks that all configuration values are within valid ranges.
func (c *Config) Validate() error {
	if c.Port < minPort || c.Port > maxPort {
		return ErrInvalidPort
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}

	for _, d := range []time.Duration{c.HistoryPollInterval, c.QueuePollInterval, c.StatusPollInterval} {
		if d < minPollInterval {
			return ErrInvalidPollInterval
		}
	}

	if c.ReconnectBase <= 0 || c.ReconnectCap < c.ReconnectBase {
		return ErrInvalidBackoff
	}

	if c.MaxReconnectAttempts < 1 || c.MaxReconnectAttempts > maxAttempts {
		return ErrInvalidAttempts
	}

	if c.PingTimeout <= 0 || c.RequestTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.DataDir == "" {
		return ErrMissingDataDir
	}

	return nil
}

// SettingsPath is the location of the YAML settings file.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, settingsFileName)
}

// HistoryDir is the location of the history database.
func (c *Config) HistoryDir() string {
	return filepath.Join(c.DataDir, historyDirName)
}
