package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Database  DatabaseConfig
	Logging   LoggingConfig
	Server    ServerConfig
	Network   NetworkConfig
	Sync      SyncConfig
	Gateway   GatewayConfig
	API       APIConfig
	configDir string
}

// DatabaseConfig represents the local SQLite store
type DatabaseConfig struct {
	Driver          string        // "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go)
	Path            string        // file path or ":memory:"
	JournalMode     string        // WAL recommended
	SynchronousMode string
	BusyTimeout     int // milliseconds
	CacheSize       int // negative means KiB
	ConnMaxLife     time.Duration
	QueryTimeout    time.Duration
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string // debug, info, warn, error, none
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool
	TimeFormat string
}

// ServerConfig describes the remote care-management API
type ServerConfig struct {
	URL        string        // base URL all relative request paths resolve against
	Token      string        // opaque session token sent as a bearer token
	Timeout    time.Duration // default per-request timeout
	HealthPath string        // path pinged by the network monitor
}

// NetworkConfig drives the connectivity monitor
type NetworkConfig struct {
	InitialOnline bool
	CheckInterval time.Duration // zero disables periodic checks
	VerifyTimeout time.Duration
}

// SyncConfig drives the queue processor
type SyncConfig struct {
	MaxRetries        int
	CleanupDelay      time.Duration // zero cleans up synchronously at the end of a pass
	RequestsPerMinute int           // zero means unlimited
	SyncOnReconnect   bool
	ScheduleInterval  time.Duration // zero disables scheduled passes
	StrategyFile      string        // optional YAML overrides for conflict strategies
}

// GatewayConfig holds defaults for offline-aware requests
type GatewayConfig struct {
	Timeout       time.Duration
	RetryCount    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	CacheTTL      time.Duration
	CacheGets     bool
}

// APIConfig configures the local status API
type APIConfig struct {
	Addr           string
	AllowedOrigins []string
}

// New returns a Config populated with defaults
func New() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "sqlite3",
			Path:            "caresync.db",
			JournalMode:     "WAL",
			SynchronousMode: "NORMAL",
			BusyTimeout:     5000,
			CacheSize:       -16000,
			ConnMaxLife:     5 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			AddSource:  false,
			TimeFormat: time.RFC3339,
		},
		Server: ServerConfig{
			URL:        "http://localhost:3000/api",
			Timeout:    30 * time.Second,
			HealthPath: "/health",
		},
		Network: NetworkConfig{
			InitialOnline: true,
			CheckInterval: 30 * time.Second,
			VerifyTimeout: 5 * time.Second,
		},
		Sync: SyncConfig{
			MaxRetries:      5,
			CleanupDelay:    5 * time.Second,
			SyncOnReconnect: true,
		},
		Gateway: GatewayConfig{
			Timeout:       30 * time.Second,
			RetryCount:    3,
			RetryDelay:    time.Second,
			MaxRetryDelay: 30 * time.Second,
			CacheTTL:      5 * time.Minute,
			CacheGets:     true,
		},
		API: APIConfig{
			Addr:           "127.0.0.1:7420",
			AllowedOrigins: []string{"*"},
		},
	}
}

// ConfigDir returns the directory the configuration was loaded from
func (c *Config) ConfigDir() string {
	return c.configDir
}

// HealthURL is the absolute URL the network monitor pings
func (c *Config) HealthURL() string {
	return strings.TrimRight(c.Server.URL, "/") + "/" + strings.TrimLeft(c.Server.HealthPath, "/")
}

func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.validateSync(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}
	if err := c.validateGateway(); err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}
	return nil
}

func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		return slog.Level(9999)
	default:
		return slog.LevelInfo
	}
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("unsupported driver: %s", c.Database.Driver)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.Database.BusyTimeout <= 0 {
		return fmt.Errorf("busy timeout must be positive")
	}

	if c.Database.Path == ":memory:" {
		return nil
	}

	dir := filepath.Dir(c.Database.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	return checkDirectoryWritable(dir)
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error", "none":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateServer() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid server url: %q", c.Server.URL)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if c.Sync.CleanupDelay < 0 {
		return fmt.Errorf("cleanup delay cannot be negative")
	}
	if c.Sync.RequestsPerMinute < 0 {
		return fmt.Errorf("requests per minute cannot be negative")
	}
	return nil
}

func (c *Config) validateGateway() error {
	if c.Gateway.RetryCount < 0 {
		return fmt.Errorf("retry count cannot be negative")
	}
	if c.Gateway.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}
	if c.Gateway.MaxRetryDelay < c.Gateway.RetryDelay {
		return fmt.Errorf("max retry delay must be at least the retry delay")
	}
	return nil
}

// getEnvString returns a string from the environment variable
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping blanks
func getEnvList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func checkDirectoryWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".caresync_write_check_*")
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
