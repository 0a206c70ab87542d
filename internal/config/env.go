package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const envPrefix = "CARESYNC_"

// LoadFromEnv loads configuration from .env files and CARESYNC_* variables.
//
// The first .env found wins: ENV_FILE_PATH, configFilePath, configDir/.env,
// then ./.env. Variables already set in the process environment are never
// overwritten by a file.
func LoadFromEnv(configDir, configFilePath string) (*Config, error) {
	cfg := New()

	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(home, ".caresync")
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}
	cfg.configDir = configDir

	if err := loadEnvFile(configDir, configFilePath); err != nil {
		return nil, err
	}

	d := cfg.Database
	cfg.Database = DatabaseConfig{
		Driver:          getEnvString(envPrefix+"DB_DRIVER", d.Driver),
		Path:            getEnvString(envPrefix+"DB_PATH", filepath.Join(configDir, "caresync.db")),
		JournalMode:     getEnvString(envPrefix+"DB_JOURNAL_MODE", d.JournalMode),
		SynchronousMode: getEnvString(envPrefix+"DB_SYNCHRONOUS_MODE", d.SynchronousMode),
		BusyTimeout:     getEnvInt(envPrefix+"DB_BUSY_TIMEOUT", d.BusyTimeout),
		CacheSize:       getEnvInt(envPrefix+"DB_CACHE_SIZE", d.CacheSize),
		ConnMaxLife:     getEnvDuration(envPrefix+"DB_CONN_MAX_LIFE", d.ConnMaxLife),
		QueryTimeout:    getEnvDuration(envPrefix+"DB_QUERY_TIMEOUT", d.QueryTimeout),
	}

	l := cfg.Logging
	cfg.Logging = LoggingConfig{
		Level:      getEnvString(envPrefix+"LOG_LEVEL", l.Level),
		Format:     getEnvString(envPrefix+"LOG_FORMAT", l.Format),
		Output:     getEnvString(envPrefix+"LOG_OUTPUT", filepath.Join(configDir, "caresync.log")),
		AddSource:  getEnvBool(envPrefix+"LOG_ADD_SOURCE", l.AddSource),
		TimeFormat: getEnvString(envPrefix+"LOG_TIME_FORMAT", l.TimeFormat),
	}

	s := cfg.Server
	cfg.Server = ServerConfig{
		URL:        getEnvString(envPrefix+"SERVER_URL", s.URL),
		Token:      getEnvString(envPrefix+"SERVER_TOKEN", s.Token),
		Timeout:    getEnvDuration(envPrefix+"SERVER_TIMEOUT", s.Timeout),
		HealthPath: getEnvString(envPrefix+"SERVER_HEALTH_PATH", s.HealthPath),
	}

	n := cfg.Network
	cfg.Network = NetworkConfig{
		InitialOnline: getEnvBool(envPrefix+"NETWORK_INITIAL_ONLINE", n.InitialOnline),
		CheckInterval: getEnvDuration(envPrefix+"NETWORK_CHECK_INTERVAL", n.CheckInterval),
		VerifyTimeout: getEnvDuration(envPrefix+"NETWORK_VERIFY_TIMEOUT", n.VerifyTimeout),
	}

	sy := cfg.Sync
	cfg.Sync = SyncConfig{
		MaxRetries:        getEnvInt(envPrefix+"SYNC_MAX_RETRIES", sy.MaxRetries),
		CleanupDelay:      getEnvDuration(envPrefix+"SYNC_CLEANUP_DELAY", sy.CleanupDelay),
		RequestsPerMinute: getEnvInt(envPrefix+"SYNC_REQUESTS_PER_MINUTE", sy.RequestsPerMinute),
		SyncOnReconnect:   getEnvBool(envPrefix+"SYNC_ON_RECONNECT", sy.SyncOnReconnect),
		ScheduleInterval:  getEnvDuration(envPrefix+"SYNC_SCHEDULE_INTERVAL", sy.ScheduleInterval),
		StrategyFile:      getEnvString(envPrefix+"SYNC_STRATEGY_FILE", sy.StrategyFile),
	}

	g := cfg.Gateway
	cfg.Gateway = GatewayConfig{
		Timeout:       getEnvDuration(envPrefix+"GATEWAY_TIMEOUT", g.Timeout),
		RetryCount:    getEnvInt(envPrefix+"GATEWAY_RETRY_COUNT", g.RetryCount),
		RetryDelay:    getEnvDuration(envPrefix+"GATEWAY_RETRY_DELAY", g.RetryDelay),
		MaxRetryDelay: getEnvDuration(envPrefix+"GATEWAY_MAX_RETRY_DELAY", g.MaxRetryDelay),
		CacheTTL:      getEnvDuration(envPrefix+"GATEWAY_CACHE_TTL", g.CacheTTL),
		CacheGets:     getEnvBool(envPrefix+"GATEWAY_CACHE_GETS", g.CacheGets),
	}

	cfg.API = APIConfig{
		Addr:           getEnvString(envPrefix+"API_ADDR", cfg.API.Addr),
		AllowedOrigins: getEnvList(envPrefix+"API_ALLOWED_ORIGINS", cfg.API.AllowedOrigins),
	}

	return cfg, cfg.Validate()
}

func loadEnvFile(configDir, configFilePath string) error {
	if custom := os.Getenv("ENV_FILE_PATH"); custom != "" {
		if err := godotenv.Load(custom); err != nil {
			return fmt.Errorf("loading env file %s: %w", custom, err)
		}
		return nil
	}

	if configFilePath != "" {
		if err := godotenv.Load(configFilePath); err != nil {
			return fmt.Errorf("loading env file %s: %w", configFilePath, err)
		}
		return nil
	}

	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil {
		// a missing ./.env is fine
		_ = godotenv.Load()
	}
	return nil
}
