package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/caresync/internal/loggy"
)

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		set          bool
		defaultValue int
		expected     int
	}{
		{name: "unset returns default", defaultValue: 5, expected: 5},
		{name: "valid value", envValue: "7", set: true, defaultValue: 5, expected: 7},
		{name: "invalid value returns default", envValue: "seven", set: true, defaultValue: 5, expected: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "CARESYNC_TEST_INT"
			if tt.set {
				t.Setenv(key, tt.envValue)
			}
			assert.Equal(t, tt.expected, getEnvInt(key, tt.defaultValue))
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected time.Duration
	}{
		{name: "seconds", envValue: "5s", expected: 5 * time.Second},
		{name: "zero", envValue: "0", expected: 0},
		{name: "invalid falls back", envValue: "soon", expected: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CARESYNC_TEST_DURATION", tt.envValue)
			assert.Equal(t, tt.expected, getEnvDuration("CARESYNC_TEST_DURATION", time.Minute))
		})
	}
}

func TestGetEnvBoolAndList(t *testing.T) {
	t.Setenv("CARESYNC_TEST_BOOL", "false")
	assert.False(t, getEnvBool("CARESYNC_TEST_BOOL", true))
	assert.True(t, getEnvBool("CARESYNC_TEST_BOOL_UNSET", true))

	t.Setenv("CARESYNC_TEST_LIST", " http://a.test, ,http://b.test ")
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, getEnvList("CARESYNC_TEST_LIST", nil))
	assert.Equal(t, []string{"*"}, getEnvList("CARESYNC_TEST_LIST_UNSET", []string{"*"}))
}

func TestNewDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Sync.CleanupDelay)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "http://localhost:3000/api/health", cfg.HealthURL())
}

func TestLoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("CARESYNC_SYNC_MAX_RETRIES=9\nCARESYNC_SERVER_URL=https://care.example.com/api\n"), 0o600))

	t.Cleanup(func() { os.Unsetenv("CARESYNC_SYNC_MAX_RETRIES") })
	t.Setenv("CARESYNC_GATEWAY_RETRY_COUNT", "1")
	t.Setenv("CARESYNC_SERVER_URL", "https://override.example.com")

	cfg, err := LoadFromEnv(dir, envFile)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Sync.MaxRetries)
	assert.Equal(t, 1, cfg.Gateway.RetryCount)
	// the process environment wins over the file
	assert.Equal(t, "https://override.example.com", cfg.Server.URL)
	assert.Equal(t, filepath.Join(dir, "caresync.db"), cfg.Database.Path)
	assert.Equal(t, dir, cfg.ConfigDir())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "bad driver", mutate: func(c *Config) { c.Database.Driver = "postgres" }, wantErr: "unsupported driver"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "relative server url", mutate: func(c *Config) { c.Server.URL = "/api" }, wantErr: "invalid server url"},
		{name: "zero retries", mutate: func(c *Config) { c.Sync.MaxRetries = 0 }, wantErr: "max retries"},
		{name: "cap below delay", mutate: func(c *Config) { c.Gateway.MaxRetryDelay = time.Millisecond }, wantErr: "max retry delay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			cfg.Database.Path = ":memory:"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("warn"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel("whatever"))
}

func TestWriteSample(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteSample(dir, false)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "CARESYNC_SYNC_MAX_RETRIES=5")
}

func TestTokenObfuscation(t *testing.T) {
	stored := obfuscate("s3cr3t-token")
	assert.NotContains(t, stored, "s3cr3t")

	plain, err := deobfuscate(stored)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-token", plain)

	plain, err = deobfuscate("legacy-plain")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plain", plain)
}

func TestSettingsService(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := New()
	svc := NewSettingsService(NewSQLSettingsRepository(db, loggy.NewNoopLogger()), cfg, loggy.NewNoopLogger())
	ctx := context.Background()

	mock.ExpectQuery("SELECT key, value FROM settings WHERE key LIKE ?").
		WithArgs("%").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow(KeyServerURL, "https://stored.example.com").
			AddRow(KeySessionToken, obfuscate("abc")))

	require.NoError(t, svc.Load(ctx))
	assert.Equal(t, "https://stored.example.com", cfg.Server.URL)
	assert.Equal(t, "abc", svc.Token())

	mock.ExpectExec("INSERT INTO settings .* ON CONFLICT\\(key\\) DO UPDATE").
		WithArgs(sqlmock.AnyArg(), KeySessionToken, obfuscate("xyz"), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, svc.SetToken(ctx, "xyz"))
	assert.Equal(t, "xyz", svc.Token())

	mock.ExpectExec("DELETE FROM settings WHERE key = ?").
		WithArgs(KeySessionToken).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.ClearToken(ctx))
	assert.Empty(t, svc.Token())

	assert.NoError(t, mock.ExpectationsWereMet())
}
