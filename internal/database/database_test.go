package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/caresync/internal/config"
	"github.com/tildaslashalef/caresync/internal/loggy"
)

func memoryConfig(driver string) config.DatabaseConfig {
	cfg := config.New().Database
	cfg.Driver = driver
	cfg.Path = ":memory:"
	return cfg
}

func tableNames(t *testing.T, db *DB) []string {
	t.Helper()
	rows, err := db.SQL().Query("SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	return names
}

func TestOpenCreatesSchema(t *testing.T) {
	for _, driver := range []string{"sqlite3", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			db, err := Open(context.Background(), memoryConfig(driver), loggy.NewNoopLogger())
			require.NoError(t, err)
			defer db.Close()

			names := tableNames(t, db)
			for _, want := range []string{"sync_queue", "cache", "pending_requests", "sync_logs", "settings"} {
				assert.Contains(t, names, want)
			}

			version, dirty, err := db.Version()
			require.NoError(t, err)
			assert.Equal(t, uint(2), version)
			assert.False(t, dirty)
		})
	}
}

func TestRevertAndReapply(t *testing.T) {
	db, err := Open(context.Background(), memoryConfig("sqlite3"), loggy.NewNoopLogger())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Revert(1))
	assert.NotContains(t, tableNames(t, db), "sync_logs")
	assert.Contains(t, tableNames(t, db), "sync_queue")

	require.NoError(t, db.Migrate())
	assert.Contains(t, tableNames(t, db), "sync_logs")
}

func TestOpenFileDatabase(t *testing.T) {
	cfg := config.New().Database
	cfg.Path = filepath.Join(t.TempDir(), "store.db")

	db, err := Open(context.Background(), cfg, loggy.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, db.Close())
	// closing twice is harmless
	require.NoError(t, db.Close())

	db, err = Open(context.Background(), cfg, loggy.NewNoopLogger())
	require.NoError(t, err)
	defer db.Close()
	assert.Contains(t, tableNames(t, db), "sync_queue")
}

func TestBuildDSN(t *testing.T) {
	cfg := config.New().Database
	cfg.Path = "/tmp/x.db"

	dsn, err := buildDSN(cfg)
	require.NoError(t, err)
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.Contains(t, dsn, "_journal_mode=WAL")

	cfg.Driver = "sqlite"
	dsn, err = buildDSN(cfg)
	require.NoError(t, err)
	assert.Contains(t, dsn, "file:/tmp/x.db?")

	cfg.Driver = "postgres"
	_, err = buildDSN(cfg)
	assert.Error(t, err)
}
