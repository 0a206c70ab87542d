package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/tildaslashalef/caresync/internal/config"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/migrations"
	_ "modernc.org/sqlite"
)

var ErrClosed = errors.New("database closed")

// DB owns the local SQLite handle holding the queue, cache and pending
// requests.
type DB struct {
	sql    *sql.DB
	driver string
	logger *loggy.Logger
}

// Open connects to the store described by cfg and brings the schema up to
// date.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *loggy.Logger) (*DB, error) {
	db, err := Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Connect opens and pings the store without running migrations
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *loggy.Logger) (*DB, error) {
	logger.Info("Opening local store", "driver", cfg.Driver, "path", cfg.Path)

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}

	// SQLite has a single writer. One connection also keeps an in-memory
	// database alive for the lifetime of the handle.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if !isMemory(cfg.Path) {
		conn.SetConnMaxLifetime(cfg.ConnMaxLife)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if cfg.Driver == "sqlite" && !isMemory(cfg.Path) {
		// modernc takes pragmas through the DSN too, but journal_mode is only
		// honoured once the file exists.
		if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode = "+cfg.JournalMode); err != nil {
			logger.Warn("Setting journal mode failed", "error", err)
		}
	}

	return &DB{sql: conn, driver: cfg.Driver, logger: logger}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// buildDSN renders cfg for the selected driver
func buildDSN(cfg config.DatabaseConfig) (string, error) {
	switch cfg.Driver {
	case "sqlite3":
		if isMemory(cfg.Path) {
			return cfg.Path, nil
		}
		params := url.Values{}
		params.Add("_busy_timeout", strconv.Itoa(cfg.BusyTimeout))
		params.Add("_journal_mode", cfg.JournalMode)
		params.Add("_synchronous", cfg.SynchronousMode)
		if cfg.CacheSize != 0 {
			params.Add("_cache_size", strconv.Itoa(cfg.CacheSize))
		}
		return cfg.Path + "?" + params.Encode(), nil

	case "sqlite":
		if isMemory(cfg.Path) {
			return ":memory:", nil
		}
		params := url.Values{}
		params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout))
		params.Add("_pragma", fmt.Sprintf("synchronous(%s)", cfg.SynchronousMode))
		return "file:" + cfg.Path + "?" + params.Encode(), nil
	}
	return "", fmt.Errorf("unsupported sqlite driver %q", cfg.Driver)
}

// SQL exposes the underlying handle to repositories
func (d *DB) SQL() *sql.DB {
	return d.sql
}

func (d *DB) Driver() string {
	return d.driver
}

// Close releases the handle. Calling it twice is safe.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	err := d.sql.Close()
	d.sql = nil
	return err
}

func (d *DB) migrator() (*migrate.Migrate, func(), error) {
	if d.sql == nil {
		return nil, nil, ErrClosed
	}

	driver, err := sqlite3.WithInstance(d.sql, &sqlite3.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("creating migration driver: %w", err)
	}

	src, err := migrations.Source()
	if err != nil {
		return nil, nil, err
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, nil, fmt.Errorf("creating migration instance: %w", err)
	}

	// m.Close would also close the shared *sql.DB, so only the source is
	// released here.
	release := func() { _ = src.Close() }
	return m, release, nil
}

// Migrate applies every pending up migration
func (d *DB) Migrate() error {
	m, release, err := d.migrator()
	if err != nil {
		return err
	}
	defer release()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading migration version: %w", err)
	}
	d.logger.Debug("Schema up to date", "version", version, "dirty", dirty)
	return nil
}

// Revert rolls back steps migrations
func (d *DB) Revert(steps int) error {
	m, release, err := d.migrator()
	if err != nil {
		return err
	}
	defer release()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("reverting migrations: %w", err)
	}
	return nil
}

// Version reports the applied schema version, 0 when none
func (d *DB) Version() (uint, bool, error) {
	m, release, err := d.migrator()
	if err != nil {
		return 0, false, err
	}
	defer release()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}
