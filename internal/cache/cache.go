// Package cache stores successful GET responses for offline reads
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang/snappy"
	"github.com/tildaslashalef/caresync/internal/loggy"
)

// ErrCacheMiss is returned for absent and expired entries
var ErrCacheMiss = errors.New("cache miss")

// Entry is a cached response body keyed by the full request URL
type Entry struct {
	URL       string
	Response  json.RawMessage
	Timestamp time.Time
	ExpiresAt *time.Time // nil never expires
}

// Expired reports whether e is past its expiry at now
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Repository is the response cache
type Repository interface {
	Get(ctx context.Context, url string) (*Entry, error)
	Set(ctx context.Context, url string, response json.RawMessage, ttl time.Duration) error
	Delete(ctx context.Context, url string) error
	Clear(ctx context.Context) (int64, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

// SQLRepository keeps entries in the cache table with snappy-compressed
// bodies.
type SQLRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	logger  *loggy.Logger
	now     func() time.Time
}

func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns ErrCacheMiss when url is absent or expired. Expired entries
// are removed on the way out.
func (r *SQLRepository) Get(ctx context.Context, url string) (*Entry, error) {
	query, args, err := r.builder.Select("response", "timestamp", "expires_at").
		From("cache").
		Where(sq.Eq{"url": url}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get cache query: %w", err)
	}

	var compressed []byte
	var ts int64
	var expiresAt sql.NullInt64
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&compressed, &ts, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("executing get cache query: %w", err)
	}

	entry := &Entry{URL: url, Timestamp: time.UnixMilli(ts)}
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64)
		entry.ExpiresAt = &t
	}

	if entry.Expired(r.now()) {
		if err := r.Delete(ctx, url); err != nil {
			r.logger.Warn("Failed to evict expired cache entry", "url", url, "error", err)
		}
		return nil, ErrCacheMiss
	}

	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		// unreadable rows are treated as a miss and dropped
		r.logger.Warn("Dropping corrupt cache entry", "url", url, "error", err)
		_ = r.Delete(ctx, url)
		return nil, ErrCacheMiss
	}
	entry.Response = body
	return entry, nil
}

// Set upserts url. A ttl of zero or less stores an entry that never expires.
func (r *SQLRepository) Set(ctx context.Context, url string, response json.RawMessage, ttl time.Duration) error {
	now := r.now()
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(ttl).UnixMilli(), Valid: true}
	}

	query, args, err := r.builder.Insert("cache").
		Columns("url", "response", "timestamp", "expires_at").
		Values(url, snappy.Encode(nil, response), now.UnixMilli(), expiresAt).
		Suffix("ON CONFLICT(url) DO UPDATE SET response = excluded.response, timestamp = excluded.timestamp, expires_at = excluded.expires_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building set cache query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing set cache query: %w", err)
	}
	return nil
}

func (r *SQLRepository) Delete(ctx context.Context, url string) error {
	query, args, err := r.builder.Delete("cache").Where(sq.Eq{"url": url}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete cache query: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing delete cache query: %w", err)
	}
	return nil
}

func (r *SQLRepository) Clear(ctx context.Context) (int64, error) {
	query, args, err := r.builder.Delete("cache").ToSql()
	if err != nil {
		return 0, fmt.Errorf("building clear cache query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing clear cache query: %w", err)
	}
	return res.RowsAffected()
}

// PurgeExpired removes every entry past its expiry
func (r *SQLRepository) PurgeExpired(ctx context.Context) (int64, error) {
	query, args, err := r.builder.Delete("cache").
		Where(sq.And{sq.NotEq{"expires_at": nil}, sq.LtOrEq{"expires_at": r.now().UnixMilli()}}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building purge cache query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing purge cache query: %w", err)
	}
	return res.RowsAffected()
}
