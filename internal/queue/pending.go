package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/ulid"
)

// PendingRepository stores raw requests queued without conflict tracking
type PendingRepository interface {
	Add(ctx context.Context, req *PendingRequest) error
	List(ctx context.Context) ([]*PendingRequest, error)
	Delete(ctx context.Context, id string) error
	IncrementAttempts(ctx context.Context, id, lastError string) error
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) (int64, error)
}

// SQLPendingRepository implements PendingRepository on the local store
type SQLPendingRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	logger  *loggy.Logger
}

func NewSQLPendingRepository(db *sql.DB, logger *loggy.Logger) *SQLPendingRepository {
	return &SQLPendingRepository{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
		logger:  logger,
	}
}

// Add fills in ID and Timestamp when unset
func (r *SQLPendingRepository) Add(ctx context.Context, req *PendingRequest) error {
	if req.ID == "" {
		req.ID = ulid.PendingID()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	req.Method = strings.ToUpper(req.Method)

	headers, err := json.Marshal(req.Headers)
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}

	query, args, err := r.builder.Insert("pending_requests").
		Columns("id", "url", "method", "headers", "body", "timestamp", "attempts").
		Values(req.ID, req.URL, req.Method, string(headers), nullBytes(req.Body), req.Timestamp.UnixMilli(), req.Attempts).
		ToSql()
	if err != nil {
		return fmt.Errorf("building add pending request query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing add pending request query: %w", err)
	}
	return nil
}

// List returns requests oldest first
func (r *SQLPendingRepository) List(ctx context.Context) ([]*PendingRequest, error) {
	query, args, err := r.builder.Select("id", "url", "method", "headers", "body", "timestamp", "attempts", "last_error").
		From("pending_requests").
		OrderBy("timestamp ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list pending requests query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list pending requests query: %w", err)
	}
	defer rows.Close()

	var out []*PendingRequest
	for rows.Next() {
		var req PendingRequest
		var headers string
		var body, lastError sql.NullString
		var ts int64
		if err := rows.Scan(&req.ID, &req.URL, &req.Method, &headers, &body, &ts, &req.Attempts, &lastError); err != nil {
			return nil, fmt.Errorf("scanning pending request: %w", err)
		}
		req.Timestamp = time.UnixMilli(ts)
		req.LastError = lastError.String
		if body.Valid && body.String != "" {
			req.Body = json.RawMessage(body.String)
		}
		if err := json.Unmarshal([]byte(headers), &req.Headers); err != nil {
			r.logger.Warn("Dropping unreadable headers on pending request", "id", req.ID, "error", err)
		}
		out = append(out, &req)
	}
	return out, rows.Err()
}

func (r *SQLPendingRepository) Delete(ctx context.Context, id string) error {
	query, args, err := r.builder.Delete("pending_requests").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete pending request query: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing delete pending request query: %w", err)
	}
	return nil
}

func (r *SQLPendingRepository) IncrementAttempts(ctx context.Context, id, lastError string) error {
	query, args, err := r.builder.Update("pending_requests").
		Set("attempts", sq.Expr("attempts + 1")).
		Set("last_error", nullString(lastError)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building increment attempts query: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing increment attempts query: %w", err)
	}
	return nil
}

func (r *SQLPendingRepository) Count(ctx context.Context) (int, error) {
	query, args, err := r.builder.Select("COUNT(*)").From("pending_requests").ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count pending requests query: %w", err)
	}
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("executing count pending requests query: %w", err)
	}
	return n, nil
}

func (r *SQLPendingRepository) Clear(ctx context.Context) (int64, error) {
	query, args, err := r.builder.Delete("pending_requests").ToSql()
	if err != nil {
		return 0, fmt.Errorf("building clear pending requests query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing clear pending requests query: %w", err)
	}
	return res.RowsAffected()
}
