package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/caresync/internal/conflict"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/ulid"
)

// Repository defines the durable sync queue
type Repository interface {
	Enqueue(ctx context.Context, op NewOperation) (*Operation, error)
	Get(ctx context.Context, id string) (*Operation, error)
	// List returns operations in queue order, filtered by status when any
	// are given.
	List(ctx context.Context, statuses ...Status) ([]*Operation, error)
	Update(ctx context.Context, id string, patch Patch) error
	// Transition moves id from one status to another only if it is still in
	// from, writing extra in the same statement.
	Transition(ctx context.Context, id string, from, to Status, extra Patch) error
	Delete(ctx context.Context, id string) error
	DeleteByStatus(ctx context.Context, status Status) (int64, error)
	Clear(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

var operationColumns = []string{
	"id", "url", "method", "headers", "body", "timestamp", "retries", "status",
	"resource_type", "resource_id", "conflict_type", "conflict_data",
	"resolution_strategy", "resolved_at", "error_message", "updated_at",
}

// SQLRepository implements Repository on the local SQLite store
type SQLRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	logger  *loggy.Logger
	now     func() time.Time
}

// NewSQLRepository creates a new SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
		logger:  logger,
		now:     time.Now,
	}
}

func (r *SQLRepository) Enqueue(ctx context.Context, n NewOperation) (*Operation, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}

	now := r.now()
	ts := n.Timestamp
	if ts.IsZero() {
		ts = now
	}

	op := &Operation{
		ID:           ulid.OperationID(),
		URL:          n.URL,
		Method:       strings.ToUpper(n.Method),
		Headers:      n.Headers,
		Body:         n.Body,
		Timestamp:    ts,
		Status:       StatusPending,
		ResourceType: n.ResourceType,
		ResourceID:   n.ResourceID,
		UpdatedAt:    now,
	}
	if op.Headers == nil {
		op.Headers = map[string]string{}
	}

	headers, err := json.Marshal(op.Headers)
	if err != nil {
		return nil, fmt.Errorf("encoding headers: %w", err)
	}

	query, args, err := r.builder.Insert("sync_queue").
		Columns("id", "url", "method", "headers", "body", "timestamp", "retries", "status", "resource_type", "resource_id", "updated_at").
		Values(op.ID, op.URL, op.Method, string(headers), nullBytes(op.Body), op.Timestamp.UnixMilli(), 0, string(StatusPending),
			nullString(op.ResourceType), nullString(op.ResourceID), now.UnixMilli()).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building enqueue query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("executing enqueue query: %w", err)
	}

	r.logger.Debug("Operation queued", "operation_id", op.ID, "method", op.Method, "url", op.URL)
	return op, nil
}

func (r *SQLRepository) Get(ctx context.Context, id string) (*Operation, error) {
	query, args, err := r.builder.Select(operationColumns...).
		From("sync_queue").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get operation query: %w", err)
	}

	op, err := scanOperation(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning operation: %w", err)
	}
	return op, nil
}

func (r *SQLRepository) List(ctx context.Context, statuses ...Status) ([]*Operation, error) {
	q := r.builder.Select(operationColumns...).
		From("sync_queue").
		OrderBy("timestamp ASC", "id ASC")

	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		q = q.Where(sq.Eq{"status": values})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list operations query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list operations query: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (r *SQLRepository) Update(ctx context.Context, id string, patch Patch) error {
	q, err := r.applyPatch(r.builder.Update("sync_queue"), patch)
	if err != nil {
		return err
	}
	return r.execUpdate(ctx, q.Where(sq.Eq{"id": id}), ErrOperationNotFound)
}

func (r *SQLRepository) Transition(ctx context.Context, id string, from, to Status, extra Patch) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	extra.Status = &to
	q, err := r.applyPatch(r.builder.Update("sync_queue"), extra)
	if err != nil {
		return err
	}
	return r.execUpdate(ctx, q.Where(sq.Eq{"id": id, "status": string(from)}), ErrNotClaimed)
}

func (r *SQLRepository) applyPatch(q sq.UpdateBuilder, p Patch) (sq.UpdateBuilder, error) {
	q = q.Set("updated_at", r.now().UnixMilli())

	if p.Status != nil {
		if !p.Status.Valid() {
			return q, fmt.Errorf("invalid status %q", *p.Status)
		}
		q = q.Set("status", string(*p.Status))
	}
	if p.Retries != nil {
		// retries only ever grow
		q = q.Set("retries", sq.Expr("MAX(retries, ?)", *p.Retries))
	}
	if p.ErrorMessage != nil {
		q = q.Set("error_message", nullString(*p.ErrorMessage))
	}
	if p.ConflictType != nil {
		q = q.Set("conflict_type", nullString(string(*p.ConflictType)))
	}
	if p.ConflictData != nil {
		raw, err := json.Marshal(p.ConflictData)
		if err != nil {
			return q, fmt.Errorf("encoding conflict data: %w", err)
		}
		q = q.Set("conflict_data", string(raw))
	}
	if p.ResolutionStrategy != nil {
		q = q.Set("resolution_strategy", nullString(string(*p.ResolutionStrategy)))
	}
	if p.ResolvedAt != nil {
		q = q.Set("resolved_at", p.ResolvedAt.UnixMilli())
	}
	return q, nil
}

func (r *SQLRepository) execUpdate(ctx context.Context, q sq.UpdateBuilder, noRows error) error {
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building update operation query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing update operation query: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return noRows
	}
	return nil
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	query, args, err := r.builder.Delete("sync_queue").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete operation query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing delete operation query: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOperationNotFound
	}
	return nil
}

func (r *SQLRepository) DeleteByStatus(ctx context.Context, status Status) (int64, error) {
	return r.deleteWhere(ctx, sq.Eq{"status": string(status)})
}

func (r *SQLRepository) Clear(ctx context.Context) (int64, error) {
	return r.deleteWhere(ctx, nil)
}

func (r *SQLRepository) deleteWhere(ctx context.Context, pred any) (int64, error) {
	q := r.builder.Delete("sync_queue")
	if pred != nil {
		q = q.Where(pred)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building delete operations query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing delete operations query: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns a count for every status, including zeros
func (r *SQLRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	query, args, err := r.builder.Select("status", "COUNT(*)").
		From("sync_queue").
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building count query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing count query: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(s scanner) (*Operation, error) {
	var op Operation
	var headers, status string
	var body, resourceType, resourceID, conflictType sql.NullString
	var conflictData, resolutionStrategy, errorMessage sql.NullString
	var timestamp, updatedAt int64
	var resolvedAt sql.NullInt64

	err := s.Scan(&op.ID, &op.URL, &op.Method, &headers, &body, &timestamp, &op.Retries, &status,
		&resourceType, &resourceID, &conflictType, &conflictData,
		&resolutionStrategy, &resolvedAt, &errorMessage, &updatedAt)
	if err != nil {
		return nil, err
	}

	op.Status = Status(status)
	op.Timestamp = time.UnixMilli(timestamp)
	op.UpdatedAt = time.UnixMilli(updatedAt)
	op.ResourceType = resourceType.String
	op.ResourceID = resourceID.String
	op.ConflictType = conflict.Type(conflictType.String)
	op.ResolutionStrategy = conflict.Strategy(resolutionStrategy.String)
	op.ErrorMessage = errorMessage.String
	if body.Valid && body.String != "" {
		op.Body = json.RawMessage(body.String)
	}
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		op.ResolvedAt = &t
	}

	op.Headers = map[string]string{}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &op.Headers); err != nil {
			return nil, fmt.Errorf("decoding headers of %s: %w", op.ID, err)
		}
	}
	if conflictData.Valid && conflictData.String != "" {
		var data conflict.Data
		if err := json.Unmarshal([]byte(conflictData.String), &data); err != nil {
			return nil, fmt.Errorf("decoding conflict data of %s: %w", op.ID, err)
		}
		op.ConflictData = &data
	}
	return &op, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
