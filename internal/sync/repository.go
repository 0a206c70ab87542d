package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/ulid"
)

// Repository stores the history of processing passes
type Repository interface {
	// CreateSyncLog persists a finished pass
	CreateSyncLog(ctx context.Context, log *SyncLog) error

	// ListSyncLogs returns the most recent passes first
	ListSyncLogs(ctx context.Context, limit int) ([]*SyncLog, error)

	// GetLatestSyncLog returns the most recent pass, nil when none ran
	GetLatestSyncLog(ctx context.Context) (*SyncLog, error)
}

// SQLRepository implements the Repository interface using a SQL database
type SQLRepository struct {
	db      *sql.DB
	builder squirrel.StatementBuilderType
	logger  *loggy.Logger
}

// NewSQLRepository creates a new SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		logger:  logger,
	}
}

// CreateSyncLog creates a new sync log
func (r *SQLRepository) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	if log.ID == "" {
		log.ID = ulid.SyncLogID()
	}

	q := r.builder.Insert("sync_logs").
		Columns("id", "sync_type", "started_at", "completed_at", "success", "items_synced", "items_failed", "conflicts", "error_message").
		Values(log.ID, string(log.SyncType), log.StartedAt.UnixMilli(), log.CompletedAt.UnixMilli(), log.Success,
			log.ItemsSynced, log.ItemsFailed, log.Conflicts, sql.NullString{String: log.ErrorMessage, Valid: log.ErrorMessage != ""})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building create sync log query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing create sync log query: %w", err)
	}
	return nil
}

func (r *SQLRepository) selectLogs() squirrel.SelectBuilder {
	return r.builder.Select("id", "sync_type", "started_at", "completed_at", "success", "items_synced", "items_failed", "conflicts", "error_message").
		From("sync_logs").
		OrderBy("started_at DESC", "id DESC")
}

// ListSyncLogs retrieves recent sync logs
func (r *SQLRepository) ListSyncLogs(ctx context.Context, limit int) ([]*SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}

	query, args, err := r.selectLogs().Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list sync logs query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list sync logs query: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync logs: %w", err)
	}
	return logs, nil
}

// GetLatestSyncLog retrieves the most recent sync log
func (r *SQLRepository) GetLatestSyncLog(ctx context.Context) (*SyncLog, error) {
	logs, err := r.ListSyncLogs(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return logs[0], nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncLog(s rowScanner) (*SyncLog, error) {
	var (
		l           SyncLog
		syncType    string
		startedAt   int64
		completedAt sql.NullInt64
		errMsg      sql.NullString
	)

	if err := s.Scan(&l.ID, &syncType, &startedAt, &completedAt, &l.Success, &l.ItemsSynced, &l.ItemsFailed, &l.Conflicts, &errMsg); err != nil {
		return nil, fmt.Errorf("scanning sync log: %w", err)
	}

	l.SyncType = SyncType(syncType)
	l.StartedAt = time.UnixMilli(startedAt)
	if completedAt.Valid {
		l.CompletedAt = time.UnixMilli(completedAt.Int64)
	}
	l.ErrorMessage = errMsg.String
	return &l, nil
}
