package config

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/ulid"
)

// Setting keys persisted in the settings table
const (
	KeyServerURL    = "server.url"
	KeySessionToken = "session.token"
)

const obfuscatedMarker = "OBFS:"

// SettingsRepository persists settings that override the environment
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	GetSettings(ctx context.Context, prefix string) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// SQLSettingsRepository implements SettingsRepository using a SQL database
type SQLSettingsRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	logger  *loggy.Logger
}

// NewSQLSettingsRepository creates a new SQL settings repository
func NewSQLSettingsRepository(db *sql.DB, logger *loggy.Logger) SettingsRepository {
	return &SQLSettingsRepository{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
		logger:  logger,
	}
}

// GetSetting returns "" when key is unset
func (r *SQLSettingsRepository) GetSetting(ctx context.Context, key string) (string, error) {
	query, args, err := r.builder.Select("value").
		From("settings").
		Where(sq.Eq{"key": key}).
		Limit(1).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("building get setting query: %w", err)
	}

	var value string
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("executing get setting query: %w", err)
	}

	if key == KeySessionToken {
		return deobfuscate(value)
	}
	return value, nil
}

func (r *SQLSettingsRepository) GetSettings(ctx context.Context, prefix string) (map[string]string, error) {
	query, args, err := r.builder.Select("key", "value").
		From("settings").
		Where(sq.Like{"key": prefix + "%"}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get settings query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing get settings query: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning setting row: %w", err)
		}
		if key == KeySessionToken {
			if value, err = deobfuscate(value); err != nil {
				r.logger.Warn("Skipping unreadable session token", "error", err)
				continue
			}
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// SetSetting upserts key
func (r *SQLSettingsRepository) SetSetting(ctx context.Context, key, value string) error {
	stored := value
	if key == KeySessionToken && value != "" {
		stored = obfuscate(value)
	}

	now := time.Now().UnixMilli()
	query, args, err := r.builder.Insert("settings").
		Columns("id", "key", "value", "created_at", "updated_at").
		Values(ulid.SettingID(), key, stored, now, now).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building upsert setting query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing upsert setting query: %w", err)
	}
	return nil
}

func (r *SQLSettingsRepository) DeleteSetting(ctx context.Context, key string) error {
	query, args, err := r.builder.Delete("settings").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete setting query: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing delete setting query: %w", err)
	}
	return nil
}

// obfuscate keeps the token out of casual sqlite3 shell output. It is not
// encryption.
func obfuscate(token string) string {
	return obfuscatedMarker + base64.StdEncoding.EncodeToString([]byte(reverse(token)))
}

func deobfuscate(value string) (string, error) {
	encoded, ok := strings.CutPrefix(value, obfuscatedMarker)
	if !ok {
		return value, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding session token: %w", err)
	}
	return reverse(string(decoded)), nil
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}
