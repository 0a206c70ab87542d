package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/caresync/internal/config"
	"github.com/tildaslashalef/caresync/internal/database"
	"github.com/tildaslashalef/caresync/internal/loggy"
)

func newTestRepo(t *testing.T) (*SQLRepository, *time.Time) {
	t.Helper()
	cfg := config.New().Database
	cfg.Path = ":memory:"
	db, err := database.Open(context.Background(), cfg, loggy.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.UnixMilli(1_700_000_000_000)
	repo := NewSQLRepository(db.SQL(), loggy.NewNoopLogger())
	repo.now = func() time.Time { return now }
	return repo, &now
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	body := json.RawMessage(`{"items":[{"id":"u1","name":"Ada"}]}`)
	require.NoError(t, repo.Set(ctx, "https://care.example.com/api/service-users", body, time.Minute))

	entry, err := repo.Get(ctx, "https://care.example.com/api/service-users")
	require.NoError(t, err)
	assert.JSONEq(t, string(body), string(entry.Response))
	require.NotNil(t, entry.ExpiresAt)

	// upsert replaces the body
	require.NoError(t, repo.Set(ctx, "https://care.example.com/api/service-users", json.RawMessage(`{"items":[]}`), 0))
	entry, err = repo.Get(ctx, "https://care.example.com/api/service-users")
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[]}`, string(entry.Response))
	assert.Nil(t, entry.ExpiresAt)

	_, err = repo.Get(ctx, "https://care.example.com/api/other")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestExpiredEntryIsEvicted(t *testing.T) {
	ctx := context.Background()
	repo, now := newTestRepo(t)

	require.NoError(t, repo.Set(ctx, "/visits", json.RawMessage(`[]`), time.Minute))

	*now = now.Add(time.Minute)
	_, err := repo.Get(ctx, "/visits")
	assert.ErrorIs(t, err, ErrCacheMiss)

	var count int
	require.NoError(t, repo.db.QueryRow("SELECT COUNT(*) FROM cache").Scan(&count))
	assert.Zero(t, count, "expired entry should be removed by the read")
}

func TestPurgeExpiredAndClear(t *testing.T) {
	ctx := context.Background()
	repo, now := newTestRepo(t)

	require.NoError(t, repo.Set(ctx, "/short", json.RawMessage(`1`), time.Second))
	require.NoError(t, repo.Set(ctx, "/long", json.RawMessage(`2`), time.Hour))
	require.NoError(t, repo.Set(ctx, "/forever", json.RawMessage(`3`), 0))

	*now = now.Add(time.Minute)
	n, err := repo.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = repo.Clear(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestGetQueryShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLRepository(db, loggy.NewNoopLogger())

	mock.ExpectQuery(`SELECT response, timestamp, expires_at FROM cache WHERE url = \?`).
		WithArgs("/visits").
		WillReturnRows(sqlmock.NewRows([]string{"response", "timestamp", "expires_at"}).
			AddRow(snappy.Encode(nil, []byte(`{"ok":true}`)), int64(1), nil))

	entry, err := repo.Get(context.Background(), "/visits")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(entry.Response))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntryExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	assert.False(t, (&Entry{}).Expired(now))
	assert.True(t, (&Entry{ExpiresAt: &past}).Expired(now))
	assert.True(t, (&Entry{ExpiresAt: &now}).Expired(now))
	assert.False(t, (&Entry{ExpiresAt: &future}).Expired(now))
}
