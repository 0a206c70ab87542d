package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/caresync/internal/config"
	"github.com/tildaslashalef/caresync/internal/conflict"
	"github.com/tildaslashalef/caresync/internal/database"
	"github.com/tildaslashalef/caresync/internal/loggy"
)

func openStore(t *testing.T) *database.DB {
	t.Helper()
	cfg := config.New().Database
	cfg.Path = ":memory:"
	db, err := database.Open(context.Background(), cfg, loggy.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStatusTransitions(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:    {StatusProcessing},
		StatusProcessing: {StatusCompleted, StatusError, StatusConflict},
		StatusError:      {StatusPending},
		StatusConflict:   {StatusCompleted},
		StatusCompleted:  {},
	}

	for from, tos := range allowed {
		for _, to := range Statuses {
			want := false
			for _, ok := range tos {
				if ok == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	_, err := ParseStatus("PENDING")
	assert.NoError(t, err)
	_, err = ParseStatus("stuck")
	assert.Error(t, err)
}

func TestNewOperationValidate(t *testing.T) {
	tests := []struct {
		name    string
		op      NewOperation
		wantErr bool
	}{
		{name: "post", op: NewOperation{URL: "/visits", Method: "post", Body: json.RawMessage(`{"a":1}`)}},
		{name: "delete without body", op: NewOperation{URL: "/visits/1", Method: "DELETE"}},
		{name: "get refused", op: NewOperation{URL: "/visits", Method: "GET"}, wantErr: true},
		{name: "missing url", op: NewOperation{Method: "PUT"}, wantErr: true},
		{name: "bad json", op: NewOperation{URL: "/v", Method: "PUT", Body: json.RawMessage(`{`)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSQLRepository_EnqueueQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLRepository(db, loggy.NewNoopLogger())

	mock.ExpectExec("INSERT INTO sync_queue").
		WithArgs(sqlmock.AnyArg(), "/visits/v-1", "PUT", `{"Idempotency-Key":"k"}`, sqlmock.AnyArg(),
			sqlmock.AnyArg(), 0, "pending", "visit", "v-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	op, err := repo.Enqueue(context.Background(), NewOperation{
		URL:          "/visits/v-1",
		Method:       "put",
		Headers:      map[string]string{"Idempotency-Key": "k"},
		Body:         json.RawMessage(`{"status":"completed"}`),
		ResourceType: "visit",
		ResourceID:   "v-1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, op.Status)
	assert.Equal(t, "PUT", op.Method)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_TransitionNotClaimed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLRepository(db, loggy.NewNoopLogger())

	mock.ExpectExec(`UPDATE sync_queue SET updated_at = \?, status = \? WHERE id = \? AND status = \?`).
		WithArgs(sqlmock.AnyArg(), "processing", "op-1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.Transition(context.Background(), "op-1", StatusPending, StatusProcessing, Patch{})
	assert.ErrorIs(t, err, ErrNotClaimed)

	err = repo.Transition(context.Background(), "op-1", StatusCompleted, StatusPending, Patch{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLRepository(openStore(t).SQL(), loggy.NewNoopLogger())

	base := time.UnixMilli(1_700_000_000_000)
	second, err := repo.Enqueue(ctx, NewOperation{URL: "/b", Method: "POST", Timestamp: base.Add(time.Second)})
	require.NoError(t, err)
	first, err := repo.Enqueue(ctx, NewOperation{URL: "/a", Method: "PUT", Timestamp: base, Body: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)

	pending, err := repo.List(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID, "queue order follows timestamp, not insertion")
	assert.JSONEq(t, `{"x":1}`, string(pending[0].Body))

	// claim is exclusive
	require.NoError(t, repo.Transition(ctx, first.ID, StatusPending, StatusProcessing, Patch{}))
	assert.ErrorIs(t, repo.Transition(ctx, first.ID, StatusPending, StatusProcessing, Patch{}), ErrNotClaimed)

	require.NoError(t, repo.Transition(ctx, first.ID, StatusProcessing, StatusError, Patch{
		Retries:      Ptr(1),
		ErrorMessage: Ptr("HTTP 500"),
	}))

	// retries never go backwards
	require.NoError(t, repo.Update(ctx, first.ID, Patch{Retries: Ptr(0)}))
	got, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Retries)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "HTTP 500", got.ErrorMessage)

	require.NoError(t, repo.Transition(ctx, second.ID, StatusPending, StatusProcessing, Patch{}))
	data := &conflict.Data{OperationID: second.ID, Type: conflict.CreateCreate, ServerData: map[string]any{"id": "x"}}
	require.NoError(t, repo.Transition(ctx, second.ID, StatusProcessing, StatusConflict, Patch{
		ConflictType:       Ptr(conflict.CreateCreate),
		ConflictData:       data,
		ResolutionStrategy: Ptr(conflict.Manual),
	}))

	got, err = repo.Get(ctx, second.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ConflictData)
	assert.Equal(t, conflict.CreateCreate, got.ConflictType)
	assert.Equal(t, "x", got.ConflictData.ServerData["id"])

	resolvedAt := time.Now()
	require.NoError(t, repo.Transition(ctx, second.ID, StatusConflict, StatusCompleted, Patch{
		ResolutionStrategy: Ptr(conflict.ClientWins),
		ResolvedAt:         &resolvedAt,
	}))

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusError])
	assert.Equal(t, 1, counts[StatusCompleted])
	assert.Equal(t, 0, counts[StatusPending])

	n, err := repo.DeleteByStatus(ctx, StatusCompleted)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = repo.Get(ctx, second.ID)
	assert.ErrorIs(t, err, ErrOperationNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, second.ID), ErrOperationNotFound)

	n, err = repo.Clear(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSQLPendingRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLPendingRepository(openStore(t).SQL(), loggy.NewNoopLogger())

	late := &PendingRequest{URL: "/late", Method: "post", Timestamp: time.UnixMilli(2000)}
	early := &PendingRequest{URL: "/early", Method: "PUT", Timestamp: time.UnixMilli(1000), Body: json.RawMessage(`{"a":1}`),
		Headers: map[string]string{"X-Trace": "1"}}
	require.NoError(t, repo.Add(ctx, late))
	require.NoError(t, repo.Add(ctx, early))
	assert.NotEmpty(t, late.ID)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "/early", list[0].URL)
	assert.Equal(t, "1", list[0].Headers["X-Trace"])
	assert.Equal(t, "POST", list[1].Method)

	require.NoError(t, repo.IncrementAttempts(ctx, early.ID, "connection refused"))
	list, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, list[0].Attempts)
	assert.Equal(t, "connection refused", list[0].LastError)

	require.NoError(t, repo.Delete(ctx, early.ID))
	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cleared, err := repo.Clear(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cleared)
}
