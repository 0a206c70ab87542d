package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/caresync/internal/config"
	"github.com/tildaslashalef/caresync/internal/conflict"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/queue"
	syncsvc "github.com/tildaslashalef/caresync/internal/sync"
	"github.com/tildaslashalef/caresync/internal/ulid"
)

var (
	opID      = ulid.OperationID()
	missingID = ulid.OperationID()
)

// MockEngine is a mock implementation of Engine
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Stats(ctx context.Context) (map[queue.Status]int, error) {
	args := m.Called(ctx)
	counts, _ := args.Get(0).(map[queue.Status]int)
	return counts, args.Error(1)
}

func (m *MockEngine) List(ctx context.Context, statuses ...queue.Status) ([]*queue.Operation, error) {
	args := m.Called(ctx, statuses)
	ops, _ := args.Get(0).([]*queue.Operation)
	return ops, args.Error(1)
}

func (m *MockEngine) Get(ctx context.Context, id string) (*queue.Operation, error) {
	args := m.Called(ctx, id)
	op, _ := args.Get(0).(*queue.Operation)
	return op, args.Error(1)
}

func (m *MockEngine) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockEngine) Clear(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEngine) ProcessQueue(ctx context.Context) (*syncsvc.SyncResult, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*syncsvc.SyncResult)
	return res, args.Error(1)
}

func (m *MockEngine) RetryFailedOperations(ctx context.Context) (*syncsvc.SyncResult, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*syncsvc.SyncResult)
	return res, args.Error(1)
}

func (m *MockEngine) CleanupCompletedOperations(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEngine) ResolveConflict(ctx context.Context, id string, strategy conflict.Strategy) (*conflict.Resolution, error) {
	args := m.Called(ctx, id, strategy)
	res, _ := args.Get(0).(*conflict.Resolution)
	return res, args.Error(1)
}

func (m *MockEngine) IsProcessing() bool {
	return m.Called().Bool(0)
}

type fakeNetwork struct {
	online   bool
	verified bool
}

func (n *fakeNetwork) IsOnline() bool { return n.online }

func (n *fakeNetwork) HandleOnlineSignal(context.Context) bool {
	n.online = n.verified
	return n.online
}

func (n *fakeNetwork) HandleOfflineSignal() { n.online = false }

func newTestServer(t *testing.T, engine Engine, network Network, events EventSource) *Server {
	t.Helper()
	cfg := config.New().API
	return NewServer(cfg, engine, network, events, loggy.NewNoopLogger())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	engine := &MockEngine{}
	engine.On("Stats", mock.Anything).Return(map[queue.Status]int{
		queue.StatusPending: 3, queue.StatusError: 1, queue.StatusConflict: 2,
	}, nil)
	engine.On("IsProcessing").Return(false)

	s := newTestServer(t, engine, &fakeNetwork{online: true}, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Online    bool           `json:"online"`
		Pending   int            `json:"pending"`
		Errors    int            `json:"errors"`
		Conflicts int            `json:"conflicts"`
		Counts    map[string]int `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Online)
	assert.Equal(t, 3, body.Pending)
	assert.Equal(t, 1, body.Errors)
	assert.Equal(t, 2, body.Conflicts)
	assert.Equal(t, 3, body.Counts["pending"])
}

func TestListOperations(t *testing.T) {
	engine := &MockEngine{}
	engine.On("List", mock.Anything, []queue.Status{queue.StatusError, queue.StatusConflict}).
		Return([]*queue.Operation{{ID: "op-1", Method: "PUT", URL: "/visits/1", Status: queue.StatusError, Retries: 2}}, nil)

	s := newTestServer(t, engine, &fakeNetwork{}, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/sync/operations?status=error,conflict", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"op-1"`)
	assert.Contains(t, rec.Body.String(), `"retries":2`)

	rec = do(t, s.Handler(), http.MethodGet, "/api/sync/operations?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	engine.AssertExpectations(t)
}

func TestDeleteOperations(t *testing.T) {
	engine := &MockEngine{}
	engine.On("Delete", mock.Anything, opID).Return(nil)
	engine.On("Delete", mock.Anything, missingID).Return(queue.ErrOperationNotFound)
	engine.On("Clear", mock.Anything).Return(int64(4), nil)

	s := newTestServer(t, engine, &fakeNetwork{}, nil)

	assert.Equal(t, http.StatusNoContent, do(t, s.Handler(), http.MethodDelete, "/api/sync/operations/"+opID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodDelete, "/api/sync/operations/"+missingID, "").Code)

	rec := do(t, s.Handler(), http.MethodDelete, "/api/sync/operations", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":4}`, rec.Body.String())
}

func TestRunAndRetry(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		method string
		err    error
		want   int
	}{
		{"run ok", "/api/sync/run", "ProcessQueue", nil, http.StatusOK},
		{"run offline", "/api/sync/run", "ProcessQueue", syncsvc.ErrOffline, http.StatusServiceUnavailable},
		{"run busy", "/api/sync/run", "ProcessQueue", syncsvc.ErrSyncInProgress, http.StatusConflict},
		{"retry ok", "/api/sync/retry", "RetryFailedOperations", nil, http.StatusOK},
		{"retry broken", "/api/sync/retry", "RetryFailedOperations", errors.New("disk I/O error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &MockEngine{}
			engine.On(tt.method, mock.Anything).Return(&syncsvc.SyncResult{Completed: 1}, tt.err)

			s := newTestServer(t, engine, &fakeNetwork{online: true}, nil)
			rec := do(t, s.Handler(), http.MethodPost, tt.path, "")
			assert.Equal(t, tt.want, rec.Code)
			engine.AssertExpectations(t)
		})
	}
}

func TestResolveOperation(t *testing.T) {
	tests := []struct {
		name string
		body string
		res  *conflict.Resolution
		err  error
		want int
	}{
		{"resolved", `{"strategy":"client_wins"}`, &conflict.Resolution{Resolved: true, Strategy: conflict.ClientWins}, nil, http.StatusOK},
		{"not in conflict", `{"strategy":"SERVER_WINS"}`, nil, syncsvc.ErrNotInConflict, http.StatusConflict},
		{"forced write failed", `{"strategy":"MERGE"}`, &conflict.Resolution{Strategy: conflict.Merge, Error: "API error 500"}, errors.New("API error 500"), http.StatusBadGateway},
		{"manual", `{"strategy":"MANUAL"}`, nil, conflict.ErrManualResolution, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &MockEngine{}
			engine.On("ResolveConflict", mock.Anything, opID, mock.AnythingOfType("conflict.Strategy")).Return(tt.res, tt.err)

			s := newTestServer(t, engine, &fakeNetwork{}, nil)
			rec := do(t, s.Handler(), http.MethodPost, "/api/sync/operations/"+opID+"/resolve", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	s := newTestServer(t, &MockEngine{}, &fakeNetwork{}, nil)
	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodPost, "/api/sync/operations/"+opID+"/resolve", `{"strategy":"WHATEVER"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodPost, "/api/sync/operations/"+opID+"/resolve", `nope`).Code)
}

func TestNetworkSignals(t *testing.T) {
	network := &fakeNetwork{online: true}
	s := newTestServer(t, &MockEngine{}, network, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/api/network/offline", "")
	assert.JSONEq(t, `{"online":false}`, rec.Body.String())

	rec = do(t, s.Handler(), http.MethodPost, "/api/network/online", "")
	assert.JSONEq(t, `{"online":false}`, rec.Body.String(), "unverified online signal is ignored")

	network.verified = true
	rec = do(t, s.Handler(), http.MethodPost, "/api/network/online", "")
	assert.JSONEq(t, `{"online":true}`, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	cfg := config.New().API
	cfg.AllowedOrigins = []string{"app://caresync"}
	s := NewServer(cfg, &MockEngine{}, &fakeNetwork{}, nil, loggy.NewNoopLogger())

	req := httptest.NewRequest(http.MethodOptions, "/api/sync/run", nil)
	req.Header.Set("Origin", "app://caresync")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "app://caresync", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventsWebsocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := syncsvc.NewBus(loggy.NewNoopLogger())
	s := newTestServer(t, &MockEngine{}, &fakeNetwork{}, bus)
	s.start(ctx)

	server := httptest.NewServer(s.Handler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/sync/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Hub().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	bus.Publish(syncsvc.Event{Type: syncsvc.EventConflictDetected, Operation: &queue.Operation{ID: "op-7", Status: queue.StatusConflict}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type      string `json:"type"`
		Operation struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"operation"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "conflict-detected", msg.Type)
	assert.Equal(t, "op-7", msg.Operation.ID)
	assert.Equal(t, "conflict", msg.Operation.Status)
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t, &MockEngine{}, &fakeNetwork{online: true}, nil)

	first := do(t, s.Handler(), http.MethodGet, "/health", "")
	second := do(t, s.Handler(), http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, first.Code)
	assert.True(t, strings.HasPrefix(first.Header().Get("X-Request-ID"), "req-"))
	assert.NotEqual(t, first.Header().Get("X-Request-ID"), second.Header().Get("X-Request-ID"))
}

func TestMalformedOperationID(t *testing.T) {
	engine := &MockEngine{}
	s := newTestServer(t, engine, &fakeNetwork{online: true}, nil)

	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodGet, "/api/sync/operations/op-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodDelete, "/api/sync/operations/nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodPost, "/api/sync/operations/x/resolve", `{"strategy":"MERGE"}`).Code)
	engine.AssertExpectations(t)
}
