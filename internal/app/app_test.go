package app

import (
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/caresync/internal/config"
	"github.com/tildaslashalef/caresync/internal/gateway"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/queue"
	"github.com/urfave/cli/v2"
)

type remote struct {
	mu    sync.Mutex
	seen  []string
	auths []string
}

func (r *remote) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	r.mu.Lock()
	r.seen = append(r.seen, req.Method+" "+req.URL.Path)
	r.auths = append(r.auths, req.Header.Get("Authorization"))
	r.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"id":"n1"}`))
}

func (r *remote) requests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func newTestApp(t *testing.T) (*App, *remote) {
	t.Helper()

	rem := &remote{}
	server := httptest.NewServer(rem)
	t.Cleanup(server.Close)

	cfg := config.New()
	cfg.Database.Path = ":memory:"
	cfg.Server.URL = server.URL + "/api"
	cfg.Network.CheckInterval = 0
	cfg.Sync.CleanupDelay = time.Hour
	cfg.Gateway.RetryCount = 0

	a, err := NewWithConfig(context.Background(), cfg, loggy.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown() })
	return a, rem
}

func TestNewWithConfigWiresServices(t *testing.T) {
	a, _ := newTestApp(t)

	assert.NotNil(t, a.Sync)
	assert.NotNil(t, a.Gateway)
	assert.NotNil(t, a.Resolver)
	assert.True(t, a.Monitor.IsOnline())
	assert.Equal(t, a.Bus, a.Sync.Bus())
}

func TestOfflineWriteReplaysOnReconnect(t *testing.T) {
	a, rem := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, a.Settings.SetToken(ctx, "tok-1"))

	a.Start(ctx)
	a.Monitor.HandleOfflineSignal()

	res := a.Gateway.Post(ctx, "/care-plans", map[string]any{"title": "Evening visit"}, &gateway.RequestOptions{
		OfflineSupport: true,
		ResourceType:   "care-plan",
	})
	require.Equal(t, gateway.StatusQueued, res.Status)
	require.NotEmpty(t, res.QueuedID)

	n, err := a.Sync.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.True(t, a.Monitor.HandleOnlineSignal(ctx))

	require.Eventually(t, func() bool {
		op, err := a.Sync.Get(ctx, res.QueuedID)
		return err == nil && op.Status == queue.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{"POST /api/care-plans"}, rem.requests())
	rem.mu.Lock()
	assert.Equal(t, "Bearer tok-1", rem.auths[0])
	rem.mu.Unlock()
}

func TestStartIsIdempotent(t *testing.T) {
	a, _ := newTestApp(t)
	a.Start(context.Background())
	a.Start(context.Background())
	assert.True(t, a.started)
}

func TestStartTidiesStore(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	repo := queue.NewSQLRepository(a.DB.SQL(), loggy.NewNoopLogger())
	done, err := repo.Enqueue(ctx, queue.NewOperation{URL: "/visits", Method: http.MethodPost})
	require.NoError(t, err)
	require.NoError(t, repo.Transition(ctx, done.ID, queue.StatusPending, queue.StatusProcessing, queue.Patch{}))
	require.NoError(t, repo.Transition(ctx, done.ID, queue.StatusProcessing, queue.StatusCompleted, queue.Patch{}))

	waiting, err := repo.Enqueue(ctx, queue.NewOperation{URL: "/visits/2", Method: http.MethodDelete})
	require.NoError(t, err)

	expired := time.Now().Add(-time.Minute).UnixMilli()
	_, err = a.DB.SQL().ExecContext(ctx,
		"INSERT INTO cache (url, response, timestamp, expires_at) VALUES (?, ?, ?, ?)",
		"http://stale/api/visits", []byte("x"), expired, expired)
	require.NoError(t, err)

	a.Monitor.HandleOfflineSignal()
	a.Start(ctx)

	_, err = a.Sync.Get(ctx, done.ID)
	assert.ErrorIs(t, err, queue.ErrOperationNotFound)
	got, err := a.Sync.Get(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)

	var cached int
	require.NoError(t, a.DB.SQL().QueryRowContext(ctx, "SELECT COUNT(*) FROM cache").Scan(&cached))
	assert.Zero(t, cached)
}

func TestFromContext(t *testing.T) {
	a, _ := newTestApp(t)

	cliApp := cli.NewApp()
	c := cli.NewContext(cliApp, flag.NewFlagSet("test", flag.ContinueOnError), nil)

	_, err := FromContext(c)
	require.Error(t, err)

	cliApp.Metadata = map[string]interface{}{"app": a}
	got, err := FromContext(c)
	require.NoError(t, err)
	assert.Same(t, a, got)
}
