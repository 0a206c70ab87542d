package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/caresync/internal/loggy"
)

// setupTestServer answers HEAD /health with whatever status is stored
func setupTestServer(t *testing.T) (*httptest.Server, *atomic.Int32, *atomic.Int32) {
	t.Helper()
	status := &atomic.Int32{}
	status.Store(http.StatusOK)
	hits := &atomic.Int32{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(server.Close)
	return server, status, hits
}

func TestOfflineSignalFlipsImmediately(t *testing.T) {
	server, _, hits := setupTestServer(t)
	m := New(Options{HealthURL: server.URL + "/health", InitialOnline: true}, loggy.NewNoopLogger())

	var down atomic.Int32
	m.OnOffline("count", func() { down.Add(1) })

	m.HandleOfflineSignal()
	assert.False(t, m.IsOnline())
	assert.EqualValues(t, 1, down.Load())
	assert.Zero(t, hits.Load(), "offline must not wait for a ping")

	// repeated signal is not a transition
	m.HandleOfflineSignal()
	assert.EqualValues(t, 1, down.Load())
}

func TestOnlineSignalRequiresVerification(t *testing.T) {
	server, status, _ := setupTestServer(t)
	m := New(Options{HealthURL: server.URL + "/health"}, loggy.NewNoopLogger())

	var up atomic.Int32
	m.OnOnline("count", func() { up.Add(1) })

	status.Store(http.StatusServiceUnavailable)
	assert.False(t, m.HandleOnlineSignal(context.Background()))
	assert.False(t, m.IsOnline())
	assert.Zero(t, up.Load())

	status.Store(http.StatusOK)
	assert.True(t, m.HandleOnlineSignal(context.Background()))
	assert.True(t, m.IsOnline())
	assert.EqualValues(t, 1, up.Load())
}

func TestUnreachableServerMeansOffline(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL + "/health"
	server.Close()

	m := New(Options{HealthURL: url, InitialOnline: true, VerifyTimeout: time.Second}, loggy.NewNoopLogger())
	assert.False(t, m.Check(context.Background()))
	assert.False(t, m.IsOnline())
}

func TestListenersAreIdempotentAndIsolated(t *testing.T) {
	server, _, _ := setupTestServer(t)
	m := New(Options{HealthURL: server.URL + "/health"}, loggy.NewNoopLogger())

	var calls atomic.Int32
	m.OnOnline("a", func() { calls.Add(1) })
	m.OnOnline("a", func() { calls.Add(1) })
	m.OnOnline("boom", func() { panic("listener bug") })
	m.OnOnline("b", func() { calls.Add(10) })

	require.NotPanics(t, func() { m.Check(context.Background()) })
	assert.EqualValues(t, 11, calls.Load(), "same key registers once, panics do not stop later listeners")

	m.RemoveListener("b")
	m.RemoveListener("b")
	m.RemoveListener("never-registered")

	m.HandleOfflineSignal()
	m.Check(context.Background())
	assert.EqualValues(t, 12, calls.Load())
}

func TestPeriodicChecks(t *testing.T) {
	server, status, _ := setupTestServer(t)
	m := New(Options{HealthURL: server.URL + "/health", InitialOnline: true}, loggy.NewNoopLogger())
	defer m.Close()

	wentDown := make(chan struct{}, 1)
	m.OnOffline("signal", func() { wentDown <- struct{}{} })

	status.Store(http.StatusBadGateway)
	m.StartPeriodicChecks(10 * time.Millisecond)
	m.StartPeriodicChecks(10 * time.Millisecond)

	select {
	case <-wentDown:
	case <-time.After(2 * time.Second):
		t.Fatal("periodic check never detected the outage")
	}
	assert.False(t, m.IsOnline())

	m.StopPeriodicChecks()
	m.StopPeriodicChecks()
}

func TestCloseDropsListeners(t *testing.T) {
	server, _, _ := setupTestServer(t)
	m := New(Options{HealthURL: server.URL + "/health"}, loggy.NewNoopLogger())

	var calls atomic.Int32
	m.OnOnline("a", func() { calls.Add(1) })
	m.Close()

	m.Check(context.Background())
	assert.Zero(t, calls.Load())
}

func TestStoppingChecksMidPingKeepsState(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	m := New(Options{HealthURL: server.URL + "/health", InitialOnline: true}, loggy.NewNoopLogger())
	var down atomic.Int32
	m.OnOffline("count", func() { down.Add(1) })

	m.StartPeriodicChecks(5 * time.Millisecond)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("periodic check never reached the server")
	}
	m.StopPeriodicChecks()

	assert.True(t, m.IsOnline())
	assert.Zero(t, down.Load())
}
