// Package netmon tracks whether the remote API is reachable
package netmon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tildaslashalef/caresync/internal/loggy"
)

// Options configures a Monitor
type Options struct {
	HealthURL     string
	InitialOnline bool
	VerifyTimeout time.Duration
	HTTPClient    *http.Client
}

type listener struct {
	key string
	fn  func()
}

// Monitor holds the current connectivity state. A platform "offline" signal
// is trusted immediately; "online" is only believed once a HEAD request to
// the health URL succeeds.
type Monitor struct {
	healthURL string
	client    *http.Client
	logger    *loggy.Logger

	mu      sync.RWMutex
	online  bool
	onUp    []listener
	onDown  []listener
	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates a Monitor in the state given by opts.InitialOnline
func New(opts Options, logger *loggy.Logger) *Monitor {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.VerifyTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &Monitor{
		healthURL: opts.HealthURL,
		client:    client,
		logger:    logger.WithComponent("netmon"),
		online:    opts.InitialOnline,
	}
}

// IsOnline reports the last known state
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnOnline registers fn under key for offline to online transitions.
// Registering an existing key replaces its callback.
func (m *Monitor) OnOnline(key string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUp = upsert(m.onUp, key, fn)
}

// OnOffline registers fn under key for online to offline transitions
func (m *Monitor) OnOffline(key string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDown = upsert(m.onDown, key, fn)
}

// RemoveListener drops key from both sets. Unknown keys are ignored.
func (m *Monitor) RemoveListener(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUp = remove(m.onUp, key)
	m.onDown = remove(m.onDown, key)
}

func upsert(ls []listener, key string, fn func()) []listener {
	for i := range ls {
		if ls[i].key == key {
			ls[i].fn = fn
			return ls
		}
	}
	return append(ls, listener{key: key, fn: fn})
}

func remove(ls []listener, key string) []listener {
	out := ls[:0]
	for _, l := range ls {
		if l.key != key {
			out = append(out, l)
		}
	}
	return out
}

// HandleOnlineSignal is called when the platform reports connectivity. The
// state only flips after the health endpoint answers.
func (m *Monitor) HandleOnlineSignal(ctx context.Context) bool {
	if m.IsOnline() {
		return true
	}
	if err := m.verify(ctx); err != nil {
		m.logger.Info("Platform reports online but server is unreachable", "error", err)
		return false
	}
	m.set(true)
	return true
}

// HandleOfflineSignal is called when the platform reports loss of
// connectivity.
func (m *Monitor) HandleOfflineSignal() {
	m.set(false)
}

// Check pings the health endpoint and updates the state from the result
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.verify(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// an aborted check says nothing about the server
			m.logger.Debug("Connectivity check cancelled", "error", err)
			return m.IsOnline()
		}
		m.logger.Debug("Connectivity check failed", "error", err)
	}
	m.set(err == nil)
	return err == nil
}

func (m *Monitor) verify(ctx context.Context) error {
	if m.healthURL == "" {
		return fmt.Errorf("no health url configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.healthURL, nil)
	if err != nil {
		return fmt.Errorf("creating health request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// set flips the state and notifies the matching listeners on a change
func (m *Monitor) set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	var targets []listener
	if online {
		targets = append(targets, m.onUp...)
	} else {
		targets = append(targets, m.onDown...)
	}
	m.mu.Unlock()

	m.logger.Info("Connectivity changed", "online", online)
	for _, l := range targets {
		m.notify(l)
	}
}

func (m *Monitor) notify(l listener) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Connectivity listener panicked", "listener", l.key, "panic", r)
		}
	}()
	l.fn()
}

// StartPeriodicChecks verifies connectivity every interval until
// StopPeriodicChecks or Close. A second call while running is a no-op.
func (m *Monitor) StartPeriodicChecks(interval time.Duration) {
	if interval <= 0 {
		return
	}

	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stopCh, m.stopped = stop, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithCancel(context.Background())
				go func() {
					select {
					case <-stop:
						cancel()
					case <-ctx.Done():
					}
				}()
				m.Check(ctx)
				cancel()
			}
		}
	}()
}

// StopPeriodicChecks stops the check loop and waits for it to exit
func (m *Monitor) StopPeriodicChecks() {
	m.mu.Lock()
	stop, done := m.stopCh, m.stopped
	m.stopCh, m.stopped = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Close stops checks and drops every listener
func (m *Monitor) Close() {
	m.StopPeriodicChecks()

	m.mu.Lock()
	m.onUp, m.onDown = nil, nil
	m.mu.Unlock()
}
