// Package gateway is the offline-aware front door for API calls. Reads fall
// back to the response cache and writes fall back to the sync queue.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tildaslashalef/caresync/internal/cache"
	"github.com/tildaslashalef/caresync/internal/config"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/queue"
	syncsvc "github.com/tildaslashalef/caresync/internal/sync"
)

const (
	StatusNetworkError = 0
	StatusTimeout      = http.StatusRequestTimeout
	StatusQueued       = http.StatusServiceUnavailable
)

var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrOffline            = errors.New("offline")
)

// Doer performs a single HTTP exchange
type Doer interface {
	Do(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) (*syncsvc.Response, error)
	ResolveURL(u string) string
}

// Queuer stores a write for replay by the sync processor
type Queuer interface {
	Enqueue(ctx context.Context, n queue.NewOperation) (*queue.Operation, error)
}

// Connectivity reports whether the server is believed reachable
type Connectivity interface {
	IsOnline() bool
}

// Options are gateway-wide defaults
type Options struct {
	Timeout            time.Duration
	RetryCount         int
	RetryDelay         time.Duration
	MaxRetryDelay      time.Duration
	CacheTTL           time.Duration
	CacheGets          bool
	MaxPendingAttempts int
	DefaultHeaders     map[string]string
}

// OptionsFromConfig maps configuration onto gateway options
func OptionsFromConfig(cfg config.GatewayConfig, maxAttempts int) Options {
	return Options{
		Timeout:            cfg.Timeout,
		RetryCount:         cfg.RetryCount,
		RetryDelay:         cfg.RetryDelay,
		MaxRetryDelay:      cfg.MaxRetryDelay,
		CacheTTL:           cfg.CacheTTL,
		CacheGets:          cfg.CacheGets,
		MaxPendingAttempts: maxAttempts,
	}
}

// RequestOptions tune one call
type RequestOptions struct {
	Query   url.Values
	Headers map[string]string
	Timeout time.Duration // zero uses the gateway default

	// OfflineSupport queues writes that cannot reach the server
	OfflineSupport bool
	// RawQueue stores the call verbatim as a pending request instead of a
	// sync operation
	RawQueue bool

	NoCache  bool
	CacheTTL time.Duration
	NoRetry  bool

	ResourceType string
	ResourceID   string
}

// Result is what every call returns. Failures are reported in Error and
// Status rather than as Go errors.
type Result struct {
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Status   int             `json:"status"`
	Offline  bool            `json:"offline,omitempty"`
	Cached   bool            `json:"cached,omitempty"`
	QueuedID string          `json:"queuedId,omitempty"`
}

// OK reports a 2xx result
func (r *Result) OK() bool {
	return r.Error == "" && r.Status >= 200 && r.Status < 300
}

// Gateway wraps the API client with caching, retries and offline queueing
type Gateway struct {
	client  Doer
	cache   cache.Repository
	queue   Queuer
	pending queue.PendingRepository
	conn    Connectivity
	opts    Options
	logger  *loggy.Logger
}

// New creates a gateway. cache and pending may be nil to disable those
// fallbacks.
func New(client Doer, cacheRepo cache.Repository, queuer Queuer, pending queue.PendingRepository, conn Connectivity, opts Options, logger *loggy.Logger) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = opts.RetryDelay
	}
	if opts.MaxPendingAttempts <= 0 {
		opts.MaxPendingAttempts = 5
	}

	return &Gateway{
		client:  client,
		cache:   cacheRepo,
		queue:   queuer,
		pending: pending,
		conn:    conn,
		opts:    opts,
		logger:  logger.WithComponent("gateway"),
	}
}

func (g *Gateway) Get(ctx context.Context, path string, opts *RequestOptions) *Result {
	return g.Request(ctx, http.MethodGet, path, nil, opts)
}

func (g *Gateway) Post(ctx context.Context, path string, body any, opts *RequestOptions) *Result {
	return g.Request(ctx, http.MethodPost, path, body, opts)
}

func (g *Gateway) Put(ctx context.Context, path string, body any, opts *RequestOptions) *Result {
	return g.Request(ctx, http.MethodPut, path, body, opts)
}

func (g *Gateway) Patch(ctx context.Context, path string, body any, opts *RequestOptions) *Result {
	return g.Request(ctx, http.MethodPatch, path, body, opts)
}

func (g *Gateway) Delete(ctx context.Context, path string, opts *RequestOptions) *Result {
	return g.Request(ctx, http.MethodDelete, path, nil, opts)
}

// call is one request after option defaults are applied
type call struct {
	method  string
	url     string
	key     string
	headers map[string]string
	body    []byte
	opts    RequestOptions
}

// Request sends method to path
func (g *Gateway) Request(ctx context.Context, method, path string, body any, opts *RequestOptions) *Result {
	c, err := g.prepare(method, path, body, opts)
	if err != nil {
		return &Result{Status: StatusNetworkError, Error: err.Error()}
	}

	log := g.logger.With("method", c.method, "url", c.url)
	isRead := c.method == http.MethodGet
	useCache := isRead && g.cache != nil && g.opts.CacheGets && !c.opts.NoCache

	if !g.conn.IsOnline() {
		if isRead {
			if res := g.fromCache(ctx, c.key, true); res != nil {
				log.Debug("Served cached response while offline")
				return res
			}
			return &Result{Status: StatusNetworkError, Error: ErrNetworkUnavailable.Error(), Offline: true}
		}
		if c.opts.OfflineSupport {
			return g.queueCall(ctx, c, "queued for sync while offline")
		}
		return &Result{Status: StatusNetworkError, Error: ErrNetworkUnavailable.Error(), Offline: true}
	}

	if useCache {
		if res := g.fromCache(ctx, c.key, false); res != nil {
			log.Debug("Cache hit")
			return res
		}
	}

	resp, err := g.send(ctx, c)
	if err != nil {
		status, msg := classify(err)
		log.Warn("Request failed", "status", status, "error", err)
		if !isRead && c.opts.OfflineSupport && ctx.Err() == nil {
			return g.queueCall(ctx, c, msg)
		}
		return &Result{Status: status, Error: msg}
	}

	if !resp.OK() {
		apiErr := syncsvc.ParseAPIError(resp.StatusCode, resp.Body)
		res := &Result{Status: resp.StatusCode, Error: apiErr.Message}
		if json.Valid(resp.Body) {
			res.Data = resp.Body
		}
		return res
	}

	if useCache && len(resp.Body) > 0 {
		ttl := g.opts.CacheTTL
		if c.opts.CacheTTL > 0 {
			ttl = c.opts.CacheTTL
		}
		if err := g.cache.Set(ctx, c.key, resp.Body, ttl); err != nil {
			log.Warn("Failed to cache response", "error", err)
		}
	}

	res := &Result{Status: resp.StatusCode}
	if len(resp.Body) > 0 {
		res.Data = resp.Body
	}
	return res
}

func (g *Gateway) prepare(method, path string, body any, opts *RequestOptions) (*call, error) {
	c := &call{method: strings.ToUpper(method)}
	if opts != nil {
		c.opts = *opts
	}

	u := path
	if len(c.opts.Query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + c.opts.Query.Encode()
	}
	c.url = u
	c.key = g.client.ResolveURL(u)

	c.headers = make(map[string]string, len(g.opts.DefaultHeaders)+len(c.opts.Headers))
	for k, v := range g.opts.DefaultHeaders {
		c.headers[k] = v
	}
	for k, v := range c.opts.Headers {
		c.headers[k] = v
	}

	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		c.body = b
	case []byte:
		c.body = b
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		c.body = raw
	}
	return c, nil
}

func (g *Gateway) fromCache(ctx context.Context, key string, offline bool) *Result {
	entry, err := g.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			g.logger.Warn("Cache read failed", "url", key, "error", err)
		}
		return nil
	}
	return &Result{Data: entry.Response, Status: http.StatusOK, Offline: offline, Cached: true}
}

func (g *Gateway) newBackOff(ctx context.Context, retries int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = g.opts.RetryDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = g.opts.MaxRetryDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// send performs the call, retrying transport failures. HTTP error
// responses are returned as responses, never retried.
func (g *Gateway) send(ctx context.Context, c *call) (*syncsvc.Response, error) {
	timeout := g.opts.Timeout
	if c.opts.Timeout > 0 {
		timeout = c.opts.Timeout
	}
	retries := g.opts.RetryCount
	if c.opts.NoRetry || retries < 0 {
		retries = 0
	}

	var resp *syncsvc.Response
	operation := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r, err := g.client.Do(reqCtx, c.method, c.url, c.headers, c.body)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		g.logger.Debug("Retrying request", "method", c.method, "url", c.url, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(operation, g.newBackOff(ctx, retries), notify); err != nil {
		return nil, err
	}
	return resp, nil
}

// classify maps a transport failure to a result status and message
func classify(err error) (int, string) {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return StatusTimeout, "request timed out"
	}
	return StatusNetworkError, fmt.Sprintf("network error: %v", err)
}

func (g *Gateway) queueCall(ctx context.Context, c *call, reason string) *Result {
	log := g.logger.With("method", c.method, "url", c.url)

	if c.opts.RawQueue {
		if g.pending == nil {
			return &Result{Status: StatusNetworkError, Error: "no pending request store configured", Offline: true}
		}
		req := &queue.PendingRequest{URL: c.url, Method: c.method, Headers: c.headers, Body: c.body}
		if err := g.pending.Add(ctx, req); err != nil {
			log.Error("Failed to store pending request", "error", err)
			return &Result{Status: StatusNetworkError, Error: fmt.Sprintf("storing request: %v", err), Offline: true}
		}
		log.Info("Stored pending request", "pending_id", req.ID)
		return &Result{Status: StatusQueued, Error: reason, Offline: true, QueuedID: req.ID}
	}

	if g.queue == nil {
		return &Result{Status: StatusNetworkError, Error: "no sync queue configured", Offline: true}
	}
	op, err := g.queue.Enqueue(ctx, queue.NewOperation{
		URL:          c.url,
		Method:       c.method,
		Headers:      c.headers,
		Body:         c.body,
		ResourceType: c.opts.ResourceType,
		ResourceID:   c.opts.ResourceID,
	})
	if err != nil {
		log.Error("Failed to queue operation", "error", err)
		return &Result{Status: StatusNetworkError, Error: fmt.Sprintf("queueing request: %v", err), Offline: true}
	}
	return &Result{Status: StatusQueued, Error: reason, Offline: true, QueuedID: op.ID}
}

// FlushResult counts what FlushPendingRequests did
type FlushResult struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Dropped int `json:"dropped"`
}

// FlushPendingRequests replays raw pending requests oldest first. A request
// is removed once the server answers 2xx or 4xx, or once it has failed
// MaxPendingAttempts times.
func (g *Gateway) FlushPendingRequests(ctx context.Context) (*FlushResult, error) {
	result := &FlushResult{}
	if g.pending == nil {
		return result, nil
	}
	if !g.conn.IsOnline() {
		return result, ErrOffline
	}

	reqs, err := g.pending.List(ctx)
	if err != nil {
		return result, fmt.Errorf("listing pending requests: %w", err)
	}

	for _, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		log := g.logger.With("pending_id", req.ID, "method", req.Method, "url", req.URL)

		reqCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
		resp, err := g.client.Do(reqCtx, req.Method, req.URL, req.Headers, req.Body)
		cancel()

		var failure string
		switch {
		case err != nil:
			_, failure = classify(err)
		case resp.StatusCode >= 500:
			failure = syncsvc.ParseAPIError(resp.StatusCode, resp.Body).Error()
		case resp.OK():
			result.Sent++
			g.remove(ctx, req.ID)
			continue
		default:
			log.Warn("Server rejected pending request", "status", resp.StatusCode)
			result.Dropped++
			g.remove(ctx, req.ID)
			continue
		}

		if req.Attempts+1 >= g.opts.MaxPendingAttempts {
			log.Warn("Dropping pending request after repeated failures", "attempts", req.Attempts+1, "error", failure)
			result.Dropped++
			g.remove(ctx, req.ID)
			continue
		}
		result.Failed++
		if err := g.pending.IncrementAttempts(ctx, req.ID, failure); err != nil {
			log.Error("Failed to record attempt", "error", err)
		}
	}

	g.logger.Info("Flushed pending requests", "sent", result.Sent, "failed", result.Failed, "dropped", result.Dropped)
	return result, nil
}

func (g *Gateway) remove(ctx context.Context, id string) {
	if err := g.pending.Delete(ctx, id); err != nil {
		g.logger.Error("Failed to delete pending request", "pending_id", id, "error", err)
	}
}

// PurgeExpiredCache drops cache entries past their TTL
func (g *Gateway) PurgeExpiredCache(ctx context.Context) (int64, error) {
	if g.cache == nil {
		return 0, nil
	}
	return g.cache.PurgeExpired(ctx)
}

// ClearCache drops every cached response
func (g *Gateway) ClearCache(ctx context.Context) (int64, error) {
	if g.cache == nil {
		return 0, nil
	}
	return g.cache.Clear(ctx)
}
