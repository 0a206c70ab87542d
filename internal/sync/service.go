package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tildaslashalef/caresync/internal/conflict"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/queue"
	"golang.org/x/time/rate"
)

var (
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrOffline        = errors.New("offline")
	ErrNotInConflict  = errors.New("operation is not in conflict")
)

// IdempotencyHeader is attached to every queued write so a replay after a
// lost response is not applied twice
const IdempotencyHeader = "Idempotency-Key"

// Executor sends a queued operation to the server
type Executor interface {
	Execute(ctx context.Context, op *queue.Operation) (*Response, error)
}

// Connectivity reports whether the server is believed reachable
type Connectivity interface {
	IsOnline() bool
}

// Options tunes the processor
type Options struct {
	MaxRetries        int
	CleanupDelay      time.Duration
	RequestsPerMinute int
	SyncOnReconnect   bool
}

// Service drains the sync queue
type Service struct {
	repo     queue.Repository
	logs     Repository
	exec     Executor
	resolver *conflict.Resolver
	conn     Connectivity
	bus      *Bus
	limiter  *rate.Limiter
	opts     Options
	logger   *loggy.Logger
	now      func() time.Time

	draining atomic.Bool

	mu           gosync.Mutex
	cleanupTimer *time.Timer
	schedStop    chan struct{}
	baseCtx      context.Context
	cancel       context.CancelFunc
	wg           gosync.WaitGroup
}

// NewService creates a new sync service. logs may be nil to skip pass
// history.
func NewService(
	repo queue.Repository,
	logs Repository,
	exec Executor,
	resolver *conflict.Resolver,
	conn Connectivity,
	bus *Bus,
	opts Options,
	logger *loggy.Logger,
) *Service {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if bus == nil {
		bus = NewBus(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:     repo,
		logs:     logs,
		exec:     exec,
		resolver: resolver,
		conn:     conn,
		bus:      bus,
		limiter:  newLimiter(opts.RequestsPerMinute, 1),
		opts:     opts,
		logger:   logger.WithComponent("sync"),
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// helper function to create a rate limiter from RPM and Burst
func newLimiter(rpm, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}

// Bus returns the event bus
func (s *Service) Bus() *Bus { return s.bus }

// Subscribe registers fn for every queue event under key
func (s *Service) Subscribe(key string, fn func(Event)) { s.bus.Subscribe(key, fn) }

// Unsubscribe drops the callback registered under key
func (s *Service) Unsubscribe(key string) { s.bus.Unsubscribe(key) }

// Stream returns a buffered channel of queue events
func (s *Service) Stream(buffer int) (<-chan Event, func()) { return s.bus.Stream(buffer) }

// IsProcessing reports whether a pass is running
func (s *Service) IsProcessing() bool { return s.draining.Load() }

// Enqueue persists a write for later replay
func (s *Service) Enqueue(ctx context.Context, n queue.NewOperation) (*queue.Operation, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(n.Headers)+1)
	for k, v := range n.Headers {
		headers[k] = v
	}
	if _, ok := headers[IdempotencyHeader]; !ok {
		headers[IdempotencyHeader] = uuid.NewString()
	}
	n.Headers = headers

	op, err := s.repo.Enqueue(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("queueing operation: %w", err)
	}

	s.logger.Info("Operation queued", "operation_id", op.ID, "method", op.Method, "url", op.URL)
	s.bus.Publish(Event{Type: EventQueued, Operation: op})
	return op, nil
}

// ProcessQueue replays pending operations in queue order
func (s *Service) ProcessQueue(ctx context.Context) (*SyncResult, error) {
	return s.process(ctx, SyncTypeManual)
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeConflict
	outcomeResolved
)

func (s *Service) process(ctx context.Context, syncType SyncType) (*SyncResult, error) {
	result := &SyncResult{Type: syncType}

	if !s.conn.IsOnline() {
		s.logger.Debug("Skipping sync while offline")
		return result, ErrOffline
	}
	if !s.draining.CompareAndSwap(false, true) {
		s.logger.Debug("Sync already in progress")
		return result, ErrSyncInProgress
	}
	defer s.draining.Store(false)

	start := s.now()
	syncLog := NewSyncLog(syncType)

	ops, err := s.repo.List(ctx, queue.StatusPending)
	if err != nil {
		return result, fmt.Errorf("listing pending operations: %w", err)
	}

	log := s.logger.With("sync_type", syncType)
	log.Info("Processing sync queue", "pending", len(ops))

	for _, op := range ops {
		if ctx.Err() != nil || !s.conn.IsOnline() {
			log.Info("Stopping sync pass early", "remaining", len(ops)-result.Processed)
			break
		}

		result.Processed++
		switch s.processOne(ctx, op, result) {
		case outcomeCompleted:
			result.Completed++
		case outcomeFailed:
			result.Failed++
		case outcomeConflict:
			result.Conflicts++
		case outcomeResolved:
			result.Conflicts++
			result.Resolved++
			result.Completed++
		case outcomeSkipped:
			result.Skipped++
		}
	}

	result.Duration = s.now().Sub(start)
	log.Info("Sync pass finished",
		"processed", result.Processed,
		"completed", result.Completed,
		"failed", result.Failed,
		"conflicts", result.Conflicts,
		"resolved", result.Resolved,
		"duration", result.Duration)

	if s.logs != nil && result.Processed > 0 {
		syncLog.Finish(result)
		if err := s.logs.CreateSyncLog(context.WithoutCancel(ctx), syncLog); err != nil {
			log.Warn("Failed to record sync log", "error", err)
		}
	}

	if result.Completed > 0 {
		s.scheduleCleanup(context.WithoutCancel(ctx))
	}

	s.bus.Publish(Event{Type: EventSyncFinished, Result: result})
	return result, nil
}

func (s *Service) processOne(ctx context.Context, op *queue.Operation, result *SyncResult) outcome {
	log := s.logger.With("operation_id", op.ID, "method", op.Method, "url", op.URL)

	if err := s.repo.Transition(ctx, op.ID, queue.StatusPending, queue.StatusProcessing, queue.Patch{}); err != nil {
		if errors.Is(err, queue.ErrNotClaimed) {
			log.Debug("Operation claimed elsewhere")
		} else {
			log.Error("Failed to claim operation", "error", err)
		}
		return outcomeSkipped
	}
	op.Status = queue.StatusProcessing

	// a claimed operation must leave processing even if ctx is cancelled
	store := context.WithoutCancel(ctx)

	if err := s.limiter.Wait(ctx); err != nil {
		s.fail(store, op, fmt.Sprintf("interrupted: %v", err), result)
		return outcomeFailed
	}

	resp, err := s.exec.Execute(ctx, op)
	if err != nil {
		log.WithError(err).Warn("Request failed", "sync_error", ClassifyError(err))
		s.fail(store, op, err.Error(), result)
		return outcomeFailed
	}

	switch {
	case resp.OK():
		if err := s.repo.Transition(store, op.ID, queue.StatusProcessing, queue.StatusCompleted, queue.Patch{ErrorMessage: queue.Ptr("")}); err != nil {
			log.Error("Failed to mark operation completed", "error", err)
			return outcomeSkipped
		}
		op.Status = queue.StatusCompleted
		log.Debug("Operation synced", "status", resp.StatusCode)
		s.bus.Publish(Event{Type: EventCompleted, Operation: op})
		return outcomeCompleted

	case conflict.IsConflictStatus(op.Method, resp.StatusCode):
		return s.handleConflict(ctx, op, resp)
	}

	apiErr := ParseAPIError(resp.StatusCode, resp.Body)
	log.Warn("Server rejected operation", "status", resp.StatusCode, "error_type", ClassifyError(apiErr))
	s.fail(store, op, apiErr.Error(), result)
	return outcomeFailed
}

func (s *Service) fail(ctx context.Context, op *queue.Operation, msg string, result *SyncResult) {
	retries := op.Retries + 1
	err := s.repo.Transition(ctx, op.ID, queue.StatusProcessing, queue.StatusError, queue.Patch{
		Retries:      queue.Ptr(retries),
		ErrorMessage: queue.Ptr(msg),
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to mark operation failed", "operation_id", op.ID)
		return
	}

	op.Status = queue.StatusError
	op.Retries = retries
	op.ErrorMessage = msg
	result.LastError = msg
	s.bus.Publish(Event{Type: EventFailed, Operation: op, Error: msg})
}

func (s *Service) handleConflict(ctx context.Context, op *queue.Operation, resp *Response) outcome {
	log := s.logger.With("operation_id", op.ID, "status", resp.StatusCode)

	ctype, known := conflict.Classify(op.Method, resp.StatusCode)
	if !known {
		log.Warn("Unrecognized conflict response, treating as update/update", "method", op.Method)
	}

	server := serverSnapshot(resp.Body)
	data := &conflict.Data{
		OperationID:     op.ID,
		ResourceType:    op.ResourceType,
		ResourceID:      op.ResourceID,
		Type:            ctype,
		ClientData:      op.BodyMap(),
		ServerData:      server,
		ClientTimestamp: op.Timestamp,
		ServerTimestamp: serverTimestamp(server, resp.Header, s.now()),
		Method:          op.Method,
		URL:             op.URL,
		Headers:         op.Headers,
	}

	strategy := s.resolver.StrategyFor(op.ResourceType, ctype)
	store := context.WithoutCancel(ctx)

	// persist the snapshot before resolving so a crash leaves it recoverable
	err := s.repo.Transition(store, op.ID, queue.StatusProcessing, queue.StatusConflict, queue.Patch{
		ConflictType:       &ctype,
		ConflictData:       data,
		ResolutionStrategy: &strategy,
	})
	if err != nil {
		log.Error("Failed to record conflict", "error", err)
		return outcomeSkipped
	}
	op.Status = queue.StatusConflict
	op.ConflictType = ctype
	op.ConflictData = data
	op.ResolutionStrategy = strategy

	log.Info("Conflict detected", "conflict_type", ctype, "strategy", strategy)
	s.bus.Publish(Event{Type: EventConflictDetected, Operation: op, Conflict: data})

	if strategy == conflict.Manual {
		s.parkConflict(store, op, conflict.ErrManualResolution.Error())
		return outcomeConflict
	}

	res, err := s.resolver.Resolve(ctx, data, strategy)
	if err != nil {
		log.WithError(err).Warn("Conflict resolution failed")
		s.parkConflict(store, op, err.Error())
		return outcomeConflict
	}

	if err := s.complete(store, op, res); err != nil {
		log.Error("Failed to mark conflict resolved", "error", err)
		return outcomeConflict
	}
	return outcomeResolved
}

func (s *Service) parkConflict(ctx context.Context, op *queue.Operation, msg string) {
	if err := s.repo.Update(ctx, op.ID, queue.Patch{ErrorMessage: &msg}); err != nil {
		s.logger.Error("Failed to annotate conflict", "operation_id", op.ID, "error", err)
		return
	}
	op.ErrorMessage = msg
}

// complete moves a resolved conflict to completed and emits the event
func (s *Service) complete(ctx context.Context, op *queue.Operation, res *conflict.Resolution) error {
	resolvedAt := s.now()
	err := s.repo.Transition(ctx, op.ID, queue.StatusConflict, queue.StatusCompleted, queue.Patch{
		ResolutionStrategy: &res.Strategy,
		ResolvedAt:         &resolvedAt,
		ErrorMessage:       queue.Ptr(""),
	})
	if err != nil {
		return err
	}

	op.Status = queue.StatusCompleted
	op.ResolutionStrategy = res.Strategy
	op.ResolvedAt = &resolvedAt
	op.ErrorMessage = ""

	s.logger.Info("Conflict resolved", "operation_id", op.ID, "strategy", res.Strategy, "applied", res.Applied)
	s.bus.Publish(Event{Type: EventConflictResolved, Operation: op, Conflict: op.ConflictData, Resolution: res})
	return nil
}

// serverSnapshot decodes the response body as an object, unwrapping a
// {"data": {...}} envelope that carries no id of its own
func serverSnapshot(body []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil
	}
	if inner, ok := m["data"].(map[string]any); ok {
		if _, hasID := m["id"]; !hasID {
			return inner
		}
	}
	return m
}

var timestampFields = []string{"updatedAt", "updated_at", "lastModified", "modifiedAt"}

// serverTimestamp finds the server's modification time, falling back to
// the Last-Modified header and then now
func serverTimestamp(server map[string]any, header http.Header, now time.Time) time.Time {
	for _, field := range timestampFields {
		switch v := server[field].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t
			}
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				return time.UnixMilli(ms)
			}
		case float64:
			return time.UnixMilli(int64(v))
		}
	}
	if header != nil {
		if t, err := http.ParseTime(header.Get("Last-Modified")); err == nil {
			return t
		}
	}
	return now
}

// ResolveConflict applies strategy to a parked conflict
func (s *Service) ResolveConflict(ctx context.Context, id string, strategy conflict.Strategy) (*conflict.Resolution, error) {
	op, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status != queue.StatusConflict {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotInConflict, id, op.Status)
	}
	if op.ConflictData == nil {
		return nil, fmt.Errorf("operation %s has no conflict data", id)
	}
	if strategy == conflict.Manual {
		return nil, conflict.ErrManualResolution
	}

	res, err := s.resolver.Resolve(ctx, op.ConflictData, strategy)
	store := context.WithoutCancel(ctx)
	if err != nil {
		s.parkConflict(store, op, err.Error())
		return res, err
	}
	if err := s.complete(store, op, res); err != nil {
		return res, fmt.Errorf("marking conflict resolved: %w", err)
	}
	return res, nil
}

// RetryFailedOperations returns failed operations still under the retry
// limit to pending and runs a pass
func (s *Service) RetryFailedOperations(ctx context.Context) (*SyncResult, error) {
	failed, err := s.repo.List(ctx, queue.StatusError)
	if err != nil {
		return nil, fmt.Errorf("listing failed operations: %w", err)
	}

	requeued := 0
	for _, op := range failed {
		if op.Retries >= s.opts.MaxRetries {
			s.logger.Debug("Retry limit reached", "operation_id", op.ID, "retries", op.Retries)
			continue
		}
		if err := s.repo.Transition(ctx, op.ID, queue.StatusError, queue.StatusPending, queue.Patch{}); err != nil {
			s.logger.Warn("Failed to requeue operation", "operation_id", op.ID, "error", err)
			continue
		}
		requeued++
	}
	s.logger.Info("Requeued failed operations", "count", requeued, "failed", len(failed))

	result, err := s.process(ctx, SyncTypeRetry)
	if result != nil {
		result.Requeued = requeued
	}
	return result, err
}

// RecoverInterrupted fails operations left in processing by a previous
// run so they become eligible for retry
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	if s.draining.Load() {
		return 0, ErrSyncInProgress
	}

	stuck, err := s.repo.List(ctx, queue.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("listing processing operations: %w", err)
	}

	var discard SyncResult
	for _, op := range stuck {
		s.fail(ctx, op, "interrupted before completion", &discard)
	}
	if len(stuck) > 0 {
		s.logger.Info("Recovered interrupted operations", "count", len(stuck))
	}
	return len(stuck), nil
}

// CleanupCompletedOperations deletes every completed operation
func (s *Service) CleanupCompletedOperations(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteByStatus(ctx, queue.StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("cleaning up completed operations: %w", err)
	}
	if n > 0 {
		s.logger.Debug("Removed completed operations", "count", n)
	}
	return n, nil
}

func (s *Service) scheduleCleanup(ctx context.Context) {
	if s.opts.CleanupDelay <= 0 {
		if _, err := s.CleanupCompletedOperations(ctx); err != nil {
			s.logger.Warn("Cleanup failed", "error", err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleanupTimer != nil || s.baseCtx.Err() != nil {
		return
	}

	s.wg.Add(1)
	s.cleanupTimer = time.AfterFunc(s.opts.CleanupDelay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		s.cleanupTimer = nil
		s.mu.Unlock()

		if _, err := s.CleanupCompletedOperations(s.baseCtx); err != nil && s.baseCtx.Err() == nil {
			s.logger.Warn("Deferred cleanup failed", "error", err)
		}
	})
}

// HandleConnectivity bridges the network monitor. Reconnecting starts a
// pass in the background when enabled.
func (s *Service) HandleConnectivity(online bool) {
	if !online {
		s.bus.Publish(Event{Type: EventOffline})
		return
	}

	s.bus.Publish(Event{Type: EventOnline})
	if !s.opts.SyncOnReconnect {
		return
	}

	s.mu.Lock()
	if s.baseCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.process(s.baseCtx, SyncTypeReconnect); err != nil && !errors.Is(err, ErrSyncInProgress) {
			s.logger.Warn("Reconnect sync failed", "error", err)
		}
	}()
}

// StartScheduler runs a pass every interval while pending work exists
func (s *Service) StartScheduler(interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	if s.schedStop != nil || s.baseCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.schedStop = stop
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-s.baseCtx.Done():
				return
			case <-ticker.C:
				n, err := s.PendingCount(s.baseCtx)
				if err != nil || n == 0 {
					continue
				}
				if _, err := s.process(s.baseCtx, SyncTypeScheduled); err != nil &&
					!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
					s.logger.Warn("Scheduled sync failed", "error", err)
				}
			}
		}
	}()
}

// Close stops background work and waits for it to finish
func (s *Service) Close() {
	s.mu.Lock()
	if s.schedStop != nil {
		close(s.schedStop)
		s.schedStop = nil
	}
	if s.cleanupTimer != nil && s.cleanupTimer.Stop() {
		s.cleanupTimer = nil
		s.wg.Done()
	}
	// cancelling under mu keeps wg.Add from racing wg.Wait
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

// Stats returns the number of operations per status
func (s *Service) Stats(ctx context.Context) (map[queue.Status]int, error) {
	return s.repo.CountByStatus(ctx)
}

func (s *Service) count(ctx context.Context, status queue.Status) (int, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	return counts[status], nil
}

func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.count(ctx, queue.StatusPending)
}

func (s *Service) ErrorCount(ctx context.Context) (int, error) {
	return s.count(ctx, queue.StatusError)
}

func (s *Service) ConflictCount(ctx context.Context) (int, error) {
	return s.count(ctx, queue.StatusConflict)
}

// List returns operations in queue order, optionally filtered by status
func (s *Service) List(ctx context.Context, statuses ...queue.Status) ([]*queue.Operation, error) {
	return s.repo.List(ctx, statuses...)
}

// Get returns one operation
func (s *Service) Get(ctx context.Context, id string) (*queue.Operation, error) {
	return s.repo.Get(ctx, id)
}

// Delete removes one operation regardless of status
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// Clear empties the queue
func (s *Service) Clear(ctx context.Context) (int64, error) {
	return s.repo.Clear(ctx)
}

// SyncLogs returns recent pass history
func (s *Service) SyncLogs(ctx context.Context, limit int) ([]*SyncLog, error) {
	if s.logs == nil {
		return nil, nil
	}
	return s.logs.ListSyncLogs(ctx, limit)
}
