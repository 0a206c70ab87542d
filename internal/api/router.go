// Package api serves the local status API the app shell uses to observe
// and drive the sync engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/tildaslashalef/caresync/internal/conflict"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/queue"
	syncsvc "github.com/tildaslashalef/caresync/internal/sync"
	"github.com/tildaslashalef/caresync/internal/ulid"
)

// Engine is the part of the sync service the API drives
type Engine interface {
	Stats(ctx context.Context) (map[queue.Status]int, error)
	List(ctx context.Context, statuses ...queue.Status) ([]*queue.Operation, error)
	Get(ctx context.Context, id string) (*queue.Operation, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) (int64, error)
	ProcessQueue(ctx context.Context) (*syncsvc.SyncResult, error)
	RetryFailedOperations(ctx context.Context) (*syncsvc.SyncResult, error)
	CleanupCompletedOperations(ctx context.Context) (int64, error)
	ResolveConflict(ctx context.Context, id string, strategy conflict.Strategy) (*conflict.Resolution, error)
	IsProcessing() bool
}

// Network receives platform connectivity signals
type Network interface {
	IsOnline() bool
	HandleOnlineSignal(ctx context.Context) bool
	HandleOfflineSignal()
}

// Router wraps the mux router and the engine
type Router struct {
	*mux.Router
	engine Engine
	net    Network
	hub    *Hub
	logger *loggy.Logger
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(engine Engine, network Network, hub *Hub, logger *loggy.Logger) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		engine: engine,
		net:    network,
		hub:    hub,
		logger: logger.WithComponent("api"),
	}

	r.HandleFunc("/health", r.healthCheck).Methods(http.MethodGet)

	s := r.PathPrefix("/api/sync").Subrouter()
	s.HandleFunc("/status", r.getStatus).Methods(http.MethodGet)
	s.HandleFunc("/operations", r.listOperations).Methods(http.MethodGet)
	s.HandleFunc("/operations", r.clearOperations).Methods(http.MethodDelete)
	s.HandleFunc("/operations/{id}", r.getOperation).Methods(http.MethodGet)
	s.HandleFunc("/operations/{id}", r.deleteOperation).Methods(http.MethodDelete)
	s.HandleFunc("/operations/{id}/resolve", r.resolveOperation).Methods(http.MethodPost)
	s.HandleFunc("/run", r.runSync).Methods(http.MethodPost)
	s.HandleFunc("/retry", r.retryFailed).Methods(http.MethodPost)
	s.HandleFunc("/cleanup", r.cleanup).Methods(http.MethodPost)
	if hub != nil {
		s.HandleFunc("/events", hub.ServeWS).Methods(http.MethodGet)
	}

	n := r.PathPrefix("/api/network").Subrouter()
	n.HandleFunc("/online", r.signalOnline).Methods(http.MethodPost)
	n.HandleFunc("/offline", r.signalOffline).Methods(http.MethodPost)

	r.Use(r.logRequests)
	return r
}

func (r *Router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ctx, logger := loggy.WithRequestID(req.Context(), r.logger)
		w.Header().Set("X-Request-ID", loggy.RequestID(ctx))
		next.ServeHTTP(w, req.WithContext(ctx))
		logger.Debug("HTTP request", "method", req.Method, "path", req.URL.Path, "duration", time.Since(start))
	})
}

// operationView is the wire form of a queued operation
type operationView struct {
	ID                 string            `json:"id"`
	URL                string            `json:"url"`
	Method             string            `json:"method"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               json.RawMessage   `json:"body,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
	Retries            int               `json:"retries"`
	Status             queue.Status      `json:"status"`
	ResourceType       string            `json:"resourceType,omitempty"`
	ResourceID         string            `json:"resourceId,omitempty"`
	ConflictType       conflict.Type     `json:"conflictType,omitempty"`
	ConflictData       *conflict.Data    `json:"conflictData,omitempty"`
	ResolutionStrategy conflict.Strategy `json:"resolutionStrategy,omitempty"`
	ResolvedAt         *time.Time        `json:"resolvedAt,omitempty"`
	ErrorMessage       string            `json:"errorMessage,omitempty"`
}

func toView(op *queue.Operation) operationView {
	return operationView{
		ID:                 op.ID,
		URL:                op.URL,
		Method:             op.Method,
		Headers:            op.Headers,
		Body:               op.Body,
		Timestamp:          op.Timestamp,
		Retries:            op.Retries,
		Status:             op.Status,
		ResourceType:       op.ResourceType,
		ResourceID:         op.ResourceID,
		ConflictType:       op.ConflictType,
		ConflictData:       op.ConflictData,
		ResolutionStrategy: op.ResolutionStrategy,
		ResolvedAt:         op.ResolvedAt,
		ErrorMessage:       op.ErrorMessage,
	}
}

func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) getStatus(w http.ResponseWriter, req *http.Request) {
	counts, err := r.engine.Stats(req.Context())
	if err != nil {
		r.internalError(w, req.Context(), err)
		return
	}

	byStatus := make(map[string]int, len(counts))
	for st, n := range counts {
		byStatus[string(st)] = n
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"online":     r.net.IsOnline(),
		"processing": r.engine.IsProcessing(),
		"counts":     byStatus,
		"pending":    counts[queue.StatusPending],
		"errors":     counts[queue.StatusError],
		"conflicts":  counts[queue.StatusConflict],
	})
}

func (r *Router) listOperations(w http.ResponseWriter, req *http.Request) {
	var statuses []queue.Status
	if raw := req.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := queue.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			statuses = append(statuses, st)
		}
	}

	ops, err := r.engine.List(req.Context(), statuses...)
	if err != nil {
		r.internalError(w, req.Context(), err)
		return
	}

	views := make([]operationView, 0, len(ops))
	for _, op := range ops {
		views = append(views, toView(op))
	}
	respondJSON(w, http.StatusOK, map[string]any{"operations": views, "count": len(views)})
}

// operationID reads the {id} path variable, answering 400 when it is not
// an operation id
func operationID(w http.ResponseWriter, req *http.Request) (string, bool) {
	id := mux.Vars(req)["id"]
	if !ulid.Validate(id, ulid.PrefixOperation) {
		respondError(w, http.StatusBadRequest, "invalid operation id")
		return "", false
	}
	return id, true
}

func (r *Router) getOperation(w http.ResponseWriter, req *http.Request) {
	id, ok := operationID(w, req)
	if !ok {
		return
	}
	op, err := r.engine.Get(req.Context(), id)
	if err != nil {
		r.operationError(w, req.Context(), err)
		return
	}
	respondJSON(w, http.StatusOK, toView(op))
}

func (r *Router) deleteOperation(w http.ResponseWriter, req *http.Request) {
	id, ok := operationID(w, req)
	if !ok {
		return
	}
	if err := r.engine.Delete(req.Context(), id); err != nil {
		r.operationError(w, req.Context(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) clearOperations(w http.ResponseWriter, req *http.Request) {
	n, err := r.engine.Clear(req.Context())
	if err != nil {
		r.internalError(w, req.Context(), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

type resolveRequest struct {
	Strategy string `json:"strategy"`
}

func (r *Router) resolveOperation(w http.ResponseWriter, req *http.Request) {
	id, ok := operationID(w, req)
	if !ok {
		return
	}
	var body resolveRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	strategy, err := conflict.ParseStrategy(body.Strategy)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := r.engine.ResolveConflict(req.Context(), id, strategy)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, res)
	case errors.Is(err, conflict.ErrManualResolution):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, syncsvc.ErrNotInConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrOperationNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case res != nil:
		// the forced write reached the server and failed
		respondJSON(w, http.StatusBadGateway, res)
	default:
		r.internalError(w, req.Context(), err)
	}
}

func (r *Router) runSync(w http.ResponseWriter, req *http.Request) {
	r.respondSync(w, req.Context(), r.engine.ProcessQueue)
}

func (r *Router) retryFailed(w http.ResponseWriter, req *http.Request) {
	r.respondSync(w, req.Context(), r.engine.RetryFailedOperations)
}

func (r *Router) respondSync(w http.ResponseWriter, ctx context.Context, run func(context.Context) (*syncsvc.SyncResult, error)) {
	result, err := run(ctx)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, result)
	case errors.Is(err, syncsvc.ErrOffline):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, syncsvc.ErrSyncInProgress):
		respondError(w, http.StatusConflict, err.Error())
	default:
		r.internalError(w, ctx, err)
	}
}

func (r *Router) cleanup(w http.ResponseWriter, req *http.Request) {
	n, err := r.engine.CleanupCompletedOperations(req.Context())
	if err != nil {
		r.internalError(w, req.Context(), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (r *Router) signalOnline(w http.ResponseWriter, req *http.Request) {
	online := r.net.HandleOnlineSignal(req.Context())
	respondJSON(w, http.StatusOK, map[string]bool{"online": online})
}

func (r *Router) signalOffline(w http.ResponseWriter, req *http.Request) {
	r.net.HandleOfflineSignal()
	respondJSON(w, http.StatusOK, map[string]bool{"online": r.net.IsOnline()})
}

func (r *Router) operationError(w http.ResponseWriter, ctx context.Context, err error) {
	if errors.Is(err, queue.ErrOperationNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	r.internalError(w, ctx, err)
}

func (r *Router) internalError(w http.ResponseWriter, ctx context.Context, err error) {
	loggy.FromContext(ctx).Error("Request failed", "error", err)
	respondError(w, http.StatusInternalServerError, "internal error")
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
