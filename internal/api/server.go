package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/tildaslashalef/caresync/internal/config"
	"github.com/tildaslashalef/caresync/internal/loggy"
	syncsvc "github.com/tildaslashalef/caresync/internal/sync"
)

// EventSource streams engine events
type EventSource interface {
	Stream(buffer int) (<-chan syncsvc.Event, func())
}

// Server is the local status API
type Server struct {
	cfg     config.APIConfig
	router  *Router
	hub     *Hub
	events  EventSource
	handler http.Handler
	srv     *http.Server
	logger  *loggy.Logger
}

// NewServer wires the router, websocket hub and CORS
func NewServer(cfg config.APIConfig, engine Engine, network Network, events EventSource, logger *loggy.Logger) *Server {
	hub := NewHub(logger)
	router := NewRouter(engine, network, hub, logger)

	return &Server{
		cfg:     cfg,
		router:  router,
		hub:     hub,
		events:  events,
		handler: newCORS(cfg.AllowedOrigins).Handler(router),
		logger:  logger.WithComponent("api"),
	}
}

func newCORS(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedHeaders: []string{"*"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	})
}

// Handler returns the CORS-wrapped router
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the websocket hub
func (s *Server) Hub() *Hub { return s.hub }

// Serve runs the hub, the event pump and the HTTP listener until ctx is
// cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.start(ctx)

	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status API listening", "addr", ln.Addr().String())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down status API: %w", err)
		}
		return nil
	}
}

// ListenAndServe listens on the configured address
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// start runs the hub and subscribes to engine events. The subscription is
// in place when start returns.
func (s *Server) start(ctx context.Context) {
	go s.hub.Run(ctx)
	if s.events == nil {
		return
	}
	stream, cancel := s.events.Stream(128)
	go s.pumpEvents(ctx, stream, cancel)
}

func (s *Server) pumpEvents(ctx context.Context, stream <-chan syncsvc.Event, cancel func()) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-stream:
			if !ok {
				return
			}
			s.hub.Broadcast(eventView(e))
		}
	}
}

// eventView flattens an engine event for websocket clients
func eventView(e syncsvc.Event) map[string]any {
	v := map[string]any{
		"type": e.Type,
		"time": e.Time,
	}
	if e.Operation != nil {
		v["operation"] = toView(e.Operation)
	}
	if e.Resolution != nil {
		v["resolution"] = e.Resolution
	}
	if e.Result != nil {
		v["result"] = e.Result
	}
	if e.Error != "" {
		v["error"] = e.Error
	}
	return v
}
