// Package server exposes the gateway over HTTP: the /ws session endpoint
// browsers drive generations through, the run log and operational routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/contentgen-gateway/internal/metrics"
	"github.com/tjfontaine/contentgen-gateway/internal/pipeline"
	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
	"github.com/tjfontaine/contentgen-gateway/internal/storage"
)

const (
	defaultIdleTimeout  = 120 * time.Second
	defaultWriteTimeout = 10 * time.Second
	restTimeout         = 30 * time.Second
	maxFrameBytes       = 1 << 20
)

// Orchestrator runs and stops generations.
type Orchestrator interface {
	Run(ctx context.Context, req pipeline.Request, out pipeline.Responder)
	Stop(generationID string)
}

// LicenseFunc reports the license sent to clients after CONNECTED.
type LicenseFunc func() protocol.LicensePayload

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics instruments HTTP routes and sessions and mounts /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithStore mounts the run log routes over store.
func WithStore(store storage.RunStore) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithLicense sets the license source. Without one no LICENSE_UPDATED is sent.
func WithLicense(fn LicenseFunc) Option {
	return func(s *Server) {
		s.license = fn
	}
}

// WithSubprotocol sets the websocket sub-protocol clients must offer.
func WithSubprotocol(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.subprotocol = name
		}
	}
}

// WithAllowedOrigins restricts browser origins. "*" allows any.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithTimeouts sets the session idle read deadline and the per-frame
// write deadline. Zero keeps the default.
func WithTimeouts(idle, write time.Duration) Option {
	return func(s *Server) {
		if idle > 0 {
			s.idleTimeout = idle
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// Server is the gateway's HTTP and websocket front end.
type Server struct {
	Router *chi.Mux
	Port   int

	logger         *slog.Logger
	orch           Orchestrator
	metrics        *metrics.Metrics
	store          storage.RunStore
	license        LicenseFunc
	subprotocol    string
	allowedOrigins []string
	idleTimeout    time.Duration
	writeTimeout   time.Duration
	upgrader       websocket.Upgrader

	mu         sync.Mutex
	sessions   map[*session]struct{}
	closing    bool
	runs       sync.WaitGroup
	httpServer *http.Server
}

// New creates a Server listening on port that hands GENERATE requests to
// orch.
func New(port int, orch Orchestrator, opts ...Option) *Server {
	s := &Server{
		Port:           port,
		logger:         slog.Default(),
		orch:           orch,
		subprotocol:    protocol.Subprotocol,
		allowedOrigins: []string{"*"},
		idleTimeout:    defaultIdleTimeout,
		writeTimeout:   defaultWriteTimeout,
		sessions:       make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		Subprotocols: []string{s.subprotocol},
		CheckOrigin:  s.checkOrigin,
	}
	s.Router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "contentgen-gateway")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	if s.store != nil {
		r.Group(func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: s.allowedOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodOptions},
				AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
				ExposedHeaders: []string{"X-Request-ID"},
				MaxAge:         300,
			}))
			r.Use(TimeoutMiddleware(restTimeout))
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
		})
	}

	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.allowedOrigins, "*") {
		return true
	}
	return slices.Contains(s.allowedOrigins, origin)
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, tells every open session the
// server is going away and waits for in-flight runs until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	srv := s.httpServer
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	for _, sess := range sessions {
		sess.disconnect("server_shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with runs in flight")
		return errors.Join(err, ctx.Err())
	}
	return err
}

// Sessions reports the number of open websocket sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) addSession(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}
