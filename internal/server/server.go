package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/justinmoon/pocketide/internal/config"
	"github.com/justinmoon/pocketide/internal/db"
	"github.com/justinmoon/pocketide/internal/events"
	"github.com/justinmoon/pocketide/internal/gitcred"
	"github.com/justinmoon/pocketide/internal/metrics"
	"github.com/justinmoon/pocketide/internal/shell"
	"github.com/justinmoon/pocketide/internal/terminal"
	"github.com/justinmoon/pocketide/internal/workspace"
	"go.uber.org/zap"
)

// timeoutMiddleware applies timeout to all routes except WebSocket and
// event stream endpoints
func timeoutMiddleware(timeout time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/ws/") || r.URL.Path == "/api/events" {
				next.ServeHTTP(w, r)
				return
			}
			middleware.Timeout(timeout)(next).ServeHTTP(w, r)
		})
	}
}

// requestLogger logs each request through zap and records it in metrics.
func requestLogger(logger *zap.Logger, m *metrics.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			status := ww.Status()
			if status == 0 {
				// Hijacked (WebSocket) or nothing written.
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			m.RecordRequest(r.Method, route, status, elapsed)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

type Server struct {
	cfg      *config.Config
	db       *db.DB
	log      *zap.Logger
	router   *chi.Mux
	server   *http.Server
	eventBus *events.Bus
	metrics  *metrics.Metrics

	registry   *terminal.Registry
	spawner    *terminal.Spawner
	shell      *shell.Resolver
	shellPath  string
	workspaces *workspace.Resolver
	git        *gitcred.Injector

	clients atomic.Int64

	mu           sync.Mutex
	conns        map[*terminal.Conn]*wsClient
	shuttingDown bool
	done         chan struct{} // closed when shutdown starts
}

// New wires the terminal service from cfg. database may be nil, in which
// case git credentials are kept in memory.
func New(cfg *config.Config, database *db.DB, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	sh := shell.NewResolver(cfg.Terminal.Shell)
	shellPath, err := sh.Resolve()
	if err != nil {
		return nil, err
	}

	workspaces, err := workspace.NewResolver(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to set up workspaces: %w", err)
	}

	eventBus, err := events.NewBus(cfg.Server.NatsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	var store gitcred.Store = gitcred.NewMemoryStore()
	if database != nil {
		store = gitcred.NewPostgresStore(database)
	}

	registry := terminal.NewRegistry()
	s := &Server{
		cfg:        cfg,
		db:         database,
		log:        logger,
		router:     chi.NewRouter(),
		eventBus:   eventBus,
		metrics:    metrics.New(registry.Len),
		registry:   registry,
		spawner:    &terminal.Spawner{WriteTimeout: cfg.Terminal.WriteTimeout, KillGrace: cfg.Terminal.KillGrace, Logger: logger},
		shell:      sh,
		shellPath:  shellPath,
		workspaces: workspaces,
		git:        gitcred.New(cfg.Git.HelperDir, cfg.Git.Timeout, store, logger.Named("git")),
		conns:      make(map[*terminal.Conn]*wsClient),
		done:       make(chan struct{}),
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(requestLogger(s.log, s.metrics))
	s.router.Use(middleware.Recoverer)
	s.router.Use(timeoutMiddleware(60 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/git/configure", s.handleGitConfigure)
		r.Delete("/git/configure", s.handleGitUnconfigure)
		r.Get("/events", s.handleEvents)
	})

	s.router.Get("/ws/terminal", s.handleTerminalWS)
}

type healthResponse struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	ConnectedClients int64     `json:"connectedClients"`
	Sessions         int       `json:"sessions"`
	Database         string    `json:"database"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	database := "disabled"
	if s.db != nil {
		database = "ok"
		if err := s.db.PingContext(r.Context()); err != nil {
			s.log.Warn("database ping failed", zap.Error(err))
			database = "unreachable"
		}
	}
	jsonResponse(w, healthResponse{
		Status:           "ok",
		Timestamp:        time.Now().UTC(),
		ConnectedClients: s.clients.Load(),
		Sessions:         s.registry.Len(),
		Database:         database,
	}, http.StatusOK)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Registry() *terminal.Registry {
	return s.registry
}

func (s *Server) Start() error {
	addr := s.cfg.Addr()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("server starting", zap.String("addr", "http://"+addr))
	return s.server.ListenAndServe()
}

// Shutdown disconnects every WebSocket client, stops the HTTP server and
// kills every terminal session. It returns once the shells are reaped, or
// after the kill grace period plus a second, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.shuttingDown {
		s.shuttingDown = true
		close(s.done)
	}
	conns := s.conns
	s.conns = make(map[*terminal.Conn]*wsClient)
	s.mu.Unlock()

	// Hijacked connections are invisible to http.Server.Shutdown, so they
	// are closed here before the final sweep.
	var killed []*terminal.Session
	for conn, client := range conns {
		killed = append(killed, conn.Disconnect()...)
		client.close()
	}

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	killed = append(killed, s.registry.CloseAll()...)
	if len(killed) > 0 {
		s.log.Info("terminated sessions on shutdown", zap.Int("count", len(killed)))
	}
	s.awaitExit(ctx, killed)

	if s.eventBus != nil {
		s.eventBus.Close()
	}
	return err
}

// awaitExit waits for killed shells to be reaped. The wait covers the
// SIGKILL sent to shells that ignore the hangup.
func (s *Server) awaitExit(ctx context.Context, sessions []*terminal.Session) {
	if len(sessions) == 0 {
		return
	}
	grace := s.cfg.Terminal.KillGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	timer := time.NewTimer(grace + time.Second)
	defer timer.Stop()

	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-timer.C:
			s.log.Warn("shells still running after shutdown", zap.Int("count", len(sessions)))
			return
		case <-ctx.Done():
			return
		}
	}
}

// track registers a live WebSocket client, or reports false once shutdown
// has begun.
func (s *Server) track(conn *terminal.Conn, client *wsClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.conns[conn] = client
	return true
}

func (s *Server) untrack(conn *terminal.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}
