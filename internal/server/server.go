// Package server exposes the orchestration engine over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/danshapiro/storytime/internal/artifact"
	"github.com/danshapiro/storytime/internal/engine"
	"github.com/danshapiro/storytime/internal/session"
)

type Config struct {
	Addr string
	// MaxBodyBytes limits a turn request, uploads included.
	MaxBodyBytes int64
	// IdleTimeout and JanitorInterval drive idle-session eviction. Zero
	// disables it.
	IdleTimeout     time.Duration
	JanitorInterval time.Duration
}

// Deps are the components the server routes requests to.
type Deps struct {
	Engine    *engine.Engine
	Artifacts *artifact.Store
	Sessions  *session.Registry
	Events    *EventHub
	Logger    zerolog.Logger
}

type Server struct {
	config  Config
	deps    Deps
	logger  zerolog.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
}

func New(cfg Config, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 20
	}
	if deps.Events == nil {
		deps.Events = NewEventHub()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		deps:    deps,
		logger:  deps.Logger.With().Str("component", "server").Logger(),
		baseCtx: ctx,
		cancel:  cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("POST /sessions/{id}/turns", s.handleTurn)
	mux.HandleFunc("POST /sessions/{id}/approvals/{step}", s.handleApprove)
	mux.HandleFunc("GET /sessions/{id}/state", s.handleState)
	mux.HandleFunc("GET /sessions/{id}/checkpoints", s.handleCheckpoints)
	mux.HandleFunc("GET /sessions/{id}/checkpoints/{seq}", s.handleCheckpoint)
	mux.HandleFunc("GET /sessions/{id}/conversation", s.handleConversation)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /sessions/{id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("DELETE /sessions/{id}/artifacts", s.handleCleanupArtifacts)
	mux.HandleFunc("GET /artifacts/{id}", s.handleGetArtifact)

	s.httpSrv = &http.Server{
		Handler:     csrfProtect(mux),
		ReadTimeout: 60 * time.Second,
		// Turns wait on model calls and event streams stay open.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe serves until SIGINT/SIGTERM or Shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info().Str("signal", sig.String()).Msg("shutting down")
			s.Shutdown()
		case <-s.baseCtx.Done():
		}
	}()

	if s.config.IdleTimeout > 0 && s.config.JanitorInterval > 0 {
		go s.deps.Sessions.RunJanitor(s.baseCtx, s.config.JanitorInterval, s.config.IdleTimeout, s.deps.Events.Forget)
	}

	s.logger.Info().Str("addr", s.config.Addr).Msg("listening")
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// csrfProtect rejects state-changing requests from browser pages that are
// not served from localhost. Programmatic callers send no Origin header.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodDelete {
			if origin := r.Header.Get("Origin"); origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					writeError(w, http.StatusForbidden, "invalid Origin header")
					return
				}
				switch u.Hostname() {
				case "localhost", "127.0.0.1", "::1":
				default:
					writeError(w, http.StatusForbidden, "cross-origin request blocked")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown closes event streams and drains in-flight turns. A turn that
// already holds its session runs to completion.
func (s *Server) Shutdown() {
	s.deps.Events.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown")
	}
	s.cancel()
}
