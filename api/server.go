// Package api exposes studyloop over HTTP.
//
// Endpoints:
//
//	POST /api/chat/stream   →  one conversational turn, streamed as SSE
//	GET  /api/threads       →  list the caller's threads
//	POST /api/threads       →  create an empty thread
//	GET  /api/threads/{id}  →  one thread with its messages
//	GET  /health            →  liveness probe
//	GET  /ready             →  readiness probe
//
// All /api routes require a bearer token; the probes do not.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/studyloop/studyloop/internal/identity"
	"github.com/studyloop/studyloop/internal/log"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = "127.0.0.1:3500"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout bounds header reads to resist slowloris clients.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// IdleTimeout is the maximum keep-alive wait between requests.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP server for studyloop's API.
type Server struct {
	mux    *http.ServeMux
	auth   *identity.Verifier
	cors   []string
	logger log.Logger
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Chat     *ChatHandler
	Threads  *ThreadsHandler
	Health   *HealthHandler
	Verifier *identity.Verifier

	// CORSOrigins lists origins allowed to call the API from a browser.
	CORSOrigins []string

	Logger log.Logger
}

// NewServer creates an HTTP server with all routes registered.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	mux := http.NewServeMux()
	deps.Health.RegisterRoutes(mux)

	authed := authMiddleware(deps.Verifier, logger)
	mux.Handle("POST /api/chat/stream", authed(http.HandlerFunc(deps.Chat.Stream)))
	mux.Handle("GET /api/threads", authed(http.HandlerFunc(deps.Threads.List)))
	mux.Handle("POST /api/threads", authed(http.HandlerFunc(deps.Threads.Create)))
	mux.Handle("GET /api/threads/{id}", authed(http.HandlerFunc(deps.Threads.Get)))

	return &Server{
		mux:    mux,
		auth:   deps.Verifier,
		cors:   deps.CORSOrigins,
		logger: logger,
	}
}

// Handler returns the full handler with middleware applied.
// Order: recovery → logging → cors → routes.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
		corsMiddleware(s.cors),
	)
}

// Run starts the server and blocks until ctx is done, then shuts down
// gracefully. WriteTimeout is deliberately unset: SSE turns hold the
// response open for as long as the model streams.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
