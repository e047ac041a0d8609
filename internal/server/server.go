// Package server exposes the control plane over HTTP: the VM WebSocket
// endpoint, the browser-facing SSE streams, and the session/VM control API.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoatGit/semibot-sub004/internal/logging"
	"github.com/GoatGit/semibot-sub004/internal/svc"
)

type Server struct {
	svc  *svc.ServiceContext
	http *http.Server
}

func New(ctx *svc.ServiceContext) *Server {
	s := &Server{svc: ctx}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealth)
	r.Get("/vm/ws", s.handleVMSocket)
	r.Get("/sessions/{sessionID}/stream", ctx.Relay.HandleStream)

	r.Route("/api", func(r chi.Router) {
		r.Post("/vms", s.handleAllocateVM)
		r.Get("/vms/{userID}", s.handleGetVM)
		r.Delete("/vms/{userID}", s.handleReleaseVM)
		r.Post("/vms/{userID}/wake", s.handleWakeVM)

		r.Post("/sessions", s.handleStartSession)
		r.Delete("/sessions/{sessionID}", s.handleStopSession)
		r.Post("/sessions/{sessionID}/messages", s.handleSendMessage)
		r.Post("/sessions/{sessionID}/cancel", s.handleCancelSession)
		r.Get("/sessions/{sessionID}/snapshot", s.handleSnapshot)
	})

	s.http = &http.Server{
		Addr:              ctx.Config.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Infof("listening on %s", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// cors allows the configured dashboard origins. SSE needs explicit origin
// approval; WebSocket origins are checked at upgrade time.
func (s *Server) cors(next http.Handler) http.Handler {
	allowed := s.svc.Config.Server.AllowOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, a := range allowed {
				if a == "*" || a == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
					break
				}
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
