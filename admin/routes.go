// Package admin exposes the HTTP control surface: tailer status, on-demand
// checkpoints, graceful stop and the Prometheus scrape endpoint.
package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/telemetry"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Get("/status", handlers.handleStatus)
		r.Post("/checkpoint", handlers.handleCheckpointAll)
		r.Post("/tailers/{cluster}/{replicaSet}/checkpoint", handlers.handleCheckpointTailer)
		r.Post("/stop", handlers.handleStop)
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// NewMux builds the full HTTP surface: admin routes, /metrics and pprof
func NewMux(handlers *AdminHandlers) *http.ServeMux {
	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers)

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		mux.Handle("/metrics", metrics)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Server serves the admin mux on the configured address
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// Start listens on config's address and serves in the background
func Start(config cfg.AdminConfiguration, handlers *AdminHandlers) (*Server, error) {
	addr := net.JoinHostPort(config.BindAddress, fmt.Sprint(config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen on %s: %w", addr, err)
	}

	s := &Server{
		httpServer: &http.Server{
			Handler:           NewMux(handlers),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
	}

	log.Info().Str("address", listener.Addr().String()).Msg("Starting admin server")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return s, nil
}

// Addr returns the bound listener address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping admin server")
	return s.httpServer.Shutdown(ctx)
}
