package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"geoterminal/pkg/engine"
)

// APIServer represents the REST API server
type APIServer struct {
	engineOpts engine.Options
	port       int
	server     *http.Server
}

// NewAPIServer creates a new API server instance
func NewAPIServer(opts engine.Options, port int) *APIServer {
	s := &APIServer{
		engineOpts: opts,
		port:       port,
	}
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Routes(),
	}
	return s
}

// Routes returns the API router
func (s *APIServer) Routes() http.Handler {
	handler := NewAPIHandler(s.engineOpts)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/process", handler.ProcessHandler)

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// Start starts the REST API server
func (s *APIServer) Start() error {
	slog.Info("Starting REST API server", "port", s.port)
	return s.server.ListenAndServe()
}

// Stop shuts the server down, waiting for running requests until ctx ends
func (s *APIServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
