// Package api serves the taskgraphd HTTP API.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Server routes HTTP requests to Handlers.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer builds the router. metrics, when non-nil, is served at
// metricsPath.
func NewServer(h *Handlers, metricsPath string, metrics http.Handler) *Server {
	s := &Server{router: mux.NewRouter(), handlers: h}
	s.setupRoutes(metricsPath, metrics)
	return s
}

// Router returns the handler for http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(metricsPath string, metrics http.Handler) {
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods(http.MethodGet)
	if metrics != nil {
		s.router.Handle(metricsPath, metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/tasks", s.handlers.SubmitTasks).Methods(http.MethodPost)
	api.HandleFunc("/tasks", s.handlers.ListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handlers.GetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/result", s.handlers.GetTaskResult).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handlers.CancelTask).Methods(http.MethodDelete)

	api.HandleFunc("/stats", s.handlers.Statistics).Methods(http.MethodGet)
	api.HandleFunc("/agents", s.handlers.ListAgents).Methods(http.MethodGet)
	api.HandleFunc("/pool", s.handlers.PoolStatus).Methods(http.MethodGet)

	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
