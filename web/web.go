// Package web exposes the HTTP surface of the sync engine: the inbound
// push-notification endpoint, the manual sync endpoint, and the read-only
// operator interface. No core logic lives here.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Logger interface for logging
type Logger interface {
	Printf(format string, v ...interface{})
}

// Server hosts the HTTP API.
type Server struct {
	srv    *http.Server
	logger Logger
}

// NewServer wires the handlers into a router and returns a ready-to-run
// server.
func NewServer(addr string, syncH *SyncHandler, connH *ConnectionHandler, noteH *NotificationHandler, opH *OperatorHandler, logger Logger) *Server {
	router := mux.NewRouter()

	router.HandleFunc("/api/v1/sync", syncH.apiManualSync).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/connections", connH.apiConnect).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/connections/{userID}/{integration}", connH.apiDisconnect).Methods(http.MethodDelete)
	router.HandleFunc("/webhooks/notifications", noteH.handleNotification).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/operator/health/{userID}", opH.apiPairHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/operator/metrics", opH.apiMetrics).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/operator/stale", opH.apiStalePairs).Methods(http.MethodGet)
	router.HandleFunc("/health", handleHealthz).Methods(http.MethodGet)

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Printf("HTTP server listening on %s", s.srv.Addr)

	err := s.srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func renderError(w http.ResponseWriter, status int, msg string) {
	renderJSON(w, status, map[string]string{"error": msg})
}
