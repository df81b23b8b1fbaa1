// Package api exposes the dispatcher's HTTP surface: batch upload, batch
// and task rollups, NDJSON export, and liveness/auth probes. Routing and
// the middleware chain are adapted from the teacher's internal/admin-api,
// re-keyed from Redis queue administration to the event-store-backed
// batch/task model of this domain.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/synthgen/dispatcher/internal/broker"
	"github.com/synthgen/dispatcher/internal/config"
	"github.com/synthgen/dispatcher/internal/eventstore"
	"github.com/synthgen/dispatcher/internal/objectstore"
)

// Server hosts the dispatcher's HTTP API.
type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	server   *http.Server
	auditLog *AuditLogger
}

// NewServer wires a Handler and its middleware chain behind an *http.Server.
func NewServer(cfg *config.Config, events eventstore.Store, objects objectstore.Store, pub broker.Publisher, log *zap.Logger) *Server {
	h := NewHandler(cfg, events, objects, pub, log)
	auditLog := NewAuditLogger(cfg.API.AuditLogPath, cfg.API.AuditRotateSizeMB, cfg.API.AuditMaxBackups)

	router := mux.NewRouter()
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	protected := router.PathPrefix("/").Subrouter()
	protected.HandleFunc("/token", h.Token).Methods(http.MethodGet)
	protected.HandleFunc("/api/v1/batches", h.UploadBatch).Methods(http.MethodPost)
	protected.HandleFunc("/api/v1/batches", h.ListBatches).Methods(http.MethodGet)
	protected.HandleFunc("/api/v1/batches/{id}", h.GetBatch).Methods(http.MethodGet)
	protected.HandleFunc("/api/v1/batches/{id}", h.DeleteBatch).Methods(http.MethodDelete)
	protected.HandleFunc("/api/v1/batches/{id}/tasks", h.ListBatchTasks).Methods(http.MethodGet)
	protected.HandleFunc("/api/v1/batches/{id}/tasks/export", h.ExportBatchTasks).Methods(http.MethodGet)
	protected.HandleFunc("/api/v1/batches/{id}/stats", h.BatchStats).Methods(http.MethodGet)
	protected.HandleFunc("/api/v1/tasks/stats", h.GlobalTaskStats).Methods(http.MethodGet)
	protected.HandleFunc("/api/v1/tasks/{message_id}", h.GetTask).Methods(http.MethodGet)
	protected.HandleFunc("/api/v1/tasks/{message_id}", h.DeleteTask).Methods(http.MethodDelete)

	protected.Use(
		AuditMiddleware(auditLog, log),
		RateLimitMiddleware(cfg.API.RateLimitPerMinute, cfg.API.RateLimitBurst, log),
		AuthMiddleware(cfg.API.SecretKey, log),
	)

	var handler http.Handler = router
	handler = CORSMiddleware(cfg.API.CORSAllowOrigins)(handler)
	handler = RequestIDMiddleware()(handler)
	handler = RecoveryMiddleware(log)(handler)

	return &Server{
		cfg: cfg,
		log: log,
		server: &http.Server{
			Addr:         cfg.API.ListenAddr,
			Handler:      handler,
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
		},
		auditLog: auditLog,
	}
}

// ListenAndServe blocks serving the API until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.log.Info("starting api server",
		zap.String("addr", s.cfg.API.ListenAddr),
		zap.Bool("auth_enabled", s.cfg.API.SecretKey != ""))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests and closes the audit log.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.auditLog.Close()
	return s.server.Shutdown(ctx)
}
