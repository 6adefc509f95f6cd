// Package api is the HTTP ingress: routing, request decoding, error
// mapping, rate limiting, and request logging. All business decisions
// live in the db and engine packages; handlers only translate.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"mab-api/internal/config"
	"mab-api/internal/db"
	"mab-api/internal/engine"
	"mab-api/internal/telemetry"
)

// Server wires storage, the allocation engine, and the rate limiter
// behind an http.Handler.
type Server struct {
	db        *db.DB
	allocator *engine.Allocator
	cfg       *config.Config
	log       *logrus.Logger
	limiter   Limiter
	limits    *limitTable
}

// NewServer builds a Server. A nil limiter selects the backend named by
// cfg.RateLimitBackend; a nil log selects the logrus standard logger.
func NewServer(database *db.DB, allocator *engine.Allocator, cfg *config.Config, log *logrus.Logger, limiter Limiter) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	limits := newLimitTable(cfg.AllocationRateLimit)
	if limiter == nil {
		if cfg.RateLimitBackend == "redis" {
			limiter = NewRedisLimiter(cfg.RedisAddr)
		} else {
			limiter = NewMemoryLimiter(limits.widest())
		}
	}
	return &Server{
		db:        database,
		allocator: allocator,
		cfg:       cfg,
		log:       log,
		limiter:   limiter,
		limits:    limits,
	}
}

// Handler returns the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", telemetry.Handler())

	mux.HandleFunc("POST /experiments", s.handleCreateExperiment)
	mux.HandleFunc("GET /experiments/{id}", s.handleGetExperiment)
	mux.HandleFunc("PATCH /experiments/{id}/status", s.handleUpdateStatus)
	mux.HandleFunc("POST /experiments/{id}/metrics", s.handleRecordMetrics)
	mux.HandleFunc("GET /experiments/{id}/metrics/history", s.handleMetricsHistory)
	mux.HandleFunc("GET /experiments/{id}/allocation", s.handleGetAllocation)
	mux.HandleFunc("GET /experiments/{id}/history", s.handleGetHistory)

	return s.withLogging(s.withRateLimit(mux))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeStorageError maps storage-layer errors onto HTTP statuses.
func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	var vErr *db.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusUnprocessableEntity, vErr.Error())
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, db.ErrUnknownVariant):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrNameConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).Error("internal error")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
