package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"mab-api/internal/config"
	"mab-api/internal/db"
)

type createExperimentRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Variants    []db.VariantSpec `json:"variants"`
}

type recordMetricsRequest struct {
	Date    string           `json:"date"`
	Metrics []db.MetricEntry `json:"metrics"`
	Source  string           `json:"source"`
	BatchID string           `json:"batch_id"`
}

type recordMetricsResponse struct {
	Message         string `json:"message"`
	Date            string `json:"date"`
	VariantsUpdated int    `json:"variants_updated"`
	BatchID         string `json:"batch_id,omitempty"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service":           "mab-api",
		"algorithm_version": config.AlgorithmVersion,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body: "+err.Error())
		return
	}

	exp, err := s.db.CreateExperiment(req.Name, req.Description, req.Variants)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.db.GetExperimentByID(r.PathValue("id"))
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body: "+err.Error())
		return
	}

	id := r.PathValue("id")
	if err := s.db.UpdateExperimentStatus(id, req.Status); err != nil {
		s.writeStorageError(w, err)
		return
	}
	exp, err := s.db.GetExperimentByID(id)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleRecordMetrics(w http.ResponseWriter, r *http.Request) {
	var req recordMetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body: "+err.Error())
		return
	}

	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "date must be YYYY-MM-DD, got "+strconv.Quote(req.Date))
		return
	}

	n, err := s.db.RecordMetrics(r.PathValue("id"), date, req.Metrics, req.Source, req.BatchID)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recordMetricsResponse{
		Message:         "metrics recorded",
		Date:            date.UTC().Format("2006-01-02"),
		VariantsUpdated: n,
		BatchID:         req.BatchID,
	})
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.db.GetExperimentByID(id); err != nil {
		s.writeStorageError(w, err)
		return
	}
	history, err := s.db.GetMetricsHistory(id)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiment_id": id,
		"count":         len(history),
		"history":       history,
	})
}

func (s *Server) handleGetAllocation(w http.ResponseWriter, r *http.Request) {
	windowDays := 0
	if raw := r.URL.Query().Get("window_days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 90 {
			writeError(w, http.StatusUnprocessableEntity, "window_days must be an integer in [1, 90], got "+strconv.Quote(raw))
			return
		}
		windowDays = n
	}

	resp, err := s.allocator.Compute(r.PathValue("id"), windowDays)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusUnprocessableEntity, "limit must be an integer in [1, 200], got "+strconv.Quote(raw))
			return
		}
		limit = n
	}

	id := r.PathValue("id")
	if _, err := s.db.GetExperimentByID(id); err != nil {
		s.writeStorageError(w, err)
		return
	}
	records, err := s.db.GetAllocationHistory(id, limit)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiment_id": id,
		"count":         len(records),
		"history":       records,
	})
}
