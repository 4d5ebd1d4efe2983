package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/maumercado/senpuki/internal/logger"
	"github.com/maumercado/senpuki/internal/metrics"
	"github.com/maumercado/senpuki/internal/storage"
	"github.com/maumercado/senpuki/pkg/senpuki"
)

// AdminHandler exposes dead-letter management and aggregate execution
// counts for an operator dashboard.
type AdminHandler struct {
	executor *senpuki.Executor
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(executor *senpuki.Executor) *AdminHandler {
	return &AdminHandler{executor: executor}
}

// Stats handles GET /admin/stats: a count of executions per state plus the
// dead-letter queue size, each taken from a backend count API rather than a
// full table scan.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	states := []storage.ExecutionState{
		storage.ExecutionPending,
		storage.ExecutionRunning,
		storage.ExecutionCompleted,
		storage.ExecutionFailed,
		storage.ExecutionTimedOut,
		storage.ExecutionCancelled,
	}

	counts := make(map[string]int64, len(states))
	for _, state := range states {
		s := state
		count, err := h.executor.CountExecutions(ctx, &s)
		if err != nil {
			logger.Error().Err(err).Str("state", string(state)).Msg("failed to count executions")
			h.respondError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}
		counts[string(state)] = count
	}

	total, err := h.executor.CountExecutions(ctx, nil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to count total executions")
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	dlqSize, err := h.executor.CountDeadTasks(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to count dead-lettered tasks")
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	metrics.SetDLQSize(float64(dlqSize))

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"executions_by_state": counts,
		"executions_total":    total,
		"dlq_size":            dlqSize,
	})
}

// ListDeadLetters handles GET /admin/dlq.
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.executor.ListDeadLetters(r.Context(), limit)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list dead letters")
		h.respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	size, err := h.executor.CountDeadTasks(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to count dead letters")
		h.respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"size":    size,
	})
}

// GetDeadLetter handles GET /admin/dlq/{id}.
func (h *AdminHandler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseDeadLetterID(w, r)
	if !ok {
		return
	}

	entry, err := h.executor.GetDeadLetter(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		logger.Error().Err(err).Str("id", id.String()).Msg("failed to get dead letter")
		h.respondError(w, http.StatusInternalServerError, "failed to get dead letter")
		return
	}

	h.respondJSON(w, http.StatusOK, entry)
}

// ReplayDeadLetterRequest is the body of POST /admin/dlq/{id}/replay.
type ReplayDeadLetterRequest struct {
	Queue string `json:"queue,omitempty"`
}

// ReplayDeadLetter handles POST /admin/dlq/{id}/replay.
func (h *AdminHandler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseDeadLetterID(w, r)
	if !ok {
		return
	}

	var req ReplayDeadLetterRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	task, err := h.executor.ReplayDeadLetter(r.Context(), id, req.Queue)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		logger.Error().Err(err).Str("id", id.String()).Msg("failed to replay dead letter")
		h.respondError(w, http.StatusInternalServerError, "failed to replay dead letter")
		return
	}

	logger.Info().Str("dead_letter_id", id.String()).Str("task_id", task.ID.String()).Msg("dead letter replayed")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "task re-queued",
		"task":    task,
	})
}

// DeleteDeadLetter handles DELETE /admin/dlq/{id}.
func (h *AdminHandler) DeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseDeadLetterID(w, r)
	if !ok {
		return
	}

	if err := h.executor.DeleteDeadLetter(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		logger.Error().Err(err).Str("id", id.String()).Msg("failed to delete dead letter")
		h.respondError(w, http.StatusInternalServerError, "failed to delete dead letter")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "dead letter deleted",
	})
}

// HealthCheck handles GET /admin/health.
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if _, err := h.executor.CountExecutions(r.Context(), nil); err != nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unhealthy",
			"backend": "disconnected",
			"error":   err.Error(),
		})
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"backend": "connected",
	})
}

func (h *AdminHandler) parseDeadLetterID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid dead letter id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *AdminHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *AdminHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}
