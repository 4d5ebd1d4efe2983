package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/maumercado/senpuki/internal/logger"
	"github.com/maumercado/senpuki/internal/registry"
	"github.com/maumercado/senpuki/internal/storage"
	"github.com/maumercado/senpuki/pkg/senpuki"
)

// ExecutionHandler exposes the executor facade's dispatch/inspect/signal
// surface over HTTP.
type ExecutionHandler struct {
	executor *senpuki.Executor
}

// NewExecutionHandler creates a new execution handler.
func NewExecutionHandler(executor *senpuki.Executor) *ExecutionHandler {
	return &ExecutionHandler{executor: executor}
}

// DispatchRequest is the body of POST /api/v1/executions.
type DispatchRequest struct {
	FunctionName   string          `json:"function_name"`
	Arguments      json.RawMessage `json:"arguments"`
	Queue          string          `json:"queue,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	DelaySeconds   int             `json:"delay_seconds,omitempty"`
	ExpirySeconds  int             `json:"expiry_seconds,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Dispatch handles POST /api/v1/executions.
func (h *ExecutionHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.FunctionName == "" {
		h.respondError(w, http.StatusBadRequest, "function_name is required")
		return
	}

	opts := []senpuki.DispatchOption{}
	if req.Queue != "" {
		opts = append(opts, senpuki.WithDispatchQueue(req.Queue))
	}
	if req.Priority != 0 {
		opts = append(opts, senpuki.WithDispatchPriority(req.Priority))
	}
	if len(req.Tags) > 0 {
		opts = append(opts, senpuki.WithDispatchTags(req.Tags...))
	}
	if req.DelaySeconds > 0 {
		opts = append(opts, senpuki.WithDispatchDelay(time.Duration(req.DelaySeconds)*time.Second))
	}
	if req.ExpirySeconds > 0 {
		opts = append(opts, senpuki.WithDispatchExpiry(time.Duration(req.ExpirySeconds)*time.Second))
	}
	if req.IdempotencyKey != "" {
		opts = append(opts, senpuki.WithDispatchIdempotencyKey(req.IdempotencyKey))
	}

	var args any
	if len(req.Arguments) > 0 {
		args = req.Arguments
	}

	executionID, err := h.executor.Dispatch(r.Context(), req.FunctionName, args, opts...)
	if err != nil {
		if errors.Is(err, registry.ErrNotRegistered) {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error().Err(err).Str("function_name", req.FunctionName).Msg("failed to dispatch execution")
		h.respondError(w, http.StatusInternalServerError, "failed to dispatch execution")
		return
	}

	h.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"execution_id": executionID,
	})
}

// Get handles GET /api/v1/executions/{executionID}.
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	executionID, ok := h.parseExecutionID(w, r)
	if !ok {
		return
	}

	exec, err := h.executor.StateOf(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "execution not found")
			return
		}
		logger.Error().Err(err).Str("execution_id", executionID.String()).Msg("failed to get execution state")
		h.respondError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	h.respondJSON(w, http.StatusOK, exec)
}

// WaitRequest is the body of POST /api/v1/executions/{executionID}/wait.
type WaitRequest struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Wait handles POST /api/v1/executions/{executionID}/wait, blocking until
// the execution reaches a terminal state or the timeout elapses.
func (h *ExecutionHandler) Wait(w http.ResponseWriter, r *http.Request) {
	executionID, ok := h.parseExecutionID(w, r)
	if !ok {
		return
	}

	var req WaitRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	result, err := h.executor.WaitFor(r.Context(), executionID, timeout)
	var failErr *senpuki.ErrExecutionFailed
	switch {
	case err == nil:
		h.respondJSON(w, http.StatusOK, map[string]interface{}{
			"state":  storage.ExecutionCompleted,
			"result": json.RawMessage(result),
		})
	case errors.As(err, &failErr):
		h.respondJSON(w, http.StatusOK, map[string]interface{}{
			"state": failErr.State,
			"error": failErr.Err,
		})
	case errors.Is(err, context.DeadlineExceeded):
		h.respondError(w, http.StatusGatewayTimeout, "execution still running")
	default:
		logger.Error().Err(err).Str("execution_id", executionID.String()).Msg("failed to wait for execution")
		h.respondError(w, http.StatusInternalServerError, "failed to wait for execution")
	}
}

// SignalRequest is the body of POST /api/v1/executions/{executionID}/signals/{name}.
type SignalRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// SendSignal handles POST /api/v1/executions/{executionID}/signals/{name}.
func (h *ExecutionHandler) SendSignal(w http.ResponseWriter, r *http.Request) {
	executionID, ok := h.parseExecutionID(w, r)
	if !ok {
		return
	}

	name := chi.URLParam(r, "name")
	if name == "" {
		h.respondError(w, http.StatusBadRequest, "signal name is required")
		return
	}

	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	if err := h.executor.SendSignal(r.Context(), executionID, name, payload); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "execution not found")
			return
		}
		logger.Error().Err(err).Str("execution_id", executionID.String()).Str("signal", name).Msg("failed to send signal")
		h.respondError(w, http.StatusInternalServerError, "failed to send signal")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "signal delivered",
	})
}

// List handles GET /api/v1/executions.
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	var statePtr *storage.ExecutionState
	if s := r.URL.Query().Get("state"); s != "" {
		state := storage.ExecutionState(s)
		statePtr = &state
	}

	limit := 100
	executions, err := h.executor.ListExecutions(r.Context(), statePtr, limit)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list executions")
		h.respondError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"count":      len(executions),
	})
}

func (h *ExecutionHandler) parseExecutionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "executionID")
	id, err := uuid.Parse(raw)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid execution id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *ExecutionHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *ExecutionHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}
