package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/domain"
	"github.com/anshultibby/finch-sub002/internal/modules/execution"
)

// ExecutionHandlers contains HTTP handlers for triggering runs and
// reading the audit history
type ExecutionHandlers struct {
	orchestrator *execution.Orchestrator
	repo         *execution.Repository
	log          zerolog.Logger
}

// NewExecutionHandlers creates execution handlers
func NewExecutionHandlers(orchestrator *execution.Orchestrator, repo *execution.Repository, log zerolog.Logger) *ExecutionHandlers {
	return &ExecutionHandlers{
		orchestrator: orchestrator,
		repo:         repo,
		log:          log.With().Str("handler", "executions").Logger(),
	}
}

type triggerRequest struct {
	Trigger string `json:"trigger"`
	Wait    bool   `json:"wait,omitempty"`
}

// Trigger handles POST /api/strategies/{id}/trigger. The default is
// asynchronous: the response confirms the claim and the run proceeds in
// the background. With "wait": true the response carries the full result
// (the natural mode for dry runs).
func (h *ExecutionHandlers) Trigger(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "id")

	req := triggerRequest{Trigger: string(domain.TriggerManual)}
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	trigger := domain.Trigger(req.Trigger)
	if trigger != domain.TriggerManual && trigger != domain.TriggerDryRun {
		respondError(w, http.StatusBadRequest, "trigger must be manual or dry_run")
		return
	}

	if req.Wait {
		result, err := h.orchestrator.Trigger(r.Context(), strategyID, trigger)
		if err != nil {
			h.triggerError(w, strategyID, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
		return
	}

	if err := h.orchestrator.TriggerAsync(strategyID, trigger); err != nil {
		h.triggerError(w, strategyID, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":      "started",
		"strategy_id": strategyID,
	})
}

func (h *ExecutionHandlers) triggerError(w http.ResponseWriter, strategyID string, err error) {
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidConfiguration):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.log.Error().Err(err).Str("strategy_id", strategyID).Msg("Trigger failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// Stop handles POST /api/strategies/{id}/stop
func (h *ExecutionHandlers) Stop(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "id")
	if !h.orchestrator.Stop(strategyID) {
		respondError(w, http.StatusNotFound, "no execution in flight for strategy")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// History handles GET /api/strategies/{id}/executions
func (h *ExecutionHandlers) History(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	executions, err := h.repo.GetHistory(strategyID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("strategy_id", strategyID).Msg("Failed to load history")
		respondError(w, http.StatusInternalServerError, "failed to load execution history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"executions": executions})
}

// Recent handles GET /api/executions
func (h *ExecutionHandlers) Recent(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	executions, err := h.repo.GetRecent(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load recent executions")
		respondError(w, http.StatusInternalServerError, "failed to load executions")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"executions": executions})
}

// Get handles GET /api/executions/{id}
func (h *ExecutionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := h.repo.Get(id)
	if err != nil {
		h.log.Error().Err(err).Str("execution_id", id).Msg("Failed to load execution")
		respondError(w, http.StatusInternalServerError, "failed to load execution")
		return
	}
	if exec == nil {
		respondError(w, http.StatusNotFound, "execution not found")
		return
	}
	respondJSON(w, http.StatusOK, exec)
}
