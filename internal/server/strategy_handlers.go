package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/domain"
	"github.com/anshultibby/finch-sub002/internal/events"
	"github.com/anshultibby/finch-sub002/internal/modules/ledger"
	"github.com/anshultibby/finch-sub002/internal/modules/strategy"
)

// StrategyHandlers contains HTTP handlers for strategy management
type StrategyHandlers struct {
	repo       *strategy.Repository
	ledgerRepo ledger.RepositoryInterface
	events     *events.Manager
	log        zerolog.Logger
}

// NewStrategyHandlers creates strategy management handlers
func NewStrategyHandlers(repo *strategy.Repository, ledgerRepo ledger.RepositoryInterface, eventManager *events.Manager, log zerolog.Logger) *StrategyHandlers {
	return &StrategyHandlers{
		repo:       repo,
		ledgerRepo: ledgerRepo,
		events:     eventManager,
		log:        log.With().Str("handler", "strategies").Logger(),
	}
}

type createStrategyRequest struct {
	Owner       string          `json:"owner"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Config      strategy.Config `json:"config"`
	Enabled     bool            `json:"enabled"`
}

// Create handles POST /api/strategies
func (h *StrategyHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req createStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Owner == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "owner and name are required")
		return
	}

	st := &strategy.Strategy{
		ID:          uuid.New().String(),
		Owner:       req.Owner,
		Name:        req.Name,
		Description: req.Description,
		Config:      req.Config,
		Enabled:     req.Enabled,
		// New strategies always need explicit approval before scheduled runs
		Approved: false,
	}

	if err := h.repo.Create(st); err != nil {
		if errors.Is(err, domain.ErrInvalidConfiguration) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("Failed to create strategy")
		respondError(w, http.StatusInternalServerError, "failed to create strategy")
		return
	}

	h.events.Emit(events.StrategyChanged, "strategy", map[string]interface{}{
		"strategy_id": st.ID,
		"change":      "created",
	})
	respondJSON(w, http.StatusCreated, st)
}

// List handles GET /api/strategies
func (h *StrategyHandlers) List(w http.ResponseWriter, r *http.Request) {
	strategies, err := h.repo.GetAll()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list strategies")
		respondError(w, http.StatusInternalServerError, "failed to list strategies")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"strategies": strategies})
}

// Get handles GET /api/strategies/{id}
func (h *StrategyHandlers) Get(w http.ResponseWriter, r *http.Request) {
	st, ok := h.load(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// UpdateConfig handles PUT /api/strategies/{id}/config.
// Rule edits land between runs; a run already in flight keeps the
// configuration it started with.
func (h *StrategyHandlers) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	st, ok := h.load(w, r)
	if !ok {
		return
	}

	var cfg strategy.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.repo.UpdateConfig(st.ID, cfg); err != nil {
		if errors.Is(err, domain.ErrInvalidConfiguration) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.log.Error().Err(err).Str("strategy_id", st.ID).Msg("Failed to update config")
		respondError(w, http.StatusInternalServerError, "failed to update strategy")
		return
	}

	h.events.Emit(events.StrategyChanged, "strategy", map[string]interface{}{
		"strategy_id": st.ID,
		"change":      "config_updated",
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type flagsRequest struct {
	Enabled  bool `json:"enabled"`
	Approved bool `json:"approved"`
}

// SetFlags handles PUT /api/strategies/{id}/flags
func (h *StrategyHandlers) SetFlags(w http.ResponseWriter, r *http.Request) {
	st, ok := h.load(w, r)
	if !ok {
		return
	}

	var req flagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.repo.SetFlags(st.ID, req.Enabled, req.Approved); err != nil {
		h.log.Error().Err(err).Str("strategy_id", st.ID).Msg("Failed to set flags")
		respondError(w, http.StatusInternalServerError, "failed to update strategy")
		return
	}

	h.events.Emit(events.StrategyChanged, "strategy", map[string]interface{}{
		"strategy_id": st.ID,
		"change":      "flags_updated",
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// Delete handles DELETE /api/strategies/{id}. The ledger state goes with
// the strategy; the audit history stays.
func (h *StrategyHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	st, ok := h.load(w, r)
	if !ok {
		return
	}

	if err := h.repo.Delete(st.ID); err != nil {
		h.log.Error().Err(err).Str("strategy_id", st.ID).Msg("Failed to delete strategy")
		respondError(w, http.StatusInternalServerError, "failed to delete strategy")
		return
	}
	if err := h.ledgerRepo.DeleteStrategy(st.ID); err != nil {
		h.log.Error().Err(err).Str("strategy_id", st.ID).Msg("Failed to delete ledger state")
	}

	h.events.Emit(events.StrategyChanged, "strategy", map[string]interface{}{
		"strategy_id": st.ID,
		"change":      "deleted",
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Ledger handles GET /api/strategies/{id}/ledger
func (h *StrategyHandlers) Ledger(w http.ResponseWriter, r *http.Request) {
	st, ok := h.load(w, r)
	if !ok {
		return
	}

	budget, err := h.ledgerRepo.GetBudget(st.ID)
	if err != nil {
		h.log.Error().Err(err).Str("strategy_id", st.ID).Msg("Failed to load budget")
		respondError(w, http.StatusInternalServerError, "failed to load ledger")
		return
	}
	positions, err := h.ledgerRepo.GetOpenPositions(st.ID)
	if err != nil {
		h.log.Error().Err(err).Str("strategy_id", st.ID).Msg("Failed to load positions")
		respondError(w, http.StatusInternalServerError, "failed to load ledger")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"budget":    budget,
		"positions": positions,
	})
}

func (h *StrategyHandlers) load(w http.ResponseWriter, r *http.Request) (*strategy.Strategy, bool) {
	id := chi.URLParam(r, "id")
	st, err := h.repo.Get(id)
	if err != nil {
		h.log.Error().Err(err).Str("strategy_id", id).Msg("Failed to load strategy")
		respondError(w, http.StatusInternalServerError, "failed to load strategy")
		return nil, false
	}
	if st == nil {
		respondError(w, http.StatusNotFound, "strategy not found")
		return nil, false
	}
	return st, true
}
