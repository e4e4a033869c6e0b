// Package execution drives strategy runs: the orchestrator owns the run
// state machine, the repository owns the append-only audit trail.
package execution

import (
	"time"

	"github.com/anshultibby/finch-sub002/internal/domain"
)

// Payload is the audit detail stored alongside an execution row.
// Failed runs carry the triggering error verbatim; every run carries a
// readable summary, never a bare stack trace.
type Payload struct {
	Decisions []domain.Decision `json:"decisions,omitempty"`
	Summary   string            `json:"summary,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Execution is one recorded strategy run. Append-only once terminal:
// created with status running before any work, finalized exactly once.
type Execution struct {
	ID          string                 `json:"id"`
	StrategyID  string                 `json:"strategy_id"`
	Owner       string                 `json:"owner"`
	Status      domain.ExecutionStatus `json:"status"`
	Trigger     domain.Trigger         `json:"trigger"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Payload     Payload                `json:"payload"`
}

// Result converts the stored execution into the caller-facing result
func (e *Execution) Result() *domain.ExecutionResult {
	result := &domain.ExecutionResult{
		ExecutionID: e.ID,
		StrategyID:  e.StrategyID,
		Status:      e.Status,
		Trigger:     e.Trigger,
		StartedAt:   e.StartedAt,
		Decisions:   e.Payload.Decisions,
		Summary:     e.Payload.Summary,
		Error:       e.Payload.Error,
	}
	if e.CompletedAt != nil {
		result.CompletedAt = *e.CompletedAt
	}
	return result
}
