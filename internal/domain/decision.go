// Package domain provides core domain models and types shared across modules.
package domain

import "time"

// Action represents the outcome of evaluating a symbol or position
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSkip Action = "SKIP"
	ActionHold Action = "HOLD"
	ActionSell Action = "SELL"
)

// Trigger represents the cause of a strategy execution
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerDryRun    Trigger = "dry_run"
)

// Valid reports whether the trigger is one of the known values
func (t Trigger) Valid() bool {
	switch t {
	case TriggerScheduled, TriggerManual, TriggerDryRun:
		return true
	}
	return false
}

// ExecutionStatus represents the state of a strategy execution
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// RuleVote is a single rule's contribution to a decision.
// An abstaining rule is excluded from score aggregation entirely,
// it is not counted as a zero vote.
type RuleVote struct {
	RuleOrder int     `json:"rule_order"`
	Rule      string  `json:"rule"`
	Score     float64 `json:"score"`
	Weight    float64 `json:"weight"`
	Abstained bool    `json:"abstained"`
	Rationale string  `json:"rationale,omitempty"`
}

// Decision is the evaluated outcome for one symbol within an execution
type Decision struct {
	Symbol    string     `json:"symbol"`
	Action    Action     `json:"action"`
	Score     float64    `json:"score"`
	Votes     []RuleVote `json:"votes,omitempty"`
	Rationale string     `json:"rationale,omitempty"`
	// Quantity and Price are set for BUY/SELL decisions that were
	// applied (or would be applied, for dry runs) to the ledger
	Quantity float64 `json:"quantity,omitempty"`
	Price    float64 `json:"price,omitempty"`
}

// ExecutionResult is returned to the trigger caller (scheduler, manual, dry-run)
type ExecutionResult struct {
	ExecutionID string          `json:"execution_id"`
	StrategyID  string          `json:"strategy_id"`
	Status      ExecutionStatus `json:"status"`
	Trigger     Trigger         `json:"trigger"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Decisions   []Decision      `json:"decisions"`
	Summary     string          `json:"summary"`
	Error       string          `json:"error,omitempty"`
}
