// Package ledger tracks simulated holdings and budget per strategy.
// The invariant committed + available == total must hold after every
// mutation; decisions the ledger cannot honor are downgraded with a
// reason, never half-applied.
package ledger

import (
	"math"
	"time"
)

// roundingTolerance bounds float drift allowed in the budget invariant
const roundingTolerance = 0.01

// Budget is the per-strategy simulated budget
type Budget struct {
	StrategyID string    `json:"strategy_id"`
	Total      float64   `json:"total"`
	Committed  float64   `json:"committed"`
	Available  float64   `json:"available"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Consistent reports whether committed + available equals total within
// rounding tolerance
func (b *Budget) Consistent() bool {
	return math.Abs(b.Committed+b.Available-b.Total) <= roundingTolerance
}

// Position is an open simulated holding owned by one strategy
type Position struct {
	ID         int64     `json:"id"`
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	CostBasis  float64   `json:"cost_basis"`
	OpenedAt   time.Time `json:"opened_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ReturnPct returns the unrealized return at the given price, in percent
func (p *Position) ReturnPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// HoldingDays returns whole days the position has been open
func (p *Position) HoldingDays(now time.Time) int {
	return int(now.Sub(p.OpenedAt).Hours() / 24)
}

// Outcome is the result of applying one decision. A decision the ledger
// rejects comes back with Applied=false and a human-readable reason; the
// caller records the downgrade instead of failing the run.
type Outcome struct {
	Symbol   string  `json:"symbol"`
	Applied  bool    `json:"applied"`
	Reason   string  `json:"reason,omitempty"`
	Quantity float64 `json:"quantity,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Proceeds float64 `json:"proceeds,omitempty"`
}
