package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBudgetConsistent(t *testing.T) {
	testCases := []struct {
		name       string
		budget     Budget
		consistent bool
	}{
		{name: "exact", budget: Budget{Total: 100, Committed: 40, Available: 60}, consistent: true},
		{name: "within tolerance", budget: Budget{Total: 100, Committed: 40.005, Available: 60}, consistent: true},
		{name: "drifted", budget: Budget{Total: 100, Committed: 45, Available: 60}, consistent: false},
		{name: "empty", budget: Budget{}, consistent: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.consistent, tc.budget.Consistent())
		})
	}
}

func TestPositionReturnPct(t *testing.T) {
	p := Position{EntryPrice: 100}

	assert.InDelta(t, 10.0, p.ReturnPct(110), 1e-9)
	assert.InDelta(t, -25.0, p.ReturnPct(75), 1e-9)
	assert.InDelta(t, 0.0, p.ReturnPct(100), 1e-9)

	// degenerate entry price never divides by zero
	zero := Position{}
	assert.Equal(t, 0.0, zero.ReturnPct(50))
}

func TestPositionHoldingDays(t *testing.T) {
	opened := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := Position{OpenedAt: opened}

	assert.Equal(t, 0, p.HoldingDays(opened.Add(23*time.Hour)))
	assert.Equal(t, 1, p.HoldingDays(opened.Add(25*time.Hour)))
	assert.Equal(t, 30, p.HoldingDays(opened.AddDate(0, 0, 30)))
}
