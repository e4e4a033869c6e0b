package ledger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anshultibby/finch-sub002/internal/domain"
	"github.com/anshultibby/finch-sub002/internal/modules/strategy"
	testingpkg "github.com/anshultibby/finch-sub002/internal/testing"
)

func newTestService(t *testing.T) (*Service, *Repository) {
	t.Helper()

	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)

	log := zerolog.New(nil).Level(zerolog.Disabled)
	repo := NewRepository(db.Conn(), log)
	return NewService(db, repo, log), repo
}

func testRisk() strategy.RiskParameters {
	return strategy.RiskParameters{
		PositionSizePct: 10,
		MaxPositions:    2,
		TotalBudget:     10000,
	}
}

func requireConsistent(t *testing.T, repo *Repository, strategyID string) *Budget {
	t.Helper()
	budget, err := repo.GetBudget(strategyID)
	require.NoError(t, err)
	require.NotNil(t, budget)
	assert.True(t, budget.Consistent(),
		"total=%.2f committed=%.2f available=%.2f", budget.Total, budget.Committed, budget.Available)
	return budget
}

func TestApplyBatchBuyOpensPosition(t *testing.T) {
	svc, repo := newTestService(t)
	require.NoError(t, repo.SyncBudget("s1", 10000))

	outcomes, err := svc.ApplyBatch("s1", testRisk(), []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionBuy, Price: 200},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	assert.True(t, outcomes[0].Applied)
	assert.InDelta(t, 5.0, outcomes[0].Quantity, 1e-9) // 10% of 10000 at 200
	assert.Equal(t, 200.0, outcomes[0].Price)

	budget := requireConsistent(t, repo, "s1")
	assert.InDelta(t, 1000.0, budget.Committed, 1e-9)
	assert.InDelta(t, 9000.0, budget.Available, 1e-9)

	pos, err := repo.GetPosition("s1", "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 5.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 200.0, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 1000.0, pos.CostBasis, 1e-9)
}

func TestApplyBatchBuyMoreAveragesEntry(t *testing.T) {
	svc, repo := newTestService(t)
	require.NoError(t, repo.SyncBudget("s1", 10000))

	_, err := svc.ApplyBatch("s1", testRisk(), []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionBuy, Price: 200},
	})
	require.NoError(t, err)

	// second buy at a higher price
	_, err = svc.ApplyBatch("s1", testRisk(), []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionBuy, Price: 400},
	})
	require.NoError(t, err)

	pos, err := repo.GetPosition("s1", "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	// 5 shares at 200 plus 2.5 shares at 400: 2000 cost over 7.5 shares
	assert.InDelta(t, 7.5, pos.Quantity, 1e-9)
	assert.InDelta(t, 2000.0/7.5, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 2000.0, pos.CostBasis, 1e-9)

	requireConsistent(t, repo, "s1")
}

func TestApplyBatchBuyRejections(t *testing.T) {
	testCases := []struct {
		name   string
		risk   strategy.RiskParameters
		setup  []domain.Decision
		buy    domain.Decision
		reason string
	}{
		{
			name:   "no price",
			risk:   testRisk(),
			buy:    domain.Decision{Symbol: "AAPL", Action: domain.ActionBuy},
			reason: "no price available for sizing",
		},
		{
			name: "max positions reached",
			risk: strategy.RiskParameters{PositionSizePct: 10, MaxPositions: 1, TotalBudget: 10000},
			setup: []domain.Decision{
				{Symbol: "MSFT", Action: domain.ActionBuy, Price: 100},
			},
			buy:    domain.Decision{Symbol: "AAPL", Action: domain.ActionBuy, Price: 200},
			reason: "max positions reached (1)",
		},
		{
			name:   "insufficient budget",
			risk:   strategy.RiskParameters{PositionSizePct: 90, MaxPositions: 5, TotalBudget: 10000},
			setup:  []domain.Decision{{Symbol: "MSFT", Action: domain.ActionBuy, Price: 100}},
			buy:    domain.Decision{Symbol: "AAPL", Action: domain.ActionBuy, Price: 200},
			reason: "insufficient budget (need 9000.00, available 1000.00)",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc, repo := newTestService(t)
			require.NoError(t, repo.SyncBudget("s1", tc.risk.TotalBudget))

			if len(tc.setup) > 0 {
				_, err := svc.ApplyBatch("s1", tc.risk, tc.setup)
				require.NoError(t, err)
			}

			outcomes, err := svc.ApplyBatch("s1", tc.risk, []domain.Decision{tc.buy})
			require.NoError(t, err)
			require.Len(t, outcomes, 1)

			assert.False(t, outcomes[0].Applied)
			assert.Equal(t, tc.reason, outcomes[0].Reason)

			// rejected buys leave no position behind
			pos, err := repo.GetPosition("s1", tc.buy.Symbol)
			require.NoError(t, err)
			assert.Nil(t, pos)

			requireConsistent(t, repo, "s1")
		})
	}
}

func TestApplyBatchBuyMoreAllowedAtMaxPositions(t *testing.T) {
	svc, repo := newTestService(t)
	risk := strategy.RiskParameters{PositionSizePct: 10, MaxPositions: 1, TotalBudget: 10000}
	require.NoError(t, repo.SyncBudget("s1", 10000))

	_, err := svc.ApplyBatch("s1", risk, []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionBuy, Price: 200},
	})
	require.NoError(t, err)

	// the cap limits distinct symbols, not adding to a held one
	outcomes, err := svc.ApplyBatch("s1", risk, []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionBuy, Price: 250},
	})
	require.NoError(t, err)
	assert.True(t, outcomes[0].Applied)
}

func TestApplyBatchSellRealizesGain(t *testing.T) {
	svc, repo := newTestService(t)
	require.NoError(t, repo.SyncBudget("s1", 10000))

	_, err := svc.ApplyBatch("s1", testRisk(), []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionBuy, Price: 200},
	})
	require.NoError(t, err)

	// 5 shares bought at 200, sold at 240
	outcomes, err := svc.ApplyBatch("s1", testRisk(), []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionSell, Price: 240},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	assert.True(t, outcomes[0].Applied)
	assert.InDelta(t, 5.0, outcomes[0].Quantity, 1e-9)
	assert.InDelta(t, 1200.0, outcomes[0].Proceeds, 1e-9)

	budget := requireConsistent(t, repo, "s1")
	assert.InDelta(t, 10200.0, budget.Total, 1e-9) // +200 realized P&L
	assert.InDelta(t, 0.0, budget.Committed, 1e-9)
	assert.InDelta(t, 10200.0, budget.Available, 1e-9)

	pos, err := repo.GetPosition("s1", "AAPL")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestApplyBatchSellWithoutPosition(t *testing.T) {
	svc, repo := newTestService(t)
	require.NoError(t, repo.SyncBudget("s1", 10000))

	outcomes, err := svc.ApplyBatch("s1", testRisk(), []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionSell, Price: 240},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	assert.False(t, outcomes[0].Applied)
	assert.Equal(t, "no open position", outcomes[0].Reason)
}

func TestApplyBatchSellWithoutPriceUsesEntry(t *testing.T) {
	svc, repo := newTestService(t)
	require.NoError(t, repo.SyncBudget("s1", 10000))

	_, err := svc.ApplyBatch("s1", testRisk(), []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionBuy, Price: 200},
	})
	require.NoError(t, err)

	outcomes, err := svc.ApplyBatch("s1", testRisk(), []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionSell},
	})
	require.NoError(t, err)

	assert.True(t, outcomes[0].Applied)
	assert.InDelta(t, 200.0, outcomes[0].Price, 1e-9)

	budget := requireConsistent(t, repo, "s1")
	assert.InDelta(t, 10000.0, budget.Total, 1e-9) // flat, no P&L
}

func TestApplyBatchPassesThroughNonActionable(t *testing.T) {
	svc, repo := newTestService(t)
	require.NoError(t, repo.SyncBudget("s1", 10000))

	outcomes, err := svc.ApplyBatch("s1", testRisk(), []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionSkip},
		{Symbol: "MSFT", Action: domain.ActionHold},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	for _, o := range outcomes {
		assert.False(t, o.Applied)
		assert.Empty(t, o.Reason)
	}
}

func TestApplyBatchRequiresBudget(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ApplyBatch("unknown", testRisk(), []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionBuy, Price: 200},
	})
	assert.ErrorIs(t, err, domain.ErrLedgerViolation)
}

func TestSyncBudget(t *testing.T) {
	svc, repo := newTestService(t)

	require.NoError(t, repo.SyncBudget("s1", 10000))
	budget := requireConsistent(t, repo, "s1")
	assert.Equal(t, 10000.0, budget.Total)
	assert.Equal(t, 10000.0, budget.Available)

	// growing the budget adds to available
	require.NoError(t, repo.SyncBudget("s1", 15000))
	budget = requireConsistent(t, repo, "s1")
	assert.Equal(t, 15000.0, budget.Total)
	assert.Equal(t, 15000.0, budget.Available)

	// commit most of it, then try to shrink below committed
	risk := strategy.RiskParameters{PositionSizePct: 90, MaxPositions: 5, TotalBudget: 15000}
	_, err := svc.ApplyBatch("s1", risk, []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionBuy, Price: 100},
	})
	require.NoError(t, err)

	err = repo.SyncBudget("s1", 1000)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "below committed funds")
}

func TestSnapshot(t *testing.T) {
	svc, repo := newTestService(t)
	require.NoError(t, repo.SyncBudget("s1", 10000))

	_, err := svc.ApplyBatch("s1", testRisk(), []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionBuy, Price: 200},
	})
	require.NoError(t, err)

	snap, err := svc.Snapshot("s1", "AAPL")
	require.NoError(t, err)

	open, ok := snap.Float("open_positions")
	assert.True(t, ok)
	assert.Equal(t, 1.0, open)

	has, ok := snap.Get("has_position")
	assert.True(t, ok)
	assert.Equal(t, true, has)

	qty, ok := snap.Float("position.quantity")
	assert.True(t, ok)
	assert.InDelta(t, 5.0, qty, 1e-9)

	avail, ok := snap.Float("budget.available")
	assert.True(t, ok)
	assert.InDelta(t, 9000.0, avail, 1e-9)

	// other symbol: budget visible, position fields absent
	snap, err = svc.Snapshot("s1", "MSFT")
	require.NoError(t, err)
	has, _ = snap.Get("has_position")
	assert.Equal(t, false, has)
	_, ok = snap.Get("position")
	assert.False(t, ok)
}

func TestDeleteStrategyClearsLedger(t *testing.T) {
	svc, repo := newTestService(t)
	require.NoError(t, repo.SyncBudget("s1", 10000))

	_, err := svc.ApplyBatch("s1", testRisk(), []domain.Decision{
		{Symbol: "AAPL", Action: domain.ActionBuy, Price: 200},
	})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteStrategy("s1"))

	budget, err := repo.GetBudget("s1")
	require.NoError(t, err)
	assert.Nil(t, budget)

	positions, err := repo.GetOpenPositions("s1")
	require.NoError(t, err)
	assert.Empty(t, positions)
}
