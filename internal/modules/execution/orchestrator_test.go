package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anshultibby/finch-sub002/internal/domain"
	"github.com/anshultibby/finch-sub002/internal/events"
	"github.com/anshultibby/finch-sub002/internal/modules/ledger"
	"github.com/anshultibby/finch-sub002/internal/modules/strategy"
)

type fakeStrategyRepo struct {
	mu         sync.Mutex
	strategies map[string]*strategy.Strategy
	statUpdate *strategy.Stats
}

func (f *fakeStrategyRepo) Get(id string) (*strategy.Strategy, error) {
	return f.strategies[id], nil
}

func (f *fakeStrategyRepo) UpdateStats(_ string, stats strategy.Stats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statUpdate = &stats
	return nil
}

func (f *fakeStrategyRepo) lastStats() *strategy.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statUpdate
}

type fakeResolver struct {
	symbols []string
	err     error
	block   chan struct{} // when set, Resolve waits until the channel closes
}

func (f *fakeResolver) Resolve(_ context.Context, _ strategy.CandidateSource, _ strategy.RiskParameters) ([]string, error) {
	if f.block != nil {
		<-f.block
	}
	return f.symbols, f.err
}

// fakeEvaluator decides from a per-symbol action script
type fakeEvaluator struct {
	screen map[string]domain.Action
	manage map[string]domain.Action
}

func (f *fakeEvaluator) ScreenCandidate(_ context.Context, _ *strategy.Strategy, symbol string) domain.Decision {
	action, ok := f.screen[symbol]
	if !ok {
		action = domain.ActionSkip
	}
	return domain.Decision{Symbol: symbol, Action: action, Score: 0.8, Rationale: "scripted"}
}

func (f *fakeEvaluator) ManagePosition(_ context.Context, _ *strategy.Strategy, pos *ledger.Position, price float64) domain.Decision {
	action, ok := f.manage[pos.Symbol]
	if !ok {
		action = domain.ActionHold
	}
	return domain.Decision{Symbol: pos.Symbol, Action: action, Price: price, Rationale: "scripted"}
}

type fakeLedgerRepo struct {
	budgets   map[string]float64
	positions []ledger.Position
}

func (f *fakeLedgerRepo) SyncBudget(strategyID string, total float64) error {
	if f.budgets == nil {
		f.budgets = make(map[string]float64)
	}
	f.budgets[strategyID] = total
	return nil
}

func (f *fakeLedgerRepo) GetBudget(strategyID string) (*ledger.Budget, error) {
	total, ok := f.budgets[strategyID]
	if !ok {
		return nil, nil
	}
	return &ledger.Budget{StrategyID: strategyID, Total: total, Available: total}, nil
}

func (f *fakeLedgerRepo) GetOpenPositions(_ string) ([]ledger.Position, error) {
	return f.positions, nil
}

func (f *fakeLedgerRepo) GetPosition(_, _ string) (*ledger.Position, error) {
	return nil, nil
}

func (f *fakeLedgerRepo) DeleteStrategy(_ string) error { return nil }

type fakeLedger struct {
	mu      sync.Mutex
	repo    *fakeLedgerRepo
	applied [][]domain.Decision
	reject  map[string]string // symbol -> rejection reason
}

func (f *fakeLedger) ApplyBatch(_ string, _ strategy.RiskParameters, decisions []domain.Decision) ([]ledger.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, decisions)

	outcomes := make([]ledger.Outcome, len(decisions))
	for i, d := range decisions {
		outcomes[i] = ledger.Outcome{Symbol: d.Symbol}
		if d.Action != domain.ActionBuy && d.Action != domain.ActionSell {
			continue
		}
		if reason, ok := f.reject[d.Symbol]; ok {
			outcomes[i].Reason = reason
			continue
		}
		outcomes[i].Applied = true
		outcomes[i].Quantity = 10
		outcomes[i].Price = d.Price
	}
	return outcomes, nil
}

func (f *fakeLedger) Repo() ledger.RepositoryInterface { return f.repo }

func (f *fakeLedger) batches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

type fakePrices struct {
	prices map[string]float64
}

func (f *fakePrices) Price(_ context.Context, symbol string) (float64, error) {
	p, ok := f.prices[symbol]
	if !ok {
		return 0, domain.NewFetchError(domain.FetchNotFound, "quote", symbol, nil)
	}
	return p, nil
}

type orchestratorFixture struct {
	orch       *Orchestrator
	strategies *fakeStrategyRepo
	resolver   *fakeResolver
	evaluator  *fakeEvaluator
	ledger     *fakeLedger
	prices     *fakePrices
	audit      *Repository
	events     *events.Manager
}

func newFixture(t *testing.T, st *strategy.Strategy) *orchestratorFixture {
	t.Helper()

	log := zerolog.New(nil).Level(zerolog.Disabled)
	audit := newTestAuditRepo(t)

	f := &orchestratorFixture{
		strategies: &fakeStrategyRepo{strategies: map[string]*strategy.Strategy{st.ID: st}},
		resolver:   &fakeResolver{},
		evaluator:  &fakeEvaluator{},
		ledger:     &fakeLedger{repo: &fakeLedgerRepo{}},
		prices:     &fakePrices{prices: map[string]float64{}},
		audit:      audit,
		events:     events.NewManager(log),
	}
	f.orch = NewOrchestrator(f.strategies, f.resolver, f.evaluator, f.evaluator, f.ledger, f.prices, audit, f.events, time.Minute, log)
	return f
}

func testStrategy(id string) *strategy.Strategy {
	return &strategy.Strategy{
		ID:       id,
		Owner:    "user-1",
		Name:     "test strategy",
		Enabled:  true,
		Approved: true,
		Config: strategy.Config{
			CandidateSource: strategy.CandidateSource{Type: strategy.CandidatesTickers, Tickers: []string{"AAPL"}},
			ScreeningRules: []strategy.Rule{{
				Order:       1,
				Description: "scripted",
				DataSources: []strategy.DataSource{{Type: strategy.SourceFundamental, Endpoint: "quote"}},
				Weight:      1,
			}},
			Risk: strategy.RiskParameters{PositionSizePct: 10, MaxPositions: 5, TotalBudget: 10000},
		},
	}
}

func TestTriggerBuyFlow(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)
	f.resolver.symbols = []string{"AAPL", "MSFT"}
	f.evaluator.screen = map[string]domain.Action{"AAPL": domain.ActionBuy}
	f.prices.prices["AAPL"] = 200

	result, err := f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionSuccess, result.Status)
	assert.Equal(t, "2 symbols evaluated, 1 BUY, 1 SKIP", result.Summary)
	require.Len(t, result.Decisions, 2)
	assert.Equal(t, domain.ActionBuy, result.Decisions[0].Action)
	assert.Equal(t, 200.0, result.Decisions[0].Price)
	assert.Equal(t, 10.0, result.Decisions[0].Quantity)

	// budget synced and batch applied
	assert.Equal(t, 10000.0, f.ledger.repo.budgets["s1"])
	assert.Equal(t, 1, f.ledger.batches())

	// stats refreshed
	stats := f.strategies.lastStats()
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.TotalRuns)
	assert.Equal(t, 1, stats.TotalBuys)

	// audit row terminal
	exec, err := f.audit.Get(result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionSuccess, exec.Status)
}

func TestTriggerBuyWithoutPriceDowngrades(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)
	f.resolver.symbols = []string{"AAPL"}
	f.evaluator.screen = map[string]domain.Action{"AAPL": domain.ActionBuy}
	// no price configured

	result, err := f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	require.NoError(t, err)

	require.Len(t, result.Decisions, 1)
	assert.Equal(t, domain.ActionSkip, result.Decisions[0].Action)
	assert.Contains(t, result.Decisions[0].Rationale, "no price available")
}

func TestTriggerSkipsHeldSymbolsInScreening(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)
	f.resolver.symbols = []string{"AAPL", "MSFT"}
	f.ledger.repo.positions = []ledger.Position{
		{StrategyID: "s1", Symbol: "AAPL", Quantity: 5, EntryPrice: 180, CostBasis: 900, OpenedAt: time.Now()},
	}
	f.evaluator.screen = map[string]domain.Action{"AAPL": domain.ActionBuy, "MSFT": domain.ActionSkip}
	f.evaluator.manage = map[string]domain.Action{"AAPL": domain.ActionHold}
	f.prices.prices["AAPL"] = 200

	result, err := f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	require.NoError(t, err)

	// AAPL appears once, from the management pass, not screening
	require.Len(t, result.Decisions, 2)
	assert.Equal(t, "MSFT", result.Decisions[0].Symbol)
	assert.Equal(t, "AAPL", result.Decisions[1].Symbol)
	assert.Equal(t, domain.ActionHold, result.Decisions[1].Action)
}

func TestTriggerLedgerRejectionDowngrades(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)
	f.resolver.symbols = []string{"AAPL"}
	f.evaluator.screen = map[string]domain.Action{"AAPL": domain.ActionBuy}
	f.prices.prices["AAPL"] = 200
	f.ledger.reject = map[string]string{"AAPL": "insufficient budget (need 1000.00, available 50.00)"}

	result, err := f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionSuccess, result.Status)
	require.Len(t, result.Decisions, 1)
	assert.Equal(t, domain.ActionSkip, result.Decisions[0].Action)
	assert.Contains(t, result.Decisions[0].Rationale, "ledger violation: insufficient budget")

	stats := f.strategies.lastStats()
	require.NotNil(t, stats)
	assert.Zero(t, stats.TotalBuys)
}

func TestTriggerSellRejectionDowngradesToHold(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)
	f.ledger.repo.positions = []ledger.Position{
		{StrategyID: "s1", Symbol: "AAPL", Quantity: 5, EntryPrice: 180, CostBasis: 900, OpenedAt: time.Now()},
	}
	f.evaluator.manage = map[string]domain.Action{"AAPL": domain.ActionSell}
	f.prices.prices["AAPL"] = 150
	f.ledger.reject = map[string]string{"AAPL": "no open position"}

	result, err := f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	require.NoError(t, err)

	require.Len(t, result.Decisions, 1)
	assert.Equal(t, domain.ActionHold, result.Decisions[0].Action)
	assert.Contains(t, result.Decisions[0].Rationale, "ledger violation: no open position")
}

func TestTriggerDryRunLeavesLedgerUntouched(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)
	f.resolver.symbols = []string{"AAPL"}
	f.evaluator.screen = map[string]domain.Action{"AAPL": domain.ActionBuy}
	f.prices.prices["AAPL"] = 200

	result, err := f.orch.Trigger(context.Background(), "s1", domain.TriggerDryRun)
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionSuccess, result.Status)
	require.Len(t, result.Decisions, 1)
	// preview sizing: 10% of 10000 at 200
	assert.InDelta(t, 5.0, result.Decisions[0].Quantity, 1e-9)

	// no budget sync, no batch, no stats
	assert.Empty(t, f.ledger.repo.budgets)
	assert.Zero(t, f.ledger.batches())
	assert.Nil(t, f.strategies.lastStats())

	// but the run is still audited
	exec, err := f.audit.Get(result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionSuccess, exec.Status)
	assert.Equal(t, domain.TriggerDryRun, exec.Trigger)
}

func TestTriggerNoCandidates(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)
	f.resolver.symbols = nil

	result, err := f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionSuccess, result.Status)
	assert.Equal(t, "no candidates were found", result.Summary)
}

func TestTriggerResolverFailureFailsRun(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)
	f.resolver.err = domain.ErrDataUnavailable

	result, err := f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionFailed, result.Status)
	assert.Equal(t, "candidate resolution failed", result.Summary)
	assert.NotEmpty(t, result.Error)
}

func TestTriggerRejectsWhileRunning(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)

	// occupy the running slot directly
	require.NoError(t, f.audit.Claim(newExecution("inflight", "s1", domain.TriggerManual)))

	_, err := f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
}

func TestTriggerValidation(t *testing.T) {
	st := testStrategy("s1")
	st.Approved = false
	f := newFixture(t, st)

	// unknown trigger
	_, err := f.orch.Trigger(context.Background(), "s1", domain.Trigger("cron"))
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	// scheduled requires enabled and approved
	_, err = f.orch.Trigger(context.Background(), "s1", domain.TriggerScheduled)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	// manual does not
	_, err = f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	assert.NoError(t, err)

	// unknown strategy
	_, err = f.orch.Trigger(context.Background(), "missing", domain.TriggerManual)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestTriggerInvalidConfigFailsRun(t *testing.T) {
	st := testStrategy("s1")
	st.Config.ScreeningRules = nil
	f := newFixture(t, st)

	result, err := f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionFailed, result.Status)
	assert.Equal(t, "configuration is invalid", result.Summary)

	// the failed run is still recorded
	exec, err := f.audit.Get(result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
}

func TestTriggerEmitsLifecycleEvents(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)
	f.resolver.symbols = []string{"AAPL"}

	var mu sync.Mutex
	var seen []events.EventType
	f.events.SubscribeAll(func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	_, err := f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.EventType{
		events.ExecutionStarted,
		events.DecisionMade,
		events.ExecutionCompleted,
	}, seen)
}

func TestStopWithNothingInFlight(t *testing.T) {
	f := newFixture(t, testStrategy("s1"))
	assert.False(t, f.orch.Stop("s1"))
}

func TestRecoverFinalizesStaleRuns(t *testing.T) {
	f := newFixture(t, testStrategy("s1"))

	stale := newExecution("old", "s1", domain.TriggerScheduled)
	stale.StartedAt = time.Now().Add(-time.Hour)
	require.NoError(t, f.audit.Claim(stale))

	n, err := f.orch.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the slot is free again
	_, err = f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	assert.NoError(t, err)
}

func TestSummarize(t *testing.T) {
	testCases := []struct {
		name      string
		decisions []domain.Decision
		expected  string
	}{
		{name: "empty", decisions: nil, expected: "no candidates were found"},
		{
			name: "mixed actions in fixed order",
			decisions: []domain.Decision{
				{Action: domain.ActionSkip},
				{Action: domain.ActionBuy},
				{Action: domain.ActionHold},
				{Action: domain.ActionSell},
				{Action: domain.ActionSkip},
			},
			expected: "5 symbols evaluated, 1 BUY, 1 SELL, 1 HOLD, 2 SKIP",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, summarize(tc.decisions))
		})
	}
}

func TestMergeOutcomesCounts(t *testing.T) {
	decisions := []domain.Decision{
		{Symbol: "A", Action: domain.ActionBuy},
		{Symbol: "B", Action: domain.ActionSell},
		{Symbol: "C", Action: domain.ActionSkip},
	}
	outcomes := []ledger.Outcome{
		{Symbol: "A", Applied: true, Quantity: 2, Price: 50},
		{Symbol: "B", Applied: true, Quantity: 3, Price: 70, Proceeds: 210},
		{Symbol: "C"},
	}

	merged, buys, sells := mergeOutcomes(decisions, outcomes)
	assert.Equal(t, 1, buys)
	assert.Equal(t, 1, sells)
	assert.Equal(t, 2.0, merged[0].Quantity)
	assert.Equal(t, 70.0, merged[1].Price)
	assert.Equal(t, domain.ActionSkip, merged[2].Action)
}

func TestCheckCancelled(t *testing.T) {
	assert.NoError(t, checkCancelled(context.Background()))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, checkCancelled(cancelled), domain.ErrExecutionStopped)

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	assert.ErrorIs(t, checkCancelled(expired), domain.ErrExecutionTimeout)
}

func TestTriggerStoppedMidRun(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)
	f.resolver.symbols = []string{"AAPL", "MSFT", "GOOGL"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.orch.Trigger(ctx, "s1", domain.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionFailed, result.Status)
	assert.Equal(t, domain.ErrExecutionStopped.Error(), result.Error)
}

func TestTriggerAsyncReportsClaimErrors(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)

	require.NoError(t, f.audit.Claim(newExecution("inflight", "s1", domain.TriggerManual)))

	err := f.orch.TriggerAsync("s1", domain.TriggerManual)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
}

func TestTriggerAsyncUnknownStrategy(t *testing.T) {
	f := newFixture(t, testStrategy("s1"))

	err := f.orch.TriggerAsync("missing", domain.TriggerManual)
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrAlreadyRunning))
}

func TestTriggerAsyncReturnsOnceClaimed(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)
	f.resolver.symbols = []string{"AAPL"}
	f.resolver.block = make(chan struct{})

	done := make(chan struct{})
	f.events.Subscribe(events.ExecutionCompleted, func(events.Event) {
		close(done)
	})

	// Returns while the resolver is still held, with the claim taken
	err := f.orch.TriggerAsync("s1", domain.TriggerManual)
	require.NoError(t, err)

	running, err := f.audit.GetRunning("s1")
	require.NoError(t, err)
	require.NotNil(t, running)

	_, err = f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)

	close(f.resolver.block)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not complete")
	}
}

func TestTriggerFailedRunRefreshesStats(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)
	f.resolver.err = domain.ErrDataUnavailable

	result, err := f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionFailed, result.Status)

	stats := f.strategies.lastStats()
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.TotalRuns)
	assert.Equal(t, 1, stats.FailedRuns)
	assert.Zero(t, stats.SuccessRuns)
	assert.Equal(t, string(domain.ExecutionFailed), stats.LastStatus)
	assert.Equal(t, "candidate resolution failed", stats.LastSummary)
}

func TestTriggerDryRunUsesPreviewEvaluator(t *testing.T) {
	st := testStrategy("s1")
	f := newFixture(t, st)
	f.resolver.symbols = []string{"AAPL"}
	f.prices.prices["AAPL"] = 200

	live := &fakeEvaluator{screen: map[string]domain.Action{"AAPL": domain.ActionBuy}}
	preview := &fakeEvaluator{screen: map[string]domain.Action{"AAPL": domain.ActionSkip}}
	log := zerolog.New(nil).Level(zerolog.Disabled)
	f.orch = NewOrchestrator(f.strategies, f.resolver, live, preview, f.ledger, f.prices, f.audit, f.events, time.Minute, log)

	dry, err := f.orch.Trigger(context.Background(), "s1", domain.TriggerDryRun)
	require.NoError(t, err)
	require.Len(t, dry.Decisions, 1)
	assert.Equal(t, domain.ActionSkip, dry.Decisions[0].Action)

	manual, err := f.orch.Trigger(context.Background(), "s1", domain.TriggerManual)
	require.NoError(t, err)
	require.Len(t, manual.Decisions, 1)
	assert.Equal(t, domain.ActionBuy, manual.Decisions[0].Action)
}
