package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/domain"
	"github.com/anshultibby/finch-sub002/internal/events"
	"github.com/anshultibby/finch-sub002/internal/modules/ledger"
	"github.com/anshultibby/finch-sub002/internal/modules/strategy"
)

// StrategyRepositoryInterface defines the strategy persistence operations
// the orchestrator needs
type StrategyRepositoryInterface interface {
	Get(id string) (*strategy.Strategy, error)
	UpdateStats(id string, stats strategy.Stats) error
}

// CandidateResolverInterface expands a candidate source into symbols
type CandidateResolverInterface interface {
	Resolve(ctx context.Context, source strategy.CandidateSource, risk strategy.RiskParameters) ([]string, error)
}

// EvaluatorInterface applies screening and management rules
type EvaluatorInterface interface {
	ScreenCandidate(ctx context.Context, st *strategy.Strategy, symbol string) domain.Decision
	ManagePosition(ctx context.Context, st *strategy.Strategy, pos *ledger.Position, price float64) domain.Decision
}

// LedgerInterface defines the ledger operations the orchestrator needs
type LedgerInterface interface {
	ApplyBatch(strategyID string, risk strategy.RiskParameters, decisions []domain.Decision) ([]ledger.Outcome, error)
	Repo() ledger.RepositoryInterface
}

// PriceProvider returns the current price for a symbol
type PriceProvider interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// AuditRepositoryInterface defines the audit trail operations
type AuditRepositoryInterface interface {
	Claim(exec *Execution) error
	Finalize(executionID string, status domain.ExecutionStatus, payload Payload) error
	RecoverStale(olderThan time.Duration) (int, error)
}

// Compile-time check that Repository implements AuditRepositoryInterface
var _ AuditRepositoryInterface = (*Repository)(nil)

// Orchestrator drives one end-to-end strategy run: resolve candidates,
// screen, manage open positions, apply the decision batch to the ledger,
// refresh stats, finalize the audit row. At most one run per strategy is
// in flight at any time, enforced by the audit repository's atomic claim.
// Dry runs evaluate through a separate evaluator so previews stay
// deterministic even when live runs use the LLM interpreter.
type Orchestrator struct {
	strategies   StrategyRepositoryInterface
	resolver     CandidateResolverInterface
	evaluator    EvaluatorInterface
	dryEvaluator EvaluatorInterface
	ledger       LedgerInterface
	prices       PriceProvider
	audit        AuditRepositoryInterface
	events       *events.Manager
	timeout      time.Duration
	log          zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewOrchestrator creates a new execution orchestrator
func NewOrchestrator(
	strategies StrategyRepositoryInterface,
	resolver CandidateResolverInterface,
	evaluator EvaluatorInterface,
	dryEvaluator EvaluatorInterface,
	ledgerService LedgerInterface,
	prices PriceProvider,
	audit AuditRepositoryInterface,
	eventManager *events.Manager,
	timeout time.Duration,
	log zerolog.Logger,
) *Orchestrator {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if dryEvaluator == nil {
		dryEvaluator = evaluator
	}
	return &Orchestrator{
		strategies:   strategies,
		resolver:     resolver,
		evaluator:    evaluator,
		dryEvaluator: dryEvaluator,
		ledger:       ledgerService,
		prices:       prices,
		audit:        audit,
		events:       eventManager,
		timeout:      timeout,
		log:          log.With().Str("service", "orchestrator").Logger(),
	}
}

// Recover finalizes executions left running by a previous process.
// Anything older than the execution ceiling cannot still be in flight.
func (o *Orchestrator) Recover() (int, error) {
	return o.audit.RecoverStale(o.timeout)
}

// Trigger runs one execution synchronously and returns its result.
// Scheduled triggers require an enabled and approved strategy; manual and
// dry-run triggers only require that the strategy exists. A strategy with
// a run already in flight is rejected with ErrAlreadyRunning.
func (o *Orchestrator) Trigger(ctx context.Context, strategyID string, trigger domain.Trigger) (*domain.ExecutionResult, error) {
	return o.trigger(ctx, strategyID, trigger, nil)
}

// trigger validates, claims and runs one execution. When claimed is
// non-nil it receives the claim outcome as soon as it is decided, before
// any evaluation work starts.
func (o *Orchestrator) trigger(ctx context.Context, strategyID string, trigger domain.Trigger, claimed chan<- error) (*domain.ExecutionResult, error) {
	signalClaim := func(err error) {
		if claimed == nil {
			return
		}
		select {
		case claimed <- err:
		default:
		}
	}

	if !trigger.Valid() {
		err := fmt.Errorf("%w: unknown trigger %q", domain.ErrInvalidConfiguration, trigger)
		signalClaim(err)
		return nil, err
	}

	st, err := o.strategies.Get(strategyID)
	if err != nil {
		signalClaim(err)
		return nil, err
	}
	if st == nil {
		err := fmt.Errorf("strategy %s not found", strategyID)
		signalClaim(err)
		return nil, err
	}
	if trigger == domain.TriggerScheduled && !st.Runnable() {
		err := fmt.Errorf("%w: strategy %s is not enabled and approved", domain.ErrInvalidConfiguration, strategyID)
		signalClaim(err)
		return nil, err
	}

	exec := &Execution{
		ID:         uuid.New().String(),
		StrategyID: st.ID,
		Owner:      st.Owner,
		Status:     domain.ExecutionRunning,
		Trigger:    trigger,
		StartedAt:  time.Now(),
	}
	// The claim happens before any work so a crash mid-run leaves a
	// visibly incomplete record rather than silence
	if err := o.audit.Claim(exec); err != nil {
		signalClaim(err)
		return nil, err
	}
	signalClaim(nil)

	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	o.registerCancel(st.ID, cancel)
	defer func() {
		cancel()
		o.unregisterCancel(st.ID)
	}()

	o.events.Emit(events.ExecutionStarted, "execution", map[string]interface{}{
		"execution_id": exec.ID,
		"strategy_id":  st.ID,
		"trigger":      string(trigger),
	})

	payload, status, buys, sells := o.run(runCtx, st, trigger)

	if err := o.audit.Finalize(exec.ID, status, payload); err != nil {
		o.log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to finalize execution")
	}

	// Stats carry the terminal status whether the run succeeded or
	// failed; only dry runs leave them untouched
	if trigger != domain.TriggerDryRun {
		stats := st.Stats
		stats.RecordRun(status, payload.Summary, time.Now(), buys, sells)
		if err := o.strategies.UpdateStats(st.ID, stats); err != nil {
			o.log.Error().Err(err).Str("strategy_id", st.ID).Msg("Failed to update strategy stats")
		}
	}

	completed := time.Now()
	exec.Status = status
	exec.CompletedAt = &completed
	exec.Payload = payload

	o.events.Emit(events.ExecutionCompleted, "execution", map[string]interface{}{
		"execution_id": exec.ID,
		"strategy_id":  st.ID,
		"status":       string(status),
		"summary":      payload.Summary,
	})

	return exec.Result(), nil
}

// TriggerAsync starts an execution in its own goroutine and returns once
// the claim is decided; the run itself continues in the background. Used
// by the HTTP trigger endpoint and the scheduler tick.
func (o *Orchestrator) TriggerAsync(strategyID string, trigger domain.Trigger) error {
	claimed := make(chan error, 1)
	go func() {
		// Detached from the caller's request context; the run outlives
		// the HTTP request that started it
		_, err := o.trigger(context.Background(), strategyID, trigger, claimed)
		if err != nil && !errors.Is(err, domain.ErrAlreadyRunning) {
			o.log.Error().Err(err).Str("strategy_id", strategyID).Msg("Async execution failed")
		}
	}()
	return <-claimed
}

// Stop requests cooperative cancellation of a strategy's in-flight run.
// The loop over remaining candidates stops; in-flight ledger mutations
// are never interrupted mid-decision.
func (o *Orchestrator) Stop(strategyID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.cancels[strategyID]
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) registerCancel(strategyID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancels == nil {
		o.cancels = make(map[string]context.CancelFunc)
	}
	o.cancels[strategyID] = cancel
}

func (o *Orchestrator) unregisterCancel(strategyID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, strategyID)
}

// run executes every step after the claim. It never returns a raw error:
// all failure modes become a failed payload so the execution row always
// reaches a terminal status. buys and sells count the ledger-applied
// decisions; they stay zero for failed and dry runs.
func (o *Orchestrator) run(ctx context.Context, st *strategy.Strategy, trigger domain.Trigger) (payload Payload, status domain.ExecutionStatus, buys, sells int) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Str("strategy_id", st.ID).Msg("Execution panicked")
			payload = Payload{
				Summary: "execution failed unexpectedly",
				Error:   fmt.Sprintf("panic: %v", r),
			}
			status = domain.ExecutionFailed
			buys, sells = 0, 0
		}
	}()

	log := o.log.With().Str("strategy_id", st.ID).Str("trigger", string(trigger)).Logger()
	dryRun := trigger == domain.TriggerDryRun

	evaluator := o.evaluator
	if dryRun {
		evaluator = o.dryEvaluator
	}

	if err := st.Config.Validate(); err != nil {
		return failedPayload("configuration is invalid", err), domain.ExecutionFailed, 0, 0
	}

	risk := st.Config.Risk
	if !dryRun {
		if err := o.ledger.Repo().SyncBudget(st.ID, risk.TotalBudget); err != nil {
			return failedPayload("budget sync failed", err), domain.ExecutionFailed, 0, 0
		}
	}

	positions, err := o.ledger.Repo().GetOpenPositions(st.ID)
	if err != nil {
		return failedPayload("loading open positions failed", err), domain.ExecutionFailed, 0, 0
	}
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		held[p.Symbol] = true
	}

	candidates, err := o.resolver.Resolve(ctx, st.Config.CandidateSource, risk)
	if err != nil {
		return failedPayload("candidate resolution failed", err), domain.ExecutionFailed, 0, 0
	}
	log.Info().Int("candidates", len(candidates)).Int("positions", len(positions)).Msg("Execution started")

	var decisions []domain.Decision

	// Screening pass over candidates not already held
	for _, symbol := range candidates {
		if held[symbol] {
			continue
		}
		if stopped := checkCancelled(ctx); stopped != nil {
			return cancelledPayload(decisions, stopped), domain.ExecutionFailed, 0, 0
		}

		decision := evaluator.ScreenCandidate(ctx, st, symbol)
		if decision.Action == domain.ActionBuy {
			price, err := o.prices.Price(ctx, symbol)
			if err != nil {
				// No price means no sizing; the candidate is skipped,
				// not the run aborted
				log.Warn().Err(err).Str("symbol", symbol).Msg("BUY downgraded: no price")
				decision.Action = domain.ActionSkip
				decision.Rationale += "; no price available"
			} else {
				decision.Price = price
			}
		}
		decisions = append(decisions, decision)
	}

	// Management pass over open positions, always after screening
	for i := range positions {
		pos := &positions[i]
		if stopped := checkCancelled(ctx); stopped != nil {
			return cancelledPayload(decisions, stopped), domain.ExecutionFailed, 0, 0
		}

		price, err := o.prices.Price(ctx, pos.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("No price for open position")
			price = 0
		}
		decisions = append(decisions, evaluator.ManagePosition(ctx, st, pos, price))
	}

	buys, sells = 0, 0
	if dryRun {
		// Preview sizing without touching the ledger
		for i := range decisions {
			d := &decisions[i]
			if d.Action == domain.ActionBuy && d.Price > 0 {
				d.Quantity = risk.PositionSizePct / 100 * risk.TotalBudget / d.Price
			}
		}
	} else {
		outcomes, err := o.ledger.ApplyBatch(st.ID, risk, decisions)
		if err != nil {
			return failedPayload("ledger batch failed", err), domain.ExecutionFailed, 0, 0
		}
		decisions, buys, sells = mergeOutcomes(decisions, outcomes)
	}

	for _, d := range decisions {
		o.events.Emit(events.DecisionMade, "execution", map[string]interface{}{
			"strategy_id": st.ID,
			"symbol":      d.Symbol,
			"action":      string(d.Action),
			"score":       d.Score,
		})
	}

	summary := summarize(decisions)
	log.Info().Str("summary", summary).Msg("Execution completed")
	return Payload{Decisions: decisions, Summary: summary}, domain.ExecutionSuccess, buys, sells
}

// mergeOutcomes folds ledger outcomes back into the decision list.
// A rejected BUY becomes SKIP and a rejected SELL becomes HOLD, each with
// the ledger's reason attached.
func mergeOutcomes(decisions []domain.Decision, outcomes []ledger.Outcome) ([]domain.Decision, int, int) {
	buys, sells := 0, 0
	for i := range decisions {
		d := &decisions[i]
		out := outcomes[i]

		if out.Applied {
			d.Quantity = out.Quantity
			d.Price = out.Price
			switch d.Action {
			case domain.ActionBuy:
				buys++
			case domain.ActionSell:
				sells++
			}
			continue
		}

		if out.Reason == "" {
			continue
		}
		switch d.Action {
		case domain.ActionBuy:
			d.Action = domain.ActionSkip
		case domain.ActionSell:
			d.Action = domain.ActionHold
		}
		d.Rationale += "; ledger violation: " + out.Reason
	}
	return decisions, buys, sells
}

func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ErrExecutionTimeout
		}
		return domain.ErrExecutionStopped
	default:
		return nil
	}
}

func cancelledPayload(decisions []domain.Decision, cause error) Payload {
	return Payload{
		Decisions: decisions,
		Summary:   fmt.Sprintf("stopped after %d decisions: %s", len(decisions), cause),
		Error:     cause.Error(),
	}
}

func failedPayload(summary string, err error) Payload {
	return Payload{Summary: summary, Error: err.Error()}
}

func summarize(decisions []domain.Decision) string {
	if len(decisions) == 0 {
		return "no candidates were found"
	}

	counts := map[domain.Action]int{}
	for _, d := range decisions {
		counts[d.Action]++
	}
	summary := fmt.Sprintf("%d symbols evaluated", len(decisions))
	for _, action := range []domain.Action{domain.ActionBuy, domain.ActionSell, domain.ActionHold, domain.ActionSkip} {
		if n := counts[action]; n > 0 {
			summary += fmt.Sprintf(", %d %s", n, action)
		}
	}
	return summary
}
