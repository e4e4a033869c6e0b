package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/database"
	"github.com/anshultibby/finch-sub002/internal/domain"
	"github.com/anshultibby/finch-sub002/internal/modules/strategy"
)

// RepositoryInterface defines the ledger persistence operations the
// service needs
type RepositoryInterface interface {
	SyncBudget(strategyID string, total float64) error
	GetBudget(strategyID string) (*Budget, error)
	GetOpenPositions(strategyID string) ([]Position, error)
	GetPosition(strategyID, symbol string) (*Position, error)
	DeleteStrategy(strategyID string) error
}

// Compile-time check that Repository implements RepositoryInterface
var _ RepositoryInterface = (*Repository)(nil)

// Service applies decision batches to the simulated ledger. BUY sizing is
// position_size_pct of the total budget; decisions the ledger cannot honor
// are downgraded with a reason instead of failing the run.
type Service struct {
	db   *database.DB
	repo RepositoryInterface
	log  zerolog.Logger
}

// NewService creates a new ledger service
func NewService(db *database.DB, repo RepositoryInterface, log zerolog.Logger) *Service {
	return &Service{
		db:   db,
		repo: repo,
		log:  log.With().Str("service", "ledger").Logger(),
	}
}

// Repo exposes the underlying repository for read paths
func (s *Service) Repo() RepositoryInterface {
	return s.repo
}

// ApplyBatch applies all BUY and SELL decisions of one run in a single
// transaction. Either the whole batch commits or none of it does. The
// returned outcomes parallel the input decisions; non-actionable decisions
// (SKIP, HOLD) pass through untouched.
func (s *Service) ApplyBatch(strategyID string, risk strategy.RiskParameters, decisions []domain.Decision) ([]Outcome, error) {
	outcomes := make([]Outcome, len(decisions))

	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		budget, err := getBudgetTx(tx, strategyID)
		if err != nil {
			return err
		}
		if budget == nil {
			return fmt.Errorf("%w: no budget for strategy %s", domain.ErrLedgerViolation, strategyID)
		}

		positions, err := openPositionsTx(tx, strategyID)
		if err != nil {
			return err
		}

		for i, d := range decisions {
			switch d.Action {
			case domain.ActionBuy:
				outcomes[i] = s.applyBuy(tx, strategyID, risk, d, budget, positions)
			case domain.ActionSell:
				outcomes[i] = s.applySell(tx, strategyID, d, budget, positions)
			default:
				outcomes[i] = Outcome{Symbol: d.Symbol}
				continue
			}

			// Ledger must stay consistent after every mutation, not
			// just at commit time
			if !budget.Consistent() {
				return fmt.Errorf("%w: budget inconsistent for %s after %s %s (total=%.2f committed=%.2f available=%.2f)",
					domain.ErrLedgerViolation, strategyID, d.Action, d.Symbol,
					budget.Total, budget.Committed, budget.Available)
			}
		}

		return saveBudgetTx(tx, budget)
	})
	if err != nil {
		return nil, err
	}

	return outcomes, nil
}

func (s *Service) applyBuy(tx *sql.Tx, strategyID string, risk strategy.RiskParameters, d domain.Decision, budget *Budget, positions map[string]*Position) Outcome {
	if d.Price <= 0 {
		return Outcome{Symbol: d.Symbol, Reason: "no price available for sizing"}
	}

	notional := risk.PositionSizePct / 100 * budget.Total
	existing := positions[d.Symbol]

	if existing == nil && len(positions) >= risk.MaxPositions {
		s.log.Info().Str("strategy_id", strategyID).Str("symbol", d.Symbol).
			Int("max_positions", risk.MaxPositions).Msg("BUY downgraded: max positions reached")
		return Outcome{Symbol: d.Symbol, Reason: fmt.Sprintf("max positions reached (%d)", risk.MaxPositions)}
	}

	if notional > budget.Available+roundingTolerance {
		s.log.Info().Str("strategy_id", strategyID).Str("symbol", d.Symbol).
			Float64("notional", notional).Float64("available", budget.Available).
			Msg("BUY downgraded: insufficient budget")
		return Outcome{Symbol: d.Symbol, Reason: fmt.Sprintf("insufficient budget (need %.2f, available %.2f)", notional, budget.Available)}
	}

	quantity := notional / d.Price
	now := time.Now()

	if existing != nil {
		// Increase: entry price becomes the cost-weighted average
		newCost := existing.CostBasis + notional
		newQty := existing.Quantity + quantity
		existing.EntryPrice = newCost / newQty
		existing.Quantity = newQty
		existing.CostBasis = newCost
	} else {
		existing = &Position{
			StrategyID: strategyID,
			Symbol:     d.Symbol,
			Quantity:   quantity,
			EntryPrice: d.Price,
			CostBasis:  notional,
			OpenedAt:   now,
		}
		positions[d.Symbol] = existing
	}

	if err := upsertPositionTx(tx, existing); err != nil {
		return Outcome{Symbol: d.Symbol, Reason: "position write failed: " + err.Error()}
	}

	budget.Available -= notional
	budget.Committed += notional

	return Outcome{Symbol: d.Symbol, Applied: true, Quantity: quantity, Price: d.Price}
}

func (s *Service) applySell(tx *sql.Tx, strategyID string, d domain.Decision, budget *Budget, positions map[string]*Position) Outcome {
	pos := positions[d.Symbol]
	if pos == nil {
		return Outcome{Symbol: d.Symbol, Reason: "no open position"}
	}

	price := d.Price
	if price <= 0 {
		// Without a market price the simulated sale realizes cost basis
		price = pos.EntryPrice
	}
	proceeds := pos.Quantity * price

	if err := deletePositionTx(tx, strategyID, d.Symbol); err != nil {
		return Outcome{Symbol: d.Symbol, Reason: "position delete failed: " + err.Error()}
	}

	// Realized P&L flows into the total so committed + available == total
	// survives the close
	budget.Committed -= pos.CostBasis
	budget.Available += proceeds
	budget.Total += proceeds - pos.CostBasis
	delete(positions, d.Symbol)

	return Outcome{Symbol: d.Symbol, Applied: true, Quantity: pos.Quantity, Price: price, Proceeds: proceeds}
}

func openPositionsTx(tx *sql.Tx, strategyID string) (map[string]*Position, error) {
	rows, err := tx.Query(`
		SELECT id, strategy_id, symbol, quantity, entry_price, cost_basis, opened_at, updated_at
		FROM positions WHERE strategy_id = ?`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make(map[string]*Position)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions[p.Symbol] = p
	}
	return positions, rows.Err()
}

// Snapshot returns the ledger state as a payload for portfolio data
// sources. Symbol-scoped fields appear only when the strategy holds the
// symbol.
func (s *Service) Snapshot(strategyID, symbol string) (domain.Payload, error) {
	budget, err := s.repo.GetBudget(strategyID)
	if err != nil {
		return nil, err
	}

	positions, err := s.repo.GetOpenPositions(strategyID)
	if err != nil {
		return nil, err
	}

	payload := domain.Payload{
		"open_positions": float64(len(positions)),
		"has_position":   false,
	}
	if budget != nil {
		payload["budget"] = map[string]interface{}{
			"total":     budget.Total,
			"committed": budget.Committed,
			"available": budget.Available,
		}
	}

	for i := range positions {
		p := &positions[i]
		if p.Symbol != symbol {
			continue
		}
		payload["has_position"] = true
		payload["position"] = map[string]interface{}{
			"quantity":     p.Quantity,
			"entry_price":  p.EntryPrice,
			"cost_basis":   p.CostBasis,
			"holding_days": float64(p.HoldingDays(time.Now())),
		}
	}

	return payload, nil
}
