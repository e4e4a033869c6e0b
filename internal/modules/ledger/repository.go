package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Repository handles budget and position persistence
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new ledger repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "ledger").Logger(),
	}
}

// SyncBudget creates the strategy's budget row, or adjusts total and
// available by the delta when the allocated budget changed. Committed
// funds are never touched; a shrink below committed fails.
func (r *Repository) SyncBudget(strategyID string, total float64) error {
	existing, err := r.GetBudget(strategyID)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	if existing == nil {
		_, err = r.db.Exec(`
			INSERT INTO budgets (strategy_id, total, committed, available, updated_at)
			VALUES (?, ?, 0, ?, ?)`,
			strategyID, total, total, now)
		return err
	}

	if existing.Total == total {
		return nil
	}

	delta := total - existing.Total
	if existing.Available+delta < 0 {
		return fmt.Errorf("cannot shrink budget for %s below committed funds (committed=%.2f, new total=%.2f)",
			strategyID, existing.Committed, total)
	}

	_, err = r.db.Exec(`
		UPDATE budgets SET total = ?, available = available + ?, updated_at = ?
		WHERE strategy_id = ?`,
		total, delta, now, strategyID)
	return err
}

// GetBudget retrieves a strategy's budget, nil when no row exists
func (r *Repository) GetBudget(strategyID string) (*Budget, error) {
	row := r.db.QueryRow(`
		SELECT strategy_id, total, committed, available, updated_at
		FROM budgets WHERE strategy_id = ?`, strategyID)
	return scanBudget(row)
}

func getBudgetTx(tx *sql.Tx, strategyID string) (*Budget, error) {
	row := tx.QueryRow(`
		SELECT strategy_id, total, committed, available, updated_at
		FROM budgets WHERE strategy_id = ?`, strategyID)
	return scanBudget(row)
}

func scanBudget(row *sql.Row) (*Budget, error) {
	var b Budget
	var updatedAt int64
	err := row.Scan(&b.StrategyID, &b.Total, &b.Committed, &b.Available, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan budget: %w", err)
	}
	b.UpdatedAt = time.Unix(updatedAt, 0)
	return &b, nil
}

func saveBudgetTx(tx *sql.Tx, b *Budget) error {
	_, err := tx.Exec(`
		UPDATE budgets SET total = ?, committed = ?, available = ?, updated_at = ?
		WHERE strategy_id = ?`,
		b.Total, b.Committed, b.Available, time.Now().Unix(), b.StrategyID)
	return err
}

// GetOpenPositions retrieves all open positions for a strategy
func (r *Repository) GetOpenPositions(strategyID string) ([]Position, error) {
	rows, err := r.db.Query(`
		SELECT id, strategy_id, symbol, quantity, entry_price, cost_basis, opened_at, updated_at
		FROM positions WHERE strategy_id = ? ORDER BY opened_at`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// GetPosition retrieves one open position, nil when the strategy does not
// hold the symbol
func (r *Repository) GetPosition(strategyID, symbol string) (*Position, error) {
	rows, err := r.db.Query(`
		SELECT id, strategy_id, symbol, quantity, entry_price, cost_basis, opened_at, updated_at
		FROM positions WHERE strategy_id = ? AND symbol = ?`, strategyID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query position: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanPosition(rows)
}

func scanPosition(rows *sql.Rows) (*Position, error) {
	var p Position
	var openedAt, updatedAt int64
	err := rows.Scan(&p.ID, &p.StrategyID, &p.Symbol, &p.Quantity, &p.EntryPrice, &p.CostBasis, &openedAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}
	p.OpenedAt = time.Unix(openedAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

func upsertPositionTx(tx *sql.Tx, p *Position) error {
	now := time.Now().Unix()
	_, err := tx.Exec(`
		INSERT INTO positions (strategy_id, symbol, quantity, entry_price, cost_basis, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			entry_price = excluded.entry_price,
			cost_basis = excluded.cost_basis,
			updated_at = excluded.updated_at`,
		p.StrategyID, p.Symbol, p.Quantity, p.EntryPrice, p.CostBasis, p.OpenedAt.Unix(), now)
	return err
}

func deletePositionTx(tx *sql.Tx, strategyID, symbol string) error {
	_, err := tx.Exec(`DELETE FROM positions WHERE strategy_id = ? AND symbol = ?`, strategyID, symbol)
	return err
}

// DeleteStrategy removes all ledger state for a strategy
func (r *Repository) DeleteStrategy(strategyID string) error {
	if _, err := r.db.Exec(`DELETE FROM positions WHERE strategy_id = ?`, strategyID); err != nil {
		return err
	}
	_, err := r.db.Exec(`DELETE FROM budgets WHERE strategy_id = ?`, strategyID)
	return err
}
