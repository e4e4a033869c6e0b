package execution

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/domain"
)

// Repository handles the append-only execution audit trail
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new execution repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "execution").Logger(),
	}
}

// Claim inserts the running row for a new execution. The partial unique
// index on (strategy_id) WHERE status='running' makes the insert the
// atomic mutual-exclusion claim: a second trigger while one run is in
// flight fails with ErrAlreadyRunning, never queues silently.
func (r *Repository) Claim(exec *Execution) error {
	payloadJSON, err := json.Marshal(exec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal execution payload: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO executions (id, strategy_id, owner, status, trigger_type, started_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.StrategyID, exec.Owner, string(domain.ExecutionRunning),
		string(exec.Trigger), exec.StartedAt.Unix(), string(payloadJSON))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: strategy %s", domain.ErrAlreadyRunning, exec.StrategyID)
		}
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// Finalize moves a running execution to its terminal status exactly once.
// The status guard in the WHERE clause makes a double finalize visible
// instead of silently overwriting the first outcome.
func (r *Repository) Finalize(executionID string, status domain.ExecutionStatus, payload Payload) error {
	if status != domain.ExecutionSuccess && status != domain.ExecutionFailed {
		return fmt.Errorf("cannot finalize execution to non-terminal status %q", status)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal execution payload: %w", err)
	}

	result, err := r.db.Exec(`
		UPDATE executions SET status = ?, completed_at = ?, payload_json = ?
		WHERE id = ? AND status = ?`,
		string(status), time.Now().Unix(), string(payloadJSON),
		executionID, string(domain.ExecutionRunning))
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("execution %s is not running, refusing to finalize twice", executionID)
	}
	return nil
}

// Get retrieves one execution, nil when missing
func (r *Repository) Get(executionID string) (*Execution, error) {
	rows, err := r.db.Query(executionColumns+` WHERE id = ?`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanExecution(rows)
}

// GetRunning returns the in-flight execution for a strategy, nil when idle
func (r *Repository) GetRunning(strategyID string) (*Execution, error) {
	rows, err := r.db.Query(executionColumns+` WHERE strategy_id = ? AND status = ?`,
		strategyID, string(domain.ExecutionRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to query running execution: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanExecution(rows)
}

// GetHistory retrieves a strategy's executions, newest first
func (r *Repository) GetHistory(strategyID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(executionColumns+` WHERE strategy_id = ? ORDER BY started_at DESC LIMIT ?`,
		strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution history: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// GetRecent retrieves recent executions across all strategies
func (r *Repository) GetRecent(limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(executionColumns+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent executions: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// RecoverStale finalizes running rows older than the execution ceiling as
// failed. Run at startup so a crashed process never leaves an execution
// stuck in running forever.
func (r *Repository) RecoverStale(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	payload := Payload{
		Summary: "recovered at startup",
		Error:   "execution did not finalize, process likely crashed or was killed mid-run",
	}
	payloadJSON, _ := json.Marshal(payload)

	result, err := r.db.Exec(`
		UPDATE executions SET status = ?, completed_at = ?, payload_json = ?
		WHERE status = ? AND started_at < ?`,
		string(domain.ExecutionFailed), time.Now().Unix(), string(payloadJSON),
		string(domain.ExecutionRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale executions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows > 0 {
		r.log.Warn().Int64("count", rows).Msg("Recovered stale running executions")
	}
	return int(rows), nil
}

const executionColumns = `
	SELECT id, strategy_id, owner, status, trigger_type, started_at, completed_at, payload_json
	FROM executions`

func collectExecutions(rows *sql.Rows) ([]Execution, error) {
	var executions []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *e)
	}
	return executions, rows.Err()
}

func scanExecution(rows *sql.Rows) (*Execution, error) {
	var (
		e           Execution
		status      string
		trigger     string
		startedAt   int64
		completedAt sql.NullInt64
		payloadJSON string
	)
	if err := rows.Scan(&e.ID, &e.StrategyID, &e.Owner, &status, &trigger, &startedAt, &completedAt, &payloadJSON); err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	e.Status = domain.ExecutionStatus(status)
	e.Trigger = domain.Trigger(trigger)
	e.StartedAt = time.Unix(startedAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		e.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution payload: %w", err)
	}
	return &e, nil
}
