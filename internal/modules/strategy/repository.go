package strategy

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// CurrentConfigVersion is bumped whenever the Config JSON shape changes.
// Older rows are upgraded by migrateConfig on load.
const CurrentConfigVersion = 2

// CurrentStatsVersion tracks the Stats JSON shape
const CurrentStatsVersion = 1

const strategyColumns = `id, owner, name, description, config_version, config_json, enabled, approved, stats_version, stats_json, created_at, updated_at`

// Repository handles strategy persistence
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new strategy repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "strategy").Logger(),
	}
}

// Create inserts a new strategy. The configuration is validated before
// anything touches the database.
func (r *Repository) Create(s *Strategy) error {
	if err := s.Config.Validate(); err != nil {
		return err
	}

	configJSON, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy config: %w", err)
	}
	statsJSON, err := json.Marshal(s.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy stats: %w", err)
	}

	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err = r.db.Exec(`
		INSERT INTO strategies
		(id, owner, name, description, config_version, config_json, enabled, approved, stats_version, stats_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.Owner, s.Name, s.Description,
		CurrentConfigVersion, string(configJSON),
		boolToInt(s.Enabled), boolToInt(s.Approved),
		CurrentStatsVersion, string(statsJSON),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create strategy: %w", err)
	}

	r.log.Info().Str("strategy_id", s.ID).Str("name", s.Name).Msg("Strategy created")
	return nil
}

// Get loads a strategy by id, upgrading older config versions on the fly.
// Returns nil when the strategy does not exist.
func (r *Repository) Get(id string) (*Strategy, error) {
	row := r.db.QueryRow("SELECT "+strategyColumns+" FROM strategies WHERE id = ?", id)
	s, err := r.scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy: %w", err)
	}
	return s, nil
}

// GetAll returns all strategies, newest first
func (r *Repository) GetAll() ([]Strategy, error) {
	rows, err := r.db.Query("SELECT " + strategyColumns + " FROM strategies ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		s, err := r.scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// GetRunnable returns strategies eligible for scheduled execution
func (r *Repository) GetRunnable() ([]Strategy, error) {
	rows, err := r.db.Query("SELECT " + strategyColumns + " FROM strategies WHERE enabled = 1 AND approved = 1 ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list runnable strategies: %w", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		s, err := r.scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// UpdateConfig replaces the strategy configuration. Callers must only do
// this between runs; the orchestrator snapshots config at run start.
func (r *Repository) UpdateConfig(id string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy config: %w", err)
	}

	res, err := r.db.Exec(`
		UPDATE strategies SET config_version = ?, config_json = ?, updated_at = ?
		WHERE id = ?
	`, CurrentConfigVersion, string(configJSON), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update strategy config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("strategy not found: %s", id)
	}
	return nil
}

// SetFlags updates the enabled/approved flags
func (r *Repository) SetFlags(id string, enabled, approved bool) error {
	res, err := r.db.Exec(`
		UPDATE strategies SET enabled = ?, approved = ?, updated_at = ?
		WHERE id = ?
	`, boolToInt(enabled), boolToInt(approved), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update strategy flags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("strategy not found: %s", id)
	}
	return nil
}

// UpdateStats refreshes the aggregate stats blob. Called transactionally
// at the end of each run; the only strategy field an execution may mutate.
func (r *Repository) UpdateStats(id string, stats Stats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy stats: %w", err)
	}

	_, err = r.db.Exec(`
		UPDATE strategies SET stats_version = ?, stats_json = ?, updated_at = ?
		WHERE id = ?
	`, CurrentStatsVersion, string(statsJSON), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update strategy stats: %w", err)
	}
	return nil
}

// Delete removes a strategy definition
func (r *Repository) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM strategies WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete strategy: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanStrategy(row rowScanner) (*Strategy, error) {
	var (
		s                     Strategy
		configVersion         int
		configJSON, statsJSON string
		statsVersion          int
		enabled, approved     int
		createdAt, updatedAt  int64
	)

	err := row.Scan(
		&s.ID, &s.Owner, &s.Name, &s.Description,
		&configVersion, &configJSON,
		&enabled, &approved,
		&statsVersion, &statsJSON,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	cfg, err := migrateConfig(configVersion, []byte(configJSON))
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", s.ID, err)
	}
	s.Config = *cfg

	if err := json.Unmarshal([]byte(statsJSON), &s.Stats); err != nil {
		return nil, fmt.Errorf("strategy %s: failed to parse stats: %w", s.ID, err)
	}

	s.Enabled = enabled != 0
	s.Approved = approved != 0
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &s, nil
}

// migrateConfig upgrades a stored config blob to the current version.
// Each case falls through to the next so upgrades compose.
func migrateConfig(version int, raw []byte) (*Config, error) {
	switch version {
	case 1:
		// v1 stored risk parameters without an explicit total budget:
		// budget lived in a separate top-level "budget" field
		var v1 struct {
			CandidateSource CandidateSource `json:"candidate_source"`
			ScreeningRules  []Rule          `json:"screening_rules"`
			ManagementRules []Rule          `json:"management_rules"`
			Risk            RiskParameters  `json:"risk_parameters"`
			Budget          float64         `json:"budget"`
		}
		if err := json.Unmarshal(raw, &v1); err != nil {
			return nil, fmt.Errorf("failed to parse v1 config: %w", err)
		}
		cfg := Config{
			CandidateSource: v1.CandidateSource,
			ScreeningRules:  v1.ScreeningRules,
			ManagementRules: v1.ManagementRules,
			Risk:            v1.Risk,
		}
		if cfg.Risk.TotalBudget == 0 {
			cfg.Risk.TotalBudget = v1.Budget
		}
		return &cfg, nil

	case CurrentConfigVersion:
		var cfg Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		return &cfg, nil

	default:
		return nil, fmt.Errorf("unsupported config version %d", version)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
