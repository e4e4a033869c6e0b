// Package strategy defines declarative trading strategies and their storage.
package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/anshultibby/finch-sub002/internal/domain"
)

// DataSourceType classifies where a rule's data comes from
type DataSourceType string

const (
	SourceFundamental DataSourceType = "fundamental"
	SourceSentiment   DataSourceType = "sentiment"
	SourcePortfolio   DataSourceType = "portfolio"
	SourceCalculated  DataSourceType = "calculated"
)

// DataSource is a fully declarative pointer to the data a rule needs.
// Pure value object, no ownership semantics.
type DataSource struct {
	Type       DataSourceType    `json:"type"`
	Endpoint   string            `json:"endpoint"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Rule is a single weighted screening or management rule.
// Immutable once a run has started using it; edited only between runs.
type Rule struct {
	Order         int          `json:"order"`
	Description   string       `json:"description"`
	DataSources   []DataSource `json:"data_sources"`
	DecisionLogic string       `json:"decision_logic"`
	Weight        float64      `json:"weight"`
}

// CandidateSourceType tags the candidate source variant
type CandidateSourceType string

const (
	CandidatesUniverse CandidateSourceType = "universe"
	CandidatesTickers  CandidateSourceType = "tickers"
	CandidatesTrending CandidateSourceType = "trending"
)

// CandidateSource describes where a strategy's candidate symbols come from
type CandidateSource struct {
	Type CandidateSourceType `json:"type"`

	// Universe fields
	Universe string `json:"universe,omitempty"`
	Sector   string `json:"sector,omitempty"`

	// Explicit ticker list
	Tickers []string `json:"tickers,omitempty"`

	// Trending feed
	Limit int `json:"limit,omitempty"`
}

// RiskParameters constrain position sizing and forced liquidation
type RiskParameters struct {
	PositionSizePct float64  `json:"position_size_pct"` // (0, 100]
	MaxPositions    int      `json:"max_positions"`     // > 0
	StopLossPct     *float64 `json:"stop_loss_pct,omitempty"`
	TakeProfitPct   *float64 `json:"take_profit_pct,omitempty"`
	MaxHoldDays     *int     `json:"max_hold_days,omitempty"`
	TotalBudget     float64  `json:"total_budget"`
}

// Config is the versioned strategy configuration blob. Bump ConfigVersion
// and extend migrateConfig when the shape changes.
type Config struct {
	CandidateSource CandidateSource `json:"candidate_source"`
	ScreeningRules  []Rule          `json:"screening_rules"`
	ManagementRules []Rule          `json:"management_rules,omitempty"`
	Risk            RiskParameters  `json:"risk_parameters"`
}

// Stats is the per-strategy aggregate refreshed at the end of each run
type Stats struct {
	TotalRuns   int       `json:"total_runs"`
	SuccessRuns int       `json:"success_runs"`
	FailedRuns  int       `json:"failed_runs"`
	LastRunAt   time.Time `json:"last_run_at,omitempty"`
	LastStatus  string    `json:"last_status,omitempty"`
	LastSummary string    `json:"last_summary,omitempty"`
	TotalBuys   int       `json:"total_buys"`
	TotalSells  int       `json:"total_sells"`
}

// RecordRun folds one finished execution into the stats
func (s *Stats) RecordRun(status domain.ExecutionStatus, summary string, at time.Time, buys, sells int) {
	s.TotalRuns++
	switch status {
	case domain.ExecutionSuccess:
		s.SuccessRuns++
	case domain.ExecutionFailed:
		s.FailedRuns++
	}
	s.LastRunAt = at
	s.LastStatus = string(status)
	s.LastSummary = summary
	s.TotalBuys += buys
	s.TotalSells += sells
}

// Strategy is a user-owned strategy definition
type Strategy struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Config      Config    `json:"config"`
	Enabled     bool      `json:"enabled"`
	Approved    bool      `json:"approved"`
	Stats       Stats     `json:"stats"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Runnable reports whether scheduled executions may run this strategy
func (s *Strategy) Runnable() bool {
	return s.Enabled && s.Approved
}

// Validate checks structural validity of a strategy configuration.
// Malformed configuration fails fast before any external calls.
func (c *Config) Validate() error {
	if err := c.CandidateSource.Validate(); err != nil {
		return err
	}

	if len(c.ScreeningRules) == 0 {
		return fmt.Errorf("%w: at least one screening rule is required", domain.ErrInvalidConfiguration)
	}
	for i := range c.ScreeningRules {
		if err := c.ScreeningRules[i].Validate(); err != nil {
			return fmt.Errorf("screening rule %d: %w", i, err)
		}
	}
	for i := range c.ManagementRules {
		if err := c.ManagementRules[i].Validate(); err != nil {
			return fmt.Errorf("management rule %d: %w", i, err)
		}
	}

	return c.Risk.Validate()
}

// Validate checks a single rule
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Description) == "" {
		return fmt.Errorf("%w: rule description is required", domain.ErrInvalidConfiguration)
	}
	if r.Weight < 0 || r.Weight > 1 {
		return fmt.Errorf("%w: rule weight must be in [0,1], got %g", domain.ErrInvalidConfiguration, r.Weight)
	}
	if len(r.DataSources) == 0 {
		return fmt.Errorf("%w: rule needs at least one data source", domain.ErrInvalidConfiguration)
	}
	for _, ds := range r.DataSources {
		if err := ds.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a data source declaration
func (d *DataSource) Validate() error {
	switch d.Type {
	case SourceFundamental, SourceSentiment, SourcePortfolio, SourceCalculated:
	default:
		return fmt.Errorf("%w: unknown data source type %q", domain.ErrInvalidConfiguration, d.Type)
	}
	if strings.TrimSpace(d.Endpoint) == "" {
		return fmt.Errorf("%w: data source endpoint is required", domain.ErrInvalidConfiguration)
	}
	return nil
}

// Validate checks the candidate source variant
func (c *CandidateSource) Validate() error {
	switch c.Type {
	case CandidatesUniverse:
		if strings.TrimSpace(c.Universe) == "" {
			return fmt.Errorf("%w: universe name is required", domain.ErrInvalidConfiguration)
		}
	case CandidatesTickers:
		if len(c.Tickers) == 0 {
			return fmt.Errorf("%w: ticker list must not be empty", domain.ErrInvalidConfiguration)
		}
	case CandidatesTrending:
		if c.Limit <= 0 {
			return fmt.Errorf("%w: trending feed limit must be positive", domain.ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown candidate source type %q", domain.ErrInvalidConfiguration, c.Type)
	}
	return nil
}

// Validate checks risk parameters
func (r *RiskParameters) Validate() error {
	if r.PositionSizePct <= 0 || r.PositionSizePct > 100 {
		return fmt.Errorf("%w: position_size_pct must be in (0,100], got %g", domain.ErrInvalidConfiguration, r.PositionSizePct)
	}
	if r.MaxPositions <= 0 {
		return fmt.Errorf("%w: max_positions must be positive, got %d", domain.ErrInvalidConfiguration, r.MaxPositions)
	}
	if r.StopLossPct != nil && *r.StopLossPct <= 0 {
		return fmt.Errorf("%w: stop_loss_pct must be positive", domain.ErrInvalidConfiguration)
	}
	if r.TakeProfitPct != nil && *r.TakeProfitPct <= 0 {
		return fmt.Errorf("%w: take_profit_pct must be positive", domain.ErrInvalidConfiguration)
	}
	if r.MaxHoldDays != nil && *r.MaxHoldDays <= 0 {
		return fmt.Errorf("%w: max_hold_days must be positive", domain.ErrInvalidConfiguration)
	}
	if r.TotalBudget <= 0 {
		return fmt.Errorf("%w: total_budget must be positive, got %g", domain.ErrInvalidConfiguration, r.TotalBudget)
	}
	return nil
}

// NormalizeSymbol uppercases and trims a ticker symbol
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
