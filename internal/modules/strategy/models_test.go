package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/anshultibby/finch-sub002/internal/domain"
)

func validConfig() Config {
	return Config{
		CandidateSource: CandidateSource{
			Type:    CandidatesTickers,
			Tickers: []string{"AAPL", "MSFT"},
		},
		ScreeningRules: []Rule{
			{
				Order:         1,
				Description:   "Positive revenue growth",
				DataSources:   []DataSource{{Type: SourceFundamental, Endpoint: "income-statement"}},
				DecisionLogic: "income-statement.revenue_growth > 0",
				Weight:        1.0,
			},
		},
		Risk: RiskParameters{
			PositionSizePct: 10,
			MaxPositions:    5,
			TotalBudget:     10000,
		},
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "no screening rules",
			mutate:  func(c *Config) { c.ScreeningRules = nil },
			wantErr: true,
		},
		{
			name:    "rule without description",
			mutate:  func(c *Config) { c.ScreeningRules[0].Description = "  " },
			wantErr: true,
		},
		{
			name:    "rule weight out of range",
			mutate:  func(c *Config) { c.ScreeningRules[0].Weight = 1.5 },
			wantErr: true,
		},
		{
			name:    "rule without data sources",
			mutate:  func(c *Config) { c.ScreeningRules[0].DataSources = nil },
			wantErr: true,
		},
		{
			name:    "unknown data source type",
			mutate:  func(c *Config) { c.ScreeningRules[0].DataSources[0].Type = "astrology" },
			wantErr: true,
		},
		{
			name: "invalid management rule",
			mutate: func(c *Config) {
				c.ManagementRules = []Rule{{Description: "hold check", Weight: -0.2}}
			},
			wantErr: true,
		},
		{
			name:    "universe source without universe",
			mutate:  func(c *Config) { c.CandidateSource = CandidateSource{Type: CandidatesUniverse} },
			wantErr: true,
		},
		{
			name:    "tickers source without tickers",
			mutate:  func(c *Config) { c.CandidateSource = CandidateSource{Type: CandidatesTickers} },
			wantErr: true,
		},
		{
			name:    "trending source without limit",
			mutate:  func(c *Config) { c.CandidateSource = CandidateSource{Type: CandidatesTrending} },
			wantErr: true,
		},
		{
			name:    "unknown candidate source type",
			mutate:  func(c *Config) { c.CandidateSource.Type = "crystal_ball" },
			wantErr: true,
		},
		{
			name:    "position size over 100",
			mutate:  func(c *Config) { c.Risk.PositionSizePct = 120 },
			wantErr: true,
		},
		{
			name:    "zero max positions",
			mutate:  func(c *Config) { c.Risk.MaxPositions = 0 },
			wantErr: true,
		},
		{
			name:    "negative stop loss",
			mutate:  func(c *Config) { sl := -5.0; c.Risk.StopLossPct = &sl },
			wantErr: true,
		},
		{
			name:    "zero budget",
			mutate:  func(c *Config) { c.Risk.TotalBudget = 0 },
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrInvalidConfiguration))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStrategyRunnable(t *testing.T) {
	testCases := []struct {
		name     string
		enabled  bool
		approved bool
		runnable bool
	}{
		{name: "enabled and approved", enabled: true, approved: true, runnable: true},
		{name: "enabled only", enabled: true, approved: false, runnable: false},
		{name: "approved only", enabled: false, approved: true, runnable: false},
		{name: "neither", enabled: false, approved: false, runnable: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := Strategy{Enabled: tc.enabled, Approved: tc.approved}
			assert.Equal(t, tc.runnable, s.Runnable())
		})
	}
}

func TestStatsRecordRun(t *testing.T) {
	var stats Stats
	ranAt := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)

	stats.RecordRun(domain.ExecutionSuccess, "5 symbols evaluated, 2 BUY", ranAt, 2, 0)
	stats.RecordRun(domain.ExecutionFailed, "data unavailable", ranAt.Add(time.Hour), 0, 0)
	stats.RecordRun(domain.ExecutionSuccess, "3 symbols evaluated, 1 SELL", ranAt.Add(2*time.Hour), 0, 1)

	assert.Equal(t, 3, stats.TotalRuns)
	assert.Equal(t, 2, stats.SuccessRuns)
	assert.Equal(t, 1, stats.FailedRuns)
	assert.Equal(t, 2, stats.TotalBuys)
	assert.Equal(t, 1, stats.TotalSells)
	assert.Equal(t, string(domain.ExecutionSuccess), stats.LastStatus)
	assert.Equal(t, "3 symbols evaluated, 1 SELL", stats.LastSummary)
	assert.Equal(t, ranAt.Add(2*time.Hour), stats.LastRunAt)
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "AAPL", NormalizeSymbol(" aapl "))
	assert.Equal(t, "BRK.B", NormalizeSymbol("brk.b"))
	assert.Equal(t, "", NormalizeSymbol("   "))
}
