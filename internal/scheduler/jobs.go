package scheduler

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/domain"
	"github.com/anshultibby/finch-sub002/internal/modules/strategy"
)

// StrategyLister lists strategies eligible for scheduled runs
type StrategyLister interface {
	GetRunnable() ([]strategy.Strategy, error)
}

// Trigger starts an execution for one strategy
type Trigger interface {
	TriggerAsync(strategyID string, trigger domain.Trigger) error
}

// StrategyTickJob triggers a scheduled run for every enabled and approved
// strategy. Strategies with a run already in flight are skipped, not
// queued.
type StrategyTickJob struct {
	strategies StrategyLister
	trigger    Trigger
	log        zerolog.Logger
}

// NewStrategyTickJob creates the periodic strategy run job
func NewStrategyTickJob(strategies StrategyLister, trigger Trigger, log zerolog.Logger) *StrategyTickJob {
	return &StrategyTickJob{
		strategies: strategies,
		trigger:    trigger,
		log:        log.With().Str("job", "strategy_tick").Logger(),
	}
}

// Name returns the job name
func (j *StrategyTickJob) Name() string { return "strategy_tick" }

// Run triggers every runnable strategy once
func (j *StrategyTickJob) Run() error {
	strategies, err := j.strategies.GetRunnable()
	if err != nil {
		return err
	}

	for _, st := range strategies {
		err := j.trigger.TriggerAsync(st.ID, domain.TriggerScheduled)
		if errors.Is(err, domain.ErrAlreadyRunning) {
			j.log.Debug().Str("strategy_id", st.ID).Msg("Skipping strategy, run already in flight")
			continue
		}
		if err != nil {
			j.log.Error().Err(err).Str("strategy_id", st.ID).Msg("Failed to trigger strategy")
		}
	}
	return nil
}

// Pruner removes expired entries from a cache
type Pruner interface {
	Prune() (int64, error)
}

// CachePruneJob evicts expired fetch cache entries
type CachePruneJob struct {
	cache Pruner
	log   zerolog.Logger
}

// NewCachePruneJob creates the cache eviction job
func NewCachePruneJob(cache Pruner, log zerolog.Logger) *CachePruneJob {
	return &CachePruneJob{
		cache: cache,
		log:   log.With().Str("job", "cache_prune").Logger(),
	}
}

// Name returns the job name
func (j *CachePruneJob) Name() string { return "cache_prune" }

// Run removes expired cache entries
func (j *CachePruneJob) Run() error {
	pruned, err := j.cache.Prune()
	if err != nil {
		return err
	}
	if pruned > 0 {
		j.log.Debug().Int64("pruned", pruned).Msg("Expired cache entries removed")
	}
	return nil
}
