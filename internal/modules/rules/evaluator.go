package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/domain"
	"github.com/anshultibby/finch-sub002/internal/modules/ledger"
	"github.com/anshultibby/finch-sub002/internal/modules/strategy"
)

// Decision thresholds. Screening buys at the midpoint; management needs a
// stronger signal in either direction to act on an open position.
const (
	BuyThreshold       = 0.5
	SellThreshold      = 0.3
	StrongBuyThreshold = 0.7
)

// DataFetcher defines the fetch operation the evaluator needs
type DataFetcher interface {
	FetchForRule(ctx context.Context, strategyID string, rule strategy.Rule, symbol string) (map[string]domain.Payload, error)
}

// Evaluator applies ordered, weighted rule sets to symbols. Rules whose
// data failed to fetch abstain rather than vetoing the symbol; the
// aggregate is the weight-normalized mean of non-abstaining votes.
type Evaluator struct {
	fetcher DataFetcher
	interp  Interpreter
	log     zerolog.Logger
}

// NewEvaluator creates a new rule evaluator
func NewEvaluator(fetcher DataFetcher, interp Interpreter, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		fetcher: fetcher,
		interp:  interp,
		log:     log.With().Str("service", "evaluator").Logger(),
	}
}

// ScreenCandidate evaluates the screening rules against one candidate.
// BUY when the aggregate reaches the buy threshold and at least one rule
// voted; SKIP otherwise, including when every rule abstained.
func (e *Evaluator) ScreenCandidate(ctx context.Context, st *strategy.Strategy, symbol string) domain.Decision {
	votes := e.collectVotes(ctx, st, st.Config.ScreeningRules, symbol)
	score, voted := aggregate(votes)

	decision := domain.Decision{
		Symbol: symbol,
		Action: domain.ActionSkip,
		Score:  score,
		Votes:  votes,
	}

	if !voted {
		decision.Rationale = "all rules abstained"
		return decision
	}

	if score >= BuyThreshold {
		decision.Action = domain.ActionBuy
		decision.Rationale = fmt.Sprintf("aggregate score %.2f meets buy threshold %.2f", score, BuyThreshold)
	} else {
		decision.Rationale = fmt.Sprintf("aggregate score %.2f below buy threshold %.2f", score, BuyThreshold)
	}
	return decision
}

// ManagePosition evaluates an open position. Risk limits are checked
// before any rule runs and force a SELL when breached - risk limits
// always win over rule opinion. Otherwise the management rules vote:
// SELL at or below the sell threshold, BUY (increase) at or above the
// strong-buy threshold, HOLD in between or when every rule abstained.
func (e *Evaluator) ManagePosition(ctx context.Context, st *strategy.Strategy, pos *ledger.Position, price float64) domain.Decision {
	if reason := e.riskLimitBreached(st.Config.Risk, pos, price); reason != "" {
		return domain.Decision{
			Symbol:    pos.Symbol,
			Action:    domain.ActionSell,
			Rationale: reason,
			Price:     price,
		}
	}

	votes := e.collectVotes(ctx, st, st.Config.ManagementRules, pos.Symbol)
	score, voted := aggregate(votes)

	decision := domain.Decision{
		Symbol: pos.Symbol,
		Action: domain.ActionHold,
		Score:  score,
		Votes:  votes,
		Price:  price,
	}

	if !voted {
		decision.Rationale = "all rules abstained, holding"
		return decision
	}

	switch {
	case score <= SellThreshold:
		decision.Action = domain.ActionSell
		decision.Rationale = fmt.Sprintf("aggregate score %.2f at or below sell threshold %.2f", score, SellThreshold)
	case score >= StrongBuyThreshold:
		decision.Action = domain.ActionBuy
		decision.Rationale = fmt.Sprintf("aggregate score %.2f at or above strong-buy threshold %.2f", score, StrongBuyThreshold)
	default:
		decision.Rationale = fmt.Sprintf("aggregate score %.2f between thresholds, holding", score)
	}
	return decision
}

// riskLimitBreached returns a SELL reason when a risk limit is hit,
// empty otherwise
func (e *Evaluator) riskLimitBreached(risk strategy.RiskParameters, pos *ledger.Position, price float64) string {
	if price > 0 {
		returnPct := pos.ReturnPct(price)
		if risk.StopLossPct != nil && returnPct <= -*risk.StopLossPct {
			return fmt.Sprintf("stop loss triggered: %.1f%% return breaches -%.1f%% limit", returnPct, *risk.StopLossPct)
		}
		if risk.TakeProfitPct != nil && returnPct >= *risk.TakeProfitPct {
			return fmt.Sprintf("take profit triggered: %.1f%% return reaches %.1f%% target", returnPct, *risk.TakeProfitPct)
		}
	}
	if risk.MaxHoldDays != nil {
		if days := pos.HoldingDays(time.Now()); days >= *risk.MaxHoldDays {
			return fmt.Sprintf("max hold duration reached: held %d days, limit %d", days, *risk.MaxHoldDays)
		}
	}
	return ""
}

// collectVotes runs the rules in ascending order. A fetch or interpreter
// failure turns into an abstention so one missing data source cannot veto
// an otherwise-decidable symbol.
func (e *Evaluator) collectVotes(ctx context.Context, st *strategy.Strategy, ruleSet []strategy.Rule, symbol string) []domain.RuleVote {
	ordered := make([]strategy.Rule, len(ruleSet))
	copy(ordered, ruleSet)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	votes := make([]domain.RuleVote, 0, len(ordered))
	for _, rule := range ordered {
		vote := domain.RuleVote{
			RuleOrder: rule.Order,
			Rule:      rule.Description,
			Weight:    rule.Weight,
		}

		data, err := e.fetcher.FetchForRule(ctx, st.ID, rule, symbol)
		if err != nil {
			e.log.Debug().Err(err).Str("symbol", symbol).Int("rule_order", rule.Order).
				Msg("Rule abstains: data fetch failed")
			vote.Abstained = true
			vote.Rationale = "data unavailable: " + err.Error()
			votes = append(votes, vote)
			continue
		}

		result, err := e.interp.Interpret(ctx, rule, symbol, data)
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", symbol).Int("rule_order", rule.Order).
				Msg("Rule abstains: interpretation failed")
			vote.Abstained = true
			vote.Rationale = "interpretation failed: " + err.Error()
			votes = append(votes, vote)
			continue
		}

		vote.Score = result.Score
		vote.Abstained = result.Abstained
		vote.Rationale = result.Rationale
		votes = append(votes, vote)
	}
	return votes
}

// aggregate computes the weight-normalized mean of non-abstaining votes.
// The second return is false when no rule cast a vote.
func aggregate(votes []domain.RuleVote) (float64, bool) {
	var weightedSum, weightTotal float64
	for _, v := range votes {
		if v.Abstained || v.Weight <= 0 {
			continue
		}
		weightedSum += v.Score * v.Weight
		weightTotal += v.Weight
	}
	if weightTotal == 0 {
		return 0, false
	}
	return weightedSum / weightTotal, true
}
