// Package candidates expands a strategy's candidate source into a
// concrete ordered symbol list for screening.
package candidates

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/clients/sentiment"
	"github.com/anshultibby/finch-sub002/internal/domain"
	"github.com/anshultibby/finch-sub002/internal/modules/strategy"
)

// OversamplingFactor gives screening headroom beyond max_positions:
// most candidates are skipped, so the resolver returns up to
// max_positions * OversamplingFactor symbols.
const OversamplingFactor = 3

// TrendingProvider defines the sentiment feed call the resolver needs
type TrendingProvider interface {
	Trending(ctx context.Context, limit int) ([]sentiment.Mention, error)
}

// Resolver expands candidate sources into ordered, de-duplicated symbol
// lists bounded by the strategy's position headroom
type Resolver struct {
	trending TrendingProvider
	log      zerolog.Logger
}

// NewResolver creates a new candidate resolver
func NewResolver(trending TrendingProvider, log zerolog.Logger) *Resolver {
	return &Resolver{
		trending: trending,
		log:      log.With().Str("service", "candidates").Logger(),
	}
}

// Resolve returns the ordered symbols to screen. Unknown universe or
// sector names fail with an invalid-configuration error; a trending feed
// failure surfaces as data-unavailable so the orchestrator records a
// failed run instead of crashing.
func (r *Resolver) Resolve(ctx context.Context, source strategy.CandidateSource, risk strategy.RiskParameters) ([]string, error) {
	bound := risk.MaxPositions * OversamplingFactor

	var symbols []string
	var err error
	switch source.Type {
	case strategy.CandidatesTickers:
		symbols = source.Tickers
	case strategy.CandidatesUniverse:
		symbols, err = resolveUniverse(source.Universe, source.Sector)
	case strategy.CandidatesTrending:
		symbols, err = r.resolveTrending(ctx, source.Limit)
	default:
		err = fmt.Errorf("%w: unknown candidate source type %q", domain.ErrInvalidConfiguration, source.Type)
	}
	if err != nil {
		return nil, err
	}

	return normalize(symbols, bound), nil
}

func resolveUniverse(name, sector string) ([]string, error) {
	universe, ok := universes[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown universe %q", domain.ErrInvalidConfiguration, name)
	}

	if sector == "" {
		symbols := make([]string, len(universe))
		for i, c := range universe {
			symbols[i] = c.Symbol
		}
		return symbols, nil
	}

	var symbols []string
	matched := false
	for _, c := range universe {
		if strings.EqualFold(c.Sector, sector) {
			matched = true
			symbols = append(symbols, c.Symbol)
		}
	}
	if !matched {
		return nil, fmt.Errorf("%w: universe %q has no sector %q", domain.ErrInvalidConfiguration, name, sector)
	}
	return symbols, nil
}

func (r *Resolver) resolveTrending(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}

	mentions, err := r.trending.Trending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: trending feed: %v", domain.ErrDataUnavailable, err)
	}

	// Provider already ranks by mention count
	symbols := make([]string, len(mentions))
	for i, m := range mentions {
		symbols[i] = m.Symbol
	}
	return symbols, nil
}

// normalize uppercases, strips, de-duplicates preserving order, and
// truncates to the screening bound
func normalize(symbols []string, bound int) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		normalized := strategy.NormalizeSymbol(s)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
		if bound > 0 && len(out) >= bound {
			break
		}
	}
	return out
}
