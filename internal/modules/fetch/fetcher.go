// Package fetch provides the uniform data-fetching abstraction that feeds
// rule evaluation. Each data source type maps to a distinct backing path;
// provider failures are normalized into the fetch error taxonomy and never
// escape raw.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/anshultibby/finch-sub002/internal/clients/marketdata"
	"github.com/anshultibby/finch-sub002/internal/clients/sentiment"
	"github.com/anshultibby/finch-sub002/internal/domain"
	"github.com/anshultibby/finch-sub002/internal/modules/strategy"
)

// MarketDataProvider is the fundamental data provider contract
type MarketDataProvider interface {
	GetQuote(ctx context.Context, symbol string) (domain.Payload, error)
	GetProfile(ctx context.Context, symbol string) (domain.Payload, error)
	GetStatement(ctx context.Context, kind marketdata.StatementKind, symbol, period string, limit int) ([]domain.Payload, error)
	GetPriceHistory(ctx context.Context, symbol string, days int) ([]float64, error)
}

// SentimentProvider is the social sentiment provider contract
type SentimentProvider interface {
	GetTrending(ctx context.Context, limit int) ([]sentiment.Mention, error)
	GetSymbol(ctx context.Context, symbol string) (domain.Payload, error)
}

// PortfolioReader reads the current ledger state for portfolio data sources
type PortfolioReader interface {
	Snapshot(strategyID, symbol string) (domain.Payload, error)
}

// Compile-time check that the market data client satisfies the contract
var _ MarketDataProvider = (*marketdata.Client)(nil)

// Compile-time check that the sentiment client satisfies the contract
var _ SentimentProvider = (*sentiment.Client)(nil)

// endpoint aliasing: multiple historical endpoint names resolve to one
// canonical handler
var endpointAliases = map[string]string{
	"quote": "quote",
	"price": "quote",

	"overview":        "profile",
	"profile":         "profile",
	"company-profile": "profile",

	"income":           "income-statement",
	"income_statement": "income-statement",
	"income-statement": "income-statement",

	"balance":                 "balance-sheet-statement",
	"balance_sheet":           "balance-sheet-statement",
	"balance-sheet":           "balance-sheet-statement",
	"balance-sheet-statement": "balance-sheet-statement",

	"cashflow":                "cash-flow-statement",
	"cash_flow":               "cash-flow-statement",
	"cash-flow":               "cash-flow-statement",
	"cash-flow-statement":     "cash-flow-statement",

	"mentions":  "mentions",
	"sentiment": "mentions",

	"trending": "trending",

	"position":  "position",
	"positions": "position",
	"snapshot":  "position",
	"budget":    "position",
}

var statementKinds = map[string]marketdata.StatementKind{
	"income-statement":        marketdata.StatementIncome,
	"balance-sheet-statement": marketdata.StatementBalance,
	"cash-flow-statement":     marketdata.StatementCashFlow,
}

// cache TTLs per canonical endpoint; zero disables caching
var cacheTTLs = map[string]time.Duration{
	"quote":                   time.Minute,
	"profile":                 12 * time.Hour,
	"income-statement":        6 * time.Hour,
	"balance-sheet-statement": 6 * time.Hour,
	"cash-flow-statement":     6 * time.Hour,
	"mentions":                5 * time.Minute,
}

const (
	maxFetchAttempts = 3
	retryBaseDelay   = 200 * time.Millisecond
)

// Fetcher retrieves the inputs rules need from whichever provider is
// configured. Concurrent fetches for independent (symbol, source) pairs are
// bounded by a semaphore; external providers sit behind rate limiters so a
// burst of candidates does not exhaust API quotas.
type Fetcher struct {
	market     MarketDataProvider
	sentiment  SentimentProvider
	portfolio  PortfolioReader
	calculator *Calculator
	cache      *Cache

	sem      chan struct{}
	limiters map[string]*rate.Limiter
	log      zerolog.Logger
}

// Options configures fetcher concurrency and rate limiting
type Options struct {
	Concurrency  int           // Max concurrent provider calls (default 4)
	ProviderRate time.Duration // Minimum interval between calls per provider
}

// NewFetcher creates a new data fetcher
func NewFetcher(market MarketDataProvider, sentimentProvider SentimentProvider, portfolio PortfolioReader, cache *Cache, opts Options, log zerolog.Logger) *Fetcher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}

	limit := rate.Inf
	if opts.ProviderRate > 0 {
		limit = rate.Every(opts.ProviderRate)
	}

	return &Fetcher{
		market:     market,
		sentiment:  sentimentProvider,
		portfolio:  portfolio,
		calculator: NewCalculator(market),
		cache:      cache,
		sem:        make(chan struct{}, opts.Concurrency),
		limiters: map[string]*rate.Limiter{
			"fundamental": rate.NewLimiter(limit, 1),
			"sentiment":   rate.NewLimiter(limit, 1),
		},
		log: log.With().Str("service", "fetcher").Logger(),
	}
}

// Fetch retrieves the data for one source. Calculated sources read from
// siblings (payloads of the rule's other sources, keyed by canonical
// endpoint) instead of calling out.
func (f *Fetcher) Fetch(ctx context.Context, strategyID string, ds strategy.DataSource, symbol string, siblings map[string]domain.Payload) (domain.Payload, error) {
	canonical, err := f.Canonical(ds)
	if err != nil {
		return nil, err
	}

	switch ds.Type {
	case strategy.SourceFundamental:
		return f.fetchFundamental(ctx, canonical, symbol, ds.Parameters)
	case strategy.SourceSentiment:
		return f.fetchSentiment(ctx, canonical, symbol)
	case strategy.SourcePortfolio:
		return f.fetchPortfolio(strategyID, symbol)
	case strategy.SourceCalculated:
		// Calculated sources run after their siblings; price history
		// calls still honor the semaphore via the provider
		return f.calculator.Calculate(ctx, ds.Endpoint, symbol, ds.Parameters, siblings)
	default:
		return nil, domain.NewFetchError(domain.FetchEndpointNotImplemented, ds.Endpoint, symbol, nil)
	}
}

// Canonical resolves a data source's endpoint through the alias table.
// Calculated endpoints are passed through; the calculator validates them.
func (f *Fetcher) Canonical(ds strategy.DataSource) (string, error) {
	if ds.Type == strategy.SourceCalculated {
		return ds.Endpoint, nil
	}
	canonical, ok := endpointAliases[ds.Endpoint]
	if !ok {
		return "", domain.NewFetchError(domain.FetchEndpointNotImplemented, ds.Endpoint, "", nil)
	}
	return canonical, nil
}

// FetchForRule fetches all of a rule's data sources for one symbol.
// Non-calculated sources run concurrently; calculated sources run
// afterwards so they can read sibling results. The first failure wins -
// a rule with missing data abstains rather than voting on partial inputs.
func (f *Fetcher) FetchForRule(ctx context.Context, strategyID string, rule strategy.Rule, symbol string) (map[string]domain.Payload, error) {
	results := make(map[string]domain.Payload, len(rule.DataSources))

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)

	var calculated []strategy.DataSource
	for _, ds := range rule.DataSources {
		if ds.Type == strategy.SourceCalculated {
			calculated = append(calculated, ds)
			continue
		}

		wg.Add(1)
		go func(ds strategy.DataSource) {
			defer wg.Done()

			payload, err := f.Fetch(ctx, strategyID, ds, symbol, nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			canonical, _ := f.Canonical(ds)
			results[canonical] = payload
		}(ds)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	// Calculated sources are sequenced after the sources they depend on
	for _, ds := range calculated {
		payload, err := f.Fetch(ctx, strategyID, ds, symbol, results)
		if err != nil {
			return nil, err
		}
		results[ds.Endpoint] = payload
	}

	return results, nil
}

// Price returns the current quote price for a symbol
func (f *Fetcher) Price(ctx context.Context, symbol string) (float64, error) {
	payload, err := f.fetchFundamental(ctx, "quote", symbol, nil)
	if err != nil {
		return 0, err
	}
	price, ok := payload.Float("price")
	if !ok || price <= 0 {
		return 0, domain.NewFetchError(domain.FetchProviderError, "quote", symbol, fmt.Errorf("quote has no usable price"))
	}
	return price, nil
}

// Trending exposes the sentiment trending feed to the candidate resolver
func (f *Fetcher) Trending(ctx context.Context, limit int) ([]sentiment.Mention, error) {
	if f.sentiment == nil {
		return nil, domain.NewFetchError(domain.FetchEndpointNotImplemented, "trending", "", nil)
	}

	var mentions []sentiment.Mention
	err := f.withProvider(ctx, "sentiment", func() error {
		var err error
		mentions, err = f.sentiment.GetTrending(ctx, limit)
		return err
	})
	return mentions, err
}

func (f *Fetcher) fetchFundamental(ctx context.Context, canonical, symbol string, params map[string]string) (domain.Payload, error) {
	if f.market == nil {
		return nil, domain.NewFetchError(domain.FetchEndpointNotImplemented, canonical, symbol, nil)
	}

	key := cacheKey("fundamental", canonical, symbol, params)
	if payload, ok := f.cache.Get(key); ok {
		return payload, nil
	}

	var payload domain.Payload
	err := f.withProvider(ctx, "fundamental", func() error {
		var err error
		payload, err = f.callFundamental(ctx, canonical, symbol, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	f.cache.Put(key, payload, cacheTTLs[canonical])
	return payload, nil
}

func (f *Fetcher) callFundamental(ctx context.Context, canonical, symbol string, params map[string]string) (domain.Payload, error) {
	switch canonical {
	case "quote":
		return f.market.GetQuote(ctx, symbol)
	case "profile":
		return f.market.GetProfile(ctx, symbol)
	default:
		kind, ok := statementKinds[canonical]
		if !ok {
			return nil, domain.NewFetchError(domain.FetchEndpointNotImplemented, canonical, symbol, nil)
		}

		periods, err := f.market.GetStatement(ctx, kind, symbol, params["period"], paramInt(params, "limit", 4))
		if err != nil {
			return nil, err
		}
		if len(periods) == 0 {
			return nil, domain.NewFetchError(domain.FetchNotFound, canonical, symbol, nil)
		}

		// Latest period fields are flattened to the top level for rule
		// access; the full series stays under "periods" for calculated
		// sources (e.g. growth rates)
		payload := domain.Payload{}
		payload.Merge(periods[0])
		asList := make([]interface{}, len(periods))
		for i, p := range periods {
			asList[i] = map[string]interface{}(p)
		}
		payload["periods"] = asList
		return payload, nil
	}
}

func (f *Fetcher) fetchSentiment(ctx context.Context, canonical, symbol string) (domain.Payload, error) {
	if f.sentiment == nil {
		return nil, domain.NewFetchError(domain.FetchEndpointNotImplemented, canonical, symbol, nil)
	}

	key := cacheKey("sentiment", canonical, symbol, nil)
	if payload, ok := f.cache.Get(key); ok {
		return payload, nil
	}

	var payload domain.Payload
	err := f.withProvider(ctx, "sentiment", func() error {
		var err error
		payload, err = f.sentiment.GetSymbol(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}

	f.cache.Put(key, payload, cacheTTLs[canonical])
	return payload, nil
}

func (f *Fetcher) fetchPortfolio(strategyID, symbol string) (domain.Payload, error) {
	if f.portfolio == nil {
		return nil, domain.NewFetchError(domain.FetchEndpointNotImplemented, "position", symbol, nil)
	}
	return f.portfolio.Snapshot(strategyID, symbol)
}

// withProvider acquires a concurrency slot and the provider's rate-limit
// token, then runs fn with bounded retries. Callers suspend when the limit
// is reached; they never fail because of local contention.
func (f *Fetcher) withProvider(ctx context.Context, provider string, fn func() error) error {
	select {
	case f.sem <- struct{}{}:
		defer func() { <-f.sem }()
	case <-ctx.Done():
		return domain.NewFetchError(domain.FetchProviderError, provider, "", ctx.Err())
	}

	var lastErr error
	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		if limiter := f.limiters[provider]; limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return domain.NewFetchError(domain.FetchProviderError, provider, "", err)
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		// Only transient provider failures (network, 5xx) are retried
		fe, ok := domain.AsFetchError(lastErr)
		if !ok || !fe.Retryable() || attempt == maxFetchAttempts {
			return lastErr
		}

		delay := retryBaseDelay * time.Duration(attempt)
		f.log.Debug().
			Err(lastErr).
			Str("provider", provider).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying provider call")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.NewFetchError(domain.FetchProviderError, provider, "", ctx.Err())
		}
	}

	return lastErr
}

// cacheKey builds a stable key: provider|endpoint|symbol|sorted params
func cacheKey(provider, endpoint, symbol string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s;", k, params[k])
	}

	return fmt.Sprintf("%s|%s|%s|%s", provider, endpoint, symbol, hex.EncodeToString(h.Sum(nil))[:16])
}
