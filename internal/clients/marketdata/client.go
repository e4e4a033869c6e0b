// Package marketdata provides client functionality for the fundamental
// market data provider (FMP-style JSON API).
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/domain"
)

// StatementKind selects a financial statement endpoint
type StatementKind string

const (
	StatementIncome   StatementKind = "income-statement"
	StatementBalance  StatementKind = "balance-sheet-statement"
	StatementCashFlow StatementKind = "cash-flow-statement"
)

// Client for the market data provider
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new market data client
func NewClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "marketdata").Logger(),
	}
}

// GetQuote fetches the current quote for a symbol
func (c *Client) GetQuote(ctx context.Context, symbol string) (domain.Payload, error) {
	var quotes []map[string]interface{}
	if err := c.getJSON(ctx, "/quote/"+url.PathEscape(symbol), nil, "quote", symbol, &quotes); err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, domain.NewFetchError(domain.FetchNotFound, "quote", symbol, nil)
	}
	return domain.Payload(quotes[0]), nil
}

// GetProfile fetches the company profile/overview for a symbol
func (c *Client) GetProfile(ctx context.Context, symbol string) (domain.Payload, error) {
	var profiles []map[string]interface{}
	if err := c.getJSON(ctx, "/profile/"+url.PathEscape(symbol), nil, "profile", symbol, &profiles); err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, domain.NewFetchError(domain.FetchNotFound, "profile", symbol, nil)
	}
	return domain.Payload(profiles[0]), nil
}

// GetStatement fetches up to limit periods of a financial statement,
// most recent first
func (c *Client) GetStatement(ctx context.Context, kind StatementKind, symbol, period string, limit int) ([]domain.Payload, error) {
	if period == "" {
		period = "annual"
	}
	if limit <= 0 {
		limit = 4
	}

	params := url.Values{}
	params.Set("period", period)
	params.Set("limit", fmt.Sprintf("%d", limit))

	var statements []map[string]interface{}
	endpoint := string(kind)
	if err := c.getJSON(ctx, "/"+endpoint+"/"+url.PathEscape(symbol), params, endpoint, symbol, &statements); err != nil {
		return nil, err
	}
	if len(statements) == 0 {
		return nil, domain.NewFetchError(domain.FetchNotFound, endpoint, symbol, nil)
	}

	out := make([]domain.Payload, 0, len(statements))
	for _, s := range statements {
		out = append(out, domain.Payload(s))
	}
	return out, nil
}

// GetPriceHistory fetches daily closing prices for the last `days` trading
// days, oldest first. Usable directly by talib-style indicator functions.
func (c *Client) GetPriceHistory(ctx context.Context, symbol string, days int) ([]float64, error) {
	if days <= 0 {
		days = 100
	}

	params := url.Values{}
	params.Set("timeseries", fmt.Sprintf("%d", days))
	params.Set("serietype", "line")

	var result struct {
		Historical []struct {
			Close float64 `json:"close"`
		} `json:"historical"`
	}
	if err := c.getJSON(ctx, "/historical-price-full/"+url.PathEscape(symbol), params, "historical-price-full", symbol, &result); err != nil {
		return nil, err
	}
	if len(result.Historical) == 0 {
		return nil, domain.NewFetchError(domain.FetchNotFound, "historical-price-full", symbol, nil)
	}

	// Provider returns newest first; reverse to chronological order
	closes := make([]float64, len(result.Historical))
	for i, h := range result.Historical {
		closes[len(result.Historical)-1-i] = h.Close
	}
	return closes, nil
}

// getJSON performs a GET request and decodes the JSON body, translating
// transport and HTTP failures into the uniform fetch error taxonomy.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, endpoint, symbol string, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}

	fullURL := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		fullURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return domain.NewFetchError(domain.FetchProviderError, endpoint, symbol, err)
	}

	c.log.Debug().Str("endpoint", endpoint).Str("symbol", symbol).Msg("Fetching market data")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.NewFetchError(domain.FetchProviderError, endpoint, symbol, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusNotFound:
		return domain.NewFetchError(domain.FetchNotFound, endpoint, symbol, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.NewFetchError(domain.FetchRateLimited, endpoint, symbol, nil)
	case resp.StatusCode >= 500:
		return domain.NewFetchError(domain.FetchProviderError, endpoint, symbol,
			fmt.Errorf("provider returned status %d", resp.StatusCode))
	default:
		// 4xx-class errors are not retryable
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.NewFetchError(domain.FetchNotFound, endpoint, symbol,
			fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewFetchError(domain.FetchProviderError, endpoint, symbol,
			fmt.Errorf("failed to decode response: %w", err))
	}

	return nil
}
