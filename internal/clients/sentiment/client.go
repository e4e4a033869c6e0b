// Package sentiment provides client functionality for the social sentiment
// provider (mention counts and trending tickers).
package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/domain"
)

// Mention is one symbol's sentiment snapshot
type Mention struct {
	Symbol         string  `json:"ticker"`
	Mentions       int     `json:"no_of_comments"`
	Sentiment      string  `json:"sentiment"`
	SentimentScore float64 `json:"sentiment_score"`
}

// Client for the sentiment provider
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new sentiment client
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("client", "sentiment").Logger(),
	}
}

// GetTrending returns the most-mentioned symbols, ranked by mention count
// descending, truncated to limit
func (c *Client) GetTrending(ctx context.Context, limit int) ([]Mention, error) {
	mentions, err := c.fetchAll(ctx)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(mentions, func(i, j int) bool {
		return mentions[i].Mentions > mentions[j].Mentions
	})

	if limit > 0 && len(mentions) > limit {
		mentions = mentions[:limit]
	}
	return mentions, nil
}

// GetSymbol returns the sentiment snapshot for one symbol as a normalized
// payload. Symbols absent from the feed return NotFound.
func (c *Client) GetSymbol(ctx context.Context, symbol string) (domain.Payload, error) {
	mentions, err := c.fetchAll(ctx)
	if err != nil {
		return nil, err
	}

	symbol = strings.ToUpper(symbol)
	for _, m := range mentions {
		if strings.ToUpper(m.Symbol) == symbol {
			return domain.Payload{
				"symbol":          m.Symbol,
				"mentions":        float64(m.Mentions),
				"sentiment":       m.Sentiment,
				"sentiment_score": m.SentimentScore,
			}, nil
		}
	}

	return nil, domain.NewFetchError(domain.FetchNotFound, "mentions", symbol, nil)
}

func (c *Client) fetchAll(ctx context.Context) ([]Mention, error) {
	fullURL := c.baseURL
	if _, err := url.Parse(fullURL); err != nil {
		return nil, domain.NewFetchError(domain.FetchProviderError, "trending", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, domain.NewFetchError(domain.FetchProviderError, "trending", "", err)
	}

	c.log.Debug().Str("url", fullURL).Msg("Fetching sentiment feed")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewFetchError(domain.FetchProviderError, "trending", "", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.NewFetchError(domain.FetchRateLimited, "trending", "", nil)
	case resp.StatusCode >= 500:
		return nil, domain.NewFetchError(domain.FetchProviderError, "trending", "",
			fmt.Errorf("provider returned status %d", resp.StatusCode))
	default:
		return nil, domain.NewFetchError(domain.FetchNotFound, "trending", "",
			fmt.Errorf("provider returned status %d", resp.StatusCode))
	}

	var mentions []Mention
	if err := json.NewDecoder(resp.Body).Decode(&mentions); err != nil {
		return nil, domain.NewFetchError(domain.FetchProviderError, "trending", "",
			fmt.Errorf("failed to decode response: %w", err))
	}

	return mentions, nil
}
