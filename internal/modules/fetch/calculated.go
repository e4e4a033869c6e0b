package fetch

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/anshultibby/finch-sub002/internal/domain"
)

// PriceHistoryProvider supplies daily closing prices, oldest first
type PriceHistoryProvider interface {
	GetPriceHistory(ctx context.Context, symbol string, days int) ([]float64, error)
}

// Calculator derives values from already-fetched sibling results and price
// history. It makes no external call except through the price provider.
type Calculator struct {
	prices PriceHistoryProvider
}

// NewCalculator creates a calculator backed by the given price provider
func NewCalculator(prices PriceHistoryProvider) *Calculator {
	return &Calculator{prices: prices}
}

// Calculate evaluates a calculated endpoint. siblings holds the payloads of
// the rule's other data sources, keyed by canonical endpoint.
func (c *Calculator) Calculate(ctx context.Context, endpoint, symbol string, params map[string]string, siblings map[string]domain.Payload) (domain.Payload, error) {
	switch endpoint {
	case "growth_rate":
		return c.growthRate(symbol, params, siblings)
	case "rsi":
		return c.rsi(ctx, symbol, params)
	case "sma":
		return c.sma(ctx, symbol, params)
	case "volatility":
		return c.volatility(ctx, symbol, params)
	case "momentum":
		return c.momentum(ctx, symbol, params)
	default:
		return nil, domain.NewFetchError(domain.FetchEndpointNotImplemented, endpoint, symbol, nil)
	}
}

// growthRate computes period-over-period growth of a statement metric from
// a sibling statement fetch. No external call.
func (c *Calculator) growthRate(symbol string, params map[string]string, siblings map[string]domain.Payload) (domain.Payload, error) {
	metric := params["metric"]
	if metric == "" {
		metric = "revenue"
	}
	statement := params["statement"]
	if statement == "" {
		statement = "income-statement"
	}

	sibling, ok := siblings[statement]
	if !ok {
		return nil, domain.NewFetchError(domain.FetchNotFound, "growth_rate", symbol,
			fmt.Errorf("sibling %s not fetched", statement))
	}

	periods, ok := sibling.Get("periods")
	if !ok {
		return nil, domain.NewFetchError(domain.FetchNotFound, "growth_rate", symbol,
			fmt.Errorf("sibling %s has no periods", statement))
	}
	list, ok := periods.([]interface{})
	if !ok || len(list) < 2 {
		return nil, domain.NewFetchError(domain.FetchNotFound, "growth_rate", symbol,
			fmt.Errorf("need at least two periods of %s", statement))
	}

	latest, err := metricFromPeriod(list[0], metric)
	if err != nil {
		return nil, domain.NewFetchError(domain.FetchNotFound, "growth_rate", symbol, err)
	}
	previous, err := metricFromPeriod(list[1], metric)
	if err != nil {
		return nil, domain.NewFetchError(domain.FetchNotFound, "growth_rate", symbol, err)
	}
	if previous == 0 {
		return nil, domain.NewFetchError(domain.FetchNotFound, "growth_rate", symbol,
			fmt.Errorf("previous period %s is zero", metric))
	}

	growth := (latest - previous) / math.Abs(previous)
	return domain.Payload{
		"metric":      metric,
		"latest":      latest,
		"previous":    previous,
		"growth_rate": growth,
	}, nil
}

func (c *Calculator) rsi(ctx context.Context, symbol string, params map[string]string) (domain.Payload, error) {
	period := paramInt(params, "period", 14)

	closes, err := c.history(ctx, symbol, period*5)
	if err != nil {
		return nil, err
	}
	if len(closes) <= period {
		return nil, domain.NewFetchError(domain.FetchNotFound, "rsi", symbol,
			fmt.Errorf("need more than %d closes, have %d", period, len(closes)))
	}

	values := talib.Rsi(closes, period)
	return domain.Payload{
		"period": float64(period),
		"rsi":    values[len(values)-1],
	}, nil
}

func (c *Calculator) sma(ctx context.Context, symbol string, params map[string]string) (domain.Payload, error) {
	period := paramInt(params, "period", 50)

	closes, err := c.history(ctx, symbol, period*2)
	if err != nil {
		return nil, err
	}
	if len(closes) < period {
		return nil, domain.NewFetchError(domain.FetchNotFound, "sma", symbol,
			fmt.Errorf("need at least %d closes, have %d", period, len(closes)))
	}

	values := talib.Sma(closes, period)
	smaVal := values[len(values)-1]
	last := closes[len(closes)-1]

	payload := domain.Payload{
		"period": float64(period),
		"sma":    smaVal,
		"price":  last,
	}
	if smaVal != 0 {
		payload["price_to_sma"] = last / smaVal
	}
	return payload, nil
}

// volatility computes annualized standard deviation of daily log returns
func (c *Calculator) volatility(ctx context.Context, symbol string, params map[string]string) (domain.Payload, error) {
	days := paramInt(params, "days", 90)

	closes, err := c.history(ctx, symbol, days)
	if err != nil {
		return nil, err
	}
	if len(closes) < 10 {
		return nil, domain.NewFetchError(domain.FetchNotFound, "volatility", symbol,
			fmt.Errorf("need at least 10 closes, have %d", len(closes)))
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 && closes[i] > 0 {
			returns = append(returns, math.Log(closes[i]/closes[i-1]))
		}
	}

	daily := stat.StdDev(returns, nil)
	annualized := daily * math.Sqrt(252)

	return domain.Payload{
		"days":       float64(days),
		"daily":      daily,
		"annualized": annualized,
	}, nil
}

// momentum computes the normalized linear-regression slope of closing
// prices: slope per day as a fraction of the mean price
func (c *Calculator) momentum(ctx context.Context, symbol string, params map[string]string) (domain.Payload, error) {
	days := paramInt(params, "days", 60)

	closes, err := c.history(ctx, symbol, days)
	if err != nil {
		return nil, err
	}
	if len(closes) < 10 {
		return nil, domain.NewFetchError(domain.FetchNotFound, "momentum", symbol,
			fmt.Errorf("need at least 10 closes, have %d", len(closes)))
	}

	xs := make([]float64, len(closes))
	for i := range xs {
		xs[i] = float64(i)
	}

	_, slope := stat.LinearRegression(xs, closes, nil, false)
	mean := stat.Mean(closes, nil)

	payload := domain.Payload{
		"days":  float64(days),
		"slope": slope,
	}
	if mean != 0 {
		payload["momentum"] = slope / mean
	}
	return payload, nil
}

func (c *Calculator) history(ctx context.Context, symbol string, days int) ([]float64, error) {
	if c.prices == nil {
		return nil, domain.NewFetchError(domain.FetchEndpointNotImplemented, "price_history", symbol,
			fmt.Errorf("no price history provider configured"))
	}
	return c.prices.GetPriceHistory(ctx, symbol, days)
}

func metricFromPeriod(period interface{}, metric string) (float64, error) {
	m, ok := period.(map[string]interface{})
	if !ok {
		if p, isPayload := period.(domain.Payload); isPayload {
			m = map[string]interface{}(p)
		} else {
			return 0, fmt.Errorf("period is not a map")
		}
	}
	v, ok := domain.Payload(m).Float(metric)
	if !ok {
		return 0, fmt.Errorf("metric %q not found in period", metric)
	}
	return v, nil
}

func paramInt(params map[string]string, key string, def int) int {
	if v, ok := params[key]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
