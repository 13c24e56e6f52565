// Package upstream normalizes market-data vendor responses into candle
// records. It is the only place raw provider timestamps are parsed.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"market-forecast-service/config"
	"market-forecast-service/internal/market"
)

// Provider fetches raw candles from one market-data vendor.
type Provider interface {
	Name() string
	// FetchCandles returns candles with start timestamps in [from, to].
	// Timestamps are parsed to UTC; session filtering and invariant checks
	// happen downstream in the window loader.
	FetchCandles(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time) ([]market.Candle, error)
	// FetchLatest returns the newest available candle for the series.
	FetchLatest(ctx context.Context, symbol string, tf market.Timeframe) (market.Candle, error)
}

// HTTPProvider is a REST kline client. Both the primary and fallback
// vendors expose the same array-of-arrays payload shape
// [startMillis, open, high, low, close, volume], so one client type covers
// both with different endpoint configs.
type HTTPProvider struct {
	name       string
	baseURL    string
	klinePath  string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider client for one vendor endpoint.
func NewHTTPProvider(cfg config.ProviderConfig, timeout time.Duration) *HTTPProvider {
	path := cfg.KlinePath
	if path == "" {
		path = "/api/v1/candles"
	}
	return &HTTPProvider{
		name:       cfg.Name,
		baseURL:    cfg.BaseURL,
		klinePath:  path,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

// FetchCandles fetches candlestick data for a bounded range.
func (p *HTTPProvider) FetchCandles(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time) ([]market.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", string(tf))
	params.Set("from", strconv.FormatInt(from.UnixMilli(), 10))
	params.Set("to", strconv.FormatInt(to.UnixMilli(), 10))

	return p.fetch(ctx, symbol, tf, params)
}

// FetchLatest fetches the single newest candle.
func (p *HTTPProvider) FetchLatest(ctx context.Context, symbol string, tf market.Timeframe) (market.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", string(tf))
	params.Set("limit", "1")

	candles, err := p.fetch(ctx, symbol, tf, params)
	if err != nil {
		return market.Candle{}, err
	}
	if len(candles) == 0 {
		return market.Candle{}, fmt.Errorf("%s returned no candles for %s %s", p.name, symbol, tf)
	}
	return candles[len(candles)-1], nil
}

func (p *HTTPProvider) fetch(ctx context.Context, symbol string, tf market.Timeframe, params url.Values) ([]market.Candle, error) {
	endpoint := fmt.Sprintf("%s%s?%s", p.baseURL, p.klinePath, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		req.Header.Set("X-API-KEY", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching candles from %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading %s response: %w", p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s API error: %s", p.name, string(body))
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing %s candles: %w", p.name, err)
	}

	candles := make([]market.Candle, 0, len(rawKlines))
	for _, raw := range rawKlines {
		if len(raw) < 6 {
			continue
		}
		startMillis, ok := raw[0].(float64)
		if !ok {
			continue
		}
		candles = append(candles, market.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			StartTS:   time.UnixMilli(int64(startMillis)).UTC(),
			Open:      parseFloat(raw[1]),
			High:      parseFloat(raw[2]),
			Low:       parseFloat(raw[3]),
			Close:     parseFloat(raw[4]),
			Volume:    parseFloat(raw[5]),
		})
	}

	return candles, nil
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
