package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market-forecast-service/internal/market"
)

// MockProvider is an in-memory Provider used in tests and mock mode.
type MockProvider struct {
	name    string
	mu      sync.Mutex
	candles map[string]market.Slice // symbol:timeframe -> candles
	err     error
	calls   []MockCall
}

// MockCall records one fetch invocation for assertions.
type MockCall struct {
	Symbol   string
	From, To time.Time
}

// NewMockProvider creates an empty mock vendor.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:    name,
		candles: make(map[string]market.Slice),
	}
}

func (m *MockProvider) Name() string { return m.name }

// Seed loads candles the mock will serve for a series.
func (m *MockProvider) Seed(symbol string, tf market.Timeframe, candles market.Slice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol+":"+string(tf)] = candles.SortDedup()
}

// Fail makes every fetch return err.
func (m *MockProvider) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the recorded fetch invocations.
func (m *MockProvider) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockProvider) FetchCandles(_ context.Context, symbol string, tf market.Timeframe, from, to time.Time) ([]market.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockCall{Symbol: symbol, From: from, To: to})
	if m.err != nil {
		return nil, m.err
	}
	return m.candles[symbol+":"+string(tf)].Within(from, to), nil
}

func (m *MockProvider) FetchLatest(_ context.Context, symbol string, tf market.Timeframe) (market.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return market.Candle{}, m.err
	}
	last, ok := m.candles[symbol+":"+string(tf)].Last()
	if !ok {
		return market.Candle{}, fmt.Errorf("%s has no candles for %s %s", m.name, symbol, tf)
	}
	return last, nil
}
