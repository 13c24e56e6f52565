package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"market-forecast-service/internal/errs"
	"market-forecast-service/internal/market"
)

func seedCandles(symbol string, tf market.Timeframe, start time.Time, n int) market.Slice {
	var s market.Slice
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * tf.Duration())
		s = append(s, market.Candle{
			Symbol: symbol, Timeframe: tf, StartTS: ts,
			Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10,
		})
	}
	return s
}

func TestFailoverPrefersPrimary(t *testing.T) {
	start := time.Date(2026, 8, 24, 4, 0, 0, 0, time.UTC)
	primary := NewMockProvider("vendor_a")
	fallback := NewMockProvider("vendor_b")
	primary.Seed("ACME", market.Timeframe5m, seedCandles("ACME", market.Timeframe5m, start, 5))
	fallback.Seed("ACME", market.Timeframe5m, seedCandles("ACME", market.Timeframe5m, start, 5))

	f := NewFailover([]Provider{primary, fallback}, 3, time.Minute, nil)
	candles, err := f.FetchCandles(context.Background(), "ACME", market.Timeframe5m, start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(candles) != 5 {
		t.Fatalf("expected 5 candles, got %d", len(candles))
	}
	for _, c := range candles {
		if c.Provenance != market.ProvenancePrimary {
			t.Errorf("expected primary provenance, got %s", c.Provenance)
		}
	}
	if len(fallback.Calls()) != 0 {
		t.Error("fallback should not be called when primary succeeds")
	}
}

func TestFailoverEmptyPrimaryUsesFallback(t *testing.T) {
	start := time.Date(2026, 8, 24, 4, 0, 0, 0, time.UTC)
	primary := NewMockProvider("vendor_a") // no data seeded
	fallback := NewMockProvider("vendor_b")
	fallback.Seed("XYZ", market.Timeframe5m, seedCandles("XYZ", market.Timeframe5m, start, 1000))

	f := NewFailover([]Provider{primary, fallback}, 3, time.Minute, nil)
	candles, err := f.FetchCandles(context.Background(), "XYZ", market.Timeframe5m, start, start.Add(1000*5*time.Minute))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(candles) != 1000 {
		t.Fatalf("expected 1000 candles from fallback, got %d", len(candles))
	}
	for _, c := range candles {
		if c.Provenance != market.ProvenanceFallback {
			t.Fatalf("expected fallback provenance, got %s", c.Provenance)
		}
	}
}

func TestFailoverAllFail(t *testing.T) {
	primary := NewMockProvider("vendor_a")
	fallback := NewMockProvider("vendor_b")
	primary.Fail(errors.New("gateway down"))
	fallback.Fail(errors.New("maintenance window"))

	f := NewFailover([]Provider{primary, fallback}, 3, time.Minute, nil)
	_, err := f.FetchCandles(context.Background(), "ACME", market.Timeframe5m, time.Now().Add(-time.Hour), time.Now())
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}
	if errs.KindOf(err) != errs.KindUpstreamFailure {
		t.Errorf("expected upstream_failure kind, got %s", errs.KindOf(err))
	}
}

func TestBreakerSkipsAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Hour)
	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("breaker should allow before threshold (i=%d)", i)
		}
		b.RecordFailure()
	}
	if b.Allow() {
		t.Error("breaker should be open after threshold failures")
	}
	if b.State() != StateOpen {
		t.Errorf("state = %s, want open", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(1, time.Millisecond)
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("breaker should half-open after cooldown")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed after recovery", b.State())
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	if !rl.Allow("vendor_a") || !rl.Allow("vendor_a") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("vendor_a") {
		t.Error("third request inside window should be limited")
	}
	if !rl.Allow("vendor_b") {
		t.Error("different key should not be limited")
	}
}
