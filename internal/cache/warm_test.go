package cache

import (
	"testing"
	"time"

	"market-forecast-service/internal/market"
)

func warmSlice(symbol string, n int) market.Slice {
	start := time.Date(2026, 8, 24, 4, 0, 0, 0, time.UTC)
	var s market.Slice
	for i := 0; i < n; i++ {
		s = append(s, market.Candle{
			Symbol: symbol, Timeframe: market.Timeframe5m,
			StartTS: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:    100, High: 101, Low: 99, Close: 100, Volume: 1,
			Provenance: market.ProvenanceDB,
		})
	}
	return s
}

func TestWarmCacheGetSet(t *testing.T) {
	wc := NewWarmCache(10)

	if _, ok := wc.Get("missing"); ok {
		t.Fatal("empty cache should miss")
	}

	wc.Set("k1", warmSlice("ACME", 3), time.Minute)
	got, ok := wc.Get("k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(got))
	}
	for _, c := range got {
		if c.Provenance != market.ProvenanceCache {
			t.Errorf("cache read should carry cache provenance, got %s", c.Provenance)
		}
	}
}

func TestWarmCacheReturnsCopy(t *testing.T) {
	wc := NewWarmCache(10)
	wc.Set("k1", warmSlice("ACME", 2), time.Minute)

	first, _ := wc.Get("k1")
	first[0].Close = 9999

	second, _ := wc.Get("k1")
	if second[0].Close == 9999 {
		t.Error("mutating a returned slice must not affect the cache")
	}
}

func TestWarmCacheEviction(t *testing.T) {
	wc := NewWarmCache(2)
	wc.Set("a", warmSlice("A", 1), time.Minute)
	wc.Set("b", warmSlice("B", 1), time.Minute)

	// Touch "a" so "b" becomes the eviction candidate.
	wc.Get("a")
	wc.Set("c", warmSlice("C", 1), time.Minute)

	if _, ok := wc.Get("b"); ok {
		t.Error("least recently used entry should have been evicted")
	}
	if _, ok := wc.Get("a"); !ok {
		t.Error("recently used entry should survive eviction")
	}
	if wc.Len() != 2 {
		t.Errorf("len = %d, want 2", wc.Len())
	}
}

func TestWarmCacheExpiry(t *testing.T) {
	wc := NewWarmCache(10)
	wc.Set("k1", warmSlice("ACME", 1), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, ok := wc.Get("k1"); ok {
		t.Error("expired entry should miss")
	}
}
