package archive

import (
	"context"
	"fmt"
	"testing"
	"time"

	"market-forecast-service/internal/market"
)

type fakeCandleStore struct {
	expired   market.Slice
	selectErr error
	deleted   bool
	cutoff    time.Time
}

func (f *fakeCandleStore) SelectCandlesBefore(_ context.Context, cutoff time.Time) (market.Slice, error) {
	f.cutoff = cutoff
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	return f.expired, nil
}

func (f *fakeCandleStore) DeleteCandlesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.deleted = true
	return int64(len(f.expired)), nil
}

func expiredCandles(symbol string, n int) market.Slice {
	start := time.Date(2025, 1, 6, 4, 15, 0, 0, time.UTC)
	out := make(market.Slice, n)
	for i := range out {
		out[i] = market.Candle{
			Symbol:    symbol,
			Timeframe: market.Timeframe5m,
			StartTS:   start.Add(time.Duration(i) * 5 * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100.5, Volume: 10,
			Provenance: market.ProvenanceDB,
		}
	}
	return out
}

func mustStore(t *testing.T) *Store {
	t.Helper()
	arch, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return arch
}

func TestSweepArchivesThenDeletes(t *testing.T) {
	store := &fakeCandleStore{expired: expiredCandles("RELIANCE", 6)}
	arch := mustStore(t)
	sw := NewSweeper(store, arch, 30)
	sw.now = func() time.Time { return time.Date(2026, 2, 2, 1, 0, 0, 0, time.UTC) }

	deleted, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if deleted != 6 {
		t.Errorf("deleted = %d, want 6", deleted)
	}
	if !store.deleted {
		t.Error("expected DeleteCandlesBefore to run")
	}

	wantCutoff := time.Date(2026, 1, 3, 1, 0, 0, 0, time.UTC)
	if !store.cutoff.Equal(wantCutoff) {
		t.Errorf("cutoff = %v, want %v", store.cutoff, wantCutoff)
	}

	got, err := arch.Read("RELIANCE", market.Timeframe5m,
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("archive Read: %v", err)
	}
	if len(got) != 6 {
		t.Errorf("archived %d candles, want 6", len(got))
	}
}

func TestSweepNothingExpired(t *testing.T) {
	store := &fakeCandleStore{}
	sw := NewSweeper(store, mustStore(t), 30)

	deleted, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if deleted != 0 || store.deleted {
		t.Errorf("deleted = %d, delete ran = %v", deleted, store.deleted)
	}
}

func TestSweepSelectFailureSkipsDelete(t *testing.T) {
	store := &fakeCandleStore{selectErr: fmt.Errorf("connection refused")}
	sw := NewSweeper(store, mustStore(t), 30)

	if _, err := sw.Sweep(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
	if store.deleted {
		t.Error("delete must not run when the select fails")
	}
}
