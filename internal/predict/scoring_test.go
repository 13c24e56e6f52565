package predict

import (
	"context"
	"testing"
	"time"

	"market-forecast-service/internal/database"
	"market-forecast-service/internal/market"
	"market-forecast-service/internal/window"
)

type scoreStore struct {
	due      []*database.PredictionRecord
	inserted []*database.ForecastError
}

func (s *scoreStore) GetPredictionsDueForScoring(_ context.Context, before time.Time, limit int) ([]*database.PredictionRecord, error) {
	return s.due, nil
}

func (s *scoreStore) InsertForecastError(_ context.Context, fe *database.ForecastError) error {
	s.inserted = append(s.inserted, fe)
	return nil
}

type scoreLoader struct {
	candles market.Slice
}

func (l *scoreLoader) Load(_ context.Context, req window.Request) (market.Slice, error) {
	return l.candles.Within(req.From, req.To), nil
}

func TestScoreBatchComputesPerBotError(t *testing.T) {
	generated := time.Date(2026, 2, 2, 5, 0, 0, 0, time.UTC)
	step := 5 * time.Minute

	// Realized closes: 100, 102, 104 on the three boundaries after generation.
	var realized market.Slice
	for i := 0; i < 4; i++ {
		realized = append(realized, market.Candle{
			Symbol:    "RELIANCE",
			Timeframe: market.Timeframe5m,
			StartTS:   generated.Add(time.Duration(i) * step),
			Open:      100, High: 110, Low: 95,
			Close:  100 + 2*float64(i),
			Volume: 10,
		})
	}

	points := func(closes ...float64) []database.ForecastPoint {
		out := make([]database.ForecastPoint, len(closes))
		for i, c := range closes {
			out[i] = database.ForecastPoint{TS: generated.Add(time.Duration(i+1) * step), Price: c}
		}
		return out
	}

	store := &scoreStore{due: []*database.PredictionRecord{{
		ID:             "p-1",
		Symbol:         "RELIANCE",
		Timeframe:      market.Timeframe5m,
		HorizonMinutes: 15,
		GeneratedAt:    generated,
		BotRawOutputs: []database.BotOutput{
			{Bot: "momentum", Series: points(102, 104, 106)},                 // exact
			{Bot: "mean_reversion", Series: points(103.02, 105.04, 107.06)}, // +1% each step
			{Bot: "trend_follow", Error: "model file missing"},
		},
	}}}

	sc := NewScorer(&scoreLoader{candles: realized}, store)
	sc.now = func() time.Time { return generated.Add(time.Hour) }

	scored, err := sc.ScoreBatch(context.Background())
	if err != nil {
		t.Fatalf("ScoreBatch: %v", err)
	}
	if scored != 1 {
		t.Fatalf("scored = %d, want 1", scored)
	}
	if len(store.inserted) != 2 {
		t.Fatalf("inserted %d errors, want 2 (errored bot skipped)", len(store.inserted))
	}

	byBot := map[string]float64{}
	for _, fe := range store.inserted {
		byBot[fe.Bot] = fe.AbsPctError
	}
	if got := byBot["momentum"]; got > 1e-9 {
		t.Errorf("momentum error = %v, want 0", got)
	}
	if got := byBot["mean_reversion"]; got < 0.99 || got > 1.01 {
		t.Errorf("mean_reversion error = %v, want ~1.0", got)
	}
}

func TestScoreBatchSkipsUnmatchedSeries(t *testing.T) {
	generated := time.Date(2026, 2, 2, 5, 0, 0, 0, time.UTC)
	store := &scoreStore{due: []*database.PredictionRecord{{
		ID:             "p-2",
		Symbol:         "RELIANCE",
		Timeframe:      market.Timeframe5m,
		HorizonMinutes: 15,
		GeneratedAt:    generated,
		BotRawOutputs: []database.BotOutput{
			{Bot: "momentum", Series: []database.ForecastPoint{{TS: generated.Add(5 * time.Minute), Price: 101}}},
		},
	}}}

	sc := NewScorer(&scoreLoader{}, store)
	sc.now = func() time.Time { return generated.Add(time.Hour) }

	if _, err := sc.ScoreBatch(context.Background()); err != nil {
		t.Fatalf("ScoreBatch: %v", err)
	}
	if len(store.inserted) != 0 {
		t.Errorf("inserted %d errors, want 0 when nothing matches", len(store.inserted))
	}
}
