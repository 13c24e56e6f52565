package predict

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"market-forecast-service/config"
	"market-forecast-service/internal/bot"
	"market-forecast-service/internal/database"
	"market-forecast-service/internal/errs"
	"market-forecast-service/internal/events"
	"market-forecast-service/internal/market"
	"market-forecast-service/internal/validation"
	"market-forecast-service/internal/window"
)

type fakeLoader struct {
	window market.Slice
	err    error
}

func (f *fakeLoader) Load(_ context.Context, _ window.Request) (market.Slice, error) {
	return f.window, f.err
}

type fakeStore struct {
	mu      sync.Mutex
	records []*database.PredictionRecord
}

func (f *fakeStore) InsertPrediction(_ context.Context, p *database.PredictionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, p)
	return nil
}

func (f *fakeStore) last() *database.PredictionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return nil
	}
	return f.records[len(f.records)-1]
}

// fakeBot returns a fixed forecast built from per-step percent offsets.
type fakeBot struct {
	name  string
	conf  float64
	pcts  []float64
	err   error
	block bool
}

func (f *fakeBot) Name() string    { return f.name }
func (f *fakeBot) MinCandles() int { return 5 }

func (f *fakeBot) Predict(ctx context.Context, win market.Slice, steps int) ([]database.ForecastPoint, float64, error) {
	if f.block {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}
	if f.err != nil {
		return nil, 0, f.err
	}
	last, _ := win.Last()
	out := make([]database.ForecastPoint, steps)
	for i := 0; i < steps; i++ {
		pct := 0.0
		if i < len(f.pcts) {
			pct = f.pcts[i]
		}
		out[i] = database.ForecastPoint{
			TS:    last.StartTS.Add(time.Duration(i+1) * last.Timeframe.Duration()),
			Price: last.Close * (1 + pct/100),
		}
	}
	return out, f.conf, nil
}

func (f *fakeBot) Train(_ context.Context, _ market.Slice, _ database.Hyperparams, _ bot.ProgressFunc) (*database.TrainingMetrics, string, error) {
	return nil, "", errs.New(errs.KindInternal, "not trainable")
}

func testWindow(n int, now time.Time) market.Slice {
	var out market.Slice
	for i := 0; i < n; i++ {
		ts := now.Add(time.Duration(i-n) * 5 * time.Minute)
		out = append(out, market.Candle{
			Symbol: "ACME", Timeframe: market.Timeframe5m, StartTS: ts,
			Open: 99, High: 101, Low: 98, Close: 100, Volume: 50,
			Provenance: market.ProvenanceDB,
		})
	}
	return out
}

func newTestOrchestrator(t *testing.T, store *fakeStore, bots ...bot.Bot) *Orchestrator {
	t.Helper()
	reg := bot.NewRegistry()
	for _, b := range bots {
		reg.Register(b)
	}
	v := validation.New(config.ValidationConfig{
		StepMax: 8, TotalMax: 20, EnvelopeStepMax: 6, EnvelopeTotal: 12, MinCandles: 5,
	})
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	o := NewOrchestrator(
		&fakeLoader{window: testWindow(60, now)},
		reg, v, store, events.NewEventBus(),
		config.PredictConfig{BotTimeoutSecs: 1, WorkerPoolSize: 4, LookbackDays: 30},
	)
	o.now = func() time.Time { return now }
	return o
}

func TestPredictMergesByConfidence(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrchestrator(t, store,
		&fakeBot{name: "a", conf: 0.8, pcts: []float64{0}},
		&fakeBot{name: "b", conf: 0.2, pcts: []float64{4}},
	)

	pred, err := o.Predict(context.Background(), Request{
		Symbol: "ACME", Timeframe: market.Timeframe5m, HorizonMinutes: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if pred.Status != database.PredictionStatusOK {
		t.Fatalf("status = %s", pred.Status)
	}
	if len(pred.Series) != 1 {
		t.Fatalf("expected 1 point, got %d", len(pred.Series))
	}

	// 0.8*100 + 0.2*104 = 100.8
	if math.Abs(pred.Series[0].Price-100.8) > 1e-9 {
		t.Errorf("merged price = %v, want 100.8", pred.Series[0].Price)
	}
	if len(pred.BotsUsed) != 2 {
		t.Errorf("bots used = %v", pred.BotsUsed)
	}
	if pred.Limits.TotalMaxPct != 12 {
		t.Errorf("limits should echo envelope thresholds, got %+v", pred.Limits)
	}
}

func TestPredictRecordsContributionsAndReference(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrchestrator(t, store,
		&fakeBot{name: "a", conf: 0.8, pcts: []float64{0}},
		&fakeBot{name: "b", conf: 0.2, pcts: []float64{4}},
		&fakeBot{name: "broken", conf: 0.9, pcts: []float64{math.NaN()}},
	)

	if _, err := o.Predict(context.Background(), Request{
		Symbol: "ACME", Timeframe: market.Timeframe5m, HorizonMinutes: 5,
	}); err != nil {
		t.Fatal(err)
	}

	record := store.last()
	if record.ReferencePrice != 100 {
		t.Errorf("reference price = %v, want the last window close 100", record.ReferencePrice)
	}
	if len(record.BotContributions) != 3 {
		t.Fatalf("every invoked bot needs a contribution entry, got %d", len(record.BotContributions))
	}

	a, b, broken := record.BotContributions["a"], record.BotContributions["b"], record.BotContributions["broken"]
	if !a.Accepted || !b.Accepted || broken.Accepted {
		t.Errorf("acceptance wrong: a=%v b=%v broken=%v", a.Accepted, b.Accepted, broken.Accepted)
	}
	if broken.Weight != 0 {
		t.Errorf("rejected bot must carry zero weight, got %v", broken.Weight)
	}
	if math.Abs(a.Weight-0.8) > 1e-9 || math.Abs(b.Weight-0.2) > 1e-9 {
		t.Errorf("weights = %v/%v, want 0.8/0.2", a.Weight, b.Weight)
	}
	if a.Confidence != 0.8 || broken.Confidence != 0.9 {
		t.Errorf("contributions must echo reported confidences, got a=%v broken=%v", a.Confidence, broken.Confidence)
	}
	if record.MergedSeries[0].Confidence <= 0 {
		t.Error("merged points should carry a per-step confidence")
	}
}

// A window whose newest candle lags the request would otherwise start
// the forecast grid in the past.
func TestPredictStaleWindowStartsAtProducedAt(t *testing.T) {
	store := &fakeStore{}
	reg := bot.NewRegistry()
	reg.Register(&fakeBot{name: "a", conf: 0.8, pcts: []float64{1, 2}})
	v := validation.New(config.ValidationConfig{
		StepMax: 8, TotalMax: 20, EnvelopeStepMax: 6, EnvelopeTotal: 12, MinCandles: 5,
	})

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	stale := testWindow(60, now.Add(-35*time.Minute))
	o := NewOrchestrator(
		&fakeLoader{window: stale},
		reg, v, store, events.NewEventBus(),
		config.PredictConfig{BotTimeoutSecs: 1, WorkerPoolSize: 4, LookbackDays: 30},
	)
	o.now = func() time.Time { return now }

	pred, err := o.Predict(context.Background(), Request{
		Symbol: "ACME", Timeframe: market.Timeframe5m, HorizonMinutes: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(pred.Series) != 2 {
		t.Fatalf("expected 2 points, got %d", len(pred.Series))
	}
	if pred.Series[0].TS.Before(pred.GeneratedAt) {
		t.Errorf("series starts %v, before produced_at %v", pred.Series[0].TS, pred.GeneratedAt)
	}
	step := market.Timeframe5m.Duration()
	if got := pred.Series[1].TS.Sub(pred.Series[0].TS); got != step {
		t.Errorf("grid step = %v, want %v", got, step)
	}
}

func TestPredictDropsInvalidBotKeepsAudit(t *testing.T) {
	store := &fakeStore{}
	nan := &fakeBot{name: "broken", conf: 0.9, pcts: []float64{math.NaN()}}
	good := &fakeBot{name: "good", conf: 0.5, pcts: []float64{1}}
	o := newTestOrchestrator(t, store, nan, good)

	pred, err := o.Predict(context.Background(), Request{
		Symbol: "ACME", Timeframe: market.Timeframe5m, HorizonMinutes: 5,
		SelectedBots: []string{"broken", "good"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(pred.BotsUsed) != 1 || pred.BotsUsed[0] != "good" {
		t.Fatalf("only the good bot should survive, got %v", pred.BotsUsed)
	}

	record := store.last()
	if len(record.BotRawOutputs) != 2 {
		t.Errorf("raw outputs for both bots must be retained, got %d", len(record.BotRawOutputs))
	}
	found := false
	for _, f := range record.ValidationFlags {
		if f.Bot == "broken" && f.Code == validation.ReasonNaNOrInf {
			found = true
		}
	}
	if !found {
		t.Errorf("expected nan_or_inf flag for broken bot, got %v", record.ValidationFlags)
	}
}

func TestPredictSanitizesDriftingBot(t *testing.T) {
	store := &fakeStore{}
	// 10% step passes nothing raw, but after the clamp to 8% the
	// envelope (6%) still rejects it.
	driftyHard := &fakeBot{name: "wild", conf: 0.9, pcts: []float64{10, 18}}
	good := &fakeBot{name: "good", conf: 0.5, pcts: []float64{1, 2}}
	o := newTestOrchestrator(t, store, driftyHard, good)

	pred, err := o.Predict(context.Background(), Request{
		Symbol: "ACME", Timeframe: market.Timeframe5m, HorizonMinutes: 10,
		SelectedBots: []string{"wild", "good"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(pred.BotsUsed) != 1 || pred.BotsUsed[0] != "good" {
		t.Fatalf("wild bot should fail the envelope after clamping, got %v", pred.BotsUsed)
	}

	record := store.last()
	var sawDrift, sawEnvelope bool
	for _, f := range record.ValidationFlags {
		if f.Bot == "wild" && f.Code == validation.ReasonStepDriftExceeded {
			sawDrift = true
		}
		if f.Bot == "wild" && f.Code == validation.ReasonEnvelopeExceeded {
			sawEnvelope = true
		}
	}
	if !sawDrift || !sawEnvelope {
		t.Errorf("expected drift and envelope flags, got %v", record.ValidationFlags)
	}
}

func TestPredictTimedOutBot(t *testing.T) {
	store := &fakeStore{}
	slow := &fakeBot{name: "slow", block: true}
	good := &fakeBot{name: "good", conf: 0.5, pcts: []float64{1}}
	o := newTestOrchestrator(t, store, slow, good)

	pred, err := o.Predict(context.Background(), Request{
		Symbol: "ACME", Timeframe: market.Timeframe5m, HorizonMinutes: 5,
		SelectedBots: []string{"slow", "good"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(pred.BotsUsed) != 1 {
		t.Fatalf("slow bot should be dropped, got %v", pred.BotsUsed)
	}

	found := false
	for _, f := range store.last().ValidationFlags {
		if f.Bot == "slow" && f.Code == validation.ReasonTimedOut {
			found = true
		}
	}
	if !found {
		t.Error("expected timed_out flag for the slow bot")
	}
}

func TestPredictNoValidPrediction(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrchestrator(t, store,
		&fakeBot{name: "a", err: errs.New(errs.KindInternal, "model exploded")},
		&fakeBot{name: "b", conf: 0.9, pcts: []float64{math.Inf(1)}},
	)

	pred, err := o.Predict(context.Background(), Request{
		Symbol: "ACME", Timeframe: market.Timeframe5m, HorizonMinutes: 5,
	})
	if !errs.IsKind(err, errs.KindNoValidPrediction) {
		t.Fatalf("expected no_valid_prediction, got %v", err)
	}
	if pred == nil || pred.Status != database.PredictionStatusNoValid {
		t.Fatal("rejected run should still return its audit view")
	}

	record := store.last()
	if record == nil {
		t.Fatal("rejected run must still be persisted")
	}
	if record.Status != database.PredictionStatusNoValid {
		t.Errorf("record status = %s", record.Status)
	}
	if len(record.BotRawOutputs) != 2 {
		t.Errorf("raw outputs must be retained, got %d", len(record.BotRawOutputs))
	}
}

func TestPredictRejectsBadRequest(t *testing.T) {
	o := newTestOrchestrator(t, &fakeStore{}, &fakeBot{name: "a", conf: 1, pcts: []float64{1}})

	if _, err := o.Predict(context.Background(), Request{Symbol: "", Timeframe: market.Timeframe5m, HorizonMinutes: 5}); !errs.IsKind(err, errs.KindValidationFailed) {
		t.Errorf("empty symbol should fail validation, got %v", err)
	}
	if _, err := o.Predict(context.Background(), Request{Symbol: "ACME", Timeframe: market.Timeframe1h, HorizonMinutes: 5}); !errs.IsKind(err, errs.KindValidationFailed) {
		t.Errorf("sub-step horizon should fail validation, got %v", err)
	}
	if _, err := o.Predict(context.Background(), Request{Symbol: "ACME", Timeframe: market.Timeframe5m, HorizonMinutes: 5, SelectedBots: []string{"ghost"}}); !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("unknown bot should be not_found, got %v", err)
	}
}
