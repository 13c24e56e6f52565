package health

import (
	"context"
	"testing"
	"time"

	"market-forecast-service/config"
	"market-forecast-service/internal/database"
	"market-forecast-service/internal/market"
)

type fakeStore struct {
	records []*database.TrainingRecord
	errors  map[string][]database.ForecastError
}

func (f *fakeStore) ListLatestTrainings(_ context.Context) ([]*database.TrainingRecord, error) {
	return f.records, nil
}

func (f *fakeStore) GetRecentErrors(_ context.Context, bot, symbol string, tf market.Timeframe, _ time.Time) ([]database.ForecastError, error) {
	return f.errors[bot+"|"+symbol+"|"+string(tf)], nil
}

var testDriftCfg = config.DriftConfig{YellowScore: 0.2, RedScore: 0.5, YellowAgeHrs: 24, RedAgeHrs: 48}

func record(bot, status string, finishedAgo time.Duration, drift float64, now time.Time) *database.TrainingRecord {
	tr := &database.TrainingRecord{
		Bot: bot, Symbol: "ACME", Timeframe: market.Timeframe5m,
		Status: status,
	}
	if status == database.TrainingStatusCompleted {
		finished := now.Add(-finishedAgo)
		tr.FinishedAt = &finished
		tr.Metrics = &database.TrainingMetrics{MAPE: 2.0, BaselineMAPE: 2.5, BeatsBaseline: true, DriftScore: drift}
	}
	return tr
}

func newTestMonitor(store *fakeStore, now time.Time) *Monitor {
	m := NewMonitor(store, nil, testDriftCfg)
	m.now = func() time.Time { return now }
	return m
}

func TestClassification(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		record *database.TrainingRecord
		want   string
	}{
		{"fresh low drift", record("a", database.TrainingStatusCompleted, 2*time.Hour, 0.05, now), StatusGreen},
		{"aging", record("b", database.TrainingStatusCompleted, 30*time.Hour, 0.05, now), StatusYellow},
		{"drifting", record("c", database.TrainingStatusCompleted, 2*time.Hour, 0.3, now), StatusYellow},
		{"stale", record("d", database.TrainingStatusCompleted, 72*time.Hour, 0.05, now), StatusRed},
		{"high drift", record("e", database.TrainingStatusCompleted, 2*time.Hour, 0.7, now), StatusRed},
		{"failed", record("f", database.TrainingStatusFailed, 0, 0, now), StatusRed},
		{"never finished", record("g", database.TrainingStatusQueued, 0, 0, now), StatusYellow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{records: []*database.TrainingRecord{tc.record}}
			report, err := newTestMonitor(store, now).Report(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if len(report) != 1 {
				t.Fatalf("expected 1 row, got %d", len(report))
			}
			if report[0].Health != tc.want {
				t.Errorf("health = %s, want %s (age %.1fh drift %.2f)", report[0].Health, tc.want, report[0].AgeHours, report[0].DriftScore)
			}
		})
	}
}

func TestRealizedDriftOverridesTrainingDrift(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tr := record("momentum", database.TrainingStatusCompleted, 2*time.Hour, 0.0, now)

	// Realized RMSE of 4.0 against training MAPE 2.0: drift = 1.0, red.
	store := &fakeStore{
		records: []*database.TrainingRecord{tr},
		errors: map[string][]database.ForecastError{
			"momentum|ACME|5m": {
				{AbsPctError: 4.0}, {AbsPctError: 4.0}, {AbsPctError: 4.0},
			},
		},
	}

	report, err := newTestMonitor(store, now).Report(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report[0].DriftScore != 1.0 {
		t.Errorf("drift = %v, want 1.0", report[0].DriftScore)
	}
	if report[0].Health != StatusRed {
		t.Errorf("health = %s, want red", report[0].Health)
	}
}

// A model whose realized error is far above its held-out training error
// must surface the full score, not a value capped at 1.
func TestRealizedDriftAboveOneSurfaced(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tr := record("momentum", database.TrainingStatusCompleted, 2*time.Hour, 0.0, now)
	tr.Metrics.TestRMSE = 1.0

	// Realized RMSE 2.4 against training RMSE 1.0: drift = 1.4.
	store := &fakeStore{
		records: []*database.TrainingRecord{tr},
		errors: map[string][]database.ForecastError{
			"momentum|ACME|5m": {
				{AbsPctError: 2.4}, {AbsPctError: 2.4}, {AbsPctError: 2.4},
			},
		},
	}

	report, err := newTestMonitor(store, now).Report(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := report[0].DriftScore; got < 1.4-1e-9 || got > 1.4+1e-9 {
		t.Errorf("drift = %v, want 1.4", got)
	}
	if report[0].Health != StatusRed {
		t.Errorf("health = %s, want red", report[0].Health)
	}
}
