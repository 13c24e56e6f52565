package bot

import (
	"context"

	"market-forecast-service/internal/database"
	"market-forecast-service/internal/errs"
	"market-forecast-service/internal/market"
)

// TrendFollow extends a least-squares trend line fitted over the recent
// tail, blended toward flat as fit quality drops.
type TrendFollow struct {
	modelRoot string
}

func NewTrendFollow(modelRoot string) *TrendFollow {
	return &TrendFollow{modelRoot: modelRoot}
}

func (t *TrendFollow) Name() string    { return "trend_follow" }
func (t *TrendFollow) MinCandles() int { return 30 }

func trendFollowDefaults() map[string]float64 {
	return map[string]float64{"lookback": 30, "blend": 1.0}
}

func trendFollowForecast(params map[string]float64, history []float64, steps int) []float64 {
	if params == nil {
		params = trendFollowDefaults()
	}
	lookback := int(params["lookback"])
	if lookback < 3 {
		lookback = 3
	}
	if lookback > len(history) {
		lookback = len(history)
	}
	if lookback < 2 || len(history) == 0 {
		return nil
	}

	tail := history[len(history)-lookback:]
	slope, intercept, r2 := linearFit(tail)

	// Weak fits flatten toward the last close.
	weight := r2 * params["blend"]
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}

	last := history[len(history)-1]
	out := make([]float64, steps)
	for i := 0; i < steps; i++ {
		lineVal := slope*float64(lookback+i) + intercept
		out[i] = weight*lineVal + (1-weight)*last
	}
	return out
}

func (t *TrendFollow) Predict(_ context.Context, window market.Slice, steps int) ([]database.ForecastPoint, float64, error) {
	if len(window) < t.MinCandles() {
		return nil, 0, errs.Newf(errs.KindInsufficientCoverage, "trend_follow needs %d candles, got %d", t.MinCandles(), len(window))
	}

	first := window[0]
	params := loadParams(t.modelRoot, t.Name(), first.Symbol, first.Timeframe)
	if params == nil {
		params = trendFollowDefaults()
	}

	history := closes(window)
	projected := trendFollowForecast(params, history, steps)
	if len(projected) == 0 {
		return nil, 0, errs.New(errs.KindInternal, "trend_follow produced no forecast")
	}

	lookback := int(params["lookback"])
	if lookback > len(history) {
		lookback = len(history)
	}
	_, _, r2 := linearFit(history[len(history)-lookback:])
	return toPoints(window, projected), clampConf(0.25 + 0.75*r2), nil
}

func (t *TrendFollow) Train(ctx context.Context, window market.Slice, hp database.Hyperparams, progress ProgressFunc) (*database.TrainingMetrics, string, error) {
	grid := []map[string]float64{
		{"lookback": 15, "blend": 1.0},
		{"lookback": 30, "blend": 1.0},
		{"lookback": 60, "blend": 0.8},
		{"lookback": 90, "blend": 0.6},
	}
	return runTraining(ctx, t, trendFollowForecast, grid, t.modelRoot, window, hp, progress)
}
