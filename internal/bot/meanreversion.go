package bot

import (
	"context"
	"math"

	"market-forecast-service/internal/database"
	"market-forecast-service/internal/errs"
	"market-forecast-service/internal/market"
)

// MeanReversion pulls each projected step a fraction of the way back to
// the rolling mean.
type MeanReversion struct {
	modelRoot string
}

func NewMeanReversion(modelRoot string) *MeanReversion {
	return &MeanReversion{modelRoot: modelRoot}
}

func (m *MeanReversion) Name() string    { return "mean_reversion" }
func (m *MeanReversion) MinCandles() int { return 40 }

func meanReversionDefaults() map[string]float64 {
	return map[string]float64{"lookback": 20, "rate": 0.3}
}

func meanReversionForecast(params map[string]float64, history []float64, steps int) []float64 {
	if params == nil {
		params = meanReversionDefaults()
	}
	lookback := int(params["lookback"])
	if lookback < 2 {
		lookback = 2
	}
	if lookback > len(history) {
		lookback = len(history)
	}
	if lookback == 0 {
		return nil
	}

	target := mean(history[len(history)-lookback:])
	rate := params["rate"]
	if rate < 0.01 {
		rate = 0.01
	}
	if rate > 1 {
		rate = 1
	}

	out := make([]float64, steps)
	price := history[len(history)-1]
	for i := 0; i < steps; i++ {
		price += (target - price) * rate
		out[i] = price
	}
	return out
}

func (m *MeanReversion) Predict(_ context.Context, window market.Slice, steps int) ([]database.ForecastPoint, float64, error) {
	if len(window) < m.MinCandles() {
		return nil, 0, errs.Newf(errs.KindInsufficientCoverage, "mean_reversion needs %d candles, got %d", m.MinCandles(), len(window))
	}

	first := window[0]
	params := loadParams(m.modelRoot, m.Name(), first.Symbol, first.Timeframe)
	if params == nil {
		params = meanReversionDefaults()
	}

	history := closes(window)
	projected := meanReversionForecast(params, history, steps)
	if len(projected) == 0 {
		return nil, 0, errs.New(errs.KindInternal, "mean_reversion produced no forecast")
	}

	// Confidence scales with how stretched the price is from its mean,
	// relative to recent volatility.
	lookback := int(params["lookback"])
	target := mean(history[len(history)-lookback:])
	sd := stddev(history[len(history)-lookback:])
	conf := 0.4
	if sd > 0 {
		stretch := math.Abs(history[len(history)-1]-target) / sd
		conf = 0.3 + 0.2*math.Min(stretch, 2)
	}
	return toPoints(window, projected), clampConf(conf), nil
}

func (m *MeanReversion) Train(ctx context.Context, window market.Slice, hp database.Hyperparams, progress ProgressFunc) (*database.TrainingMetrics, string, error) {
	grid := []map[string]float64{
		{"lookback": 10, "rate": 0.2},
		{"lookback": 20, "rate": 0.3},
		{"lookback": 30, "rate": 0.4},
		{"lookback": 50, "rate": 0.15},
	}
	return runTraining(ctx, m, meanReversionForecast, grid, m.modelRoot, window, hp, progress)
}
