package bot

import (
	"context"
	"math"

	"market-forecast-service/internal/database"
	"market-forecast-service/internal/errs"
	"market-forecast-service/internal/market"
)

// Momentum projects the recent average return forward, damped per step.
type Momentum struct {
	modelRoot string
}

func NewMomentum(modelRoot string) *Momentum {
	return &Momentum{modelRoot: modelRoot}
}

func (m *Momentum) Name() string    { return "momentum" }
func (m *Momentum) MinCandles() int { return 30 }

func momentumDefaults() map[string]float64 {
	return map[string]float64{"lookback": 14, "gain": 0.8, "damping": 0.9}
}

func momentumForecast(params map[string]float64, history []float64, steps int) []float64 {
	if params == nil {
		params = momentumDefaults()
	}
	lookback := int(params["lookback"])
	if lookback < 2 {
		lookback = 2
	}
	if lookback > len(history)-1 {
		lookback = len(history) - 1
	}
	if lookback < 1 || len(history) == 0 {
		return nil
	}

	rets := pctReturns(history[len(history)-lookback-1:])
	r := mean(rets) * params["gain"]

	out := make([]float64, steps)
	price := history[len(history)-1]
	for i := 0; i < steps; i++ {
		price *= 1 + r
		out[i] = price
		r *= params["damping"]
	}
	return out
}

func (m *Momentum) Predict(_ context.Context, window market.Slice, steps int) ([]database.ForecastPoint, float64, error) {
	if len(window) < m.MinCandles() {
		return nil, 0, errs.Newf(errs.KindInsufficientCoverage, "momentum needs %d candles, got %d", m.MinCandles(), len(window))
	}

	first := window[0]
	params := loadParams(m.modelRoot, m.Name(), first.Symbol, first.Timeframe)
	if params == nil {
		params = momentumDefaults()
	}

	history := closes(window)
	projected := momentumForecast(params, history, steps)
	if len(projected) == 0 {
		return nil, 0, errs.New(errs.KindInternal, "momentum produced no forecast")
	}

	// Confidence falls as recent returns disagree with each other.
	rets := pctReturns(history[len(history)-int(params["lookback"])-1:])
	conf := 0.5
	if m := mean(rets); m != 0 {
		noise := stddev(rets) / math.Abs(m)
		conf = 1 / (1 + noise/4)
	}
	return toPoints(window, projected), clampConf(conf), nil
}

func (m *Momentum) Train(ctx context.Context, window market.Slice, hp database.Hyperparams, progress ProgressFunc) (*database.TrainingMetrics, string, error) {
	grid := []map[string]float64{
		{"lookback": 7, "gain": 0.6, "damping": 0.9},
		{"lookback": 14, "gain": 0.8, "damping": 0.9},
		{"lookback": 21, "gain": 1.0, "damping": 0.85},
		{"lookback": 30, "gain": 0.5, "damping": 0.95},
	}
	return runTraining(ctx, m, momentumForecast, grid, m.modelRoot, window, hp, progress)
}

func clampConf(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
