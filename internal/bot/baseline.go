package bot

import "math"

// Naive reference forecasters. A trained bot has to beat the best of
// these on the same walk-forward split to count as an improvement.

func lastValueForecast(_ map[string]float64, history []float64, steps int) []float64 {
	if len(history) == 0 {
		return nil
	}
	last := history[len(history)-1]
	out := make([]float64, steps)
	for i := range out {
		out[i] = last
	}
	return out
}

func movingAverageForecast(_ map[string]float64, history []float64, steps int) []float64 {
	n := 20
	if len(history) < n {
		n = len(history)
	}
	if n == 0 {
		return nil
	}
	avg := mean(history[len(history)-n:])
	out := make([]float64, steps)
	for i := range out {
		out[i] = avg
	}
	return out
}

func linearTrendForecast(_ map[string]float64, history []float64, steps int) []float64 {
	n := 30
	if len(history) < n {
		n = len(history)
	}
	if n < 2 {
		return lastValueForecast(nil, history, steps)
	}
	tail := history[len(history)-n:]
	slope, intercept, _ := linearFit(tail)
	out := make([]float64, steps)
	for i := range out {
		out[i] = slope*float64(n+i) + intercept
	}
	return out
}

var baselineForecasters = map[string]forecastFunc{
	"last_value":     lastValueForecast,
	"moving_average": movingAverageForecast,
	"linear_trend":   linearTrendForecast,
}

// BaselineMAPE returns the best naive walk-forward MAPE over the history
// tail.
func BaselineMAPE(history []float64) float64 {
	testLen := len(history) / 5
	if testLen < 5 {
		testLen = 5
	}

	best := math.Inf(1)
	for _, f := range baselineForecasters {
		if loss := walkForwardMAPE(f, nil, history, testLen); loss < best {
			best = loss
		}
	}
	return best
}

// BaselineRMSEs returns the walk-forward RMSE of each naive forecaster
// on the same held-out tail the bots are scored on.
func BaselineRMSEs(history []float64) map[string]float64 {
	testLen := len(history) / 5
	if testLen < 5 {
		testLen = 5
	}

	out := make(map[string]float64, len(baselineForecasters))
	for name, f := range baselineForecasters {
		_, rmse, _ := walkForwardScores(f, nil, history, testLen)
		out[name] = rmse
	}
	return out
}
