package predict

import (
	"math"

	"market-forecast-service/internal/market"
)

// snapshotFeatures captures the indicator state the forecast was made
// from. Stored on the prediction record for audit; never merged into the
// forecast itself.
func snapshotFeatures(window market.Slice) map[string]float64 {
	if len(window) == 0 {
		return nil
	}

	closes := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close
	}
	last := closes[len(closes)-1]

	features := map[string]float64{
		"close":      last,
		"sma_20":     sma(closes, 20),
		"ema_20":     ema(closes, 20),
		"rsi_14":     rsi(closes, 14),
		"volatility": returnStddev(closes, 20),
	}
	if len(window) > 0 {
		features["volume"] = window[len(window)-1].Volume
	}
	return features
}

func sma(xs []float64, period int) float64 {
	if len(xs) < period {
		period = len(xs)
	}
	if period == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs[len(xs)-period:] {
		sum += x
	}
	return sum / float64(period)
}

func ema(xs []float64, period int) float64 {
	if len(xs) == 0 {
		return 0
	}
	if len(xs) < period {
		period = len(xs)
	}
	k := 2.0 / (float64(period) + 1)
	val := xs[len(xs)-period]
	for _, x := range xs[len(xs)-period+1:] {
		val = x*k + val*(1-k)
	}
	return val
}

func rsi(xs []float64, period int) float64 {
	if len(xs) < period+1 {
		return 50
	}
	var gains, losses float64
	tail := xs[len(xs)-period-1:]
	for i := 1; i < len(tail); i++ {
		diff := tail[i] - tail[i-1]
		if diff > 0 {
			gains += diff
		} else {
			losses -= diff
		}
	}
	if losses == 0 {
		return 100
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}

func returnStddev(xs []float64, period int) float64 {
	if len(xs) < 3 {
		return 0
	}
	if len(xs) < period+1 {
		period = len(xs) - 1
	}
	tail := xs[len(xs)-period-1:]
	rets := make([]float64, 0, period)
	for i := 1; i < len(tail); i++ {
		if tail[i-1] != 0 {
			rets = append(rets, (tail[i]-tail[i-1])/tail[i-1])
		}
	}
	if len(rets) < 2 {
		return 0
	}
	var m float64
	for _, r := range rets {
		m += r
	}
	m /= float64(len(rets))
	var sum float64
	for _, r := range rets {
		sum += (r - m) * (r - m)
	}
	return math.Sqrt(sum / float64(len(rets)-1))
}
