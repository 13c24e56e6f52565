package bot

import (
	"math"
	"time"

	"market-forecast-service/internal/database"
	"market-forecast-service/internal/market"
)

func closes(window market.Slice) []float64 {
	out := make([]float64, len(window))
	for i, c := range window {
		out[i] = c.Close
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

// pctReturns computes consecutive close-to-close returns.
func pctReturns(xs []float64) []float64 {
	if len(xs) < 2 {
		return nil
	}
	out := make([]float64, 0, len(xs)-1)
	for i := 1; i < len(xs); i++ {
		if xs[i-1] == 0 {
			continue
		}
		out = append(out, (xs[i]-xs[i-1])/xs[i-1])
	}
	return out
}

// linearFit returns slope, intercept and r² of a least-squares line over
// xs indexed 0..n-1.
func linearFit(xs []float64) (slope, intercept, r2 float64) {
	n := float64(len(xs))
	if n < 2 {
		return 0, mean(xs), 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range xs {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssTot, ssRes float64
	for i, y := range xs {
		fit := slope*float64(i) + intercept
		ssTot += (y - meanY) * (y - meanY)
		ssRes += (y - fit) * (y - fit)
	}
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}
	return slope, intercept, r2
}

// toPoints attaches future candle boundaries to projected closes. The
// series continues from the last window candle on the timeframe grid.
func toPoints(window market.Slice, projected []float64) []database.ForecastPoint {
	last, ok := window.Last()
	if !ok {
		return nil
	}
	step := last.Timeframe.Duration()
	out := make([]database.ForecastPoint, len(projected))
	for i, v := range projected {
		out[i] = database.ForecastPoint{
			TS:    last.StartTS.Add(time.Duration(i+1) * step),
			Price: v,
		}
	}
	return out
}
