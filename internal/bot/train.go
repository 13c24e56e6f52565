package bot

import (
	"context"
	"math"
	"os"
	"time"

	"market-forecast-service/internal/database"
	"market-forecast-service/internal/errs"
	"market-forecast-service/internal/market"
)

// forecastFunc projects the next steps closes from a close history with
// the given parameter vector.
type forecastFunc func(params map[string]float64, history []float64, steps int) []float64

// walkForwardMAPE scores params by one-step walk-forward prediction over
// the last testLen closes.
func walkForwardMAPE(f forecastFunc, params map[string]float64, history []float64, testLen int) float64 {
	mape, _, _ := walkForwardScores(f, params, history, testLen)
	return mape
}

// walkForwardScores runs the one-step walk-forward split once and
// returns MAPE (percent), RMSE and MAE in price units.
func walkForwardScores(f forecastFunc, params map[string]float64, history []float64, testLen int) (mape, rmse, mae float64) {
	n := len(history)
	if testLen < 1 || n-testLen < 2 {
		return math.Inf(1), math.Inf(1), math.Inf(1)
	}

	var pctSum, sqSum, absSum float64
	var count int
	for i := n - testLen; i < n; i++ {
		pred := f(params, history[:i], 1)
		if len(pred) == 0 || history[i] == 0 {
			continue
		}
		diff := pred[0] - history[i]
		pctSum += math.Abs(diff) / history[i]
		sqSum += diff * diff
		absSum += math.Abs(diff)
		count++
	}
	if count == 0 {
		return math.Inf(1), math.Inf(1), math.Inf(1)
	}
	mape = pctSum / float64(count) * 100
	rmse = math.Sqrt(sqSum / float64(count))
	mae = absSum / float64(count)
	return mape, rmse, mae
}

// fitParams runs an epoch loop of coordinate search around the candidate
// grid, honoring ctx at epoch boundaries. Returns the best params and
// their walk-forward MAPE.
func fitParams(ctx context.Context, f forecastFunc, grid []map[string]float64, history []float64, hp database.Hyperparams, progress ProgressFunc) (map[string]float64, float64, int, error) {
	epochs := hp.Epochs
	if epochs <= 0 {
		epochs = 10
	}
	testLen := len(history) / 5
	if testLen < 5 {
		testLen = 5
	}

	best := grid[0]
	bestLoss := math.Inf(1)
	for _, cand := range grid {
		if loss := walkForwardMAPE(f, cand, history, testLen); loss < bestLoss {
			bestLoss, best = loss, cand
		}
	}

	scale := 0.5
	completed := 0
	for epoch := 1; epoch <= epochs; epoch++ {
		select {
		case <-ctx.Done():
			return best, bestLoss, completed, errs.Wrap(errs.KindCancelled, "training cancelled", ctx.Err())
		default:
		}

		for _, neighbor := range neighbors(best, scale) {
			if loss := walkForwardMAPE(f, neighbor, history, testLen); loss < bestLoss {
				bestLoss, best = loss, neighbor
			}
		}
		scale *= 0.7
		completed = epoch

		if progress != nil {
			progress(epoch, epochs, bestLoss)
		}
	}

	return best, bestLoss, completed, nil
}

// neighbors perturbs each parameter up and down by scale.
func neighbors(params map[string]float64, scale float64) []map[string]float64 {
	var out []map[string]float64
	for key, val := range params {
		for _, dir := range []float64{1 + scale, 1 - scale} {
			n := make(map[string]float64, len(params))
			for k, v := range params {
				n[k] = v
			}
			n[key] = val * dir
			out = append(out, n)
		}
	}
	return out
}

// driftScore measures distribution shift between the train and test
// return segments, normalized to [0, 1].
func driftScore(history []float64) float64 {
	rets := pctReturns(history)
	if len(rets) < 10 {
		return 0
	}
	split := len(rets) * 4 / 5
	train, test := rets[:split], rets[split:]

	sd := stddev(train)
	if sd == 0 {
		return 0
	}
	score := math.Abs(mean(test)-mean(train)) / sd
	if score > 1 {
		score = 1
	}
	return score
}

// runTraining is the shared Train implementation for the built-in bots.
func runTraining(ctx context.Context, b interface {
	Name() string
	MinCandles() int
}, f forecastFunc, grid []map[string]float64, modelRoot string, window market.Slice, hp database.Hyperparams, progress ProgressFunc) (*database.TrainingMetrics, string, error) {
	if len(window) < b.MinCandles() {
		return nil, "", errs.Newf(errs.KindInsufficientCoverage, "%s needs %d candles, got %d", b.Name(), b.MinCandles(), len(window))
	}

	started := time.Now()
	history := closes(window)

	params, loss, epochsDone, err := fitParams(ctx, f, grid, history, hp, progress)
	if err != nil {
		return nil, "", err
	}
	if math.IsInf(loss, 1) {
		return nil, "", errs.Newf(errs.KindTrainingFailed, "%s produced no finite loss", b.Name())
	}

	baseline := BaselineMAPE(history)

	testLen := len(history) / 5
	if testLen < 5 {
		testLen = 5
	}
	_, testRMSE, testMAE := walkForwardScores(f, params, history, testLen)

	first := window[0]
	last := window[len(window)-1]
	path, err := saveArtifact(modelRoot, b.Name(), first.Symbol, first.Timeframe, params, loss)
	if err != nil {
		return nil, "", errs.Wrap(errs.KindTrainingFailed, "persist model artifact", err)
	}
	var artifactSize int64
	if info, err := os.Stat(path); err == nil {
		artifactSize = info.Size()
	}

	metrics := &database.TrainingMetrics{
		FinalLoss:      loss,
		ValidationLoss: loss,
		MAPE:           loss,
		BaselineMAPE:   baseline,
		TestRMSE:       testRMSE,
		TestMAE:        testMAE,
		BaselineRMSEs:  BaselineRMSEs(history),
		BeatsBaseline:  loss <= baseline,
		DriftScore:     driftScore(history),
		DataPointsUsed: len(window),
		ModelSizeBytes: artifactSize,
		TrainingPeriod: &database.TrainingPeriod{
			From: first.StartTS,
			To:   last.StartTS,
		},
		EpochsCompleted: epochsDone,
		DurationSecs:    time.Since(started).Seconds(),
	}
	return metrics, path, nil
}
