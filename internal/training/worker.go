package training

import (
	"context"
	"math"
	"time"

	"market-forecast-service/internal/database"
	"market-forecast-service/internal/errs"
	"market-forecast-service/internal/logging"
	"market-forecast-service/internal/window"
)

// process runs one job end to end. Per-job failures finalize the record
// and never stall the worker.
func (q *Queue) process(ctx context.Context, job *Job) {
	record := job.Record
	log := logging.TrainingLogger(record.ID, record.Bot, record.Symbol, string(record.Timeframe))

	defer func() {
		q.mu.Lock()
		q.current = nil
		q.cancelRun = nil
		delete(q.inQueue, jobKey(record.Bot, record.Symbol, record.Timeframe))
		q.mu.Unlock()
	}()

	if err := q.store.UpdateTrainingStatus(ctx, record.ID, database.TrainingStatusRunning, ""); err != nil {
		log.Error("failed to mark job running", "error", err)
	}
	record.Status = database.TrainingStatusRunning
	q.publishStatus(record)

	b, err := q.registry.Get(record.Bot)
	if err != nil {
		q.finalizeFailed(record, "bot no longer registered", log)
		return
	}

	lookback := record.Hyperparams.LookbackDays
	if lookback <= 0 {
		lookback = 60
	}
	now := q.now()
	win, err := q.loader.Load(ctx, window.Request{
		Symbol:     record.Symbol,
		Timeframe:  record.Timeframe,
		From:       now.Add(-time.Duration(lookback) * 24 * time.Hour),
		To:         now,
		MinCandles: b.MinCandles(),
	})
	if err != nil {
		q.finalizeFailed(record, "window load failed: "+err.Error(), log)
		return
	}
	if flags := q.validator.ValidateWindow(win, now); len(flags) > 0 {
		q.finalizeFailed(record, "window failed schema gate: "+flags[0].String(), log)
		return
	}

	// The run deadline is the per-epoch budget times the epoch count, so
	// a bot stuck inside an epoch cannot hold the worker forever.
	runCtx := ctx
	var cancel context.CancelFunc
	if budget := q.runBudget(record.Hyperparams); budget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, budget)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	q.mu.Lock()
	q.cancelRun = cancel
	q.mu.Unlock()
	defer cancel()

	type trainResult struct {
		metrics *database.TrainingMetrics
		path    string
		err     error
	}
	resultCh := make(chan trainResult, 1)

	every := q.cfg.ProgressEveryBatch
	if every < 1 {
		every = 1
	}
	go func() {
		metrics, path, err := b.Train(runCtx, win, record.Hyperparams, func(epoch, total int, loss float64) {
			if epoch%every == 0 || epoch == total {
				q.publishProgress(record, epoch, total, loss)
			}
		})
		resultCh <- trainResult{metrics: metrics, path: path, err: err}
	}()

	cancelTimeout := time.Duration(q.cfg.CancelTimeoutSecs) * time.Second
	if cancelTimeout <= 0 {
		cancelTimeout = 10 * time.Second
	}

	var res trainResult
	select {
	case res = <-resultCh:
	case <-runCtx.Done():
		// Cancelled: give the bot the grace period to return, then
		// abandon it.
		select {
		case res = <-resultCh:
		case <-time.After(cancelTimeout):
			log.Error("bot did not honor cancellation, abandoning job")
			q.finalize(record, database.TrainingStatusFailed, "forced_cancel", log)
			return
		}
	}

	if res.err != nil {
		if errs.IsKind(res.err, errs.KindCancelled) {
			if runCtx.Err() == context.DeadlineExceeded {
				q.finalizeFailed(record, "epoch budget exceeded", log)
				return
			}
			q.finalize(record, database.TrainingStatusFailed, "forced_cancel", log)
			return
		}
		q.finalizeFailed(record, res.err.Error(), log)
		return
	}

	res.metrics.DriftScore = q.driftScore(ctx, record, res.metrics, now)

	if err := q.store.CompleteTraining(ctx, record.ID, res.metrics, res.path); err != nil {
		q.finalizeFailed(record, "persist completed record: "+err.Error(), log)
		return
	}

	q.mu.Lock()
	q.completed++
	q.mu.Unlock()

	record.Status = database.TrainingStatusCompleted
	record.Metrics = res.metrics
	record.ArtifactPath = res.path
	q.publishStatus(record)
	log.Info("training completed",
		"mape", res.metrics.MAPE,
		"baseline", res.metrics.BaselineMAPE,
		"drift", res.metrics.DriftScore,
		"epochs", res.metrics.EpochsCompleted)
}

// runBudget is the whole-run wall clock bound: epochs times the
// per-epoch budget. Zero means no deadline.
func (q *Queue) runBudget(hp database.Hyperparams) time.Duration {
	if q.cfg.EpochBudgetSecs <= 0 {
		return 0
	}
	epochs := hp.Epochs
	if epochs <= 0 {
		epochs = q.cfg.DefaultEpochs
	}
	if epochs <= 0 {
		return 0
	}
	return time.Duration(epochs) * time.Duration(q.cfg.EpochBudgetSecs) * time.Second
}

// driftScore compares the realized rolling error of the last 7 days
// against the fresh training error. A realized error far above training
// is reported as-is, above 1, so the monitor sees the full degradation.
// Falls back to the bot's in-sample drift estimate when no realized
// errors exist yet.
func (q *Queue) driftScore(ctx context.Context, record *database.TrainingRecord, metrics *database.TrainingMetrics, now time.Time) float64 {
	baseline := metrics.TestRMSE
	if baseline <= 0 {
		baseline = metrics.MAPE
	}
	realized, err := q.store.GetRecentErrors(ctx, record.Bot, record.Symbol, record.Timeframe, now.Add(-7*24*time.Hour))
	if err != nil || len(realized) == 0 || baseline <= 0 {
		return metrics.DriftScore
	}

	var sumSq float64
	for _, fe := range realized {
		sumSq += fe.AbsPctError * fe.AbsPctError
	}
	recentRMSE := math.Sqrt(sumSq / float64(len(realized)))

	score := (recentRMSE - baseline) / baseline
	if score < 0 {
		score = 0
	}
	return score
}

func (q *Queue) finalizeFailed(record *database.TrainingRecord, msg string, log *logging.Logger) {
	q.finalize(record, database.TrainingStatusFailed, msg, log)
}

func (q *Queue) finalize(record *database.TrainingRecord, status, msg string, log *logging.Logger) {
	// The run context may already be cancelled; finalization must still
	// be durable.
	if err := q.store.UpdateTrainingStatus(context.Background(), record.ID, status, msg); err != nil {
		log.Error("failed to finalize training record", "status", status, "error", err)
	}

	q.mu.Lock()
	q.failed++
	q.mu.Unlock()

	record.Status = status
	record.ErrorMessage = msg
	q.publishStatus(record)
	log.Warn("training finalized without completion", "status", status, "reason", msg)
}
