// Package training runs model training jobs on a single background
// worker with FIFO order, duplicate suppression, and the control verbs
// pause, resume, stop and force-stop.
package training

import (
	"context"
	"fmt"
	"sync"
	"time"

	"market-forecast-service/config"
	"market-forecast-service/internal/bot"
	"market-forecast-service/internal/database"
	"market-forecast-service/internal/errs"
	"market-forecast-service/internal/events"
	"market-forecast-service/internal/logging"
	"market-forecast-service/internal/market"
	"market-forecast-service/internal/validation"
	"market-forecast-service/internal/window"

	"github.com/google/uuid"
)

// WindowSource loads candle windows; satisfied by window.Loader.
type WindowSource interface {
	Load(ctx context.Context, req window.Request) (market.Slice, error)
}

// Store persists training records; satisfied by database.Repository.
type Store interface {
	CreateTraining(ctx context.Context, tr *database.TrainingRecord) error
	UpdateTrainingStatus(ctx context.Context, id, status, errorMessage string) error
	CompleteTraining(ctx context.Context, id string, metrics *database.TrainingMetrics, artifactPath string) error
	GetRecentErrors(ctx context.Context, bot, symbol string, tf market.Timeframe, since time.Time) ([]database.ForecastError, error)
}

// Job is one queued training request.
type Job struct {
	Record *database.TrainingRecord
}

func jobKey(botName, symbol string, tf market.Timeframe) string {
	return botName + "|" + symbol + "|" + string(tf)
}

// Status is the queue snapshot returned by Status().
type Status struct {
	IsRunning      bool                     `json:"is_running"`
	IsPaused       bool                     `json:"is_paused"`
	Current        *database.TrainingRecord `json:"current,omitempty"`
	QueueLength    int                      `json:"queue_length"`
	CompletedCount int                      `json:"completed_count"`
	FailedCount    int                      `json:"failed_count"`
}

// Queue is the single-worker training scheduler.
type Queue struct {
	loader    WindowSource
	registry  *bot.Registry
	validator *validation.Validator
	store     Store
	bus       *events.EventBus
	cfg       config.TrainingConfig

	mu        sync.Mutex
	pending   []*Job
	inQueue   map[string]bool
	current   *database.TrainingRecord
	cancelRun context.CancelFunc
	paused    bool
	stopping  bool
	completed int
	failed    int

	wake chan struct{}
	done chan struct{}
	log  *logging.Logger

	now func() time.Time
}

func NewQueue(loader WindowSource, registry *bot.Registry, v *validation.Validator, store Store, bus *events.EventBus, cfg config.TrainingConfig) *Queue {
	return &Queue{
		loader:    loader,
		registry:  registry,
		validator: v,
		store:     store,
		bus:       bus,
		cfg:       cfg,
		inQueue:   make(map[string]bool),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		log:       logging.WithComponent("training"),
		now:       time.Now,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)
	q.log.Info("training worker started")

	for {
		select {
		case <-ctx.Done():
			q.log.Info("training worker stopped")
			return
		case <-q.wake:
		}

		for {
			job := q.nextJob()
			if job == nil {
				break
			}
			q.process(ctx, job)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (q *Queue) nextJob() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || q.stopping || len(q.pending) == 0 {
		return nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	q.current = job.Record
	return job
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue admits one training job. A duplicate (bot, symbol, timeframe)
// already queued or running is rejected with duplicate_job.
func (q *Queue) Enqueue(ctx context.Context, botName, symbol string, tf market.Timeframe, hp database.Hyperparams) (*database.TrainingRecord, error) {
	if _, err := q.registry.Get(botName); err != nil {
		return nil, err
	}
	if symbol == "" || !tf.Valid() {
		return nil, errs.New(errs.KindValidationFailed, "symbol and a supported timeframe are required")
	}
	if hp.Epochs <= 0 {
		hp.Epochs = q.cfg.DefaultEpochs
	}
	if hp.BatchSize <= 0 {
		hp.BatchSize = q.cfg.DefaultBatchSize
	}

	key := jobKey(botName, symbol, tf)

	q.mu.Lock()
	if q.inQueue[key] {
		q.mu.Unlock()
		return nil, errs.Newf(errs.KindDuplicateJob, "training already queued or running for %s %s %s", botName, symbol, tf)
	}
	q.inQueue[key] = true
	q.mu.Unlock()

	record := &database.TrainingRecord{
		ID:          uuid.New().String(),
		Bot:         botName,
		Symbol:      symbol,
		Timeframe:   tf,
		Status:      database.TrainingStatusQueued,
		Hyperparams: hp,
		QueuedAt:    q.now().UTC(),
	}
	if err := q.store.CreateTraining(ctx, record); err != nil {
		q.mu.Lock()
		delete(q.inQueue, key)
		q.mu.Unlock()
		return nil, errs.Wrap(errs.KindInternal, "persist training record", err)
	}

	q.mu.Lock()
	q.pending = append(q.pending, &Job{Record: record})
	q.mu.Unlock()

	q.publishStatus(record)
	q.signal()
	return record, nil
}

// StartAuto expands the cross product and enqueues every combination,
// counting duplicates instead of failing on them.
func (q *Queue) StartAuto(ctx context.Context, symbols []string, timeframes []market.Timeframe, botNames []string, hp database.Hyperparams) (admitted, duplicates int, err error) {
	if len(botNames) == 0 {
		botNames = q.registry.Names()
	}
	for _, symbol := range symbols {
		for _, tf := range timeframes {
			for _, botName := range botNames {
				_, enqErr := q.Enqueue(ctx, botName, symbol, tf, hp)
				switch {
				case enqErr == nil:
					admitted++
				case errs.IsKind(enqErr, errs.KindDuplicateJob):
					duplicates++
				default:
					return admitted, duplicates, enqErr
				}
			}
		}
	}
	return admitted, duplicates, nil
}

// Pause keeps the current job running but starts no new ones.
func (q *Queue) Pause() Status {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.log.Info("training queue paused")
	return q.Status()
}

// Resume lets the worker pick jobs again.
func (q *Queue) Resume() Status {
	q.mu.Lock()
	q.paused = false
	q.stopping = false
	q.mu.Unlock()
	q.signal()
	q.log.Info("training queue resumed")
	return q.Status()
}

// Stop lets the in-flight job finish, then discards the pending queue.
func (q *Queue) Stop() Status {
	q.mu.Lock()
	q.stopping = true
	dropped := q.pending
	q.pending = nil
	for _, job := range dropped {
		delete(q.inQueue, jobKey(job.Record.Bot, job.Record.Symbol, job.Record.Timeframe))
	}
	q.mu.Unlock()

	for _, job := range dropped {
		if err := q.store.UpdateTrainingStatus(context.Background(), job.Record.ID, database.TrainingStatusFailed, "queue stopped"); err != nil {
			q.log.Warn("failed to mark dropped job failed", "id", job.Record.ID, "error", err)
		}
	}
	q.log.Info("training queue stopping", "dropped", len(dropped))
	return q.Status()
}

// ForceStop cancels the running job's context in addition to Stop. The
// worker finalizes the record as failed with error message forced_cancel,
// abandoning the bot if it does not return within the cancel timeout.
func (q *Queue) ForceStop() Status {
	st := q.Stop()

	q.mu.Lock()
	cancel := q.cancelRun
	q.mu.Unlock()
	if cancel != nil {
		q.log.Warn("force-stopping running training job")
		cancel()
	}
	return st
}

// Status returns the queue snapshot.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		IsRunning:      q.current != nil,
		IsPaused:       q.paused,
		Current:        q.current,
		QueueLength:    len(q.pending),
		CompletedCount: q.completed,
		FailedCount:    q.failed,
	}
}

func (q *Queue) publishStatus(record *database.TrainingRecord) {
	if q.bus != nil {
		q.bus.PublishTrainingStatus(record)
	}
}

func (q *Queue) publishProgress(record *database.TrainingRecord, epoch, total int, loss float64) {
	if q.bus == nil {
		return
	}
	percent := 0.0
	if total > 0 {
		percent = float64(epoch) / float64(total) * 100
	}
	q.bus.PublishTrainingProgress(map[string]interface{}{
		"training_id":      record.ID,
		"bot_name":         record.Bot,
		"symbol":           record.Symbol,
		"timeframe":        string(record.Timeframe),
		"status":           database.TrainingStatusRunning,
		"batch":            epoch,
		"total_batches":    total,
		"progress_percent": percent,
		"message":          fmt.Sprintf("epoch %d/%d loss %.4f", epoch, total, loss),
	})
}
