package training

import (
	"context"
	"sync"
	"testing"
	"time"

	"market-forecast-service/config"
	"market-forecast-service/internal/bot"
	"market-forecast-service/internal/database"
	"market-forecast-service/internal/errs"
	"market-forecast-service/internal/events"
	"market-forecast-service/internal/market"
	"market-forecast-service/internal/validation"
	"market-forecast-service/internal/window"
)

type memStore struct {
	mu       sync.Mutex
	statuses map[string][]string
	messages map[string]string
	complete map[string]*database.TrainingMetrics
}

func newMemStore() *memStore {
	return &memStore{
		statuses: make(map[string][]string),
		messages: make(map[string]string),
		complete: make(map[string]*database.TrainingMetrics),
	}
}

func (s *memStore) CreateTraining(_ context.Context, tr *database.TrainingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[tr.ID] = []string{tr.Status}
	return nil
}

func (s *memStore) UpdateTrainingStatus(_ context.Context, id, status, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = append(s.statuses[id], status)
	s.messages[id] = msg
	return nil
}

func (s *memStore) CompleteTraining(_ context.Context, id string, metrics *database.TrainingMetrics, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = append(s.statuses[id], database.TrainingStatusCompleted)
	s.complete[id] = metrics
	return nil
}

func (s *memStore) GetRecentErrors(_ context.Context, _, _ string, _ market.Timeframe, _ time.Time) ([]database.ForecastError, error) {
	return nil, nil
}

func (s *memStore) lastStatus(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.statuses[id]
	if len(hist) == 0 {
		return ""
	}
	return hist[len(hist)-1]
}

func (s *memStore) lastMessage(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

type trainLoader struct{ window market.Slice }

func (l *trainLoader) Load(_ context.Context, _ window.Request) (market.Slice, error) {
	return l.window, nil
}

// trainBot's Train behavior is scripted per test.
type trainBot struct {
	name    string
	train   func(ctx context.Context, progress bot.ProgressFunc) (*database.TrainingMetrics, string, error)
	started chan struct{}
	once    sync.Once
}

func (b *trainBot) Name() string    { return b.name }
func (b *trainBot) MinCandles() int { return 5 }

func (b *trainBot) Predict(_ context.Context, _ market.Slice, _ int) ([]database.ForecastPoint, float64, error) {
	return nil, 0, errs.New(errs.KindInternal, "not used")
}

func (b *trainBot) Train(ctx context.Context, _ market.Slice, _ database.Hyperparams, progress bot.ProgressFunc) (*database.TrainingMetrics, string, error) {
	if b.started != nil {
		b.once.Do(func() { close(b.started) })
	}
	return b.train(ctx, progress)
}

func quickMetrics() *database.TrainingMetrics {
	return &database.TrainingMetrics{MAPE: 1.5, BaselineMAPE: 2.0, BeatsBaseline: true, EpochsCompleted: 3}
}

func trainTestWindow() market.Slice {
	start := time.Date(2026, 8, 20, 4, 0, 0, 0, time.UTC)
	var out market.Slice
	for i := 0; i < 60; i++ {
		out = append(out, market.Candle{
			Symbol: "ACME", Timeframe: market.Timeframe5m,
			StartTS: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:    100, High: 101, Low: 99, Close: 100, Volume: 10,
			Provenance: market.ProvenanceDB,
		})
	}
	return out
}

func newTestQueue(store Store, bots ...bot.Bot) *Queue {
	reg := bot.NewRegistry()
	for _, b := range bots {
		reg.Register(b)
	}
	v := validation.New(config.ValidationConfig{StepMax: 8, TotalMax: 20, EnvelopeStepMax: 6, EnvelopeTotal: 12, MinCandles: 5})
	return NewQueue(&trainLoader{window: trainTestWindow()}, reg, v, store, events.NewEventBus(), config.TrainingConfig{
		DefaultEpochs: 5, DefaultBatchSize: 32, CancelTimeoutSecs: 1,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEnqueueDuplicateSuppressed(t *testing.T) {
	store := newMemStore()
	blocker := make(chan struct{})
	b := &trainBot{name: "momentum", train: func(ctx context.Context, _ bot.ProgressFunc) (*database.TrainingMetrics, string, error) {
		<-blocker
		return quickMetrics(), "m.json", nil
	}}
	q := newTestQueue(store, b)
	defer close(blocker)

	first, err := q.Enqueue(context.Background(), "momentum", "ACME", market.Timeframe5m, database.Hyperparams{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != database.TrainingStatusQueued {
		t.Errorf("status = %s", first.Status)
	}

	if _, err := q.Enqueue(context.Background(), "momentum", "ACME", market.Timeframe5m, database.Hyperparams{}); !errs.IsKind(err, errs.KindDuplicateJob) {
		t.Fatalf("expected duplicate_job, got %v", err)
	}

	// A different tuple is fine.
	if _, err := q.Enqueue(context.Background(), "momentum", "ACME", market.Timeframe15m, database.Hyperparams{}); err != nil {
		t.Fatalf("different timeframe should enqueue: %v", err)
	}
}

func TestWorkerCompletesJob(t *testing.T) {
	store := newMemStore()
	b := &trainBot{name: "momentum", train: func(ctx context.Context, progress bot.ProgressFunc) (*database.TrainingMetrics, string, error) {
		if progress != nil {
			progress(1, 3, 2.0)
		}
		return quickMetrics(), "m.json", nil
	}}
	q := newTestQueue(store, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	rec, err := q.Enqueue(context.Background(), "momentum", "ACME", market.Timeframe5m, database.Hyperparams{})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return store.lastStatus(rec.ID) == database.TrainingStatusCompleted
	})

	st := q.Status()
	if st.CompletedCount != 1 || st.FailedCount != 0 {
		t.Errorf("status = %+v", st)
	}

	// Tuple is free again after completion.
	if _, err := q.Enqueue(context.Background(), "momentum", "ACME", market.Timeframe5m, database.Hyperparams{}); err != nil {
		t.Errorf("re-enqueue after completion should work: %v", err)
	}
}

func TestJobFailureDoesNotStallQueue(t *testing.T) {
	store := newMemStore()
	bad := &trainBot{name: "bad", train: func(ctx context.Context, _ bot.ProgressFunc) (*database.TrainingMetrics, string, error) {
		return nil, "", errs.New(errs.KindTrainingFailed, "loss diverged")
	}}
	good := &trainBot{name: "good", train: func(ctx context.Context, _ bot.ProgressFunc) (*database.TrainingMetrics, string, error) {
		return quickMetrics(), "m.json", nil
	}}
	q := newTestQueue(store, bad, good)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	badRec, _ := q.Enqueue(context.Background(), "bad", "ACME", market.Timeframe5m, database.Hyperparams{})
	goodRec, _ := q.Enqueue(context.Background(), "good", "ACME", market.Timeframe5m, database.Hyperparams{})

	waitFor(t, 2*time.Second, func() bool {
		return store.lastStatus(goodRec.ID) == database.TrainingStatusCompleted
	})
	if store.lastStatus(badRec.ID) != database.TrainingStatusFailed {
		t.Errorf("bad job status = %s", store.lastStatus(badRec.ID))
	}
	if st := q.Status(); st.FailedCount != 1 || st.CompletedCount != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestPauseAndResume(t *testing.T) {
	store := newMemStore()
	b := &trainBot{name: "momentum", train: func(ctx context.Context, _ bot.ProgressFunc) (*database.TrainingMetrics, string, error) {
		return quickMetrics(), "m.json", nil
	}}
	q := newTestQueue(store, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	if st := q.Pause(); !st.IsPaused {
		t.Fatal("queue should report paused")
	}

	rec, _ := q.Enqueue(context.Background(), "momentum", "ACME", market.Timeframe5m, database.Hyperparams{})
	time.Sleep(100 * time.Millisecond)
	if got := store.lastStatus(rec.ID); got != database.TrainingStatusQueued {
		t.Fatalf("paused queue ran a job: %s", got)
	}

	q.Resume()
	waitFor(t, 2*time.Second, func() bool {
		return store.lastStatus(rec.ID) == database.TrainingStatusCompleted
	})
}

func TestForceStopCooperativeBot(t *testing.T) {
	store := newMemStore()
	started := make(chan struct{})
	b := &trainBot{name: "momentum", started: started, train: func(ctx context.Context, _ bot.ProgressFunc) (*database.TrainingMetrics, string, error) {
		<-ctx.Done()
		return nil, "", errs.Wrap(errs.KindCancelled, "training cancelled", ctx.Err())
	}}
	q := newTestQueue(store, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	rec, _ := q.Enqueue(context.Background(), "momentum", "ACME", market.Timeframe5m, database.Hyperparams{})
	<-started

	q.ForceStop()
	waitFor(t, 2*time.Second, func() bool {
		return store.lastStatus(rec.ID) == database.TrainingStatusFailed
	})
	if msg := store.lastMessage(rec.ID); msg != "forced_cancel" {
		t.Errorf("error message = %q, want forced_cancel", msg)
	}
}

func TestForceStopAbandonsStuckBot(t *testing.T) {
	store := newMemStore()
	started := make(chan struct{})
	never := make(chan struct{})
	defer close(never)
	b := &trainBot{name: "momentum", started: started, train: func(ctx context.Context, _ bot.ProgressFunc) (*database.TrainingMetrics, string, error) {
		<-never // ignores cancellation
		return nil, "", nil
	}}
	q := newTestQueue(store, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	rec, _ := q.Enqueue(context.Background(), "momentum", "ACME", market.Timeframe5m, database.Hyperparams{})
	<-started

	q.ForceStop()
	// CancelTimeoutSecs is 1; the worker abandons the bot after that.
	waitFor(t, 3*time.Second, func() bool {
		return store.lastStatus(rec.ID) == database.TrainingStatusFailed
	})
	if msg := store.lastMessage(rec.ID); msg != "forced_cancel" {
		t.Errorf("error message = %q, want forced_cancel", msg)
	}
}

func TestEpochBudgetBoundsStuckRun(t *testing.T) {
	store := newMemStore()
	b := &trainBot{name: "momentum", train: func(ctx context.Context, _ bot.ProgressFunc) (*database.TrainingMetrics, string, error) {
		<-ctx.Done()
		return nil, "", errs.Wrap(errs.KindCancelled, "training cancelled", ctx.Err())
	}}
	reg := bot.NewRegistry()
	reg.Register(b)
	v := validation.New(config.ValidationConfig{StepMax: 8, TotalMax: 20, EnvelopeStepMax: 6, EnvelopeTotal: 12, MinCandles: 5})
	q := NewQueue(&trainLoader{window: trainTestWindow()}, reg, v, store, events.NewEventBus(), config.TrainingConfig{
		DefaultEpochs: 1, DefaultBatchSize: 32, EpochBudgetSecs: 1, CancelTimeoutSecs: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	rec, err := q.Enqueue(context.Background(), "momentum", "ACME", market.Timeframe5m, database.Hyperparams{Epochs: 1})
	if err != nil {
		t.Fatal(err)
	}

	// 1 epoch at a 1 second budget: the run deadline fires on its own.
	waitFor(t, 4*time.Second, func() bool {
		return store.lastStatus(rec.ID) == database.TrainingStatusFailed
	})
	if msg := store.lastMessage(rec.ID); msg != "epoch budget exceeded" {
		t.Errorf("error message = %q, want epoch budget exceeded", msg)
	}
}

func TestProgressEventsGatedByInterval(t *testing.T) {
	store := newMemStore()
	b := &trainBot{name: "momentum", train: func(_ context.Context, progress bot.ProgressFunc) (*database.TrainingMetrics, string, error) {
		for epoch := 1; epoch <= 5; epoch++ {
			progress(epoch, 5, 2.0)
		}
		return quickMetrics(), "m.json", nil
	}}
	reg := bot.NewRegistry()
	reg.Register(b)
	v := validation.New(config.ValidationConfig{StepMax: 8, TotalMax: 20, EnvelopeStepMax: 6, EnvelopeTotal: 12, MinCandles: 5})

	bus := events.NewEventBus()
	var mu sync.Mutex
	var batches []int
	bus.Subscribe(events.EventTrainingProgress, func(e events.Event) {
		mu.Lock()
		batches = append(batches, e.Data["batch"].(int))
		mu.Unlock()
	})

	q := NewQueue(&trainLoader{window: trainTestWindow()}, reg, v, store, bus, config.TrainingConfig{
		DefaultEpochs: 5, DefaultBatchSize: 32, CancelTimeoutSecs: 1, ProgressEveryBatch: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	rec, err := q.Enqueue(context.Background(), "momentum", "ACME", market.Timeframe5m, database.Hyperparams{})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return store.lastStatus(rec.ID) == database.TrainingStatusCompleted
	})

	// Every 2nd epoch plus the final one: 2, 4, 5.
	mu.Lock()
	defer mu.Unlock()
	want := []int{2, 4, 5}
	if len(batches) != len(want) {
		t.Fatalf("progress events = %v, want %v", batches, want)
	}
	for i := range want {
		if batches[i] != want[i] {
			t.Fatalf("progress events = %v, want %v", batches, want)
		}
	}
}

func TestStartAutoCountsDuplicates(t *testing.T) {
	store := newMemStore()
	blocker := make(chan struct{})
	defer close(blocker)
	b := &trainBot{name: "momentum", train: func(ctx context.Context, _ bot.ProgressFunc) (*database.TrainingMetrics, string, error) {
		<-blocker
		return quickMetrics(), "m.json", nil
	}}
	q := newTestQueue(store, b)

	admitted, duplicates, err := q.StartAuto(context.Background(),
		[]string{"ACME", "GLOBEX"},
		[]market.Timeframe{market.Timeframe5m, market.Timeframe15m},
		nil, database.Hyperparams{})
	if err != nil {
		t.Fatal(err)
	}
	if admitted != 4 || duplicates != 0 {
		t.Fatalf("admitted=%d duplicates=%d", admitted, duplicates)
	}

	admitted, duplicates, err = q.StartAuto(context.Background(),
		[]string{"ACME"},
		[]market.Timeframe{market.Timeframe5m},
		nil, database.Hyperparams{})
	if err != nil {
		t.Fatal(err)
	}
	if admitted != 0 || duplicates != 1 {
		t.Fatalf("second pass admitted=%d duplicates=%d", admitted, duplicates)
	}
}
