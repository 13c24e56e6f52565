// Package predict runs the prediction fan-out: one window load, parallel
// bot invocations under a wall-clock budget, the gate pipeline, and a
// confidence-weighted merge. Every run persists a full audit record,
// including runs where no bot survives.
package predict

import (
	"context"
	"sort"
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

// AuditStore persists prediction records; satisfied by database.Repository.
type AuditStore interface {
	InsertPrediction(ctx context.Context, p *database.PredictionRecord) error
}

// Request asks for one forecast.
type Request struct {
	Symbol         string
	Timeframe      market.Timeframe
	HorizonMinutes int
	SelectedBots   []string
	UseCache       bool
}

// Prediction is the merged forecast returned to callers.
type Prediction struct {
	ID          string                   `json:"id"`
	Symbol      string                   `json:"symbol"`
	Timeframe   market.Timeframe         `json:"timeframe"`
	GeneratedAt time.Time                `json:"generated_at"`
	Series      []database.ForecastPoint `json:"series,omitempty"`
	Confidence  float64                  `json:"confidence"`
	Status      string                   `json:"status"`
	BotsUsed    []string                 `json:"bots_used"`
	Limits      validation.Limits        `json:"limits"`
	Flags       []database.ValidationFlag `json:"validation_flags,omitempty"`
}

// Orchestrator coordinates the bot fan-out.
type Orchestrator struct {
	loader    WindowSource
	registry  *bot.Registry
	validator *validation.Validator
	store     AuditStore
	bus       *events.EventBus
	cfg       config.PredictConfig

	now func() time.Time
	log *logging.Logger
}

func NewOrchestrator(loader WindowSource, registry *bot.Registry, v *validation.Validator, store AuditStore, bus *events.EventBus, cfg config.PredictConfig) *Orchestrator {
	return &Orchestrator{
		loader:    loader,
		registry:  registry,
		validator: v,
		store:     store,
		bus:       bus,
		cfg:       cfg,
		now:       time.Now,
		log:       logging.WithComponent("predict"),
	}
}

// botRun is one bot's outcome after the gate pipeline.
type botRun struct {
	idx      int
	output   database.BotOutput
	flags    []database.ValidationFlag
	series   []database.ForecastPoint
	conf     float64
	survived bool
}

// Predict runs the fan-out and returns the merged forecast. When every
// bot is rejected the audit record is still persisted and the error kind
// is no_valid_prediction.
func (o *Orchestrator) Predict(ctx context.Context, req Request) (*Prediction, error) {
	if req.Symbol == "" || !req.Timeframe.Valid() {
		return nil, errs.New(errs.KindValidationFailed, "symbol and a supported timeframe are required")
	}
	steps := req.HorizonMinutes / int(req.Timeframe.Duration().Minutes())
	if steps < 1 {
		return nil, errs.Newf(errs.KindValidationFailed, "horizon %dm is below one %s step", req.HorizonMinutes, req.Timeframe)
	}

	selected := req.SelectedBots
	if len(selected) == 0 {
		selected = o.registry.Names()
	}

	bots := make([]bot.Bot, 0, len(selected))
	minCandles := 0
	for _, name := range selected {
		b, err := o.registry.Get(name)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
		if b.MinCandles() > minCandles {
			minCandles = b.MinCandles()
		}
	}

	now := o.now()
	log := logging.PredictionLogger(req.Symbol, string(req.Timeframe), req.HorizonMinutes)

	lookback := time.Duration(o.cfg.LookbackDays) * 24 * time.Hour
	win, err := o.loader.Load(ctx, window.Request{
		Symbol:      req.Symbol,
		Timeframe:   req.Timeframe,
		From:        now.Add(-lookback),
		To:          now,
		MinCandles:  minCandles,
		BypassCache: !req.UseCache,
	})
	if err != nil {
		return nil, err
	}

	if flags := o.validator.ValidateWindow(win, now); len(flags) > 0 {
		return nil, errs.WithDetail(
			errs.New(errs.KindValidationFailed, "candle window failed the schema gate"),
			flagString(flags),
		)
	}

	last, _ := win.Last()
	reference := last.Close

	runs := o.fanOut(ctx, bots, win, steps, reference, log)

	merged, survivors := o.merge(runs, steps)
	merged = alignToProducedAt(merged, now.UTC(), req.Timeframe.Duration())
	record := o.buildRecord(req, now, runs, merged, survivors, reference)
	record.FeatureSnapshot = snapshotFeatures(win)

	if err := o.store.InsertPrediction(ctx, record); err != nil {
		log.Error("prediction audit persist failed", "error", err)
		return nil, errs.Wrap(errs.KindInternal, "persist prediction", err)
	}

	pred := &Prediction{
		ID:          record.ID,
		Symbol:      record.Symbol,
		Timeframe:   record.Timeframe,
		GeneratedAt: record.GeneratedAt,
		Series:      record.MergedSeries,
		Confidence:  record.Confidence,
		Status:      record.Status,
		BotsUsed:    survivors,
		Limits:      o.validator.Limits(),
		Flags:       record.ValidationFlags,
	}

	if o.bus != nil {
		o.bus.PublishPredictionUpdate(record.Symbol, string(record.Timeframe), pred)
	}

	if record.Status == database.PredictionStatusNoValid {
		log.Warn("all bots rejected", "bots", len(bots), "flags", len(record.ValidationFlags))
		return pred, errs.WithDetail(
			errs.New(errs.KindNoValidPrediction, "every bot output was rejected"),
			record.ID,
		)
	}

	log.Info("prediction merged", "survivors", len(survivors), "confidence", record.Confidence)
	return pred, nil
}

// fanOut invokes the bots in parallel, bounded by the worker pool size,
// each under its own wall-clock budget.
func (o *Orchestrator) fanOut(ctx context.Context, bots []bot.Bot, win market.Slice, steps int, reference float64, log *logging.Logger) []botRun {
	pool := o.cfg.WorkerPoolSize
	if pool < 1 {
		pool = 4
	}
	budget := time.Duration(o.cfg.BotTimeoutSecs) * time.Second
	if budget <= 0 {
		budget = 10 * time.Second
	}

	sem := make(chan struct{}, pool)
	results := make([]botRun, len(bots))
	var wg sync.WaitGroup

	for i, b := range bots {
		wg.Add(1)
		go func(idx int, b bot.Bot) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = o.runBot(ctx, b, idx, win, steps, reference, budget)
		}(i, b)
	}
	wg.Wait()

	for _, r := range results {
		if !r.survived && len(r.flags) > 0 {
			log.Debug("bot dropped", "bot", r.output.Bot, "reason", r.flags[0].Code)
		}
	}
	return results
}

func (o *Orchestrator) runBot(ctx context.Context, b bot.Bot, idx int, win market.Slice, steps int, reference float64, budget time.Duration) botRun {
	run := botRun{idx: idx, output: database.BotOutput{Bot: b.Name()}}

	botCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	started := time.Now()
	series, conf, err := b.Predict(botCtx, win, steps)
	run.output.ElapsedMS = time.Since(started).Milliseconds()
	run.output.Series = series
	run.output.Confidence = conf

	if err != nil {
		code := validation.ReasonBotError
		if botCtx.Err() == context.DeadlineExceeded {
			code = validation.ReasonTimedOut
		}
		run.output.Error = err.Error()
		run.flags = []database.ValidationFlag{{Bot: b.Name(), Code: code, Detail: err.Error()}}
		return run
	}

	// Sanity gate. Structural failures drop the bot; drift failures are
	// clamped by the sanitize pass and noted in the flags.
	sanityFlags := o.validator.ValidateSeries(series, reference)
	needsClamp := false
	for _, f := range sanityFlags {
		run.flags = append(run.flags, database.ValidationFlag{Bot: b.Name(), Code: f.Code, Detail: f.Detail})
		switch f.Code {
		case validation.ReasonStepDriftExceeded, validation.ReasonTotalDriftExceeded:
			needsClamp = true
		default:
			return run
		}
	}

	clean := series
	if needsClamp {
		clean, _ = o.validator.Sanitize(series, reference)
	}

	if envFlags := o.validator.ValidateEnvelope(clean, reference); len(envFlags) > 0 {
		for _, f := range envFlags {
			run.flags = append(run.flags, database.ValidationFlag{Bot: b.Name(), Code: f.Code, Detail: f.Detail})
		}
		return run
	}

	run.series = clean
	run.conf = conf
	run.survived = true
	return run
}

// merge combines surviving series per step, weighted by confidence. The
// selection order breaks ties when every weight is zero.
func (o *Orchestrator) merge(runs []botRun, steps int) ([]database.ForecastPoint, []string) {
	var survivors []botRun
	for _, r := range runs {
		if r.survived && len(r.series) > 0 {
			survivors = append(survivors, r)
		}
	}
	if len(survivors) == 0 {
		return nil, nil
	}
	sort.Slice(survivors, func(i, j int) bool { return survivors[i].idx < survivors[j].idx })

	var totalWeight float64
	for _, s := range survivors {
		totalWeight += s.conf
	}

	merged := make([]database.ForecastPoint, 0, steps)
	for step := 0; step < steps; step++ {
		var weightedSum, weightSum, confSum float64
		var ts time.Time
		for _, s := range survivors {
			if step >= len(s.series) {
				continue
			}
			w := s.conf
			if totalWeight == 0 {
				w = 1
			}
			weightedSum += s.series[step].Price * w
			confSum += s.conf * w
			weightSum += w
			if ts.IsZero() {
				ts = s.series[step].TS
			}
		}
		if weightSum == 0 {
			break
		}
		merged = append(merged, database.ForecastPoint{
			TS:         ts,
			Price:      weightedSum / weightSum,
			Confidence: confSum / weightSum,
		})
	}

	names := make([]string, len(survivors))
	for i, s := range survivors {
		names[i] = s.output.Bot
	}
	return merged, names
}

func (o *Orchestrator) buildRecord(req Request, now time.Time, runs []botRun, merged []database.ForecastPoint, survivors []string, reference float64) *database.PredictionRecord {
	record := &database.PredictionRecord{
		ID:               uuid.New().String(),
		Symbol:           req.Symbol,
		Timeframe:        req.Timeframe,
		HorizonMinutes:   req.HorizonMinutes,
		GeneratedAt:      now.UTC(),
		MergedSeries:     merged,
		ReferencePrice:   reference,
		Status:           database.PredictionStatusOK,
		BotContributions: make(map[string]database.BotContribution, len(runs)),
	}

	var confSum, weightSum float64
	for _, r := range runs {
		record.BotRawOutputs = append(record.BotRawOutputs, r.output)
		record.ValidationFlags = append(record.ValidationFlags, r.flags...)
		if r.survived {
			confSum += r.conf * r.conf
			weightSum += r.conf
		}
	}
	for _, r := range runs {
		contrib := database.BotContribution{
			Confidence: r.output.Confidence,
			Accepted:   r.survived,
		}
		if r.survived {
			if weightSum > 0 {
				contrib.Weight = r.conf / weightSum
			} else if len(survivors) > 0 {
				contrib.Weight = 1 / float64(len(survivors))
			}
		}
		record.BotContributions[r.output.Bot] = contrib
	}
	if record.BotRawOutputs == nil {
		record.BotRawOutputs = []database.BotOutput{}
	}
	if record.ValidationFlags == nil {
		record.ValidationFlags = []database.ValidationFlag{}
	}

	if len(survivors) == 0 {
		record.Status = database.PredictionStatusNoValid
		return record
	}

	// Overall confidence: weighted mean of survivor confidences, scaled
	// by the survivor ratio.
	meanConf := 0.0
	if weightSum > 0 {
		meanConf = confSum / weightSum
	}
	record.Confidence = meanConf * float64(len(survivors)) / float64(len(runs))
	return record
}

// alignToProducedAt shifts a series forward by whole steps so the first
// point does not precede the production time. Bots project from the last
// window candle, which on a stale window sits behind now.
func alignToProducedAt(series []database.ForecastPoint, producedAt time.Time, step time.Duration) []database.ForecastPoint {
	if len(series) == 0 || step <= 0 || !series[0].TS.Before(producedAt) {
		return series
	}
	lag := producedAt.Sub(series[0].TS)
	n := int64(lag / step)
	if lag%step != 0 {
		n++
	}
	shift := time.Duration(n) * step
	out := make([]database.ForecastPoint, len(series))
	for i, p := range series {
		p.TS = p.TS.Add(shift)
		out[i] = p
	}
	return out
}

func flagString(flags []validation.Flag) string {
	if len(flags) == 0 {
		return ""
	}
	out := flags[0].String()
	for _, f := range flags[1:] {
		out += "; " + f.String()
	}
	return out
}
