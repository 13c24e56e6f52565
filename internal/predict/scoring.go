package predict

import (
	"context"
	"math"
	"time"

	"market-forecast-service/internal/database"
	"market-forecast-service/internal/logging"
	"market-forecast-service/internal/window"
)

// ScoreStore is the realized-error persistence surface; satisfied by
// database.Repository.
type ScoreStore interface {
	GetPredictionsDueForScoring(ctx context.Context, before time.Time, limit int) ([]*database.PredictionRecord, error)
	InsertForecastError(ctx context.Context, fe *database.ForecastError) error
}

// Scorer turns elapsed predictions into realized per-bot errors, which
// feed the drift computation in the health monitor.
type Scorer struct {
	loader WindowSource
	store  ScoreStore

	now func() time.Time
	log *logging.Logger
}

func NewScorer(loader WindowSource, store ScoreStore) *Scorer {
	return &Scorer{
		loader: loader,
		store:  store,
		now:    time.Now,
		log:    logging.WithComponent("scoring"),
	}
}

// Run scores elapsed predictions on a fixed interval until ctx ends.
func (s *Scorer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scored, err := s.ScoreBatch(ctx)
			if err != nil {
				s.log.Error("scoring batch failed", "error", err)
				continue
			}
			if scored > 0 {
				s.log.Info("scored predictions", "count", scored)
			}
		}
	}
}

// ScoreBatch scores every prediction whose horizon has elapsed and that
// has no realized error yet. Returns how many predictions were scored.
func (s *Scorer) ScoreBatch(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.GetPredictionsDueForScoring(ctx, now, 50)
	if err != nil {
		return 0, err
	}

	scored := 0
	for _, p := range due {
		if err := s.scoreOne(ctx, p, now); err != nil {
			s.log.Warn("scoring prediction failed", "id", p.ID, "error", err)
			continue
		}
		scored++
	}
	return scored, nil
}

func (s *Scorer) scoreOne(ctx context.Context, p *database.PredictionRecord, now time.Time) error {
	horizon := time.Duration(p.HorizonMinutes) * time.Minute
	realized, err := s.loader.Load(ctx, window.Request{
		Symbol:    p.Symbol,
		Timeframe: p.Timeframe,
		From:      p.GeneratedAt,
		To:        p.GeneratedAt.Add(horizon + p.Timeframe.Duration()),
	})
	if err != nil {
		return err
	}

	closeByTS := make(map[int64]float64, len(realized))
	for _, c := range realized {
		closeByTS[c.StartTS.Unix()] = c.Close
	}

	for _, out := range p.BotRawOutputs {
		if out.Error != "" || len(out.Series) == 0 {
			continue
		}
		ape, ok := meanAbsPctError(out.Series, closeByTS)
		if !ok {
			continue
		}
		fe := &database.ForecastError{
			PredictionID:   p.ID,
			Bot:            out.Bot,
			Symbol:         p.Symbol,
			Timeframe:      p.Timeframe,
			HorizonMinutes: p.HorizonMinutes,
			AbsPctError:    ape,
			ObservedAt:     now,
		}
		if err := s.store.InsertForecastError(ctx, fe); err != nil {
			return err
		}
	}
	return nil
}

// meanAbsPctError compares forecast points against realized closes on
// matching boundaries. Points without a realized candle are skipped.
func meanAbsPctError(series []database.ForecastPoint, closeByTS map[int64]float64) (float64, bool) {
	var sum float64
	matched := 0
	for _, pt := range series {
		actual, ok := closeByTS[pt.TS.Unix()]
		if !ok || actual == 0 {
			continue
		}
		sum += math.Abs(pt.Price-actual) / actual * 100
		matched++
	}
	if matched == 0 {
		return 0, false
	}
	return sum / float64(matched), true
}
