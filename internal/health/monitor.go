// Package health derives per-model traffic-light status from model age,
// realized-error drift and baseline comparison.
package health

import (
	"context"
	"math"
	"time"

	"market-forecast-service/config"
	"market-forecast-service/internal/database"
	"market-forecast-service/internal/events"
	"market-forecast-service/internal/logging"
	"market-forecast-service/internal/market"
)

// Store is the training/error read surface; satisfied by
// database.Repository.
type Store interface {
	ListLatestTrainings(ctx context.Context) ([]*database.TrainingRecord, error)
	GetRecentErrors(ctx context.Context, bot, symbol string, tf market.Timeframe, since time.Time) ([]database.ForecastError, error)
}

// Health statuses.
const (
	StatusGreen  = "green"
	StatusYellow = "yellow"
	StatusRed    = "red"
)

// ModelHealth is one row of the models report.
type ModelHealth struct {
	Bot            string           `json:"bot"`
	Symbol         string           `json:"symbol"`
	Timeframe      market.Timeframe `json:"timeframe"`
	TrainingStatus string           `json:"training_status"`
	Health         string           `json:"health"`
	AgeHours       float64          `json:"age_hours"`
	DriftScore     float64          `json:"drift_score"`
	MAPE           float64          `json:"mape,omitempty"`
	BaselineMAPE   float64          `json:"baseline_mape,omitempty"`
	BeatsBaseline  bool             `json:"beats_baseline"`
	LastTrainedAt  *time.Time       `json:"last_trained_at,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
}

// Monitor computes model health nightly and on demand.
type Monitor struct {
	store Store
	bus   *events.EventBus
	cfg   config.DriftConfig

	now func() time.Time
	log *logging.Logger
}

func NewMonitor(store Store, bus *events.EventBus, cfg config.DriftConfig) *Monitor {
	return &Monitor{
		store: store,
		bus:   bus,
		cfg:   cfg,
		now:   time.Now,
		log:   logging.WithComponent("health"),
	}
}

// Report computes the current health of every known model.
func (m *Monitor) Report(ctx context.Context) ([]ModelHealth, error) {
	records, err := m.store.ListLatestTrainings(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	out := make([]ModelHealth, 0, len(records))
	for _, tr := range records {
		out = append(out, m.evaluate(ctx, tr, now))
	}
	return out, nil
}

func (m *Monitor) evaluate(ctx context.Context, tr *database.TrainingRecord, now time.Time) ModelHealth {
	mh := ModelHealth{
		Bot:            tr.Bot,
		Symbol:         tr.Symbol,
		Timeframe:      tr.Timeframe,
		TrainingStatus: tr.Status,
		LastTrainedAt:  tr.FinishedAt,
		ErrorMessage:   tr.ErrorMessage,
	}

	if tr.FinishedAt != nil {
		mh.AgeHours = now.Sub(*tr.FinishedAt).Hours()
	}
	if tr.Metrics != nil {
		mh.MAPE = tr.Metrics.MAPE
		mh.BaselineMAPE = tr.Metrics.BaselineMAPE
		mh.BeatsBaseline = tr.Metrics.BeatsBaseline
		mh.DriftScore = tr.Metrics.DriftScore
	}
	if realized := m.realizedDrift(ctx, tr, now); realized >= 0 {
		mh.DriftScore = realized
	}

	mh.Health = m.classify(tr, mh)
	return mh
}

// realizedDrift recomputes the drift score from the last 7 days of
// realized errors against the held-out training error. Scores above 1
// are surfaced as-is so the report shows the full degradation. Returns
// -1 when there is nothing to compute from.
func (m *Monitor) realizedDrift(ctx context.Context, tr *database.TrainingRecord, now time.Time) float64 {
	if tr.Metrics == nil {
		return -1
	}
	baseline := tr.Metrics.TestRMSE
	if baseline <= 0 {
		baseline = tr.Metrics.MAPE
	}
	if baseline <= 0 {
		return -1
	}
	realized, err := m.store.GetRecentErrors(ctx, tr.Bot, tr.Symbol, tr.Timeframe, now.Add(-7*24*time.Hour))
	if err != nil || len(realized) == 0 {
		return -1
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

func (m *Monitor) classify(tr *database.TrainingRecord, mh ModelHealth) string {
	redAge := float64(m.cfg.RedAgeHrs)
	yellowAge := float64(m.cfg.YellowAgeHrs)

	switch {
	case tr.Status == database.TrainingStatusFailed,
		mh.AgeHours >= redAge && tr.FinishedAt != nil,
		mh.DriftScore >= m.cfg.RedScore:
		return StatusRed

	case tr.Status != database.TrainingStatusCompleted,
		tr.Metrics == nil,
		mh.AgeHours >= yellowAge,
		mh.DriftScore >= m.cfg.YellowScore:
		return StatusYellow

	default:
		return StatusGreen
	}
}

// RunNightly recomputes the report once per day and publishes a
// model:health event for every non-green model. Blocks until ctx ends.
func (m *Monitor) RunNightly(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	report, err := m.Report(ctx)
	if err != nil {
		m.log.Error("health sweep failed", "error", err)
		return
	}

	var red, yellow int
	for _, mh := range report {
		switch mh.Health {
		case StatusRed:
			red++
		case StatusYellow:
			yellow++
		default:
			continue
		}
		if m.bus != nil {
			m.bus.Publish(events.Event{
				Type:      events.EventModelHealth,
				Symbol:    mh.Symbol,
				Timeframe: string(mh.Timeframe),
				Timestamp: m.now(),
				Data: map[string]interface{}{
					"bot":         mh.Bot,
					"health":      mh.Health,
					"age_hours":   mh.AgeHours,
					"drift_score": mh.DriftScore,
				},
			})
		}
	}
	m.log.Info("health sweep finished", "models", len(report), "yellow", yellow, "red", red)
}
