package database

import (
	"time"

	"market-forecast-service/internal/market"
)

// ForecastPoint is one predicted price at a future candle boundary.
// Confidence is per-step and set on merged series; raw bot series carry
// the bot-level confidence instead and leave it zero.
type ForecastPoint struct {
	TS         time.Time `json:"ts"`
	Price      float64   `json:"price"`
	Confidence float64   `json:"confidence,omitempty"`
}

// BotOutput is one bot's raw contribution to a prediction, kept verbatim
// for audit even when the bot is excluded from the merge.
type BotOutput struct {
	Bot        string          `json:"bot"`
	Series     []ForecastPoint `json:"series,omitempty"`
	Confidence float64         `json:"confidence"`
	ElapsedMS  int64           `json:"elapsed_ms"`
	Error      string          `json:"error,omitempty"`
}

// BotContribution records how one invoked bot entered the merge. Weight
// is the bot's share of the merged series, zero for rejected bots.
type BotContribution struct {
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
	Accepted   bool    `json:"accepted"`
}

// ValidationFlag records one gate rejection or clamp applied to a bot output.
type ValidationFlag struct {
	Bot    string `json:"bot"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Prediction statuses
const (
	PredictionStatusOK      = "ok"
	PredictionStatusNoValid = "no_valid_prediction"
)

// PredictionRecord is one orchestrated forecast with its full audit trail.
type PredictionRecord struct {
	ID               string                     `json:"id"`
	Symbol           string                     `json:"symbol"`
	Timeframe        market.Timeframe           `json:"timeframe"`
	HorizonMinutes   int                        `json:"horizon_minutes"`
	GeneratedAt      time.Time                  `json:"generated_at"`
	MergedSeries     []ForecastPoint            `json:"merged_series,omitempty"`
	Confidence       float64                    `json:"confidence"`
	ReferencePrice   float64                    `json:"reference_price"`
	Status           string                     `json:"status"`
	BotContributions map[string]BotContribution `json:"bot_contributions"`
	BotRawOutputs    []BotOutput                `json:"bot_raw_outputs"`
	ValidationFlags  []ValidationFlag           `json:"validation_flags"`
	FeatureSnapshot  map[string]float64         `json:"feature_snapshot,omitempty"`
	CreatedAt        time.Time                  `json:"created_at"`
}

// Training statuses. Any run that does not complete finalizes as failed
// with the reason in error_message; forced cancellation is not a status
// of its own.
const (
	TrainingStatusQueued    = "queued"
	TrainingStatusRunning   = "running"
	TrainingStatusCompleted = "completed"
	TrainingStatusFailed    = "failed"
)

// Hyperparams are the knobs a training request may set.
type Hyperparams struct {
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	LookbackDays int     `json:"lookback_days,omitempty"`
}

// TrainingPeriod is the candle span a run trained on.
type TrainingPeriod struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// TrainingMetrics summarizes a finished run. Test metrics come from the
// held-out walk-forward split; BaselineRMSEs holds one RMSE per naive
// reference forecaster.
type TrainingMetrics struct {
	FinalLoss       float64            `json:"final_loss"`
	ValidationLoss  float64            `json:"validation_loss"`
	MAPE            float64            `json:"mape"`
	BaselineMAPE    float64            `json:"baseline_mape"`
	TestRMSE        float64            `json:"test_rmse"`
	TestMAE         float64            `json:"test_mae"`
	BaselineRMSEs   map[string]float64 `json:"baseline_rmses,omitempty"`
	BeatsBaseline   bool               `json:"beats_baseline"`
	DriftScore      float64            `json:"drift_score"`
	DataPointsUsed  int                `json:"data_points_used"`
	ModelSizeBytes  int64              `json:"model_size_bytes"`
	TrainingPeriod  *TrainingPeriod    `json:"training_period,omitempty"`
	EpochsCompleted int                `json:"epochs_completed"`
	DurationSecs    float64            `json:"duration_secs"`
}

// TrainingRecord is one queued or executed training run. A completed,
// unarchived record is the active model for its (bot, symbol, timeframe).
type TrainingRecord struct {
	ID           string           `json:"id"`
	Bot          string           `json:"bot"`
	Symbol       string           `json:"symbol"`
	Timeframe    market.Timeframe `json:"timeframe"`
	Status       string           `json:"status"`
	Hyperparams  Hyperparams      `json:"hyperparams"`
	Metrics      *TrainingMetrics `json:"metrics,omitempty"`
	ArtifactPath string           `json:"artifact_path,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	QueuedAt     time.Time        `json:"queued_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	Archived     bool             `json:"archived"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ForecastError is one realized absolute percentage error, recorded when
// a predicted boundary's actual close becomes known.
type ForecastError struct {
	ID             int64            `json:"id"`
	PredictionID   string           `json:"prediction_id"`
	Bot            string           `json:"bot"`
	Symbol         string           `json:"symbol"`
	Timeframe      market.Timeframe `json:"timeframe"`
	HorizonMinutes int              `json:"horizon_minutes"`
	AbsPctError    float64          `json:"abs_pct_error"`
	ObservedAt     time.Time        `json:"observed_at"`
}
