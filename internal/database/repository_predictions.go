package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"market-forecast-service/internal/market"

	"github.com/jackc/pgx/v5"
)

// ============================================================================
// PREDICTIONS
// ============================================================================

// InsertPrediction stores one prediction with its full audit payload.
func (r *Repository) InsertPrediction(ctx context.Context, p *PredictionRecord) error {
	merged, err := json.Marshal(p.MergedSeries)
	if err != nil {
		return fmt.Errorf("marshal merged series: %w", err)
	}
	rawOutputs, err := json.Marshal(p.BotRawOutputs)
	if err != nil {
		return fmt.Errorf("marshal bot outputs: %w", err)
	}
	flags, err := json.Marshal(p.ValidationFlags)
	if err != nil {
		return fmt.Errorf("marshal validation flags: %w", err)
	}
	contributions, err := json.Marshal(p.BotContributions)
	if err != nil {
		return fmt.Errorf("marshal bot contributions: %w", err)
	}
	var features []byte
	if p.FeatureSnapshot != nil {
		if features, err = json.Marshal(p.FeatureSnapshot); err != nil {
			return fmt.Errorf("marshal feature snapshot: %w", err)
		}
	}

	query := `
		INSERT INTO predictions (id, symbol, timeframe, horizon_minutes, generated_at,
		                         merged_series, confidence, reference_price, status,
		                         bot_contributions, bot_raw_outputs, validation_flags,
		                         feature_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		p.ID, p.Symbol, string(p.Timeframe), p.HorizonMinutes, p.GeneratedAt.UTC(),
		merged, p.Confidence, p.ReferencePrice, p.Status, contributions, rawOutputs,
		flags, features,
	).Scan(&p.CreatedAt)
}

// GetLatestPrediction returns the most recent prediction for a series, or
// nil when none exists.
func (r *Repository) GetLatestPrediction(ctx context.Context, symbol string, tf market.Timeframe) (*PredictionRecord, error) {
	query := `
		SELECT id, symbol, timeframe, horizon_minutes, generated_at, merged_series,
		       confidence, reference_price, status, bot_contributions, bot_raw_outputs,
		       validation_flags, feature_snapshot, created_at
		FROM predictions
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY generated_at DESC
		LIMIT 1
	`
	return r.scanPrediction(r.db.Pool.QueryRow(ctx, query, symbol, string(tf)))
}

// GetPredictionByID fetches one prediction.
func (r *Repository) GetPredictionByID(ctx context.Context, id string) (*PredictionRecord, error) {
	query := `
		SELECT id, symbol, timeframe, horizon_minutes, generated_at, merged_series,
		       confidence, reference_price, status, bot_contributions, bot_raw_outputs,
		       validation_flags, feature_snapshot, created_at
		FROM predictions
		WHERE id = $1
	`
	return r.scanPrediction(r.db.Pool.QueryRow(ctx, query, id))
}

// GetPredictionsDueForScoring returns ok predictions whose final forecast
// boundary has elapsed and that have no recorded realized error yet.
func (r *Repository) GetPredictionsDueForScoring(ctx context.Context, before time.Time, limit int) ([]*PredictionRecord, error) {
	query := `
		SELECT p.id, p.symbol, p.timeframe, p.horizon_minutes, p.generated_at, p.merged_series,
		       p.confidence, p.reference_price, p.status, p.bot_contributions, p.bot_raw_outputs,
		       p.validation_flags, p.feature_snapshot, p.created_at
		FROM predictions p
		WHERE p.status = 'ok'
		  AND p.generated_at + (p.horizon_minutes * INTERVAL '1 minute') < $1
		  AND NOT EXISTS (SELECT 1 FROM forecast_errors fe WHERE fe.prediction_id = p.id)
		ORDER BY p.generated_at ASC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PredictionRecord
	for rows.Next() {
		p, err := r.scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanPrediction(row rowScanner) (*PredictionRecord, error) {
	p := &PredictionRecord{}
	var tfStr string
	var merged, contributions, rawOutputs, flags, features []byte

	err := row.Scan(
		&p.ID, &p.Symbol, &tfStr, &p.HorizonMinutes, &p.GeneratedAt,
		&merged, &p.Confidence, &p.ReferencePrice, &p.Status, &contributions,
		&rawOutputs, &flags, &features, &p.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	p.Timeframe = market.Timeframe(tfStr)
	p.GeneratedAt = p.GeneratedAt.UTC()
	if len(merged) > 0 {
		if err := json.Unmarshal(merged, &p.MergedSeries); err != nil {
			return nil, fmt.Errorf("unmarshal merged series: %w", err)
		}
	}
	if len(contributions) > 0 {
		if err := json.Unmarshal(contributions, &p.BotContributions); err != nil {
			return nil, fmt.Errorf("unmarshal bot contributions: %w", err)
		}
	}
	if len(rawOutputs) > 0 {
		if err := json.Unmarshal(rawOutputs, &p.BotRawOutputs); err != nil {
			return nil, fmt.Errorf("unmarshal bot outputs: %w", err)
		}
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &p.ValidationFlags); err != nil {
			return nil, fmt.Errorf("unmarshal validation flags: %w", err)
		}
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &p.FeatureSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal feature snapshot: %w", err)
		}
	}
	return p, nil
}

// ============================================================================
// FORECAST ERRORS
// ============================================================================

// InsertForecastError records one realized absolute percentage error.
func (r *Repository) InsertForecastError(ctx context.Context, fe *ForecastError) error {
	query := `
		INSERT INTO forecast_errors (prediction_id, bot, symbol, timeframe, horizon_minutes, abs_pct_error, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		fe.PredictionID, fe.Bot, fe.Symbol, string(fe.Timeframe),
		fe.HorizonMinutes, fe.AbsPctError, fe.ObservedAt.UTC(),
	).Scan(&fe.ID)
}

// GetRecentErrors returns realized errors for a model since the given time,
// newest first.
func (r *Repository) GetRecentErrors(ctx context.Context, bot, symbol string, tf market.Timeframe, since time.Time) ([]ForecastError, error) {
	query := `
		SELECT id, prediction_id, bot, symbol, timeframe, horizon_minutes, abs_pct_error, observed_at
		FROM forecast_errors
		WHERE bot = $1 AND symbol = $2 AND timeframe = $3 AND observed_at >= $4
		ORDER BY observed_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, bot, symbol, string(tf), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ForecastError
	for rows.Next() {
		var fe ForecastError
		var tfStr string
		if err := rows.Scan(&fe.ID, &fe.PredictionID, &fe.Bot, &fe.Symbol, &tfStr,
			&fe.HorizonMinutes, &fe.AbsPctError, &fe.ObservedAt); err != nil {
			return nil, err
		}
		fe.Timeframe = market.Timeframe(tfStr)
		fe.ObservedAt = fe.ObservedAt.UTC()
		out = append(out, fe)
	}
	return out, rows.Err()
}
