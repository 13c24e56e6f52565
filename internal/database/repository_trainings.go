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
// TRAININGS
// ============================================================================

// CreateTraining inserts a queued training run.
func (r *Repository) CreateTraining(ctx context.Context, tr *TrainingRecord) error {
	hp, err := json.Marshal(tr.Hyperparams)
	if err != nil {
		return fmt.Errorf("marshal hyperparams: %w", err)
	}

	query := `
		INSERT INTO trainings (id, bot, symbol, timeframe, status, hyperparams, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		tr.ID, tr.Bot, tr.Symbol, string(tr.Timeframe), tr.Status, hp, tr.QueuedAt.UTC(),
	).Scan(&tr.CreatedAt, &tr.UpdatedAt)
}

// UpdateTrainingStatus moves a run to a new status, stamping started_at or
// finished_at as appropriate.
func (r *Repository) UpdateTrainingStatus(ctx context.Context, id, status string, errorMessage string) error {
	query := `
		UPDATE trainings
		SET status = $2,
		    error_message = NULLIF($3, ''),
		    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
		    finished_at = CASE WHEN $2 IN ('completed', 'failed', 'stopped', 'forced_cancel') THEN NOW() ELSE finished_at END,
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, status, errorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("training %s not found", id)
	}
	return nil
}

// CompleteTraining marks a run completed with its metrics and artifact, and
// archives every prior completed model for the same (bot, symbol, timeframe)
// in the same transaction.
func (r *Repository) CompleteTraining(ctx context.Context, id string, metrics *TrainingMetrics, artifactPath string) error {
	m, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	archiveQuery := `
		UPDATE trainings
		SET archived = TRUE, updated_at = NOW()
		WHERE status = 'completed' AND archived = FALSE AND id <> $1
		  AND (bot, symbol, timeframe) = (SELECT bot, symbol, timeframe FROM trainings WHERE id = $1)
	`
	if _, err := tx.Exec(ctx, archiveQuery, id); err != nil {
		return fmt.Errorf("archive prior models: %w", err)
	}

	completeQuery := `
		UPDATE trainings
		SET status = 'completed', metrics = $2, artifact_path = $3,
		    finished_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, completeQuery, id, m, artifactPath)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("training %s not found", id)
	}

	return tx.Commit(ctx)
}

// GetTrainingByID fetches one training run.
func (r *Repository) GetTrainingByID(ctx context.Context, id string) (*TrainingRecord, error) {
	query := trainingSelect + ` WHERE id = $1`
	return r.scanTraining(r.db.Pool.QueryRow(ctx, query, id))
}

// GetActiveModel returns the completed, unarchived run for a
// (bot, symbol, timeframe), or nil when the model has never been trained.
func (r *Repository) GetActiveModel(ctx context.Context, bot, symbol string, tf market.Timeframe) (*TrainingRecord, error) {
	query := trainingSelect + `
		WHERE bot = $1 AND symbol = $2 AND timeframe = $3
		  AND status = 'completed' AND archived = FALSE
		ORDER BY finished_at DESC
		LIMIT 1
	`
	return r.scanTraining(r.db.Pool.QueryRow(ctx, query, bot, symbol, string(tf)))
}

// ListActiveModels returns every completed, unarchived model.
func (r *Repository) ListActiveModels(ctx context.Context) ([]*TrainingRecord, error) {
	query := trainingSelect + `
		WHERE status = 'completed' AND archived = FALSE
		ORDER BY bot, symbol, timeframe
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TrainingRecord
	for rows.Next() {
		tr, err := r.scanTraining(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ListTrainingHistory returns recent runs for a series, newest first.
func (r *Repository) ListTrainingHistory(ctx context.Context, bot, symbol string, tf market.Timeframe, limit int) ([]*TrainingRecord, error) {
	query := trainingSelect + `
		WHERE bot = $1 AND symbol = $2 AND timeframe = $3
		ORDER BY created_at DESC
		LIMIT $4
	`
	rows, err := r.db.Pool.Query(ctx, query, bot, symbol, string(tf), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TrainingRecord
	for rows.Next() {
		tr, err := r.scanTraining(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// DeleteModel archives every run for a (bot, symbol, timeframe) and
// returns the artifact paths so the caller can remove the files.
func (r *Repository) DeleteModel(ctx context.Context, bot, symbol string, tf market.Timeframe) ([]string, error) {
	query := `
		UPDATE trainings
		SET archived = TRUE, updated_at = NOW()
		WHERE bot = $1 AND symbol = $2 AND timeframe = $3 AND archived = FALSE
		RETURNING COALESCE(artifact_path, '')
	`
	rows, err := r.db.Pool.Query(ctx, query, bot, symbol, string(tf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths, rows.Err()
}

const trainingSelect = `
	SELECT id, bot, symbol, timeframe, status, hyperparams, metrics,
	       COALESCE(artifact_path, ''), COALESCE(error_message, ''),
	       queued_at, started_at, finished_at, archived, created_at, updated_at
	FROM trainings
`

func (r *Repository) scanTraining(row rowScanner) (*TrainingRecord, error) {
	tr := &TrainingRecord{}
	var tfStr string
	var hp, metrics []byte

	err := row.Scan(
		&tr.ID, &tr.Bot, &tr.Symbol, &tfStr, &tr.Status, &hp, &metrics,
		&tr.ArtifactPath, &tr.ErrorMessage,
		&tr.QueuedAt, &tr.StartedAt, &tr.FinishedAt, &tr.Archived,
		&tr.CreatedAt, &tr.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	tr.Timeframe = market.Timeframe(tfStr)
	tr.QueuedAt = tr.QueuedAt.UTC()
	if len(hp) > 0 {
		if err := json.Unmarshal(hp, &tr.Hyperparams); err != nil {
			return nil, fmt.Errorf("unmarshal hyperparams: %w", err)
		}
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &tr.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	return tr, nil
}

// ModelAge returns how long ago the active model finished training.
func (tr *TrainingRecord) ModelAge(now time.Time) time.Duration {
	if tr == nil || tr.FinishedAt == nil {
		return 0
	}
	return now.Sub(*tr.FinishedAt)
}

// ListLatestTrainings returns the newest run per (bot, symbol, timeframe)
// regardless of outcome, for the health report.
func (r *Repository) ListLatestTrainings(ctx context.Context) ([]*TrainingRecord, error) {
	query := `
		SELECT DISTINCT ON (bot, symbol, timeframe)
		       id, bot, symbol, timeframe, status, hyperparams, metrics,
		       COALESCE(artifact_path, ''), COALESCE(error_message, ''),
		       queued_at, started_at, finished_at, archived, created_at, updated_at
		FROM trainings
		ORDER BY bot, symbol, timeframe, created_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TrainingRecord
	for rows.Next() {
		tr, err := r.scanTraining(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
