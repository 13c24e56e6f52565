package database

import (
	"context"
	"fmt"
	"time"

	"market-forecast-service/config"
	"market-forecast-service/internal/logging"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	log  *logging.Logger
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logging.WithComponent("database")
	log.Info("connected to PostgreSQL", "database", cfg.Database)

	return &DB{Pool: pool, log: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info("running database migrations")

	migrations := []string{
		// Candle store. One row per (symbol, timeframe, start_ts);
		// upserts keep the higher-priority provenance.
		`CREATE TABLE IF NOT EXISTS candles (
			symbol VARCHAR(32) NOT NULL,
			timeframe VARCHAR(4) NOT NULL,
			start_ts TIMESTAMPTZ NOT NULL,
			open DECIMAL(20, 8) NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(24, 8) NOT NULL,
			provenance VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (symbol, timeframe, start_ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candles_series_ts ON candles(symbol, timeframe, start_ts DESC)`,

		// Prediction audit trail. Raw bot outputs and validation flags are
		// retained even when the merged forecast omits a bot.
		`CREATE TABLE IF NOT EXISTS predictions (
			id UUID PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			timeframe VARCHAR(4) NOT NULL,
			horizon_minutes INTEGER NOT NULL,
			generated_at TIMESTAMPTZ NOT NULL,
			merged_series JSONB,
			confidence DECIMAL(6, 4) NOT NULL DEFAULT 0,
			reference_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			status VARCHAR(24) NOT NULL,
			bot_contributions JSONB NOT NULL DEFAULT '{}',
			bot_raw_outputs JSONB NOT NULL DEFAULT '[]',
			validation_flags JSONB NOT NULL DEFAULT '[]',
			feature_snapshot JSONB,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_series ON predictions(symbol, timeframe, generated_at DESC)`,

		// Training runs. At most one active model per (bot, symbol,
		// timeframe); prior ones are archived when a run completes.
		`CREATE TABLE IF NOT EXISTS trainings (
			id UUID PRIMARY KEY,
			bot VARCHAR(64) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			timeframe VARCHAR(4) NOT NULL,
			status VARCHAR(24) NOT NULL,
			hyperparams JSONB NOT NULL DEFAULT '{}',
			metrics JSONB,
			artifact_path TEXT,
			error_message TEXT,
			queued_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trainings_series ON trainings(bot, symbol, timeframe, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_trainings_status ON trainings(status)`,

		// Realized forecast errors, fed by the drift monitor.
		`CREATE TABLE IF NOT EXISTS forecast_errors (
			id SERIAL PRIMARY KEY,
			prediction_id UUID NOT NULL,
			bot VARCHAR(64) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			timeframe VARCHAR(4) NOT NULL,
			horizon_minutes INTEGER NOT NULL,
			abs_pct_error DECIMAL(10, 6) NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_forecast_errors_series ON forecast_errors(bot, symbol, timeframe, observed_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info("database migrations completed")
	return nil
}
