package database

import (
	"context"
	"time"

	"market-forecast-service/internal/market"

	"github.com/jackc/pgx/v5"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// CANDLES
// ============================================================================

// UpsertCandles writes candles in one batch. On a (symbol, timeframe,
// start_ts) collision the row with the higher provenance priority wins;
// the CASE ranks mirror market.Provenance.Priority.
func (r *Repository) UpsertCandles(ctx context.Context, candles market.Slice) error {
	if len(candles) == 0 {
		return nil
	}

	query := `
		INSERT INTO candles (symbol, timeframe, start_ts, open, high, low, close, volume, provenance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (symbol, timeframe, start_ts) DO UPDATE
		SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		    close = EXCLUDED.close, volume = EXCLUDED.volume, provenance = EXCLUDED.provenance
		WHERE (CASE EXCLUDED.provenance WHEN 'primary' THEN 4 WHEN 'fallback' THEN 3 WHEN 'db' THEN 2 WHEN 'cache' THEN 1 ELSE 0 END)
		   >= (CASE candles.provenance WHEN 'primary' THEN 4 WHEN 'fallback' THEN 3 WHEN 'db' THEN 2 WHEN 'cache' THEN 1 ELSE 0 END)
	`

	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(query,
			c.Symbol, string(c.Timeframe), c.StartTS.UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume, string(c.Provenance),
		)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range candles {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// GetCandleRange returns candles with start_ts in [from, to), ascending.
func (r *Repository) GetCandleRange(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time) (market.Slice, error) {
	query := `
		SELECT symbol, timeframe, start_ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND start_ts >= $3 AND start_ts < $4
		ORDER BY start_ts ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, string(tf), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCandles(rows)
}

// GetLatestCandle returns the most recent stored candle for a series.
func (r *Repository) GetLatestCandle(ctx context.Context, symbol string, tf market.Timeframe) (*market.Candle, error) {
	query := `
		SELECT symbol, timeframe, start_ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY start_ts DESC
		LIMIT 1
	`
	c := market.Candle{Provenance: market.ProvenanceDB}
	var tfStr string
	err := r.db.Pool.QueryRow(ctx, query, symbol, string(tf)).Scan(
		&c.Symbol, &tfStr, &c.StartTS, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.Timeframe = market.Timeframe(tfStr)
	c.StartTS = c.StartTS.UTC()
	return &c, nil
}

// SelectCandlesBefore returns candles older than cutoff, for archival
// before deletion.
func (r *Repository) SelectCandlesBefore(ctx context.Context, cutoff time.Time) (market.Slice, error) {
	query := `
		SELECT symbol, timeframe, start_ts, open, high, low, close, volume
		FROM candles
		WHERE start_ts < $1
		ORDER BY symbol, timeframe, start_ts ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCandles(rows)
}

// DeleteCandlesBefore removes candles older than cutoff and reports how
// many rows were dropped.
func (r *Repository) DeleteCandlesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM candles WHERE start_ts < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanCandles(rows pgx.Rows) (market.Slice, error) {
	var out market.Slice
	for rows.Next() {
		c := market.Candle{Provenance: market.ProvenanceDB}
		var tfStr string
		if err := rows.Scan(&c.Symbol, &tfStr, &c.StartTS, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.Timeframe = market.Timeframe(tfStr)
		c.StartTS = c.StartTS.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
