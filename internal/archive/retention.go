package archive

import (
	"context"
	"time"

	"market-forecast-service/internal/logging"
	"market-forecast-service/internal/market"
)

// CandleStore is the retention read/delete surface; satisfied by
// database.Repository.
type CandleStore interface {
	SelectCandlesBefore(ctx context.Context, cutoff time.Time) (market.Slice, error)
	DeleteCandlesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper moves candles past the retention horizon out of the database
// and into the cold archive.
type Sweeper struct {
	store         CandleStore
	archive       *Store
	retentionDays int

	now func() time.Time
	log *logging.Logger
}

func NewSweeper(store CandleStore, archive *Store, retentionDays int) *Sweeper {
	if retentionDays <= 0 {
		retentionDays = 365
	}
	return &Sweeper{
		store:         store,
		archive:       archive,
		retentionDays: retentionDays,
		now:           time.Now,
		log:           logging.WithComponent("retention"),
	}
}

// Sweep archives and deletes one batch of expired candles. Deletion only
// happens after every series has been written to the archive, so a
// failed write never loses data.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.retentionDays)

	expired, err := s.store.SelectCandlesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if s.archive != nil {
		for key, chunk := range groupBySeries(expired) {
			if err := s.archive.Write(key.symbol, key.tf, chunk); err != nil {
				return 0, err
			}
		}
	}

	deleted, err := s.store.DeleteCandlesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	s.log.Info("retention sweep finished", "cutoff", cutoff, "deleted", deleted)
	return deleted, nil
}

// RunNightly sweeps on a fixed interval until ctx ends.
func (s *Sweeper) RunNightly(ctx context.Context, interval time.Duration) {
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
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("retention sweep failed", "error", err)
			}
		}
	}
}

type seriesKey struct {
	symbol string
	tf     market.Timeframe
}

func groupBySeries(candles market.Slice) map[seriesKey]market.Slice {
	out := make(map[seriesKey]market.Slice)
	for _, c := range candles {
		key := seriesKey{symbol: c.Symbol, tf: c.Timeframe}
		out[key] = append(out[key], c)
	}
	return out
}
