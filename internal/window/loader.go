// Package window assembles candle windows from the tiered data path:
// hot cache, warm cache, persistent store, cold archive, then upstream
// with failover. The loader is the only component that writes candles.
package window

import (
	"context"
	"sync"
	"time"

	"market-forecast-service/config"
	"market-forecast-service/internal/cache"
	"market-forecast-service/internal/errs"
	"market-forecast-service/internal/events"
	"market-forecast-service/internal/logging"
	"market-forecast-service/internal/market"
)

// Store is the persistent candle tier.
type Store interface {
	GetCandleRange(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time) (market.Slice, error)
	GetLatestCandle(ctx context.Context, symbol string, tf market.Timeframe) (*market.Candle, error)
	UpsertCandles(ctx context.Context, candles market.Slice) error
}

// ColdArchive is the offline monthly-file tier consulted for old ranges.
type ColdArchive interface {
	Read(symbol string, tf market.Timeframe, from, to time.Time) (market.Slice, error)
}

// Fetcher is the upstream chain (primary then fallback).
type Fetcher interface {
	FetchCandles(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time) ([]market.Candle, error)
	FetchLatest(ctx context.Context, symbol string, tf market.Timeframe) (market.Candle, error)
}

// HotTier is the shared Redis window cache.
type HotTier interface {
	GetWindow(ctx context.Context, key string) (market.Slice, bool)
	SetWindow(ctx context.Context, key string, slice market.Slice, ttl time.Duration)
}

// Request bounds one window load. From/To are rounded down to the
// timeframe grid before any tier is consulted.
type Request struct {
	Symbol      string
	Timeframe   market.Timeframe
	From, To    time.Time
	MinCandles  int
	BypassCache bool
}

// Loader resolves window requests through the tier chain.
type Loader struct {
	store    Store
	archive  ColdArchive
	upstream Fetcher
	hot      HotTier
	warm     *cache.WarmCache
	calendar market.Calendar
	cfg      config.CacheConfig
	bus      *events.EventBus

	// Serializes write-through per series so concurrent loads of the
	// same symbol/timeframe do not interleave upserts.
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
	log *logging.Logger
}

// NewLoader wires the tier chain. archive and hot may be nil.
func NewLoader(store Store, arch ColdArchive, up Fetcher, hot HotTier, warm *cache.WarmCache, cal market.Calendar, cfg config.CacheConfig) *Loader {
	return &Loader{
		store:    store,
		archive:  arch,
		upstream: up,
		hot:      hot,
		warm:     warm,
		calendar: cal,
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
		log:      logging.WithComponent("window"),
	}
}

// AttachBus wires the event bus; fresh candles fetched from upstream
// are published as candle updates for the websocket topics.
func (l *Loader) AttachBus(bus *events.EventBus) {
	l.bus = bus
}

func (l *Loader) seriesLock(symbol string, tf market.Timeframe) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := symbol + ":" + string(tf)
	if m, ok := l.locks[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.locks[key] = m
	return m
}

// Load returns the candles covering [From, To), walking the tiers in
// order and short-circuiting as soon as the stored data has no gaps.
func (l *Loader) Load(ctx context.Context, req Request) (market.Slice, error) {
	if req.Symbol == "" || !req.Timeframe.Valid() {
		return nil, errs.New(errs.KindValidationFailed, "symbol and a supported timeframe are required")
	}

	tf := req.Timeframe
	from := tf.Truncate(req.From)
	to := tf.Truncate(req.To)
	if !to.After(from) {
		return nil, errs.New(errs.KindValidationFailed, "window bounds are empty")
	}

	now := l.now()
	log := logging.WindowLogger(req.Symbol, string(tf))
	key := cache.WindowKey(req.Symbol, tf, from, to)

	if !req.BypassCache {
		if l.hot != nil {
			if slice, ok := l.hot.GetWindow(ctx, key); ok {
				return slice, l.checkMin(slice, req.MinCandles)
			}
		}
		if l.warm != nil {
			if slice, ok := l.warm.Get(key); ok {
				if l.hot != nil {
					l.hot.SetWindow(ctx, key, slice, l.ttlFor(to, now))
				}
				return slice, l.checkMin(slice, req.MinCandles)
			}
		}
	}

	stored, err := l.store.GetCandleRange(ctx, req.Symbol, tf, from, to)
	if err != nil {
		log.Warn("store range query failed", "error", err)
		stored = nil
	}
	stored = stored.SortDedup()

	expected := l.expectedBoundaries(tf, from, to, now)
	gaps := missingRanges(expected, stored, tf)

	var upstreamErr error
	if len(gaps) > 0 {
		fetched, ferr := l.backfill(ctx, req.Symbol, tf, gaps, now, log)
		upstreamErr = ferr
		if len(fetched) > 0 {
			stored = stored.Merge(fetched)
			l.writeThrough(ctx, req.Symbol, tf, fetched, log)
		}
	}

	result := stored.Within(from, to)
	if len(result) == 0 {
		if upstreamErr != nil {
			return nil, upstreamErr
		}
		return nil, errs.Newf(errs.KindDataUnavailable, "no candles for %s %s in window", req.Symbol, tf)
	}
	if err := l.checkMin(result, req.MinCandles); err != nil {
		return nil, err
	}

	l.populateCaches(ctx, key, result, to, now)
	return result, nil
}

func (l *Loader) checkMin(slice market.Slice, min int) error {
	if min > 0 && len(slice) < min {
		return errs.Newf(errs.KindInsufficientCoverage, "window has %d candles, need %d", len(slice), min)
	}
	return nil
}

func (l *Loader) ttlFor(to, now time.Time) time.Duration {
	hotTTL := time.Duration(l.cfg.HotTTLSecs) * time.Second
	histTTL := time.Duration(l.cfg.HistoricalTTLSecs) * time.Second
	if to.After(now.Add(-time.Hour)) {
		return hotTTL
	}
	return histTTL
}

func (l *Loader) populateCaches(ctx context.Context, key string, slice market.Slice, to, now time.Time) {
	ttl := l.ttlFor(to, now)
	if l.warm != nil {
		l.warm.Set(key, slice, ttl)
	}
	if l.hot != nil {
		l.hot.SetWindow(ctx, key, slice, ttl)
	}
}

// expectedBoundaries lists the in-session candle starts inside [from, to)
// that lie in the past. Out-of-session boundaries never produce candles
// and do not count as gaps.
func (l *Loader) expectedBoundaries(tf market.Timeframe, from, to, now time.Time) []time.Time {
	var out []time.Time
	step := tf.Duration()
	latest := tf.Truncate(now)
	for ts := from; ts.Before(to); ts = ts.Add(step) {
		if !ts.Before(latest) {
			break
		}
		if l.calendar != nil && !l.calendar.InSession(ts) {
			continue
		}
		out = append(out, ts)
	}
	return out
}

// missingRanges groups the expected boundaries absent from have into
// contiguous [start, end) fetch ranges so backfill only requests gaps.
func missingRanges(expected []time.Time, have market.Slice, tf market.Timeframe) [][2]time.Time {
	present := make(map[int64]bool, len(have))
	for _, c := range have {
		present[c.StartTS.Unix()] = true
	}

	var ranges [][2]time.Time
	step := tf.Duration()
	var open *[2]time.Time
	var lastMissing time.Time

	for _, ts := range expected {
		if present[ts.Unix()] {
			continue
		}
		if open != nil && ts.Sub(lastMissing) <= 4*step {
			// Extend the current range across small in-session holes.
			open[1] = ts.Add(step)
		} else {
			if open != nil {
				ranges = append(ranges, *open)
			}
			open = &[2]time.Time{ts, ts.Add(step)}
		}
		lastMissing = ts
	}
	if open != nil {
		ranges = append(ranges, *open)
	}
	return ranges
}

// backfill fills gaps from the cold archive first, then upstream in
// chunks bounded by the per-timeframe provider range.
func (l *Loader) backfill(ctx context.Context, symbol string, tf market.Timeframe, gaps [][2]time.Time, now time.Time, log *logging.Logger) (market.Slice, error) {
	var out market.Slice
	var lastErr error

	for _, gap := range gaps {
		from, to := gap[0], gap[1]

		if l.archive != nil {
			archived, err := l.archive.Read(symbol, tf, from, to)
			if err != nil {
				log.Warn("archive read failed", "error", err)
			} else if len(archived) > 0 {
				out = out.Merge(l.canonicalize(symbol, tf, archived, now))
				if archived.Covers(from, to, tf) {
					continue
				}
			}
		}

		maxRange := tf.MaxProviderRange()
		for chunkFrom := from; chunkFrom.Before(to); chunkFrom = chunkFrom.Add(maxRange) {
			chunkTo := chunkFrom.Add(maxRange)
			if chunkTo.After(to) {
				chunkTo = to
			}

			raw, err := l.upstream.FetchCandles(ctx, symbol, tf, chunkFrom, chunkTo)
			if err != nil {
				if errs.IsKind(err, errs.KindCancelled) {
					return out, err
				}
				log.Warn("upstream fetch failed", "from", chunkFrom.Format(time.RFC3339), "error", err)
				lastErr = err
				continue
			}
			out = out.Merge(l.canonicalize(symbol, tf, raw, now))
		}
	}

	return out, lastErr
}

// canonicalize runs the acceptance pipeline on raw candles: UTC
// conversion, future clamp, session filter, OHLC invariants, dedup.
func (l *Loader) canonicalize(symbol string, tf market.Timeframe, raw market.Slice, now time.Time) market.Slice {
	out := make(market.Slice, 0, len(raw))
	dropped := 0
	for _, c := range raw {
		c.Symbol = symbol
		c.Timeframe = tf
		c.StartTS = c.StartTS.UTC()
		if err := c.Validate(now); err != nil {
			dropped++
			continue
		}
		if l.calendar != nil && !l.calendar.InSession(c.StartTS) {
			dropped++
			continue
		}
		out = append(out, c)
	}
	if dropped > 0 {
		l.log.Debug("canonicalization dropped candles", "symbol", symbol, "dropped", dropped, "kept", len(out))
	}
	return out.SortDedup()
}

func (l *Loader) writeThrough(ctx context.Context, symbol string, tf market.Timeframe, fetched market.Slice, log *logging.Logger) {
	lock := l.seriesLock(symbol, tf)
	lock.Lock()
	defer lock.Unlock()

	if err := l.store.UpsertCandles(ctx, fetched); err != nil {
		log.Warn("write-through failed", "count", len(fetched), "error", err)
		return
	}
	log.Debug("write-through persisted", "count", len(fetched))
}

// FetchLatest returns the newest candle for a series, preferring upstream
// and falling back to the store when every provider is down.
func (l *Loader) FetchLatest(ctx context.Context, symbol string, tf market.Timeframe) (market.Candle, error) {
	if symbol == "" || !tf.Valid() {
		return market.Candle{}, errs.New(errs.KindValidationFailed, "symbol and a supported timeframe are required")
	}

	now := l.now()
	c, err := l.upstream.FetchLatest(ctx, symbol, tf)
	if err == nil {
		clean := l.canonicalize(symbol, tf, market.Slice{c}, now)
		if len(clean) == 1 {
			l.writeThrough(ctx, symbol, tf, clean, logging.WindowLogger(symbol, string(tf)))
			if l.bus != nil {
				l.bus.PublishCandleUpdate(symbol, string(tf), clean[0])
			}
			return clean[0], nil
		}
	}

	stored, serr := l.store.GetLatestCandle(ctx, symbol, tf)
	if serr == nil && stored != nil {
		return *stored, nil
	}

	if err != nil {
		return market.Candle{}, err
	}
	return market.Candle{}, errs.Newf(errs.KindDataUnavailable, "no candles for %s %s", symbol, tf)
}
