package upstream

import (
	"context"
	"fmt"
	"time"

	"market-forecast-service/internal/errs"
	"market-forecast-service/internal/logging"
	"market-forecast-service/internal/market"
)

// Failover tries an ordered list of providers until one yields candles.
// The first provider's candles are tagged primary, later ones fallback.
// Per-provider breakers skip vendors that keep failing; a shared rate
// limiter caps total request volume.
type Failover struct {
	providers []Provider
	breakers  []*Breaker
	limiter   *RateLimiter
	log       *logging.Logger
}

// NewFailover builds the failover chain in priority order.
func NewFailover(providers []Provider, breakerThreshold int, breakerCooldown time.Duration, limiter *RateLimiter) *Failover {
	breakers := make([]*Breaker, len(providers))
	for i := range providers {
		breakers[i] = NewBreaker(breakerThreshold, breakerCooldown)
	}
	return &Failover{
		providers: providers,
		breakers:  breakers,
		limiter:   limiter,
		log:       logging.WithComponent("upstream"),
	}
}

func (f *Failover) provenanceFor(idx int) market.Provenance {
	if idx == 0 {
		return market.ProvenancePrimary
	}
	return market.ProvenanceFallback
}

// FetchCandles walks the provider chain. Empty results count as failures
// so the fallback gets a chance. Returns upstream_failure carrying the
// last provider's message when every vendor errs or comes back empty.
func (f *Failover) FetchCandles(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time) ([]market.Candle, error) {
	var lastErr error

	for i, p := range f.providers {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.KindCancelled, "upstream fetch cancelled", err)
		}
		if !f.breakers[i].Allow() {
			f.log.Debug("provider skipped by breaker", "provider", p.Name())
			continue
		}
		if f.limiter != nil && !f.limiter.Allow(p.Name()) {
			lastErr = fmt.Errorf("%s rate limited", p.Name())
			continue
		}

		candles, err := p.FetchCandles(ctx, symbol, tf, from, to)
		if err != nil {
			f.breakers[i].RecordFailure()
			f.log.Warn("provider fetch failed", "provider", p.Name(), "symbol", symbol, "error", err)
			lastErr = err
			continue
		}
		if len(candles) == 0 {
			f.breakers[i].RecordFailure()
			f.log.Debug("provider returned no candles", "provider", p.Name(), "symbol", symbol)
			lastErr = fmt.Errorf("%s returned no candles", p.Name())
			continue
		}

		f.breakers[i].RecordSuccess()
		prov := f.provenanceFor(i)
		for j := range candles {
			candles[j].Provenance = prov
		}
		return candles, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers configured")
	}
	return nil, errs.Wrap(errs.KindUpstreamFailure, "all providers failed", lastErr)
}

// FetchLatest walks the chain for the single newest candle.
func (f *Failover) FetchLatest(ctx context.Context, symbol string, tf market.Timeframe) (market.Candle, error) {
	var lastErr error

	for i, p := range f.providers {
		if err := ctx.Err(); err != nil {
			return market.Candle{}, errs.Wrap(errs.KindCancelled, "upstream fetch cancelled", err)
		}
		if !f.breakers[i].Allow() {
			continue
		}
		if f.limiter != nil && !f.limiter.Allow(p.Name()) {
			lastErr = fmt.Errorf("%s rate limited", p.Name())
			continue
		}

		candle, err := p.FetchLatest(ctx, symbol, tf)
		if err != nil {
			f.breakers[i].RecordFailure()
			lastErr = err
			continue
		}

		f.breakers[i].RecordSuccess()
		candle.Provenance = f.provenanceFor(i)
		return candle, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers configured")
	}
	return market.Candle{}, errs.Wrap(errs.KindUpstreamFailure, "all providers failed", lastErr)
}
