package market

import (
	"fmt"
	"time"
)

// Timeframe is the candle interval length.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// Per-timeframe upper bound on a single provider request. Requests beyond
// this are chunked by the window loader.
var maxProviderRange = map[Timeframe]time.Duration{
	Timeframe1m:  5 * 24 * time.Hour,
	Timeframe5m:  60 * 24 * time.Hour,
	Timeframe15m: 60 * 24 * time.Hour,
	Timeframe1h:  2 * 365 * 24 * time.Hour,
	Timeframe4h:  2 * 365 * 24 * time.Hour,
	Timeframe1d:  10 * 365 * 24 * time.Hour,
}

// ParseTimeframe validates and converts a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe: %q", s)
	}
	return tf, nil
}

// Timeframes returns all supported timeframes in ascending duration order.
func Timeframes() []Timeframe {
	return []Timeframe{Timeframe1m, Timeframe5m, Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d}
}

// Duration returns the interval length of the timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Valid reports whether the timeframe is supported.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Candle boundaries anchor at the session open, not UTC midnight: NSE
// hourly candles run 09:15, 10:15, ... IST. 09:15 IST is 03:45 UTC.
const sessionAnchorOffset = 3*time.Hour + 45*time.Minute

// Truncate rounds t down to the nearest session-anchored timeframe
// boundary (UTC). For minute frames this is identical to plain UTC
// truncation; for 1h and up it shifts boundaries onto the 09:15 IST grid.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	return t.UTC().Add(-sessionAnchorOffset).Truncate(tf.Duration()).Add(sessionAnchorOffset)
}

// Aligned reports whether t falls exactly on a timeframe boundary.
func (tf Timeframe) Aligned(t time.Time) bool {
	return t.UTC().Equal(tf.Truncate(t))
}

// MaxProviderRange returns the widest span one upstream request may cover
// for this timeframe.
func (tf Timeframe) MaxProviderRange() time.Duration {
	if d, ok := maxProviderRange[tf]; ok {
		return d
	}
	return 24 * time.Hour
}
