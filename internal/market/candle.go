package market

import (
	"fmt"
	"sort"
	"time"
)

// Provenance tags which tier produced a candle. Higher priority wins when
// merging duplicate observations for the same start timestamp.
type Provenance string

const (
	ProvenancePrimary  Provenance = "primary"
	ProvenanceFallback Provenance = "fallback"
	ProvenanceDB       Provenance = "db"
	ProvenanceCache    Provenance = "cache"
)

var provenancePriority = map[Provenance]int{
	ProvenancePrimary:  4,
	ProvenanceFallback: 3,
	ProvenanceDB:       2,
	ProvenanceCache:    1,
}

// Priority returns the merge tie-break rank (higher wins).
func (p Provenance) Priority() int {
	return provenancePriority[p]
}

// FutureClamp is the tolerance beyond now for candle timestamps; anything
// later is rejected as a clock artifact.
const FutureClamp = time.Hour

// Candle is one immutable OHLCV observation. A newer observation for the
// same (symbol, timeframe, start_ts) replaces it as a whole.
type Candle struct {
	Symbol     string     `json:"symbol"`
	Timeframe  Timeframe  `json:"timeframe"`
	StartTS    time.Time  `json:"start_ts"`
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     float64    `json:"volume"`
	Provenance Provenance `json:"provenance"`
}

// Validate checks the candle invariants against the reference time now.
func (c Candle) Validate(now time.Time) error {
	if c.Symbol == "" {
		return fmt.Errorf("candle missing symbol")
	}
	if !c.Timeframe.Valid() {
		return fmt.Errorf("candle has unsupported timeframe %q", c.Timeframe)
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("candle prices must be positive")
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle volume must be non-negative")
	}
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle OHLC out of range: low=%.4f open=%.4f close=%.4f high=%.4f", c.Low, c.Open, c.Close, c.High)
	}
	if !c.Timeframe.Aligned(c.StartTS) {
		return fmt.Errorf("candle start %s not aligned to %s boundary", c.StartTS.Format(time.RFC3339), c.Timeframe)
	}
	if c.StartTS.After(now.Add(FutureClamp)) {
		return fmt.Errorf("candle start %s beyond future clamp", c.StartTS.Format(time.RFC3339))
	}
	return nil
}

// Slice is an ordered, deduplicated sequence of candles for one
// (symbol, timeframe). Start timestamps are strictly increasing.
type Slice []Candle

// SortDedup sorts by start timestamp and collapses duplicates, keeping the
// candle with the highest provenance priority per timestamp.
func (s Slice) SortDedup() Slice {
	if len(s) == 0 {
		return s
	}
	out := make(Slice, len(s))
	copy(out, s)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartTS.Equal(out[j].StartTS) {
			return out[i].Provenance.Priority() > out[j].Provenance.Priority()
		}
		return out[i].StartTS.Before(out[j].StartTS)
	})
	dedup := out[:0]
	for _, c := range out {
		if len(dedup) > 0 && dedup[len(dedup)-1].StartTS.Equal(c.StartTS) {
			continue
		}
		dedup = append(dedup, c)
	}
	return dedup
}

// Merge combines two slices, resolving timestamp collisions by provenance.
func (s Slice) Merge(other Slice) Slice {
	combined := make(Slice, 0, len(s)+len(other))
	combined = append(combined, s...)
	combined = append(combined, other...)
	return combined.SortDedup()
}

// Ordered reports whether start timestamps are strictly increasing.
func (s Slice) Ordered() bool {
	for i := 1; i < len(s); i++ {
		if !s[i].StartTS.After(s[i-1].StartTS) {
			return false
		}
	}
	return true
}

// Within returns the sub-slice with start timestamps in [from, to].
func (s Slice) Within(from, to time.Time) Slice {
	out := make(Slice, 0, len(s))
	for _, c := range s {
		if c.StartTS.Before(from) || c.StartTS.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Covers reports whether the slice spans [from, to] with no leading or
// trailing gap bigger than one interval. Interior session gaps are expected
// and not checked here; the calendar owns those.
func (s Slice) Covers(from, to time.Time, tf Timeframe) bool {
	if len(s) == 0 {
		return false
	}
	step := tf.Duration()
	if s[0].StartTS.After(from.Add(step)) {
		return false
	}
	return !s[len(s)-1].StartTS.Before(to.Add(-step))
}

// Last returns the newest candle, or false when empty.
func (s Slice) Last() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[len(s)-1], true
}

// Clone returns an independent copy callers may hold without sharing.
func (s Slice) Clone() Slice {
	out := make(Slice, len(s))
	copy(out, s)
	return out
}

// Closes returns the close prices in order.
func (s Slice) Closes() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.Close
	}
	return out
}
