// Package validation holds the gate pipeline applied to candle windows
// and predicted series. Every rejection carries a stable reason code
// recorded in the prediction's validation_flags audit column.
package validation

import (
	"fmt"
	"math"
	"time"

	"market-forecast-service/config"
	"market-forecast-service/internal/database"
	"market-forecast-service/internal/market"
)

// Reason codes. These are part of the stored audit contract and must not
// be renamed.
const (
	ReasonSchemaMissing      = "schema_missing"
	ReasonFutureTimestamp    = "future_timestamp"
	ReasonNonMonotonic       = "non_monotonic"
	ReasonOHLCInvalid        = "ohlc_invalid"
	ReasonNaNOrInf           = "nan_or_inf"
	ReasonNegativePrice      = "negative_price"
	ReasonStepDriftExceeded  = "step_drift_exceeded"
	ReasonTotalDriftExceeded = "total_drift_exceeded"
	ReasonEnvelopeExceeded   = "envelope_exceeded"
	ReasonTimedOut           = "timed_out"
	ReasonBotError           = "bot_error"
)

// Flag is one gate rejection with its context.
type Flag struct {
	Code   string
	Detail string
}

func (f Flag) String() string {
	if f.Detail == "" {
		return f.Code
	}
	return f.Code + ": " + f.Detail
}

// Validator applies the gates with configured thresholds.
type Validator struct {
	cfg config.ValidationConfig
}

func New(cfg config.ValidationConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Limits echoes the thresholds into the emitted prediction contract so
// consumers can re-verify the series client-side.
type Limits struct {
	StepMaxPct  float64 `json:"step_max_pct"`
	TotalMaxPct float64 `json:"total_max_pct"`
}

func (v *Validator) Limits() Limits {
	return Limits{StepMaxPct: v.cfg.EnvelopeStepMax, TotalMaxPct: v.cfg.EnvelopeTotal}
}

// ValidateWindow is the schema gate over an input candle window.
func (v *Validator) ValidateWindow(window market.Slice, now time.Time) []Flag {
	var flags []Flag

	if len(window) == 0 {
		return []Flag{{Code: ReasonSchemaMissing, Detail: "empty window"}}
	}
	if v.cfg.MinCandles > 0 && len(window) < v.cfg.MinCandles {
		flags = append(flags, Flag{
			Code:   ReasonSchemaMissing,
			Detail: fmt.Sprintf("%d candles, need %d", len(window), v.cfg.MinCandles),
		})
	}

	var prev time.Time
	for i, c := range window {
		if c.Symbol == "" || !c.Timeframe.Valid() || c.StartTS.IsZero() {
			flags = append(flags, Flag{Code: ReasonSchemaMissing, Detail: fmt.Sprintf("candle %d incomplete", i)})
			continue
		}
		if i > 0 && !c.StartTS.After(prev) {
			flags = append(flags, Flag{Code: ReasonNonMonotonic, Detail: fmt.Sprintf("candle %d at %s", i, c.StartTS.Format(time.RFC3339))})
		}
		if c.StartTS.After(now.Add(market.FutureClamp)) {
			flags = append(flags, Flag{Code: ReasonFutureTimestamp, Detail: c.StartTS.Format(time.RFC3339)})
		}
		if badFloat(c.Open) || badFloat(c.High) || badFloat(c.Low) || badFloat(c.Close) || badFloat(c.Volume) {
			flags = append(flags, Flag{Code: ReasonNaNOrInf, Detail: fmt.Sprintf("candle %d", i)})
		} else if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
			flags = append(flags, Flag{Code: ReasonNegativePrice, Detail: fmt.Sprintf("candle %d", i)})
		} else if c.High < c.Low || c.High < c.Open || c.High < c.Close || c.Low > c.Open || c.Low > c.Close {
			flags = append(flags, Flag{Code: ReasonOHLCInvalid, Detail: fmt.Sprintf("candle %d", i)})
		}
		prev = c.StartTS
	}

	return flags
}

// ValidateSeries is the sanity gate over a predicted series. reference is
// the last observed close the drift bounds are measured against.
func (v *Validator) ValidateSeries(series []database.ForecastPoint, reference float64) []Flag {
	return checkSeries(series, reference, v.cfg.StepMax, v.cfg.TotalMax)
}

// ValidateEnvelope is the merge-time gate with tighter bounds. Any
// violation rejects the whole bot output with envelope_exceeded.
func (v *Validator) ValidateEnvelope(series []database.ForecastPoint, reference float64) []Flag {
	flags := checkSeries(series, reference, v.cfg.EnvelopeStepMax, v.cfg.EnvelopeTotal)
	if len(flags) == 0 {
		return nil
	}
	return []Flag{{Code: ReasonEnvelopeExceeded, Detail: flags[0].String()}}
}

// floatTol absorbs rounding from clamp arithmetic so a sanitized series
// sitting exactly on a bound still passes.
const floatTol = 1e-9

func checkSeries(series []database.ForecastPoint, reference, stepMax, totalMax float64) []Flag {
	var flags []Flag

	if len(series) == 0 {
		return []Flag{{Code: ReasonSchemaMissing, Detail: "empty series"}}
	}

	var prevTS time.Time
	prevClose := reference
	for i, p := range series {
		if p.TS.IsZero() {
			flags = append(flags, Flag{Code: ReasonSchemaMissing, Detail: fmt.Sprintf("point %d has no timestamp", i)})
			continue
		}
		if i > 0 && !p.TS.After(prevTS) {
			flags = append(flags, Flag{Code: ReasonNonMonotonic, Detail: fmt.Sprintf("point %d", i)})
		}
		if badFloat(p.Price) {
			flags = append(flags, Flag{Code: ReasonNaNOrInf, Detail: fmt.Sprintf("point %d", i)})
			prevTS = p.TS
			continue
		}
		if p.Price <= 0 {
			flags = append(flags, Flag{Code: ReasonNegativePrice, Detail: fmt.Sprintf("point %d", i)})
			prevTS = p.TS
			continue
		}

		if prevClose > 0 {
			step := math.Abs(p.Price-prevClose) / prevClose * 100
			if step > stepMax+floatTol {
				flags = append(flags, Flag{
					Code:   ReasonStepDriftExceeded,
					Detail: fmt.Sprintf("point %d moved %.2f%%, max %.2f%%", i, step, stepMax),
				})
			}
		}
		if reference > 0 {
			total := math.Abs(p.Price-reference) / reference * 100
			if total > totalMax+floatTol {
				flags = append(flags, Flag{
					Code:   ReasonTotalDriftExceeded,
					Detail: fmt.Sprintf("point %d drifted %.2f%% from reference, max %.2f%%", i, total, totalMax),
				})
			}
		}

		prevTS = p.TS
		prevClose = p.Price
	}

	return flags
}

// Sanitize clamps a series into the configured bounds instead of
// rejecting it: each step is limited to step_max and every point to the
// total_max band around the reference. Returns the clamped copy and
// whether anything changed.
func (v *Validator) Sanitize(series []database.ForecastPoint, reference float64) ([]database.ForecastPoint, bool) {
	if reference <= 0 || len(series) == 0 {
		return series, false
	}

	stepCap := v.cfg.StepMax / 100
	lower := reference * (1 - v.cfg.TotalMax/100)
	upper := reference * (1 + v.cfg.TotalMax/100)

	out := make([]database.ForecastPoint, len(series))
	copy(out, series)

	changed := false
	prev := reference
	for i := range out {
		p := out[i].Price
		if badFloat(p) || p <= 0 {
			p = prev
			changed = true
		}
		if maxUp := prev * (1 + stepCap); p > maxUp {
			p = maxUp
			changed = true
		}
		if maxDown := prev * (1 - stepCap); p < maxDown {
			p = maxDown
			changed = true
		}
		if p > upper {
			p = upper
			changed = true
		}
		if p < lower {
			p = lower
			changed = true
		}
		out[i].Price = p
		prev = p
	}
	return out, changed
}

func badFloat(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}
