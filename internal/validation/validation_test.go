package validation

import (
	"math"
	"testing"
	"time"

	"market-forecast-service/config"
	"market-forecast-service/internal/database"
	"market-forecast-service/internal/market"
)

var testCfg = config.ValidationConfig{
	StepMax: 8, TotalMax: 20,
	EnvelopeStepMax: 6, EnvelopeTotal: 12,
	MinCandles: 5,
}

func points(ref float64, pcts ...float64) []database.ForecastPoint {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	out := make([]database.ForecastPoint, len(pcts))
	for i, p := range pcts {
		out[i] = database.ForecastPoint{
			TS:    start.Add(time.Duration(i+1) * 5 * time.Minute),
			Price: ref * (1 + p/100),
		}
	}
	return out
}

func hasFlag(flags []Flag, code string) bool {
	for _, f := range flags {
		if f.Code == code {
			return true
		}
	}
	return false
}

func TestValidateWindowCleanPasses(t *testing.T) {
	v := New(testCfg)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	var window market.Slice
	for i := 0; i < 10; i++ {
		window = append(window, market.Candle{
			Symbol: "ACME", Timeframe: market.Timeframe5m,
			StartTS: now.Add(time.Duration(i-10) * 5 * time.Minute),
			Open:    100, High: 101, Low: 99, Close: 100.5, Volume: 10,
		})
	}
	if flags := v.ValidateWindow(window, now); len(flags) != 0 {
		t.Fatalf("clean window flagged: %v", flags)
	}
}

func TestValidateWindowFlags(t *testing.T) {
	v := New(testCfg)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	base := market.Candle{
		Symbol: "ACME", Timeframe: market.Timeframe5m,
		StartTS: now.Add(-time.Hour),
		Open:    100, High: 101, Low: 99, Close: 100, Volume: 10,
	}

	t.Run("empty", func(t *testing.T) {
		if !hasFlag(v.ValidateWindow(nil, now), ReasonSchemaMissing) {
			t.Error("empty window should flag schema_missing")
		}
	})

	t.Run("too short", func(t *testing.T) {
		if !hasFlag(v.ValidateWindow(market.Slice{base}, now), ReasonSchemaMissing) {
			t.Error("short window should flag schema_missing")
		}
	})

	t.Run("non monotonic", func(t *testing.T) {
		w := market.Slice{base, base, base, base, base}
		if !hasFlag(v.ValidateWindow(w, now), ReasonNonMonotonic) {
			t.Error("repeated timestamps should flag non_monotonic")
		}
	})

	t.Run("future", func(t *testing.T) {
		c := base
		c.StartTS = now.Add(3 * time.Hour)
		w := market.Slice{base, c}
		if !hasFlag(v.ValidateWindow(w, now), ReasonFutureTimestamp) {
			t.Error("future candle should flag future_timestamp")
		}
	})

	t.Run("ohlc", func(t *testing.T) {
		c := base
		c.StartTS = base.StartTS.Add(5 * time.Minute)
		c.High = c.Low - 1
		w := market.Slice{base, c}
		if !hasFlag(v.ValidateWindow(w, now), ReasonOHLCInvalid) {
			t.Error("inverted high/low should flag ohlc_invalid")
		}
	})
}

func TestValidateSeries(t *testing.T) {
	v := New(testCfg)
	ref := 500.0

	t.Run("clean", func(t *testing.T) {
		if flags := v.ValidateSeries(points(ref, 1, 2, 3), ref); len(flags) != 0 {
			t.Fatalf("clean series flagged: %v", flags)
		}
	})

	t.Run("nan", func(t *testing.T) {
		s := points(ref, 1, 2)
		s[1].Price = math.NaN()
		if !hasFlag(v.ValidateSeries(s, ref), ReasonNaNOrInf) {
			t.Error("NaN should flag nan_or_inf")
		}
	})

	t.Run("negative", func(t *testing.T) {
		s := points(ref, 1)
		s[0].Price = -3
		if !hasFlag(v.ValidateSeries(s, ref), ReasonNegativePrice) {
			t.Error("negative price should flag negative_price")
		}
	})

	t.Run("step spike", func(t *testing.T) {
		// 1% then a jump to 15%: the step between them is ~13.9%.
		if !hasFlag(v.ValidateSeries(points(ref, 1, 15), ref), ReasonStepDriftExceeded) {
			t.Error("14% step should flag step_drift_exceeded")
		}
	})

	t.Run("total drift", func(t *testing.T) {
		s := points(ref, 7, 14, 21, 28)
		flags := v.ValidateSeries(s, ref)
		if !hasFlag(flags, ReasonTotalDriftExceeded) {
			t.Errorf("28%% drift should flag total_drift_exceeded, got %v", flags)
		}
	})

	t.Run("non monotonic", func(t *testing.T) {
		s := points(ref, 1, 2)
		s[1].TS = s[0].TS
		if !hasFlag(v.ValidateSeries(s, ref), ReasonNonMonotonic) {
			t.Error("equal timestamps should flag non_monotonic")
		}
	})
}

func TestValidateEnvelopeTighter(t *testing.T) {
	v := New(testCfg)
	ref := 500.0

	// 10% total drift passes the sanity gate (20%) but not the
	// envelope (12%)? 10 < 12, so use 13%.
	s := points(ref, 5, 9, 13)
	if flags := v.ValidateSeries(s, ref); len(flags) != 0 {
		t.Fatalf("series should pass the sanity gate: %v", flags)
	}
	flags := v.ValidateEnvelope(s, ref)
	if !hasFlag(flags, ReasonEnvelopeExceeded) {
		t.Fatalf("13%% drift should trip the envelope, got %v", flags)
	}
}

func TestSanitizeClampsSpike(t *testing.T) {
	v := New(testCfg)
	ref := 500.0

	s := points(ref, 1, 30, 2)
	clamped, changed := v.Sanitize(s, ref)
	if !changed {
		t.Fatal("spike should be clamped")
	}
	if flags := v.ValidateSeries(clamped, ref); len(flags) != 0 {
		t.Fatalf("sanitized series should pass the sanity gate: %v", flags)
	}
	prev := ref
	for i, p := range clamped {
		step := math.Abs(p.Price-prev) / prev * 100
		if step > testCfg.StepMax+1e-9 {
			t.Errorf("point %d step %.2f%% above cap", i, step)
		}
		prev = p.Price
	}
}

func TestSanitizeCleanSeriesUntouched(t *testing.T) {
	v := New(testCfg)
	s := points(500, 1, 2, 3)
	out, changed := v.Sanitize(s, 500)
	if changed {
		t.Fatal("clean series should not change")
	}
	for i := range s {
		if out[i].Price != s[i].Price {
			t.Errorf("point %d altered", i)
		}
	}
}
