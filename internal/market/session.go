package market

import "time"

// Calendar answers trading-session membership questions. It is injected
// into the window loader so exchange holidays never leak into core logic.
type Calendar interface {
	// IsTradingDay reports whether t falls on a trading day.
	IsTradingDay(t time.Time) bool
	// InSession reports whether t falls inside the trading session,
	// inclusive of the opening boundary.
	InSession(t time.Time) bool
	// SessionBounds returns the session open and close for t's date in the
	// exchange timezone. ok is false on non-trading days.
	SessionBounds(t time.Time) (open, close time.Time, ok bool)
}

// IST is Indian Standard Time (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// NSE session in IST.
const (
	nseOpenHour    = 9
	nseOpenMinute  = 15
	nseCloseHour   = 15
	nseCloseMinute = 30
)

// NSECalendar implements Calendar for NSE equities: 09:15-15:30 IST,
// Monday through Friday, excluding exchange holidays.
type NSECalendar struct {
	holidays map[string]bool
}

// NewNSECalendar builds a calendar with the built-in holiday table plus any
// extra holidays (dates in IST).
func NewNSECalendar(extra ...time.Time) *NSECalendar {
	cal := &NSECalendar{holidays: make(map[string]bool, len(nseHolidays)+len(extra))}
	for _, h := range nseHolidays {
		cal.holidays[dateKey(h.year, h.month, h.day)] = true
	}
	for _, t := range extra {
		ist := t.In(IST)
		cal.holidays[dateKey(ist.Year(), ist.Month(), ist.Day())] = true
	}
	return cal
}

func (cal *NSECalendar) isHoliday(ist time.Time) bool {
	return cal.holidays[dateKey(ist.Year(), ist.Month(), ist.Day())]
}

// IsTradingDay reports whether t is a weekday and not an exchange holiday.
func (cal *NSECalendar) IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !cal.isHoliday(ist)
}

// InSession reports whether t falls within 09:15-15:30 IST on a trading day.
// The open boundary is inclusive, the close boundary exclusive, matching
// candle start timestamps.
func (cal *NSECalendar) InSession(t time.Time) bool {
	if !cal.IsTradingDay(t) {
		return false
	}
	ist := t.In(IST)
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= nseOpenHour*60+nseOpenMinute && hm < nseCloseHour*60+nseCloseMinute
}

// SessionBounds returns today's open and close in IST for t's date.
func (cal *NSECalendar) SessionBounds(t time.Time) (time.Time, time.Time, bool) {
	if !cal.IsTradingDay(t) {
		return time.Time{}, time.Time{}, false
	}
	ist := t.In(IST)
	open := time.Date(ist.Year(), ist.Month(), ist.Day(), nseOpenHour, nseOpenMinute, 0, 0, IST)
	close := time.Date(ist.Year(), ist.Month(), ist.Day(), nseCloseHour, nseCloseMinute, 0, 0, IST)
	return open, close, true
}

// AlwaysOpenCalendar treats every instant as in-session. Used for venues
// without session gaps and in tests.
type AlwaysOpenCalendar struct{}

func (AlwaysOpenCalendar) IsTradingDay(time.Time) bool { return true }
func (AlwaysOpenCalendar) InSession(time.Time) bool    { return true }
func (AlwaysOpenCalendar) SessionBounds(t time.Time) (time.Time, time.Time, bool) {
	day := t.UTC().Truncate(24 * time.Hour)
	return day, day.Add(24 * time.Hour), true
}

func dateKey(year int, month time.Month, day int) string {
	const digits = "0123456789"
	b := []byte{0, 0, 0, 0, '-', 0, 0, '-', 0, 0}
	b[0] = digits[year/1000%10]
	b[1] = digits[year/100%10]
	b[2] = digits[year/10%10]
	b[3] = digits[year%10]
	b[5] = digits[int(month)/10]
	b[6] = digits[int(month)%10]
	b[8] = digits[day/10]
	b[9] = digits[day%10]
	return string(b)
}
