package market

import (
	"testing"
	"time"
)

func TestNSECalendarSession(t *testing.T) {
	cal := NewNSECalendar()

	// Monday 2026-08-24 is a regular trading day.
	monday := time.Date(2026, 8, 24, 0, 0, 0, 0, IST)
	if !cal.IsTradingDay(monday) {
		t.Fatal("2026-08-24 should be a trading day")
	}

	cases := []struct {
		hour, minute int
		want         bool
	}{
		{9, 14, false},  // pre-open
		{9, 15, true},   // open boundary inclusive
		{12, 0, true},   // mid-session
		{15, 29, true},  // last minute
		{15, 30, false}, // close boundary exclusive
		{16, 0, false},
	}
	for _, tc := range cases {
		at := time.Date(2026, 8, 24, tc.hour, tc.minute, 0, 0, IST)
		if got := cal.InSession(at); got != tc.want {
			t.Errorf("InSession(%02d:%02d) = %v, want %v", tc.hour, tc.minute, got, tc.want)
		}
	}
}

func TestNSECalendarWeekendAndHoliday(t *testing.T) {
	cal := NewNSECalendar()

	saturday := time.Date(2026, 8, 22, 11, 0, 0, 0, IST)
	if cal.InSession(saturday) {
		t.Error("saturday should not be in session")
	}

	republicDay := time.Date(2026, 1, 26, 11, 0, 0, 0, IST)
	if cal.IsTradingDay(republicDay) {
		t.Error("republic day should be a holiday")
	}

	// UTC instant that maps into the IST session window.
	utcMorning := time.Date(2026, 8, 24, 5, 0, 0, 0, time.UTC) // 10:30 IST
	if !cal.InSession(utcMorning) {
		t.Error("10:30 IST expressed in UTC should be in session")
	}
}

func TestNSECalendarExtraHoliday(t *testing.T) {
	adhoc := time.Date(2026, 8, 24, 0, 0, 0, 0, IST)
	cal := NewNSECalendar(adhoc)
	if cal.IsTradingDay(adhoc) {
		t.Error("ad-hoc holiday should not be a trading day")
	}
}

func TestSessionBounds(t *testing.T) {
	cal := NewNSECalendar()
	open, closeAt, ok := cal.SessionBounds(time.Date(2026, 8, 24, 12, 0, 0, 0, IST))
	if !ok {
		t.Fatal("expected session bounds on trading day")
	}
	if open.Hour() != 9 || open.Minute() != 15 {
		t.Errorf("open = %v", open)
	}
	if closeAt.Hour() != 15 || closeAt.Minute() != 30 {
		t.Errorf("close = %v", closeAt)
	}
	if _, _, ok := cal.SessionBounds(time.Date(2026, 8, 23, 12, 0, 0, 0, IST)); ok {
		t.Error("sunday should have no session bounds")
	}
}
