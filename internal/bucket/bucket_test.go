package bucket

import (
	"testing"
	"time"
)

func fixed(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

func TestDayKey(t *testing.T) {
	g := NewGenerator("hotboard", nil, time.UTC)
	got := g.DayKey(time.Date(2024, time.March, 5, 13, 0, 0, 0, time.UTC))
	if got != "hotboard:zset:day:2024-03-05" {
		t.Fatalf("DayKey = %q", got)
	}
}

func TestWeekKey(t *testing.T) {
	g := NewGenerator("hotboard:", nil, time.UTC)
	tests := []struct {
		date string
		want string
	}{
		{"2024-01-01", "hotboard:zset:week:2024-W01"},
		{"2024-03-05", "hotboard:zset:week:2024-W10"},
		{"2020-12-31", "hotboard:zset:week:2020-W52"},
		{"2021-01-04", "hotboard:zset:week:2021-W01"},
		{"2021-01-11", "hotboard:zset:week:2021-W02"},
	}
	for _, tt := range tests {
		d, err := time.Parse("2006-01-02", tt.date)
		if err != nil {
			t.Fatalf("parse %s: %v", tt.date, err)
		}
		if got := g.WeekKey(d); got != tt.want {
			t.Errorf("WeekKey(%s) = %q, want %q", tt.date, got, tt.want)
		}
	}
}

func TestWeekOfDecemberMondayJanuaryDate(t *testing.T) {
	// Every January date whose Monday is still in December belongs to the new year's week 1.
	for year := 2000; year <= 2040; year++ {
		for day := 1; day <= 7; day++ {
			d := time.Date(year, time.January, day, 12, 0, 0, 0, time.UTC)
			if mondayOf(d).Month() != time.December {
				continue
			}
			y, w := WeekOf(d)
			if y != year || w != 1 {
				t.Fatalf("WeekOf(%s) = %d-W%02d, want %d-W01", d.Format("2006-01-02"), y, w, year)
			}
		}
	}
}

func TestWeekOfNeverZero(t *testing.T) {
	d := time.Date(2019, time.December, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3*366; i++ {
		_, w := WeekOf(d)
		if w < 1 || w > 53 {
			t.Fatalf("WeekOf(%s) week = %d", d.Format("2006-01-02"), w)
		}
		d = d.AddDate(0, 0, 1)
	}
}

func TestGeneratorUsesInjectedLocation(t *testing.T) {
	now := time.Date(2024, time.March, 4, 23, 30, 0, 0, time.UTC)
	tokyo := time.FixedZone("JST", 9*3600)

	utc := NewGenerator("hb", fixed(now), time.UTC)
	jst := NewGenerator("hb", fixed(now), tokyo)

	if got := utc.CurrentDayKey(); got != "hb:zset:day:2024-03-04" {
		t.Errorf("utc day = %q", got)
	}
	if got := jst.CurrentDayKey(); got != "hb:zset:day:2024-03-05" {
		t.Errorf("jst day = %q", got)
	}
	// Same instant viewed from a different ambient zone must not change the key.
	shifted := now.In(time.FixedZone("PST", -8*3600))
	if got := utc.DayKey(shifted); got != "hb:zset:day:2024-03-04" {
		t.Errorf("shifted day = %q", got)
	}
}

func TestCurrentKeyByPeriod(t *testing.T) {
	g := NewGenerator("hb", fixed(time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)), nil)
	if got := g.CurrentKey(Day); got != g.CurrentDayKey() {
		t.Errorf("CurrentKey(Day) = %q", got)
	}
	if got := g.CurrentKey(Week); got != "hb:zset:week:2024-W10" {
		t.Errorf("CurrentKey(Week) = %q", got)
	}
}

func TestParsePeriod(t *testing.T) {
	for in, want := range map[string]Period{"": Day, "day": Day, " WEEK ": Week} {
		got, err := ParsePeriod(in)
		if err != nil || got != want {
			t.Errorf("ParsePeriod(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePeriod("month"); err == nil {
		t.Error("expected error for month")
	}
}
