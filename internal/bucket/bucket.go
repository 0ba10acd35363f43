package bucket

import (
	"fmt"
	"strings"
	"time"
)

// Period selects which leaderboard window a key belongs to.
type Period string

const (
	Day  Period = "day"
	Week Period = "week"
)

// ParsePeriod converts a string to a Period. Empty input defaults to Day.
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "day":
		return Day, nil
	case "week":
		return Week, nil
	default:
		return "", fmt.Errorf("unknown period %q (use day or week)", s)
	}
}

// Clock returns the current instant. Tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Generator derives bucket keys for a namespace. All calendar math happens
// in loc so that two instances in different host timezones agree on keys.
type Generator struct {
	prefix string
	clock  Clock
	loc    *time.Location
}

// NewGenerator creates a key generator. namespace "hotboard" yields keys like
// "hotboard:zset:day:2024-03-05". A nil clock uses SystemClock, a nil location UTC.
func NewGenerator(namespace string, clock Clock, loc *time.Location) *Generator {
	namespace = strings.TrimSuffix(strings.TrimSpace(namespace), ":")
	if clock == nil {
		clock = SystemClock{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Generator{
		prefix: namespace + ":zset:",
		clock:  clock,
		loc:    loc,
	}
}

// Location returns the canonical timezone for bucket math.
func (g *Generator) Location() *time.Location {
	return g.loc
}

// Now returns the current instant in the canonical timezone.
func (g *Generator) Now() time.Time {
	return g.clock.Now().In(g.loc)
}

// DayKey returns the day bucket key for t.
func (g *Generator) DayKey(t time.Time) string {
	return g.prefix + "day:" + t.In(g.loc).Format("2006-01-02")
}

// WeekKey returns the week bucket key for t.
func (g *Generator) WeekKey(t time.Time) string {
	year, week := WeekOf(t.In(g.loc))
	return fmt.Sprintf("%sweek:%04d-W%02d", g.prefix, year, week)
}

// Key returns the bucket key for t in the given period.
func (g *Generator) Key(p Period, t time.Time) string {
	if p == Week {
		return g.WeekKey(t)
	}
	return g.DayKey(t)
}

// CurrentDayKey returns the day key for now.
func (g *Generator) CurrentDayKey() string {
	return g.DayKey(g.Now())
}

// CurrentWeekKey returns the week key for now.
func (g *Generator) CurrentWeekKey() string {
	return g.WeekKey(g.Now())
}

// CurrentKey returns the key of the live bucket for p.
func (g *Generator) CurrentKey(p Period) string {
	return g.Key(p, g.Now())
}

// WeekOf returns the (year, week) pair used in week keys. Weeks start on
// Monday and week 1 begins on the first Monday on or after January 1st of
// the year that contains the date's Monday. A date in January whose Monday
// still lies in December is always reported as week 1 of the new year.
func WeekOf(t time.Time) (int, int) {
	date := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	monday := mondayOf(date)
	if monday.Month() == time.December && date.Month() == time.January {
		return date.Year(), 1
	}
	first := firstMonday(monday.Year())
	days := int(monday.Sub(first).Hours() / 24)
	return monday.Year(), days/7 + 1
}

func mondayOf(date time.Time) time.Time {
	offset := (int(date.Weekday()) + 6) % 7
	return date.AddDate(0, 0, -offset)
}

func firstMonday(year int) time.Time {
	jan1 := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	offset := (8 - int(jan1.Weekday())) % 7
	return jan1.AddDate(0, 0, offset)
}
