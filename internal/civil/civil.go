// Package civil converts instants into timezone-free calendar values of one
// fixed operating zone.
//
// Dates and clocks are plain strings ("2006-01-02", "15:04:05") so that every
// comparison downstream is a lexical comparison of civil values, never an
// instant comparison that could drift with DST or the host offset.
package civil

import (
	"errors"
	"fmt"
	"time"

	// Embedded zone database: results must not depend on the host's zoneinfo.
	_ "time/tzdata"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04:05"
)

// Date is a civil date in YYYY-MM-DD form.
type Date string

// Clock is a civil time of day in HH:MM:SS form.
type Clock string

// EndOfDay is used as the end clock for bookings that run until midnight.
const EndOfDay Clock = "23:59:59"

// ParseDate validates s as a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("civil: invalid date %q: %w", s, err)
	}
	return Date(t.Format(DateLayout)), nil
}

func (d Date) String() string { return string(d) }

func (d Date) Before(o Date) bool { return d < o }

func (d Date) After(o Date) bool { return d > o }

// AddDays moves d by n calendar days.
func (d Date) AddDays(n int) Date {
	return d.shift(0, 0, n)
}

// AddMonths moves d by n calendar months (time.AddDate normalization rules).
func (d Date) AddMonths(n int) Date {
	return d.shift(0, n, 0)
}

// Weekday reports the day of week of d.
func (d Date) Weekday() time.Weekday {
	return d.utc().Weekday()
}

func (d Date) shift(years, months, days int) Date {
	return Date(d.utc().AddDate(years, months, days).Format(DateLayout))
}

// utc interprets d as midnight UTC; only used for calendar arithmetic.
func (d Date) utc() time.Time {
	t, err := time.Parse(DateLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (c Clock) String() string { return string(c) }

// Normalizer maps instants to the operating zone's civil values.
type Normalizer struct {
	loc *time.Location
}

// NewNormalizer loads the IANA zone name. An unknown or empty name is an
// error; there is no fallback to time.Local.
func NewNormalizer(tzName string) (*Normalizer, error) {
	if tzName == "" {
		return nil, errors.New("civil: timezone is empty")
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("civil: load timezone %q: %w", tzName, err)
	}
	return &Normalizer{loc: loc}, nil
}

// NewNormalizerIn wraps an already loaded location.
func NewNormalizerIn(loc *time.Location) *Normalizer {
	return &Normalizer{loc: loc}
}

func (n *Normalizer) Location() *time.Location { return n.loc }

// Today is the civil date of now in the operating zone. Compute it once per
// run and pass it down.
func (n *Normalizer) Today(now time.Time) Date {
	return n.Date(now)
}

func (n *Normalizer) Date(t time.Time) Date {
	return Date(t.In(n.loc).Format(DateLayout))
}

func (n *Normalizer) Clock(t time.Time) Clock {
	return Clock(t.In(n.loc).Format(ClockLayout))
}

// Midnight returns the instant at which d starts in the operating zone.
func (n *Normalizer) Midnight(d Date) time.Time {
	u := d.utc()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, n.loc)
}
