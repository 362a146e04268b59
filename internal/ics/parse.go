package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "studiosync/internal/log"
)

// CalendarItem is the normalized representation of a VEVENT as produced by
// the parser. Recurrence expansion operates on this type.
type CalendarItem struct {
	UID string

	Title       string
	Description string
	Location    string

	// Start / End carry the event's own zone (TZID, UTC, or the operating
	// zone for floating and date-only values).
	Start  time.Time
	End    time.Time
	AllDay bool

	Cancelled bool

	RRule   string
	ExDates []time.Time

	// RecurrenceID is set when this VEVENT overrides one instance of a
	// recurring event.
	RecurrenceID *time.Time
}

// IsRecurring reports whether the item carries a recurrence rule.
func (it CalendarItem) IsRecurring() bool { return it.RRule != "" }

// IsOverride reports whether the item replaces a single recurring instance.
func (it CalendarItem) IsOverride() bool { return it.RecurrenceID != nil }

// ParseStats counts what the parser dropped.
type ParseStats struct {
	Events    int // VEVENT components seen
	Cancelled int
	Overrides int
	Untitled  int
	Invalid   int
}

// Skipped is the number of VEVENTs that did not become items.
func (s ParseStats) Skipped() int {
	return s.Cancelled + s.Overrides + s.Untitled + s.Invalid
}

// ParseFeed parses one ICS document.
//
//   - A document that is not a calendar at all yields ErrMalformedFeed.
//   - A VEVENT that cannot be read is logged as an ItemParseError and skipped.
//   - Cancelled events, per-instance overrides (RECURRENCE-ID) and events
//     without a title are excluded and counted in ParseStats.
//   - Floating and date-only values are read in loc, never in time.Local.
//   - RRULE/EXDATE are recorded; expansion happens in ExpandDates.
func ParseFeed(src Source, body []byte, loc *time.Location) ([]CalendarItem, ParseStats, error) {
	var stats ParseStats

	if err := validateICalFormat(body); err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, stats, err
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, stats, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
	}

	items := make([]CalendarItem, 0)
	for _, ve := range cal.Events() {
		stats.Events++

		it, perr := parseVEvent(ve, loc)
		if perr != nil {
			stats.Invalid++
			appLog.Error("ics vevent skipped", perr, "id", src.ID)
			continue
		}

		switch {
		case it.Cancelled:
			stats.Cancelled++
			appLog.Debug("ics vevent cancelled", "uid", it.UID)
		case it.IsOverride():
			// Per-instance overrides are not reconstructed; the instance is
			// simply absent from the expansion of its series.
			stats.Overrides++
			appLog.Debug("ics vevent override skipped", "uid", it.UID, "recurrence_id", it.RecurrenceID.Format(time.RFC3339))
		case strings.TrimSpace(it.Title) == "":
			stats.Untitled++
			appLog.Debug("ics vevent without title", "uid", it.UID)
		default:
			items = append(items, it)
		}
	}

	appLog.Info("ics parse completed",
		"id", src.ID,
		"events", stats.Events,
		"items", len(items),
		"cancelled", stats.Cancelled,
		"overrides", stats.Overrides,
		"untitled", stats.Untitled,
		"invalid", stats.Invalid,
	)
	return items, stats, nil
}

func validateICalFormat(body []byte) error {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")))
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty document", ErrMalformedFeed)
	}

	upper := strings.ToUpper(string(trimmed[:min(len(trimmed), 64)]))
	if strings.HasPrefix(upper, "<!DOCTYPE") || strings.HasPrefix(upper, "<HTML") {
		return fmt.Errorf("%w: received HTML instead of iCalendar data", ErrMalformedFeed)
	}
	if !strings.HasPrefix(upper, "BEGIN:VCALENDAR") {
		return fmt.Errorf("%w: expected BEGIN:VCALENDAR", ErrMalformedFeed)
	}
	return nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (CalendarItem, error) {
	var out CalendarItem

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, &ItemParseError{Err: errors.New("missing UID")}
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	fail := func(err error) (CalendarItem, error) {
		return CalendarItem{}, &ItemParseError{UID: out.UID, Err: err}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Cancelled = strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED")
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return fail(errors.New("missing DTSTART"))
	}
	start, allDay, err := parsePropTime(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return fail(fmt.Errorf("DTSTART: %w", err))
	}
	out.Start = start
	out.AllDay = allDay

	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		p := ve.GetProperty(ical.ComponentPropertyDtEnd)
		end, _, err := parsePropTime(p.Value, p.ICalParameters, loc)
		if err != nil {
			return fail(fmt.Errorf("DTEND: %w", err))
		}
		out.End = end
	case ve.GetProperty(ical.ComponentProperty("DURATION")) != nil:
		p := ve.GetProperty(ical.ComponentProperty("DURATION"))
		d, err := parseICSDuration(p.Value)
		if err != nil {
			return fail(fmt.Errorf("DURATION: %w", err))
		}
		out.End = start.Add(d)
	case allDay:
		out.End = start.AddDate(0, 0, 1)
	default:
		out.End = start
	}
	if out.End.Before(out.Start) {
		return fail(errors.New("DTEND before DTSTART"))
	}

	// RRULE (we only keep raw string here; expansion is in expand.go).
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = strings.TrimSpace(p.Value)
	}

	// EXDATE can appear multiple times and each may hold a comma list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, _, err := parsePropTime(part, p.ICalParameters, loc)
			if err != nil {
				appLog.Debug("ics exdate ignored", "uid", out.UID, "value", part, "err", err.Error())
				continue
			}
			out.ExDates = append(out.ExDates, t)
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		t, _, err := parsePropTime(p.Value, p.ICalParameters, loc)
		if err != nil {
			return fail(fmt.Errorf("RECURRENCE-ID: %w", err))
		}
		out.RecurrenceID = &t
	}

	return out, nil
}

const (
	layoutUTC      = "20060102T150405Z"
	layoutFloating = "20060102T150405"
	layoutDate     = "20060102"
)

// parsePropTime reads a DATE or DATE-TIME value with its parameters.
// UTC values keep UTC, TZID values use that zone, floating values and
// dates use fallback. The bool reports a date-only value.
func parsePropTime(v string, params map[string][]string, fallback *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	dateOnly := !strings.Contains(v, "T")
	if vs := paramValue(params, "VALUE"); strings.EqualFold(vs, "DATE") {
		dateOnly = true
	}
	if dateOnly {
		t, err := time.ParseInLocation(layoutDate, v[:min(len(v), 8)], fallback)
		return t, true, err
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(layoutUTC, v)
		return t, false, err
	}

	loc := fallback
	if tzid := paramValue(params, "TZID"); tzid != "" {
		if l, err := loadTZID(tzid); err == nil {
			loc = l
		} else {
			appLog.Warn("ics unknown TZID; using operating timezone", "tzid", tzid)
		}
	}
	t, err := time.ParseInLocation(layoutFloating, v, loc)
	return t, false, err
}

func paramValue(params map[string][]string, key string) string {
	for k, vs := range params {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return strings.Trim(vs[0], `"`)
		}
	}
	return ""
}

// Exchange and Outlook feeds use Windows zone names in TZID.
var windowsToIANA = map[string]string{
	"Israel Standard Time":         "Asia/Jerusalem",
	"GMT Standard Time":            "Europe/London",
	"W. Europe Standard Time":      "Europe/Berlin",
	"Central Europe Standard Time": "Europe/Budapest",
	"Romance Standard Time":        "Europe/Paris",
	"Eastern Standard Time":        "America/New_York",
	"Central Standard Time":        "America/Chicago",
	"Mountain Standard Time":       "America/Denver",
	"Pacific Standard Time":        "America/Los_Angeles",
	"UTC":                          "UTC",
}

func loadTZID(tzid string) (*time.Location, error) {
	if iana, ok := windowsToIANA[tzid]; ok {
		tzid = iana
	}
	return time.LoadLocation(tzid)
}

// parseICSDuration parses RFC 5545 durations such as P1D, PT1H30M or P2W.
func parseICSDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	s = s[1:]

	var (
		total  time.Duration
		num    strings.Builder
		inTime bool
	)
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num.WriteRune(r)
			continue
		case r == 'T':
			inTime = true
			continue
		}
		n, err := strconv.Atoi(num.String())
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		num.Reset()

		unit := time.Duration(n)
		switch {
		case r == 'W' && !inTime:
			total += unit * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += unit * 24 * time.Hour
		case r == 'H' && inTime:
			total += unit * time.Hour
		case r == 'M' && inTime:
			total += unit * time.Minute
		case r == 'S' && inTime:
			total += unit * time.Second
		default:
			return 0, fmt.Errorf("invalid duration unit %q", r)
		}
	}
	if num.Len() > 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if neg {
		total = -total
	}
	return total, nil
}

