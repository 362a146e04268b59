package ics

import (
	"context"
	"errors"

	"github.com/teambition/rrule-go"

	"studiosync/internal/civil"
)

const defaultMaxOccurrencesPerItem = 500

// ctxCheckEvery is how many rule instants are generated between checks of
// the caller's context.
const ctxCheckEvery = 4096

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Normalizer defines the operating zone all dates are reported in.
	Normalizer *civil.Normalizer

	// Today and HorizonEnd bound the result, both inclusive.
	Today      civil.Date
	HorizonEnd civil.Date

	// MaxOccurrences caps the dates produced for one item. Zero means 500.
	MaxOccurrences int
}

// ExpandResult holds the civil dates of a recurring item.
type ExpandResult struct {
	Dates     []civil.Date
	Truncated bool
	// Ended is set when the rule's UNTIL lies before Today.
	Ended bool
}

// ExpandDates evaluates item.RRule and returns every civil date in
// [max(Today, DTSTART), HorizonEnd] the rule produces, minus EXDATEs.
//
//   - EXDATEs are matched by civil date in the operating zone, not by instant.
//   - A rule whose UNTIL is before Today produces nothing (Ended is set).
//   - More than MaxOccurrences dates are truncated, not an error.
//   - An unparsable rule is a *RuleParseError; callers fall back to the
//     item's single start/end.
//   - Instants are generated lazily and generation stops at the cap, at the
//     horizon or when ctx is done.
func ExpandDates(ctx context.Context, item CalendarItem, cfg ExpandConfig) (ExpandResult, error) {
	var res ExpandResult

	if cfg.Normalizer == nil {
		return res, errors.New("expand: normalizer is nil")
	}
	if cfg.HorizonEnd.Before(cfg.Today) {
		return res, errors.New("expand: horizon ends before today")
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = defaultMaxOccurrencesPerItem
	}
	if item.RRule == "" {
		return res, &RuleParseError{UID: item.UID, Rule: item.RRule, Err: errors.New("empty rule")}
	}

	opt, err := rrule.StrToROptionInLocation(item.RRule, item.Start.Location())
	if err != nil {
		return res, &RuleParseError{UID: item.UID, Rule: item.RRule, Err: err}
	}
	opt.Dtstart = item.Start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return res, &RuleParseError{UID: item.UID, Rule: item.RRule, Err: err}
	}

	n := cfg.Normalizer
	if !opt.Until.IsZero() && n.Date(opt.Until).Before(cfg.Today) {
		res.Ended = true
		return res, nil
	}

	// Civil days are not 24h everywhere; widen the instant window by a day
	// on each side and filter on civil dates below.
	windowStart := n.Midnight(cfg.Today).AddDate(0, 0, -1)
	windowEnd := n.Midnight(cfg.HorizonEnd.AddDays(2))
	if item.Start.After(windowStart) {
		windowStart = item.Start
	}

	excluded := make(map[civil.Date]struct{}, len(item.ExDates))
	for _, ex := range item.ExDates {
		excluded[n.Date(ex)] = struct{}{}
	}

	seen := make(map[civil.Date]struct{})
	next := r.Iterator()
	for i := 0; ; i++ {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return ExpandResult{}, err
			}
		}
		t, ok := next()
		if !ok || t.After(windowEnd) {
			break
		}
		if t.Before(windowStart) {
			continue
		}
		d := n.Date(t)
		if d.Before(cfg.Today) || d.After(cfg.HorizonEnd) {
			continue
		}
		if _, ok := excluded[d]; ok {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		if len(res.Dates) == cfg.MaxOccurrences {
			res.Truncated = true
			break
		}
		seen[d] = struct{}{}
		res.Dates = append(res.Dates, d)
	}

	return res, nil
}
