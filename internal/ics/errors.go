package ics

import (
	"errors"
	"fmt"
)

// ErrMalformedFeed is returned when a document cannot be parsed as a
// calendar at all. Individual broken events are ItemParseErrors instead.
var ErrMalformedFeed = errors.New("ics: malformed feed")

// FetchError reports a failed feed download: network error, non-2xx status,
// an empty or oversized body.
type FetchError struct {
	URL        string // redacted
	StatusCode int    // 0 for transport errors
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ics fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ics fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ItemParseError reports a single VEVENT that was skipped.
type ItemParseError struct {
	UID string
	Err error
}

func (e *ItemParseError) Error() string {
	if e.UID == "" {
		return fmt.Sprintf("ics item: %v", e.Err)
	}
	return fmt.Sprintf("ics item %s: %v", e.UID, e.Err)
}

func (e *ItemParseError) Unwrap() error { return e.Err }

// RuleParseError reports an RRULE that could not be evaluated. The item is
// then treated as a single occurrence.
type RuleParseError struct {
	UID  string
	Rule string
	Err  error
}

func (e *RuleParseError) Error() string {
	return fmt.Sprintf("ics rrule %q for %s: %v", e.Rule, e.UID, e.Err)
}

func (e *RuleParseError) Unwrap() error { return e.Err }
