// Package studio recognizes which physical studio a calendar title refers to.
package studio

import (
	"regexp"
	"strings"
)

// ID identifies a physical studio. None means no studio was recognized; such
// bookings are stored with a NULL studio.
type ID int

const None ID = 0

// Studio is one entry of the marker table. Markers are matched as
// case-insensitive substrings.
type Studio struct {
	ID      ID       `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Markers []string `yaml:"markers" json:"markers"`
}

// DefaultStudios is the station's marker table, Latin and Hebrew spellings.
func DefaultStudios() []Studio {
	return []Studio{
		{ID: 1, Name: "Studio A", Markers: []string{"Studio-A", "Studio A", "אולפן א"}},
		{ID: 2, Name: "Studio B", Markers: []string{"Studio-B", "Studio B", "אולפן ב"}},
	}
}

type marker struct {
	id ID
	re *regexp.Regexp
}

// Resolver is safe for concurrent use; it holds no mutable state after
// construction.
type Resolver struct {
	markers []marker
}

var (
	parenRe     = regexp.MustCompile(`\([^()]*\)`)
	spaceRe     = regexp.MustCompile(`\s+`)
	edgeTrimSet = " \t-–—:|,"
)

// NewResolver compiles the marker table. Order matters: the first studio
// (and within it the first marker) that matches wins.
func NewResolver(studios []Studio) *Resolver {
	r := &Resolver{}
	for _, s := range studios {
		if s.ID == None {
			continue
		}
		for _, m := range s.Markers {
			m = strings.TrimSpace(m)
			if m == "" {
				continue
			}
			r.markers = append(r.markers, marker{
				id: s.ID,
				re: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(m)),
			})
		}
	}
	return r
}

// Resolve returns the studio a title refers to and the title with the
// matched marker and any parenthetical annotations removed.
func (r *Resolver) Resolve(title string) (ID, string) {
	id := None
	cleaned := title

	for _, m := range r.markers {
		loc := m.re.FindStringIndex(title)
		if loc == nil {
			continue
		}
		id = m.id
		cleaned = title[:loc[0]] + " " + title[loc[1]:]
		break
	}

	cleaned = Clean(cleaned)
	if cleaned == "" {
		cleaned = strings.TrimSpace(title)
	}
	return id, cleaned
}

// Clean strips parenthetical annotations, collapses whitespace and trims
// separator punctuation left at the edges.
func Clean(s string) string {
	for {
		next := parenRe.ReplaceAllString(s, " ")
		if next == s {
			break
		}
		s = next
	}
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.Trim(s, edgeTrimSet)
}
