package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"studiosync/internal/civil"
	"studiosync/internal/ics"
	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/studio"
)

type resultKind int

const (
	resultOK resultKind = iota
	resultSkip
	resultFatal
)

// itemResult is the outcome of building one calendar item.
type itemResult struct {
	kind        resultKind
	occurrences []model.Occurrence
	skip        Skip
	err         error
}

func built(occs ...model.Occurrence) itemResult { return itemResult{kind: resultOK, occurrences: occs} }

func skip(it ics.CalendarItem, reason string) itemResult {
	return itemResult{kind: resultSkip, skip: Skip{UID: it.UID, Title: it.Title, Reason: reason}}
}

func fatal(err error) itemResult { return itemResult{kind: resultFatal, err: err} }

// Skip reasons.
const (
	SkipPast       = "in the past"
	SkipBeyond     = "beyond horizon"
	SkipNoStudio   = "no studio marker"
	SkipEnded      = "recurrence ended"
	SkipNoInstance = "no occurrence in horizon"
)

func (e *Engine) plan(ctx context.Context, now time.Time) (Plan, error) {
	n := e.settings.Normalizer
	p := Plan{
		Today:       n.Today(now),
		Occurrences: make([]model.Occurrence, 0),
		Skipped:     make([]Skip, 0),
	}
	p.HorizonEnd = p.Today.AddMonths(e.settings.HorizonMonths)

	res, err := e.fetcher.FetchOne(ctx, e.settings.Source)
	if err != nil {
		return p, err
	}
	p.FromCache = res.FromCache

	items, stats, err := ics.ParseFeed(e.settings.Source, res.Body, n.Location())
	if err != nil {
		return p, err
	}
	p.Parse = stats
	p.Items = len(items)

	results := make([]itemResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.settings.Workers)
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.buildItem(gctx, it, p.Today, p.HorizonEnd)
			if results[i].kind == resultFatal {
				return results[i].err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return p, err
	}

	for _, r := range results {
		switch r.kind {
		case resultOK:
			p.Occurrences = append(p.Occurrences, r.occurrences...)
		case resultSkip:
			p.Skipped = append(p.Skipped, r.skip)
			appLog.Debug("sync item skipped", "uid", r.skip.UID, "reason", r.skip.Reason)
		}
	}
	return p, nil
}

// buildItem turns one calendar item into dated occurrences. It only reads
// engine settings and is safe to call from several goroutines.
func (e *Engine) buildItem(ctx context.Context, it ics.CalendarItem, today, horizonEnd civil.Date) itemResult {
	n := e.settings.Normalizer

	id, title := e.settings.Resolver.Resolve(it.Title)
	if id == studio.None && !e.settings.KeepNeutral {
		return skip(it, SkipNoStudio)
	}

	base := model.Occurrence{
		UID:    it.UID,
		Studio: id,
		Title:  title,
		Notes:  it.Description,
	}
	base.Start, base.End = clocks(n, it)

	if it.IsRecurring() {
		res, err := ics.ExpandDates(ctx, it, ics.ExpandConfig{
			Normalizer:     n,
			Today:          today,
			HorizonEnd:     horizonEnd,
			MaxOccurrences: e.settings.MaxOccurrencesPerItem,
		})
		var rpe *ics.RuleParseError
		switch {
		case errors.As(err, &rpe):
			appLog.Warn("sync rrule unparsable; using single occurrence", "uid", it.UID, "rule", it.RRule, "error", rpe.Err.Error())
		case err != nil:
			return fatal(fmt.Errorf("expand %s: %w", it.UID, err))
		case res.Ended:
			return skip(it, SkipEnded)
		case len(res.Dates) == 0:
			return skip(it, SkipNoInstance)
		default:
			if res.Truncated {
				appLog.Warn("sync recurrence truncated", "uid", it.UID, "max", e.settings.MaxOccurrencesPerItem)
			}
			occs := make([]model.Occurrence, 0, len(res.Dates))
			for _, d := range res.Dates {
				occ := base
				occ.Date = d
				occ.ExternalID = it.UID + "_" + d.String()
				occs = append(occs, occ)
			}
			return built(occs...)
		}
	}

	date := n.Date(it.Start)
	switch {
	case date.Before(today):
		return skip(it, SkipPast)
	case date.After(horizonEnd):
		return skip(it, SkipBeyond)
	}
	occ := base
	occ.Date = date
	occ.ExternalID = it.UID
	return built(occ)
}

// clocks returns the civil start and end time of day. All-day items span
// the whole day; an item ending on a later civil date is clamped to the
// end of its start day.
func clocks(n *civil.Normalizer, it ics.CalendarItem) (civil.Clock, civil.Clock) {
	if it.AllDay {
		return "00:00:00", civil.EndOfDay
	}
	start, end := n.Clock(it.Start), n.Clock(it.End)
	if n.Date(it.End).After(n.Date(it.Start)) {
		end = civil.EndOfDay
	}
	return start, end
}
