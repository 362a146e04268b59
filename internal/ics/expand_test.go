package ics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiosync/internal/civil"
)

func expandCfg(t *testing.T) ExpandConfig {
	t.Helper()
	n, err := civil.NewNormalizer("Asia/Jerusalem")
	require.NoError(t, err)
	return ExpandConfig{Normalizer: n, Today: "2026-10-14", HorizonEnd: "2027-04-14"}
}

func weekdaySeries(t *testing.T, rule string) CalendarItem {
	t.Helper()
	loc := jerusalem(t)
	start := time.Date(2026, 10, 1, 8, 0, 0, 0, loc)
	return CalendarItem{
		UID:   "series-1",
		Title: "Studio-A Show Y",
		Start: start,
		End:   start.Add(time.Hour),
		RRule: rule,
	}
}

func TestExpandWeekdaysWithException(t *testing.T) {
	cfg := expandCfg(t)
	item := weekdaySeries(t, "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR")
	item.ExDates = []time.Time{time.Date(2026, 10, 15, 8, 0, 0, 0, item.Start.Location())}

	res, err := ExpandDates(context.Background(), item, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, res.Dates)
	assert.False(t, res.Truncated)
	assert.False(t, res.Ended)

	assert.Equal(t, civil.Date("2026-10-14"), res.Dates[0])
	assert.Equal(t, civil.Date("2026-10-16"), res.Dates[1])
	assert.NotContains(t, res.Dates, civil.Date("2026-10-15"))

	last := res.Dates[len(res.Dates)-1]
	assert.Equal(t, civil.Date("2027-04-14"), last)

	for _, d := range res.Dates {
		wd := d.Weekday()
		assert.NotEqual(t, time.Saturday, wd, d)
		assert.NotEqual(t, time.Sunday, wd, d)
		assert.False(t, d.Before(cfg.Today), d)
		assert.False(t, d.After(cfg.HorizonEnd), d)
	}
}

func TestExpandExceptionMatchesCivilDateAcrossZones(t *testing.T) {
	cfg := expandCfg(t)
	item := weekdaySeries(t, "FREQ=DAILY;COUNT=30")
	// 2026-10-20 00:30 Jerusalem, written in UTC on the previous day.
	item.ExDates = []time.Time{time.Date(2026, 10, 19, 21, 30, 0, 0, time.UTC)}

	res, err := ExpandDates(context.Background(), item, cfg)
	require.NoError(t, err)
	assert.NotContains(t, res.Dates, civil.Date("2026-10-20"))
	assert.Contains(t, res.Dates, civil.Date("2026-10-19"))
}

func TestExpandUntilBeforeToday(t *testing.T) {
	cfg := expandCfg(t)
	item := weekdaySeries(t, "FREQ=DAILY;UNTIL=20261010T050000Z")

	res, err := ExpandDates(context.Background(), item, cfg)
	require.NoError(t, err)
	assert.True(t, res.Ended)
	assert.Empty(t, res.Dates)
}

func TestExpandStartsAfterToday(t *testing.T) {
	cfg := expandCfg(t)
	item := weekdaySeries(t, "FREQ=WEEKLY;COUNT=3")
	item.Start = time.Date(2026, 11, 2, 8, 0, 0, 0, item.Start.Location())

	res, err := ExpandDates(context.Background(), item, cfg)
	require.NoError(t, err)
	assert.Equal(t, []civil.Date{"2026-11-02", "2026-11-09", "2026-11-16"}, res.Dates)
}

func TestExpandAcrossDSTKeepsLocalDates(t *testing.T) {
	cfg := expandCfg(t)
	item := weekdaySeries(t, "FREQ=DAILY")
	item.Start = time.Date(2026, 10, 20, 0, 30, 0, 0, item.Start.Location())
	cfg.HorizonEnd = "2026-10-30"

	res, err := ExpandDates(context.Background(), item, cfg)
	require.NoError(t, err)
	require.Len(t, res.Dates, 11)
	for i, d := range res.Dates {
		assert.Equal(t, civil.Date("2026-10-20").AddDays(i), d)
	}
}

func TestExpandTruncatesAtCap(t *testing.T) {
	cfg := expandCfg(t)
	cfg.MaxOccurrences = 10
	item := weekdaySeries(t, "FREQ=DAILY")

	res, err := ExpandDates(context.Background(), item, cfg)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	require.Len(t, res.Dates, 10)
	assert.Equal(t, civil.Date("2026-10-23"), res.Dates[9])
}

func TestExpandHighFrequencyStopsAtCap(t *testing.T) {
	cfg := expandCfg(t)
	cfg.MaxOccurrences = 2
	item := weekdaySeries(t, "FREQ=SECONDLY")
	item.Start = time.Date(2026, 10, 14, 8, 0, 0, 0, item.Start.Location())

	began := time.Now()
	res, err := ExpandDates(context.Background(), item, cfg)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, []civil.Date{"2026-10-14", "2026-10-15"}, res.Dates)
	// Six months of seconds would be ~15M instants; stopping at the cap
	// generates under two days' worth.
	assert.Less(t, time.Since(began), 2*time.Second)
}

func TestExpandHonorsContext(t *testing.T) {
	cfg := expandCfg(t)
	item := weekdaySeries(t, "FREQ=SECONDLY")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ExpandDates(ctx, item, cfg)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExpandInvalidRule(t *testing.T) {
	cfg := expandCfg(t)
	for _, rule := range []string{"", "FREQ=SOMETIMES", "BYDAY=XX"} {
		item := weekdaySeries(t, rule)
		_, err := ExpandDates(context.Background(), item, cfg)

		var rpe *RuleParseError
		require.True(t, errors.As(err, &rpe), "rule %q: %v", rule, err)
		assert.Equal(t, "series-1", rpe.UID)
	}
}

func TestExpandRejectsBadConfig(t *testing.T) {
	item := weekdaySeries(t, "FREQ=DAILY")

	_, err := ExpandDates(context.Background(), item, ExpandConfig{Today: "2026-10-14", HorizonEnd: "2027-04-14"})
	assert.Error(t, err)

	cfg := expandCfg(t)
	cfg.HorizonEnd = "2026-10-01"
	_, err = ExpandDates(context.Background(), item, cfg)
	assert.Error(t, err)
}
