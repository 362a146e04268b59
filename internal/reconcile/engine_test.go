package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiosync/internal/civil"
	"studiosync/internal/ics"
	"studiosync/internal/model"
	"studiosync/internal/store"
	"studiosync/internal/studio"
)

const testCalendar = "studio-bookings"

type staticFetcher struct {
	body  []byte
	err   error
	calls atomic.Int32
}

func (f *staticFetcher) FetchOne(_ context.Context, src ics.Source) (ics.FetchResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return ics.FetchResult{}, f.err
	}
	return ics.FetchResult{Source: src, Body: f.body}, nil
}

// flakyStore fails the n-th InsertSynced call.
type flakyStore struct {
	*store.Store
	failAt int
	calls  int
}

func (s *flakyStore) InsertSynced(ctx context.Context, b model.Booking, m model.EventMapping) (int64, error) {
	s.calls++
	if s.calls == s.failAt {
		return 0, errors.New("constraint violation")
	}
	return s.Store.InsertSynced(ctx, b, m)
}

func feed(events ...[]string) []byte {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//studiosync//test//EN"}
	for _, ev := range events {
		lines = append(lines, "BEGIN:VEVENT")
		lines = append(lines, ev...)
		lines = append(lines, "END:VEVENT")
	}
	lines = append(lines, "END:VCALENDAR")
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func singleEvent(uid, title, day, from, to string) []string {
	return []string{
		"UID:" + uid,
		"SUMMARY:" + title,
		"DTSTART;TZID=Asia/Jerusalem:" + day + "T" + from,
		"DTEND;TZID=Asia/Jerusalem:" + day + "T" + to,
	}
}

// scenarioFeed is the station's reference week: a one-off show today and a
// weekday series with tomorrow excepted.
func scenarioFeed() []byte {
	return feed(
		singleEvent("show-x", "Studio-B Show X", "20261014", "100000", "110000"),
		[]string{
			"UID:show-y",
			"SUMMARY:Studio-A Show Y",
			"DTSTART;TZID=Asia/Jerusalem:20261014T080000",
			"DTEND;TZID=Asia/Jerusalem:20261014T090000",
			"RRULE:FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR",
			"EXDATE;TZID=Asia/Jerusalem:20261015T080000",
		},
	)
}

func testNow() time.Time {
	loc, _ := time.LoadLocation("Asia/Jerusalem")
	return time.Date(2026, 10, 14, 7, 0, 0, 0, loc)
}

func testSettings(t *testing.T) Settings {
	t.Helper()
	n, err := civil.NewNormalizer("Asia/Jerusalem")
	require.NoError(t, err)
	return Settings{
		Source:                ics.Source{ID: testCalendar, URL: "https://calendar.example.com/basic.ics"},
		Normalizer:            n,
		Resolver:              studio.NewResolver(studio.DefaultStudios()),
		HorizonMonths:         6,
		MaxOccurrencesPerItem: 500,
		KeepNeutral:           true,
		Now:                   testNow,
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Driver: "sqlite3", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEngine(t *testing.T, st Store, f Fetcher, mutate ...func(*Settings)) *Engine {
	t.Helper()
	settings := testSettings(t)
	for _, m := range mutate {
		m(&settings)
	}
	e, err := NewEngine(settings, st, f)
	require.NoError(t, err)
	return e
}

func insertUserBooking(t *testing.T, s *store.Store) {
	t.Helper()
	now := time.Now().UTC()
	_, err := s.DB().Exec(s.DB().Rebind(`
		INSERT INTO bookings (studio_id, booking_date, start_time, end_time, title, notes, status, is_recurring, created_at, updated_at)
		VALUES (1, '2026-10-15', '08:00:00', '09:00:00', 'Producer meeting', '', 'approved', 0, ?, ?)`), now, now)
	require.NoError(t, err)
}

func TestRunEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	e := newTestEngine(t, st, &staticFetcher{body: scenarioFeed()})

	entry, err := e.Run(ctx, model.SyncManual)
	require.NoError(t, err)
	assert.Equal(t, model.SyncSuccess, entry.Status)
	assert.Equal(t, 2, entry.Processed)
	assert.Equal(t, 131, entry.Created)
	assert.Zero(t, entry.Updated)
	assert.Zero(t, entry.Deleted)
	assert.Zero(t, entry.Conflicts)
	assert.NotEmpty(t, entry.RunID)

	rows, err := st.ListSyncedBookings(ctx, testCalendar)
	require.NoError(t, err)
	require.Len(t, rows, 131)

	var showX []store.SyncedBooking
	showY := map[string]store.SyncedBooking{}
	for _, r := range rows {
		assert.Equal(t, model.BookingApproved, r.Status)
		assert.False(t, r.IsRecurring)
		switch r.Title {
		case "Show X":
			showX = append(showX, r)
		case "Show Y":
			showY[r.BookingDate] = r
		default:
			t.Fatalf("unexpected booking %q", r.Title)
		}
	}

	require.Len(t, showX, 1)
	assert.Equal(t, "2026-10-14", showX[0].BookingDate)
	assert.Equal(t, "10:00:00", showX[0].StartTime)
	assert.Equal(t, "11:00:00", showX[0].EndTime)
	require.NotNil(t, showX[0].StudioID)
	assert.EqualValues(t, 2, *showX[0].StudioID)
	assert.Equal(t, "show-x", showX[0].ExternalEventID)

	assert.Len(t, showY, 130)
	assert.NotContains(t, showY, "2026-10-15")
	for date, r := range showY {
		d := civil.Date(date)
		assert.NotEqual(t, time.Saturday, d.Weekday(), date)
		assert.NotEqual(t, time.Sunday, d.Weekday(), date)
		assert.False(t, d.Before("2026-10-14"), date)
		assert.False(t, d.After("2027-04-14"), date)
		assert.Equal(t, "08:00:00", r.StartTime, date)
		assert.Equal(t, "09:00:00", r.EndTime, date)
		require.NotNil(t, r.StudioID)
		assert.EqualValues(t, 1, *r.StudioID)
		assert.Equal(t, "show-y_"+date, r.ExternalEventID)
	}

	logged, err := st.GetRun(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncSuccess, logged.Status)
	assert.Equal(t, 131, logged.Created)
	require.NotNil(t, logged.FinishedAt)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	insertUserBooking(t, st)
	e := newTestEngine(t, st, &staticFetcher{body: scenarioFeed()})

	snapshot := func() []string {
		rows, err := st.ListSyncedBookings(ctx, testCalendar)
		require.NoError(t, err)
		out := make([]string, 0, len(rows))
		for _, r := range rows {
			sid := "null"
			if r.StudioID != nil {
				sid = fmt.Sprint(*r.StudioID)
			}
			out = append(out, strings.Join([]string{r.ExternalEventID, sid, r.BookingDate, r.StartTime, r.EndTime, r.Title}, "|"))
		}
		return out
	}

	first, err := e.Run(ctx, model.SyncManual)
	require.NoError(t, err)
	before := snapshot()

	second, err := e.Run(ctx, model.SyncScheduled)
	require.NoError(t, err)
	assert.Equal(t, first.Created, second.Created)
	assert.Equal(t, first.Created, second.Deleted)
	assert.Equal(t, before, snapshot())

	total, err := st.CountBookings(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Created+1, total, "user booking survives both runs")
}

func TestRunExcludesPastOccurrences(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	body := feed(
		singleEvent("yesterday", "Studio-A Rehearsal", "20261013", "100000", "110000"),
		singleEvent("late-today", "Studio-A Late", "20261014", "230000", "233000"),
		[]string{
			"UID:daily",
			"SUMMARY:Studio-B News",
			"DTSTART;TZID=Asia/Jerusalem:20260901T060000",
			"DTEND;TZID=Asia/Jerusalem:20260901T061500",
			"RRULE:FREQ=DAILY;COUNT=50",
		},
		[]string{
			"UID:finished",
			"SUMMARY:Studio-B Old Series",
			"DTSTART;TZID=Asia/Jerusalem:20260101T060000",
			"DTEND;TZID=Asia/Jerusalem:20260101T070000",
			"RRULE:FREQ=WEEKLY;UNTIL=20260601T000000Z",
		},
	)
	e := newTestEngine(t, st, &staticFetcher{body: body})

	plan, err := e.Plan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, plan.Items)

	reasons := map[string]string{}
	for _, s := range plan.Skipped {
		reasons[s.UID] = s.Reason
	}
	assert.Equal(t, SkipPast, reasons["yesterday"])
	assert.Equal(t, SkipEnded, reasons["finished"])

	for _, occ := range plan.Occurrences {
		assert.False(t, occ.Date.Before(plan.Today), occ.ExternalID)
	}

	entry, err := e.Run(ctx, model.SyncManual)
	require.NoError(t, err)
	// daily: 2026-09-01 + 50 days ends 2026-10-20, so 10-14..10-20.
	assert.Equal(t, 1+7, entry.Created)
}

func TestRunPartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: openStore(t), failAt: 5}

	var events [][]string
	for i := 0; i < 10; i++ {
		day := civil.Date("2026-10-14").AddDays(i)
		events = append(events, singleEvent(
			fmt.Sprintf("show-%02d", i), fmt.Sprintf("Studio-A Show %d", i),
			strings.ReplaceAll(day.String(), "-", ""), "100000", "110000",
		))
	}
	e := newTestEngine(t, st, &staticFetcher{body: feed(events...)})

	entry, err := e.Run(ctx, model.SyncManual)
	require.NoError(t, err)
	assert.Equal(t, model.SyncSuccess, entry.Status)
	assert.Equal(t, 10, entry.Processed)
	assert.Equal(t, 9, entry.Created)
	assert.Equal(t, 1, entry.Conflicts)

	rows, err := st.ListSyncedBookings(ctx, testCalendar)
	require.NoError(t, err)
	require.Len(t, rows, 9)
	for _, r := range rows {
		assert.NotEqual(t, "show-04", r.ExternalEventID)
	}
}

func TestRunFetchFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	insertUserBooking(t, st)

	good := newTestEngine(t, st, &staticFetcher{body: scenarioFeed()})
	_, err := good.Run(ctx, model.SyncManual)
	require.NoError(t, err)

	fetchErr := &ics.FetchError{URL: "https://calendar.example.com/...(redacted)", StatusCode: 503, Err: errors.New("503 Service Unavailable")}
	bad := newTestEngine(t, st, &staticFetcher{err: fetchErr})

	entry, err := bad.Run(ctx, model.SyncScheduled)
	var fe *ics.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, model.SyncFailed, entry.Status)
	require.NotNil(t, entry.ErrorMessage)
	assert.Contains(t, *entry.ErrorMessage, "503")
	assert.Equal(t, 131, entry.Deleted)

	logged, err := st.GetRun(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncFailed, logged.Status)
	require.NotNil(t, logged.ErrorMessage)

	rows, err := st.ListSyncedBookings(ctx, testCalendar)
	require.NoError(t, err)
	assert.Empty(t, rows, "delete committed before the fetch")

	total, err := st.CountBookings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRunDeleteAfterFetchKeepsRowsOnFailure(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	good := newTestEngine(t, st, &staticFetcher{body: scenarioFeed()})
	_, err := good.Run(ctx, model.SyncManual)
	require.NoError(t, err)

	bad := newTestEngine(t, st, &staticFetcher{body: []byte("<html>sign in</html>")}, func(s *Settings) {
		s.DeleteAfterFetch = true
	})
	entry, err := bad.Run(ctx, model.SyncManual)
	require.ErrorIs(t, err, ics.ErrMalformedFeed)
	assert.Equal(t, model.SyncFailed, entry.Status)
	assert.Zero(t, entry.Deleted)

	rows, err := st.ListSyncedBookings(ctx, testCalendar)
	require.NoError(t, err)
	assert.Len(t, rows, 131)
}

// cancellingFetcher returns the feed but cancels the run context, as a run
// deadline expiring mid-run would.
type cancellingFetcher struct {
	staticFetcher
	cancel context.CancelFunc
}

func (f *cancellingFetcher) FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error) {
	f.cancel()
	return f.staticFetcher.FetchOne(ctx, src)
}

func TestRunDeadlineMarksFailed(t *testing.T) {
	st := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &cancellingFetcher{staticFetcher: staticFetcher{body: scenarioFeed()}, cancel: cancel}
	e := newTestEngine(t, st, f)

	entry, err := e.Run(ctx, model.SyncManual)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.SyncFailed, entry.Status)

	logged, err := st.GetRun(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncFailed, logged.Status)
	require.NotNil(t, logged.ErrorMessage)
	assert.Contains(t, *logged.ErrorMessage, "context canceled")
}

func TestPlanNeutralAndFallbacks(t *testing.T) {
	ctx := context.Background()
	body := feed(
		singleEvent("lunch", "Producers lunch", "20261016", "120000", "130000"),
		[]string{
			"UID:broken-rule",
			"SUMMARY:Studio-B (live) Special",
			"DTSTART;TZID=Asia/Jerusalem:20261020T200000",
			"DTEND;TZID=Asia/Jerusalem:20261021T010000",
			"RRULE:FREQ=SOMETIMES",
		},
		[]string{
			"UID:holiday",
			"SUMMARY:Studio A maintenance",
			"DTSTART;VALUE=DATE:20261101",
			"DTEND;VALUE=DATE:20261102",
		},
		singleEvent("far", "Studio-A Next Year", "20271014", "100000", "110000"),
	)

	e := newTestEngine(t, openStore(t), &staticFetcher{body: body})
	plan, err := e.Plan(ctx)
	require.NoError(t, err)

	byID := map[string]model.Occurrence{}
	for _, occ := range plan.Occurrences {
		byID[occ.ExternalID] = occ
	}
	require.Len(t, byID, 3)

	lunch := byID["lunch"]
	assert.Equal(t, studio.None, lunch.Studio)
	assert.Equal(t, "Producers lunch", lunch.Title)

	special := byID["broken-rule"]
	assert.Equal(t, studio.ID(2), special.Studio)
	assert.Equal(t, "Special", special.Title)
	assert.Equal(t, civil.Date("2026-10-20"), special.Date)
	assert.Equal(t, civil.Clock("20:00:00"), special.Start)
	assert.Equal(t, civil.EndOfDay, special.End)

	holiday := byID["holiday"]
	assert.Equal(t, civil.Clock("00:00:00"), holiday.Start)
	assert.Equal(t, civil.EndOfDay, holiday.End)
	assert.Equal(t, "maintenance", holiday.Title)

	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, SkipBeyond, plan.Skipped[0].Reason)

	strict := newTestEngine(t, openStore(t), &staticFetcher{body: body}, func(s *Settings) { s.KeepNeutral = false })
	plan, err = strict.Plan(ctx)
	require.NoError(t, err)
	assert.Len(t, plan.Occurrences, 2)
	assert.Len(t, plan.Skipped, 2)
}

func TestPlanIgnoresHostTimezone(t *testing.T) {
	ctx := context.Background()
	orig := time.Local
	t.Cleanup(func() { time.Local = orig })

	var plans []Plan
	for _, host := range []string{"UTC", "Pacific/Auckland", "America/Los_Angeles"} {
		loc, err := time.LoadLocation(host)
		require.NoError(t, err)
		time.Local = loc

		e := newTestEngine(t, openStore(t), &staticFetcher{body: scenarioFeed()})
		p, err := e.Plan(ctx)
		require.NoError(t, err)
		plans = append(plans, p)
	}
	assert.Equal(t, plans[0], plans[1])
	assert.Equal(t, plans[0], plans[2])
}

func TestRunSkipsDuplicateKeysWithinRun(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	body := feed(
		singleEvent("dup", "Studio-A First", "20261016", "100000", "110000"),
		singleEvent("dup", "Studio-A Second", "20261016", "120000", "130000"),
	)
	e := newTestEngine(t, st, &staticFetcher{body: body})

	entry, err := e.Run(ctx, model.SyncManual)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Created)
	assert.Zero(t, entry.Conflicts)

	rows, err := st.ListSyncedBookings(ctx, testCalendar)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "First", rows[0].Title)
}

func TestNewEngineValidates(t *testing.T) {
	st := openStore(t)
	f := &staticFetcher{}

	_, err := NewEngine(Settings{}, st, f)
	assert.Error(t, err)

	s := testSettings(t)
	s.Source.URL = ""
	_, err = NewEngine(s, st, f)
	assert.Error(t, err)

	_, err = NewEngine(testSettings(t), nil, f)
	assert.Error(t, err)
}
