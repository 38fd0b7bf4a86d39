package calendar

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picocal/internal/model"
	"picocal/internal/store"
	"picocal/internal/tz"
)

func testZones(t *testing.T) *tz.Table {
	t.Helper()

	var buf bytes.Buffer
	writeZone := func(name string, std, dst int32, rules [6]byte) {
		buf.WriteByte(byte(len(name)))
		buf.WriteString(name)
		binary.Write(&buf, binary.LittleEndian, std)
		binary.Write(&buf, binary.LittleEndian, dst)
		buf.Write(rules[:])
	}
	writeZone("UTC", 0, 0, [6]byte{})
	writeZone("America/New_York", -18000, -14400, [6]byte{3, 10, 2, 11, 3, 2})

	path := filepath.Join(t.TempDir(), "tzid_blob.bin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	table := tz.NewTable()
	require.Equal(t, 2, table.Load(path))
	return table
}

const feedBody = "BEGIN:VCALENDAR\r\n" +
	"BEGIN:VEVENT\r\n" +
	"SUMMARY:Standup\r\n" +
	"DTSTART:20240305T090000Z\r\n" +
	"DTEND:20240305T093000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"SUMMARY:Weekly\r\n" +
	"DTSTART:20240307T100000Z\r\n" +
	"RRULE:FREQ=WEEKLY;COUNT=3\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

// testFeed is a scriptable upstream calendar server.
type testFeed struct {
	mu       sync.Mutex
	body     string
	etag     string
	failGets bool
	headCL   int

	getCount  int
	headCount int
}

func (f *testFeed) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if r.Method == http.MethodHead {
			f.headCount++
			if f.etag != "" {
				w.Header().Set("ETag", f.etag)
			}
			if f.headCL > 0 {
				w.Header().Set("Content-Length", strconv.Itoa(f.headCL))
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		f.getCount++
		if f.failGets {
			http.Error(w, "upstream error", http.StatusInternalServerError)
			return
		}
		if f.etag != "" {
			w.Header().Set("ETag", f.etag)
		}
		w.Write([]byte(f.body))
	}
}

func (f *testFeed) gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCount
}

func (f *testFeed) set(fn func(*testFeed)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func utcUnix(year, month, day, hour, min int) int64 {
	return time.Date(year, time.Month(month), day, hour, min, 0, 0, time.UTC).Unix()
}

func newTestService(t *testing.T, feed *testFeed) (*Service, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(feed.handler())
	t.Cleanup(srv.Close)
	return NewService(testZones(t), nil), srv
}

func TestGetEventsFetchesAndMaterializes(t *testing.T) {
	feed := &testFeed{body: feedBody, etag: `"v1"`}
	svc, srv := newTestService(t, feed)

	events := svc.GetEvents(context.Background(), srv.URL, 40, utcUnix(2024, 3, 1, 0, 0), 31)
	require.Len(t, events, 4)
	assert.Equal(t, 1, feed.gets())

	assert.Equal(t, "Standup", events[0].Summary)
	assert.Equal(t, utcUnix(2024, 3, 5, 9, 0), events[0].Start)
	assert.Equal(t, utcUnix(2024, 3, 5, 9, 30), events[0].End)

	// The weekly series expands to three occurrences in start order.
	assert.Equal(t, utcUnix(2024, 3, 7, 10, 0), events[1].Start)
	assert.Equal(t, utcUnix(2024, 3, 14, 10, 0), events[2].Start)
	assert.Equal(t, utcUnix(2024, 3, 21, 10, 0), events[3].Start)
	// DTEND absent, so each occurrence runs one hour.
	assert.Equal(t, events[1].Start+3600, events[1].End)
}

func TestDefaultZoneAppliesToZoneLessFeed(t *testing.T) {
	body := "BEGIN:VCALENDAR\r\n" +
		"BEGIN:VEVENT\r\n" +
		"SUMMARY:Floating standup\r\n" +
		"DTSTART:20240315T090000\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	feed := &testFeed{body: body, etag: `"v1"`}
	svc, srv := newTestService(t, feed)
	svc.SetDefaultZone("America/New_York")

	events := svc.GetEvents(context.Background(), srv.URL, 40, utcUnix(2024, 3, 1, 0, 0), 31)
	require.Len(t, events, 1)
	// 09:00 with no TZID resolves in the configured zone, which is on
	// daylight time by mid March.
	assert.Equal(t, utcUnix(2024, 3, 15, 13, 0), events[0].Start)
}

func TestCacheValidityAnswersWithoutNetwork(t *testing.T) {
	feed := &testFeed{body: feedBody, etag: `"v1"`}
	svc, srv := newTestService(t, feed)

	ws := utcUnix(2024, 3, 1, 0, 0)
	first := svc.GetEvents(context.Background(), srv.URL, 40, ws, 31)
	second := svc.GetEvents(context.Background(), srv.URL, 40, ws, 31)

	assert.Equal(t, 1, feed.gets(), "second query must not refetch")
	assert.Equal(t, first, second)
}

func TestMatchingValidatorSkipsRefetch(t *testing.T) {
	feed := &testFeed{body: feedBody, etag: `"v1"`}
	svc, srv := newTestService(t, feed)

	limits := DefaultLimits()
	limits.CacheValidity = time.Nanosecond
	svc.SetLimits(limits)

	ws := utcUnix(2024, 3, 1, 0, 0)
	svc.GetEvents(context.Background(), srv.URL, 40, ws, 31)
	svc.GetEvents(context.Background(), srv.URL, 40, ws, 31)

	// The second query revalidates with a metadata probe and reuses the
	// cached body.
	assert.Equal(t, 1, feed.gets())
}

func TestChangedValidatorTriggersRefetch(t *testing.T) {
	feed := &testFeed{body: feedBody, etag: `"v1"`}
	svc, srv := newTestService(t, feed)

	limits := DefaultLimits()
	limits.CacheValidity = time.Nanosecond
	svc.SetLimits(limits)

	ws := utcUnix(2024, 3, 1, 0, 0)
	svc.GetEvents(context.Background(), srv.URL, 40, ws, 31)

	feed.set(func(f *testFeed) { f.etag = `"v2"` })
	svc.GetEvents(context.Background(), srv.URL, 40, ws, 31)

	assert.Equal(t, 2, feed.gets())
}

func TestFetchFailureFallsBackToCache(t *testing.T) {
	feed := &testFeed{body: feedBody}
	svc, srv := newTestService(t, feed)

	limits := DefaultLimits()
	limits.CacheValidity = time.Nanosecond
	svc.SetLimits(limits)

	ws := utcUnix(2024, 3, 1, 0, 0)
	first := svc.GetEvents(context.Background(), srv.URL, 40, ws, 31)
	require.Len(t, first, 4)

	// Without validators a content-length mismatch marks the entry stale;
	// the refetch then fails and the cached events serve the query.
	feed.set(func(f *testFeed) {
		f.failGets = true
		f.headCL = 1
	})
	second := svc.GetEvents(context.Background(), srv.URL, 40, ws, 31)

	assert.Equal(t, first, second)
}

func TestFetchFailureWithoutCacheReturnsEmpty(t *testing.T) {
	feed := &testFeed{failGets: true}
	svc, srv := newTestService(t, feed)

	events := svc.GetEvents(context.Background(), srv.URL, 40, utcUnix(2024, 3, 1, 0, 0), 31)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestEmptyParseFallsBackToCache(t *testing.T) {
	feed := &testFeed{body: feedBody, etag: `"v1"`}
	svc, srv := newTestService(t, feed)

	limits := DefaultLimits()
	limits.CacheValidity = time.Nanosecond
	svc.SetLimits(limits)

	ws := utcUnix(2024, 3, 1, 0, 0)
	first := svc.GetEvents(context.Background(), srv.URL, 40, ws, 31)
	require.Len(t, first, 4)

	feed.set(func(f *testFeed) {
		f.body = "this is not a calendar"
		f.etag = `"v2"`
	})
	second := svc.GetEvents(context.Background(), srv.URL, 40, ws, 31)

	assert.Equal(t, first, second)
}

func TestMaxEventsTruncation(t *testing.T) {
	feed := &testFeed{body: feedBody}
	svc, srv := newTestService(t, feed)

	events := svc.GetEvents(context.Background(), srv.URL, 2, utcUnix(2024, 3, 1, 0, 0), 31)
	assert.Len(t, events, 2)
}

func TestWindowFilteringOnCachedEntry(t *testing.T) {
	feed := &testFeed{body: feedBody}
	svc, srv := newTestService(t, feed)

	ws := utcUnix(2024, 3, 1, 0, 0)
	require.Len(t, svc.GetEvents(context.Background(), srv.URL, 40, ws, 31), 4)

	// A narrower window over the same cached entry filters the result.
	late := svc.GetEvents(context.Background(), srv.URL, 40, utcUnix(2024, 3, 10, 0, 0), 31)
	require.Len(t, late, 2)
	assert.Equal(t, utcUnix(2024, 3, 14, 10, 0), late[0].Start)
	assert.Equal(t, 1, feed.gets())
}

func TestDuplicateEventsAreDeduplicated(t *testing.T) {
	dup := strings.Replace(feedBody, "END:VCALENDAR",
		"BEGIN:VEVENT\r\n"+
			"SUMMARY:Standup\r\n"+
			"DTSTART:20240305T090000Z\r\n"+
			"DTEND:20240305T093000Z\r\n"+
			"END:VEVENT\r\n"+
			"END:VCALENDAR", 1)
	feed := &testFeed{body: dup}
	svc, srv := newTestService(t, feed)

	events := svc.GetEvents(context.Background(), srv.URL, 40, utcUnix(2024, 3, 1, 0, 0), 31)
	count := 0
	for _, e := range events {
		if e.Summary == "Standup" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestClearCacheAndCacheInfo(t *testing.T) {
	feed := &testFeed{body: feedBody}
	svc, srv := newTestService(t, feed)

	svc.GetEvents(context.Background(), srv.URL, 40, utcUnix(2024, 3, 1, 0, 0), 31)
	assert.Equal(t, []string{srv.URL}, svc.CacheInfo())

	svc.ClearCache()
	assert.Empty(t, svc.CacheInfo())
}

func TestWarmCacheServesWithoutNetwork(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	persist, err := store.New(dbPath)
	require.NoError(t, err)
	defer persist.Close()

	cached := []model.Event{{
		Start:   utcUnix(2024, 3, 5, 9, 0),
		End:     utcUnix(2024, 3, 5, 10, 0),
		Summary: "Persisted",
		TZID:    "UTC",
	}}
	require.NoError(t, persist.Save(store.Entry{
		URL:       "https://example.com/a.ics",
		Events:    cached,
		FetchedAt: time.Now().Unix(),
	}))

	svc := NewService(testZones(t), persist)
	svc.WarmCache()

	// The entry is young enough that no request is attempted; an
	// unreachable URL would otherwise fail.
	events := svc.GetEvents(context.Background(), "https://example.com/a.ics", 40, utcUnix(2024, 3, 1, 0, 0), 31)
	assert.Equal(t, cached, events)
}

func TestRefreshPersistsEntry(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	persist, err := store.New(dbPath)
	require.NoError(t, err)
	defer persist.Close()

	feed := &testFeed{body: feedBody}
	srv := httptest.NewServer(feed.handler())
	defer srv.Close()

	svc := NewService(testZones(t), persist)
	require.Len(t, svc.GetEvents(context.Background(), srv.URL, 40, utcUnix(2024, 3, 1, 0, 0), 31), 4)

	entries, err := persist.LoadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, srv.URL, entries[0].URL)
	assert.Len(t, entries[0].Events, 4)
}

func TestLimitsDefaults(t *testing.T) {
	def := DefaultLimits()
	assert.Equal(t, 200, def.MaxRecurrenceIterations)
	assert.Equal(t, 50, def.MaxOccurrencesPerEvent)
	assert.Equal(t, 5*time.Minute, def.CacheValidity)
	assert.Equal(t, 200, def.MaxDescriptionLength)
	assert.Equal(t, 20, def.MaxRDATECount)
	assert.Equal(t, 60*time.Second, def.HTTPTimeout)
	assert.Equal(t, 15*time.Minute, def.StaleAfter)

	svc := NewService(testZones(t), nil)
	svc.SetLimits(Limits{MaxOccurrencesPerEvent: 7})
	got := svc.Limits()
	assert.Equal(t, 7, got.MaxOccurrencesPerEvent)
	assert.Equal(t, def.MaxRecurrenceIterations, got.MaxRecurrenceIterations)
}
