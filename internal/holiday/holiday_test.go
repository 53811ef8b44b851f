package holiday

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	logx "moyubot/pkg/logx"
)

const sampleYear = `{
  "year": 2026,
  "days": [
    {"name": "New Year's Day", "date": "2026-01-01", "isOffDay": true},
    {"name": "Spring Festival", "date": "2026-02-16", "isOffDay": false},
    {"name": "Spring Festival", "date": "2026-02-17", "isOffDay": true},
    {"name": "Spring Festival", "date": "2026-02-18", "isOffDay": true},
    {"name": "Spring Festival", "date": "2026-02-19", "isOffDay": true},
    {"name": "Labour Day", "date": "2026-05-01", "isOffDay": true}
  ]
}`

func newTestFetcher(t *testing.T, url string) *Fetcher {
	t.Helper()
	return New(Config{
		CacheDir:       t.TempDir(),
		URLTemplate:    url + "/%d.json",
		RequestTimeout: 2 * time.Second,
	}, logx.Nop())
}

func TestFetchGroupsConsecutiveOffDays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleYear)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	hs := f.Holidays(context.Background(), []int{2026})
	if len(hs) != 3 {
		t.Fatalf("got %d holidays, want 3: %v", len(hs), hs)
	}
	spring := hs[1]
	if spring.Name != "Spring Festival" {
		t.Fatalf("middle holiday = %q, want Spring Festival", spring.Name)
	}
	if spring.Start.Day() != 17 || spring.End.Day() != 19 {
		t.Fatalf("spring range %v..%v, want Feb 17..19", spring.Start, spring.End)
	}
}

func TestSecondCallHitsCacheNotNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, sampleYear)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	f.Holidays(context.Background(), []int{2026})
	f.Holidays(context.Background(), []int{2026})
	if n := hits.Load(); n != 1 {
		t.Fatalf("server hit %d times, want 1", n)
	}
}

func TestRemoteFailureFallsBackToStaleCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	cache := f.cachePath(2026)
	if err := os.WriteFile(cache, []byte(sampleYear), 0o644); err != nil {
		t.Fatal(err)
	}
	// Age the cache past the TTL so only the stale path can serve it.
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(cache, old, old); err != nil {
		t.Fatal(err)
	}

	hs := f.Holidays(context.Background(), []int{2026})
	if len(hs) != 3 {
		t.Fatalf("stale cache not used: got %d holidays", len(hs))
	}
}

func TestNoRemoteNoCacheUsesBuiltinTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	hs := f.Holidays(context.Background(), []int{2026})
	if len(hs) == 0 {
		t.Fatal("builtin fallback produced no holidays")
	}
	if hs[0].Name != "New Year's Day" || hs[0].Start.Month() != time.January {
		t.Fatalf("unexpected first fallback holiday: %+v", hs[0])
	}
}

func TestInvalidBodyNeverPoisonsCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"days": []}`)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	f.Holidays(context.Background(), []int{2026})
	if _, err := os.Stat(filepath.Join(f.cfg.CacheDir, "2026.json")); !os.IsNotExist(err) {
		t.Fatal("empty year file was written to the cache")
	}
}

func TestDaysBetweenSpansShortDSTDay(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tz database unavailable")
	}

	// 2026-03-08 is a 23-hour day in this zone; the span is still 4
	// calendar days.
	from := time.Date(2026, 3, 6, 0, 0, 0, 0, loc)
	to := time.Date(2026, 3, 10, 0, 0, 0, 0, loc)
	if got := daysBetween(from, to); got != 4 {
		t.Fatalf("daysBetween across spring transition = %d, want 4", got)
	}

	// Fall back: 2026-11-01 is a 25-hour day.
	from = time.Date(2026, 10, 30, 0, 0, 0, 0, loc)
	to = time.Date(2026, 11, 3, 0, 0, 0, 0, loc)
	if got := daysBetween(from, to); got != 4 {
		t.Fatalf("daysBetween across autumn transition = %d, want 4", got)
	}

	if got := daysBetween(to, to); got != 0 {
		t.Fatalf("daysBetween(same day) = %d, want 0", got)
	}
}

func TestNextCountdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleYear)
	}))
	defer srv.Close()
	f := newTestFetcher(t, srv.URL)

	now := time.Date(2026, 2, 10, 15, 30, 0, 0, time.UTC)
	cd, ok := f.Next(context.Background(), now)
	if !ok {
		t.Fatal("Next found nothing")
	}
	if cd.Name != "Spring Festival" || cd.Days != 7 || cd.IsToday {
		t.Fatalf("countdown = %+v, want Spring Festival in 7 days", cd)
	}

	during := time.Date(2026, 2, 18, 8, 0, 0, 0, time.UTC)
	cd, ok = f.Next(context.Background(), during)
	if !ok || !cd.IsToday || cd.Days != 0 {
		t.Fatalf("mid-holiday countdown = %+v, want IsToday with 0 days", cd)
	}
}
