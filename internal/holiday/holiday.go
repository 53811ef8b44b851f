// Package holiday fetches public-holiday data keyed by year, with on-disk
// caching and a built-in fallback table.
//
// Same fetch -> validate -> cache -> degrade shape as the image cache, but a
// cache entry is keyed by year and stays valid for a TTL rather than being
// tied to a URL.
package holiday

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "moyubot/pkg/logx"
)

const (
	defaultURLTemplate = "https://raw.githubusercontent.com/NateScarlet/holiday-cn/master/%d.json"
	defaultTTL         = 24 * time.Hour
	defaultTimeout     = 10 * time.Second
	dateLayout         = "2006-01-02"
	maxYearFileBytes   = 1 << 20
)

// Holiday is one contiguous off-day range.
type Holiday struct {
	Name  string
	Start time.Time
	End   time.Time
}

// Countdown is the distance from a reference day to a holiday.
type Countdown struct {
	Name    string
	Days    int
	IsToday bool
	Start   time.Time
	End     time.Time
}

type Config struct {
	CacheDir       string
	URLTemplate    string // must contain one %d verb for the year
	RequestTimeout time.Duration
	CacheTTL       time.Duration
}

type Fetcher struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	client *http.Client
	now    func() time.Time
}

func New(cfg Config, log logx.Logger) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = defaultURLTemplate
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultTTL
	}
	return &Fetcher{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		now:    time.Now,
	}
}

// Holidays returns holiday ranges for the given years. Remote failure for a
// year degrades to its cached file regardless of age, then to the built-in
// fixed-date table; this method never fails outright.
func (f *Fetcher) Holidays(ctx context.Context, years []int) []Holiday {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Holiday
	for _, year := range years {
		hs, err := f.yearHolidaysLocked(ctx, year)
		if err != nil {
			f.log.Warn("holiday data unavailable; using fallback table",
				logx.Int("year", year), logx.Err(err))
			hs = fallbackHolidays(year)
		}
		out = append(out, hs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Next returns the countdown to the nearest holiday that starts today or
// later, looking across this year and the next.
func (f *Fetcher) Next(ctx context.Context, now time.Time) (Countdown, bool) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for _, h := range f.Holidays(ctx, []int{now.Year(), now.Year() + 1}) {
		start := time.Date(h.Start.Year(), h.Start.Month(), h.Start.Day(), 0, 0, 0, 0, now.Location())
		end := time.Date(h.End.Year(), h.End.Month(), h.End.Day(), 0, 0, 0, 0, now.Location())
		if end.Before(today) {
			continue
		}
		days := daysBetween(today, start)
		if days < 0 {
			days = 0
		}
		return Countdown{
			Name:    h.Name,
			Days:    days,
			IsToday: !start.After(today) && !end.Before(today),
			Start:   h.Start,
			End:     h.End,
		}, true
	}
	return Countdown{}, false
}

// Refresh re-fetches the current and next year, ignoring cache age. Wired to
// the nightly maintenance schedule so the TTL rarely expires on the hot path.
func (f *Fetcher) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	year := f.now().Year()
	var firstErr error
	for _, y := range []int{year, year + 1} {
		if _, err := f.fetchYearLocked(ctx, y); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Fetcher) yearHolidaysLocked(ctx context.Context, year int) ([]Holiday, error) {
	cache := f.cachePath(year)

	if fi, err := os.Stat(cache); err == nil && f.now().Sub(fi.ModTime()) < f.cfg.CacheTTL {
		if hs, err := loadYearFile(cache, year); err == nil {
			return hs, nil
		}
		// Cache unreadable: drop it and fetch fresh.
		_ = os.Remove(cache)
	}

	hs, err := f.fetchYearLocked(ctx, year)
	if err == nil {
		return hs, nil
	}
	f.log.Warn("holiday fetch failed; trying stale cache", logx.Int("year", year), logx.Err(err))

	if hs, staleErr := loadYearFile(cache, year); staleErr == nil {
		return hs, nil
	}
	return nil, err
}

func (f *Fetcher) fetchYearLocked(ctx context.Context, year int) ([]Holiday, error) {
	url := fmt.Sprintf(f.cfg.URLTemplate, year)

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxYearFileBytes))
	if err != nil {
		return nil, err
	}

	// Validate before caching so a bad body never poisons the cache.
	hs, err := parseYearFile(body, year)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(f.cfg.CacheDir, 0o755); err == nil {
		tmp := f.cachePath(year) + ".tmp"
		if werr := os.WriteFile(tmp, body, 0o644); werr == nil {
			_ = os.Rename(tmp, f.cachePath(year))
		}
	}
	return hs, nil
}

func (f *Fetcher) cachePath(year int) string {
	return filepath.Join(f.cfg.CacheDir, fmt.Sprintf("%d.json", year))
}

func loadYearFile(path string, year int) ([]Holiday, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseYearFile(b, year)
}

type yearFile struct {
	Days []struct {
		Name     string `json:"name"`
		Date     string `json:"date"`
		IsOffDay bool   `json:"isOffDay"`
	} `json:"days"`
}

// daysBetween counts calendar days from a to b. Both dates are re-anchored
// to UTC midnight first, so a DST-shortened 23-hour day still counts as a
// full day.
func daysBetween(a, b time.Time) int {
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bu.Sub(au) / (24 * time.Hour))
}

// parseYearFile groups consecutive off-days sharing a name into ranges.
func parseYearFile(b []byte, year int) ([]Holiday, error) {
	var yf yearFile
	if err := json.Unmarshal(b, &yf); err != nil {
		return nil, fmt.Errorf("parse year %d: %w", year, err)
	}
	if len(yf.Days) == 0 {
		return nil, fmt.Errorf("year %d: no day entries", year)
	}

	var out []Holiday
	for _, d := range yf.Days {
		if !d.IsOffDay {
			continue
		}
		day, err := time.Parse(dateLayout, strings.TrimSpace(d.Date))
		if err != nil {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Name == d.Name && day.Sub(out[n-1].End) == 24*time.Hour {
			out[n-1].End = day
			continue
		}
		out = append(out, Holiday{Name: d.Name, Start: day, End: day})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("year %d: no off days", year)
	}
	return out, nil
}

// fallbackHolidays is the minimal fixed-date table used when both the remote
// source and the cache are unavailable. Lunar-calendar holidays move from
// year to year and are deliberately absent.
func fallbackHolidays(year int) []Holiday {
	mk := func(name string, month time.Month, day, span int) Holiday {
		start := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		return Holiday{Name: name, Start: start, End: start.AddDate(0, 0, span-1)}
	}
	return []Holiday{
		mk("New Year's Day", time.January, 1, 1),
		mk("Labour Day", time.May, 1, 1),
		mk("National Day", time.October, 1, 3),
	}
}
