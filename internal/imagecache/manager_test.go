package imagecache

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "moyubot/pkg/logx"
)

func jpegBody(n int) []byte {
	b := make([]byte, n)
	copy(b, magicJPEG)
	b[n-2], b[n-1] = 0xFF, 0xD9
	return b
}

func newTestManager(t *testing.T, endpoints []string) *Manager {
	t.Helper()
	return New(Config{
		Dir:            t.TempDir(),
		Endpoints:      endpoints,
		RequestTimeout: 2 * time.Second,
		MinBytes:       1000,
	}, logx.Nop())
}

func TestDirectImageFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(jpegBody(4096))
	}))
	defer srv.Close()

	m := newTestManager(t, []string{srv.URL + "/daily"})
	path, err := m.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil || fi.Size() != 4096 {
		t.Fatalf("stored image wrong: %v size=%d", err, fi.Size())
	}
	if !strings.HasSuffix(path, ".jpg") {
		t.Fatalf("expected jpg extension, got %s", path)
	}
}

func TestJSONIndirectionAndURLIdentity(t *testing.T) {
	var imageHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"image": %q}`, "http://"+r.Host+"/img/calendar-001.png")
	})
	mux.HandleFunc("/img/calendar-001.png", func(w http.ResponseWriter, r *http.Request) {
		imageHits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		b := make([]byte, 2048)
		copy(b, magicPNG)
		_, _ = w.Write(b)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := newTestManager(t, []string{srv.URL + "/api"})
	p1, err := m.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if filepath.Base(p1) != "calendar-001.png" {
		t.Fatalf("cache key should come from the resolved url, got %s", filepath.Base(p1))
	}
	if got := imageHits.Load(); got != 1 {
		t.Fatalf("image fetched %d times, want 1", got)
	}

	// Next day the endpoint resolves to the same file: the download of the
	// payload itself must be skipped by url identity.
	m.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	p2, err := m.Get(context.Background())
	if err != nil {
		t.Fatalf("Get (day 2): %v", err)
	}
	if p2 != p1 {
		t.Fatalf("expected identical cache path, got %s and %s", p1, p2)
	}
	if got := imageHits.Load(); got != 1 {
		t.Fatalf("image re-downloaded despite identical key (%d hits)", got)
	}
}

func TestMagicNumberValidation(t *testing.T) {
	// JPEG magic with a generic content-type is accepted.
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(jpegBody(3000))
	}))
	defer okSrv.Close()

	m := newTestManager(t, []string{okSrv.URL + "/blob"})
	path, err := m.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.HasSuffix(path, ".jpg") {
		t.Fatalf("sniffed jpeg should store as .jpg, got %s", path)
	}

	// Random bytes without a known signature and no image content-type are
	// rejected, so the manager degrades to the bundled fallback.
	junk := bytes.Repeat([]byte{0x5A, 0xA5, 0x3C}, 1024)
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(junk)
	}))
	defer badSrv.Close()

	m2 := newTestManager(t, []string{badSrv.URL})
	path2, err := m2.Get(context.Background())
	if err != nil {
		t.Fatalf("Get should degrade to fallback, got error: %v", err)
	}
	if !strings.Contains(filepath.Base(path2), "moyu_backup_") {
		t.Fatalf("expected bundled fallback copy, got %s", path2)
	}
}

func TestFallbackChain(t *testing.T) {
	var calls atomic.Int64
	// Sources 1-2 fail outright, source 3 returns a too-small body.
	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer fail.Close()
	small := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(jpegBody(600))
	}))
	defer small.Close()

	endpoints := []string{fail.URL + "/a", fail.URL + "/b", small.URL + "/c"}
	m := newTestManager(t, endpoints)

	// Seed a previous valid cached image.
	prev := filepath.Join(m.cfg.Dir, "yesterday.jpg")
	if err := os.WriteFile(prev, jpegBody(2048), 0o644); err != nil {
		t.Fatal(err)
	}
	m.cachedPath = prev
	m.cachedDay = "1999-01-01"

	path, err := m.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if path != prev {
		t.Fatalf("expected stale cache %s, got %s", prev, path)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected all 3 sources tried, got %d", got)
	}

	// Without a stale copy the bundled fallback is served.
	m2 := newTestManager(t, endpoints)
	path2, err := m2.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(filepath.Base(path2), "moyu_backup_") {
		t.Fatalf("expected bundled fallback, got %s", path2)
	}
}

type countingFetcher struct {
	calls atomic.Int64
	delay time.Duration
}

func (c *countingFetcher) fetch(ctx context.Context, endpoint string) (*payload, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)
	return &payload{ext: "jpg", data: jpegBody(2048)}, nil
}

func TestSingleFlight(t *testing.T) {
	m := newTestManager(t, []string{"http://unused.invalid/api"})
	cf := &countingFetcher{delay: 50 * time.Millisecond}
	m.fetcher = cf

	var wg sync.WaitGroup
	paths := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := m.Get(context.Background())
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			paths[i] = p
		}(i)
	}
	wg.Wait()

	if got := cf.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one fetch for concurrent callers, got %d", got)
	}
	if paths[0] == "" || paths[0] != paths[1] {
		t.Fatalf("callers should share the same payload: %v", paths)
	}
}

func TestSweepKeepsCurrent(t *testing.T) {
	m := newTestManager(t, nil)
	dir := m.cfg.Dir
	cur := filepath.Join(dir, "today.jpg")
	if err := os.WriteFile(cur, jpegBody(2048), 0o644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("old-%d.jpg", i)), jpegBody(1200), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	m.cachedPath = cur
	m.cachedDay = m.now().Format(dayLayout)

	removed, err := m.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	if _, err := os.Stat(cur); err != nil {
		t.Fatalf("current payload must survive sweep: %v", err)
	}
}
