// Package imagecache fetches the daily calendar image from a list of
// unreliable remote sources and keeps one validated copy on disk.
//
// Cache policy: URL-identity with magic-number validation. The cache key is
// the base filename of the resolved remote URL; a file already present under
// that key is reused without downloading. A pointer to the current payload
// plus its fetch day gives same-day callers a fast path with no network I/O.
// When every source fails, the previous copy (stale or not) is served, then
// the bundled fallback image, then an error.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"moyubot/assets"
	logx "moyubot/pkg/logx"
)

// ErrNoImage means every remote source, the stale cache and the bundled
// fallback were all exhausted.
var ErrNoImage = errors.New("imagecache: no image available")

const (
	defaultMinBytes = 1000
	defaultTimeout  = 5 * time.Second
	dayLayout       = "2006-01-02"
)

type Config struct {
	// Dir is the working cache directory. Created on demand.
	Dir string
	// Endpoints are tried in order. Each either serves image/* bytes
	// directly or JSON {"image": "<url>"} resolved by a second request.
	Endpoints []string
	// RequestTimeout bounds every single HTTP request.
	RequestTimeout time.Duration
	// MinBytes rejects bodies smaller than this (error pages, placeholders).
	MinBytes int64
}

type Manager struct {
	// mu is the single-flight lock: concurrent callers racing to refresh
	// share one critical section and re-check the cache after acquiring it.
	mu sync.Mutex

	cfg Config
	log logx.Logger

	fetcher fetcher
	now     func() time.Time

	cachedPath string
	cachedDay  string
}

// fetcher abstracts the network path so tests can count calls.
type fetcher interface {
	fetch(ctx context.Context, endpoint string) (*payload, error)
}

func New(cfg Config, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = defaultMinBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	m := &Manager{
		cfg: cfg,
		log: log,
		now: time.Now,
	}
	m.fetcher = newHTTPFetcher(cfg, log)
	return m
}

// Get returns the path of today's calendar image, fetching it if needed.
func (m *Manager) Get(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	today := m.now().Format(dayLayout)

	// Double-checked: a caller that waited on the lock may find the image
	// already fetched by whoever held it.
	if p := m.freshLocked(today); p != "" {
		m.log.Debug("serving cached image", logx.String("path", p))
		return p, nil
	}

	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	prev := m.cachedPath
	for i, ep := range m.cfg.Endpoints {
		if ctx.Err() != nil {
			break
		}
		pl, err := m.fetcher.fetch(ctx, ep)
		if err != nil {
			m.log.Warn("image source failed", logx.Int("source", i+1), logx.String("endpoint", ep), logx.Err(err))
			continue
		}
		path, err := m.storeLocked(pl)
		if err != nil {
			m.log.Warn("storing image failed", logx.String("endpoint", ep), logx.Err(err))
			continue
		}
		if prev != "" && prev != path {
			if err := os.Remove(prev); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.log.Warn("removing superseded image failed", logx.String("path", prev), logx.Err(err))
			}
		}
		m.cachedPath, m.cachedDay = path, today
		m.log.Info("image fetched", logx.Int("source", i+1), logx.String("path", path), logx.Int("bytes", len(pl.data)))
		return path, nil
	}

	// Every source failed: degrade to the previous copy even if stale.
	if prev != "" && m.fileValid(prev) {
		m.log.Warn("all image sources failed; serving stale cache", logx.String("path", prev))
		return prev, nil
	}

	// Last resort: copy the bundled fallback into the cache dir so callers
	// get the same path contract as a fetched image.
	path, err := m.writeFallbackLocked()
	if err != nil {
		m.log.Error("bundled fallback unavailable", logx.Err(err))
		return "", ErrNoImage
	}
	m.cachedPath, m.cachedDay = path, today
	m.log.Warn("all image sources failed; using bundled fallback", logx.String("path", path))
	return path, nil
}

// Sweep removes cache files other than the current payload. Wired to the
// nightly maintenance schedule.
func (m *Manager) Sweep() (removed int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	keep := filepath.Base(m.cachedPath)
	for _, e := range entries {
		if e.IsDir() || e.Name() == keep {
			continue
		}
		if rmErr := os.Remove(filepath.Join(m.cfg.Dir, e.Name())); rmErr != nil {
			err = rmErr
			continue
		}
		removed++
	}
	return removed, err
}

func (m *Manager) freshLocked(today string) string {
	if m.cachedPath == "" || m.cachedDay != today {
		return ""
	}
	if !m.fileValid(m.cachedPath) {
		m.cachedPath, m.cachedDay = "", ""
		return ""
	}
	return m.cachedPath
}

func (m *Manager) fileValid(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() >= m.cfg.MinBytes
}

// storeLocked writes a fetched payload under its cache key via a temp file
// and an atomic rename. A payload that resolved to an already-valid file on
// disk is returned as-is.
func (m *Manager) storeLocked(pl *payload) (string, error) {
	name := pl.key
	if name == "" {
		name = fmt.Sprintf("moyu_%s.%s", uuid.NewString()[:8], pl.ext)
	}
	path := filepath.Join(m.cfg.Dir, name)

	if pl.data == nil {
		// Resolved to an existing cache file; nothing to write.
		if !m.fileValid(path) {
			return "", fmt.Errorf("cache key %q vanished", name)
		}
		return path, nil
	}

	if err := writeFileAtomic(path, pl.data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (m *Manager) writeFallbackLocked() (string, error) {
	if len(assets.FallbackImage) == 0 {
		return "", errors.New("no bundled fallback image")
	}
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("moyu_backup_%s.jpg", uuid.NewString()[:8])
	path := filepath.Join(m.cfg.Dir, name)
	if err := writeFileAtomic(path, assets.FallbackImage, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".dl-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
