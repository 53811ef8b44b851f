package imagecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	logx "moyubot/pkg/logx"
)

const (
	maxBodyBytes = 20 << 20
	userAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
)

// payload is one fetched (or cache-resolved) image. When data is nil the
// key refers to a file already present in the cache directory.
type payload struct {
	key  string
	ext  string
	data []byte
}

type httpFetcher struct {
	cfg    Config
	log    logx.Logger
	client *http.Client
}

func newHTTPFetcher(cfg Config, log logx.Logger) *httpFetcher {
	return &httpFetcher{
		cfg: cfg,
		log: log,
		// Per-request deadlines come from context; the client timeout is a
		// hard upper bound in case a context is handed in without one.
		client: &http.Client{Timeout: cfg.RequestTimeout * 4},
	}
}

// fetch implements the remote source contract: the endpoint either serves
// image/* bytes directly, or JSON {"image": "<url>"} resolved by a second
// bounded request.
func (f *httpFetcher) fetch(ctx context.Context, endpoint string) (*payload, error) {
	body, ct, err := f.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	if isImageContentType(ct) {
		return f.acceptImage(endpoint, body, ct, false)
	}

	var indirect struct {
		Image string `json:"image"`
	}
	if jsonErr := json.Unmarshal(body, &indirect); jsonErr == nil && strings.TrimSpace(indirect.Image) != "" {
		return f.resolve(ctx, strings.TrimSpace(indirect.Image))
	}

	// Not JSON either: some sources lie about the content-type, so fall back
	// to trusting the magic number.
	return f.acceptImage(endpoint, body, "", true)
}

// resolve fetches the image URL extracted from a JSON response. If a file
// with the derived cache key already exists at a valid size, the download is
// skipped entirely.
func (f *httpFetcher) resolve(ctx context.Context, imageURL string) (*payload, error) {
	key := cacheKeyFromURL(imageURL)
	if key != "" {
		full := filepath.Join(f.cfg.Dir, key)
		if fi, err := os.Stat(full); err == nil && fi.Mode().IsRegular() && fi.Size() >= f.cfg.MinBytes {
			f.log.Debug("image already cached by url identity", logx.String("key", key))
			return &payload{key: key, ext: strings.TrimPrefix(path.Ext(key), ".")}, nil
		}
	}

	body, ct, err := f.get(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	pl, err := f.acceptImage(imageURL, body, ct, !isImageContentType(ct))
	if err != nil {
		return nil, err
	}
	return pl, nil
}

// acceptImage validates a candidate body and derives its cache key and
// extension. sniffRequired forces the magic-number check for bytes that were
// not declared as an image.
func (f *httpFetcher) acceptImage(srcURL string, body []byte, ct string, sniffRequired bool) (*payload, error) {
	if int64(len(body)) < f.cfg.MinBytes {
		return nil, fmt.Errorf("body too small (%d bytes), likely not a real image", len(body))
	}

	sniffed := sniffFormat(body)
	if sniffRequired && sniffed == "" {
		return nil, errors.New("no image content-type and no known magic number")
	}

	ext := extFromContentType(ct)
	if ext == "" {
		ext = sniffed
	}
	if ext == "" {
		ext = "jpg"
	}

	key := cacheKeyFromURL(srcURL)
	if key != "" && path.Ext(key) == "" {
		key += "." + ext
	}
	return &payload{key: key, ext: ext, data: body}, nil
}

func (f *httpFetcher) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "image/jpeg,image/png,image/webp,image/*,application/json,*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(body) > maxBodyBytes {
		return nil, "", fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// cacheKeyFromURL derives a safe file name from the URL path's base segment.
// Returns "" when the URL yields nothing usable, in which case a generated
// name is used instead.
func cacheKeyFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return ""
	}
	// Keep only a conservative character set; remote names feed a local path.
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	key := strings.Trim(b.String(), ".")
	if key == "" {
		return ""
	}
	return key
}
