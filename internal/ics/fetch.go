package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "weekcal/internal/log"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultMaxBodyBytes = 10 << 20
	defaultUserAgent    = "weekcal/1.0"
)

// FetcherConfig configures a Fetcher. Zero values get defaults.
type FetcherConfig struct {
	// CacheDir holds per-URL conditional-request caches. Empty disables
	// the disk cache.
	CacheDir     string
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StatusError is returned for non-success HTTP responses.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "unexpected status: " + e.Status
}

// Fetcher retrieves raw ICS text over HTTP(S) with ETag / Last-Modified
// revalidation against a disk-backed cache. It never serves stale content
// after a failure; that decision belongs to the caller.
type Fetcher struct {
	client       *http.Client
	cacheDir     string
	maxBodyBytes int64
	userAgent    string

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewFetcher creates a new ICS Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		cacheDir:       cfg.CacheDir,
		maxBodyBytes:   cfg.MaxBodyBytes,
		userAgent:      cfg.UserAgent,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
}

// Fetch returns the body at rawURL. webcal:// URLs are fetched over https.
// Network errors and 5xx responses are retried with exponential backoff.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	url := ResolveURL(rawURL)
	if url == "" {
		return nil, errors.New("feed URL is empty")
	}

	var (
		body []byte
		err  error
	)
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		body, err = f.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		if attempt == f.maxAttempts || !retryable(err) {
			break
		}

		backoff := f.calculateBackoff(attempt)
		appLog.Warn("ics fetch failed, retrying",
			"url", redactURL(url),
			"attempt", attempt,
			"backoff", backoff,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if f.maxAttempts > 1 {
		return nil, fmt.Errorf("after %d attempts: %w", f.maxAttempts, err)
	}
	return nil, err
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(url)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		meta, _ = f.loadCacheMeta(cachePath)
		cachedBody, _ = f.loadCacheBody(cachePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	req.Header.Set("User-Agent", f.userAgent)

	// Only revalidate when a body exists to fall back on.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "url", redactURL(url))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && len(cachedBody) > 0:
		appLog.Info("ics fetch not modified; using cache", "url", redactURL(url))
		return cachedBody, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if int64(len(body)) > f.maxBodyBytes {
			return nil, fmt.Errorf("body exceeds %d bytes", f.maxBodyBytes)
		}

		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          url,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := f.saveCache(cachePath, newMeta, body); err != nil {
				// Log but still return the freshly fetched body.
				appLog.Error("ics cache save failed", err, "url", redactURL(url))
			}
		}

		appLog.Info("ics fetch success", "url", redactURL(url), "status", resp.StatusCode, "bytes", len(body))
		return body, nil

	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

// ResolveURL trims rawURL and rewrites the webcal scheme to https.
func ResolveURL(rawURL string) string {
	u := strings.TrimSpace(rawURL)
	if len(u) >= len("webcal://") && strings.EqualFold(u[:len("webcal://")], "webcal://") {
		return "https://" + u[len("webcal://"):]
	}
	return u
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}

func (f *Fetcher) calculateBackoff(attempt int) time.Duration {
	backoff := f.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > f.maxBackoff {
		backoff = f.maxBackoff
	}
	return backoff
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides the path and query of a feed URL for logging; private
// calendar URLs usually embed a token.
func redactURL(u string) string {
	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + "/...(redacted)"
}
