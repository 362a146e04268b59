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

	appLog "studiosync/internal/log"
)

const (
	defaultFetchTimeout  = 15 * time.Second
	defaultFetchMaxBytes = 10 << 20
)

// Source represents the external calendar feed.
type Source struct {
	// ID is the source calendar identifier stored on every event mapping.
	ID string
	// URL is the ICS endpoint.
	URL string
}

// FetchResult contains the outcome of fetching a feed.
type FetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool // true if the body came from the cache after a 304
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads ICS feeds. When cacheDir is set it sends conditional
// requests (ETag / Last-Modified) and serves 304 answers from disk.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	maxBytes int64
}

// NewFetcher creates a Fetcher. An empty cacheDir disables the HTTP cache;
// a non-positive timeout uses 15s and a non-positive maxBytes 10 MiB.
func NewFetcher(cacheDir string, timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaultFetchMaxBytes
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
		maxBytes: maxBytes,
	}
}

// FetchOne fetches src. Any failure is a *FetchError. There are no retries
// and a cached body is never substituted for a failed request.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	redacted := redactURL(src.URL)
	fail := func(status int, err error) (FetchResult, error) {
		return FetchResult{}, &FetchError{URL: redacted, StatusCode: status, Err: err}
	}

	if src.URL == "" {
		return fail(0, errors.New("source URL is empty"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	var (
		cachePath string
		meta      cacheEntry
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(src.URL)
		meta, _ = f.loadCacheMeta(cachePath)
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Info("ics fetch start", "id", src.ID, "url", redacted)

	resp, err := f.client.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && cachePath != "":
		body, err := f.loadCacheBody(cachePath)
		if err != nil || len(body) == 0 {
			return fail(resp.StatusCode, errors.New("304 Not Modified but no cached body available"))
		}
		appLog.Info("ics fetch not modified; using cache", "id", src.ID, "url", redacted)
		return FetchResult{Source: src, Body: body, FromCache: true}, nil

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fail(resp.StatusCode, errors.New(resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > f.maxBytes {
		return fail(resp.StatusCode, fmt.Errorf("body exceeds %d bytes", f.maxBytes))
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return fail(resp.StatusCode, errors.New("empty body"))
	}

	if cachePath != "" {
		newMeta := cacheEntry{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("ics cache save failed", err, "id", src.ID, "url", redacted)
		}
	}

	appLog.Info("ics fetch success", "id", src.ID, "url", redacted, "status", resp.StatusCode, "bytes", len(body))
	return FetchResult{Source: src, Body: body}, nil
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
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return err
	}

	// Write body first so meta never points at missing body.
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
// calendar URLs carry their secret there.
//
//	https://example.com/path/to/private.ics?token=abcd -> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		rest = rest[:j]
	}
	if k := strings.LastIndexByte(rest, '@'); k >= 0 {
		rest = rest[k+1:]
	}
	return u[:i+3] + rest + redactedSuffix
}
