// Package pypi resolves package releases against the PyPI JSON API. Release
// distribution URLs are cached in Redis so repeated enqueues of the same
// release do not hammer the index.
package pypi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/vigilsec/packwatch/internal/cache"
)

var (
	// ErrReleaseNotFound means the package or version does not exist on the index.
	ErrReleaseNotFound = errors.New("release not found on package index")
	// ErrIndexUnavailable means the index could not be reached or answered
	// with a server error.
	ErrIndexUnavailable = errors.New("package index unavailable")
)

// Client resolves the distribution download URLs of a package release.
type Client interface {
	ReleaseURLs(ctx context.Context, name, version string) ([]string, error)
}

// HTTPClient talks to the PyPI JSON API (GET /pypi/{name}/{version}/json).
type HTTPClient struct {
	baseURL  string
	client   *http.Client
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewHTTPClient builds a client for the given index base URL. The cache may be
// nil, in which case every lookup hits the index.
func NewHTTPClient(baseURL string, timeout time.Duration, c cache.Cache, cacheTTL time.Duration, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

type releaseResponse struct {
	URLs []struct {
		URL string `json:"url"`
	} `json:"urls"`
}

// ReleaseURLs returns the download URLs of every distribution file published
// for the release. A release with no files resolves to an empty slice, not an
// error.
func (c *HTTPClient) ReleaseURLs(ctx context.Context, name, version string) ([]string, error) {
	key := cache.ReleaseMetaKey(name, version)
	if urls, ok := c.cached(ctx, key); ok {
		return urls, nil
	}

	endpoint := fmt.Sprintf("%s/pypi/%s/%s/json", c.baseURL, url.PathEscape(name), url.PathEscape(version))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building index request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrReleaseNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrIndexUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("index returned status %d: %s", resp.StatusCode, string(body))
	}

	var release releaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("decoding index response: %w", err)
	}

	urls := make([]string, 0, len(release.URLs))
	for _, u := range release.URLs {
		urls = append(urls, u.URL)
	}

	c.store(ctx, key, urls)
	return urls, nil
}

func (c *HTTPClient) cached(ctx context.Context, key string) ([]string, bool) {
	if c.cache == nil {
		return nil, false
	}
	raw, found, err := c.cache.Get(ctx, key)
	if err != nil || !found {
		return nil, false
	}
	var urls []string
	if err := json.Unmarshal(raw, &urls); err != nil {
		return nil, false
	}
	return urls, true
}

// store caches best-effort; a cache failure never fails the lookup.
func (c *HTTPClient) store(ctx context.Context, key string, urls []string) {
	if c.cache == nil {
		return
	}
	raw, err := json.Marshal(urls)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, raw, c.cacheTTL); err != nil {
		c.logger.Warn("failed to cache release metadata", "key", key, "error", err)
	}
}

func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: request timed out", ErrIndexUnavailable)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: connection failed", ErrIndexUnavailable)
	}
	return fmt.Errorf("querying package index: %w", err)
}
