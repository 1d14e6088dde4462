package pypi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	entries map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (f *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.entries[key] = value
	return nil
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := f.entries[key]
	return v, ok, nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	delete(f.entries, key)
	return nil
}

func (f *fakeCache) Ping(_ context.Context) error { return nil }

func (f *fakeCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger := slog.New(slog.DiscardHandler)
	return NewHTTPClient(server.URL, 5*time.Second, nil, time.Minute, logger)
}

func TestReleaseURLs(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pypi/requests/2.31.0/json", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"info": {"name": "requests", "version": "2.31.0"},
			"urls": [
				{"url": "https://files.example.org/requests-2.31.0-py3-none-any.whl"},
				{"url": "https://files.example.org/requests-2.31.0.tar.gz"}
			]
		}`)
	})

	urls, err := client.ReleaseURLs(context.Background(), "requests", "2.31.0")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://files.example.org/requests-2.31.0-py3-none-any.whl",
		"https://files.example.org/requests-2.31.0.tar.gz",
	}, urls)
}

func TestReleaseURLs_NoFiles(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"urls": []}`)
	})

	urls, err := client.ReleaseURLs(context.Background(), "ghost", "0.0.1")
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestReleaseURLs_NotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "Not Found"}`, http.StatusNotFound)
	})

	_, err := client.ReleaseURLs(context.Background(), "no-such-package", "1.0.0")
	assert.ErrorIs(t, err, ErrReleaseNotFound)
}

func TestReleaseURLs_ServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	})

	_, err := client.ReleaseURLs(context.Background(), "requests", "2.31.0")
	assert.ErrorIs(t, err, ErrIndexUnavailable)
}

func TestReleaseURLs_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()
	logger := slog.New(slog.DiscardHandler)
	client := NewHTTPClient(server.URL, time.Second, nil, time.Minute, logger)

	_, err := client.ReleaseURLs(context.Background(), "requests", "2.31.0")
	assert.ErrorIs(t, err, ErrIndexUnavailable)
}

func TestReleaseURLs_CachedLookupSkipsIndex(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, `{"urls": [{"url": "https://files.example.org/requests-2.31.0.tar.gz"}]}`)
	}))
	t.Cleanup(server.Close)

	client := NewHTTPClient(server.URL, 5*time.Second, newFakeCache(), time.Minute, slog.New(slog.DiscardHandler))

	first, err := client.ReleaseURLs(context.Background(), "requests", "2.31.0")
	require.NoError(t, err)
	second, err := client.ReleaseURLs(context.Background(), "requests", "2.31.0")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, hits)
}

func TestReleaseURLs_EscapesPathSegments(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		fmt.Fprint(w, `{"urls": []}`)
	})

	_, err := client.ReleaseURLs(context.Background(), "zope.interface", "6.0+local")
	require.NoError(t, err)
	assert.Equal(t, "/pypi/zope.interface/6.0+local/json", gotPath)
}
