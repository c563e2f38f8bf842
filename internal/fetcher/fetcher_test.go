package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/tachi-protocol/gateway/internal/config"
)

func newTestFetcher(cfg config.FetchConfig) *HTTPFetcher {
	if cfg.PerHostRate == 0 {
		cfg.PerHostRate = 1000
	}
	if cfg.PerHostBurst == 0 {
		cfg.PerHostBurst = 1000
	}
	return NewHTTPFetcher(cfg)
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html>hello</html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(config.FetchConfig{UserAgent: "test-agent/1.0"})
	res, err := f.Fetch(context.Background(), srv.URL, 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []byte("<html>hello</html>"), res.Body)
	assert.Equal(t, "text/html; charset=utf-8", res.ContentType)
	assert.False(t, res.Truncated)
	assert.Greater(t, res.FetchTime, time.Duration(0))
}

func TestFetch_NotFoundIsAResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(config.FetchConfig{})
	res, err := f.Fetch(context.Background(), srv.URL, 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestFetch_BodyCapTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	f := newTestFetcher(config.FetchConfig{MaxBodyBytes: 10})
	res, err := f.Fetch(context.Background(), srv.URL, 0)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Body, 10)
}

func TestFetch_ExactlyAtCapNotTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 10)))
	}))
	defer srv.Close()

	f := newTestFetcher(config.FetchConfig{MaxBodyBytes: 10})
	res, err := f.Fetch(context.Background(), srv.URL, 0)
	require.NoError(t, err)
	assert.False(t, res.Truncated)
	assert.Len(t, res.Body, 10)
}

func TestFetch_PerCallLimitNarrowsCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	f := newTestFetcher(config.FetchConfig{MaxBodyBytes: 1000})
	res, err := f.Fetch(context.Background(), srv.URL, 5)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Body, 5)
}

func TestFetch_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(config.FetchConfig{MaxRetries: 2})
	res, err := f.Fetch(context.Background(), srv.URL, 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_PersistentServerErrorReturnedAsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newTestFetcher(config.FetchConfig{MaxRetries: 1})
	res, err := f.Fetch(context.Background(), srv.URL, 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestFetch_TimeoutIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	f := newTestFetcher(config.FetchConfig{MaxRetries: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, srv.URL, 0)
	assert.Error(t, err)
}

func TestFetch_InvalidURL(t *testing.T) {
	f := newTestFetcher(config.FetchConfig{})
	_, err := f.Fetch(context.Background(), "http://exa mple.com/", 0)
	assert.Error(t, err)
}

func TestLimiterFor_ReusedPerHost(t *testing.T) {
	f := newTestFetcher(config.FetchConfig{})
	a := f.limiterFor("news.example.com")
	b := f.limiterFor("news.example.com")
	c := f.limiterFor("blog.example.com")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestAdaptiveLimiter_Adjusts(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)

	lim.OnSuccess()
	assert.InDelta(t, 12, float64(lim.Limit()), 1e-9)

	lim.OnRateLimit()
	assert.InDelta(t, 6, float64(lim.Limit()), 1e-9)

	// The floor is a quarter of the initial rate.
	for i := 0; i < 10; i++ {
		lim.OnRateLimit()
	}
	assert.InDelta(t, float64(rate.Limit(2.5)), float64(lim.Limit()), 1e-9)
}
