// Package fetcher is the crawl executor: it performs the upstream content
// fetch on behalf of a paying crawler, with per-host rate limiting and a
// hard body-size cap.
package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tachi-protocol/gateway/internal/config"
)

// Result is the outcome of one upstream fetch. Any HTTP status is a valid
// result; the pipeline decides what counts as billable.
type Result struct {
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	FetchTime   time.Duration

	// Truncated is set when the response exceeded the body cap. The body
	// holds the capped prefix; the pipeline treats this as a fetch failure.
	Truncated bool
}

// Fetcher performs upstream fetches. bodyLimit overrides the configured
// body cap when positive; rights in degraded mode narrow it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, bodyLimit int64) (*Result, error)
}

// HTTPFetcher implements Fetcher over net/http with per-host rate limiting
// and bounded retries for transport errors.
type HTTPFetcher struct {
	client *http.Client
	cfg    config.FetchConfig

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher builds the executor from fetch config.
func NewHTTPFetcher(cfg config.FetchConfig) *HTTPFetcher {
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 30
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 * 1024 * 1024
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.PerHostRate <= 0 {
		cfg.PerHostRate = 10
	}
	if cfg.PerHostBurst <= 0 {
		cfg.PerHostBurst = 10
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tachi-gateway/1.0"
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   time.Duration(cfg.TimeoutSecs) * time.Second,
			Transport: transport,
		},
		cfg:      cfg,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// limiterFor returns the adaptive limiter for a host, creating it on first
// use. Every upstream host gets its own limiter so one slow publisher does
// not starve the rest.
func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(rate.Limit(f.cfg.PerHostRate), f.cfg.PerHostBurst)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch performs one upstream GET. Transport errors are retried up to the
// configured attempt count; HTTP error statuses are returned as results, except
// 429 and 5xx which are retried and then returned as the final result.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, bodyLimit int64) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: parse url %q", rawURL)
	}

	limit := f.cfg.MaxBodyBytes
	if bodyLimit > 0 && bodyLimit < limit {
		limit = bodyLimit
	}

	lim := f.limiterFor(u.Host)

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetch: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "fetch: build request")
		}
		req.Header.Set("User-Agent", f.cfg.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			zap.L().Warn("upstream fetch failed, retrying",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lim.OnRateLimit()
		} else {
			lim.OnSuccess()
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && attempt < f.cfg.MaxRetries {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("fetch: http %d from %s", resp.StatusCode, rawURL)
			zap.L().Warn("upstream error status, retrying",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1))
			continue
		}

		return f.readResult(resp, limit, start)
	}

	return nil, eris.Wrap(lastErr, "fetch: retries exhausted")
}

func (f *HTTPFetcher) readResult(resp *http.Response, limit int64, start time.Time) (*Result, error) {
	defer resp.Body.Close() //nolint:errcheck

	// Read one byte past the cap to tell "exactly at the cap" from "over".
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, eris.Wrap(err, "fetch: read body")
	}

	res := &Result{
		StatusCode:  resp.StatusCode,
		Headers:     resp.Header.Clone(),
		ContentType: resp.Header.Get("Content-Type"),
		FetchTime:   time.Since(start),
	}
	if int64(len(body)) > limit {
		res.Truncated = true
		body = body[:limit]
	}
	res.Body = body
	return res, nil
}
