package governor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tachi-protocol/gateway/internal/config"
)

// Admission errors. ErrConcurrencyLimit is distinct from ErrQuotaExceeded so
// the pipeline can route a momentary concurrency spill into the throttle
// queue instead of rejecting outright.
var (
	ErrRateLimited      = eris.New("rate limit exceeded")
	ErrQuotaExceeded    = eris.New("monthly quota exceeded")
	ErrConcurrencyLimit = eris.New("concurrent request limit reached")
	ErrUnknownTier      = eris.New("unknown subscription tier")
	ErrUnavailable      = eris.New("admission control unavailable")
)

// RateResult reports remaining allowance per window after an admission.
type RateResult struct {
	RemainingMinute int64 `json:"remaining_minute"`
	RemainingHour   int64 `json:"remaining_hour"`
	RemainingDay    int64 `json:"remaining_day"`
}

// QuotaResult reports remaining monthly allowance after an admission.
type QuotaResult struct {
	RemainingRequests int64   `json:"remaining_requests"`
	RemainingDataMB   float64 `json:"remaining_data_mb"`
	ActiveRequests    int64   `json:"active_requests"`
}

// Governor is the admission controller. It enforces fixed-window rate
// limits, monthly tier quotas, and a per-identifier concurrency ceiling, and
// owns the throttle queue used to smooth momentary overload. Counters live
// in an injected CounterStore; the active-request set is process-local.
type Governor struct {
	counters CounterStore
	cfg      config.GovernorConfig
	queue    *ThrottleQueue

	mu     sync.Mutex
	active map[string]map[string]struct{}

	inflight atomic.Int64

	nowFunc func() time.Time
}

// New builds a Governor over the given counter store.
func New(counters CounterStore, cfg config.GovernorConfig) *Governor {
	return &Governor{
		counters: counters,
		cfg:      cfg,
		queue:    NewThrottleQueue(cfg.ThrottleQueueDepth, time.Duration(cfg.ThrottleMaxDelayMs)*time.Millisecond),
		active:   make(map[string]map[string]struct{}),
		nowFunc:  time.Now,
	}
}

// OpenCounterStore builds the CounterStore named by the config.
func OpenCounterStore(ctx context.Context, cfg config.GovernorConfig) (CounterStore, error) {
	switch cfg.CounterStore {
	case "", "memory":
		return NewMemoryCounterStore(), nil
	case "redis":
		return NewRedisCounterStore(ctx, cfg.RedisAddr, cfg.RedisDB)
	default:
		return nil, eris.Errorf("unsupported counter store %q", cfg.CounterStore)
	}
}

// Window keys encode the window start so rollover is a key change, never an
// in-place reset. A request counted in one window can never migrate into the
// next. TTLs run twice the window so observability reads straddling a
// boundary still see the closing window.
func (g *Governor) windowKey(identifier, window string, size time.Duration) string {
	return fmt.Sprintf("rate:%s:%s:%d", identifier, window, g.nowFunc().Unix()/int64(size.Seconds()))
}

func (g *Governor) monthKey(identifier, kind string) string {
	return fmt.Sprintf("quota:%s:%s:%s", identifier, kind, g.nowFunc().UTC().Format("2006-01"))
}

// monthTTL bounds the lifetime of a monthly quota key. Generous on purpose,
// the key name already scopes it to one calendar month.
const monthTTL = 32 * 24 * time.Hour

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}

// CheckRate admits one request against the identifier's minute, hour, and
// day windows. The request counts toward every window whether or not it is
// admitted; a request arriving when a window already sits at its limit is
// rejected, not allowed through on the tie.
func (g *Governor) CheckRate(ctx context.Context, identifier string) (*RateResult, error) {
	windows := []struct {
		name  string
		size  time.Duration
		limit int64
	}{
		{"minute", time.Minute, g.cfg.PerMinute},
		{"hour", time.Hour, g.cfg.PerHour},
		{"day", 24 * time.Hour, g.cfg.PerDay},
	}

	res := &RateResult{}
	counts := make([]int64, len(windows))
	for i, w := range windows {
		if w.limit <= 0 {
			continue
		}
		n, err := g.counters.Incr(ctx, g.windowKey(identifier, w.name, w.size), 2*w.size)
		if err != nil {
			return g.failOpenRate(identifier, err)
		}
		counts[i] = n
	}

	res.RemainingMinute = remaining(g.cfg.PerMinute, counts[0])
	res.RemainingHour = remaining(g.cfg.PerHour, counts[1])
	res.RemainingDay = remaining(g.cfg.PerDay, counts[2])

	for i, w := range windows {
		if w.limit > 0 && counts[i] > w.limit {
			return res, eris.Wrapf(ErrRateLimited, "%s window for %s", w.name, identifier)
		}
	}
	return res, nil
}

// CheckQuota admits one request against the tier's monthly request count,
// monthly data volume, and concurrency ceiling. The request is counted
// toward the monthly total here; data volume is only estimated here and
// settled with the observed size in ReleaseActive.
func (g *Governor) CheckQuota(ctx context.Context, identifier, tier string, estimatedDataMB float64) (*QuotaResult, error) {
	quota, ok := g.cfg.Tiers[tier]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownTier, "%q", tier)
	}

	activeCount := g.activeCount(identifier)

	reqs, err := g.counters.Incr(ctx, g.monthKey(identifier, "req"), monthTTL)
	if err != nil {
		return g.failOpenQuota(identifier, activeCount, err)
	}
	usedMB, err := g.counters.GetFloat(ctx, g.monthKey(identifier, "mb"))
	if err != nil {
		return g.failOpenQuota(identifier, activeCount, err)
	}

	res := &QuotaResult{
		RemainingRequests: remaining(quota.MonthlyRequests, reqs),
		RemainingDataMB:   quota.MonthlyDataMB - usedMB,
		ActiveRequests:    activeCount,
	}
	if res.RemainingDataMB < 0 {
		res.RemainingDataMB = 0
	}

	if quota.MonthlyRequests > 0 && reqs > quota.MonthlyRequests {
		return res, eris.Wrapf(ErrQuotaExceeded, "monthly requests for %s", identifier)
	}
	if quota.MonthlyDataMB > 0 && usedMB+estimatedDataMB > quota.MonthlyDataMB {
		return res, eris.Wrapf(ErrQuotaExceeded, "monthly data volume for %s", identifier)
	}
	if quota.MaxConcurrent > 0 && activeCount >= quota.MaxConcurrent {
		return res, eris.Wrapf(ErrConcurrencyLimit, "%d active for %s", activeCount, identifier)
	}
	return res, nil
}

// Throttle computes a bounded admission delay for an identifier whose
// instantaneous capacity is exceeded but whose quota is not. The returned
// admission must be released on every exit path or it leaks a queue slot.
func (g *Governor) Throttle(identifier, requestID string, priority int) (*Admission, error) {
	return g.queue.Admit(identifier, requestID, priority)
}

// Release returns a throttled admission's queue slot.
func (g *Governor) Release(requestID string) {
	g.queue.Release(requestID)
}

// TrackActive records a request as in flight for its identifier.
func (g *Governor) TrackActive(identifier, requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.active[identifier]
	if !ok {
		set = make(map[string]struct{})
		g.active[identifier] = set
	}
	if _, dup := set[requestID]; dup {
		return
	}
	set[requestID] = struct{}{}
	g.inflight.Add(1)
}

// ReleaseActive removes a request from the in-flight set and rolls its
// observed data usage into the identifier's monthly quota. Releasing an
// unknown request id is a no-op, so finalization hooks may call it
// unconditionally.
func (g *Governor) ReleaseActive(ctx context.Context, identifier, requestID string, dataUsageMB float64) {
	g.mu.Lock()
	set, ok := g.active[identifier]
	if ok {
		if _, present := set[requestID]; present {
			delete(set, requestID)
			g.inflight.Add(-1)
			if len(set) == 0 {
				delete(g.active, identifier)
			}
		} else {
			ok = false
		}
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	if dataUsageMB > 0 {
		if _, err := g.counters.IncrFloat(ctx, g.monthKey(identifier, "mb"), dataUsageMB, monthTTL); err != nil {
			zap.L().Warn("failed to record data usage",
				zap.String("identifier", identifier),
				zap.Float64("data_mb", dataUsageMB),
				zap.Error(err))
		}
	}
}

func (g *Governor) activeCount(identifier string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int64(len(g.active[identifier]))
}

// Inflight reports the total in-flight request count across identifiers.
func (g *Governor) Inflight() int64 {
	return g.inflight.Load()
}

// A counter-store outage fails open below the catastrophic-load threshold
// and closed above it, so a cache blip does not stop all traffic but an
// outage during a surge does not remove admission control entirely.
func (g *Governor) failOpen(identifier string, err error) bool {
	load := g.inflight.Load()
	if load < g.cfg.CatastrophicLoadThreshold {
		zap.L().Warn("counter store unreachable, admitting without limits",
			zap.String("identifier", identifier),
			zap.Int64("inflight", load),
			zap.Error(err))
		return true
	}
	zap.L().Error("counter store unreachable under catastrophic load, rejecting",
		zap.String("identifier", identifier),
		zap.Int64("inflight", load),
		zap.Error(err))
	return false
}

func (g *Governor) failOpenRate(identifier string, err error) (*RateResult, error) {
	if g.failOpen(identifier, err) {
		return &RateResult{
			RemainingMinute: g.cfg.PerMinute,
			RemainingHour:   g.cfg.PerHour,
			RemainingDay:    g.cfg.PerDay,
		}, nil
	}
	return nil, eris.Wrap(ErrUnavailable, "rate check")
}

func (g *Governor) failOpenQuota(identifier string, active int64, err error) (*QuotaResult, error) {
	if g.failOpen(identifier, err) {
		return &QuotaResult{ActiveRequests: active}, nil
	}
	return nil, eris.Wrap(ErrUnavailable, "quota check")
}
