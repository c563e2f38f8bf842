// Package gateway orchestrates the metered request pipeline: admission,
// safety, access policy, payment reservation, fetch, sanitization, and
// settlement, in that order. Each stage short-circuits to a terminal
// response; once credits are reserved, settlement is guaranteed to run
// exactly once on every exit path.
package gateway

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tachi-protocol/gateway/internal/config"
	"github.com/tachi-protocol/gateway/internal/fetcher"
	"github.com/tachi-protocol/gateway/internal/governor"
	"github.com/tachi-protocol/gateway/internal/ledger"
	"github.com/tachi-protocol/gateway/internal/model"
	"github.com/tachi-protocol/gateway/internal/policy"
	"github.com/tachi-protocol/gateway/internal/safety"
	"github.com/tachi-protocol/gateway/internal/store"
)

// LicenseResolver resolves a publisher's license view. Implemented by the
// registry; faked in tests.
type LicenseResolver interface {
	Lookup(ctx context.Context, pub *model.Publisher) (*model.License, error)
}

// Response is the terminal result of one pipeline run.
type Response struct {
	RequestID  string `json:"request_id"`
	Success    bool   `json:"success"`
	Code       string `json:"code"`
	HTTPStatus int    `json:"-"`
	Error      string `json:"error,omitempty"`

	// Upstream content, present on success only.
	Content     []byte `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`

	Billing    model.Billing        `json:"billing"`
	Protection model.Protection     `json:"protection"`
	License    *model.License       `json:"license,omitempty"`
	RateLimit  *governor.RateResult `json:"rate_limit,omitempty"`
	Payment    *model.PaymentInfo   `json:"payment,omitempty"`
}

// Conservative per-request data estimate used for the quota pre-check; the
// observed body size replaces it at release time.
const estimatedRequestMB = 1.0

// Pipeline wires the gateway's components into the single-request state
// machine.
type Pipeline struct {
	store    store.Store
	governor *governor.Governor
	scanner  *safety.Scanner
	policy   *policy.Evaluator
	licenses LicenseResolver
	ledger   *ledger.Ledger
	fetcher  fetcher.Fetcher
	chainCfg config.ChainConfig
	batchCfg config.BatchConfig

	sleep func(ctx context.Context, d time.Duration) error
}

// New assembles a Pipeline.
func New(
	s store.Store,
	gov *governor.Governor,
	scanner *safety.Scanner,
	eval *policy.Evaluator,
	licenses LicenseResolver,
	led *ledger.Ledger,
	f fetcher.Fetcher,
	chainCfg config.ChainConfig,
	batchCfg config.BatchConfig,
) *Pipeline {
	return &Pipeline{
		store:    s,
		governor: gov,
		scanner:  scanner,
		policy:   eval,
		licenses: licenses,
		ledger:   led,
		fetcher:  f,
		chainCfg: chainCfg,
		batchCfg: batchCfg,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs the full pipeline for one request.
func (p *Pipeline) Execute(ctx context.Context, req *model.CrawlRequest) *Response {
	resp := &Response{RequestID: req.RequestID}

	// Admission: rate windows first, they are the cheapest check.
	rateRes, err := p.governor.CheckRate(ctx, req.CrawlerID)
	resp.RateLimit = rateRes
	if err != nil {
		if eris.Is(err, governor.ErrUnavailable) {
			return fail(resp, CodeUpstreamDegraded, "admission control unavailable")
		}
		return fail(resp, CodeRateLimited, "rate limit exceeded")
	}

	// URL safety before any identity or credit work.
	scan := p.scanner.ScanURL(req.URL)
	resp.Protection.URLSafe = scan.Safe
	resp.Protection.URLRiskScore = scan.RiskScore
	resp.Protection.Warnings = scan.Warnings
	if !scan.Safe {
		return fail(resp, CodeUnsafeURL, "url failed safety scan: "+strings.Join(scan.Threats, ","))
	}

	crawler, err := p.store.FindCrawlerByID(ctx, req.CrawlerID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return fail(resp, CodeUnknownCrawler, "unknown crawler")
		}
		return fail(resp, CodeUpstreamDegraded, "crawler lookup failed")
	}
	pub, err := p.store.FindPublisherByDomain(ctx, req.Domain)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return fail(resp, CodeUnknownPublisher, "unknown publisher domain")
		}
		return fail(resp, CodeUpstreamDegraded, "publisher lookup failed")
	}
	resp.Billing.RemainingCredits = crawler.Credits

	// Tier quota and concurrency. A concurrency spill goes through the
	// throttle queue for a bounded delay instead of a hard reject.
	if _, err := p.governor.CheckQuota(ctx, crawler.ID, string(crawler.Tier), estimatedRequestMB); err != nil {
		switch {
		case eris.Is(err, governor.ErrConcurrencyLimit):
			adm, terr := p.governor.Throttle(crawler.ID, req.RequestID, req.Priority)
			if terr != nil {
				return fail(resp, CodeThrottleRejected, "throttle queue full")
			}
			defer p.governor.Release(req.RequestID)
			if serr := p.sleep(ctx, adm.Delay); serr != nil {
				return fail(resp, CodeThrottleRejected, "request cancelled while throttled")
			}
		case eris.Is(err, governor.ErrUnavailable):
			return fail(resp, CodeUpstreamDegraded, "admission control unavailable")
		default:
			return fail(resp, CodeQuotaExceeded, "monthly quota exceeded")
		}
	}

	p.governor.TrackActive(crawler.ID, req.RequestID)
	var dataUsageMB float64
	defer func() {
		p.governor.ReleaseActive(context.WithoutCancel(ctx), crawler.ID, req.RequestID, dataUsageMB)
	}()

	// Access policy on the resolved license view.
	lic, licErr := p.licenses.Lookup(ctx, pub)
	decision := p.policy.Evaluate(crawler, pub, lic, licErr, policy.FeatureFetch)
	resp.License = decision.License
	if !decision.Allowed {
		if decision.State == policy.StateUnavailable {
			return fail(resp, CodeUpstreamDegraded, decision.Reason)
		}
		return fail(resp, CodeAccessDenied, decision.Reason)
	}

	// Reserve the charge. From here on settlement is guaranteed.
	resv, err := p.ledger.Reserve(ctx, crawler.ID, pub.ID, req.URL, pub.PricePerRequest)
	if err != nil {
		if eris.Is(err, ledger.ErrInsufficientCredits) {
			resp.Payment = p.paymentInfo(pub, decision.License)
			return fail(resp, CodeInsufficientCredits, "insufficient credits")
		}
		return fail(resp, CodeUpstreamDegraded, "balance reservation failed")
	}
	resp.Billing.RemainingCredits = resv.Remaining

	txn := &model.Transaction{
		URLRiskScore:  scan.RiskScore,
		LicenseSource: decision.License.Source,
		LicenseActive: decision.License.IsActive,
	}
	refundReason := ""

	// Settlement runs on every exit path, including panic and client
	// disconnect, and resolves the reservation exactly once.
	defer func() {
		p.settle(context.WithoutCancel(ctx), resv, refundReason, txn, resp)
	}()

	result, err := p.fetcher.Fetch(ctx, req.URL, decision.Rights.MaxBodyBytes)
	if err != nil {
		refundReason = "fetch_failed"
		return fail(resp, CodeFetchFailed, "upstream fetch failed")
	}
	txn.StatusCode = result.StatusCode
	txn.BodyBytes = int64(len(result.Body))
	txn.FetchTime = result.FetchTime
	resp.StatusCode = result.StatusCode
	dataUsageMB = float64(len(result.Body)) / (1 << 20)

	if result.Truncated {
		refundReason = "body_too_large"
		return fail(resp, CodeFetchFailed, "upstream body exceeded size cap")
	}
	if result.StatusCode >= 400 {
		refundReason = "upstream_status_" + strconv.Itoa(result.StatusCode)
		return fail(resp, CodeFetchFailed, "upstream returned "+strconv.Itoa(result.StatusCode))
	}

	sanitized := p.scanner.SanitizeContent(result.Body, safety.SanitizeOptions{
		AllowSensitive: decision.Rights.AllowSensitive,
	})
	resp.Protection.ContentBlocked = sanitized.Blocked
	resp.Protection.SensitiveRemoved = sanitized.SensitiveRemoved
	resp.Protection.Warnings = append(resp.Protection.Warnings, sanitized.Warnings...)
	txn.ContentBlocked = sanitized.Blocked
	txn.SensitiveRemoved = sanitized.SensitiveRemoved
	if sanitized.Blocked {
		refundReason = "content_blocked"
		return fail(resp, CodeContentBlocked, "content failed safety sanitization: "+sanitized.BlockReason)
	}

	resp.Success = true
	resp.Code = CodeOK
	resp.HTTPStatus = httpStatusFor(CodeOK)
	resp.Content = sanitized.Content
	resp.ContentType = result.ContentType
	return resp
}

// settle resolves the reservation: commit when the request produced
// billable content, refund otherwise. A settlement failure downgrades the
// response rather than leaving the reservation dangling.
func (p *Pipeline) settle(ctx context.Context, resv *ledger.Reservation, refundReason string, txn *model.Transaction, resp *Response) {
	if r := recover(); r != nil {
		zap.L().Error("pipeline panic before settlement",
			zap.String("reservation_id", resv.ID),
			zap.Any("panic", r))
		if refundReason == "" {
			refundReason = "internal_error"
		}
		fail(resp, CodeSettlementFailed, "internal error")
	}

	if refundReason == "" && resp.Success {
		if err := p.ledger.Commit(ctx, resv, txn); err != nil {
			fail(resp, CodeSettlementFailed, "charge settlement failed")
			resp.Content = nil
			return
		}
		resp.Billing.Charged = resv.Amount
		return
	}

	if refundReason == "" {
		refundReason = "request_aborted"
	}
	if err := p.ledger.Refund(ctx, resv, refundReason, txn); err != nil && !eris.Is(err, ledger.ErrAlreadySettled) {
		fail(resp, CodeSettlementFailed, "refund settlement failed")
		return
	}
	resp.Billing.Refunded = resv.Amount
	resp.Billing.RemainingCredits = resv.Remaining
}

// PriceQuote is the free pricing-discovery payload for one domain.
type PriceQuote struct {
	Domain  string             `json:"domain"`
	Price   float64            `json:"price_per_request"`
	Payment *model.PaymentInfo `json:"payment"`
	License *model.License     `json:"license,omitempty"`
}

// Quote returns the payment terms for a domain without charging anything.
// License resolution failures are tolerated; the quote just omits the
// license view when none is available.
func (p *Pipeline) Quote(ctx context.Context, domain string) (*PriceQuote, error) {
	pub, err := p.store.FindPublisherByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	lic, _ := p.licenses.Lookup(ctx, pub)
	return &PriceQuote{
		Domain:  pub.Domain,
		Price:   pub.PricePerRequest,
		Payment: p.paymentInfo(pub, lic),
		License: lic,
	}, nil
}

// paymentInfo builds the 402 discovery payload for a publisher.
func (p *Pipeline) paymentInfo(pub *model.Publisher, lic *model.License) *model.PaymentInfo {
	info := &model.PaymentInfo{
		Amount:    strconv.FormatFloat(pub.PricePerRequest, 'f', -1, 64),
		Currency:  p.chainCfg.Currency,
		Network:   p.chainCfg.Network,
		ChainID:   p.chainCfg.ChainID,
		Recipient: pub.WalletAddress,
	}
	if lic != nil {
		info.TokenID = lic.TokenID
	}
	return info
}

func fail(resp *Response, code, msg string) *Response {
	resp.Success = false
	resp.Code = code
	resp.HTTPStatus = httpStatusFor(code)
	resp.Error = msg
	return resp
}
