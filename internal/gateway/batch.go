package gateway

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tachi-protocol/gateway/internal/governor"
	"github.com/tachi-protocol/gateway/internal/model"
	"github.com/tachi-protocol/gateway/internal/policy"
	"github.com/tachi-protocol/gateway/internal/resilience"
	"github.com/tachi-protocol/gateway/internal/safety"
	"github.com/tachi-protocol/gateway/internal/store"
)

// BatchItemResult is the individually reported outcome of one batch entry.
// One item's failure never aborts the batch.
type BatchItemResult struct {
	Index   int    `json:"index"`
	Domain  string `json:"domain"`
	Path    string `json:"path"`
	URL     string `json:"url"`
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error,omitempty"`

	Charged     float64 `json:"charged"`
	StatusCode  int     `json:"status_code,omitempty"`
	Content     []byte  `json:"content,omitempty"`
	ContentType string  `json:"content_type,omitempty"`

	Protection model.Protection `json:"protection"`
}

// BatchResponse is the aggregate result of one batch run.
type BatchResponse struct {
	Success    bool   `json:"success"`
	Code       string `json:"code"`
	HTTPStatus int    `json:"-"`
	Error      string `json:"error,omitempty"`

	Items            []BatchItemResult `json:"items"`
	TotalCharged     float64           `json:"total_charged"`
	RemainingCredits float64           `json:"remaining_credits"`
}

// ExecuteBatch runs the pipeline semantics over an ordered item list with
// one real debit at the end. Item accounting runs against a virtual balance
// seeded from the crawler's credits at batch start, so the running total can
// never overspend that snapshot even while items settle virtually.
func (p *Pipeline) ExecuteBatch(ctx context.Context, crawlerID string, items []model.BatchItem) *BatchResponse {
	resp := &BatchResponse{}

	if len(items) == 0 {
		return failBatch(resp, CodeBadRequest, "empty batch")
	}
	if p.batchCfg.MaxItems > 0 && len(items) > p.batchCfg.MaxItems {
		return failBatch(resp, CodeBadRequest, "batch exceeds "+strconv.Itoa(p.batchCfg.MaxItems)+" items")
	}

	if _, err := p.governor.CheckRate(ctx, crawlerID); err != nil {
		if eris.Is(err, governor.ErrUnavailable) {
			return failBatch(resp, CodeUpstreamDegraded, "admission control unavailable")
		}
		return failBatch(resp, CodeRateLimited, "rate limit exceeded")
	}

	crawler, err := p.store.FindCrawlerByID(ctx, crawlerID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return failBatch(resp, CodeUnknownCrawler, "unknown crawler")
		}
		return failBatch(resp, CodeUpstreamDegraded, "crawler lookup failed")
	}

	batchID := uuid.NewString()
	p.governor.TrackActive(crawler.ID, batchID)
	var totalMB float64
	defer func() {
		p.governor.ReleaseActive(context.WithoutCancel(ctx), crawler.ID, batchID, totalMB)
	}()

	results := make([]BatchItemResult, len(items))
	scans := make([]safety.URLScanResult, len(items))

	// Safety pre-scan in one concurrent pass: the cheapest rejection comes
	// before any identity or credit work per item.
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(max(1, p.batchCfg.ScanConcurrency))
	for i, item := range items {
		g.Go(func() error {
			u := batchURL(item)
			results[i] = BatchItemResult{Index: i, Domain: item.Domain, Path: item.Path, URL: u}
			scans[i] = p.scanner.ScanURL(u)
			return nil
		})
	}
	_ = g.Wait()

	startCredits := crawler.Credits
	totalCost := 0.0

	for i := range items {
		item := &results[i]
		scan := scans[i]
		item.Protection.URLSafe = scan.Safe
		item.Protection.URLRiskScore = scan.RiskScore
		item.Protection.Warnings = scan.Warnings

		if !scan.Safe {
			failItem(item, CodeUnsafeURL, "url failed safety scan: "+strings.Join(scan.Threats, ","))
			continue
		}
		p.runBatchItem(ctx, crawler, item, startCredits, &totalCost, &totalMB)
	}

	resp.Items = results
	resp.TotalCharged = totalCost
	resp.RemainingCredits = startCredits - totalCost

	// One real debit for the committed sum.
	if totalCost > 0 {
		remaining, err := p.ledger.Debit(ctx, crawler.ID, totalCost)
		if err != nil {
			zap.L().Error("batch settlement debit failed",
				zap.String("crawler_id", crawler.ID),
				zap.Float64("total", totalCost),
				zap.Error(err))
			return failBatch(resp, CodeSettlementFailed, "batch settlement failed")
		}
		resp.RemainingCredits = remaining
	}

	resp.Success = true
	resp.Code = CodeOK
	resp.HTTPStatus = httpStatusFor(CodeOK)
	return resp
}

// runBatchItem executes identity, access, virtual balance check, fetch, and
// sanitization for one item, rolling its cost into the running total only
// when it fully succeeds.
func (p *Pipeline) runBatchItem(ctx context.Context, crawler *model.Crawler, item *BatchItemResult, startCredits float64, totalCost, totalMB *float64) {
	txn := &model.Transaction{
		CrawlerID:    crawler.ID,
		URL:          item.URL,
		URLRiskScore: item.Protection.URLRiskScore,
	}
	defer p.recordBatchTransaction(ctx, txn, item)

	if _, err := p.governor.CheckQuota(ctx, crawler.ID, string(crawler.Tier), estimatedRequestMB); err != nil {
		switch {
		case eris.Is(err, governor.ErrConcurrencyLimit):
			// Concurrency spill inside a batch is not throttled; items
			// already run one at a time.
			failItem(item, CodeThrottleRejected, "concurrent request limit reached")
		case eris.Is(err, governor.ErrUnavailable):
			failItem(item, CodeUpstreamDegraded, "admission control unavailable")
		default:
			failItem(item, CodeQuotaExceeded, "monthly quota exceeded")
		}
		return
	}

	pub, err := p.store.FindPublisherByDomain(ctx, item.Domain)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			failItem(item, CodeUnknownPublisher, "unknown publisher domain")
		} else {
			failItem(item, CodeUpstreamDegraded, "publisher lookup failed")
		}
		return
	}
	txn.PublisherID = pub.ID

	lic, licErr := p.licenses.Lookup(ctx, pub)
	decision := p.policy.Evaluate(crawler, pub, lic, licErr, policy.FeatureBatch)
	if decision.License != nil {
		txn.LicenseSource = decision.License.Source
		txn.LicenseActive = decision.License.IsActive
	}
	if !decision.Allowed {
		if decision.State == policy.StateUnavailable {
			failItem(item, CodeUpstreamDegraded, decision.Reason)
		} else {
			failItem(item, CodeAccessDenied, decision.Reason)
		}
		return
	}

	// Virtual balance check against the batch-start snapshot.
	price := pub.PricePerRequest
	if *totalCost+price > startCredits {
		failItem(item, CodeInsufficientCredits, "insufficient credits for remaining batch items")
		return
	}

	result, err := p.fetcher.Fetch(ctx, item.URL, decision.Rights.MaxBodyBytes)
	if err != nil {
		failItem(item, CodeFetchFailed, "upstream fetch failed")
		return
	}
	item.StatusCode = result.StatusCode
	txn.StatusCode = result.StatusCode
	txn.BodyBytes = int64(len(result.Body))
	txn.FetchTime = result.FetchTime
	*totalMB += float64(len(result.Body)) / (1 << 20)

	if result.Truncated {
		failItem(item, CodeFetchFailed, "upstream body exceeded size cap")
		return
	}
	if result.StatusCode >= 400 {
		failItem(item, CodeFetchFailed, "upstream returned "+strconv.Itoa(result.StatusCode))
		return
	}

	sanitized := p.scanner.SanitizeContent(result.Body, safety.SanitizeOptions{
		AllowSensitive: decision.Rights.AllowSensitive,
	})
	item.Protection.ContentBlocked = sanitized.Blocked
	item.Protection.SensitiveRemoved = sanitized.SensitiveRemoved
	item.Protection.Warnings = append(item.Protection.Warnings, sanitized.Warnings...)
	txn.ContentBlocked = sanitized.Blocked
	txn.SensitiveRemoved = sanitized.SensitiveRemoved
	if sanitized.Blocked {
		failItem(item, CodeContentBlocked, "content failed safety sanitization: "+sanitized.BlockReason)
		return
	}

	item.Success = true
	item.Code = CodeOK
	item.Content = sanitized.Content
	item.ContentType = result.ContentType
	item.Charged = price
	*totalCost += price
}

// recordBatchTransaction persists the per-item record. The item's virtual
// settlement already decided Charged; here it is only written down.
func (p *Pipeline) recordBatchTransaction(ctx context.Context, txn *model.Transaction, item *BatchItemResult) {
	txn.ID = uuid.NewString()
	txn.CreatedAt = time.Now()
	txn.Charged = item.Charged
	if item.Success {
		txn.Status = model.TransactionStatusCompleted
	} else {
		txn.Status = model.TransactionStatusFailed
		txn.FailReason = item.Code
	}

	err := resilience.Do(context.WithoutCancel(ctx), resilience.SettlementRetryConfig(), func(ctx context.Context) error {
		return p.store.CreateTransaction(ctx, txn)
	})
	if err != nil {
		zap.L().Error("failed to record batch item transaction",
			zap.String("url", item.URL),
			zap.Error(err))
	}
}

func batchURL(item model.BatchItem) string {
	path := item.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "https://" + item.Domain + path
}

func failItem(item *BatchItemResult, code, msg string) {
	item.Success = false
	item.Code = code
	item.Error = msg
}

func failBatch(resp *BatchResponse, code, msg string) *BatchResponse {
	resp.Success = false
	resp.Code = code
	resp.HTTPStatus = httpStatusFor(code)
	resp.Error = msg
	return resp
}
