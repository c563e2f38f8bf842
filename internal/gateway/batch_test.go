package gateway

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachi-protocol/gateway/internal/config"
	"github.com/tachi-protocol/gateway/internal/governor"
	"github.com/tachi-protocol/gateway/internal/model"
)

func batchItems(n int) []model.BatchItem {
	items := make([]model.BatchItem, n)
	for i := range items {
		items[i] = model.BatchItem{Domain: "news.example.com", Path: "/article"}
	}
	return items
}

// Three $0.40 items against a $1.00 balance: the first two commit, the
// third fails on the virtual balance, and exactly $0.80 is debited.
func TestExecuteBatch_RunningCostNeverOverspends(t *testing.T) {
	fx := newFixture(t)
	fx.store.publishers["news.example.com"].PricePerRequest = 0.40

	resp := fx.pipeline.ExecuteBatch(context.Background(), "c1", batchItems(3))
	require.True(t, resp.Success, "error: %s", resp.Error)
	require.Len(t, resp.Items, 3)

	assert.True(t, resp.Items[0].Success)
	assert.True(t, resp.Items[1].Success)
	assert.False(t, resp.Items[2].Success)
	assert.Equal(t, CodeInsufficientCredits, resp.Items[2].Code)

	assert.InDelta(t, 0.80, resp.TotalCharged, 1e-9)
	assert.InDelta(t, 0.20, resp.RemainingCredits, 1e-9)
	assert.InDelta(t, 0.20, fx.store.credits("c1"), 1e-9)

	// One deduction for the whole batch, not one per item.
	assert.Equal(t, 1, fx.store.deductCalls)

	txns := fx.store.transactions()
	require.Len(t, txns, 3)
	completed := 0
	for _, txn := range txns {
		if txn.Status == model.TransactionStatusCompleted {
			completed++
		}
	}
	assert.Equal(t, 2, completed)
}

func TestExecuteBatch_AllSucceed(t *testing.T) {
	fx := newFixture(t)
	fx.store.publishers["news.example.com"].PricePerRequest = 0.25

	resp := fx.pipeline.ExecuteBatch(context.Background(), "c1", batchItems(3))
	require.True(t, resp.Success, "error: %s", resp.Error)
	assert.InDelta(t, 0.75, resp.TotalCharged, 1e-9)
	assert.InDelta(t, 0.25, resp.RemainingCredits, 1e-9)
	for _, item := range resp.Items {
		assert.True(t, item.Success)
		assert.Equal(t, []byte("<html>content</html>"), item.Content)
	}
}

func TestExecuteBatch_UnsafeItemIsolated(t *testing.T) {
	fx := newFixture(t)
	fx.store.publishers["news.example.com"].PricePerRequest = 0.10

	items := batchItems(3)
	items[1].Path = "/../../etc/passwd"

	resp := fx.pipeline.ExecuteBatch(context.Background(), "c1", items)
	require.True(t, resp.Success, "error: %s", resp.Error)
	assert.True(t, resp.Items[0].Success)
	assert.False(t, resp.Items[1].Success)
	assert.Equal(t, CodeUnsafeURL, resp.Items[1].Code)
	assert.True(t, resp.Items[2].Success)
	assert.InDelta(t, 0.20, resp.TotalCharged, 1e-9)
}

func TestExecuteBatch_UnknownPublisherItemIsolated(t *testing.T) {
	fx := newFixture(t)
	fx.store.publishers["news.example.com"].PricePerRequest = 0.10

	items := batchItems(2)
	items[1].Domain = "nowhere.example.com"

	resp := fx.pipeline.ExecuteBatch(context.Background(), "c1", items)
	require.True(t, resp.Success, "error: %s", resp.Error)
	assert.True(t, resp.Items[0].Success)
	assert.Equal(t, CodeUnknownPublisher, resp.Items[1].Code)
	assert.InDelta(t, 0.10, resp.TotalCharged, 1e-9)
}

func TestExecuteBatch_EmptyAndOversize(t *testing.T) {
	fx := newFixture(t)

	resp := fx.pipeline.ExecuteBatch(context.Background(), "c1", nil)
	assert.Equal(t, CodeBadRequest, resp.Code)
	assert.Equal(t, http.StatusBadRequest, resp.HTTPStatus)

	resp = fx.pipeline.ExecuteBatch(context.Background(), "c1", batchItems(26))
	assert.Equal(t, CodeBadRequest, resp.Code)
}

func TestExecuteBatch_UnknownCrawler(t *testing.T) {
	fx := newFixture(t)
	resp := fx.pipeline.ExecuteBatch(context.Background(), "ghost", batchItems(1))
	assert.Equal(t, CodeUnknownCrawler, resp.Code)
	assert.Equal(t, http.StatusNotFound, resp.HTTPStatus)
}

func TestExecuteBatch_NoChargeWhenNothingSucceeds(t *testing.T) {
	fx := newFixture(t)
	items := batchItems(2)
	items[0].Path = "/../../etc/passwd"
	items[1].Domain = "nowhere.example.com"

	resp := fx.pipeline.ExecuteBatch(context.Background(), "c1", items)
	require.True(t, resp.Success, "error: %s", resp.Error)
	assert.InDelta(t, 0, resp.TotalCharged, 1e-9)
	assert.InDelta(t, 1.00, fx.store.credits("c1"), 1e-9)
	assert.Equal(t, 0, fx.store.deductCalls)
}

func TestExecuteBatch_UnknownTierItemRejected(t *testing.T) {
	fx := newFixture(t)
	fx.store.crawlers["c1"].Tier = "no-such-tier"

	resp := fx.pipeline.ExecuteBatch(context.Background(), "c1", batchItems(2))
	require.True(t, resp.Success, "error: %s", resp.Error)
	require.Len(t, resp.Items, 2)

	for _, item := range resp.Items {
		assert.False(t, item.Success)
		assert.Equal(t, CodeQuotaExceeded, item.Code)
	}
	assert.Zero(t, resp.TotalCharged)
	assert.Equal(t, 0, fx.fetcher.calls)
	assert.Equal(t, 0, fx.store.deductCalls)
}

func TestExecuteBatch_ConcurrencySpillFailsItem(t *testing.T) {
	fx := newFixture(t)
	gov := governor.New(governor.NewMemoryCounterStore(), config.GovernorConfig{
		PerMinute: 1000,
		PerHour:   10000,
		PerDay:    100000,
		Tiers: map[string]config.TierQuota{
			// The batch itself occupies the only concurrency slot.
			"standard": {MonthlyRequests: 100000, MonthlyDataMB: 10240, MaxConcurrent: 1},
		},
		ThrottleMaxDelayMs:        100,
		ThrottleQueueDepth:        8,
		CatastrophicLoadThreshold: 500,
	})
	fx.pipeline.governor = gov

	resp := fx.pipeline.ExecuteBatch(context.Background(), "c1", batchItems(1))
	require.True(t, resp.Success, "error: %s", resp.Error)
	require.Len(t, resp.Items, 1)

	assert.False(t, resp.Items[0].Success)
	assert.Equal(t, CodeThrottleRejected, resp.Items[0].Code)
	assert.Zero(t, resp.TotalCharged)
	assert.Equal(t, 0, fx.fetcher.calls)
}
