// Package monitoring gathers billing and settlement health metrics from
// the transaction log and pushes threshold alerts to a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tachi-protocol/gateway/internal/model"
	"github.com/tachi-protocol/gateway/internal/store"
)

// MetricsSnapshot holds a point-in-time view of gateway health.
type MetricsSnapshot struct {
	// Transaction metrics within the lookback window.
	RequestsTotal     int     `json:"requests_total"`
	RequestsCompleted int     `json:"requests_completed"`
	RequestsFailed    int     `json:"requests_failed"`
	RefundRate        float64 `json:"refund_rate"`
	RevenueUSD        float64 `json:"revenue_usd"`
	ContentBlocks     int     `json:"content_blocks"`
	DataMB            float64 `json:"data_mb"`

	// Live process state.
	PendingSettlements int   `json:"pending_settlements"`
	InflightRequests   int64 `json:"inflight_requests"`
	ChainCircuitOpen   bool  `json:"chain_circuit_open"`
	StoreHealthy       bool  `json:"store_healthy"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// LedgerStats exposes the ledger state the collector reads.
type LedgerStats interface {
	Pending() int
}

// GovernorStats exposes the admission state the collector reads.
type GovernorStats interface {
	Inflight() int64
}

// Collector gathers metrics from the store and the live components.
type Collector struct {
	store    store.Store
	ledger   LedgerStats
	governor GovernorStats

	// chainOpen reports whether the registry RPC circuit is open. Nil when
	// no chain client is configured.
	chainOpen func() bool
}

// NewCollector creates a metrics collector. ledger, governor, and
// chainOpen may be nil; the corresponding fields stay zero.
func NewCollector(st store.Store, led LedgerStats, gov GovernorStats, chainOpen func() bool) *Collector {
	return &Collector{store: st, ledger: led, governor: gov, chainOpen: chainOpen}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		StoreHealthy:  true,
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	if c.ledger != nil {
		snap.PendingSettlements = c.ledger.Pending()
	}
	if c.governor != nil {
		snap.InflightRequests = c.governor.Inflight()
	}
	if c.chainOpen != nil {
		snap.ChainCircuitOpen = c.chainOpen()
	}

	// An unreachable store still yields a snapshot so the alerter can fire
	// on the live-state fields; the transaction metrics stay zero.
	if err := c.store.Ping(ctx); err != nil {
		zap.L().Warn("store ping failed", zap.Error(err))
		snap.StoreHealthy = false
		return snap, nil
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)
	summary, err := c.store.SummarizeUsage(ctx, model.TransactionFilter{CreatedAfter: cutoff})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: summarize usage")
	}

	snap.RequestsTotal = summary.Total
	snap.RequestsCompleted = summary.Completed
	snap.RequestsFailed = summary.Failed
	snap.RevenueUSD = summary.Revenue
	snap.ContentBlocks = summary.ContentBlocks
	snap.DataMB = float64(summary.BodyBytes) / (1 << 20)

	if finished := summary.Completed + summary.Failed; finished > 0 {
		snap.RefundRate = float64(summary.Failed) / float64(finished)
	}

	return snap, nil
}
