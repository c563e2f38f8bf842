package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tachi-protocol/gateway/internal/config"
)

// Checker runs the collect-evaluate-alert cycle on an interval.
type Checker struct {
	cfg       config.MonitoringConfig
	collector *Collector
	alerter   *Alerter
	logger    *zap.Logger
}

// NewChecker wires a periodic health checker.
func NewChecker(cfg config.MonitoringConfig, collector *Collector, alerter *Alerter) *Checker {
	return &Checker{
		cfg:       cfg,
		collector: collector,
		alerter:   alerter,
		logger:    zap.L().With(zap.String("component", "monitoring")),
	}
}

// Run blocks, checking every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	c.logger.Info("health checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackHours))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("health checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check performs one collect-evaluate-alert pass.
func (c *Checker) Check(ctx context.Context) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackHours)
	if err != nil {
		c.logger.Error("metrics collection failed", zap.Error(err))
		return
	}

	c.logger.Debug("health snapshot",
		zap.Int("requests", snap.RequestsTotal),
		zap.Float64("refund_rate", snap.RefundRate),
		zap.Int("pending_settlements", snap.PendingSettlements),
		zap.Int64("inflight", snap.InflightRequests))

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return
	}
	c.alerter.SendAlerts(ctx, alerts)
}
