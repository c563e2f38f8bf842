package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tachi-protocol/gateway/internal/config"
)

// Alert is a single condition worth paging on.
type Alert struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Alerter evaluates snapshots against thresholds and posts alerts to a
// webhook. It also serves as the ledger's escalation sink.
type Alerter struct {
	cfg        config.MonitoringConfig
	httpClient *http.Client

	// minFinished guards the refund-rate alert against noise on a
	// near-empty window.
	minFinished int
}

// NewAlerter creates an alerter from monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		minFinished: 5,
	}
}

// Evaluate checks a snapshot against the configured thresholds and
// returns any alerts that fire.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RequestsCompleted + snap.RequestsFailed
	if a.cfg.RefundRateThreshold > 0 && finished >= a.minFinished &&
		snap.RefundRate > a.cfg.RefundRateThreshold {
		alerts = append(alerts, Alert{
			Type:     "refund_failure_rate",
			Severity: "warning",
			Message: fmt.Sprintf("refund rate %.1f%% exceeds %.1f%% over %dh",
				snap.RefundRate*100, a.cfg.RefundRateThreshold*100, snap.LookbackHours),
			Details:   fmt.Sprintf("%d failed of %d finished", snap.RequestsFailed, finished),
			Timestamp: now,
		})
	}

	if snap.PendingSettlements > 0 {
		alerts = append(alerts, Alert{
			Type:      "settlement_backlog",
			Severity:  "critical",
			Message:   fmt.Sprintf("%d reservations awaiting settlement", snap.PendingSettlements),
			Timestamp: now,
		})
	}

	if !snap.StoreHealthy {
		alerts = append(alerts, Alert{
			Type:      "store_unreachable",
			Severity:  "critical",
			Message:   "transaction store is unreachable, billing metrics are stale",
			Timestamp: now,
		})
	}

	if snap.ChainCircuitOpen {
		alerts = append(alerts, Alert{
			Type:      "chain_circuit_open",
			Severity:  "critical",
			Message:   "license registry RPC circuit is open, serving degraded offline decisions",
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts posts each alert to the configured webhook. Alerts are
// logged regardless so an unset webhook still leaves a trace.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) {
	for _, alert := range alerts {
		zap.L().Warn("monitoring alert",
			zap.String("type", alert.Type),
			zap.String("severity", alert.Severity),
			zap.String("message", alert.Message))

		if a.cfg.WebhookURL == "" {
			continue
		}
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("alert webhook delivery failed",
				zap.String("type", alert.Type),
				zap.Error(err))
		}
	}
}

// Alert dispatches a single escalation immediately. The ledger calls
// this when settlement or refund writes fail past retry.
func (a *Alerter) Alert(ctx context.Context, kind, detail string) {
	a.SendAlerts(ctx, []Alert{{
		Type:      kind,
		Severity:  "critical",
		Message:   "billing escalation: " + kind,
		Details:   detail,
		Timestamp: time.Now().UTC(),
	}})
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return eris.Wrap(err, "post webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return eris.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
