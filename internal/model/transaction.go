package model

import "time"

// TransactionStatus is the settled outcome of one metered attempt.
type TransactionStatus string

const (
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Transaction is the durable, append-only record of one settled request.
// Charged is the source of truth for billing reconciliation regardless of
// whether the underlying fetch succeeded.
type Transaction struct {
	ID          string            `json:"id"`
	CrawlerID   string            `json:"crawler_id"`
	PublisherID string            `json:"publisher_id"`
	URL         string            `json:"url"`
	Charged     float64           `json:"charged"`
	Refunded    float64           `json:"refunded,omitempty"`
	Status      TransactionStatus `json:"status"`
	FailReason  string            `json:"fail_reason,omitempty"`

	// Response metrics from the upstream fetch.
	StatusCode int           `json:"status_code,omitempty"`
	BodyBytes  int64         `json:"body_bytes,omitempty"`
	FetchTime  time.Duration `json:"fetch_time,omitempty"`

	// Protection snapshot.
	URLRiskScore     float64 `json:"url_risk_score"`
	ContentBlocked   bool    `json:"content_blocked"`
	SensitiveRemoved int     `json:"sensitive_removed,omitempty"`

	// License snapshot at decision time.
	LicenseSource LicenseSource `json:"license_source"`
	LicenseActive bool          `json:"license_active"`

	CreatedAt time.Time `json:"created_at"`
}

// TransactionFilter specifies criteria for listing transactions.
type TransactionFilter struct {
	CrawlerID    string            `json:"crawler_id,omitempty"`
	PublisherID  string            `json:"publisher_id,omitempty"`
	Status       TransactionStatus `json:"status,omitempty"`
	CreatedAfter time.Time         `json:"created_after,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}
