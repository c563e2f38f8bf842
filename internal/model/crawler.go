package model

import "time"

// CrawlerStatus represents the lifecycle state of a crawler account.
type CrawlerStatus string

const (
	CrawlerStatusActive   CrawlerStatus = "active"
	CrawlerStatusInactive CrawlerStatus = "inactive"
)

// Tier is the subscription tier governing monthly quota limits.
type Tier string

const (
	TierStarter    Tier = "starter"
	TierStandard   Tier = "standard"
	TierEnterprise Tier = "enterprise"
)

// Crawler is a paying client identity. Credits are mutated only by the
// ledger; everything else is read-only to the gateway.
type Crawler struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	APIKey        string        `json:"-"`
	Credits       float64       `json:"credits"`
	Status        CrawlerStatus `json:"status"`
	Tier          Tier          `json:"tier"`
	TotalSpent    float64       `json:"total_spent"`
	TotalRequests int64         `json:"total_requests"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Active reports whether the crawler may make metered requests.
func (c *Crawler) Active() bool {
	return c.Status == CrawlerStatusActive
}
