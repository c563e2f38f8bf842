package model

import "time"

// PublisherStatus represents the lifecycle state of a publisher.
type PublisherStatus string

const (
	PublisherStatusActive   PublisherStatus = "active"
	PublisherStatusInactive PublisherStatus = "inactive"
)

// Publisher is a content owner compensated per served request. Read-only
// to the gateway; rows are managed by the onboarding service.
type Publisher struct {
	ID               string          `json:"id"`
	Domain           string          `json:"domain"`
	Name             string          `json:"name"`
	WalletAddress    string          `json:"wallet_address"`
	PricePerRequest  float64         `json:"price_per_request"`
	Status           PublisherStatus `json:"status"`
	RateLimitPerHour int             `json:"rate_limit_per_hour"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Active reports whether the publisher is currently serving metered content.
func (p *Publisher) Active() bool {
	return p.Status == PublisherStatusActive
}
