package model

import "time"

// LicenseSource records where a license view came from.
type LicenseSource string

const (
	// LicenseSourceChain means the view was read directly from the registry
	// contract on this request.
	LicenseSourceChain LicenseSource = "chain"
	// LicenseSourceCache means a previously fetched view still within TTL.
	LicenseSourceCache LicenseSource = "cache"
	// LicenseSourceOffline means the registry was unreachable and the gateway
	// substituted a degraded last-known-good view.
	LicenseSourceOffline LicenseSource = "offline_mode"
)

// License is a cached view of on-chain license state for a publisher.
// The gateway never mutates it; the chain is the source of truth.
type License struct {
	PublisherID string        `json:"publisher_id"`
	TokenID     string        `json:"token_id"`
	IsActive    bool          `json:"is_active"`
	Source      LicenseSource `json:"source"`
	LastUpdated time.Time     `json:"last_updated"`
}

// AccessRights describes what a request is permitted to do once licensed.
// Offline mode narrows these to the conservative set.
type AccessRights struct {
	AllowFetch     bool  `json:"allow_fetch"`
	AllowBatch     bool  `json:"allow_batch"`
	AllowSensitive bool  `json:"allow_sensitive"`
	MaxBodyBytes   int64 `json:"max_body_bytes,omitempty"`
}
