package model

// CrawlRequest is one inbound metered content request after routing.
type CrawlRequest struct {
	RequestID string `json:"request_id"`
	CrawlerID string `json:"crawler_id"`
	Domain    string `json:"domain"`
	Path      string `json:"path"`
	URL       string `json:"url"`
	Priority  int    `json:"priority,omitempty"`
}

// BatchItem is one entry in an ordered batch request body.
type BatchItem struct {
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Priority int    `json:"priority,omitempty"`
}

// Billing summarizes the money movement for one request.
type Billing struct {
	Charged          float64 `json:"charged"`
	Refunded         float64 `json:"refunded"`
	RemainingCredits float64 `json:"remaining_credits"`
}

// Protection summarizes the safety outcome for one request.
type Protection struct {
	URLSafe          bool     `json:"url_safe"`
	URLRiskScore     float64  `json:"url_risk_score"`
	ContentBlocked   bool     `json:"content_blocked"`
	Warnings         []string `json:"warnings,omitempty"`
	SensitiveRemoved int      `json:"sensitive_removed,omitempty"`
}

// PaymentInfo is the 402-discovery payload the protocol SDKs consume to
// settle a charge on-chain and retry.
type PaymentInfo struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Network   string `json:"network"`
	ChainID   int64  `json:"chain_id"`
	Recipient string `json:"recipient"`
	TokenID   string `json:"token_id,omitempty"`
}
