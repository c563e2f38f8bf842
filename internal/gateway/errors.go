package gateway

import "net/http"

// Response codes. Together with the billing block they let a caller tell
// "not charged" apart from "charged then refunded".
const (
	CodeOK                  = "ok"
	CodeRateLimited         = "rate_limited"
	CodeQuotaExceeded       = "quota_exceeded"
	CodeThrottleRejected    = "throttle_rejected"
	CodeUnsafeURL           = "unsafe_url"
	CodeUnknownCrawler      = "unknown_crawler"
	CodeUnknownPublisher    = "unknown_publisher"
	CodeAccessDenied        = "access_denied"
	CodeInsufficientCredits = "insufficient_credits"
	CodeFetchFailed         = "fetch_failed"
	CodeContentBlocked      = "content_blocked"
	CodeSettlementFailed    = "settlement_failed"
	CodeUpstreamDegraded    = "upstream_degraded"
	CodeBadRequest          = "bad_request"
)

// httpStatusFor maps a response code to its HTTP status.
func httpStatusFor(code string) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeRateLimited, CodeQuotaExceeded, CodeThrottleRejected:
		return http.StatusTooManyRequests
	case CodeUnsafeURL, CodeAccessDenied, CodeContentBlocked:
		return http.StatusForbidden
	case CodeUnknownCrawler, CodeUnknownPublisher:
		return http.StatusNotFound
	case CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case CodeFetchFailed:
		return http.StatusBadGateway
	case CodeSettlementFailed:
		return http.StatusInternalServerError
	case CodeUpstreamDegraded:
		return http.StatusServiceUnavailable
	case CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
