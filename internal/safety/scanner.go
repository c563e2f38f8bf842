// Package safety implements the URL and content safety gate. Scanning is
// stateless and side-effect-free per call; the pattern tables are policy
// data loaded at startup.
package safety

import (
	"net/url"
	"strings"

	"github.com/tachi-protocol/gateway/internal/config"
)

// URLScanResult is the verdict for a target URL before any payment work.
type URLScanResult struct {
	Safe      bool     `json:"safe"`
	RiskScore float64  `json:"risk_score"`
	Threats   []string `json:"threats,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// ContentScanResult is the verdict for fetched content before settlement.
type ContentScanResult struct {
	Content          []byte   `json:"-"`
	Blocked          bool     `json:"blocked"`
	BlockReason      string   `json:"block_reason,omitempty"`
	RiskScore        float64  `json:"risk_score"`
	Warnings         []string `json:"warnings,omitempty"`
	SensitiveRemoved int      `json:"sensitive_removed"`
}

// SanitizeOptions tunes per-request sanitization behavior.
type SanitizeOptions struct {
	// AllowSensitive skips stripping of sensitive-data matches. Only set
	// when the access rights for the request permit sensitive passthrough.
	AllowSensitive bool
}

// Scanner scores URLs and content against the pattern tables.
type Scanner struct {
	patterns       PatternSet
	blockThreshold float64
	warnThreshold  float64
}

// New creates a Scanner from config, loading the pattern file if set.
func New(cfg config.SafetyConfig) (*Scanner, error) {
	patterns, err := LoadPatterns(cfg.PatternsFile)
	if err != nil {
		return nil, err
	}
	blockAt := cfg.BlockThreshold
	if blockAt <= 0 {
		blockAt = 0.7
	}
	warnAt := cfg.WarnThreshold
	if warnAt <= 0 {
		warnAt = 0.3
	}
	return &Scanner{patterns: patterns, blockThreshold: blockAt, warnThreshold: warnAt}, nil
}

// ScanURL scores a target URL. Runs before identity resolution and
// payment reservation: cheapest rejection first.
func (s *Scanner) ScanURL(rawURL string) URLScanResult {
	result := URLScanResult{Safe: true}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		result.Safe = false
		result.RiskScore = 1.0
		result.Threats = append(result.Threats, "unparseable_url")
		return result
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		result.Safe = false
		result.RiskScore = 1.0
		result.Threats = append(result.Threats, "disallowed_scheme:"+u.Scheme)
		return result
	}

	lower := strings.ToLower(rawURL)
	var score float64
	forced := false
	for _, p := range s.patterns.URL {
		if !p.re.MatchString(lower) {
			continue
		}
		score += p.Weight
		switch p.Action {
		case ActionWarn:
			result.Warnings = append(result.Warnings, p.Name)
		default:
			result.Threats = append(result.Threats, p.Name)
		}
		if p.Severity == SeverityHigh {
			forced = true
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	result.RiskScore = score
	if forced || score >= s.blockThreshold {
		result.Safe = false
	}
	return result
}

// SanitizeContent applies the per-class policy table to a fetched body.
// A blocked result means the charge must be refunded, not committed.
func (s *Scanner) SanitizeContent(body []byte, opts SanitizeOptions) ContentScanResult {
	result := ContentScanResult{Content: body}

	// score is the total observed risk; residual is the risk left after
	// remediation. Stripped matches count toward score but not residual,
	// so only unremediated risk can block the response.
	var score, residual float64
	for _, p := range s.patterns.Content {
		matches := p.re.FindAll(result.Content, -1)
		if len(matches) == 0 {
			continue
		}
		score += p.Weight

		// Any single block-class match rejects the content outright.
		if p.Action == ActionBlock {
			result.Blocked = true
			result.BlockReason = p.Name
			result.Content = nil
			result.RiskScore = 1.0
			return result
		}

		if p.Action == ActionStrip {
			if p.Class == "sensitive_data" && opts.AllowSensitive {
				result.Warnings = append(result.Warnings, p.Name+":passthrough")
				continue
			}
			result.Content = p.re.ReplaceAll(result.Content, []byte("[removed]"))
			if p.Class == "sensitive_data" {
				result.SensitiveRemoved += len(matches)
			}
			result.Warnings = append(result.Warnings, p.Name)
			continue
		}

		residual += p.Weight
		result.Warnings = append(result.Warnings, p.Name)
	}

	if score > 1.0 {
		score = 1.0
	}
	result.RiskScore = score

	// Aggregate unremediated risk past the block threshold rejects even
	// when no single pattern did.
	if residual >= s.blockThreshold {
		result.Blocked = true
		result.BlockReason = "aggregate_risk"
		result.Content = nil
	}
	return result
}
