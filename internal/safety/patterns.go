package safety

import (
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Action is what the gate does when a pattern of a given class matches.
// The policy is explicit per threat class: block-class matches reject the
// content outright (and trigger a refund when post-fetch), strip-class
// matches remove the matched spans and continue, warn-class matches only
// annotate the response.
type Action string

const (
	ActionBlock Action = "block"
	ActionStrip Action = "strip"
	ActionWarn  Action = "warn"
)

// Severity grades an individual pattern. Any single high-severity match
// forces an unsafe verdict regardless of the aggregate score.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Pattern is one detection rule in the policy table.
type Pattern struct {
	Name     string   `yaml:"name"`
	Class    string   `yaml:"class"`
	Regex    string   `yaml:"regex"`
	Severity Severity `yaml:"severity"`
	Weight   float64  `yaml:"weight"`
	Action   Action   `yaml:"action"`

	re *regexp.Regexp
}

// PatternSet holds the compiled URL and content rule tables.
type PatternSet struct {
	URL     []Pattern `yaml:"url"`
	Content []Pattern `yaml:"content"`
}

// DefaultPatterns returns the built-in policy table. The scanning
// heuristics are policy data: operators override them with a patterns
// file, the gate logic never changes.
func DefaultPatterns() PatternSet {
	return PatternSet{
		URL: []Pattern{
			{Name: "ip_literal_host", Class: "evasion", Regex: `^https?://\d{1,3}(\.\d{1,3}){3}`, Severity: SeverityMedium, Weight: 0.4, Action: ActionBlock},
			{Name: "userinfo_spoof", Class: "phishing", Regex: `^https?://[^/]*@`, Severity: SeverityHigh, Weight: 0.8, Action: ActionBlock},
			{Name: "path_traversal", Class: "injection", Regex: `\.\./|%2e%2e%2f`, Severity: SeverityHigh, Weight: 0.8, Action: ActionBlock},
			{Name: "local_target", Class: "ssrf", Regex: `//(localhost|127\.0\.0\.1|0\.0\.0\.0|169\.254\.|10\.|172\.(1[6-9]|2\d|3[01])\.|192\.168\.)`, Severity: SeverityHigh, Weight: 1.0, Action: ActionBlock},
			{Name: "meta_scheme", Class: "ssrf", Regex: `^(file|gopher|ftp|dict)://`, Severity: SeverityHigh, Weight: 1.0, Action: ActionBlock},
			{Name: "double_encoding", Class: "evasion", Regex: `%25[0-9a-fA-F]{2}`, Severity: SeverityMedium, Weight: 0.3, Action: ActionWarn},
			{Name: "executable_download", Class: "malware", Regex: `\.(exe|scr|bat|cmd|msi|dll)(\?|$)`, Severity: SeverityMedium, Weight: 0.5, Action: ActionBlock},
			{Name: "suspicious_tld", Class: "phishing", Regex: `\.(zip|mov|country|gq)(/|$)`, Severity: SeverityLow, Weight: 0.2, Action: ActionWarn},
		},
		Content: []Pattern{
			{Name: "script_tag", Class: "xss", Regex: `(?i)<script[^>]*>[\s\S]*?</script>`, Severity: SeverityMedium, Weight: 0.3, Action: ActionStrip},
			{Name: "event_handler", Class: "xss", Regex: `(?i)\son(load|error|click|mouseover)\s*=`, Severity: SeverityLow, Weight: 0.2, Action: ActionStrip},
			{Name: "aws_access_key", Class: "sensitive_data", Regex: `AKIA[0-9A-Z]{16}`, Severity: SeverityHigh, Weight: 0.7, Action: ActionStrip},
			{Name: "private_key_block", Class: "sensitive_data", Regex: `-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`, Severity: SeverityHigh, Weight: 0.9, Action: ActionBlock},
			{Name: "ssn", Class: "sensitive_data", Regex: `\b\d{3}-\d{2}-\d{4}\b`, Severity: SeverityMedium, Weight: 0.4, Action: ActionStrip},
			{Name: "credit_card", Class: "sensitive_data", Regex: `\b(?:4\d{3}|5[1-5]\d{2}|3[47]\d{2}|6011)[ -]?\d{4}[ -]?\d{4}[ -]?\d{1,4}\b`, Severity: SeverityMedium, Weight: 0.5, Action: ActionStrip},
			{Name: "eicar_marker", Class: "malware", Regex: `X5O!P%@AP\[4\\PZX54\(P\^\)7CC\)7\}\$EICAR`, Severity: SeverityHigh, Weight: 1.0, Action: ActionBlock},
			{Name: "hidden_iframe", Class: "malware", Regex: `(?i)<iframe[^>]*(display\s*:\s*none|visibility\s*:\s*hidden|width\s*=\s*["']?0)`, Severity: SeverityMedium, Weight: 0.4, Action: ActionWarn},
			{Name: "obfuscated_eval", Class: "obfuscation", Regex: `(?i)eval\s*\(\s*(atob|unescape|String\.fromCharCode)\s*\(`, Severity: SeverityMedium, Weight: 0.4, Action: ActionWarn},
			{Name: "base64_blob", Class: "obfuscation", Regex: `[A-Za-z0-9+/]{400,}={0,2}`, Severity: SeverityLow, Weight: 0.1, Action: ActionWarn},
		},
	}
}

// LoadPatterns reads a pattern table from a YAML file, falling back to the
// defaults when path is empty.
func LoadPatterns(path string) (PatternSet, error) {
	if path == "" {
		set := DefaultPatterns()
		if err := set.compile(); err != nil {
			return PatternSet{}, err
		}
		return set, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return PatternSet{}, eris.Wrapf(err, "safety: read patterns file %s", path)
	}
	var set PatternSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return PatternSet{}, eris.Wrap(err, "safety: parse patterns file")
	}
	if err := set.compile(); err != nil {
		return PatternSet{}, err
	}
	return set, nil
}

func (s *PatternSet) compile() error {
	for i := range s.URL {
		re, err := regexp.Compile(s.URL[i].Regex)
		if err != nil {
			return eris.Wrapf(err, "safety: compile url pattern %s", s.URL[i].Name)
		}
		s.URL[i].re = re
	}
	for i := range s.Content {
		re, err := regexp.Compile(s.Content[i].Regex)
		if err != nil {
			return eris.Wrapf(err, "safety: compile content pattern %s", s.Content[i].Name)
		}
		s.Content[i].re = re
	}
	return nil
}
