// Package dlp provides ingress PII redaction and egress secret detection —
// pure, streaming-safe functions over bounded-length strings. Patterns and
// secret families are modeled on privacy.StandardPrivacyManager and
// kernel.ScanForPlaintextSecrets from the wider platform this runtime is
// part of, generalized to the fixed-order, first-match-wins resolution the
// risk engine depends on.
package dlp

import (
	"regexp"
	"strconv"
	"strings"
)

const allowlistMarker = "allowlist secret"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	ipv4Pattern  = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)
	panPattern   = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
)

// SecretFinding describes one detected secret-like token in a scanned text.
type SecretFinding struct {
	Kind   string
	Offset int
	Length int
}

// secretRule pairs a family identifier with the regex that recognizes it.
type secretRule struct {
	kind    string
	pattern *regexp.Regexp
}

var secretRules = []secretRule{
	{"aws_access_key_id", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"stripe_live_key", regexp.MustCompile(`sk_live_[0-9a-zA-Z]{10,}`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[0-9a-zA-Z]{20,}`)},
	{"slack_token", regexp.MustCompile(`xox[baprs]-[0-9a-zA-Z-]{10,}`)},
	{"pem_private_key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |)PRIVATE KEY-----`)},
	{"generic_high_entropy_token", regexp.MustCompile(`\b[A-Za-z0-9_\-]{32,}\b`)},
}

// Redact replaces PII in text with fixed placeholder tokens. Patterns are
// applied in a fixed order — email, then IPv4, then Luhn-valid card number —
// and a later pattern never re-matches bytes a prior pattern already
// replaced, giving first-match-wins overlap resolution.
func Redact(text string) string {
	text = emailPattern.ReplaceAllString(text, "[REDACTED_EMAIL]")
	text = ipv4Pattern.ReplaceAllString(text, "[REDACTED_IP]")
	text = panPattern.ReplaceAllStringFunc(text, func(match string) string {
		if isLuhnValid(match) {
			return "[REDACTED_PCI]"
		}
		return match
	})
	return text
}

// DetectSecrets scans text for known secret families. Findings whose line
// also contains the literal marker "allowlist secret" are suppressed.
func DetectSecrets(text string) []SecretFinding {
	allowedLines := allowlistedLineRanges(text)

	var findings []SecretFinding
	for _, rule := range secretRules {
		for _, loc := range rule.pattern.FindAllStringIndex(text, -1) {
			if withinAllowlistedRange(loc[0], allowedLines) {
				continue
			}
			findings = append(findings, SecretFinding{
				Kind:   rule.kind,
				Offset: loc[0],
				Length: loc[1] - loc[0],
			})
		}
	}
	return findings
}

// HasSecret is a convenience predicate used by the risk engine's DLP
// egress-block check.
func HasSecret(text string) bool {
	return len(DetectSecrets(text)) > 0
}

type lineRange struct {
	start, end int
}

func allowlistedLineRanges(text string) []lineRange {
	var ranges []lineRange
	offset := 0
	for _, line := range strings.Split(text, "\n") {
		end := offset + len(line)
		if strings.Contains(line, allowlistMarker) {
			ranges = append(ranges, lineRange{start: offset, end: end})
		}
		offset = end + 1 // account for the removed '\n'
	}
	return ranges
}

func withinAllowlistedRange(pos int, ranges []lineRange) bool {
	for _, r := range ranges {
		if pos >= r.start && pos <= r.end {
			return true
		}
	}
	return false
}

// isLuhnValid checks the Luhn checksum of a digit run that may contain
// space or dash separators.
func isLuhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r == ' ' || r == '-' {
			continue
		}
		d, err := strconv.Atoi(string(r))
		if err != nil {
			return false
		}
		digits = append(digits, d)
	}
	if len(digits) < 13 || len(digits) > 16 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
