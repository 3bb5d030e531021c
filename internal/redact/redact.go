// Package redact strips known secret shapes from text before it crosses the
// channel boundary. Applied to prompt excerpts and forwarded output chunks.
package redact

import "regexp"

const placeholder = "[REDACTED]"

// secretPatterns match credential shapes that must never leave the host.
// Compiled once at init; order is irrelevant since every match is replaced.
var secretPatterns = []*regexp.Regexp{
	// Telegram bot tokens: 8-10 digit bot ID, colon, 35-char secret.
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`),
	// Slack tokens (bot, user, app-level).
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
	regexp.MustCompile(`\bxapp-\d-[A-Z0-9]+-\d+-[a-f0-9]+\b`),
	// GitHub personal access tokens (classic and fine-grained).
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{36,}\b`),
	// AWS access key IDs.
	regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`),
	// Generic bearer tokens.
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{16,}=*`),
}

// Apply replaces every recognized secret shape in s with a placeholder.
func Apply(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, placeholder)
	}
	return s
}

// Clean reports whether s contains no recognizable secret shape.
// Used by the inbound gate: a reply body that still looks like a credential
// is refused rather than injected.
func Clean(s string) bool {
	for _, re := range secretPatterns {
		if re.MatchString(s) {
			return false
		}
	}
	return true
}
