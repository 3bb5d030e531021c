package detect

import "regexp"

// ansiEscape matches CSI/OSC/two-byte escape sequences emitted by readline,
// spinners, and colored output. Stripping happens before any pattern runs so
// the curated regexes only ever see plain text.
var ansiEscape = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[ -/]*[@-~]|\][^\x07\x1b]*(?:\x07|\x1b\\)|[@-Z\\-_])`)

// StripANSI removes terminal escape sequences and carriage returns.
func StripANSI(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	// Collapse CR-rewritten lines: keep only what survives after the last \r
	// on each line, which is what a human would actually see.
	out := make([]byte, 0, len(s))
	lineStart := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r':
			out = out[:lineStart]
		case '\n':
			out = append(out, '\n')
			lineStart = len(out)
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
