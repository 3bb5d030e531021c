// Package detect classifies whether a supervised child process is blocked
// waiting for input, using three signals: curated pattern matches on the
// ANSI-stripped output tail (HIGH), a blocked-on-read inference from the PTY
// (MED), and the idle watchdog (LOW).
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"

	"github.com/attendhq/attend/internal/redact"
	"github.com/attendhq/attend/pkg/protocol"
)

// Signals carries the non-pattern evidence observed by the supervisor.
type Signals struct {
	BlockedRead bool // PTY has no more bytes but the child is runnable
	Silence     bool // idle watchdog fired with a non-empty buffer
	EchoSuspect bool // inside the post-inject echo-suppression window
}

// Detection is one classified prompt candidate.
type Detection struct {
	Kind       protocol.PromptKind
	Confidence protocol.Confidence
	Excerpt    string
	ContentKey string // dedup hash of the stripped tail
}

// kindPattern pairs a prompt kind with its pre-compiled recognizer.
// Order matters: the first matching entry wins, so the more specific shapes
// (raw-terminal menus, folder trust, passwords) come before the generic ones.
type kindPattern struct {
	kind protocol.PromptKind
	re   *regexp.Regexp
}

var patterns = []kindPattern{
	// Arrow-key navigated UIs are never answerable with plain bytes.
	{protocol.KindRawTerminal, regexp.MustCompile(`(?i)(use (the )?arrow keys|↑/↓|❯|\x{25b8}|press .* to navigate)`)},
	{protocol.KindFolderTrust, regexp.MustCompile(`(?is)do you trust the (files|authors).{0,120}(folder|directory|workspace)`)},
	{protocol.KindPassword, regexp.MustCompile(`(?im)(password|passphrase|api[ _-]?key)[^\n]{0,40}:\s*$`)},
	{protocol.KindYesNo, regexp.MustCompile(`(?i)(\(y(es)?/n(o)?\)|\[y/n\]|\[y/N\]|\[Y/n\]|\by/n\b)\s*[:?]?\s*$`)},
	{protocol.KindConfirmEnter, regexp.MustCompile(`(?i)press\s+(enter|return|any key)( to (continue|proceed|confirm))?`)},
	{protocol.KindNumberedChoice, regexp.MustCompile(`(?m)^\s*\d+[\).]\s+\S[^\n]*$`)},
}

// dedupWindow is how long a content hash suppresses re-detection of the same
// repeating output.
const dedupWindow = 30 * time.Second

// Detector holds the small amount of state the classifier needs: the rolling
// dedup set. Scan itself is a pure function of (buffer, signals).
type Detector struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// New creates a detector with an empty dedup set.
func New() *Detector {
	return &Detector{seen: make(map[string]time.Time)}
}

// Scan inspects the rolling output buffer and returns at most one prompt
// candidate. ok is false when nothing looks like a prompt, when output is
// echo-suspect, or when the same content was already reported inside the
// dedup window.
func (d *Detector) Scan(buf []byte, sig Signals, now time.Time) (Detection, bool) {
	if sig.EchoSuspect || len(buf) == 0 {
		return Detection{}, false
	}

	stripped := strings.TrimRight(StripANSI(string(scanTail(buf))), " \t")
	if strings.TrimSpace(stripped) == "" {
		return Detection{}, false
	}

	kind, matched := classify(stripped)

	conf := protocol.Confidence("")
	switch {
	case matched:
		conf = protocol.ConfidenceHigh
	case sig.BlockedRead:
		conf = protocol.ConfidenceMed
	case sig.Silence:
		conf = protocol.ConfidenceLow
	default:
		return Detection{}, false
	}

	key := contentKey(stripped)
	if d.isDuplicate(key, now) {
		return Detection{}, false
	}

	return Detection{
		Kind:       kind,
		Confidence: conf,
		Excerpt:    Excerpt(stripped),
		ContentKey: key,
	}, true
}

// classify returns the prompt kind for the stripped tail. When no curated
// pattern matches, the candidate defaults to FREE_TEXT: a blocked child with
// an unrecognized prompt shape is most likely at a readline.
func classify(stripped string) (protocol.PromptKind, bool) {
	tail := patternTail(stripped)
	for _, p := range patterns {
		if p.re.MatchString(tail) {
			return p.kind, true
		}
	}
	return protocol.KindFreeText, false
}

// scanWindow bounds how many trailing bytes a single scan inspects. ANSI
// stripping and redaction both run regexps over the text, so an unbounded
// buffer makes a flooded scan arbitrarily slow; a prompt always sits at the
// end of the output.
const scanWindow = 4096

// scanTail returns the trailing scanWindow bytes, advanced to the next rune
// boundary so the cut never splits a multi-byte character.
func scanTail(buf []byte) []byte {
	if len(buf) <= scanWindow {
		return buf
	}
	tail := buf[len(buf)-scanWindow:]
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}
	return tail
}

// patternTail bounds pattern evaluation to the trailing portion of the buffer
// so a single scan stays under the latency budget even on flooded output.
func patternTail(s string) string {
	const maxTail = 1024
	if len(s) <= maxTail {
		return s
	}
	return s[len(s)-maxTail:]
}

// Excerpt produces the redacted trailing slice of stripped output, capped at
// ExcerptMaxChars display cells (rune-safe for CJK output).
func Excerpt(stripped string) string {
	s := redact.Apply(strings.TrimSpace(stripped))
	if w := runewidth.StringWidth(s); w > protocol.ExcerptMaxChars {
		s = runewidth.TruncateLeft(s, w-protocol.ExcerptMaxChars, "")
	}
	return s
}

func contentKey(stripped string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(stripped)))
	return hex.EncodeToString(sum[:])
}

// isDuplicate records key and reports whether it was already seen inside the
// dedup window. Stale entries are pruned on every call; the set stays small
// because a single session produces at most a handful of distinct prompts.
func (d *Detector) isDuplicate(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, t := range d.seen {
		if now.Sub(t) >= dedupWindow {
			delete(d.seen, k)
		}
	}

	if t, ok := d.seen[key]; ok && now.Sub(t) < dedupWindow {
		return true
	}
	d.seen[key] = now
	return false
}
