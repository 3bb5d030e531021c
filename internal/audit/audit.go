// Package audit maintains the append-only, hash-chained record of lifecycle
// events. The writer is the single path into audit_events; anything else that
// wants a row goes through Append. Verify walks the chain and reports the
// first break, which makes after-the-fact tampering evident.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/attendhq/attend/internal/store"
	"github.com/attendhq/attend/pkg/protocol"
)

// genesis seeds chain_sha256[0]. Fixed so independent verifiers agree.
const genesis = "attend-audit-genesis-v1"

// GenesisHash is the chain value a first event links back to.
func GenesisHash() string {
	sum := sha256.Sum256([]byte(genesis))
	return hex.EncodeToString(sum[:])
}

// Writer appends chained events to the store and mirrors them to a JSONL file
// for offline tooling. Appends are serialized; seq is monotone by
// construction.
type Writer struct {
	mu        sync.Mutex
	st        *store.Store
	mirror    *os.File
	lastSeq   int64
	lastChain string
}

// NewWriter loads the chain head from the store and opens the mirror file
// (pass "" to disable mirroring).
func NewWriter(st *store.Store, mirrorPath string) (*Writer, error) {
	w := &Writer{st: st, lastChain: GenesisHash()}

	last, err := st.LastAuditRow()
	if err != nil {
		return nil, fmt.Errorf("load audit head: %w", err)
	}
	if last != nil {
		w.lastSeq = last.Seq
		w.lastChain = last.ChainSHA256
	}

	if mirrorPath != "" {
		f, err := os.OpenFile(mirrorPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open audit mirror %s: %w", mirrorPath, err)
		}
		w.mirror = f
	}
	return w, nil
}

// Close releases the mirror file.
func (w *Writer) Close() error {
	if w.mirror != nil {
		return w.mirror.Close()
	}
	return nil
}

// Append records one event. payload is hashed, never stored: the audit chain
// proves what happened and when, not message contents.
func (w *Writer) Append(kind, sessionID, promptID string, payload any) (*protocol.AuditEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit payload for %s: %w", kind, err)
	}
	payloadSum := sha256.Sum256(raw)

	w.mu.Lock()
	defer w.mu.Unlock()

	ev := &protocol.AuditEvent{
		Seq:           w.lastSeq + 1,
		Timestamp:     time.Now().Truncate(time.Millisecond).UTC(),
		Kind:          kind,
		SessionID:     sessionID,
		PromptID:      promptID,
		PayloadSHA256: hex.EncodeToString(payloadSum[:]),
		PrevSHA256:    w.lastChain,
	}
	ev.ChainSHA256 = ChainHash(ev)

	if err := w.st.AppendAuditRow(ev); err != nil {
		return nil, err
	}
	w.lastSeq = ev.Seq
	w.lastChain = ev.ChainSHA256

	if w.mirror != nil {
		if line, err := json.Marshal(ev); err == nil {
			w.mirror.Write(append(line, '\n'))
		}
	}
	return ev, nil
}

// ChainHash computes chain_sha256 for an event whose PrevSHA256 is set:
// H(prev | seq | unix-milli | kind | payload_sha256) with "|" separators.
// The timestamp enters at millisecond precision, exactly as persisted, so
// recomputation from stored rows is bit-faithful.
func ChainHash(ev *protocol.AuditEvent) string {
	h := sha256.New()
	h.Write([]byte(ev.PrevSHA256))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.FormatInt(ev.Seq, 10)))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.FormatInt(ev.Timestamp.UnixMilli(), 10)))
	h.Write([]byte("|"))
	h.Write([]byte(ev.Kind))
	h.Write([]byte("|"))
	h.Write([]byte(ev.PayloadSHA256))
	return hex.EncodeToString(h.Sum(nil))
}

// BreakError reports the first chain break found by Verify.
type BreakError struct {
	Seq    int64
	Reason string
}

func (e *BreakError) Error() string {
	return fmt.Sprintf("audit chain break at seq %d: %s", e.Seq, e.Reason)
}

// Verify walks the full chain in seq order. It returns nil for an intact
// chain and a *BreakError naming the first bad row otherwise.
func Verify(st *store.Store) error {
	prev := GenesisHash()
	var prevSeq int64
	first := true

	return st.WalkAudit(func(ev *protocol.AuditEvent) error {
		if first {
			first = false
			// Rows before the live window may have been archived; the first
			// live row then chains from the archived head, which we adopt.
			if ev.Seq != 1 {
				prev = ev.PrevSHA256
			}
		}
		if prevSeq != 0 && ev.Seq != prevSeq+1 {
			return &BreakError{Seq: ev.Seq, Reason: fmt.Sprintf("seq gap after %d", prevSeq)}
		}
		if ev.PrevSHA256 != prev {
			return &BreakError{Seq: ev.Seq, Reason: "prev_sha256 does not match prior chain hash"}
		}
		if got := ChainHash(ev); got != ev.ChainSHA256 {
			return &BreakError{Seq: ev.Seq, Reason: "chain_sha256 does not match recomputation"}
		}
		prev = ev.ChainSHA256
		prevSeq = ev.Seq
		return nil
	})
}
