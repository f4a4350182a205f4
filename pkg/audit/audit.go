// Package audit implements the append-only JSONL audit sink every
// security-relevant decision in the runtime writes to. It follows the
// audit.Logger / store.AuditStore pattern from the wider platform: a single
// open file handle serialized by a mutex, flushed on every append, with an
// optional hash chain carried forward as a supplemental integrity feature.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Kind enumerates the category of an audit entry.
type Kind string

const (
	KindRiskDecision    Kind = "risk_decision"
	KindApproval        Kind = "approval"
	KindToolInvocation  Kind = "tool_invocation"
	KindNodeTransition  Kind = "node_transition"
	KindHoneytoken      Kind = "honeytoken"
	KindStateCorruption Kind = "state_corruption"
)

// Entry is a single audit record. Fields mirror spec.md's audit shape:
// {ts, thread_id, user_id, kind, tool_name?, args_hash?, decision?, reason?, extra?}.
type Entry struct {
	Timestamp int64          `json:"ts"`
	ThreadID  string         `json:"thread_id"`
	UserID    string         `json:"user_id"`
	Kind      Kind           `json:"kind"`
	ToolName  string         `json:"tool_name,omitempty"`
	ArgsHash  string         `json:"args_hash,omitempty"`
	Decision  string         `json:"decision,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	Severity  string         `json:"severity,omitempty"`

	PrevHash  string `json:"prev_hash,omitempty"`
	EntryHash string `json:"entry_hash,omitempty"`
}

// criticalKinds marks entries that must always carry severity=critical,
// regardless of the decision/reason supplied by the caller.
var criticalKinds = map[Kind]bool{
	KindHoneytoken: true,
}

// Log is the append-only JSONL audit sink. One Log wraps exactly one open
// file handle; writes are serialized by mu and flushed per append.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	chainHead string
	chained   bool
	clock     func() time.Time
}

// Open opens (or creates) path for exclusive-create-or-append writing. When
// chained is true, each entry additionally carries prev_hash/entry_hash
// forming a hash chain rooted at "genesis".
func Open(path string, chained bool) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Log{
		file:      f,
		chainHead: "genesis",
		chained:   chained,
		clock:     time.Now,
	}, nil
}

// WithClock overrides the clock, for deterministic tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Append writes one entry, flushing immediately. A honeytoken or
// blocked-secret entry (decision == "Blocked" with reason naming a secret
// block) is additionally marked severity=critical.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp == 0 {
		e.Timestamp = l.clock().Unix()
	}
	if criticalKinds[e.Kind] || isBlockedSecretEntry(e) {
		e.Severity = "critical"
	}

	if l.chained {
		e.PrevHash = l.chainHead
		e.EntryHash = computeEntryHash(e)
		l.chainHead = e.EntryHash
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return l.file.Sync()
}

func isBlockedSecretEntry(e Entry) bool {
	return e.Decision == "Blocked" && e.Reason == "DLP_SECRET_DETECTED"
}

// computeEntryHash hashes the entry's content fields together with the
// previous chain head, so any edit or reordering of persisted lines breaks
// verification in VerifyChain.
func computeEntryHash(e Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%s|%s",
		e.Timestamp, e.ThreadID, e.UserID, e.Kind, e.ToolName, e.ArgsHash, e.Decision, e.Reason, e.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain re-derives each entry's hash from its content and confirms it
// links to the previous entry's hash, returning the index of the first
// broken link, or -1 if the chain is intact.
func VerifyChain(entries []Entry) int {
	head := "genesis"
	for i, e := range entries {
		if e.PrevHash != head {
			return i
		}
		want := computeEntryHash(Entry{
			Timestamp: e.Timestamp, ThreadID: e.ThreadID, UserID: e.UserID,
			Kind: e.Kind, ToolName: e.ToolName, ArgsHash: e.ArgsHash,
			Decision: e.Decision, Reason: e.Reason, PrevHash: e.PrevHash,
		})
		if want != e.EntryHash {
			return i
		}
		head = e.EntryHash
	}
	return -1
}
