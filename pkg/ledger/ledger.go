// Package ledger implements the append-only session event log.
//
// Entries are timestamped at append and persisted as JSONL. Readers may lag
// the tail but never observe reordering.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kadirpekel/cortex/pkg/utils"
)

// EventKind classifies ledger entries.
type EventKind string

const (
	EventTurnStarted   EventKind = "turn_started"
	EventTurnCompleted EventKind = "turn_completed"
	EventTurnAborted   EventKind = "turn_aborted"
	EventTicketIssued  EventKind = "ticket_issued"
	EventBundleStored  EventKind = "bundle_stored"
	EventCapsuleStored EventKind = "capsule_stored"
	EventMemoryWrite   EventKind = "memory_write"
)

// Entry is one immutable ledger record.
type Entry struct {
	Seq       int64                  `json:"seq"`
	Kind      EventKind              `json:"kind"`
	SessionID string                 `json:"session_id"`
	TurnID    string                 `json:"turn_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Ledger appends events to a JSONL file under an explicit write lock;
// reads re-scan the file and take no lock.
type Ledger struct {
	path string

	mu  sync.Mutex
	seq int64
}

// Open creates or opens the ledger at dir/ledger.jsonl and recovers the
// sequence counter from the existing tail.
func Open(dir string) (*Ledger, error) {
	if _, err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l := &Ledger{path: filepath.Join(dir, "ledger.jsonl")}

	entries, err := l.scan(func(Entry) bool { return true })
	if err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		l.seq = entries[n-1].Seq
	}
	return l, nil
}

// Append writes one entry, assigning its sequence number and timestamp.
func (l *Ledger) Append(kind EventKind, sessionID, turnID string, payload map[string]interface{}) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry := Entry{
		Seq:       l.seq,
		Kind:      kind,
		SessionID: sessionID,
		TurnID:    turnID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.seq--
		return Entry{}, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		l.seq--
		return Entry{}, fmt.Errorf("marshal ledger entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.seq--
		return Entry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	return entry, nil
}

// BySession returns all entries for a session in append order.
func (l *Ledger) BySession(sessionID string) ([]Entry, error) {
	return l.scan(func(e Entry) bool { return e.SessionID == sessionID })
}

// Tail returns up to n most recent entries in append order.
func (l *Ledger) Tail(n int) ([]Entry, error) {
	entries, err := l.scan(func(Entry) bool { return true })
	if err != nil {
		return nil, err
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

func (l *Ledger) scan(keep func(Entry) bool) ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// A torn tail line from a crashed writer is skipped, not fatal.
			continue
		}
		if keep(e) {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return entries, nil
}
