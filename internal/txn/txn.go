// Package txn records the filesystem effects of a single task so that a
// failed or interrupted task can be rolled back. Unlike a database
// transaction there is no prepare phase: tools apply their effects
// immediately and the transaction keeps enough pre-state to undo them.
package txn

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redsand/rev-sub002/internal/logging"
)

// EventKind categorizes a recorded tool effect.
type EventKind string

const (
	EventWrite   EventKind = "write"   // file created or replaced
	EventDelete  EventKind = "delete"  // file removed
	EventMove    EventKind = "move"    // file renamed
	EventCommand EventKind = "command" // external command, not reversible
)

// Event is one recorded tool effect. Reversible events carry the pre-state
// needed to undo them; command events are informational only.
type Event struct {
	Kind      EventKind `json:"kind"`
	Tool      string    `json:"tool"`
	Path      string    `json:"path,omitempty"`
	DestPath  string    `json:"dest_path,omitempty"` // move target
	Summary   string    `json:"summary,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Pre-state for rollback. preContent is nil when the file did not
	// exist before the event.
	preExisted bool
	preContent []byte
	preMode    os.FileMode
}

// Transaction accumulates the effects of one task.
type Transaction struct {
	mu     sync.Mutex
	id     string
	taskID string
	events []Event
	closed bool
}

// New creates a transaction for the given task.
func New(taskID string) *Transaction {
	return &Transaction{
		id:     "txn_" + uuid.NewString()[:8],
		taskID: taskID,
	}
}

// ID returns the transaction identifier.
func (t *Transaction) ID() string { return t.id }

// Events returns a copy of the recorded events.
func (t *Transaction) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// RecordWrite snapshots the current content of path, then records a write.
// Call BEFORE applying the write.
func (t *Transaction) RecordWrite(tool, path string) error {
	return t.record(Event{Kind: EventWrite, Tool: tool, Path: path})
}

// RecordDelete snapshots the current content of path, then records a delete.
// Call BEFORE removing the file.
func (t *Transaction) RecordDelete(tool, path string) error {
	return t.record(Event{Kind: EventDelete, Tool: tool, Path: path})
}

// RecordMove snapshots the source, then records a rename from path to dest.
func (t *Transaction) RecordMove(tool, path, dest string) error {
	return t.record(Event{Kind: EventMove, Tool: tool, Path: path, DestPath: dest})
}

// RecordCommand records an external command execution. Commands cannot be
// rolled back; the event exists so the attempts log and checkpoints can
// show what ran.
func (t *Transaction) RecordCommand(tool, summary string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transaction %s already closed", t.id)
	}
	t.events = append(t.events, Event{
		Kind: EventCommand, Tool: tool, Summary: summary, Timestamp: time.Now(),
	})
	return nil
}

func (t *Transaction) record(ev Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transaction %s already closed", t.id)
	}

	if info, err := os.Stat(ev.Path); err == nil && !info.IsDir() {
		content, rerr := os.ReadFile(ev.Path)
		if rerr != nil {
			return fmt.Errorf("snapshot %s: %w", ev.Path, rerr)
		}
		ev.preExisted = true
		ev.preContent = content
		ev.preMode = info.Mode().Perm()
	}
	ev.Timestamp = time.Now()
	t.events = append(t.events, ev)

	logging.ToolsDebug("txn %s recorded %s %s", t.id, ev.Kind, ev.Path)
	return nil
}

// Commit closes the transaction, keeping all effects in place.
func (t *Transaction) Commit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	logging.ToolsDebug("txn %s committed (%d events)", t.id, len(t.events))
}

// Rollback undoes recorded effects in reverse order and closes the
// transaction. Files that existed before are restored with their original
// content and mode; files that did not exist are removed. Command events
// are skipped with a warning. Individual restore failures are logged and
// do not stop the remaining undos; the first failure is returned.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transaction %s already closed", t.id)
	}
	t.closed = true

	var firstErr error
	for i := len(t.events) - 1; i >= 0; i-- {
		ev := t.events[i]
		var err error
		switch ev.Kind {
		case EventCommand:
			logging.Tools("txn %s: command effect not reversible: %s", t.id, ev.Summary)
			continue
		case EventMove:
			err = t.undoMove(ev)
		default:
			err = t.restore(ev)
		}
		if err != nil {
			logging.Tools("txn %s: rollback of %s %s failed: %v", t.id, ev.Kind, ev.Path, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	logging.ToolsDebug("txn %s rolled back (%d events)", t.id, len(t.events))
	return firstErr
}

func (t *Transaction) restore(ev Event) error {
	if !ev.preExisted {
		if err := os.Remove(ev.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(ev.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(ev.Path, ev.preContent, ev.preMode)
}

func (t *Transaction) undoMove(ev Event) error {
	// Put the destination back at the source, then restore source content
	// from the snapshot in case the move overwrote it in between.
	if _, err := os.Stat(ev.DestPath); err == nil {
		if err := os.Rename(ev.DestPath, ev.Path); err != nil {
			return err
		}
	}
	return t.restore(ev)
}

// ContentHash returns a short content hash, used by callers for conflict
// detection and event summaries.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:8])
}
