// Package plan holds the task and execution-plan model: lifecycle states,
// dependency ordering, goals, and the deterministic post-LM fix-ups
// (test-first, reuse-first, coverage).
package plan

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/redsand/rev-sub002/internal/txn"
)

// ActionType classifies what a task asks the sub-agent to do. It is also
// the routing key for sub-agent selection.
type ActionType string

const (
	ActionAdd      ActionType = "add"
	ActionEdit     ActionType = "edit"
	ActionRefactor ActionType = "refactor"
	ActionTest     ActionType = "test"
	ActionDebug    ActionType = "debug"
	ActionFix      ActionType = "fix"
	ActionDocument ActionType = "document"
	ActionResearch ActionType = "research"
	ActionAnalyze  ActionType = "analyze"
	ActionReview   ActionType = "review"
	ActionDelete   ActionType = "delete"
	ActionMove     ActionType = "move"
)

// ValidActionTypes is the closed set the planner schema exposes.
var ValidActionTypes = []ActionType{
	ActionAdd, ActionEdit, ActionRefactor, ActionTest, ActionDebug, ActionFix,
	ActionDocument, ActionResearch, ActionAnalyze, ActionReview, ActionDelete, ActionMove,
}

// IsDestructive reports whether the action can strand later tasks that
// reference the same paths. Used by the per-task reevaluation gate.
func (a ActionType) IsDestructive() bool {
	switch a {
	case ActionDelete, ActionMove, ActionRefactor:
		return true
	}
	return false
}

// changesCode reports whether the action mutates source files, which makes
// the coverage guarantee apply to it.
func (a ActionType) changesCode() bool {
	switch a {
	case ActionAdd, ActionEdit, ActionRefactor, ActionFix, ActionDebug, ActionDelete, ActionMove:
		return true
	}
	return false
}

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
	StatusSkipped    Status = "skipped"
)

// RiskLevel grades the blast radius of a task.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Task is one unit of plan work. Created by the planner; the orchestrator
// owns status, the sub-agent owns tool events and result. Tasks are never
// destroyed within a run, only serialized to checkpoints.
type Task struct {
	ID           string      `json:"id"`
	Description  string      `json:"description"`
	ActionType   ActionType  `json:"action_type"`
	Status       Status      `json:"status"`
	RiskLevel    RiskLevel   `json:"risk_level"`
	Dependencies []string    `json:"dependencies,omitempty"`
	TargetPaths  []string    `json:"target_paths,omitempty"`
	ToolEvents   []txn.Event `json:"tool_events,omitempty"`
	Result       string      `json:"result,omitempty"`
	Error        string      `json:"error,omitempty"`

	// Notes collects rationale attached by deterministic fix-ups and
	// recovery hints appended between retries.
	Notes []string `json:"notes,omitempty"`

	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// NewTask creates a pending task with a fresh id.
func NewTask(description string, action ActionType) *Task {
	return &Task{
		ID:          "task_" + uuid.NewString()[:8],
		Description: description,
		ActionType:  action,
		Status:      StatusPending,
		RiskLevel:   RiskLow,
	}
}

// Terminal reports whether the task reached a final state.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// AddNote appends a rationale or recovery hint.
func (t *Task) AddNote(format string, args ...any) {
	t.Notes = append(t.Notes, fmt.Sprintf(format, args...))
}

// pathToken matches path-looking tokens inside free text.
var pathToken = regexp.MustCompile(`[\w./-]+\.\w{1,8}`)

// PathTokens extracts file-path-looking tokens from the task description,
// its declared target paths, and its recorded tool events. Used by the
// reevaluation predicate and by reuse-first matching.
func (t *Task) PathTokens() []string {
	seen := make(map[string]struct{})
	add := func(p string) {
		p = strings.TrimSpace(strings.Trim(p, `"'`))
		if p == "" || !strings.Contains(p, ".") {
			return
		}
		seen[p] = struct{}{}
	}
	for _, p := range t.TargetPaths {
		add(p)
	}
	for _, m := range pathToken.FindAllString(t.Description, -1) {
		add(m)
	}
	for _, ev := range t.ToolEvents {
		add(ev.Path)
		add(ev.DestPath)
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

// TouchedPaths returns only the paths the task actually mutated.
func (t *Task) TouchedPaths() []string {
	seen := make(map[string]struct{})
	for _, ev := range t.ToolEvents {
		if ev.Kind == txn.EventCommand {
			continue
		}
		if ev.Path != "" {
			seen[ev.Path] = struct{}{}
		}
		if ev.DestPath != "" {
			seen[ev.DestPath] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}
