// Package checkpoint serializes plan progress so an interrupted or
// budget-stopped run can continue later. One self-describing JSON document
// per checkpoint; the directory retains the newest K by count.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/plan"
)

// Version identifies the document schema.
const Version = "1"

// ResumeInfo summarizes plan progress for humans and for the resume banner.
type ResumeInfo struct {
	TasksCompleted      int    `json:"tasks_completed"`
	TasksPending        int    `json:"tasks_pending"`
	TasksFailed         int    `json:"tasks_failed"`
	TasksTotal          int    `json:"tasks_total"`
	NextTaskDescription string `json:"next_task_description,omitempty"`
	ProgressPercent     int    `json:"progress_percent"`
}

// Document is one serialized checkpoint.
type Document struct {
	Version          string              `json:"version"`
	SessionID        string              `json:"session_id"`
	CheckpointNumber int                 `json:"checkpoint_number"`
	Timestamp        string              `json:"timestamp"` // ISO-8601
	Plan             *plan.ExecutionPlan `json:"plan"`
	ResumeInfo       ResumeInfo          `json:"resume_info"`
}

// Manager writes and loads checkpoints for one session.
type Manager struct {
	dir  string
	keep int
	next int
}

// NewManager creates a manager over the checkpoint directory, retaining the
// newest keep entries.
func NewManager(dir string, keep int) *Manager {
	if keep < 1 {
		keep = 10
	}
	return &Manager{dir: dir, keep: keep, next: 1}
}

// Save serializes the plan and prunes old checkpoints. Returns the path of
// the written document.
func (m *Manager) Save(p *plan.ExecutionPlan) (string, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	doc := Document{
		Version:          Version,
		SessionID:        p.SessionID,
		CheckpointNumber: m.next,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		Plan:             p,
		ResumeInfo:       buildResumeInfo(p),
	}

	name := fmt.Sprintf("checkpoint_%s_%04d_%s.json",
		p.SessionID, doc.CheckpointNumber,
		time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(m.dir, name)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	m.next++

	m.prune()
	logging.Checkpoint("saved %s (%d/%d tasks done)", name,
		doc.ResumeInfo.TasksCompleted, doc.ResumeInfo.TasksTotal)
	return path, nil
}

// prune removes the oldest checkpoints beyond the retention count.
func (m *Manager) prune() {
	names, err := m.list()
	if err != nil || len(names) <= m.keep {
		return
	}
	for _, name := range names[:len(names)-m.keep] {
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			logging.CheckpointDebug("prune %s: %v", name, err)
		}
	}
}

// list returns checkpoint file names sorted oldest first. The zero-padded
// number and the timestamp make lexical order chronological.
func (m *Manager) list() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "checkpoint_") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Latest loads the most recent checkpoint in the directory.
func (m *Manager) Latest() (*Document, error) {
	names, err := m.list()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no checkpoints in %s", m.dir)
	}
	return m.Load(filepath.Join(m.dir, names[len(names)-1]))
}

// Load reads one checkpoint document by path.
func (m *Manager) Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", filepath.Base(path), err)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("checkpoint %s has unsupported version %q", filepath.Base(path), doc.Version)
	}
	// Numbering continues past the loaded document.
	if doc.CheckpointNumber >= m.next {
		m.next = doc.CheckpointNumber + 1
	}
	return &doc, nil
}

// Resume prepares a loaded plan for re-execution: tasks caught mid-flight or
// stopped by an interrupt go back to pending.
func Resume(doc *Document) *plan.ExecutionPlan {
	p := doc.Plan
	reset := 0
	for _, t := range p.Tasks {
		switch t.Status {
		case plan.StatusInProgress, plan.StatusStopped:
			t.Status = plan.StatusPending
			t.StartedAt = time.Time{}
			reset++
		}
	}
	if reset > 0 {
		logging.Checkpoint("resume: reset %d interrupted tasks to pending", reset)
	}
	return p
}

func buildResumeInfo(p *plan.ExecutionPlan) ResumeInfo {
	info := ResumeInfo{TasksTotal: len(p.Tasks)}
	for _, t := range p.Tasks {
		switch t.Status {
		case plan.StatusCompleted, plan.StatusSkipped:
			info.TasksCompleted++
		case plan.StatusFailed:
			info.TasksFailed++
		default:
			if info.NextTaskDescription == "" {
				info.NextTaskDescription = t.Description
			}
			info.TasksPending++
		}
	}
	if info.TasksTotal > 0 {
		info.ProgressPercent = info.TasksCompleted * 100 / info.TasksTotal
	}
	return info
}
