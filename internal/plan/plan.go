package plan

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/redsand/rev-sub002/internal/types"
)

// ExecutionPlan is the ordered task sequence for one session.
type ExecutionPlan struct {
	SessionID    string  `json:"session_id"`
	Tasks        []*Task `json:"tasks"`
	CurrentIndex int     `json:"current_index"`
	Goals        []Goal  `json:"goals,omitempty"`
}

// NewPlan creates an empty plan with a fresh session id.
func NewPlan() *ExecutionPlan {
	return &ExecutionPlan{SessionID: "sess_" + uuid.NewString()[:8]}
}

// TaskByID returns the task with the given id, or nil.
func (p *ExecutionPlan) TaskByID(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Pending returns tasks not yet in a terminal or running state.
func (p *ExecutionPlan) Pending() []*Task {
	var out []*Task
	for _, t := range p.Tasks {
		if t.Status == StatusPending {
			out = append(out, t)
		}
	}
	return out
}

// Ready returns pending tasks whose dependencies are all completed.
func (p *ExecutionPlan) Ready() []*Task {
	var out []*Task
	for _, t := range p.Tasks {
		if t.Status != StatusPending {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			d := p.TaskByID(dep)
			if d == nil || d.Status != StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}
	return out
}

// Counts tallies tasks by terminal outcome.
func (p *ExecutionPlan) Counts() (completed, pending, failed, total int) {
	for _, t := range p.Tasks {
		switch t.Status {
		case StatusCompleted, StatusSkipped:
			completed++
		case StatusFailed:
			failed++
		default:
			pending++
		}
	}
	return completed, pending, failed, len(p.Tasks)
}

// Done reports whether every task reached a terminal state.
func (p *ExecutionPlan) Done() bool {
	for _, t := range p.Tasks {
		if !t.Terminal() {
			return false
		}
	}
	return true
}

// Validate checks plan invariants: unique ids, known dependency targets,
// and an acyclic dependency graph.
func (p *ExecutionPlan) Validate() error {
	ids := make(map[string]struct{}, len(p.Tasks))
	for _, t := range p.Tasks {
		if _, dup := ids[t.ID]; dup {
			return types.NewFailure(types.FailInvariant, false, "duplicate task id: %s", t.ID)
		}
		ids[t.ID] = struct{}{}
	}
	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := ids[dep]; !ok {
				return types.NewFailure(types.FailInvariant, false,
					"task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}
	if _, err := TopoSort(p.Tasks); err != nil {
		return err
	}
	return nil
}

// TopoSort orders tasks so dependencies precede dependents, preserving the
// original order among independent tasks. A dependency cycle is a fatal
// structured error naming the tasks involved.
func TopoSort(tasks []*Task) ([]*Task, error) {
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))
	var order []*Task

	var visit func(t *Task, chain []string) error
	visit = func(t *Task, chain []string) error {
		switch state[t.ID] {
		case done:
			return nil
		case visiting:
			return types.NewFailure(types.FailInvariant, false,
				"dependency cycle: %s", strings.Join(append(chain, t.ID), " -> ")).
				WithHint("remove one dependency edge from the cycle")
		}
		state[t.ID] = visiting
		for _, dep := range t.Dependencies {
			d, ok := byID[dep]
			if !ok {
				continue // Validate reports unknown deps separately
			}
			if err := visit(d, append(chain, t.ID)); err != nil {
				return err
			}
		}
		state[t.ID] = done
		order = append(order, t)
		return nil
	}

	for _, t := range tasks {
		if err := visit(t, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Summary renders a one-line-per-task view for prompts and logs.
func (p *ExecutionPlan) Summary() string {
	var b strings.Builder
	for i, t := range p.Tasks {
		fmt.Fprintf(&b, "%d. [%s/%s] %s", i+1, t.ActionType, t.Status, t.Description)
		if len(t.Dependencies) > 0 {
			fmt.Fprintf(&b, " (after %s)", strings.Join(t.Dependencies, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ReplaceTail swaps every pending task for the new tail, keeping completed,
// failed, and in-flight tasks in place. Used by replanning.
func (p *ExecutionPlan) ReplaceTail(tail []*Task) {
	var kept []*Task
	for _, t := range p.Tasks {
		if t.Status != StatusPending {
			kept = append(kept, t)
		}
	}
	p.Tasks = append(kept, tail...)
	if p.CurrentIndex > len(kept) {
		p.CurrentIndex = len(kept)
	}
}
