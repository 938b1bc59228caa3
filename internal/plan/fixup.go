package plan

import (
	"path/filepath"
	"strings"

	"github.com/redsand/rev-sub002/internal/analysis"
	"github.com/redsand/rev-sub002/internal/logging"
)

// FileChecker answers existence and neighborhood questions about the
// repository, normally backed by a repocontext snapshot.
type FileChecker interface {
	HasFile(rel string) bool
	SameDirFiles(rel string) []string
}

// reuseSimilarity is the filename similarity above which an add target is
// considered a duplicate of an existing file.
const reuseSimilarity = 0.7

// Fixup applies the deterministic post-LM policies in order: reuse-first,
// test-first, coverage. The returned plan is topologically sorted; a
// dependency cycle surfaces as a structured error.
func Fixup(p *ExecutionPlan, files FileChecker) error {
	applyReuseFirst(p, files)
	applyTestFirst(p)
	applyCoverage(p)

	sorted, err := TopoSort(p.Tasks)
	if err != nil {
		return err
	}
	p.Tasks = sorted
	return nil
}

// applyReuseFirst downgrades add tasks whose targets substantially overlap
// pre-existing files, substituting edit with a rationale note.
func applyReuseFirst(p *ExecutionPlan, files FileChecker) {
	if files == nil {
		return
	}
	for _, t := range p.Tasks {
		if t.ActionType != ActionAdd {
			continue
		}
		for _, target := range t.TargetPaths {
			if files.HasFile(target) {
				t.ActionType = ActionEdit
				t.AddNote("downgraded add to edit: %s already exists", target)
				logging.PlannerDebug("reuse-first: %s add->edit (%s exists)", t.ID, target)
				break
			}
			if peer := similarPeer(target, files.SameDirFiles(target)); peer != "" {
				t.ActionType = ActionEdit
				t.TargetPaths = replacePath(t.TargetPaths, target, peer)
				t.AddNote("downgraded add to edit: %s is highly similar to existing %s", target, peer)
				logging.PlannerDebug("reuse-first: %s add->edit (%s ~ %s)", t.ID, target, peer)
				break
			}
		}
	}
}

// similarPeer finds a same-directory file whose name is near-identical to
// the proposed target.
func similarPeer(target string, peers []string) string {
	base := filepath.Base(target)
	ext := filepath.Ext(base)
	for _, peer := range peers {
		pb := filepath.Base(peer)
		if filepath.Ext(pb) != ext {
			continue
		}
		if analysis.NGramJaccard(strings.TrimSuffix(base, ext), strings.TrimSuffix(pb, ext), 2) >= reuseSimilarity {
			return peer
		}
	}
	return ""
}

func replacePath(paths []string, old, new string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if p == old {
			out[i] = new
		} else {
			out[i] = p
		}
	}
	return out
}

// applyTestFirst inserts a test-authoring task ahead of each feature-adding
// task that has no test task among its dependencies.
func applyTestFirst(p *ExecutionPlan) {
	var inserted []*Task
	for _, t := range p.Tasks {
		if t.ActionType != ActionAdd {
			continue
		}
		if hasTestDependency(p, t) {
			continue
		}
		target := firstTarget(t)
		desc := "Write tests covering: " + t.Description
		if target != "" {
			desc = "Write tests for " + target + " before implementing it"
		}
		testTask := NewTask(desc, ActionTest)
		testTask.TargetPaths = t.TargetPaths
		testTask.AddNote("inserted by test-first policy for %s", t.ID)
		t.Dependencies = append(t.Dependencies, testTask.ID)
		inserted = append(inserted, testTask)
		logging.PlannerDebug("test-first: inserted %s before %s", testTask.ID, t.ID)
	}
	if len(inserted) > 0 {
		p.Tasks = append(inserted, p.Tasks...)
	}
}

func hasTestDependency(p *ExecutionPlan, t *Task) bool {
	for _, dep := range t.Dependencies {
		if d := p.TaskByID(dep); d != nil && d.ActionType == ActionTest {
			return true
		}
	}
	return false
}

// applyCoverage guarantees every code-changing task is inside the
// dependency closure of some test-execution task, appending one final test
// run covering the stragglers when needed.
func applyCoverage(p *ExecutionPlan) {
	covered := make(map[string]bool)
	for _, t := range p.Tasks {
		if t.ActionType != ActionTest {
			continue
		}
		markClosure(p, t, covered)
	}

	var uncovered []string
	for _, t := range p.Tasks {
		if t.ActionType.changesCode() && !covered[t.ID] {
			uncovered = append(uncovered, t.ID)
		}
	}
	if len(uncovered) == 0 {
		return
	}

	runTask := NewTask("Run the test suite to validate the preceding changes", ActionTest)
	runTask.Dependencies = uncovered
	runTask.AddNote("appended by coverage policy for %s", strings.Join(uncovered, ", "))
	p.Tasks = append(p.Tasks, runTask)
	logging.PlannerDebug("coverage: appended %s covering %d tasks", runTask.ID, len(uncovered))
}

// markClosure marks every task reachable through the test task's
// dependency edges.
func markClosure(p *ExecutionPlan, t *Task, covered map[string]bool) {
	for _, dep := range t.Dependencies {
		if covered[dep] {
			continue
		}
		covered[dep] = true
		if d := p.TaskByID(dep); d != nil {
			markClosure(p, d, covered)
		}
	}
}

func firstTarget(t *Task) string {
	if len(t.TargetPaths) > 0 {
		return t.TargetPaths[0]
	}
	return ""
}
