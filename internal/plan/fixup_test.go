package plan

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo implements FileChecker over a fixed listing.
type fakeRepo struct{ files []string }

func (f *fakeRepo) HasFile(rel string) bool {
	for _, p := range f.files {
		if p == rel {
			return true
		}
	}
	return false
}

func (f *fakeRepo) SameDirFiles(rel string) []string {
	dir := filepath.Dir(rel)
	var out []string
	for _, p := range f.files {
		if filepath.Dir(p) == dir && p != rel {
			out = append(out, p)
		}
	}
	return out
}

func TestReuseFirstDowngradesExistingTarget(t *testing.T) {
	task := NewTask("create config loader", ActionAdd)
	task.TargetPaths = []string{"internal/config.go"}
	p := NewPlan()
	p.Tasks = []*Task{task}

	repo := &fakeRepo{files: []string{"internal/config.go"}}
	require.NoError(t, Fixup(p, repo))

	assert.Equal(t, ActionEdit, task.ActionType)
	require.NotEmpty(t, task.Notes)
	assert.Contains(t, task.Notes[0], "already exists")
}

func TestReuseFirstMatchesSimilarPeer(t *testing.T) {
	task := NewTask("create auth utilities", ActionAdd)
	task.TargetPaths = []string{"lib/auth_utils.py"}
	p := NewPlan()
	p.Tasks = []*Task{task}

	repo := &fakeRepo{files: []string{"lib/auth_util.py"}}
	require.NoError(t, Fixup(p, repo))

	assert.Equal(t, ActionEdit, task.ActionType)
	assert.Equal(t, []string{"lib/auth_util.py"}, task.TargetPaths)
}

func TestTestFirstInsertsAuthoringTask(t *testing.T) {
	impl := NewTask("add rate limiter", ActionAdd)
	impl.TargetPaths = []string{"internal/ratelimit.go"}
	p := NewPlan()
	p.Tasks = []*Task{impl}

	require.NoError(t, Fixup(p, &fakeRepo{}))

	// A test-authoring task precedes the implementation and the
	// implementation depends on it.
	var testTask *Task
	for _, task := range p.Tasks {
		if task.ActionType == ActionTest && task.ID != impl.ID && len(task.Dependencies) == 0 {
			testTask = task
			break
		}
	}
	require.NotNil(t, testTask)
	assert.Contains(t, impl.Dependencies, testTask.ID)

	implIdx, testIdx := -1, -1
	for i, task := range p.Tasks {
		if task.ID == impl.ID {
			implIdx = i
		}
		if task.ID == testTask.ID {
			testIdx = i
		}
	}
	assert.Less(t, testIdx, implIdx)
}

func TestCoverageAppendsTestRun(t *testing.T) {
	edit := NewTask("tighten validation", ActionEdit)
	p := NewPlan()
	p.Tasks = []*Task{edit}

	require.NoError(t, Fixup(p, &fakeRepo{}))

	last := p.Tasks[len(p.Tasks)-1]
	assert.Equal(t, ActionTest, last.ActionType)
	assert.Contains(t, last.Dependencies, edit.ID)
}

func TestCoverageSkipsAlreadyCovered(t *testing.T) {
	edit := NewTask("tighten validation", ActionEdit)
	run := NewTask("run the suite", ActionTest)
	run.Dependencies = []string{edit.ID}
	p := NewPlan()
	p.Tasks = []*Task{edit, run}

	require.NoError(t, Fixup(p, &fakeRepo{}))
	assert.Len(t, p.Tasks, 2, "no extra test task appended")
}
