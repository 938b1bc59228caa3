package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redsand/rev-sub002/internal/analysis"
	"github.com/redsand/rev-sub002/internal/filecache"
	"github.com/redsand/rev-sub002/internal/plan"
	"github.com/redsand/rev-sub002/internal/tools"
)

func newVerifier(t *testing.T) (*Verifier, string) {
	t.Helper()
	root := t.TempDir()
	return New(root, filecache.New(), analysis.New(), nil, 0.55), root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func TestCreationPasses(t *testing.T) {
	v, root := newVerifier(t)
	task := plan.NewTask("add helper", plan.ActionAdd)
	task.TargetPaths = []string{"lib/helper.py"}
	v.BeginTask(task)
	writeFile(t, root, "lib/helper.py", "def helper():\n    return 1\n")

	res := v.Check(context.Background(), task)
	assert.True(t, res.Passed)
	assert.False(t, res.ShouldReplan)
}

func TestCreationMissingFileFails(t *testing.T) {
	v, _ := newVerifier(t)
	task := plan.NewTask("add helper", plan.ActionAdd)
	task.TargetPaths = []string{"lib/helper.py"}
	v.BeginTask(task)

	res := v.Check(context.Background(), task)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "not created")
}

func TestCreationEmptyFileFails(t *testing.T) {
	v, root := newVerifier(t)
	task := plan.NewTask("add helper", plan.ActionAdd)
	task.TargetPaths = []string{"lib/helper.py"}
	v.BeginTask(task)
	writeFile(t, root, "lib/helper.py", "")

	res := v.Check(context.Background(), task)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "empty")
}

func TestCreationDuplicatePeerRequestsReplan(t *testing.T) {
	v, root := newVerifier(t)

	existing := `const { login } = require('../lib/auth');
test('login accepts valid credentials', () => {
  expect(login('alice', 'secret')).toBe(true);
});
test('login rejects bad password', () => {
  expect(login('alice', 'wrong')).toBe(false);
});
`
	writeFile(t, root, "tests/user.test.js", existing)

	task := plan.NewTask("add tests for user auth", plan.ActionAdd)
	task.TargetPaths = []string{"tests/user_auth.test.js"}
	v.BeginTask(task)

	near := `const { login } = require('../lib/auth');
test('login accepts valid credentials', () => {
  expect(login('alice', 'secret')).toBe(true);
});
test('login rejects bad passwords', () => {
  expect(login('alice', 'nope')).toBe(false);
});
`
	writeFile(t, root, "tests/user_auth.test.js", near)

	res := v.Check(context.Background(), task)
	require.False(t, res.Passed)
	assert.True(t, res.ShouldReplan)
	assert.Contains(t, res.Suggestion, "tests/user.test.js")
}

func TestEditRequiresModification(t *testing.T) {
	v, root := newVerifier(t)
	writeFile(t, root, "lib/auth.py", "def login():\n    pass\n")
	// Backdate so the post-edit mtime comparison is unambiguous.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "lib/auth.py"), old, old))

	task := plan.NewTask("edit login", plan.ActionEdit)
	task.TargetPaths = []string{"lib/auth.py"}
	v.BeginTask(task)

	res := v.Check(context.Background(), task)
	assert.False(t, res.Passed, "untouched target must fail")

	v.BeginTask(task)
	writeFile(t, root, "lib/auth.py", "def login(user):\n    return True\n")
	res = v.Check(context.Background(), task)
	assert.True(t, res.Passed)
}

func TestRefactorRequiresShrinkingSource(t *testing.T) {
	v, root := newVerifier(t)
	source := "class A:\n    pass\n\nclass B:\n    pass\n\nclass C:\n    pass\n"
	writeFile(t, root, "lib/m.py", source)

	task := plan.NewTask("extract A into lib/a.py", plan.ActionRefactor)
	task.TargetPaths = []string{"lib/m.py", "lib/a.py"}
	v.BeginTask(task)

	// Copy without removing from the source: must fail.
	writeFile(t, root, "lib/a.py", "class A:\n    pass\n")
	res := v.Check(context.Background(), task)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "shrank")

	// Now actually move the code.
	v.BeginTask(task)
	writeFile(t, root, "lib/a.py", "class A:\n    pass\n")
	writeFile(t, root, "lib/m.py", "class B:\n    pass\n\nclass C:\n    pass\n")
	res = v.Check(context.Background(), task)
	assert.True(t, res.Passed)
}

func TestRefactorPreservationMarkerAllowsGrowth(t *testing.T) {
	v, root := newVerifier(t)
	writeFile(t, root, "lib/m.py", "class A:\n    pass\n")

	task := plan.NewTask("restructure lib/m.py", plan.ActionRefactor)
	task.TargetPaths = []string{"lib/m.py", "lib/a.py"}
	v.BeginTask(task)

	writeFile(t, root, "lib/a.py", "class A:\n    pass\n")
	writeFile(t, root, "lib/m.py", "# rev:preserve\nclass A:\n    pass\n\nclass AExtra:\n    pass\n")

	res := v.Check(context.Background(), task)
	assert.True(t, res.Passed)
}

func TestDeleteTargetsMustBeAbsent(t *testing.T) {
	v, root := newVerifier(t)
	writeFile(t, root, "lib/old.py", "x = 1\n")

	task := plan.NewTask("remove lib/old.py", plan.ActionDelete)
	task.TargetPaths = []string{"lib/old.py"}
	v.BeginTask(task)

	res := v.Check(context.Background(), task)
	assert.False(t, res.Passed)

	require.NoError(t, os.Remove(filepath.Join(root, "lib/old.py")))
	v.BeginTask(task)
	res = v.Check(context.Background(), task)
	assert.True(t, res.Passed)
}

func TestImportCheckFailsSyntaxErrors(t *testing.T) {
	v, root := newVerifier(t)
	task := plan.NewTask("add broken module", plan.ActionAdd)
	task.TargetPaths = []string{"lib/broken.go"}
	v.BeginTask(task)
	writeFile(t, root, "lib/broken.go", "package lib\n\nfunc Broken( {\n")

	res := v.Check(context.Background(), task)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "syntax errors")
}

func TestImportCheckFailsDanglingRelativeImport(t *testing.T) {
	v, root := newVerifier(t)
	task := plan.NewTask("add consumer", plan.ActionAdd)
	task.TargetPaths = []string{"src/consumer.js"}
	v.BeginTask(task)
	writeFile(t, root, "src/consumer.js", "import { helper } from './missing';\nhelper();\n")

	res := v.Check(context.Background(), task)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "does not resolve")
}

func TestTestRunWithNothingCollectedPassesWithWarning(t *testing.T) {
	root := t.TempDir()
	reg := tools.NewRegistry()
	tools.RegisterTestTools(reg, root, time.Minute)
	v := New(root, filecache.New(), analysis.New(), reg, 0.55)

	// An empty directory has no project markers, so the runner collects
	// nothing. That must not fail the task.
	task := plan.NewTask("run the test suite", plan.ActionTest)
	res := v.Check(context.Background(), task)
	assert.True(t, res.Passed)
	assert.Contains(t, res.Message, "no tests")
}

func TestResearchTasksAlwaysPass(t *testing.T) {
	v, _ := newVerifier(t)
	task := plan.NewTask("investigate flaky test", plan.ActionResearch)
	res := v.Check(context.Background(), task)
	assert.True(t, res.Passed)
}
