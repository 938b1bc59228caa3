// Package verify implements the post-task checker. Checks are
// action-type-specific: creation tasks are checked for existence and
// duplicate peers, edits for freshness, refactors for extraction progress,
// test tasks for the runner outcome. A failure either requests a replan or
// routes the task back through the bounded retry path.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redsand/rev-sub002/internal/analysis"
	"github.com/redsand/rev-sub002/internal/filecache"
	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/plan"
	"github.com/redsand/rev-sub002/internal/tools"
)

// Result is the verifier's verdict for one task.
type Result struct {
	Passed  bool     `json:"passed"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`

	// ShouldReplan requests that the orchestrator drop the plan tail and
	// regenerate it from current state instead of retrying the task.
	ShouldReplan bool `json:"should_replan"`
	// Suggestion is an actionable alternative fed into the replan prompt,
	// e.g. "edit tests/user.test.js instead of creating a new file".
	Suggestion string `json:"suggestion,omitempty"`
}

func pass(message string, details ...string) *Result {
	return &Result{Passed: true, Message: message, Details: details}
}

func fail(message string, details ...string) *Result {
	return &Result{Passed: false, Message: message, Details: details}
}

// pathState is the per-path snapshot taken at task start, used by the edit
// freshness check and the refactor shrink check.
type pathState struct {
	existed bool
	size    int64
	mtime   time.Time
}

// Verifier checks completed tasks against the filesystem and the analysis
// caches. One instance serves a whole run.
type Verifier struct {
	root      string
	cache     *filecache.Cache
	caches    *analysis.Caches
	registry  *tools.Registry
	threshold float64

	mu        sync.Mutex
	snapshots map[string]map[string]pathState // task id -> path -> state
}

// New creates a verifier rooted at the workspace. threshold is the
// duplicate-peer similarity cutoff in [0,1].
func New(root string, cache *filecache.Cache, caches *analysis.Caches, registry *tools.Registry, threshold float64) *Verifier {
	return &Verifier{
		root:      root,
		cache:     cache,
		caches:    caches,
		registry:  registry,
		threshold: threshold,
		snapshots: make(map[string]map[string]pathState),
	}
}

// BeginTask snapshots the current state of the task's target paths. The
// orchestrator calls this immediately before dispatching the task; Check
// compares against it.
func (v *Verifier) BeginTask(task *plan.Task) {
	states := make(map[string]pathState, len(task.TargetPaths))
	for _, p := range task.TargetPaths {
		abs := filepath.Join(v.root, p)
		info, err := os.Stat(abs)
		if err != nil {
			states[p] = pathState{}
			continue
		}
		states[p] = pathState{existed: true, size: info.Size(), mtime: info.ModTime()}
	}
	v.mu.Lock()
	v.snapshots[task.ID] = states
	v.mu.Unlock()
}

// Check verifies a completed task. It never returns an error: every problem
// is expressed in the Result so the orchestrator can route recovery.
func (v *Verifier) Check(ctx context.Context, task *plan.Task) *Result {
	var res *Result
	switch task.ActionType {
	case plan.ActionAdd:
		res = v.checkCreation(task)
	case plan.ActionEdit, plan.ActionFix, plan.ActionDebug:
		res = v.checkEdit(task)
	case plan.ActionRefactor:
		res = v.checkRefactor(task)
	case plan.ActionTest:
		res = v.checkTest(ctx, task)
	case plan.ActionDelete:
		res = v.checkDelete(task)
	case plan.ActionMove:
		res = v.checkMove(task)
	default:
		res = pass("no filesystem checks for " + string(task.ActionType) + " tasks")
	}

	if res.Passed {
		if imp := v.checkImports(ctx, task); imp != nil && !imp.Passed {
			res = imp
		}
	}

	v.mu.Lock()
	delete(v.snapshots, task.ID)
	v.mu.Unlock()

	logging.Verify("task %s (%s): passed=%v replan=%v: %s",
		task.ID, task.ActionType, res.Passed, res.ShouldReplan, res.Message)
	return res
}

func (v *Verifier) startState(taskID, path string) (pathState, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	states, ok := v.snapshots[taskID]
	if !ok {
		return pathState{}, false
	}
	st, ok := states[path]
	return st, ok
}

// checkCreation verifies every target exists with content, and that no
// highly similar peer already lived in the same directory.
func (v *Verifier) checkCreation(task *plan.Task) *Result {
	targets := v.targets(task)
	if len(targets) == 0 {
		return pass("creation task declared no target paths")
	}
	var details []string
	for _, rel := range targets {
		abs := filepath.Join(v.root, rel)
		info, err := os.Stat(abs)
		if err != nil {
			return fail(fmt.Sprintf("expected file %s was not created", rel))
		}
		if info.Size() == 0 {
			return fail(fmt.Sprintf("created file %s is empty", rel))
		}

		if peer, score := v.similarPeer(rel); peer != "" {
			return &Result{
				Passed:       false,
				ShouldReplan: true,
				Message: fmt.Sprintf("created %s duplicates existing %s (similarity %.2f)",
					rel, peer, score),
				Suggestion: fmt.Sprintf("edit the existing file %s instead of creating %s", peer, rel),
			}
		}
		details = append(details, fmt.Sprintf("%s: %d bytes", rel, info.Size()))
	}
	return pass("all created files present", details...)
}

// similarPeer compares the new file against its same-directory,
// same-extension siblings by name and content trigram similarity. The
// highest score at or above the threshold wins.
func (v *Verifier) similarPeer(rel string) (string, float64) {
	abs := filepath.Join(v.root, rel)
	dir := filepath.Dir(abs)
	ext := filepath.Ext(rel)
	base := strings.TrimSuffix(filepath.Base(rel), ext)

	content, err := v.cache.Get(abs)
	if err != nil {
		return "", 0
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0
	}

	bestPeer, bestScore := "", 0.0
	for _, e := range entries {
		if e.IsDir() || e.Name() == filepath.Base(rel) || filepath.Ext(e.Name()) != ext {
			continue
		}
		peerBase := strings.TrimSuffix(e.Name(), ext)
		score := analysis.NGramJaccard(base, peerBase, 2)

		if peerContent, err := v.cache.Get(filepath.Join(dir, e.Name())); err == nil {
			if cs := analysis.NGramJaccard(string(content), string(peerContent), 3); cs > score {
				score = cs
			}
		}
		if score > bestScore {
			bestScore = score
			bestPeer = filepath.Join(filepath.Dir(rel), e.Name())
		}
	}
	if bestScore >= v.threshold {
		return bestPeer, bestScore
	}
	return "", 0
}

// checkEdit verifies the target exists and was actually modified after the
// task started.
func (v *Verifier) checkEdit(task *plan.Task) *Result {
	targets := v.targets(task)
	if len(targets) == 0 {
		return pass("edit task declared no target paths")
	}
	touched := false
	for _, rel := range targets {
		abs := filepath.Join(v.root, rel)
		info, err := os.Stat(abs)
		if err != nil {
			return fail(fmt.Sprintf("edit target %s does not exist", rel))
		}
		st, ok := v.startState(task.ID, rel)
		if !ok || !st.existed || info.ModTime().After(st.mtime) {
			touched = true
		}
	}
	if !touched {
		return fail("no edit target was modified since the task started").
			withDetail("the agent may have only read files; the change is missing")
	}
	return pass("edit targets modified")
}

func (r *Result) withDetail(d string) *Result {
	r.Details = append(r.Details, d)
	return r
}

// preservationMarker flags intentional expansion of a refactor source.
const preservationMarker = "rev:preserve"

// checkRefactor verifies the extraction made progress: new files exist and
// the source shrank, unless a preservation marker declares the expansion
// intentional.
func (v *Verifier) checkRefactor(task *plan.Task) *Result {
	var created, shrank, preserved []string
	for _, rel := range v.targets(task) {
		abs := filepath.Join(v.root, rel)
		info, err := os.Stat(abs)
		st, hadStart := v.startState(task.ID, rel)

		if hadStart && !st.existed {
			// Expected new file.
			if err != nil {
				return fail(fmt.Sprintf("expected extracted file %s was not created", rel))
			}
			created = append(created, rel)
			continue
		}
		if err != nil {
			// Source removed entirely counts as shrinking.
			shrank = append(shrank, rel)
			continue
		}
		if hadStart && info.Size() < st.size {
			shrank = append(shrank, rel)
			continue
		}
		if content, cerr := v.cache.Get(abs); cerr == nil && strings.Contains(string(content), preservationMarker) {
			preserved = append(preserved, rel)
		}
	}

	if len(created) > 0 && len(shrank) == 0 && len(preserved) == 0 {
		return fail("extracted files exist but no source file shrank").
			withDetail("code may have been copied instead of moved")
	}
	return pass(fmt.Sprintf("refactor verified: %d new, %d reduced", len(created), len(shrank)))
}

// checkTest re-runs the suite through the registry's run_tests tool and
// parses the runner outcome. An empty collection is pass-with-warning.
func (v *Verifier) checkTest(ctx context.Context, task *plan.Task) *Result {
	if v.registry == nil || !v.registry.Has("run_tests") {
		return pass("no test runner registered; accepting agent result")
	}
	res, err := v.registry.Execute(ctx, "run_tests", map[string]any{})
	if err != nil {
		return fail("test run could not be executed").withDetail(err.Error())
	}

	var outcome struct {
		Status  string `json:"status"`
		Passed  int    `json:"passed"`
		Failed  int    `json:"failed"`
		Warning string `json:"warning,omitempty"`
		Output  string `json:"output,omitempty"`
	}
	if jerr := json.Unmarshal([]byte(res.Output), &outcome); jerr != nil {
		return fail("test runner output was not parseable").withDetail(res.Output)
	}

	switch outcome.Status {
	case "passed":
		if outcome.Warning != "" {
			return pass("tests passed with warning", outcome.Warning)
		}
		return pass(fmt.Sprintf("tests passed: %d", outcome.Passed))
	case "no_tests":
		return pass("no tests collected", outcome.Warning)
	case "failed":
		return fail(fmt.Sprintf("tests failed: %d failing", outcome.Failed)).
			withDetail(outcome.Output)
	default:
		return fail("test runner reported status " + outcome.Status)
	}
}

func (v *Verifier) checkDelete(task *plan.Task) *Result {
	for _, rel := range v.targets(task) {
		if _, err := os.Stat(filepath.Join(v.root, rel)); err == nil {
			return fail(fmt.Sprintf("file %s still exists after delete task", rel))
		}
	}
	return pass("deleted files are absent")
}

func (v *Verifier) checkMove(task *plan.Task) *Result {
	// Move events carry both endpoints; fall back to target paths when the
	// agent used write+delete instead of move_file.
	for _, ev := range task.ToolEvents {
		if ev.DestPath == "" {
			continue
		}
		if _, err := os.Stat(ev.DestPath); err != nil {
			return fail(fmt.Sprintf("move destination %s does not exist", ev.DestPath))
		}
		if _, err := os.Stat(ev.Path); err == nil {
			return fail(fmt.Sprintf("move source %s still exists", ev.Path))
		}
	}
	return pass("move endpoints verified")
}

// checkImports runs the syntactic import subcheck on every supported-language
// target that exists. Parse errors and dangling relative imports fail the
// task.
func (v *Verifier) checkImports(ctx context.Context, task *plan.Task) *Result {
	if v.caches == nil {
		return nil
	}
	for _, rel := range v.targets(task) {
		abs := filepath.Join(v.root, rel)
		content, err := v.cache.Get(abs)
		if err != nil {
			continue
		}
		ast, perr := v.caches.Parse(ctx, abs, content)
		if perr != nil || ast == nil {
			continue
		}
		if ast.HasErrors {
			return fail(fmt.Sprintf("%s has syntax errors after the change", rel))
		}
		for _, imp := range ast.Imports {
			if broken, resolved := v.brokenRelativeImport(abs, ast.Language, imp); broken {
				return fail(fmt.Sprintf("%s imports %s which does not resolve", rel, imp)).
					withDetail("looked for " + resolved)
			}
		}
	}
	return nil
}

// brokenRelativeImport resolves relative imports against the importing
// file's directory. Package-qualified imports are out of scope for a
// syntactic check.
func (v *Verifier) brokenRelativeImport(fromAbs, lang, imp string) (bool, string) {
	if lang != "javascript" || !strings.HasPrefix(imp, ".") {
		return false, ""
	}
	base := filepath.Join(filepath.Dir(fromAbs), imp)
	candidates := []string{
		base, base + ".js", base + ".mjs", base + ".ts", base + ".tsx", base + ".jsx",
		filepath.Join(base, "index.js"), filepath.Join(base, "index.ts"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return false, ""
		}
	}
	return true, base
}

// targets returns the task's declared target paths, falling back to the
// paths its tool events actually touched.
func (v *Verifier) targets(task *plan.Task) []string {
	if len(task.TargetPaths) > 0 {
		return task.TargetPaths
	}
	var rels []string
	for _, p := range task.TouchedPaths() {
		if rel, err := filepath.Rel(v.root, p); err == nil && !strings.HasPrefix(rel, "..") {
			rels = append(rels, rel)
		}
	}
	return rels
}
