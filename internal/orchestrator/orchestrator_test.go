package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/redsand/rev-sub002/internal/agents"
	"github.com/redsand/rev-sub002/internal/config"
	"github.com/redsand/rev-sub002/internal/llm"
	"github.com/redsand/rev-sub002/internal/plan"
	"github.com/redsand/rev-sub002/internal/store"
	"github.com/redsand/rev-sub002/internal/types"
)

func TestMain(m *testing.M) {
	// The sqlite driver's opencensus dependency starts a process-lifetime
	// stats worker that is not ours to stop.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.EnableResearch = false
	cfg.EnableReview = false
	cfg.EnableLearning = false
	cfg.DisableFileWatch = true
	cfg.MaxRetries = 0
	cfg.InitialTimeout = 5 * time.Second
	return cfg
}

func newOrchestrator(t *testing.T, cfg *config.Config, mock *llm.MockBackend) *Orchestrator {
	t.Helper()
	client := llm.NewWithBackend(mock, "mock-model", cfg, nil)
	o, err := New(cfg, Deps{Client: client})
	require.NoError(t, err)
	return o
}

func seed(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

// call classification helpers for scripted responders.

func isPlannerCall(call llm.MockCall) bool {
	return len(call.Tools) > 0 && call.Tools[0].Name == "submit_plan"
}

func isReplanCall(call llm.MockCall) bool {
	if !isPlannerCall(call) {
		return false
	}
	for _, m := range call.Messages {
		if strings.Contains(m.Content, "Replanning") {
			return true
		}
	}
	return false
}

func lastMessage(call llm.MockCall) types.Message {
	return call.Messages[len(call.Messages)-1]
}

func taskPrompt(call llm.MockCall) string {
	for _, m := range call.Messages {
		if m.Role == "user" && strings.Contains(m.Content, "## Task") {
			return m.Content
		}
	}
	return ""
}

func planResponse(tasks ...map[string]any) *types.ChatResponse {
	items := make([]any, len(tasks))
	for i, task := range tasks {
		items[i] = task
	}
	return &types.ChatResponse{
		ToolCalls: []types.ToolCall{{
			ID:   "plan_1",
			Name: "submit_plan",
			Input: map[string]any{
				"tasks": items,
			},
		}},
		StopReason: "tool_use",
	}
}

func toolCall(name string, args map[string]any) *types.ChatResponse {
	return &types.ChatResponse{
		ToolCalls:  []types.ToolCall{{ID: "c1", Name: name, Input: args}},
		StopReason: "tool_use",
		Usage:      types.UsageMetadata{TotalTokens: 20},
	}
}

func sentinel() *types.ChatResponse {
	return &types.ChatResponse{Text: agents.SentinelDone, StopReason: "stop"}
}

func TestRunCompletesSimplePlan(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg.Workspace, "lib/greet.py", "GREETING = 'hi'\n")

	mock := llm.NewMockBackend()
	mock.Respond = func(call llm.MockCall) (*types.ChatResponse, error) {
		switch {
		case isPlannerCall(call):
			return planResponse(map[string]any{
				"description":  "Update the greeting constant in lib/greet.py",
				"action_type":  "edit",
				"target_paths": []any{"lib/greet.py"},
			}), nil
		case lastMessage(call).Role == "tool":
			return sentinel(), nil
		case strings.Contains(taskPrompt(call), "greet"):
			return toolCall("write_file", map[string]any{
				"path": "lib/greet.py", "content": "GREETING = 'hello'\n",
			}), nil
		default:
			return sentinel(), nil
		}
	}

	o := newOrchestrator(t, cfg, mock)
	res, err := o.Run(context.Background(), "Update the greeting constant in lib/greet.py")
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, res.Phase)
	assert.Equal(t, ExitOK, res.ExitCode)
	assert.True(t, res.Plan.Done())

	data, err := os.ReadFile(filepath.Join(cfg.Workspace, "lib/greet.py"))
	require.NoError(t, err)
	assert.Equal(t, "GREETING = 'hello'\n", string(data))
}

func TestDuplicateFilePreventionTriggersReplan(t *testing.T) {
	cfg := testConfig(t)
	existing := `const { login } = require('../lib/auth');
test('login accepts valid credentials', () => {
  expect(login('alice', 'secret')).toBe(true);
});
`
	seed(t, cfg.Workspace, "tests/user.test.js", existing)

	planCalls := 0
	mock := llm.NewMockBackend()
	mock.Respond = func(call llm.MockCall) (*types.ChatResponse, error) {
		switch {
		case isReplanCall(call):
			return planResponse(map[string]any{
				"description":  "Extend the existing suite in tests/user.test.js with auth edge cases",
				"action_type":  "edit",
				"target_paths": []any{"tests/user.test.js"},
			}), nil
		case isPlannerCall(call):
			planCalls++
			return planResponse(map[string]any{
				"description":  "Create tests/user_auth.test.js covering auth edge cases",
				"action_type":  "add",
				"target_paths": []any{"tests/user_auth.test.js"},
			}), nil
		case lastMessage(call).Role == "tool":
			return sentinel(), nil
		case strings.Contains(taskPrompt(call), "user_auth.test.js"):
			// Near-copy of the existing suite: the verifier must flag it.
			return toolCall("write_file", map[string]any{
				"path":    "tests/user_auth.test.js",
				"content": strings.Replace(existing, "secret", "secret2", 1),
			}), nil
		case strings.Contains(taskPrompt(call), "user.test.js"):
			return toolCall("write_file", map[string]any{
				"path":    "tests/user.test.js",
				"content": existing + "test('login rejects bad password', () => {\n  expect(login('alice', 'no')).toBe(false);\n});\n",
			}), nil
		default:
			return sentinel(), nil
		}
	}

	o := newOrchestrator(t, cfg, mock)
	res, err := o.Run(context.Background(), "Cover user auth edge cases in the suite")
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, res.Phase)
	assert.Equal(t, ExitOK, res.ExitCode)

	// The duplicate was rolled back by the failed-task path? No: replan
	// supersedes it; the file the verifier flagged stays out of the suite.
	var superseded *plan.Task
	for _, task := range res.Plan.Tasks {
		if task.Status == plan.StatusSkipped && strings.Contains(task.Error, "duplicates") {
			superseded = task
		}
	}
	require.NotNil(t, superseded, "duplicate-creating task must be superseded by the replan")

	data, err := os.ReadFile(filepath.Join(cfg.Workspace, "tests/user.test.js"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "rejects bad password")
}

func TestBudgetExhaustionStopsWithCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSteps = 1
	seed(t, cfg.Workspace, "lib/a.py", "x = 1\n")

	mock := llm.NewMockBackend()
	mock.Respond = func(call llm.MockCall) (*types.ChatResponse, error) {
		if isPlannerCall(call) {
			return planResponse(
				map[string]any{"description": "Edit lib/a.py", "action_type": "edit", "target_paths": []any{"lib/a.py"}},
				map[string]any{"description": "Edit lib/b.py", "action_type": "edit", "target_paths": []any{"lib/b.py"}},
			), nil
		}
		return toolCall("write_file", map[string]any{"path": "lib/a.py", "content": "x = 2\n"}), nil
	}

	o := newOrchestrator(t, cfg, mock)
	res, err := o.Run(context.Background(), "Touch both files")
	require.NoError(t, err)

	assert.Equal(t, PhaseStopped, res.Phase)
	assert.Equal(t, ExitBudgetExhausted, res.ExitCode)
	assert.NotEmpty(t, res.CheckpointPath)
	assert.FileExists(t, res.CheckpointPath)

	for _, outcome := range res.GoalOutcomes {
		assert.Equal(t, plan.MetricUnknown, outcome)
	}
}

func TestInterruptAndResume(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg.Workspace, "lib/a.py", "a = 1\n")
	seed(t, cfg.Workspace, "lib/b.py", "b = 1\n")

	var o *Orchestrator
	interruptOnB := true
	mock := llm.NewMockBackend()
	mock.Respond = func(call llm.MockCall) (*types.ChatResponse, error) {
		switch {
		case isPlannerCall(call):
			return planResponse(
				map[string]any{"description": "Edit lib/a.py", "action_type": "edit", "target_paths": []any{"lib/a.py"}},
				map[string]any{"description": "Edit lib/b.py", "action_type": "edit", "target_paths": []any{"lib/b.py"}},
			), nil
		case lastMessage(call).Role == "tool":
			return sentinel(), nil
		case strings.Contains(taskPrompt(call), "lib/a.py"):
			return toolCall("write_file", map[string]any{"path": "lib/a.py", "content": "a = 2\n"}), nil
		case strings.Contains(taskPrompt(call), "lib/b.py"):
			if interruptOnB {
				o.Interrupt()
			}
			return toolCall("write_file", map[string]any{"path": "lib/b.py", "content": "b = 2\n"}), nil
		default:
			return sentinel(), nil
		}
	}

	o = newOrchestrator(t, cfg, mock)
	res, err := o.Run(context.Background(), "Update both modules")
	require.NoError(t, err)
	require.Equal(t, PhaseStopped, res.Phase)
	require.Equal(t, ExitInterrupted, res.ExitCode)
	require.NotEmpty(t, res.CheckpointPath)

	// The interrupted task is pending again after resume.
	interruptOnB = false
	o2 := newOrchestrator(t, cfg, mock)
	doc, err := o2.ckpts.Latest()
	require.NoError(t, err)

	res2, err := o2.Resume(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, res2.Phase)
	assert.Equal(t, ExitOK, res2.ExitCode)
	assert.True(t, res2.Plan.Done())

	data, err := os.ReadFile(filepath.Join(cfg.Workspace, "lib/b.py"))
	require.NoError(t, err)
	assert.Equal(t, "b = 2\n", string(data))
}

func TestPhaseClientOverrideRoutesPlanning(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg.Workspace, "lib/a.py", "a = 1\n")

	planMock := llm.NewMockBackend()
	planMock.Respond = func(call llm.MockCall) (*types.ChatResponse, error) {
		return planResponse(map[string]any{
			"description":  "Edit lib/a.py",
			"action_type":  "edit",
			"target_paths": []any{"lib/a.py"},
		}), nil
	}
	execMock := llm.NewMockBackend()
	execMock.Respond = func(call llm.MockCall) (*types.ChatResponse, error) {
		if lastMessage(call).Role == "tool" {
			return sentinel(), nil
		}
		return toolCall("write_file", map[string]any{"path": "lib/a.py", "content": "a = 2\n"}), nil
	}

	o, err := New(cfg, Deps{
		Client: llm.NewWithBackend(execMock, "mock-model", cfg, nil),
		PhaseClients: map[string]types.LLMClient{
			"planning": llm.NewWithBackend(planMock, "mock-model", cfg, nil),
		},
	})
	require.NoError(t, err)

	res, err := o.Run(context.Background(), "Update lib/a.py")
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, res.Phase)

	require.NotEmpty(t, planMock.Calls())
	for _, call := range planMock.Calls() {
		assert.True(t, isPlannerCall(call), "the planning client only sees plan generation")
	}
	require.NotEmpty(t, execMock.Calls())
	for _, call := range execMock.Calls() {
		assert.False(t, isPlannerCall(call), "task execution stays on the default client")
	}
}

func TestSingleAgentModeUsesGeneralist(t *testing.T) {
	cfg := testConfig(t)
	cfg.ExecutionMode = config.ModeSingleAgent
	o := newOrchestrator(t, cfg, llm.NewMockBackend())
	reg, err := o.newRegistry()
	require.NoError(t, err)

	task := plan.NewTask("restructure lib/m.py", plan.ActionRefactor)
	assert.Equal(t, "Generalist", o.agentFor(task, reg).Profile().Name)

	cfg.ExecutionMode = config.ModeSubAgents
	assert.Equal(t, "Refactoring", o.agentFor(task, reg).Profile().Name)
}

func TestLoopGuardForcesReplan(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg.Workspace, "lib/a.py", "a = 1\n")

	replanned := false
	mock := llm.NewMockBackend()
	mock.Respond = func(call llm.MockCall) (*types.ChatResponse, error) {
		switch {
		case isReplanCall(call):
			replanned = true
			return planResponse(map[string]any{
				"description":  "Edit lib/a.py",
				"action_type":  "edit",
				"target_paths": []any{"lib/a.py"},
			}), nil
		case isPlannerCall(call):
			return planResponse(map[string]any{
				"description":  "Inspect then edit lib/a.py",
				"action_type":  "edit",
				"target_paths": []any{"lib/a.py"},
			}), nil
		case replanned && lastMessage(call).Role == "tool":
			return sentinel(), nil
		case replanned:
			return toolCall("write_file", map[string]any{"path": "lib/a.py", "content": "a = 2\n"}), nil
		default:
			// Before the replan the agent spins on the same read.
			return toolCall("read_file", map[string]any{"path": "lib/a.py"}), nil
		}
	}

	o := newOrchestrator(t, cfg, mock)
	res, err := o.Run(context.Background(), "Adjust lib/a.py")
	require.NoError(t, err)

	assert.True(t, replanned, "repeated identical tool calls must force a replan")
	assert.Equal(t, PhaseCompleted, res.Phase)
	assert.Equal(t, ExitOK, res.ExitCode)

	hinted := false
	for _, task := range res.Plan.Tasks {
		for _, note := range task.Notes {
			if strings.Contains(note, "goal may already be achieved") {
				hinted = true
			}
		}
	}
	assert.True(t, hinted, "the loop-guard hint must be recorded on the task")
}

func TestLearningSurfacesFailureRates(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.Open(filepath.Join(cfg.Workspace, ".rev", "insights.db"))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.RecordVerification(store.VerificationRecord{
		SessionID: "earlier", TaskID: "t1", ActionType: "refactor",
		Attempt: 1, Message: "created a duplicate of an existing file",
	}))
	require.NoError(t, st.RecordVerification(store.VerificationRecord{
		SessionID: "earlier", TaskID: "t2", ActionType: "edit",
		Attempt: 1, Passed: true, Message: "ok",
	}))

	client := llm.NewWithBackend(llm.NewMockBackend(), "mock-model", cfg, nil)
	o, err := New(cfg, Deps{Client: client, Insights: st})
	require.NoError(t, err)
	o.rctx = newRevContext("x")
	o.loadInsights()

	prompt := o.rctx.PromptContext()
	assert.Contains(t, prompt, "refactor tasks failed verification 100%")
	assert.NotContains(t, prompt, "edit tasks failed")
}

func TestReplanRecapsFailedVerifications(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.Open(filepath.Join(cfg.Workspace, ".rev", "insights.db"))
	require.NoError(t, err)
	defer st.Close()

	client := llm.NewWithBackend(llm.NewMockBackend(), "mock-model", cfg, nil)
	o, err := New(cfg, Deps{Client: client, Insights: st})
	require.NoError(t, err)
	o.plan = plan.NewPlan()

	require.NoError(t, st.RecordVerification(store.VerificationRecord{
		SessionID: o.plan.SessionID, TaskID: "t1", ActionType: "add",
		Attempt: 2, ShouldReplan: true, Message: "new file duplicates tests/user.test.js",
	}))
	require.NoError(t, st.RecordVerification(store.VerificationRecord{
		SessionID: "other-session", TaskID: "t9", ActionType: "edit",
		Attempt: 1, Message: "unrelated",
	}))

	recap := o.verificationRecap()
	assert.Contains(t, recap, "duplicates tests/user.test.js")
	assert.Contains(t, recap, "attempt 2")
	assert.NotContains(t, recap, "unrelated", "only this session's verdicts are recapped")
}

func TestFailedDependencySkipsDownstream(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxTaskRetries = 0

	mock := llm.NewMockBackend()
	mock.Respond = func(call llm.MockCall) (*types.ChatResponse, error) {
		if isPlannerCall(call) {
			return planResponse(
				map[string]any{"description": "Edit lib/a.py", "action_type": "edit", "target_paths": []any{"lib/a.py"}},
				map[string]any{"description": "Edit lib/b.py afterwards", "action_type": "edit",
					"target_paths": []any{"lib/b.py"}, "depends_on": []any{float64(0)}},
			), nil
		}
		// The agent gives up on everything.
		return &types.ChatResponse{
			Text:       "The file is generated. " + agents.SentinelFailed,
			StopReason: "stop",
		}, nil
	}

	o := newOrchestrator(t, cfg, mock)
	res, err := o.Run(context.Background(), "Update the modules")
	require.NoError(t, err)

	assert.Equal(t, PhaseFailed, res.Phase)
	assert.NotEqual(t, ExitOK, res.ExitCode)

	var failed, skipped int
	for _, task := range res.Plan.Tasks {
		switch task.Status {
		case plan.StatusFailed:
			failed++
		case plan.StatusSkipped:
			skipped++
		}
	}
	assert.GreaterOrEqual(t, failed, 1)
	assert.GreaterOrEqual(t, skipped, 1, "tasks downstream of a failure are skipped, not stranded")
}
