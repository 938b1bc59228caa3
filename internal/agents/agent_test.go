package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redsand/rev-sub002/internal/config"
	"github.com/redsand/rev-sub002/internal/filecache"
	"github.com/redsand/rev-sub002/internal/llm"
	"github.com/redsand/rev-sub002/internal/plan"
	"github.com/redsand/rev-sub002/internal/tools"
	"github.com/redsand/rev-sub002/internal/txn"
	"github.com/redsand/rev-sub002/internal/types"
)

func agentFixture(t *testing.T, mock *llm.MockBackend) (*SubAgent, *tools.Registry, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default(root)
	cfg.MaxRetries = 0
	cfg.InitialTimeout = time.Second
	client := llm.NewWithBackend(mock, "mock-model", cfg, nil)

	reg := tools.NewRegistry()
	_, err := tools.RegisterFileTools(reg, filecache.New(), root)
	require.NoError(t, err)

	task := plan.NewTask("write a greeting file", plan.ActionAdd)
	agent := ForTask(task, client, reg)
	return agent, reg, root
}

func toolCallResponse(name string, args map[string]any) *types.ChatResponse {
	return &types.ChatResponse{
		ToolCalls:  []types.ToolCall{{ID: "c1", Name: name, Input: args}},
		StopReason: "tool_use",
		Usage:      types.UsageMetadata{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func sentinelResponse(text string) *types.ChatResponse {
	return &types.ChatResponse{Text: text, StopReason: "stop"}
}

func TestRunDispatchesToolsUntilSentinel(t *testing.T) {
	mock := llm.NewMockBackend()
	mock.QueueResponse(toolCallResponse("write_file", map[string]any{
		"path": "hello.txt", "content": "hi\n",
	}))
	mock.QueueResponse(sentinelResponse("Created the file. " + SentinelDone))

	agent, reg, root := agentFixture(t, mock)
	tx := txn.New("task_test")
	reg.SetTransaction(tx)

	task := plan.NewTask("create hello.txt", plan.ActionAdd)
	result, err := agent.Run(context.Background(), task, Options{MaxIterations: 5})
	require.NoError(t, err)
	assert.Equal(t, "Created the file.", result)
	assert.NotContains(t, result, SentinelDone)

	data, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))

	// The tool result went back to the model as a tool message.
	calls := mock.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
}

func TestRunRoutesProfiles(t *testing.T) {
	cases := map[plan.ActionType]string{
		plan.ActionAdd:      "CodeWriter",
		plan.ActionRefactor: "Refactoring",
		plan.ActionTest:     "TestExecutor",
		plan.ActionFix:      "Debugging",
		plan.ActionDocument: "Documentation",
		plan.ActionResearch: "Research",
		plan.ActionReview:   "Analysis",
	}
	for action, want := range cases {
		assert.Equal(t, want, RouteFor(action).Name, string(action))
	}
	assert.Equal(t, "CodeWriter", RouteFor(plan.ActionType("bogus")).Name)
}

func TestRunImpossibleSentinelFailsTask(t *testing.T) {
	mock := llm.NewMockBackend()
	mock.QueueResponse(sentinelResponse("The file is generated; editing it is pointless. " + SentinelFailed))

	agent, _, _ := agentFixture(t, mock)
	task := plan.NewTask("edit generated file", plan.ActionEdit)
	_, err := agent.Run(context.Background(), task, Options{MaxIterations: 5})
	require.Error(t, err)

	var failure *types.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, types.FailTool, failure.Kind)
	assert.False(t, failure.Recoverable)
}

func TestRunSchemaErrorRecovery(t *testing.T) {
	mock := llm.NewMockBackend()
	// Missing required "content": schema failure fed back as a tool message.
	mock.QueueResponse(toolCallResponse("write_file", map[string]any{"path": "a.txt"}))
	mock.QueueResponse(toolCallResponse("write_file", map[string]any{
		"path": "a.txt", "content": "fixed\n",
	}))
	mock.QueueResponse(sentinelResponse(SentinelDone))

	agent, _, root := agentFixture(t, mock)
	task := plan.NewTask("write a.txt", plan.ActionAdd)
	_, err := agent.Run(context.Background(), task, Options{MaxIterations: 5})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fixed\n", string(data))

	// The recovery hint reached the model on the second call.
	calls := mock.Calls()
	require.Len(t, calls, 3)
	hintMsg := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, "tool", hintMsg.Role)
	assert.Contains(t, hintMsg.Content, "hint")
}

func TestRunIterationBudgetExhausted(t *testing.T) {
	mock := llm.NewMockBackend()
	for i := 0; i < 3; i++ {
		mock.QueueResponse(toolCallResponse("list_dir", map[string]any{"path": "."}))
	}

	agent, _, _ := agentFixture(t, mock)
	task := plan.NewTask("never finishes", plan.ActionEdit)
	_, err := agent.Run(context.Background(), task, Options{MaxIterations: 3})
	require.Error(t, err)

	var failure *types.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, types.FailTool, failure.Kind)
	assert.True(t, failure.Recoverable)
	assert.Contains(t, failure.Message, "iteration budget")
}

func TestRunHooksCanAbort(t *testing.T) {
	mock := llm.NewMockBackend()
	mock.QueueResponse(toolCallResponse("write_file", map[string]any{
		"path": "x.txt", "content": "x",
	}))

	agent, _, root := agentFixture(t, mock)
	budget := types.NewFailure(types.FailBudget, false, "token budget exhausted")
	task := plan.NewTask("write x.txt", plan.ActionAdd)
	_, err := agent.Run(context.Background(), task, Options{
		MaxIterations: 5,
		Hooks: Hooks{
			OnToolCall: func(name string, args map[string]any) error { return budget },
		},
	})
	require.Error(t, err)

	var failure *types.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, types.FailBudget, failure.Kind)

	// The veto fired before the tool ran.
	_, statErr := os.Stat(filepath.Join(root, "x.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunTextWithoutSentinelIsReprompted(t *testing.T) {
	mock := llm.NewMockBackend()
	mock.QueueResponse(sentinelResponse("I am thinking about the approach."))
	mock.QueueResponse(sentinelResponse(SentinelDone))

	agent, _, _ := agentFixture(t, mock)
	task := plan.NewTask("think then finish", plan.ActionAnalyze)
	_, err := agent.Run(context.Background(), task, Options{MaxIterations: 5})
	require.NoError(t, err)

	calls := mock.Calls()
	require.Len(t, calls, 2)
	reprompt := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, "user", reprompt.Role)
	assert.Contains(t, reprompt.Content, SentinelDone)
}

func TestRunCancelledContext(t *testing.T) {
	mock := llm.NewMockBackend()
	agent, _, _ := agentFixture(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := plan.NewTask("anything", plan.ActionEdit)
	_, err := agent.Run(ctx, task, Options{MaxIterations: 5})
	require.Error(t, err)

	var failure *types.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, types.FailInterrupt, failure.Kind)
}
