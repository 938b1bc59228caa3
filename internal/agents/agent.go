package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/plan"
	"github.com/redsand/rev-sub002/internal/tools"
	"github.com/redsand/rev-sub002/internal/types"
)

// Hooks lets the orchestrator observe and veto the loop's suspension
// points. A non-nil error from a hook aborts the task with that error;
// this is how budget exhaustion and cancellation propagate.
type Hooks struct {
	OnLMCall   func(usage types.UsageMetadata) error
	OnToolCall func(name string, args map[string]any) error
}

// Options bound a single task execution.
type Options struct {
	MaxIterations int
	Hooks         Hooks
	// ExtraContext is appended to the task prompt: repo summary, files
	// already inspected, recovery hints from earlier attempts.
	ExtraContext string
	// UseStreaming drives the model through the delta stream instead of
	// the blocking call.
	UseStreaming bool
	// Collect assembles a delta stream; required when UseStreaming is
	// set. Injected to keep this package off the concrete client.
	Collect func(<-chan types.StreamDelta) (*types.ChatResponse, error)
}

// SubAgent drives one task through the LM-tool loop under a role profile.
type SubAgent struct {
	profile  Profile
	client   types.LLMClient
	registry *tools.Registry
}

// New creates a sub-agent for the profile.
func New(profile Profile, client types.LLMClient, registry *tools.Registry) *SubAgent {
	return &SubAgent{profile: profile, client: client, registry: registry}
}

// ForTask routes the task and returns the bound agent.
func ForTask(t *plan.Task, client types.LLMClient, registry *tools.Registry) *SubAgent {
	return New(RouteFor(t.ActionType), client, registry)
}

// Profile returns the agent's role profile.
func (a *SubAgent) Profile() Profile { return a.profile }

// Run executes the task loop: prompt, chat with tools enforced, dispatch
// tool calls, append results, repeat until a sentinel or the iteration
// budget. The final assistant text becomes the task result.
func (a *SubAgent) Run(ctx context.Context, task *plan.Task, opts Options) (string, error) {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 25
	}
	defs := a.registry.Definitions(a.profile.AllowedTools)

	messages := []types.Message{
		{Role: "system", Content: a.profile.SystemPrompt},
		{Role: "user", Content: a.buildTaskPrompt(task, opts.ExtraContext)},
	}

	logging.Agents("%s starting task %s (%s)", a.profile.Name, task.ID, task.ActionType)
	start := time.Now()
	schemaRetries := 0

	for iteration := 0; iteration < opts.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", types.NewFailure(types.FailInterrupt, false, "task interrupted").Wrap(err)
		}

		resp, err := a.chat(ctx, messages, defs, opts)
		if err != nil {
			return "", err
		}
		if opts.Hooks.OnLMCall != nil {
			if herr := opts.Hooks.OnLMCall(resp.Usage); herr != nil {
				return "", herr
			}
		}

		if len(resp.ToolCalls) == 0 {
			if containsSentinel(resp.Text, SentinelFailed) {
				return "", types.NewFailure(types.FailTool, false, "agent declared task impossible: %s",
					strings.TrimSpace(strings.ReplaceAll(resp.Text, SentinelFailed, "")))
			}
			if containsSentinel(resp.Text, a.profile.Sentinel) {
				result := strings.TrimSpace(strings.ReplaceAll(resp.Text, a.profile.Sentinel, ""))
				logging.Agents("%s finished task %s in %v (%d iterations)",
					a.profile.Name, task.ID, time.Since(start), iteration+1)
				return result, nil
			}
			// Text without a sentinel: remind the model of the protocol.
			messages = append(messages,
				types.Message{Role: "assistant", Content: resp.Text},
				types.Message{Role: "user", Content: "Continue with tool calls, or reply " +
					a.profile.Sentinel + " if the task is complete."})
			continue
		}

		assistant := types.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistant)

		for _, call := range resp.ToolCalls {
			if opts.Hooks.OnToolCall != nil {
				if herr := opts.Hooks.OnToolCall(call.Name, call.Input); herr != nil {
					return "", herr
				}
			}

			result, execErr := a.registry.Execute(ctx, call.Name, call.Input)
			content := result.Output
			if execErr != nil {
				content = a.recoverableErrorPayload(call.Name, execErr, &schemaRetries)
				if content == "" {
					return "", execErr
				}
			}
			messages = append(messages, types.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}

	return "", types.NewFailure(types.FailTool, true,
		"iteration budget exhausted after %d rounds", opts.MaxIterations).
		WithHint("the task may be too large; consider splitting it")
}

func (a *SubAgent) chat(ctx context.Context, messages []types.Message, defs []types.ToolDefinition, opts Options) (*types.ChatResponse, error) {
	if opts.UseStreaming && opts.Collect != nil {
		stream, err := a.client.ChatStream(ctx, messages, defs)
		if err != nil {
			return nil, err
		}
		return opts.Collect(stream)
	}
	return a.client.Chat(ctx, messages, defs)
}

// recoverableErrorPayload turns a recoverable tool failure into a tool
// message the model can react to. Schema errors get the profile's recovery
// hint, at most once per failure streak; fatal failures return "".
func (a *SubAgent) recoverableErrorPayload(toolName string, execErr error, schemaRetries *int) string {
	var failure *types.Failure
	if !errors.As(execErr, &failure) || !failure.Recoverable {
		return ""
	}
	switch failure.Kind {
	case types.FailSchema:
		if *schemaRetries >= 3 {
			return ""
		}
		*schemaRetries++
		hint := failure.Hint
		if a.profile.RecoverSchemaError != nil {
			hint = a.profile.RecoverSchemaError(toolName, failure.Hint)
		}
		payload, _ := json.Marshal(map[string]string{"error": failure.Message, "hint": hint})
		return string(payload)
	case types.FailTool:
		payload, _ := json.Marshal(map[string]string{"error": failure.Message, "hint": failure.Hint})
		return string(payload)
	}
	return ""
}

func (a *SubAgent) buildTaskPrompt(task *plan.Task, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Task\n%s\n\nAction type: %s\nRisk level: %s\n",
		task.Description, task.ActionType, task.RiskLevel)
	if len(task.TargetPaths) > 0 {
		b.WriteString("Expected paths: " + strings.Join(task.TargetPaths, ", ") + "\n")
	}
	if len(task.Notes) > 0 {
		b.WriteString("\n## Notes from earlier attempts\n")
		for _, n := range task.Notes {
			b.WriteString("- " + n + "\n")
		}
	}
	if extra != "" {
		b.WriteString("\n" + extra)
	}
	return b.String()
}
