// Package agents implements the role-specialized sub-agents and the router
// that binds tasks to them. Every agent is the same bounded loop — build
// prompt, chat with tools enforced, dispatch tool calls, feed results back —
// differing only in system prompt, tool subset, completion sentinel, and
// schema-error recovery.
package agents

import (
	"strings"

	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/plan"
)

// Sentinel phrases an agent emits to signal task completion or surrender.
const (
	SentinelDone   = "TASK_COMPLETE"
	SentinelFailed = "TASK_IMPOSSIBLE"
)

// Profile is one agent role: the capability set a sub-agent loop is
// parameterized over.
type Profile struct {
	Name         string
	SystemPrompt string
	// AllowedTools is the registry subset this role may call. Nil means
	// every registered tool.
	AllowedTools []string
	// Sentinel ends the loop when it appears in an assistant text reply.
	Sentinel string
	// RecoverSchemaError builds the corrective hint appended when a tool
	// call fails schema validation. The loop re-prompts once per failure.
	RecoverSchemaError func(toolName, hint string) string
}

var fileTools = []string{"read_file", "write_file", "append_file", "replace_in_file", "delete_file", "move_file", "list_dir"}
var readOnlyTools = []string{"read_file", "list_dir"}

func defaultRecover(toolName, hint string) string {
	return "The last " + toolName + " call had invalid arguments. " + hint +
		" Correct the arguments and retry the call."
}

var (
	codeWriter = Profile{
		Name: "CodeWriter",
		SystemPrompt: `You are a careful software engineer executing one task from a plan.
Read the relevant files before changing them. Make the smallest change that completes the task.
When the task is fully done, reply with the single line ` + SentinelDone + `.
If the task cannot be done, explain why and reply ` + SentinelFailed + `.`,
		AllowedTools: append(fileTools, "run_cmd"),
		Sentinel:     SentinelDone,
		// An empty new_string is a valid deletion for this role; the hint
		// spells out the required shape instead of rejecting it.
		RecoverSchemaError: func(toolName, hint string) string {
			if toolName == "replace_in_file" {
				return "replace_in_file requires path, old_string, and new_string. " +
					"An empty new_string deletes the matched text. " + hint
			}
			return defaultRecover(toolName, hint)
		},
	}

	refactoring = Profile{
		Name: "Refactoring",
		SystemPrompt: `You are restructuring existing code without changing behavior.
Move code with read_file, write_file, and replace_in_file; keep the source compiling at each step.
After extracting code, remove it from the source file. Reply ` + SentinelDone + ` when finished.`,
		AllowedTools:       append(fileTools, "run_cmd"),
		Sentinel:           SentinelDone,
		RecoverSchemaError: defaultRecover,
	}

	testExecutor = Profile{
		Name: "TestExecutor",
		SystemPrompt: `You write and run tests. Use run_tests for execution and report the outcome honestly.
A failing suite is a result, not an error: capture what failed and reply ` + SentinelDone + `.`,
		AllowedTools:       append(fileTools, "run_cmd", "run_tests"),
		Sentinel:           SentinelDone,
		RecoverSchemaError: defaultRecover,
	}

	debugging = Profile{
		Name: "Debugging",
		SystemPrompt: `You are diagnosing and fixing a defect. Reproduce first, then fix, then prove the fix with run_tests.
Reply ` + SentinelDone + ` only after the reproduction passes.`,
		AllowedTools:       append(fileTools, "run_cmd", "run_tests"),
		Sentinel:           SentinelDone,
		RecoverSchemaError: defaultRecover,
	}

	documentation = Profile{
		Name: "Documentation",
		SystemPrompt: `You write documentation. Read the code you are documenting before writing about it.
Reply ` + SentinelDone + ` when the documentation is complete.`,
		AllowedTools:       fileTools,
		Sentinel:           SentinelDone,
		RecoverSchemaError: defaultRecover,
	}

	research = Profile{
		Name: "Research",
		SystemPrompt: `You investigate the codebase and summarize findings. You cannot modify files.
End with a concise findings summary followed by ` + SentinelDone + `.`,
		AllowedTools:       append(readOnlyTools, "run_cmd"),
		Sentinel:           SentinelDone,
		RecoverSchemaError: defaultRecover,
	}

	generalist = Profile{
		Name: "Generalist",
		SystemPrompt: `You are a software engineer executing one task from a plan, with the full tool set.
Read the relevant files before changing them. Make the smallest change that completes the task,
and prove behavior changes with run_tests when a suite exists.
When the task is fully done, reply with the single line ` + SentinelDone + `.
If the task cannot be done, explain why and reply ` + SentinelFailed + `.`,
		Sentinel:           SentinelDone,
		RecoverSchemaError: defaultRecover,
	}

	analysis = Profile{
		Name: "Analysis",
		SystemPrompt: `You review code for correctness, style, and risk. You cannot modify files.
List concrete findings with file references, then reply ` + SentinelDone + `.`,
		AllowedTools:       append(readOnlyTools, "run_cmd", "run_tests"),
		Sentinel:           SentinelDone,
		RecoverSchemaError: defaultRecover,
	}
)

// Generalist returns the single-agent profile: one prompt, every registered
// tool. Used when role routing is disabled.
func Generalist() Profile { return generalist }

// RouteFor maps a task action type to its agent profile. Unknown action
// types fall back to CodeWriter with a warning.
func RouteFor(action plan.ActionType) Profile {
	switch action {
	case plan.ActionAdd, plan.ActionEdit, plan.ActionDelete, plan.ActionMove:
		return codeWriter
	case plan.ActionRefactor:
		return refactoring
	case plan.ActionTest:
		return testExecutor
	case plan.ActionDebug, plan.ActionFix:
		return debugging
	case plan.ActionDocument:
		return documentation
	case plan.ActionResearch:
		return research
	case plan.ActionAnalyze, plan.ActionReview:
		return analysis
	default:
		logging.Agents("unknown action type %q, routing to CodeWriter", action)
		return codeWriter
	}
}

// containsSentinel reports whether the reply carries the given sentinel,
// tolerating surrounding prose.
func containsSentinel(text, sentinel string) bool {
	return strings.Contains(text, sentinel)
}
