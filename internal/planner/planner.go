// Package planner turns a user request and the current repository context
// into an execution plan. The plan schema is bound as the tool the model
// must call, so the response is structured by construction; the returned
// plan is validated, deterministically fixed up, and topologically sorted
// before the orchestrator sees it.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/plan"
	"github.com/redsand/rev-sub002/internal/repocontext"
	"github.com/redsand/rev-sub002/internal/types"
)

// Planner drives plan generation through the LM client.
type Planner struct {
	client types.LLMClient
}

// New creates a planner over the given client.
func New(client types.LLMClient) *Planner {
	return &Planner{client: client}
}

// Request carries everything plan construction needs.
type Request struct {
	UserRequest      string
	Snapshot         *repocontext.Snapshot
	ResearchFindings string
	Goals            []plan.Goal

	// ReplanReason is set when regenerating the tail of an existing plan.
	ReplanReason string
	// CompletedSummary describes work already done, for replans.
	CompletedSummary string
}

// submitPlanTool is the schema bound as the forced tool choice. Task
// dependencies are expressed as zero-based indexes into the same array;
// the planner rewrites them to stable task ids.
func submitPlanTool() types.ToolDefinition {
	actionEnum := make([]any, len(plan.ValidActionTypes))
	for i, a := range plan.ValidActionTypes {
		actionEnum[i] = string(a)
	}
	return types.ToolDefinition{
		Name:        "submit_plan",
		Description: "Submit the ordered task plan for the request. Every task must be small enough for one focused agent session.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tasks": map[string]any{
					"type":        "array",
					"description": "Ordered tasks. Reference dependencies by zero-based index.",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"description": map[string]any{"type": "string", "description": "What the agent must do"},
							"action_type": map[string]any{"type": "string", "enum": actionEnum},
							"risk_level":  map[string]any{"type": "string", "enum": []any{"low", "medium", "high", "critical"}},
							"depends_on": map[string]any{
								"type":        "array",
								"items":       map[string]any{"type": "integer"},
								"description": "Indexes of tasks that must complete first",
							},
							"target_paths": map[string]any{
								"type":        "array",
								"items":       map[string]any{"type": "string"},
								"description": "Repository-relative paths this task is expected to touch",
							},
						},
						"required": []string{"description", "action_type"},
					},
				},
			},
			"required": []string{"tasks"},
		},
	}
}

// BuildPlan generates, validates, and fixes up a plan for the request.
func (p *Planner) BuildPlan(ctx context.Context, req Request) (*plan.ExecutionPlan, error) {
	messages := []types.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: p.buildPrompt(req)},
	}

	resp, err := p.client.Chat(ctx, messages, []types.ToolDefinition{submitPlanTool()})
	if err != nil {
		return nil, fmt.Errorf("plan generation: %w", err)
	}
	if len(resp.ToolCalls) == 0 {
		return nil, types.NewFailure(types.FailSchema, true, "model returned no plan").
			WithHint("the submit_plan tool must be called with the task list")
	}

	execPlan, err := parsePlan(resp.ToolCalls[0].Input)
	if err != nil {
		return nil, err
	}
	execPlan.Goals = req.Goals

	if err := execPlan.Validate(); err != nil {
		return nil, err
	}
	var files plan.FileChecker
	if req.Snapshot != nil {
		files = req.Snapshot
	}
	if err := plan.Fixup(execPlan, files); err != nil {
		return nil, err
	}

	logging.Planner("plan generated: %d tasks, %d goals", len(execPlan.Tasks), len(execPlan.Goals))
	logging.PlannerDebug("plan:\n%s", execPlan.Summary())
	return execPlan, nil
}

// PlanTail regenerates the pending portion of an existing plan after a
// replan trigger. Completed tasks are summarized so the model does not
// redo them.
func (p *Planner) PlanTail(ctx context.Context, req Request) ([]*plan.Task, error) {
	tail, err := p.BuildPlan(ctx, req)
	if err != nil {
		return nil, err
	}
	return tail.Tasks, nil
}

const systemPrompt = `You are the planning component of an autonomous coding assistant.
Decompose the request into small, independently verifiable tasks.
Prefer editing existing files over creating new ones.
Write or update tests before or alongside code changes.
Declare target_paths for every task that touches files.
Call submit_plan exactly once with the complete task list.`

func (p *Planner) buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("## Request\n" + req.UserRequest + "\n")

	if req.ReplanReason != "" {
		b.WriteString("\n## Replanning\nThe previous plan was interrupted: " + req.ReplanReason + "\n")
		b.WriteString("Plan only the remaining work. Verify before re-doing anything: the goal may already be achieved.\n")
	}
	if req.CompletedSummary != "" {
		b.WriteString("\n## Already completed\n" + req.CompletedSummary + "\n")
	}
	if req.Snapshot != nil {
		b.WriteString("\n" + req.Snapshot.Summary())
		if hits := req.Snapshot.Search(req.UserRequest, 8); len(hits) > 0 {
			b.WriteString("\n## Symbols matching the request\n")
			for _, h := range hits {
				b.WriteString("- " + h.Symbol + " in " + h.Path + "\n")
			}
		}
	}
	if req.ResearchFindings != "" {
		b.WriteString("\n## Research findings\n" + req.ResearchFindings + "\n")
	}
	if len(req.Goals) > 0 {
		b.WriteString("\n## Acceptance goals\n")
		for _, g := range req.Goals {
			b.WriteString("- " + g.Description + "\n")
		}
	}
	return b.String()
}

// parsePlan converts the submit_plan payload into an ExecutionPlan,
// rewriting index dependencies to task ids.
func parsePlan(input map[string]any) (*plan.ExecutionPlan, error) {
	rawTasks, ok := input["tasks"].([]any)
	if !ok || len(rawTasks) == 0 {
		return nil, types.NewFailure(types.FailSchema, true, "plan has no tasks array").
			WithHint("submit_plan requires a non-empty tasks array")
	}

	execPlan := plan.NewPlan()
	tasks := make([]*plan.Task, 0, len(rawTasks))
	for i, raw := range rawTasks {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, types.NewFailure(types.FailSchema, true, "task %d is not an object", i)
		}
		desc, _ := m["description"].(string)
		if strings.TrimSpace(desc) == "" {
			return nil, types.NewFailure(types.FailSchema, true, "task %d has no description", i)
		}
		action := plan.ActionType(stringOr(m, "action_type", string(plan.ActionEdit)))
		if !validAction(action) {
			return nil, types.NewFailure(types.FailSchema, true,
				"task %d has unknown action_type %q", i, action).
				WithHint("action_type must be one of the enum values in the schema")
		}

		t := plan.NewTask(desc, action)
		t.RiskLevel = plan.RiskLevel(stringOr(m, "risk_level", string(plan.RiskLow)))
		t.TargetPaths = stringSlice(m["target_paths"])
		if len(t.TargetPaths) == 0 {
			t.TargetPaths = derivedTargets(desc)
		}
		tasks = append(tasks, t)
	}

	// Second pass: dependencies reference tasks by index.
	for i, raw := range rawTasks {
		m := raw.(map[string]any)
		for _, d := range anySlice(m["depends_on"]) {
			idx, ok := asInt(d)
			if !ok || idx < 0 || idx >= len(tasks) || idx == i {
				return nil, types.NewFailure(types.FailSchema, true,
					"task %d has invalid dependency index %v", i, d)
			}
			tasks[i].Dependencies = append(tasks[i].Dependencies, tasks[idx].ID)
		}
	}

	execPlan.Tasks = tasks
	return execPlan, nil
}

// derivedTargets falls back to path-looking tokens in the description when
// the model declared no target paths.
func derivedTargets(desc string) []string {
	t := plan.Task{Description: desc}
	return t.PathTokens()
}

func validAction(a plan.ActionType) bool {
	for _, v := range plan.ValidActionTypes {
		if a == v {
			return true
		}
	}
	return false
}

func stringOr(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func stringSlice(v any) []string {
	var out []string
	for _, item := range anySlice(v) {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func anySlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
