package orchestrator

import (
	"context"
	"fmt"

	"github.com/redsand/rev-sub002/internal/agents"
	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/plan"
	"github.com/redsand/rev-sub002/internal/planner"
	"github.com/redsand/rev-sub002/internal/types"
)

// researchIterations bounds the read-only investigation loop; research never
// needs the full task budget.
const researchIterations = 8

// loadInsights seeds the context with durable findings from earlier runs:
// stored research insights plus the per-action verification failure rates.
func (o *Orchestrator) loadInsights() {
	if o.insights == nil {
		return
	}
	recent, err := o.insights.RecentInsights(10)
	if err != nil {
		logging.OrchestratorDebug("load insights: %v", err)
		return
	}
	for _, in := range recent {
		o.rctx.AddInsight(in.Topic, in.Content)
	}
	logging.Orchestrator("loaded %d insights from earlier runs", len(recent))

	rates, err := o.insights.FailureRate()
	if err != nil {
		logging.OrchestratorDebug("load failure rates: %v", err)
		return
	}
	for action, rate := range rates {
		if rate <= 0 {
			continue
		}
		o.rctx.AddInsight("verification", fmt.Sprintf(
			"%s tasks failed verification %.0f%% of the time in earlier runs; plan them smaller and verify early",
			action, rate*100))
	}
}

// runResearch investigates the codebase before planning. Research is best
// effort: a failure logs and returns empty findings.
func (o *Orchestrator) runResearch(ctx context.Context) string {
	task := plan.NewTask(
		"Investigate the parts of the codebase relevant to this request and summarize what the planner needs to know: "+
			o.rctx.Request(), plan.ActionResearch)

	reg, err := o.newRegistry()
	if err != nil {
		return ""
	}
	agent := agents.ForTask(task, o.clientFor(PhaseResearch), reg)
	findings, err := agent.Run(ctx, task, agents.Options{
		MaxIterations: researchIterations,
		ExtraContext:  o.rctx.PromptContext(),
		Hooks: agents.Hooks{
			OnLMCall: func(usage types.UsageMetadata) error {
				if err := o.budgets.ChargeStep(); err != nil {
					return err
				}
				return o.budgets.ChargeTokens(usage)
			},
		},
	})
	if err != nil {
		logging.Orchestrator("research skipped: %v", err)
		return ""
	}

	if o.insights != nil && findings != "" {
		if perr := o.insights.PutInsight(sessionOrRequest(o), "research", findings); perr != nil {
			logging.OrchestratorDebug("persist research: %v", perr)
		}
	}
	return findings
}

func sessionOrRequest(o *Orchestrator) string {
	if o.plan != nil {
		return o.plan.SessionID
	}
	return "pre_plan"
}

// optimizeRequest asks the model for a sharper rewrite of the request. The
// original is kept; a failed rewrite is silently ignored.
func (o *Orchestrator) optimizeRequest(ctx context.Context) {
	messages := []types.Message{
		{Role: "system", Content: "Rewrite the user's coding request to be precise and unambiguous. " +
			"Keep every stated constraint. Reply with the rewritten request only."},
		{Role: "user", Content: o.rctx.Request()},
	}
	resp, err := o.client.Chat(ctx, messages, nil)
	if err != nil || resp.Text == "" {
		return
	}
	o.rctx.SetOptimizedRequest(resp.Text)
	logging.OrchestratorDebug("request optimized: %s", resp.Text)
}

// reviewTool is the schema the review phase binds as the forced tool choice.
func reviewTool() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        "submit_review",
		Description: "Submit the review verdict for the proposed plan.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"verdict": map[string]any{
					"type": "string",
					"enum": []any{"approve", "revise", "reject"},
				},
				"feedback": map[string]any{
					"type":        "string",
					"description": "Required for revise and reject: what is wrong with the plan",
				},
			},
			"required": []string{"verdict"},
		},
	}
}

// reviewPlan runs the optional plan review. A nil return means execution may
// proceed; a non-nil Result ends the run (rejected plan).
func (o *Orchestrator) reviewPlan(ctx context.Context, findings string) *Result {
	messages := []types.Message{
		{Role: "system", Content: "You review execution plans for an autonomous coding assistant. " +
			"Approve plans that are ordered correctly, test-first, and free of redundant file creation. " +
			"Call submit_review exactly once."},
		{Role: "user", Content: "## Request\n" + o.rctx.Request() + "\n\n## Plan\n" + o.plan.Summary()},
	}
	resp, err := o.client.Chat(ctx, messages, []types.ToolDefinition{reviewTool()})
	if err != nil || len(resp.ToolCalls) == 0 {
		logging.Orchestrator("review unavailable, proceeding: %v", err)
		return nil
	}

	verdict, _ := resp.ToolCalls[0].Input["verdict"].(string)
	feedback, _ := resp.ToolCalls[0].Input["feedback"].(string)
	logging.Orchestrator("review verdict: %s", verdict)

	switch verdict {
	case "revise":
		o.setPhase(PhasePlanning)
		revised, perr := o.planner.BuildPlan(ctx, planner.Request{
			UserRequest:      o.rctx.Request() + "\n\nReviewer feedback on the previous plan: " + feedback,
			Snapshot:         o.rctx.Snapshot(),
			ResearchFindings: findings,
			Goals:            o.plan.Goals,
		})
		if perr != nil {
			return o.finishFailed(perr, ExitPlanningError)
		}
		o.plan = revised
		return nil
	case "reject":
		return o.finishFailed(types.NewFailure(types.FailInvariant, false,
			"plan rejected by review: %s", feedback), ExitPlanningError)
	}
	return nil
}
