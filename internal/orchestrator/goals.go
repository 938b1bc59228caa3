package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/plan"
)

// evaluateGoals scores every plan goal against the post-execution state.
func (o *Orchestrator) evaluateGoals(ctx context.Context) map[string]plan.MetricOutcome {
	outcomes := make(map[string]plan.MetricOutcome, len(o.plan.Goals))
	for _, g := range o.plan.Goals {
		outcome := g.Evaluate(func(m plan.Metric) plan.MetricOutcome {
			return o.evalMetric(ctx, m)
		})
		outcomes[g.Description] = outcome
		logging.Orchestrator("goal %q: %s", g.Description, outcome)
	}
	return outcomes
}

func allPass(outcomes map[string]plan.MetricOutcome) bool {
	for _, outcome := range outcomes {
		if outcome != plan.MetricPass {
			return false
		}
	}
	return true
}

// unknownGoals marks every goal unknown, used when the run stops before
// evaluation is meaningful.
func (o *Orchestrator) unknownGoals() map[string]plan.MetricOutcome {
	outcomes := make(map[string]plan.MetricOutcome, len(o.plan.Goals))
	for _, g := range o.plan.Goals {
		outcomes[g.Description] = plan.MetricUnknown
	}
	return outcomes
}

func (o *Orchestrator) evalMetric(ctx context.Context, m plan.Metric) plan.MetricOutcome {
	switch m.Evaluator {
	case "plan_done":
		if !o.plan.Done() {
			return plan.MetricFail
		}
		_, _, failed, _ := o.plan.Counts()
		if failed > 0 {
			return plan.MetricFail
		}
		return plan.MetricPass

	case "tests_pass":
		return o.evalTests(ctx)

	case "file_exists":
		if m.Target == "" {
			return plan.MetricUnknown
		}
		if _, err := os.Stat(filepath.Join(o.cfg.Workspace, m.Target)); err == nil {
			return plan.MetricPass
		}
		return plan.MetricFail

	case "task_completed":
		for _, t := range o.plan.Tasks {
			if string(t.ActionType) == m.Target && t.Status == plan.StatusCompleted {
				return plan.MetricPass
			}
		}
		return plan.MetricFail
	}
	return plan.MetricUnknown
}

// evalTests runs the suite through the shared tools and parses the outcome.
func (o *Orchestrator) evalTests(ctx context.Context) plan.MetricOutcome {
	if !o.sysRegistry.Has("run_tests") {
		return plan.MetricUnknown
	}
	res, err := o.sysRegistry.Execute(ctx, "run_tests", map[string]any{})
	if err != nil {
		return plan.MetricUnknown
	}
	var outcome struct {
		Status string `json:"status"`
	}
	if json.Unmarshal([]byte(res.Output), &outcome) != nil {
		return plan.MetricUnknown
	}
	switch outcome.Status {
	case "passed":
		return plan.MetricPass
	case "failed":
		return plan.MetricFail
	}
	return plan.MetricUnknown
}
