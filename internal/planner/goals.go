package planner

import (
	"strings"

	"github.com/redsand/rev-sub002/internal/plan"
)

// goalRule maps request verbs to a derived acceptance goal.
type goalRule struct {
	triggers []string
	goal     plan.Goal
}

var goalRules = []goalRule{
	{
		triggers: []string{"fix", "bug", "broken", "fails", "failing", "add test", "write test", "test"},
		goal: plan.Goal{
			Description: "The test suite passes after the change",
			Metrics:     []plan.Metric{{Name: "suite", Evaluator: "tests_pass"}},
		},
	},
	{
		triggers: []string{"document", "docs", "readme"},
		goal: plan.Goal{
			Description: "Documentation for the change exists",
			Metrics:     []plan.Metric{{Name: "docs", Evaluator: "task_completed", Target: "document"}},
		},
	},
	{
		triggers: []string{"refactor", "extract", "split", "restructure"},
		goal: plan.Goal{
			Description: "Behavior is preserved across the restructuring",
			Metrics:     []plan.Metric{{Name: "suite", Evaluator: "tests_pass"}},
		},
	},
}

// DeriveGoals applies the rule set to the request text. Every run gets the
// baseline all-tasks-terminal goal; verb triggers add specific goals.
func DeriveGoals(request string) []plan.Goal {
	lower := strings.ToLower(request)

	goals := []plan.Goal{{
		Description: "Every planned task reaches a terminal state",
		Metrics:     []plan.Metric{{Name: "plan", Evaluator: "plan_done"}},
	}}

	seen := make(map[string]bool)
	for _, rule := range goalRules {
		for _, trigger := range rule.triggers {
			if strings.Contains(lower, trigger) && !seen[rule.goal.Description] {
				seen[rule.goal.Description] = true
				goals = append(goals, rule.goal)
				break
			}
		}
	}
	return goals
}
