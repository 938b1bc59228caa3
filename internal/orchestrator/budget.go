package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/redsand/rev-sub002/internal/config"
	"github.com/redsand/rev-sub002/internal/types"
)

// budgets enforces the run's resource bounds. Every LM call and every tool
// call charges a step; LM usage charges tokens; wallclock is checked against
// the start time. A zero limit means unlimited.
type budgets struct {
	mu sync.Mutex

	maxSteps  int
	maxTokens int
	deadline  time.Time

	stepsUsed  int
	tokensUsed int
}

func newBudgets(cfg *config.Config) *budgets {
	b := &budgets{maxSteps: cfg.MaxSteps, maxTokens: cfg.MaxTokens}
	if cfg.MaxWallclock > 0 {
		b.deadline = time.Now().Add(cfg.MaxWallclock)
	}
	return b
}

// ChargeStep consumes one step and reports exhaustion.
func (b *budgets) ChargeStep() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stepsUsed++
	if b.maxSteps > 0 && b.stepsUsed > b.maxSteps {
		return types.NewFailure(types.FailBudget, false,
			"step budget exhausted (%d/%d)", b.stepsUsed, b.maxSteps)
	}
	return b.checkWallclockLocked()
}

// ChargeTokens consumes LM usage and reports exhaustion.
func (b *budgets) ChargeTokens(usage types.UsageMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokensUsed += usage.TotalTokens
	if b.maxTokens > 0 && b.tokensUsed > b.maxTokens {
		return types.NewFailure(types.FailBudget, false,
			"token budget exhausted (%d/%d)", b.tokensUsed, b.maxTokens)
	}
	return b.checkWallclockLocked()
}

func (b *budgets) checkWallclockLocked() error {
	if !b.deadline.IsZero() && time.Now().After(b.deadline) {
		return types.NewFailure(types.FailBudget, false, "wallclock budget exhausted")
	}
	return nil
}

// Check reports exhaustion without consuming anything.
func (b *budgets) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxSteps > 0 && b.stepsUsed >= b.maxSteps {
		return types.NewFailure(types.FailBudget, false,
			"step budget exhausted (%d/%d)", b.stepsUsed, b.maxSteps)
	}
	if b.maxTokens > 0 && b.tokensUsed >= b.maxTokens {
		return types.NewFailure(types.FailBudget, false,
			"token budget exhausted (%d/%d)", b.tokensUsed, b.maxTokens)
	}
	return b.checkWallclockLocked()
}

// Summary renders counters for logs and checkpoints.
func (b *budgets) Summary() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("steps=%d tokens=%d", b.stepsUsed, b.tokensUsed)
}
