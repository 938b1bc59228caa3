// Package orchestrator is the phase state machine driving a run: planning,
// dispatch in dependency order, post-task verification, adaptive replanning,
// budget enforcement, and checkpointing on interrupt or exhaustion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/redsand/rev-sub002/internal/agents"
	"github.com/redsand/rev-sub002/internal/analysis"
	"github.com/redsand/rev-sub002/internal/checkpoint"
	"github.com/redsand/rev-sub002/internal/config"
	"github.com/redsand/rev-sub002/internal/filecache"
	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/plan"
	"github.com/redsand/rev-sub002/internal/planner"
	"github.com/redsand/rev-sub002/internal/repocontext"
	"github.com/redsand/rev-sub002/internal/store"
	"github.com/redsand/rev-sub002/internal/tools"
	"github.com/redsand/rev-sub002/internal/txn"
	"github.com/redsand/rev-sub002/internal/types"
	"github.com/redsand/rev-sub002/internal/verify"
)

// Phase is the orchestrator state.
type Phase string

const (
	PhaseInit       Phase = "init"
	PhaseLearning   Phase = "learning"
	PhaseResearch   Phase = "research"
	PhasePlanning   Phase = "planning"
	PhaseReview     Phase = "review"
	PhaseExecuting  Phase = "executing"
	PhaseVerifying  Phase = "verifying"
	PhaseReplanning Phase = "replanning"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseStopped    Phase = "stopped"
)

// Exit codes distinguish termination causes for the CLI.
const (
	ExitOK              = 0
	ExitFailed          = 1
	ExitPlanningError   = 2
	ExitVerifyExhausted = 3
	ExitBudgetExhausted = 4
	ExitInterrupted     = 5
)

// maxReplans bounds adaptive replanning so a confused model cannot loop the
// whole run.
const maxReplans = 5

// Result is the outcome of a run.
type Result struct {
	Phase          Phase
	ExitCode       int
	Plan           *plan.ExecutionPlan
	GoalOutcomes   map[string]plan.MetricOutcome
	CheckpointPath string
}

// Deps are the injected collaborators; everything else the orchestrator
// constructs itself.
type Deps struct {
	Client      types.LLMClient
	Insights    *store.Store // optional
	ConfirmRisk tools.RiskConfirmFunc
	// PhaseClients overrides the client per phase name ("planning",
	// "research", "executing"). Absent phases use Client.
	PhaseClients map[string]types.LLMClient
}

// Orchestrator owns the run-scoped state: caches, context, budgets, plan.
type Orchestrator struct {
	cfg          *config.Config
	client       types.LLMClient
	phaseClients map[string]types.LLMClient
	planner      *planner.Planner

	cache     *filecache.Cache
	caches    *analysis.Caches
	refresher *repocontext.Refresher
	verifier  *verify.Verifier
	ckpts     *checkpoint.Manager
	insights  *store.Store

	// sysRegistry serves the verifier and goal evaluation; per-task
	// registries are built fresh so each task gets its own transaction slot.
	sysRegistry *tools.Registry
	newRegistry func() (*tools.Registry, error)

	rctx    *RevContext
	budgets *budgets
	guard   *loopGuard

	plan    *plan.ExecutionPlan
	phase   Phase
	replans int

	interrupted atomic.Bool
}

// New wires an orchestrator for the workspace in cfg.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	cache := filecache.New()
	caches := analysis.New()

	factory := func() (*tools.Registry, error) {
		reg := tools.NewRegistry()
		if _, err := tools.RegisterFileTools(reg, cache, cfg.Workspace); err != nil {
			return nil, err
		}
		tools.RegisterShellTools(reg, cfg.Workspace, cfg.MaxTimeout, deps.ConfirmRisk)
		tools.RegisterTestTools(reg, cfg.Workspace, cfg.MaxTimeout)
		return reg, nil
	}
	sysRegistry, err := factory()
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	o := &Orchestrator{
		cfg:          cfg,
		client:       deps.Client,
		phaseClients: deps.PhaseClients,
		cache:        cache,
		caches:      caches,
		refresher:   repocontext.NewRefresher(cfg.Workspace),
		verifier:    verify.New(cfg.Workspace, cache, caches, sysRegistry, cfg.SimilarityThreshold),
		ckpts:       checkpoint.NewManager(cfg.CheckpointDir, cfg.CheckpointKeep),
		insights:    deps.Insights,
		sysRegistry: sysRegistry,
		newRegistry: factory,
		budgets:     newBudgets(cfg),
		guard:       newLoopGuard(),
		phase:       PhaseInit,
	}
	o.planner = planner.New(o.clientFor(PhasePlanning))
	return o, nil
}

// clientFor returns the injected per-phase client, or the default.
func (o *Orchestrator) clientFor(p Phase) types.LLMClient {
	if c, ok := o.phaseClients[string(p)]; ok && c != nil {
		return c
	}
	return o.client
}

// Interrupt requests cooperative shutdown: workers finish their current tool
// call, the in-flight task is frozen or rolled back per configuration, and a
// checkpoint is written.
func (o *Orchestrator) Interrupt() {
	o.interrupted.Store(true)
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase { return o.phase }

func (o *Orchestrator) setPhase(p Phase) {
	logging.Orchestrator("phase: %s -> %s", o.phase, p)
	o.phase = p
}

// Run executes a fresh request end to end.
func (o *Orchestrator) Run(ctx context.Context, request string) (*Result, error) {
	o.rctx = newRevContext(request)

	var watcher *filecache.Watcher
	if !o.cfg.DisableFileWatch {
		if w, err := filecache.NewWatcher(o.cache, o.cfg.Workspace); err == nil {
			watcher = w
			defer watcher.Close()
		}
	}

	if err := o.refreshContext(ctx); err != nil {
		return o.finishFailed(err, ExitPlanningError), nil
	}

	if o.cfg.EnableLearning {
		o.setPhase(PhaseLearning)
		o.loadInsights()
	}

	var findings string
	if o.cfg.EnableResearch {
		o.setPhase(PhaseResearch)
		findings = o.runResearch(ctx)
	}

	if o.cfg.OptimizePrompt {
		o.optimizeRequest(ctx)
	}

	o.setPhase(PhasePlanning)
	goals := planner.DeriveGoals(o.rctx.Request())
	execPlan, err := o.planner.BuildPlan(ctx, planner.Request{
		UserRequest:      o.rctx.Request(),
		Snapshot:         o.rctx.Snapshot(),
		ResearchFindings: findings,
		Goals:            goals,
	})
	if err != nil {
		return o.finishFailed(err, ExitPlanningError), nil
	}
	o.plan = execPlan

	if o.cfg.EnableReview {
		o.setPhase(PhaseReview)
		if res := o.reviewPlan(ctx, findings); res != nil {
			return res, nil
		}
	}

	return o.execute(ctx)
}

// Resume continues from a checkpoint document.
func (o *Orchestrator) Resume(ctx context.Context, doc *checkpoint.Document) (*Result, error) {
	o.rctx = newRevContext("resumed session " + doc.SessionID)
	o.plan = checkpoint.Resume(doc)

	if err := o.refreshContext(ctx); err != nil {
		return o.finishFailed(err, ExitPlanningError), nil
	}
	logging.Orchestrator("resuming session %s at checkpoint %d", doc.SessionID, doc.CheckpointNumber)
	return o.execute(ctx)
}

// execute is the dispatch-verify-replan loop.
func (o *Orchestrator) execute(ctx context.Context) (*Result, error) {
	o.setPhase(PhaseExecuting)

	for !o.plan.Done() {
		if o.interrupted.Load() || ctx.Err() != nil {
			return o.finishStopped(ExitInterrupted), nil
		}
		if err := o.budgets.Check(); err != nil {
			logging.Orchestrator("stopping: %v", err)
			return o.finishStopped(ExitBudgetExhausted), nil
		}

		ready := o.plan.Ready()
		if len(ready) == 0 {
			o.skipStranded()
			if o.plan.Done() {
				break
			}
			return o.finishFailed(types.NewFailure(types.FailInvariant, false,
				"no runnable tasks but plan is not done"), ExitFailed), nil
		}

		batch := selectBatch(ready, o.cfg.Workers)
		stopErr := o.runBatch(ctx, batch)

		// Track progress before handling any stop condition.
		done, _, _, _ := o.plan.Counts()
		if done > o.plan.CurrentIndex {
			o.plan.CurrentIndex = done
		}

		if stopErr != nil {
			var failure *types.Failure
			if errors.As(stopErr, &failure) {
				switch failure.Kind {
				case types.FailBudget:
					return o.finishStopped(ExitBudgetExhausted), nil
				case types.FailInterrupt:
					return o.finishStopped(ExitInterrupted), nil
				}
			}
			return o.finishFailed(stopErr, ExitFailed), nil
		}

		if batchMutated(batch) {
			o.caches.ClearAll()
			if err := o.refreshContext(ctx); err != nil {
				logging.Orchestrator("context refresh failed: %v", err)
			}
		}

		o.setPhase(PhaseVerifying)
		replanReason, verifyExhausted := o.verifyBatch(ctx, batch)
		if verifyExhausted {
			return o.finishFailed(types.NewFailure(types.FailVerify, false,
				"verification retries exhausted"), ExitVerifyExhausted), nil
		}

		if replanReason == "" {
			if signal, ok := o.rctx.PopRequest(); ok {
				replanReason = signal
			}
		}
		if replanReason != "" {
			if o.replans >= maxReplans {
				return o.finishFailed(types.NewFailure(types.FailInvariant, false,
					"replan limit reached (%d)", maxReplans), ExitFailed), nil
			}
			if err := o.replan(ctx, replanReason); err != nil {
				return o.finishFailed(err, ExitPlanningError), nil
			}
		}
		o.setPhase(PhaseExecuting)
	}

	outcomes := o.evaluateGoals(ctx)
	if !allPass(outcomes) && o.replans < maxReplans && o.budgets.Check() == nil {
		if err := o.replan(ctx, "plan finished but acceptance goals are not all met"); err == nil && !o.plan.Done() {
			return o.execute(ctx)
		}
	}

	if allPass(outcomes) {
		o.setPhase(PhaseCompleted)
		logging.Orchestrator("run completed: %s", o.budgets.Summary())
		return &Result{Phase: PhaseCompleted, ExitCode: ExitOK, Plan: o.plan, GoalOutcomes: outcomes}, nil
	}
	o.setPhase(PhaseFailed)
	return &Result{Phase: PhaseFailed, ExitCode: ExitFailed, Plan: o.plan, GoalOutcomes: outcomes}, nil
}

// runBatch dispatches the batch with bounded parallelism. The returned error
// is non-nil only for run-stopping conditions (budget, interrupt).
func (o *Orchestrator) runBatch(ctx context.Context, batch []*plan.Task) error {
	if len(batch) == 1 {
		return o.runTask(ctx, batch[0])
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for _, t := range batch {
		t := t
		g.Go(func() error { return o.runTask(gctx, t) })
	}
	return g.Wait()
}

// runTask executes one task through its routed sub-agent inside a
// transaction.
func (o *Orchestrator) runTask(ctx context.Context, task *plan.Task) error {
	task.Status = plan.StatusInProgress
	task.StartedAt = time.Now()
	task.Attempts++
	o.guard.Reset()
	o.verifier.BeginTask(task)

	reg, err := o.newRegistry()
	if err != nil {
		task.Status = plan.StatusFailed
		task.Error = err.Error()
		return nil
	}
	tx := txn.New(task.ID)
	reg.SetTransaction(tx)

	guardErr := types.NewFailure(types.FailTool, true, "repeated tool calls detected").
		WithHint("goal may already be achieved; verify before continuing")

	hooks := agents.Hooks{
		OnLMCall: func(usage types.UsageMetadata) error {
			if o.interrupted.Load() {
				return types.NewFailure(types.FailInterrupt, false, "interrupt requested")
			}
			if err := o.budgets.ChargeStep(); err != nil {
				return err
			}
			return o.budgets.ChargeTokens(usage)
		},
		OnToolCall: func(name string, args map[string]any) error {
			if o.interrupted.Load() {
				return types.NewFailure(types.FailInterrupt, false, "interrupt requested")
			}
			if name == "read_file" {
				if path, ok := args["path"].(string); ok {
					o.rctx.NoteInspected(path)
				}
			}
			if o.guard.Note(name, args) {
				return guardErr
			}
			return o.budgets.ChargeStep()
		},
	}

	agent := o.agentFor(task, reg)
	result, runErr := agent.Run(ctx, task, agents.Options{
		MaxIterations: o.cfg.MaxTaskIterations,
		Hooks:         hooks,
		ExtraContext:  o.rctx.PromptContext(),
	})
	task.ToolEvents = tx.Events()
	task.FinishedAt = time.Now()

	if runErr == nil {
		tx.Commit()
		task.Status = plan.StatusCompleted
		task.Result = result
		for _, p := range task.TouchedPaths() {
			o.rctx.NoteCompleted(p, string(task.ActionType))
		}
		return nil
	}
	return o.handleTaskError(task, tx, runErr)
}

// agentFor binds the task to an agent per the configured execution mode:
// the role router, or one generalist when single-agent mode is selected.
func (o *Orchestrator) agentFor(task *plan.Task, reg *tools.Registry) *agents.SubAgent {
	client := o.clientFor(PhaseExecuting)
	if o.cfg.ExecutionMode == config.ModeSingleAgent {
		return agents.New(agents.Generalist(), client, reg)
	}
	return agents.ForTask(task, client, reg)
}

// handleTaskError classifies a failed task run: stop conditions propagate,
// loop-guard trips request a replan, recoverable failures re-queue the task.
func (o *Orchestrator) handleTaskError(task *plan.Task, tx *txn.Transaction, runErr error) error {
	var failure *types.Failure
	if !errors.As(runErr, &failure) {
		failure = types.NewFailure(types.FailTool, false, "%v", runErr)
	}

	switch failure.Kind {
	case types.FailInterrupt:
		if o.cfg.OnInterrupt == config.InterruptRollback {
			if rbErr := tx.Rollback(); rbErr != nil {
				logging.Orchestrator("rollback of %s: %v", task.ID, rbErr)
			}
		} else {
			tx.Commit() // freeze: keep partial work, events already captured
		}
		task.Status = plan.StatusStopped
		return failure

	case types.FailBudget:
		tx.Commit()
		task.Status = plan.StatusStopped
		return failure
	}

	if o.guard.Tripped() {
		// Superseded by the forced replan; skipped keeps the hint in the
		// plan record instead of dropping the task with the pending tail.
		tx.Commit()
		task.Status = plan.StatusSkipped
		task.AddNote("stopped early: %s", failure.Hint)
		o.rctx.PushRequest("replan_immediately: " + failure.Hint)
		return nil
	}

	if rbErr := tx.Rollback(); rbErr != nil {
		logging.Orchestrator("rollback of %s: %v", task.ID, rbErr)
	}
	if failure.Recoverable && task.Attempts <= o.cfg.MaxTaskRetries {
		task.Status = plan.StatusPending
		task.NextRetryAt = time.Now().Add(time.Duration(task.Attempts) * 2 * time.Second)
		task.AddNote("attempt %d failed: %s", task.Attempts, failure.Message)
		if failure.Hint != "" {
			task.AddNote("recovery hint: %s", failure.Hint)
		}
		logging.Orchestrator("task %s re-queued (attempt %d): %s", task.ID, task.Attempts, failure.Message)
		return nil
	}
	task.Status = plan.StatusFailed
	task.Error = failure.Error()
	logging.Orchestrator("task %s failed: %s", task.ID, failure.Message)
	return nil
}

// verifyBatch checks each completed task. It returns a replan reason when
// verification or the reevaluation gate requests one, and reports whether
// any task exhausted its verification retries.
func (o *Orchestrator) verifyBatch(ctx context.Context, batch []*plan.Task) (string, bool) {
	var replanReason string
	exhausted := false

	for _, task := range batch {
		if task.Status != plan.StatusCompleted {
			continue
		}
		res := o.verifier.Check(ctx, task)
		o.recordVerification(task, res)

		if res.Passed {
			if reason := o.reevaluate(task); reason != "" && replanReason == "" {
				replanReason = reason
			}
			continue
		}

		if res.ShouldReplan {
			// Superseded rather than failed: the replanned tail replaces
			// this work, and the baseline goal should not count it fatal.
			task.Status = plan.StatusSkipped
			task.Error = res.Message
			if res.Suggestion != "" {
				task.AddNote("%s", res.Suggestion)
			}
			if replanReason == "" {
				replanReason = res.Message
				if res.Suggestion != "" {
					replanReason += "; " + res.Suggestion
				}
			}
			continue
		}

		// Retry-with-hint path.
		if task.Attempts <= o.cfg.MaxTaskRetries {
			task.Status = plan.StatusPending
			task.AddNote("verification failed: %s", res.Message)
			for _, d := range res.Details {
				task.AddNote("%s", d)
			}
		} else {
			task.Status = plan.StatusFailed
			task.Error = res.Message
			exhausted = true
		}
	}
	return replanReason, exhausted
}

// reevaluate implements the per-task gate: a destructive task whose touched
// paths are referenced by any pending task forces a replan.
func (o *Orchestrator) reevaluate(task *plan.Task) string {
	if !task.ActionType.IsDestructive() {
		return ""
	}
	touched := make(map[string]struct{})
	for _, p := range task.PathTokens() {
		touched[p] = struct{}{}
	}
	for _, pending := range o.plan.Pending() {
		for _, p := range pending.PathTokens() {
			if _, hit := touched[p]; hit {
				logging.Orchestrator("reevaluation: %s task touched %s, referenced by pending %s",
					task.ActionType, p, pending.ID)
				return fmt.Sprintf("completed %s task modified %s, which pending tasks still reference",
					task.ActionType, p)
			}
		}
	}
	return ""
}

// replan drops the pending tail and regenerates it from refreshed context.
func (o *Orchestrator) replan(ctx context.Context, reason string) error {
	o.setPhase(PhaseReplanning)
	o.replans++
	o.caches.ClearAll()
	if err := o.refreshContext(ctx); err != nil {
		return err
	}
	if recap := o.verificationRecap(); recap != "" {
		reason += "\nFailed verifications so far:\n" + recap
	}

	tail, err := o.planner.PlanTail(ctx, planner.Request{
		UserRequest:      o.rctx.Request(),
		Snapshot:         o.rctx.Snapshot(),
		Goals:            o.plan.Goals,
		ReplanReason:     reason,
		CompletedSummary: o.completedSummary(),
	})
	if err != nil {
		return err
	}
	o.plan.ReplaceTail(tail)
	logging.Orchestrator("replanned (%d/%d): %d pending tasks", o.replans, maxReplans, len(tail))
	return nil
}

// verificationRecap summarizes this session's failed verdicts so a replan
// does not repeat an approach the verifier already rejected.
func (o *Orchestrator) verificationRecap() string {
	if o.insights == nil || o.plan == nil {
		return ""
	}
	recs, err := o.insights.VerificationHistory(o.plan.SessionID, 10)
	if err != nil {
		logging.OrchestratorDebug("verification history: %v", err)
		return ""
	}
	var b strings.Builder
	for _, r := range recs {
		if r.Passed {
			continue
		}
		fmt.Fprintf(&b, "- %s task (attempt %d): %s\n", r.ActionType, r.Attempt, r.Message)
	}
	return b.String()
}

func (o *Orchestrator) completedSummary() string {
	var b strings.Builder
	for _, t := range o.plan.Tasks {
		if t.Status == plan.StatusCompleted {
			fmt.Fprintf(&b, "- [%s] %s\n", t.ActionType, t.Description)
		}
	}
	return b.String()
}

// refreshContext rebuilds the repository snapshot.
func (o *Orchestrator) refreshContext(ctx context.Context) error {
	snap, err := o.refresher.Refresh(ctx)
	if err != nil {
		return err
	}
	o.rctx.SetSnapshot(snap)
	return nil
}

// skipStranded marks pending tasks whose dependencies failed. Without this
// a failed dependency would leave the loop with pending-but-unrunnable work.
func (o *Orchestrator) skipStranded() {
	for _, t := range o.plan.Pending() {
		for _, dep := range t.Dependencies {
			d := o.plan.TaskByID(dep)
			if d != nil && (d.Status == plan.StatusFailed || d.Status == plan.StatusSkipped) {
				t.Status = plan.StatusSkipped
				t.AddNote("skipped: dependency %s did not complete", dep)
				break
			}
		}
	}
}

// selectBatch picks up to workers ready tasks with pairwise-disjoint target
// paths, so parallel agents never race on a file.
func selectBatch(ready []*plan.Task, workers int) []*plan.Task {
	if workers < 1 {
		workers = 1
	}
	claimed := make(map[string]struct{})
	var batch []*plan.Task
	for _, t := range ready {
		if len(batch) >= workers {
			break
		}
		if !t.NextRetryAt.IsZero() && time.Now().Before(t.NextRetryAt) && len(ready) > 1 {
			continue
		}
		overlap := false
		for _, p := range t.PathTokens() {
			if _, hit := claimed[p]; hit {
				overlap = true
				break
			}
		}
		if overlap {
			continue
		}
		for _, p := range t.PathTokens() {
			claimed[p] = struct{}{}
		}
		batch = append(batch, t)
	}
	if len(batch) == 0 {
		batch = ready[:1]
	}
	return batch
}

func batchMutated(batch []*plan.Task) bool {
	for _, t := range batch {
		if len(t.TouchedPaths()) > 0 {
			return true
		}
	}
	return false
}

// recordVerification persists the verdict when a store is attached.
func (o *Orchestrator) recordVerification(task *plan.Task, res *verify.Result) {
	if o.insights == nil {
		return
	}
	err := o.insights.RecordVerification(store.VerificationRecord{
		SessionID:    o.plan.SessionID,
		TaskID:       task.ID,
		ActionType:   string(task.ActionType),
		Attempt:      task.Attempts,
		Passed:       res.Passed,
		ShouldReplan: res.ShouldReplan,
		Message:      res.Message,
	})
	if err != nil {
		logging.OrchestratorDebug("record verification: %v", err)
	}
}

// finishStopped checkpoints and returns a stopped result.
func (o *Orchestrator) finishStopped(exitCode int) *Result {
	o.setPhase(PhaseStopped)
	path, err := o.ckpts.Save(o.plan)
	if err != nil {
		logging.Orchestrator("checkpoint save failed: %v", err)
	}
	return &Result{
		Phase:          PhaseStopped,
		ExitCode:       exitCode,
		Plan:           o.plan,
		GoalOutcomes:   o.unknownGoals(),
		CheckpointPath: path,
	}
}

func (o *Orchestrator) finishFailed(err error, exitCode int) *Result {
	o.setPhase(PhaseFailed)
	logging.Orchestrator("run failed: %v", err)
	res := &Result{Phase: PhaseFailed, ExitCode: exitCode, Plan: o.plan}
	if o.plan != nil {
		if path, serr := o.ckpts.Save(o.plan); serr == nil {
			res.CheckpointPath = path
		}
		res.GoalOutcomes = o.unknownGoals()
	}
	return res
}
