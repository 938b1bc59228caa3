package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/redsand/rev-sub002/internal/analysis"
	"github.com/redsand/rev-sub002/internal/checkpoint"
	"github.com/redsand/rev-sub002/internal/config"
	"github.com/redsand/rev-sub002/internal/llm"
	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/orchestrator"
	"github.com/redsand/rev-sub002/internal/planner"
	"github.com/redsand/rev-sub002/internal/repocontext"
	"github.com/redsand/rev-sub002/internal/store"
	"github.com/redsand/rev-sub002/internal/types"
)

var (
	// Global flags
	workspace string
	provider  string
	model     string
	debug     bool
	assumeYes bool

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "rev",
	Short: "rev - autonomous coding agent",
	Long: `rev plans, executes, and verifies coding tasks in the current repository.

A request is broken into an ordered task plan, each task is dispatched to a
role-specialized sub-agent with a curated tool set, and every file change is
verified before the next batch runs. Interrupted or exhausted runs leave a
checkpoint under .rev_checkpoints/ that "rev resume" continues from.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ws := workspace
		if ws == "" {
			var err error
			if ws, err = os.Getwd(); err != nil {
				return err
			}
		}
		abs, err := filepath.Abs(ws)
		if err != nil {
			return fmt.Errorf("resolve workspace: %w", err)
		}

		cfg, err = config.Load(abs)
		if err != nil {
			return err
		}
		if provider != "" {
			cfg.Provider = provider
		}
		if model != "" {
			cfg.Model = model
		}
		if debug {
			cfg.DebugMode = true
		}

		return logging.Initialize(abs, logging.Options{
			DebugMode: cfg.DebugMode,
			Level:     cfg.LogLevel,
		})
	},
}

// runCmd executes a single request end to end
var runCmd = &cobra.Command{
	Use:   "run [request]",
	Short: "Plan, execute, and verify a coding request",
	Long: `Runs the full pipeline for one request:
  1. Snapshot the repository and (optionally) research the codebase
  2. Build an ordered, dependency-sorted task plan
  3. Dispatch each task to a role-matched sub-agent
  4. Verify every change; replan when verification demands it

Exit codes: 0 success, 1 failed, 2 planning error, 3 verification
exhausted, 4 budget exhausted, 5 interrupted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

// resumeCmd continues from a checkpoint
var resumeCmd = &cobra.Command{
	Use:   "resume [checkpoint-file]",
	Short: "Resume an interrupted or exhausted run",
	Long: `Loads a checkpoint and continues executing its plan. With no argument
the most recent checkpoint in the checkpoint directory is used. Tasks that
were in flight when the run stopped are reset to pending and re-dispatched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: resumeRun,
}

// planCmd builds and prints a plan without executing it
var planCmd = &cobra.Command{
	Use:   "plan [request]",
	Short: "Build the task plan for a request without executing it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  dryRunPlan,
}

// checkpointsCmd lists saved checkpoints
var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List saved checkpoints, newest last",
	RunE:  listCheckpoints,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&provider, "provider", "", "Model provider (openai, anthropic, gemini, xai, openrouter, local)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Model name override for the provider")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging under .rev/logs/")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Approve destructive shell commands without prompting")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(checkpointsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newClient resolves the provider and builds the model client.
func newClient(caches *analysis.Caches) (*llm.Client, error) {
	pc, err := llm.DetectProvider(cfg)
	if err != nil {
		return nil, err
	}
	return llm.New(pc, cfg, caches)
}

// phaseClientOverrides builds one client per configured phase provider
// (phase_providers in config.yaml, or REV_PROVIDER_PLANNING and friends).
func phaseClientOverrides() (map[string]types.LLMClient, error) {
	if len(cfg.PhaseProviders) == 0 {
		return nil, nil
	}
	clients := make(map[string]types.LLMClient, len(cfg.PhaseProviders))
	for phase, prov := range cfg.PhaseProviders {
		phaseCfg := *cfg
		phaseCfg.Provider = prov
		phaseCfg.Model = "" // the override provider picks its own default
		pc, err := llm.DetectProvider(&phaseCfg)
		if err != nil {
			return nil, fmt.Errorf("%s phase provider: %w", phase, err)
		}
		c, err := llm.New(pc, cfg, analysis.New())
		if err != nil {
			return nil, fmt.Errorf("%s phase provider: %w", phase, err)
		}
		clients[phase] = c
	}
	return clients, nil
}

// confirmRisk prompts on the terminal before a destructive shell command
// runs. --yes approves everything; a non-interactive stdin denies.
func confirmRisk(command string) bool {
	if assumeYes {
		return true
	}
	fmt.Fprintf(os.Stderr, "agent wants to run a destructive command:\n  %s\nallow? [y/N] ", command)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// buildOrchestrator wires the orchestrator and its persistent store.
func buildOrchestrator() (*orchestrator.Orchestrator, *store.Store, error) {
	client, err := newClient(analysis.New())
	if err != nil {
		return nil, nil, err
	}

	// The insight store is optional: a locked or unwritable database
	// degrades to a run without cross-session memory.
	insights, err := store.Open(filepath.Join(cfg.Workspace, ".rev", "insights.db"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning: insight store unavailable:", err)
		insights = nil
	}

	phaseClients, err := phaseClientOverrides()
	if err != nil {
		if insights != nil {
			insights.Close()
		}
		return nil, nil, err
	}

	o, err := orchestrator.New(cfg, orchestrator.Deps{
		Client:       client,
		Insights:     insights,
		ConfirmRisk:  confirmRisk,
		PhaseClients: phaseClients,
	})
	if err != nil {
		if insights != nil {
			insights.Close()
		}
		return nil, nil, err
	}
	return o, insights, nil
}

// watchSignals forwards the first SIGINT/SIGTERM as a cooperative interrupt
// and hard-exits on the second.
func watchSignals(o *orchestrator.Orchestrator) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ninterrupting: finishing the current tool call, writing a checkpoint (press again to force quit)")
		o.Interrupt()
		<-sigCh
		os.Exit(orchestrator.ExitInterrupted)
	}()
	return func() { signal.Stop(sigCh) }
}

func runRequest(cmd *cobra.Command, args []string) error {
	request := strings.Join(args, " ")

	o, insights, err := buildOrchestrator()
	if err != nil {
		return err
	}
	if insights != nil {
		defer insights.Close()
	}
	stop := watchSignals(o)
	defer stop()

	result, err := o.Run(context.Background(), request)
	if err != nil {
		return err
	}
	report(result)
	os.Exit(result.ExitCode)
	return nil
}

func resumeRun(cmd *cobra.Command, args []string) error {
	mgr := checkpoint.NewManager(cfg.CheckpointDir, cfg.CheckpointKeep)

	var (
		doc *checkpoint.Document
		err error
	)
	if len(args) == 1 {
		doc, err = mgr.Load(args[0])
	} else {
		doc, err = mgr.Latest()
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	o, insights, err := buildOrchestrator()
	if err != nil {
		return err
	}
	if insights != nil {
		defer insights.Close()
	}
	stop := watchSignals(o)
	defer stop()

	fmt.Printf("resuming session %s (checkpoint %d, %d/%d tasks done)\n",
		doc.SessionID, doc.CheckpointNumber,
		doc.ResumeInfo.TasksCompleted, doc.ResumeInfo.TasksTotal)

	result, err := o.Resume(context.Background(), doc)
	if err != nil {
		return err
	}
	report(result)
	os.Exit(result.ExitCode)
	return nil
}

func dryRunPlan(cmd *cobra.Command, args []string) error {
	request := strings.Join(args, " ")
	ctx := context.Background()

	client, err := newClient(analysis.New())
	if err != nil {
		return err
	}
	snapshot, err := repocontext.NewRefresher(cfg.Workspace).Refresh(ctx)
	if err != nil {
		return err
	}

	goals := planner.DeriveGoals(request)
	execPlan, err := planner.New(client).BuildPlan(ctx, planner.Request{
		UserRequest: request,
		Snapshot:    snapshot,
		Goals:       goals,
	})
	if err != nil {
		return err
	}

	fmt.Printf("plan for session %s:\n%s", execPlan.SessionID, execPlan.Summary())
	if len(execPlan.Goals) > 0 {
		fmt.Println("\ngoals:")
		for _, g := range execPlan.Goals {
			fmt.Printf("  - %s\n", g.Description)
		}
	}
	return nil
}

func listCheckpoints(cmd *cobra.Command, args []string) error {
	entries, err := os.ReadDir(cfg.CheckpointDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no checkpoints")
			return nil
		}
		return err
	}

	mgr := checkpoint.NewManager(cfg.CheckpointDir, cfg.CheckpointKeep)
	found := false
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		doc, err := mgr.Load(filepath.Join(cfg.CheckpointDir, e.Name()))
		if err != nil {
			continue
		}
		found = true
		fmt.Printf("%s  session=%s  %d/%d done  %d%%  next: %s\n",
			e.Name(), doc.SessionID,
			doc.ResumeInfo.TasksCompleted, doc.ResumeInfo.TasksTotal,
			doc.ResumeInfo.ProgressPercent, doc.ResumeInfo.NextTaskDescription)
	}
	if !found {
		fmt.Println("no checkpoints")
	}
	return nil
}

// report prints the run outcome for the terminal.
func report(r *orchestrator.Result) {
	fmt.Printf("\nrun finished: %s\n", r.Phase)
	if r.Plan != nil {
		completed, pending, failed, total := r.Plan.Counts()
		fmt.Printf("tasks: %d/%d completed, %d pending, %d failed\n", completed, total, pending, failed)
	}
	for desc, outcome := range r.GoalOutcomes {
		fmt.Printf("goal %-7s %s\n", string(outcome)+":", desc)
	}
	if r.CheckpointPath != "" {
		fmt.Printf("checkpoint: %s\n", r.CheckpointPath)
	}
}
