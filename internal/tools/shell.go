package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/types"
)

// commandAllowList is the curated prefix set run_cmd accepts: language
// toolchains, test runners, formatters, version control, and build tools.
var commandAllowList = []string{
	"go", "gofmt", "goimports",
	"python", "python3", "pip", "pytest", "ruff", "black",
	"node", "npm", "npx", "yarn", "pnpm", "tsc", "eslint", "prettier",
	"cargo", "rustc", "rustfmt",
	"git", "make", "cmake",
	"ls", "cat", "grep", "find", "wc", "diff",
}

// riskyPatterns gate destructive invocations behind explicit confirmation.
var riskyPatterns = []string{
	"git reset --hard",
	"git push --force",
	"git push -f",
	"git clean",
	"rm ",
	"rm\t",
}

// RiskConfirmFunc decides whether a destructive command may run. The
// default denies everything; an interactive frontend can install a prompt.
type RiskConfirmFunc func(command string) bool

// ShellToolset wires run_cmd to the repo root.
type ShellToolset struct {
	registry    *Registry
	root        string
	timeout     time.Duration
	confirmRisk RiskConfirmFunc
}

// cmdResult is the structured payload run_cmd returns to the model.
type cmdResult struct {
	Status   string `json:"status"` // ok | failed | needs_confirmation
	ExitCode int    `json:"exit_code,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// RegisterShellTools registers run_cmd. A nil confirm func denies all
// destructive commands.
func RegisterShellTools(reg *Registry, root string, timeout time.Duration, confirm RiskConfirmFunc) *ShellToolset {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	st := &ShellToolset{registry: reg, root: root, timeout: timeout, confirmRisk: confirm}

	reg.MustRegister(&Tool{
		Name:        "run_cmd",
		Description: "Run a shell command from the curated allow-list (toolchains, test runners, formatters, git, build). Runs in the repository root.",
		Category:    CategoryShell,
		Mutating:    true,
		Schema: Schema{
			Required: []string{"command"},
			Properties: map[string]Property{
				"command": {Type: "string", Description: "The command line to execute"},
			},
		},
		Execute: st.runCmd,
	})
	return st
}

func (st *ShellToolset) runCmd(ctx context.Context, args map[string]any) (string, error) {
	command := strings.TrimSpace(stringArg(args, "command"))

	if !prefixAllowed(command) {
		logging.Tools("run_cmd blocked: %s", command)
		return "", types.NewFailure(types.FailTool, true, "%v: %s", ErrCommandBlocked, command).
			WithHint("allowed command prefixes: %s", strings.Join(allowListSorted(), ", ")).
			Wrap(ErrCommandBlocked)
	}

	if risky := matchRisky(command); risky != "" {
		if st.confirmRisk == nil || !st.confirmRisk(command) {
			logging.Tools("run_cmd risk gate denied: %s", command)
			return marshalResult(cmdResult{
				Status: "needs_confirmation",
				Reason: "destructive command requires confirmation: " + risky,
			})
		}
	}

	if tx := st.registry.Transaction(); tx != nil {
		_ = tx.RecordCommand("run_cmd", command)
	}

	cctx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = st.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := cmdResult{
		Status: "ok",
		Stdout: truncate(stdout.String(), 32*1024),
		Stderr: truncate(stderr.String(), 16*1024),
	}
	if err != nil {
		result.Status = "failed"
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Reason = err.Error()
		}
	}
	return marshalResult(result)
}

func prefixAllowed(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	for _, prefix := range commandAllowList {
		if fields[0] == prefix {
			return true
		}
	}
	return false
}

func matchRisky(command string) string {
	for _, p := range riskyPatterns {
		if strings.Contains(command, p) {
			return strings.TrimSpace(p)
		}
	}
	return ""
}

func allowListSorted() []string {
	out := make([]string, len(commandAllowList))
	copy(out, commandAllowList)
	sort.Strings(out)
	return out
}

func marshalResult(r cmdResult) (string, error) {
	out, err := json.Marshal(r)
	return string(out), err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
