// Package config resolves runtime configuration for rev. Precedence is
// environment variables over .rev/config.yaml over built-in defaults. A .env
// file in the workspace root is loaded first so credentials can live outside
// the shell profile.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ExecutionMode selects between a single generalist agent and the
// role-specialized sub-agent router.
type ExecutionMode string

const (
	ModeSingleAgent ExecutionMode = "single"
	ModeSubAgents   ExecutionMode = "subagents"
)

// InterruptPolicy controls what happens to the in-flight task on interrupt.
type InterruptPolicy string

const (
	// InterruptFreeze marks the task stopped and preserves its file state.
	// This is the default: resumed runs reset stopped tasks to pending.
	InterruptFreeze InterruptPolicy = "freeze"
	// InterruptRollback replays pre-state snapshots for the in-flight task.
	InterruptRollback InterruptPolicy = "rollback"
)

// Config is the resolved runtime configuration.
type Config struct {
	Workspace string `yaml:"-"`

	// Provider selection.
	Provider       string            `yaml:"provider"`        // explicit override; empty = detect
	Model          string            `yaml:"model"`           // model override for the provider
	PhaseProviders map[string]string `yaml:"phase_providers"` // per-phase overrides, opt-in

	// Timeouts and retries for model and long tool calls.
	InitialTimeout time.Duration `yaml:"initial_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	MaxRetries     int           `yaml:"max_retries"`

	// Resource budgets for a run. Zero means unlimited.
	MaxSteps     int           `yaml:"max_steps"`
	MaxTokens    int           `yaml:"max_tokens"`
	MaxWallclock time.Duration `yaml:"max_wallclock"`

	// Per-task limits.
	MaxTaskIterations int `yaml:"max_task_iterations"`
	MaxTaskRetries    int `yaml:"max_task_retries"`

	// Dispatch.
	ExecutionMode ExecutionMode `yaml:"execution_mode"`
	Workers       int           `yaml:"workers"`

	// Duplicate-file detection threshold for the verifier and plan fix-up,
	// a character trigram Jaccard similarity in [0,1].
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// Checkpointing.
	CheckpointDir  string          `yaml:"checkpoint_dir"`
	CheckpointKeep int             `yaml:"checkpoint_keep"`
	OnInterrupt    InterruptPolicy `yaml:"on_interrupt"`

	// Optional orchestrator phases.
	EnableResearch   bool `yaml:"enable_research"`
	EnableReview     bool `yaml:"enable_review"`
	EnableLearning   bool `yaml:"enable_learning"`
	OptimizePrompt   bool `yaml:"optimize_prompt"`
	DebugMode        bool `yaml:"debug_mode"`
	LogLevel         string `yaml:"log_level"`
	DisableFileWatch bool `yaml:"disable_file_watch"`
}

// Default returns the built-in defaults for a workspace.
func Default(workspace string) *Config {
	return &Config{
		Workspace:           workspace,
		InitialTimeout:      60 * time.Second,
		MaxTimeout:          10 * time.Minute,
		MaxRetries:          3,
		MaxSteps:            200,
		MaxTokens:           0,
		MaxWallclock:        0,
		MaxTaskIterations:   25,
		MaxTaskRetries:      2,
		ExecutionMode:       ModeSubAgents,
		Workers:             1,
		SimilarityThreshold: 0.55,
		CheckpointDir:       filepath.Join(workspace, ".rev_checkpoints"),
		CheckpointKeep:      10,
		OnInterrupt:         InterruptFreeze,
		EnableResearch:      true,
		LogLevel:            "info",
	}
}

// Load resolves configuration for the workspace: defaults, then
// .rev/config.yaml if present, then environment variables.
func Load(workspace string) (*Config, error) {
	// Best effort; a missing .env is not an error.
	_ = godotenv.Load(filepath.Join(workspace, ".env"))

	cfg := Default(workspace)

	path := filepath.Join(workspace, ".rev", "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		// Relative checkpoint dirs in the file are workspace-relative.
		if cfg.CheckpointDir != "" && !filepath.IsAbs(cfg.CheckpointDir) {
			cfg.CheckpointDir = filepath.Join(workspace, cfg.CheckpointDir)
		}
	}

	applyEnv(cfg)

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.CheckpointKeep < 1 {
		cfg.CheckpointKeep = 10
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = 0.55
	}
	return cfg, nil
}

// applyEnv overlays recognized REV_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("REV_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("REV_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("REV_CHECKPOINT_DIR"); v != "" {
		cfg.CheckpointDir = v
	}
	if v := os.Getenv("REV_EXECUTION_MODE"); v != "" {
		cfg.ExecutionMode = ExecutionMode(v)
	}
	if v := os.Getenv("REV_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v, ok := envInt("REV_MAX_STEPS"); ok {
		cfg.MaxSteps = v
	}
	if v, ok := envInt("REV_MAX_TOKENS"); ok {
		cfg.MaxTokens = v
	}
	if v, ok := envInt("REV_MAX_RETRIES"); ok {
		cfg.MaxRetries = v
	}
	if v, ok := envInt("REV_WORKERS"); ok {
		cfg.Workers = v
	}
	if v, ok := envDuration("REV_INITIAL_TIMEOUT"); ok {
		cfg.InitialTimeout = v
	}
	if v, ok := envDuration("REV_MAX_TIMEOUT"); ok {
		cfg.MaxTimeout = v
	}
	if v, ok := envDuration("REV_MAX_WALLCLOCK"); ok {
		cfg.MaxWallclock = v
	}
	if v := os.Getenv("REV_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SimilarityThreshold = f
		}
	}
	if envBool("REV_DEBUG") {
		cfg.DebugMode = true
	}
	if envBool("REV_INTERRUPT_ROLLBACK") {
		cfg.OnInterrupt = InterruptRollback
	}
	// Per-phase provider overrides: REV_PROVIDER_PLANNING=openai etc.
	for _, phase := range []string{"planning", "research", "executing", "verifying"} {
		key := "REV_PROVIDER_" + strings.ToUpper(phase)
		if v := os.Getenv(key); v != "" {
			if cfg.PhaseProviders == nil {
				cfg.PhaseProviders = make(map[string]string)
			}
			cfg.PhaseProviders[phase] = v
		}
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	// Accept plain seconds or Go duration syntax.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}
