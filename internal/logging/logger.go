// Package logging provides config-driven categorized file logging for rev.
// Each category writes to its own file under .rev/logs/ via a zap core.
// When debug mode is off the whole package is a silent no-op, so hot paths
// may log freely.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging subsystem. One log file per category.
type Category string

const (
	CategoryBoot         Category = "boot"
	CategoryOrchestrator Category = "orchestrator"
	CategoryPlanner      Category = "planner"
	CategoryAgents       Category = "agents"
	CategoryTools        Category = "tools"
	CategoryLLM          Category = "llm"
	CategoryCache        Category = "cache"
	CategoryRepo         Category = "repo"
	CategoryVerify       Category = "verify"
	CategoryCheckpoint   Category = "checkpoint"
	CategoryStore        Category = "store"
)

// Logger wraps a category-scoped sugared zap logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*Logger)
	logsDir   string
	debugMode bool
	level     zapcore.Level = zapcore.DebugLevel
)

// Options controls logger initialization.
type Options struct {
	// DebugMode enables file logging; when false every call is a no-op.
	DebugMode bool
	// Level is the minimum level written ("debug", "info", "warn", "error").
	Level string
	// Categories restricts logging to the named categories when non-empty.
	Categories map[string]bool
}

var enabledCategories map[string]bool

// Initialize sets up the log directory for the given workspace. Safe to call
// more than once; later calls rebind the directory.
func Initialize(workspace string, opts Options) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	mu.Lock()
	defer mu.Unlock()

	debugMode = opts.DebugMode
	enabledCategories = opts.Categories
	if l, err := zapcore.ParseLevel(opts.Level); err == nil && opts.Level != "" {
		level = l
	}

	loggers = make(map[Category]*Logger)
	logsDir = filepath.Join(workspace, ".rev", "logs")

	if !debugMode {
		return nil
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := getLocked(CategoryBoot)
	boot.Info("=== rev logging initialized ===")
	boot.Info("workspace: %s", workspace)
	boot.Info("level: %s", level)
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *Logger {
	mu.Lock()
	defer mu.Unlock()
	return getLocked(cat)
}

func getLocked(cat Category) *Logger {
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := &Logger{category: cat}
	if debugMode && categoryEnabled(cat) {
		l.sugar = buildSugar(cat)
	}
	loggers[cat] = l
	return l
}

func categoryEnabled(cat Category) bool {
	if len(enabledCategories) == 0 {
		return true
	}
	return enabledCategories[string(cat)]
}

// buildSugar creates a file-backed zap logger for one category.
func buildSugar(cat Category) *zap.SugaredLogger {
	path := filepath.Join(logsDir, string(cat)+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] cannot open %s: %v\n", path, err)
		return nil
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(f), level)
	return zap.New(core).Sugar().Named(string(cat))
}

// Debug logs at debug level with fmt-style formatting.
func (l *Logger) Debug(format string, args ...any) {
	if l != nil && l.sugar != nil {
		l.sugar.Debugf(format, args...)
	}
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...any) {
	if l != nil && l.sugar != nil {
		l.sugar.Infof(format, args...)
	}
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...any) {
	if l != nil && l.sugar != nil {
		l.sugar.Warnf(format, args...)
	}
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...any) {
	if l != nil && l.sugar != nil {
		l.sugar.Errorf(format, args...)
	}
}

// Sync flushes all open category loggers. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
	}
}

// Category convenience helpers. These keep call sites short and make the
// category explicit at a glance, matching the rest of the codebase.

func Boot(format string, args ...any)         { Get(CategoryBoot).Info(format, args...) }
func Orchestrator(format string, args ...any) { Get(CategoryOrchestrator).Info(format, args...) }
func OrchestratorDebug(format string, args ...any) {
	Get(CategoryOrchestrator).Debug(format, args...)
}
func Planner(format string, args ...any)         { Get(CategoryPlanner).Info(format, args...) }
func PlannerDebug(format string, args ...any)    { Get(CategoryPlanner).Debug(format, args...) }
func Agents(format string, args ...any)          { Get(CategoryAgents).Info(format, args...) }
func AgentsDebug(format string, args ...any)     { Get(CategoryAgents).Debug(format, args...) }
func Tools(format string, args ...any)           { Get(CategoryTools).Info(format, args...) }
func ToolsDebug(format string, args ...any)      { Get(CategoryTools).Debug(format, args...) }
func LLM(format string, args ...any)             { Get(CategoryLLM).Info(format, args...) }
func LLMDebug(format string, args ...any)        { Get(CategoryLLM).Debug(format, args...) }
func CacheDebug(format string, args ...any)      { Get(CategoryCache).Debug(format, args...) }
func Repo(format string, args ...any)            { Get(CategoryRepo).Info(format, args...) }
func RepoDebug(format string, args ...any)       { Get(CategoryRepo).Debug(format, args...) }
func Verify(format string, args ...any)          { Get(CategoryVerify).Info(format, args...) }
func VerifyDebug(format string, args ...any)     { Get(CategoryVerify).Debug(format, args...) }
func Checkpoint(format string, args ...any)      { Get(CategoryCheckpoint).Info(format, args...) }
func CheckpointDebug(format string, args ...any) { Get(CategoryCheckpoint).Debug(format, args...) }
func StoreDebug(format string, args ...any)      { Get(CategoryStore).Debug(format, args...) }
func StoreError(format string, args ...any)      { Get(CategoryStore).Error(format, args...) }
