package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/txn"
	"github.com/redsand/rev-sub002/internal/types"
)

// Registry holds all available tools and dispatches sub-agent tool calls.
// Registration is append-only; the tool table is immutable after startup.
// The active transaction slot rotates per task.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	active *txn.Transaction
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Duplicate names are an error.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool

	logging.ToolsDebug("registered tool: %s (category=%s)", tool.Name, tool.Category)
	return nil
}

// MustRegister registers a tool and panics on error. For static
// registration at startup.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders the named tools in the canonical LM-facing shape.
// Unknown names are skipped. A nil filter selects every tool.
func (r *Registry) Definitions(names []string) []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if names == nil {
		names = make([]string, 0, len(r.tools))
		for n := range r.tools {
			names = append(names, n)
		}
		sort.Strings(names)
	}
	defs := make([]types.ToolDefinition, 0, len(names))
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			defs = append(defs, t.Definition())
		}
	}
	return defs
}

// SetTransaction installs the transaction that subsequent invocations
// record into. Pass nil between tasks.
func (r *Registry) SetTransaction(t *txn.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = t
}

// Transaction returns the active transaction, which may be nil.
func (r *Registry) Transaction() *txn.Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Execute runs a tool by name. Unknown tools and schema violations return
// structured failures with actionable hints; handler errors pass through
// as tool failures for the sub-agent to react to.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	tool := r.Get(name)
	if tool == nil {
		err := types.NewFailure(types.FailInvariant, false, "%v: %s", ErrToolNotFound, name).
			WithHint("available tools: %s", strings.Join(r.Names(), ", ")).
			Wrap(ErrToolNotFound)
		return &Result{ToolName: name, Error: err}, err
	}

	start := time.Now()

	if err := validateArgs(tool, args); err != nil {
		failure := types.NewFailure(types.FailSchema, true, "%s", err.Error()).
			WithHint("%s", schemaHint(tool)).Wrap(err)
		return &Result{
			ToolName:   name,
			Error:      failure,
			DurationMs: time.Since(start).Milliseconds(),
		}, failure
	}

	logging.ToolsDebug("executing tool: %s", name)
	output, err := tool.Execute(ctx, args)
	duration := time.Since(start)
	logging.ToolsDebug("tool %s completed in %v (success=%v)", name, duration, err == nil)

	return &Result{
		ToolName:   name,
		Output:     output,
		Error:      err,
		DurationMs: duration.Milliseconds(),
	}, err
}

// validateArgs checks required presence and property types.
func validateArgs(tool *Tool, args map[string]any) error {
	for _, required := range tool.Schema.Required {
		if _, ok := args[required]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingRequiredArg, required)
		}
	}
	for name, val := range args {
		prop, ok := tool.Schema.Properties[name]
		if !ok || val == nil {
			continue
		}
		if !typeMatches(prop.Type, val) {
			return fmt.Errorf("%w: %s must be %s", ErrInvalidArgType, name, prop.Type)
		}
	}
	return nil
}

func typeMatches(schemaType string, val any) bool {
	switch schemaType {
	case "string":
		_, ok := val.(string)
		return ok
	case "number", "integer":
		switch val.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	default:
		return true
	}
}

func schemaHint(tool *Tool) string {
	var parts []string
	for name, p := range tool.Schema.Properties {
		parts = append(parts, fmt.Sprintf("%s (%s)", name, p.Type))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s expects: %s; required: %s",
		tool.Name, strings.Join(parts, ", "), strings.Join(tool.Schema.Required, ", "))
}
