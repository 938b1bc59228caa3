// Package tools provides the registry of named operations the sub-agents
// can invoke. Each tool declares a name, description, and argument schema;
// the registry validates arguments, dispatches the handler, and records the
// invocation into the active transaction.
package tools

import (
	"context"

	"github.com/redsand/rev-sub002/internal/types"
)

// Category classifies tools for role-based filtering.
type Category string

const (
	CategoryFile     Category = "file"
	CategoryShell    Category = "shell"
	CategoryTest     Category = "test"
	CategorySearch   Category = "search"
	CategoryResearch Category = "research"
)

// Property describes a single argument in a tool schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum,omitempty"`
	Items       *Items `json:"items,omitempty"`
}

// Items describes the element schema for array-typed arguments.
type Items struct {
	Type string `json:"type"`
}

// Schema defines the expected arguments for a tool.
type Schema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// ExecuteFunc runs a tool. The returned string is the JSON-serializable
// result payload surfaced back to the model.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registered operation.
type Tool struct {
	Name        string
	Description string
	Category    Category
	Schema      Schema
	Execute     ExecuteFunc

	// Mutating marks tools whose handlers change the filesystem. The
	// orchestrator uses this to decide whether a verification pass and a
	// context refresh are needed after the task.
	Mutating bool
}

// Validate checks the tool declaration.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Definition renders the tool in the canonical LM-facing shape.
func (t *Tool) Definition() types.ToolDefinition {
	props := make(map[string]any, len(t.Schema.Properties))
	for name, p := range t.Schema.Properties {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Items != nil {
			prop["items"] = map[string]any{"type": p.Items.Type}
		}
		props[name] = prop
	}
	required := t.Schema.Required
	if required == nil {
		required = []string{}
	}
	return types.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

// Result wraps a tool execution with metadata.
type Result struct {
	ToolName   string `json:"tool_name"`
	Output     string `json:"output"`
	Error      error  `json:"-"`
	DurationMs int64  `json:"duration_ms"`
}

// IsSuccess reports whether the tool executed without error.
func (r *Result) IsSuccess() bool { return r.Error == nil }
