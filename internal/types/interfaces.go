// Package types holds the shared contracts that cross package boundaries:
// the LLM client interface, the tool-call protocol types, and the failure
// taxonomy. Keeping them here avoids import cycles between the orchestrator,
// the sub-agents, and the provider clients.
package types

import "context"

// Message is one entry in a model conversation. Role is one of
// "system", "user", "assistant", or "tool".
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"` // set on role="tool" messages
	Name       string `json:"name,omitempty"`         // tool name for role="tool" messages

	// ToolCalls is populated on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolDefinition describes a tool the model may invoke. InputSchema is a
// JSON Schema object in the canonical {type:"object", properties, required}
// shape; provider clients translate it to their own vocabulary.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolCall represents a tool invocation requested by the model. Input is
// always a parsed map: providers that return arguments as a JSON string have
// them normalized before the call is surfaced.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// UsageMetadata captures token usage from a single model call.
type UsageMetadata struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChatResponse contains the assistant text and any tool calls from one call.
type ChatResponse struct {
	Text      string        `json:"text"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	Usage     UsageMetadata `json:"usage"`
	// StopReason is the provider-normalized finish reason: "stop",
	// "tool_use", "length", or "error".
	StopReason string `json:"stop_reason"`
}

// StreamDelta is one increment of a streamed response. Tool-call argument
// fragments carry the call index they belong to; fragments with the same
// index are concatenated, never treated as separate calls.
type StreamDelta struct {
	Text string `json:"text,omitempty"`

	// ToolCallIndex is the position of the tool call this delta extends.
	// Valid only when ToolName or ArgsFragment is set.
	ToolCallIndex int    `json:"tool_call_index,omitempty"`
	ToolCallID    string `json:"tool_call_id,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
	ArgsFragment  string `json:"args_fragment,omitempty"`

	// Done signals end of the stream; assembled tool calls may be
	// dispatched only after it is observed.
	Done  bool          `json:"done,omitempty"`
	Usage UsageMetadata `json:"usage,omitempty"`
}

// LLMClient is the provider-agnostic surface every sub-agent drives.
// When tools is non-empty the implementation must enforce a tool choice so
// the model cannot reply with text only (see llm.Client for the degradation
// ladder on providers that reject the parameter).
type LLMClient interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition) (*ChatResponse, error)
	ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamDelta, error)
}
