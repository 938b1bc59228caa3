package llm

import (
	"sort"
	"strings"

	"github.com/redsand/rev-sub002/internal/types"
)

// partialCall accumulates one tool call across stream deltas.
type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// Assembler folds a delta stream into a complete response. Argument
// fragments are concatenated by call index; a fragment never starts a new
// call unless it carries a new index. Dispatch happens only after Done.
type Assembler struct {
	text  strings.Builder
	calls map[int]*partialCall
	usage types.UsageMetadata
	done  bool
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{calls: make(map[int]*partialCall)}
}

// Add folds one delta into the assembly.
func (a *Assembler) Add(d types.StreamDelta) {
	if d.Text != "" {
		a.text.WriteString(d.Text)
	}
	if d.ToolName != "" || d.ArgsFragment != "" || d.ToolCallID != "" {
		pc := a.calls[d.ToolCallIndex]
		if pc == nil {
			pc = &partialCall{}
			a.calls[d.ToolCallIndex] = pc
		}
		if d.ToolCallID != "" {
			pc.id = d.ToolCallID
		}
		if d.ToolName != "" {
			pc.name = d.ToolName
		}
		pc.args.WriteString(d.ArgsFragment)
	}
	if d.Done {
		a.done = true
		if d.Usage.TotalTokens > 0 || d.Usage.InputTokens > 0 {
			a.usage = d.Usage
		}
	}
}

// Finalize parses the accumulated calls and returns the response. It is an
// error to finalize before the stream signaled Done.
func (a *Assembler) Finalize() (*types.ChatResponse, error) {
	if !a.done {
		return nil, types.NewFailure(types.FailTransport, true, "stream ended without done signal")
	}

	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	resp := &types.ChatResponse{
		Text:       a.text.String(),
		Usage:      a.usage,
		StopReason: "stop",
	}
	for _, i := range indexes {
		pc := a.calls[i]
		args, err := NormalizeArgs(pc.args.String())
		if err != nil {
			return nil, err
		}
		resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
			ID:    EnsureCallID(pc.id),
			Name:  pc.name,
			Input: args,
		})
	}
	if len(resp.ToolCalls) > 0 {
		resp.StopReason = "tool_use"
	}
	return resp, nil
}

// Collect drains a delta stream and assembles the final response.
func Collect(ch <-chan types.StreamDelta) (*types.ChatResponse, error) {
	a := NewAssembler()
	for d := range ch {
		a.Add(d)
	}
	return a.Finalize()
}
