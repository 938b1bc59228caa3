package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redsand/rev-sub002/internal/types"
)

func TestAssembleConcatenatesFragmentsByIndex(t *testing.T) {
	a := NewAssembler()
	a.Add(types.StreamDelta{ToolCallIndex: 0, ToolCallID: "c1", ToolName: "write_file"})
	a.Add(types.StreamDelta{ToolCallIndex: 0, ArgsFragment: `{"a":`})
	a.Add(types.StreamDelta{ToolCallIndex: 0, ArgsFragment: `1}`})
	a.Add(types.StreamDelta{Done: true})

	resp, err := a.Finalize()
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1, "fragments merge into one call, not a list of calls")
	assert.Equal(t, "write_file", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"a": float64(1)}, resp.ToolCalls[0].Input)
	assert.Equal(t, "tool_use", resp.StopReason)
}

func TestAssembleMultipleCallsKeepOrder(t *testing.T) {
	a := NewAssembler()
	a.Add(types.StreamDelta{ToolCallIndex: 1, ToolName: "second", ArgsFragment: `{}`})
	a.Add(types.StreamDelta{ToolCallIndex: 0, ToolName: "first", ArgsFragment: `{}`})
	a.Add(types.StreamDelta{Done: true})

	resp, err := a.Finalize()
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "first", resp.ToolCalls[0].Name)
	assert.Equal(t, "second", resp.ToolCalls[1].Name)
}

func TestAssembleGeneratesMissingIDs(t *testing.T) {
	a := NewAssembler()
	a.Add(types.StreamDelta{ToolCallIndex: 0, ToolName: "read_file", ArgsFragment: `{"path":"x"}`})
	a.Add(types.StreamDelta{Done: true})

	resp, err := a.Finalize()
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ToolCalls[0].ID)
}

func TestAssembleTextAndUsage(t *testing.T) {
	a := NewAssembler()
	a.Add(types.StreamDelta{Text: "hello "})
	a.Add(types.StreamDelta{Text: "world"})
	a.Add(types.StreamDelta{Done: true, Usage: types.UsageMetadata{InputTokens: 5, OutputTokens: 2, TotalTokens: 7}})

	resp, err := a.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Text)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.StopReason)
}

func TestFinalizeWithoutDoneFails(t *testing.T) {
	a := NewAssembler()
	a.Add(types.StreamDelta{Text: "partial"})
	_, err := a.Finalize()
	assert.Error(t, err)
}

func TestNormalizeArgsRepairsNearJSON(t *testing.T) {
	args, err := NormalizeArgs(`{path: 'a.txt', content: "x",}`)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", args["path"])

	args, err = NormalizeArgs("")
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = NormalizeArgs("not json at all {{{")
	assert.Error(t, err)
}
