package llm

import (
	"context"
	"sync"

	"github.com/redsand/rev-sub002/internal/types"
)

// MockCall records one request seen by the mock backend, including the
// enforcement level the client chose.
type MockCall struct {
	Messages   []types.Message
	Tools      []types.ToolDefinition
	ToolChoice string
}

// MockBackend is a scripted backend for tests. Responses and streams are
// consumed in order; when the script runs out the last entry repeats.
// Respond may be set instead for request-dependent behavior.
type MockBackend struct {
	mu        sync.Mutex
	calls     []MockCall
	responses []*types.ChatResponse
	streams   [][]types.StreamDelta
	errs      []error
	chatIdx   int
	streamIdx int

	// Respond, when non-nil, overrides the scripted responses.
	Respond func(call MockCall) (*types.ChatResponse, error)
}

// NewMockBackend creates an empty mock.
func NewMockBackend() *MockBackend { return &MockBackend{} }

func (m *MockBackend) provider() Provider { return ProviderMock }

// QueueResponse appends a scripted chat response.
func (m *MockBackend) QueueResponse(resp *types.ChatResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	m.errs = append(m.errs, nil)
}

// QueueError appends a scripted failure.
func (m *MockBackend) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, nil)
	m.errs = append(m.errs, err)
}

// QueueStream appends a scripted delta stream.
func (m *MockBackend) QueueStream(deltas []types.StreamDelta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, deltas)
}

// Calls returns every request the mock has seen.
func (m *MockBackend) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockBackend) record(req *request) MockCall {
	call := MockCall{Messages: req.messages, Tools: req.tools, ToolChoice: req.choice.String()}
	m.calls = append(m.calls, call)
	return call
}

func (m *MockBackend) chat(ctx context.Context, req *request) (*types.ChatResponse, error) {
	m.mu.Lock()
	call := m.record(req)
	respond := m.Respond
	var resp *types.ChatResponse
	var err error
	if respond == nil {
		idx := m.chatIdx
		m.chatIdx++
		if idx >= len(m.responses) {
			idx = len(m.responses) - 1
		}
		if idx < 0 {
			m.mu.Unlock()
			return &types.ChatResponse{Text: "ok", StopReason: "stop"}, nil
		}
		resp, err = m.responses[idx], m.errs[idx]
	}
	m.mu.Unlock()

	if respond != nil {
		return respond(call)
	}
	return resp, err
}

func (m *MockBackend) chatStream(ctx context.Context, req *request) (<-chan types.StreamDelta, error) {
	m.mu.Lock()
	m.record(req)
	idx := m.streamIdx
	m.streamIdx++
	if idx >= len(m.streams) {
		idx = len(m.streams) - 1
	}
	var deltas []types.StreamDelta
	if idx >= 0 {
		deltas = m.streams[idx]
	}
	m.mu.Unlock()

	out := make(chan types.StreamDelta, len(deltas)+1)
	go func() {
		defer close(out)
		for _, d := range deltas {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
