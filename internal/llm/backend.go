package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redsand/rev-sub002/internal/types"
)

// toolChoice is the client-internal enforcement level for a request.
type toolChoice int

const (
	choiceNone     toolChoice = iota // no tool_choice field sent
	choiceAuto                       // model may answer with text
	choiceRequired                   // model must call a tool
)

func (c toolChoice) String() string {
	switch c {
	case choiceAuto:
		return "auto"
	case choiceRequired:
		return "required"
	}
	return "none"
}

// request is the provider-neutral call a backend translates.
type request struct {
	model    string
	messages []types.Message
	tools    []types.ToolDefinition
	choice   toolChoice
}

// backend is one provider implementation.
type backend interface {
	provider() Provider
	chat(ctx context.Context, req *request) (*types.ChatResponse, error)
	chatStream(ctx context.Context, req *request) (<-chan types.StreamDelta, error)
}

// httpError carries the status code so the client can distinguish the
// 400-class degradation path from retryable transport failures.
type httpError struct {
	Status int
	Body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("api request failed with status %d: %.200s", e.Status, e.Body)
}

// isBadRequest reports a 4xx error other than rate limiting: the request
// shape itself was rejected, so retrying unchanged cannot help.
func isBadRequest(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.Status >= 400 && he.Status < 500 && he.Status != http.StatusTooManyRequests
	}
	return false
}

// isRetryable reports errors worth retrying unchanged: rate limits, server
// errors, and network failures.
func isRetryable(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.Status == http.StatusTooManyRequests || he.Status >= 500
	}
	// Network-level errors arrive as plain errors from the HTTP client.
	return !isBadRequest(err)
}
