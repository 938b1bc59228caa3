// Package llm implements the provider-agnostic model client: request
// building, tool-choice enforcement, streaming delta assembly, retry with
// backoff, and argument-shape normalization. Sub-agents and the planner see
// only the canonical types; provider vocabulary never leaks upward.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redsand/rev-sub002/internal/analysis"
	"github.com/redsand/rev-sub002/internal/config"
	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/types"
)

// Client wraps one provider backend with the enforcement and recovery
// contract every sub-agent relies on. Implements types.LLMClient.
type Client struct {
	backend backend
	prov    Provider
	model   string

	caches         *analysis.Caches
	maxRetries     int
	initialTimeout time.Duration
	maxTimeout     time.Duration
}

var _ types.LLMClient = (*Client)(nil)

// New builds a client for the resolved provider. caches may be nil to
// disable response caching.
func New(pc *ProviderConfig, cfg *config.Config, caches *analysis.Caches) (*Client, error) {
	var (
		b   backend
		err error
	)
	switch pc.Provider {
	case ProviderAnthropic:
		b = newAnthropicBackend(pc, cfg.MaxTimeout)
	case ProviderGemini:
		b, err = newGeminiBackend(pc)
	case ProviderOpenAI, ProviderXAI, ProviderOpenRouter, ProviderLocal:
		b = newOpenAIBackend(pc, cfg.MaxTimeout)
	default:
		err = fmt.Errorf("unknown provider: %s", pc.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewWithBackend(b, pc.Model, cfg, caches), nil
}

// NewWithBackend wires a client around an explicit backend. Tests inject
// mocks through this.
func NewWithBackend(b backend, model string, cfg *config.Config, caches *analysis.Caches) *Client {
	return &Client{
		backend:        b,
		prov:           b.provider(),
		model:          model,
		caches:         caches,
		maxRetries:     cfg.MaxRetries,
		initialTimeout: cfg.InitialTimeout,
		maxTimeout:     cfg.MaxTimeout,
	}
}

// Provider returns the active provider.
func (c *Client) Provider() Provider { return c.prov }

// Model returns the active model name.
func (c *Client) Model() string { return c.model }

// enforcementFor picks the tool-choice level for a request. Non-empty
// tools always get an enforcement level; strict providers get "required".
func (c *Client) enforcementFor(tools []types.ToolDefinition) toolChoice {
	if len(tools) == 0 {
		return choiceNone
	}
	if c.prov.toolChoiceStrict() {
		return choiceRequired
	}
	return choiceAuto
}

// Chat sends a conversation and returns the complete response. When tools
// are offered the model cannot reply with text only unless the provider
// rejects the tool-choice parameter and the degradation path is exhausted.
func (c *Client) Chat(ctx context.Context, messages []types.Message, tools []types.ToolDefinition) (*types.ChatResponse, error) {
	req := &request{
		model:    c.model,
		messages: messages,
		tools:    tools,
		choice:   c.enforcementFor(tools),
	}

	var cacheKey string
	if c.caches != nil {
		cacheKey = analysis.ResponseKey(string(c.prov), c.model, messages, tools)
		if raw, ok := c.caches.GetResponse(cacheKey); ok {
			var cached types.ChatResponse
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				logging.LLMDebug("response cache hit (%s)", cacheKey[:12])
				return &cached, nil
			}
		}
	}

	resp, err := c.callWithRecovery(ctx, req, false, func(ctx context.Context, r *request) (*types.ChatResponse, error) {
		return c.backend.chat(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	// Some providers report no usage; estimate so budget accounting never
	// sees a free call.
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.InputTokens = CountMessages(messages)
		resp.Usage.OutputTokens = CountText(resp.Text)
		resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	}

	if c.caches != nil && cacheKey != "" {
		if raw, merr := json.Marshal(resp); merr == nil {
			c.caches.PutResponse(cacheKey, string(raw))
		}
	}
	return resp, nil
}

// ChatStream sends a conversation and returns the raw delta stream.
// Callers assemble it with Collect or an Assembler; tool calls must not be
// dispatched before the Done delta.
func (c *Client) ChatStream(ctx context.Context, messages []types.Message, tools []types.ToolDefinition) (<-chan types.StreamDelta, error) {
	req := &request{
		model:    c.model,
		messages: messages,
		tools:    tools,
		choice:   c.enforcementFor(tools),
	}

	var stream <-chan types.StreamDelta
	_, err := c.callWithRecovery(ctx, req, true, func(ctx context.Context, r *request) (*types.ChatResponse, error) {
		s, err := c.backend.chatStream(ctx, r)
		if err != nil {
			return nil, err
		}
		stream = s
		return &types.ChatResponse{}, nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

type callFunc func(ctx context.Context, req *request) (*types.ChatResponse, error)

// callWithRecovery runs the transport retry loop and, on 400-class
// rejections of a request that carried tools, walks the degradation
// ladder: once without the tool-choice field, once without tools at all.
// Every degradation step is logged. Streaming calls skip the per-attempt
// deadline: the stream outlives this function and its lifetime belongs to
// the consumer's context.
func (c *Client) callWithRecovery(ctx context.Context, req *request, streaming bool, call callFunc) (*types.ChatResponse, error) {
	degraded := 0 // 0 = as requested, 1 = no tool-choice, 2 = no tools
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			logging.LLMDebug("retrying in %v (attempt %d/%d)", backoff, attempt, c.maxRetries)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, types.NewFailure(types.FailInterrupt, false, "cancelled during retry wait").Wrap(ctx.Err())
			}
		}

		attemptCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && !streaming {
			timeout := c.initialTimeout * time.Duration(1<<uint(attempt))
			if timeout > c.maxTimeout {
				timeout = c.maxTimeout
			}
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		logging.LLMDebug("chat attempt %d: provider=%s model=%s tools=%d choice=%s",
			attempt, c.prov, req.model, len(req.tools), req.choice)
		resp, err := call(attemptCtx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if isBadRequest(err) && len(req.tools) > 0 {
			switch degraded {
			case 0:
				logging.LLM("request rejected with tool-choice set, retrying without tool-choice: %v", err)
				req = &request{model: req.model, messages: req.messages, tools: req.tools, choice: choiceNone}
				degraded = 1
				attempt-- // degradation steps do not consume transport retries
				continue
			case 1:
				logging.LLM("request rejected again, retrying without tools: %v", err)
				req = &request{model: req.model, messages: req.messages, choice: choiceNone}
				degraded = 2
				attempt--
				continue
			}
		}
		if isBadRequest(err) {
			// A malformed request cannot succeed by repetition.
			return nil, types.NewFailure(types.FailTransport, false, "model rejected request: %v", err).Wrap(err)
		}
		if !isRetryable(err) {
			return nil, types.NewFailure(types.FailTransport, false, "model call failed: %v", err).Wrap(err)
		}
	}

	return nil, types.NewFailure(types.FailTransport, true,
		"max retries exceeded after %d attempts: %v", c.maxRetries+1, lastErr).
		WithHint("check provider status and credentials").
		Wrap(lastErr)
}
