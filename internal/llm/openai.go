package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redsand/rev-sub002/internal/logging"
	"github.com/redsand/rev-sub002/internal/types"
)

// openAIBackend speaks the chat-completions dialect. It also serves xAI,
// OpenRouter, and local endpoints, which expose the same wire format under
// a different base URL.
type openAIBackend struct {
	prov       Provider
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func newOpenAIBackend(pc *ProviderConfig, timeout time.Duration) *openAIBackend {
	baseURL := pc.BaseURL
	if baseURL == "" {
		switch pc.Provider {
		case ProviderXAI:
			baseURL = "https://api.x.ai/v1"
		case ProviderOpenRouter:
			baseURL = "https://openrouter.ai/api/v1"
		case ProviderLocal:
			baseURL = localBaseURL()
		default:
			baseURL = "https://api.openai.com/v1"
		}
	}
	return &openAIBackend{
		prov:       pc.Provider,
		apiKey:     pc.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (b *openAIBackend) provider() Provider { return b.prov }

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	Name       string       `json:"name,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
}

type oaToolCall struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type oaRequest struct {
	Model         string      `json:"model"`
	Messages      []oaMessage `json:"messages"`
	Tools         []oaTool    `json:"tools,omitempty"`
	ToolChoice    string      `json:"tool_choice,omitempty"`
	Temperature   float64     `json:"temperature"`
	Stream        bool        `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type oaResponse struct {
	Choices []struct {
		Message *struct {
			Content   string       `json:"content"`
			ToolCalls []oaToolCall `json:"tool_calls"`
		} `json:"message"`
		Delta *struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int        `json:"index"`
				ID       string     `json:"id"`
				Function oaFunction `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (b *openAIBackend) buildRequest(req *request, stream bool) oaRequest {
	body := oaRequest{
		Model:       req.model,
		Temperature: 0.1,
		Stream:      stream,
	}
	for _, m := range req.messages {
		om := oaMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Input)
			om.ToolCalls = append(om.ToolCalls, oaToolCall{
				ID: tc.ID, Type: "function",
				Function: oaFunction{Name: tc.Name, Arguments: string(args)},
			})
		}
		body.Messages = append(body.Messages, om)
	}
	for _, t := range req.tools {
		var ot oaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.InputSchema
		body.Tools = append(body.Tools, ot)
	}
	switch req.choice {
	case choiceRequired:
		body.ToolChoice = "required"
	case choiceAuto:
		body.ToolChoice = "auto"
	}
	if stream {
		body.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}
	return body
}

func (b *openAIBackend) do(ctx context.Context, body oaRequest, stream bool) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &httpError{Status: resp.StatusCode, Body: string(raw)}
	}
	return resp, nil
}

func (b *openAIBackend) chat(ctx context.Context, req *request) (*types.ChatResponse, error) {
	resp, err := b.do(ctx, b.buildRequest(req, false), false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var parsed oaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil {
		return nil, fmt.Errorf("no completion returned")
	}

	choice := parsed.Choices[0]
	out := &types.ChatResponse{
		Text:       strings.TrimSpace(choice.Message.Content),
		StopReason: normalizeFinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		args, err := NormalizeArgs(tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:    EnsureCallID(tc.ID),
			Name:  tc.Function.Name,
			Input: args,
		})
	}
	if parsed.Usage != nil {
		out.Usage = types.UsageMetadata{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		}
	}
	return out, nil
}

func (b *openAIBackend) chatStream(ctx context.Context, req *request) (<-chan types.StreamDelta, error) {
	resp, err := b.do(ctx, b.buildRequest(req, true), true)
	if err != nil {
		return nil, err
	}

	out := make(chan types.StreamDelta, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var usage types.UsageMetadata
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				break
			}

			var chunk oaResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Usage != nil {
				usage = types.UsageMetadata{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				select {
				case out <- types.StreamDelta{Text: delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				select {
				case out <- types.StreamDelta{
					ToolCallIndex: tc.Index,
					ToolCallID:    tc.ID,
					ToolName:      tc.Function.Name,
					ArgsFragment:  tc.Function.Arguments,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			logging.LLM("stream read error: %v", err)
		}
		out <- types.StreamDelta{Done: true, Usage: usage}
	}()
	return out, nil
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "tool_use":
		return "tool_use"
	case "length", "max_tokens":
		return "length"
	case "":
		return "stop"
	default:
		return "stop"
	}
}
