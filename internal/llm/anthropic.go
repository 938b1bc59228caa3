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

const anthropicVersion = "2023-06-01"

// anthropicBackend speaks the messages API. Tool-choice "any" is the
// strict-required form: the model cannot reply with text when tools are
// offered.
type anthropicBackend struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func newAnthropicBackend(pc *ProviderConfig, timeout time.Duration) *anthropicBackend {
	baseURL := pc.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return &anthropicBackend{
		apiKey:     pc.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (b *anthropicBackend) provider() Provider { return ProviderAnthropic }

type antContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type antMessage struct {
	Role    string            `json:"role"`
	Content []antContentBlock `json:"content"`
}

type antTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type antRequest struct {
	Model      string            `json:"model"`
	System     string            `json:"system,omitempty"`
	Messages   []antMessage      `json:"messages"`
	MaxTokens  int               `json:"max_tokens"`
	Tools      []antTool         `json:"tools,omitempty"`
	ToolChoice map[string]string `json:"tool_choice,omitempty"`
	Stream     bool              `json:"stream,omitempty"`
}

type antResponse struct {
	Content    []antContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (b *anthropicBackend) buildRequest(req *request, stream bool) antRequest {
	body := antRequest{
		Model:     req.model,
		MaxTokens: 8192,
		Stream:    stream,
	}
	for _, m := range req.messages {
		switch m.Role {
		case "system":
			// The messages API takes system text as a top-level field.
			if body.System != "" {
				body.System += "\n\n"
			}
			body.System += m.Content
		case "tool":
			body.Messages = append(body.Messages, antMessage{
				Role: "user",
				Content: []antContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case "assistant":
			blocks := []antContentBlock{}
			if m.Content != "" {
				blocks = append(blocks, antContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, antContentBlock{
					Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Input,
				})
			}
			body.Messages = append(body.Messages, antMessage{Role: "assistant", Content: blocks})
		default:
			body.Messages = append(body.Messages, antMessage{
				Role:    "user",
				Content: []antContentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}
	for _, t := range req.tools {
		body.Tools = append(body.Tools, antTool{
			Name: t.Name, Description: t.Description, InputSchema: t.InputSchema,
		})
	}
	switch req.choice {
	case choiceRequired:
		body.ToolChoice = map[string]string{"type": "any"}
	case choiceAuto:
		body.ToolChoice = map[string]string{"type": "auto"}
	}
	return body
}

func (b *anthropicBackend) do(ctx context.Context, body antRequest, stream bool) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", b.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
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

func (b *anthropicBackend) chat(ctx context.Context, req *request) (*types.ChatResponse, error) {
	resp, err := b.do(ctx, b.buildRequest(req, false), false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var parsed antResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("api error: %s", parsed.Error.Message)
	}

	out := &types.ChatResponse{StopReason: normalizeAnthropicStop(parsed.StopReason)}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{
				ID:    EnsureCallID(block.ID),
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	out.Text = strings.TrimSpace(out.Text)
	if parsed.Usage != nil {
		out.Usage = types.UsageMetadata{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			TotalTokens:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		}
	}
	return out, nil
}

// antStreamEvent covers the SSE event payloads the assembler needs.
type antStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`

	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`

	// message_start nests usage inside the message envelope.
	Message *struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

func (b *anthropicBackend) chatStream(ctx context.Context, req *request) (<-chan types.StreamDelta, error) {
	resp, err := b.do(ctx, b.buildRequest(req, true), true)
	if err != nil {
		return nil, err
	}

	out := make(chan types.StreamDelta, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var usage types.UsageMetadata
		// Content block index -> tool call index, since text blocks share
		// the same index space.
		toolIndex := make(map[int]int)
		nextTool := 0

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

			var ev antStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "content_block_start":
				if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
					toolIndex[ev.Index] = nextTool
					select {
					case out <- types.StreamDelta{
						ToolCallIndex: nextTool,
						ToolCallID:    ev.ContentBlock.ID,
						ToolName:      ev.ContentBlock.Name,
					}:
					case <-ctx.Done():
						return
					}
					nextTool++
				}
			case "content_block_delta":
				if ev.Delta == nil {
					continue
				}
				switch ev.Delta.Type {
				case "text_delta":
					select {
					case out <- types.StreamDelta{Text: ev.Delta.Text}:
					case <-ctx.Done():
						return
					}
				case "input_json_delta":
					idx, ok := toolIndex[ev.Index]
					if !ok {
						continue
					}
					select {
					case out <- types.StreamDelta{ToolCallIndex: idx, ArgsFragment: ev.Delta.PartialJSON}:
					case <-ctx.Done():
						return
					}
				}
			case "message_delta":
				if ev.Usage != nil {
					usage.OutputTokens = ev.Usage.OutputTokens
					usage.TotalTokens = usage.InputTokens + usage.OutputTokens
				}
			case "message_start":
				if ev.Message != nil {
					usage.InputTokens = ev.Message.Usage.InputTokens
				}
			case "message_stop":
				out <- types.StreamDelta{Done: true, Usage: usage}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logging.LLM("stream read error: %v", err)
		}
		out <- types.StreamDelta{Done: true, Usage: usage}
	}()
	return out, nil
}

func normalizeAnthropicStop(reason string) string {
	switch reason {
	case "tool_use":
		return "tool_use"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}
