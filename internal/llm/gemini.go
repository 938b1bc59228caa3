package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/redsand/rev-sub002/internal/types"
)

// geminiBackend drives the official genai SDK. Function-calling mode ANY is
// the strict-required form for this provider.
type geminiBackend struct {
	client *genai.Client
}

func newGeminiBackend(pc *ProviderConfig) (*geminiBackend, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: pc.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiBackend{client: client}, nil
}

func (b *geminiBackend) provider() Provider { return ProviderGemini }

// buildContents translates the conversation. System messages become the
// system instruction; tool results become function responses.
func (b *geminiBackend) buildContents(req *request) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var system *genai.Content

	for _, m := range req.messages {
		switch m.Role {
		case "system":
			if system == nil {
				system = &genai.Content{Parts: []*genai.Part{}}
			}
			system.Parts = append(system.Parts, &genai.Part{Text: m.Content})
		case "tool":
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       m.ToolCallID,
						Name:     m.Name,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
		case "assistant":
			parts := []*genai.Part{}
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Input},
				})
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}
	return contents, system
}

func (b *geminiBackend) buildConfig(req *request, system *genai.Content) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       genai.Ptr(float32(0.1)),
	}
	for _, t := range req.tools {
		config.Tools = append(config.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGenaiSchema(t.InputSchema),
			}},
		})
	}
	switch req.choice {
	case choiceRequired:
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAny,
			},
		}
	case choiceAuto:
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAuto,
			},
		}
	}
	return config
}

func (b *geminiBackend) chat(ctx context.Context, req *request) (*types.ChatResponse, error) {
	contents, system := b.buildContents(req)
	resp, err := b.client.Models.GenerateContent(ctx, req.model, contents, b.buildConfig(req, system))
	if err != nil {
		return nil, fmt.Errorf("gemini generation failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no completion returned")
	}

	out := &types.ChatResponse{StopReason: "stop"}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			out.Text += part.Text
		}
		if part.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{
				ID:    EnsureCallID(part.FunctionCall.ID),
				Name:  part.FunctionCall.Name,
				Input: part.FunctionCall.Args,
			})
		}
	}
	out.Text = strings.TrimSpace(out.Text)
	if len(out.ToolCalls) > 0 {
		out.StopReason = "tool_use"
	}
	if resp.UsageMetadata != nil {
		out.Usage = types.UsageMetadata{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

func (b *geminiBackend) chatStream(ctx context.Context, req *request) (<-chan types.StreamDelta, error) {
	contents, system := b.buildContents(req)
	config := b.buildConfig(req, system)

	out := make(chan types.StreamDelta, 64)
	go func() {
		defer close(out)

		var usage types.UsageMetadata
		nextTool := 0
		for resp, err := range b.client.Models.GenerateContentStream(ctx, req.model, contents, config) {
			if err != nil {
				// The delta channel has no error lane; surface the failure
				// as a done signal so Collect returns what it has.
				out <- types.StreamDelta{Done: true, Usage: usage}
				return
			}
			if resp.UsageMetadata != nil {
				usage = types.UsageMetadata{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
				}
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text != "" {
					select {
					case out <- types.StreamDelta{Text: part.Text}:
					case <-ctx.Done():
						return
					}
				}
				if part.FunctionCall != nil {
					// Gemini sends complete calls, not fragments; each one
					// occupies its own index.
					args := "{}"
					if raw, err := json.Marshal(part.FunctionCall.Args); err == nil {
						args = string(raw)
					}
					select {
					case out <- types.StreamDelta{
						ToolCallIndex: nextTool,
						ToolCallID:    part.FunctionCall.ID,
						ToolName:      part.FunctionCall.Name,
						ArgsFragment:  args,
					}:
					case <-ctx.Done():
						return
					}
					nextTool++
				}
			}
		}
		out <- types.StreamDelta{Done: true, Usage: usage}
	}()
	return out, nil
}

// toGenaiSchema converts a canonical JSON schema to the SDK's schema type.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		s.Required = required
	} else if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}
