package llm

import (
	"fmt"
	"os"

	"github.com/redsand/rev-sub002/internal/config"
	"github.com/redsand/rev-sub002/internal/logging"
)

// Provider identifies an LM backend.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGemini     Provider = "gemini"
	ProviderXAI        Provider = "xai"
	ProviderOpenRouter Provider = "openrouter"
	ProviderLocal      Provider = "local"
	ProviderMock       Provider = "mock"
)

// toolChoiceStrict reports whether the provider honors a strict "must call
// a tool" parameter. Weaker providers get "auto" plus the degradation path.
func (p Provider) toolChoiceStrict() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		return true
	}
	return false
}

func (p Provider) defaultModel() string {
	switch p {
	case ProviderOpenAI:
		return "gpt-4o"
	case ProviderAnthropic:
		return "claude-sonnet-4-20250514"
	case ProviderGemini:
		return "gemini-2.0-flash"
	case ProviderXAI:
		return "grok-3"
	case ProviderOpenRouter:
		return "openrouter/auto"
	case ProviderLocal:
		return "qwen2.5-coder:14b"
	}
	return ""
}

// ProviderConfig is the resolved provider, credential, and model.
type ProviderConfig struct {
	Provider Provider
	APIKey   string
	Model    string
	BaseURL  string
}

// envKeyOrder fixes the credential detection precedence.
var envKeyOrder = []struct {
	envVar   string
	provider Provider
}{
	{"ANTHROPIC_API_KEY", ProviderAnthropic},
	{"OPENAI_API_KEY", ProviderOpenAI},
	{"GEMINI_API_KEY", ProviderGemini},
	{"XAI_API_KEY", ProviderXAI},
	{"OPENROUTER_API_KEY", ProviderOpenRouter},
}

// DetectProvider resolves the provider to use. Priority: explicit override
// in config > credential-bearing cloud providers in fixed precedence >
// local default.
func DetectProvider(cfg *config.Config) (*ProviderConfig, error) {
	if cfg.Provider != "" {
		p := Provider(cfg.Provider)
		pc := &ProviderConfig{Provider: p, Model: cfg.Model, APIKey: apiKeyFor(p)}
		if pc.Model == "" {
			pc.Model = p.defaultModel()
		}
		if pc.APIKey == "" && p != ProviderLocal && p != ProviderMock {
			return nil, fmt.Errorf("provider %s selected but no API key found", p)
		}
		logging.LLMDebug("provider %s selected by explicit override (model=%s)", p, pc.Model)
		return pc, nil
	}

	for _, e := range envKeyOrder {
		if key := os.Getenv(e.envVar); key != "" {
			model := cfg.Model
			if model == "" {
				model = e.provider.defaultModel()
			}
			logging.LLMDebug("provider %s detected from %s (model=%s)", e.provider, e.envVar, model)
			return &ProviderConfig{Provider: e.provider, APIKey: key, Model: model}, nil
		}
	}

	// No credentials anywhere: assume a local OpenAI-compatible endpoint.
	model := cfg.Model
	if model == "" {
		model = ProviderLocal.defaultModel()
	}
	logging.LLM("no API credentials found, defaulting to local endpoint")
	return &ProviderConfig{
		Provider: ProviderLocal,
		Model:    model,
		BaseURL:  localBaseURL(),
	}, nil
}

func apiKeyFor(p Provider) string {
	switch p {
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderGemini:
		return os.Getenv("GEMINI_API_KEY")
	case ProviderXAI:
		return os.Getenv("XAI_API_KEY")
	case ProviderOpenRouter:
		return os.Getenv("OPENROUTER_API_KEY")
	}
	return ""
}

func localBaseURL() string {
	if url := os.Getenv("REV_LOCAL_BASE_URL"); url != "" {
		return url
	}
	return "http://localhost:11434/v1"
}
