package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/annotator/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider names.
const (
	NameOpenAI    = "openai"
	NameAnthropic = "anthropic"
	NameOllama    = "ollama"
	NameBedrock   = "bedrock"
	NameEcho      = "echo"
)

// LLMProvider invokes models through a langchaingo backend.
type LLMProvider struct {
	name    string
	llm     llms.Model
	pricing *Pricing
}

var _ Provider = (*LLMProvider)(nil)

// NewLLMProvider wraps an existing langchaingo model.
func NewLLMProvider(name string, model llms.Model, pricing *Pricing) *LLMProvider {
	return &LLMProvider{name: name, llm: model, pricing: pricing}
}

// NewOpenAI creates an OpenAI-backed provider.
func NewOpenAI(apiKey string, pricing *Pricing) (*LLMProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key required")
	}
	model, err := openai.New(openai.WithToken(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	return NewLLMProvider(NameOpenAI, model, pricing), nil
}

// NewAnthropic creates an Anthropic-backed provider.
func NewAnthropic(apiKey string, pricing *Pricing) (*LLMProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key required")
	}
	model, err := anthropic.New(anthropic.WithToken(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create anthropic model: %w", err)
	}
	return NewLLMProvider(NameAnthropic, model, pricing), nil
}

// NewOllama creates a provider for a local Ollama server.
func NewOllama(host, defaultModel string, pricing *Pricing) (*LLMProvider, error) {
	model, err := ollama.New(
		ollama.WithModel(defaultModel),
		ollama.WithServerURL(host),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}
	return NewLLMProvider(NameOllama, model, pricing), nil
}

func (p *LLMProvider) Name() string { return p.name }

// Invoke runs one chat completion. Errors are returned as *Error.
func (p *LLMProvider) Invoke(ctx context.Context, model, input string, opts Options) (Result, error) {
	var messages []llms.MessageContent
	if opts.SystemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, opts.SystemPrompt))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, input))

	callOpts := []llms.CallOption{llms.WithModel(model), llms.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}

	start := time.Now()
	resp, err := p.llm.GenerateContent(ctx, messages, callOpts...)
	duration := time.Since(start)
	if err != nil {
		slog.Warn("llm invoke failed", "provider", p.name, "model", model, "duration_ms", duration.Milliseconds(), "error", err)
		return Result{}, Classify(fmt.Errorf("generate: %w", err))
	}
	if len(resp.Choices) == 0 {
		return Result{}, &Error{Kind: models.FailureInvalid, Message: "no response choices"}
	}

	choice := resp.Choices[0]
	in, out := tokenCounts(choice.GenerationInfo)
	return Result{
		Output:     choice.Content,
		TokensUsed: in + out,
		CostUSD:    p.pricing.Cost(model, in, out),
		Duration:   duration,
		Provider:   p.name,
	}, nil
}

// tokenCounts reads prompt and completion token counts from backend-specific generation info.
func tokenCounts(info map[string]any) (in, out int) {
	in = intInfo(info, "PromptTokens", "InputTokens", "prompt_eval_count")
	out = intInfo(info, "CompletionTokens", "OutputTokens", "eval_count")
	if in == 0 && out == 0 {
		out = intInfo(info, "TotalTokens")
	}
	return in, out
}

func intInfo(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
