package provider

import (
	"context"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response represents the output from the model.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Provider defines the interface for language model interactions. It backs
// intent classification, chat replies and prompt enhancement.
type Provider interface {
	// Chat sends a list of messages to the model and returns a response.
	Chat(ctx context.Context, messages []Message) (*Response, error)

	// Name returns the provider identifier (e.g., "stub", "openai").
	Name() string
}

// Options select and configure a provider.
type Options struct {
	Kind    string // openai, ollama, gemini, anthropic, cli, stub
	APIKey  string
	BaseURL string
	Model   string
	Binary  string   // cli only
	Args    []string // cli only
}

// New builds the provider named by opts.Kind.
func New(opts Options) (Provider, error) {
	switch opts.Kind {
	case "openai":
		return NewOpenAIProvider(opts.APIKey, opts.BaseURL, opts.Model)
	case "ollama":
		return NewOllamaProvider(opts.BaseURL, opts.Model)
	case "gemini":
		return NewGeminiProvider(opts.APIKey, opts.Model)
	case "anthropic":
		p, err := NewAnthropicProvider(opts.APIKey, opts.Model)
		if err == nil && opts.BaseURL != "" {
			p.SetBaseURL(opts.BaseURL)
		}
		return p, err
	case "cli":
		return NewCLIProvider(opts.Binary, opts.Args)
	case "stub", "":
		return NewStubProvider(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", opts.Kind)
	}
}

// lastUserContent returns the content of the final message, or "".
func lastUserContent(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
}
