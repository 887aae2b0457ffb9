// Package llm talks to the chat models that write consultation summaries.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrEmptyResponse = errors.New("empty model response")
	ErrNoUserMessage = errors.New("no user message")
)

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL     string
	maxTokens   int
	temperature float32
}

// defaultOptions suit long clinical summaries.
func defaultOptions() *clientOptions {
	return &clientOptions{maxTokens: 4096, temperature: 0.2}
}

func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

func WithMaxTokens(n int) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

func WithTemperature(t float32) Option {
	return func(o *clientOptions) {
		if t >= 0 {
			o.temperature = t
		}
	}
}

func ParseModel(model string) (provider, modelName string, err error) {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q: expected provider/model_name", model)
	}
	return parts[0], parts[1], nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case "openai":
		return newOpenAIClient(apiKey, model, o)
	case "anthropic":
		return newAnthropicClient(apiKey, model, o)
	case "gemini":
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q: supported providers are openai, anthropic, gemini", provider)
	}
}

// splitSystem separates system prompts from the dialogue for providers that
// take them out of band. Multiple system prompts are joined in order.
func splitSystem(messages []Message) (string, []Message, error) {
	var system []string
	dialogue := make([]Message, 0, len(messages))
	hasUser := false
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			hasUser = true
			dialogue = append(dialogue, m)
		case RoleAssistant:
			dialogue = append(dialogue, m)
		}
	}
	if !hasUser {
		return "", nil, ErrNoUserMessage
	}
	return strings.Join(system, "\n\n"), dialogue, nil
}

// Keys holds one API key per provider. Empty means the provider is not
// configured.
type Keys struct {
	OpenAI    string
	Anthropic string
	Gemini    string
}

func (k Keys) For(provider string) string {
	switch provider {
	case "openai":
		return k.OpenAI
	case "anthropic":
		return k.Anthropic
	case "gemini":
		return k.Gemini
	default:
		return ""
	}
}

// Any reports whether at least one provider has a key.
func (k Keys) Any() bool {
	return k.OpenAI != "" || k.Anthropic != "" || k.Gemini != ""
}

// Factory returns a constructor that builds clients on demand with the
// matching key. Clients are cached per provider/model pair.
func Factory(keys Keys, opts ...Option) func(provider, model string) (Client, error) {
	var mu sync.Mutex
	cache := make(map[string]Client)

	return func(provider, model string) (Client, error) {
		key := keys.For(provider)
		if key == "" {
			return nil, fmt.Errorf("no API key configured for LLM provider %q", provider)
		}

		mu.Lock()
		defer mu.Unlock()
		id := provider + "/" + model
		if c, ok := cache[id]; ok {
			return c, nil
		}
		c, err := NewClient(provider, key, model, opts...)
		if err != nil {
			return nil, err
		}
		cache[id] = c
		return c, nil
	}
}
