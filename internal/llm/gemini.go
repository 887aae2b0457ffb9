package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
	model  string
	config genai.GenerateContentConfig
}

func newGeminiClient(apiKey, model string, opts *clientOptions) (*geminiClient, error) {
	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if opts.baseURL != "" {
		cc.HTTPOptions.BaseURL = opts.baseURL
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &geminiClient{
		client: client,
		model:  model,
		config: genai.GenerateContentConfig{
			Temperature:     genai.Ptr(opts.temperature),
			MaxOutputTokens: int32(opts.maxTokens),
		},
	}, nil
}

// geminiContents maps the conversation onto Gemini's shape, where the
// assistant speaks as "model" and the system prompt travels separately.
func geminiContents(messages []Message) (*genai.Content, []*genai.Content, error) {
	system, dialogue, err := splitSystem(messages)
	if err != nil {
		return nil, nil, err
	}

	var instruction *genai.Content
	if system != "" {
		instruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	contents := make([]*genai.Content, 0, len(dialogue))
	for _, m := range dialogue {
		var role genai.Role = genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return instruction, contents, nil
}

func (c *geminiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	instruction, contents, err := geminiContents(messages)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}

	config := c.config
	config.SystemInstruction = instruction
	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, &config)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}
	return text, nil
}
