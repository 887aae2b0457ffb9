package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Whisper transcribes through the OpenAI audio API.
type Whisper struct {
	client   *openai.Client
	model    string
	language string
}

func NewWhisper(apiKey, model, language, baseURL string) *Whisper {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &Whisper{client: openai.NewClientWithConfig(config), model: model, language: language}
}

func (w *Whisper) Transcribe(ctx context.Context, audio Audio) (string, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: audio.Filename(),
		Reader:   bytes.NewReader(audio.Data),
		Language: w.language,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
