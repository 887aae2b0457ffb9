package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

var deepgramInit sync.Once

// Deepgram transcribes prerecorded chunks with speaker diarization.
type Deepgram struct {
	rest    *api.Client
	options *interfaces.PreRecordedTranscriptionOptions
}

func NewDeepgram(apiKey, model, language string) *Deepgram {
	deepgramInit.Do(func() {
		client.Init(client.InitLib{LogLevel: client.LogLevelErrorOnly})
	})
	if model == "" {
		model = "nova-2"
	}
	if language == "" {
		language = "en-US"
	}

	c := client.NewREST(apiKey, &interfaces.ClientOptions{})
	return &Deepgram{
		rest: api.New(c),
		options: &interfaces.PreRecordedTranscriptionOptions{
			Model:       model,
			Language:    language,
			Diarize:     true,
			Punctuate:   true,
			SmartFormat: true,
		},
	}
}

// deepgramResult mirrors the part of the prerecorded response we read.
type deepgramResult struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
				Words      []struct {
					Start          float64 `json:"start"`
					End            float64 `json:"end"`
					Speaker        *int    `json:"speaker"`
					PunctuatedWord string  `json:"punctuated_word"`
					Word           string  `json:"word"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (d *Deepgram) Transcribe(ctx context.Context, audio Audio) (string, error) {
	res, err := d.rest.FromStream(ctx, bytes.NewReader(audio.Data), d.options)
	if err != nil {
		return "", fmt.Errorf("deepgram transcription: %w", err)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("deepgram response: %w", err)
	}
	var parsed deepgramResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("deepgram response: %w", err)
	}
	return deepgramTranscript(parsed), nil
}

func deepgramTranscript(res deepgramResult) string {
	if len(res.Results.Channels) == 0 || len(res.Results.Channels[0].Alternatives) == 0 {
		return ""
	}
	alt := res.Results.Channels[0].Alternatives[0]
	if len(alt.Words) == 0 {
		return strings.TrimSpace(alt.Transcript)
	}

	words := make([]Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		words = append(words, Word{
			Speaker:        w.Speaker,
			PunctuatedWord: text,
			Start:          w.Start,
			End:            w.End,
		})
	}
	return FormatTranscript(GroupWordsBySpeaker(words))
}
