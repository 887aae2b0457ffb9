package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sjawhar/consult-wispr/internal/config"
	"github.com/sjawhar/consult-wispr/internal/llm"
	"github.com/sjawhar/consult-wispr/internal/retry"
	"github.com/sjawhar/consult-wispr/internal/session"
)

// minWords is the transcript length below which an LLM summary is not worth
// asking for.
const minWords = 20

type ClientFactory func(provider, model string) (llm.Client, error)

// Summarizer renders summaries through an LLM preset. Consultations the
// model cannot help with are rendered by the fallback template instead.
type Summarizer struct {
	cfg      config.Summarization
	factory  ClientFactory
	router   *Router
	fallback Renderer
	policy   retry.Policy
	logger   *slog.Logger
}

func New(cfg config.Summarization, factory ClientFactory) *Summarizer {
	logger := slog.Default()
	var router *Router
	if len(cfg.Presets) > 1 {
		router = NewRouter(cfg, factory, logger)
	}
	return &Summarizer{
		cfg:      cfg,
		factory:  factory,
		router:   router,
		fallback: Template{},
		policy:   retry.Default(),
		logger:   logger,
	}
}

func (s *Summarizer) Render(ctx context.Context, sess session.Session) (string, error) {
	text, preset, err := s.Summarize(ctx, sess)
	if err != nil {
		return "", err
	}
	if text == "" {
		return s.fallback.Render(ctx, sess)
	}

	var b strings.Builder
	writeHeader(&b, sess)
	fmt.Fprintf(&b, "Format: %s\n\n", preset)
	b.WriteString(text)
	b.WriteString("\n\n")
	writeNotes(&b, sess.Notes)
	return b.String(), nil
}

// Summarize picks a preset for sess and summarizes with it. Empty text means
// the template should be used instead.
func (s *Summarizer) Summarize(ctx context.Context, sess session.Session) (string, string, error) {
	if len(s.cfg.Presets) == 0 {
		return "", "", nil
	}
	if len(strings.Fields(sess.Transcript())) < minWords {
		return "", "", nil
	}
	name := s.selectPreset(ctx, sess)
	text, err := s.SummarizeWithPreset(ctx, sess, name)
	return text, name, err
}

func (s *Summarizer) SummarizeWithPreset(ctx context.Context, sess session.Session, presetName string) (string, error) {
	transcript := sess.Transcript()
	if len(strings.Fields(transcript)) < minWords {
		return "", nil
	}
	preset, ok := s.cfg.Presets[presetName]
	if !ok {
		return "", fmt.Errorf("unknown preset %q", presetName)
	}

	modelStr := preset.Model
	if modelStr == "" {
		modelStr = s.cfg.Model
	}
	provider, model, err := llm.ParseModel(modelStr)
	if err != nil {
		return "", err
	}
	client, err := s.factory(provider, model)
	if err != nil {
		return "", fmt.Errorf("create llm client: %w", err)
	}

	fill := strings.NewReplacer(
		"{{transcript}}", transcript,
		"{{date}}", sess.StartedAt.UTC().Format("2006-01-02"),
		"{{notes}}", notesText(sess.Notes),
	)
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: preset.SystemPrompt},
		{Role: llm.RoleUser, Content: fill.Replace(preset.UserTemplate)},
	}

	var text string
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var cerr error
		text, cerr = client.Complete(ctx, messages)
		return cerr
	}, func(err error) bool {
		return ctx.Err() == nil && !errors.Is(err, llm.ErrNoUserMessage)
	})
	switch {
	case err == nil:
		return strings.TrimSpace(text), nil
	case errors.Is(err, llm.ErrEmptyResponse):
		s.logger.Warn("llm returned no summary, using template", "session_id", sess.ID, "preset", presetName, "error", err)
		return "", nil
	default:
		return "", fmt.Errorf("summarize with preset %q: %w", presetName, err)
	}
}

func (s *Summarizer) selectPreset(ctx context.Context, sess session.Session) string {
	if s.router != nil {
		return s.router.SelectPreset(ctx, sess)
	}
	for name := range s.cfg.Presets {
		return name
	}
	return ""
}

func notesText(notes []session.Note) string {
	if len(notes) == 0 {
		return "(none)"
	}
	lines := make([]string, 0, len(notes))
	for _, n := range notes {
		lines = append(lines, fmt.Sprintf("- [%s] %s", n.CreatedAt.UTC().Format("15:04"), n.Text))
	}
	return strings.Join(lines, "\n")
}
