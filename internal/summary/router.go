package summary

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/sjawhar/consult-wispr/internal/config"
	"github.com/sjawhar/consult-wispr/internal/llm"
	"github.com/sjawhar/consult-wispr/internal/session"
)

// Router asks the routing model which preset fits a consultation. It never
// fails: any problem along the way lands on the fallback preset.
type Router struct {
	model   string
	presets map[string]config.Preset
	names   []string
	factory ClientFactory
	logger  *slog.Logger
}

func NewRouter(cfg config.Summarization, factory ClientFactory, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	names := make([]string, 0, len(cfg.Presets))
	for name := range cfg.Presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return &Router{model: cfg.Model, presets: cfg.Presets, names: names, factory: factory, logger: logger}
}

// Excerpt shortens a long transcript to head words from the start, mid words
// from the centre and tail words from the end, joined by elision markers.
func Excerpt(transcript string, head, mid, tail int) string {
	words := strings.Fields(transcript)
	n := len(words)
	if n <= head+mid+tail {
		return transcript
	}

	midStart := (n - mid) / 2
	return strings.Join([]string{
		strings.Join(words[:head], " "),
		strings.Join(words[midStart:midStart+mid], " "),
		strings.Join(words[n-tail:], " "),
	}, "\n\n[...]\n\n")
}

func (r *Router) SelectPreset(ctx context.Context, sess session.Session) string {
	provider, model, err := llm.ParseModel(r.model)
	if err != nil {
		return r.fallback(sess.ID, "routing model invalid", err)
	}
	client, err := r.factory(provider, model)
	if err != nil {
		return r.fallback(sess.ID, "routing client unavailable", err)
	}

	answer, err := client.Complete(ctx, []llm.Message{{Role: llm.RoleUser, Content: r.prompt(sess)}})
	if err != nil {
		return r.fallback(sess.ID, "routing call failed", err)
	}
	if name, ok := r.match(answer); ok {
		r.logger.Debug("summary preset routed", "session_id", sess.ID, "preset", name)
		return name
	}
	return r.fallback(sess.ID, "routing answer unrecognised", fmt.Errorf("answer %q", answer))
}

func (r *Router) prompt(sess session.Session) string {
	var b strings.Builder
	b.WriteString("Choose the summary format that best fits this medical consultation.\n\n")
	b.WriteString("Transcript excerpt:\n")
	b.WriteString(Excerpt(sess.Transcript(), 250, 150, 150))
	b.WriteString("\n\n")
	if len(sess.Notes) > 0 {
		b.WriteString("Clinician notes:\n")
		b.WriteString(notesText(sess.Notes))
		b.WriteString("\n\n")
	}
	b.WriteString("Formats:\n")
	for _, name := range r.names {
		fmt.Fprintf(&b, "- %s: %s\n", name, r.presets[name].Description)
	}
	b.WriteString("\nAnswer with the format name only.")
	return b.String()
}

// match accepts the name in any case, with stray quotes or a trailing period.
func (r *Router) match(answer string) (string, bool) {
	answer = strings.Trim(strings.TrimSpace(answer), "`'\".")
	for _, name := range r.names {
		if strings.EqualFold(name, answer) {
			return name, true
		}
	}
	return "", false
}

func (r *Router) fallback(sessionID, reason string, err error) string {
	name := "default"
	if _, ok := r.presets[name]; !ok && len(r.names) > 0 {
		name = r.names[0]
	}
	r.logger.Warn("summary routing fell back", "session_id", sessionID, "reason", reason, "preset", name, "error", err)
	return name
}
