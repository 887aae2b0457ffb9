// Package summary renders consultation summaries from completed sessions.
package summary

import (
	"context"
	"fmt"
	"strings"

	"github.com/sjawhar/consult-wispr/internal/session"
)

type Renderer interface {
	Render(ctx context.Context, s session.Session) (string, error)
}

// Template renders a deterministic plain-text summary: a header, the
// transcript chunk by chunk, then the clinician's notes.
type Template struct{}

func (Template) Render(_ context.Context, s session.Session) (string, error) {
	var b strings.Builder
	writeHeader(&b, s)

	b.WriteString("Transcript\n----------\n")
	wrote := false
	for _, c := range s.Chunks {
		text := strings.TrimSpace(c.Transcript)
		if c.Status != session.ChunkCompleted || text == "" {
			continue
		}
		fmt.Fprintf(&b, "[Chunk %d]\n%s\n\n", c.ChunkNumber, text)
		wrote = true
	}
	if !wrote {
		b.WriteString("(no speech transcribed)\n\n")
	}

	writeNotes(&b, s.Notes)
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

func writeHeader(b *strings.Builder, s session.Session) {
	b.WriteString("Consultation Summary\n\n")
	fmt.Fprintf(b, "Session: %s\n", s.ID)
	fmt.Fprintf(b, "Started: %s\n", s.StartedAt.UTC().Format("2006-01-02 15:04 MST"))
	if s.EndedAt != nil {
		fmt.Fprintf(b, "Ended: %s\n", s.EndedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(b, "Audio chunks: %d\n\n", len(s.Chunks))
}

func writeNotes(b *strings.Builder, notes []session.Note) {
	b.WriteString("Notes\n-----\n")
	if len(notes) == 0 {
		b.WriteString("(none)\n")
		return
	}
	for _, n := range notes {
		fmt.Fprintf(b, "- [%s] %s\n", n.CreatedAt.UTC().Format("15:04"), n.Text)
	}
}
