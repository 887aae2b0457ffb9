package summary

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sjawhar/consult-wispr/internal/session"
)

func TestTemplateRender(t *testing.T) {
	s := completedSession("Any chest pain?")
	s.Chunks = append(s.Chunks, session.AudioChunk{ChunkNumber: 2, Status: session.ChunkCompleted, Transcript: "  No, just tired.  "})
	total := 2
	s.TotalChunks = &total

	out, err := Template{}.Render(context.Background(), s)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	want := strings.Join([]string{
		"Consultation Summary",
		"",
		"Session: consult-1",
		"Started: 2025-03-14 09:30 UTC",
		"Ended: 2025-03-14 09:50 UTC",
		"Audio chunks: 2",
		"",
		"Transcript",
		"----------",
		"[Chunk 1]",
		"Any chest pain?",
		"",
		"[Chunk 2]",
		"No, just tired.",
		"",
		"Notes",
		"-----",
		"- [09:35] allergic to penicillin",
		"",
	}, "\n")
	if out != want {
		t.Fatalf("unexpected summary:\n%s\nwant:\n%s", out, want)
	}
}

func TestTemplateRenderEmpty(t *testing.T) {
	s := session.Session{ID: "quiet", Status: session.StatusCompleted, StartedAt: time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)}

	out, err := Template{}.Render(context.Background(), s)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(out, "(no speech transcribed)") || !strings.Contains(out, "Notes\n-----\n(none)") {
		t.Fatalf("unexpected empty summary:\n%s", out)
	}
}
