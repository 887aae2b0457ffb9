package session

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const MaxNoteLength = 1000

// New returns an active session with no chunks, notes, or summary.
func New(id string, metadata map[string]string, now time.Time) Session {
	now = now.UTC()
	return Session{
		ID:        id,
		Status:    StatusActive,
		StartedAt: now,
		Chunks:    []AudioChunk{},
		Notes:     []Note{},
		Metadata:  maps.Clone(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so callers can derive new states without
// aliasing the receiver's slices or pointers.
func (s Session) Clone() Session {
	out := s
	out.Chunks = append([]AudioChunk(nil), s.Chunks...)
	if out.Chunks == nil {
		out.Chunks = []AudioChunk{}
	}
	out.Notes = append([]Note(nil), s.Notes...)
	if out.Notes == nil {
		out.Notes = []Note{}
	}
	out.Metadata = maps.Clone(s.Metadata)
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.TotalChunks != nil {
		n := *s.TotalChunks
		out.TotalChunks = &n
	}
	if s.Summary != nil {
		sum := *s.Summary
		if sum.GeneratedAt != nil {
			t := *sum.GeneratedAt
			sum.GeneratedAt = &t
		}
		out.Summary = &sum
	}
	return out
}

func (s Session) AddChunk(in ChunkInput, now time.Time) (Session, error) {
	if s.Status != StatusActive {
		return s, fmt.Errorf("add chunk %d: %w", in.ChunkNumber, ErrInvalidSession)
	}
	if in.ChunkNumber < 1 {
		return s, fmt.Errorf("add chunk %d: %w", in.ChunkNumber, ErrInvalidChunkNumber)
	}
	if _, ok := s.Chunk(in.ChunkNumber); ok {
		return s, fmt.Errorf("add chunk %d: %w", in.ChunkNumber, ErrDuplicateChunkNumber)
	}
	if s.TotalChunks != nil {
		if in.ChunkNumber > *s.TotalChunks {
			return s, fmt.Errorf("add chunk %d beyond total %d: %w", in.ChunkNumber, *s.TotalChunks, ErrTotalChunksConflict)
		}
		if in.IsLastChunk && in.ChunkNumber != *s.TotalChunks {
			return s, fmt.Errorf("last chunk %d but total already %d: %w", in.ChunkNumber, *s.TotalChunks, ErrTotalChunksConflict)
		}
	}
	if in.IsLastChunk {
		for _, c := range s.Chunks {
			if c.ChunkNumber > in.ChunkNumber {
				return s, fmt.Errorf("last chunk %d but chunk %d exists: %w", in.ChunkNumber, c.ChunkNumber, ErrTotalChunksConflict)
			}
		}
	}

	now = now.UTC()
	out := s.Clone()
	out.Chunks = append(out.Chunks, AudioChunk{
		ChunkNumber: in.ChunkNumber,
		BlobKey:     in.BlobKey,
		Status:      ChunkPending,
		Size:        in.Size,
		MimeType:    in.MimeType,
		UploadedAt:  now,
	})
	sort.Slice(out.Chunks, func(i, j int) bool {
		return out.Chunks[i].ChunkNumber < out.Chunks[j].ChunkNumber
	})
	if in.IsLastChunk {
		total := in.ChunkNumber
		out.TotalChunks = &total
	}
	out.UpdatedAt = now
	return out, nil
}

// AddNote appends a trimmed note. Length is measured in characters, not bytes.
func (s Session) AddNote(id, text string, now time.Time) (Session, Note, error) {
	if s.Status != StatusActive {
		return s, Note{}, fmt.Errorf("add note: %w", ErrInvalidSession)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return s, Note{}, ErrEmptyNote
	}
	if n := utf8.RuneCountInString(text); n > MaxNoteLength {
		return s, Note{}, fmt.Errorf("note has %d characters, limit %d: %w", n, MaxNoteLength, ErrNoteTooLong)
	}

	now = now.UTC()
	note := Note{ID: id, Text: text, CreatedAt: now}
	out := s.Clone()
	out.Notes = append(out.Notes, note)
	out.UpdatedAt = now
	return out, note, nil
}

func (s Session) Chunk(n int) (AudioChunk, bool) {
	i := s.chunkIndex(n)
	if i < 0 {
		return AudioChunk{}, false
	}
	return s.Chunks[i], true
}

func (s Session) chunkIndex(n int) int {
	i := sort.Search(len(s.Chunks), func(i int) bool { return s.Chunks[i].ChunkNumber >= n })
	if i < len(s.Chunks) && s.Chunks[i].ChunkNumber == n {
		return i
	}
	for j, c := range s.Chunks {
		if c.ChunkNumber == n {
			return j
		}
	}
	return -1
}

// TransitionChunk moves chunk n forward to status to. detail is recorded as
// the transcript on completed and as the error message on error. Repeating
// or reversing a transition is skipped, never an error.
func (s Session) TransitionChunk(n int, to ChunkStatus, detail string, now time.Time) (Session, Outcome) {
	i := s.chunkIndex(n)
	if i < 0 {
		return s, Outcome{Reason: SkipChunkMissing}
	}
	cur := s.Chunks[i].Status
	if cur.Terminal() || to.rank() <= cur.rank() {
		return s, Outcome{Reason: SkipNotForward}
	}

	out := s.Clone()
	c := &out.Chunks[i]
	c.Status = to
	switch to {
	case ChunkCompleted:
		c.Transcript = detail
	case ChunkError:
		c.Error = detail
	}
	out.UpdatedAt = now.UTC()
	return out, Outcome{Applied: true}
}

func (s Session) IsFullyProcessed() bool {
	if s.TotalChunks == nil || len(s.Chunks) < *s.TotalChunks {
		return false
	}
	for _, c := range s.Chunks {
		if c.Status != ChunkCompleted {
			return false
		}
	}
	return true
}

// MarkCompleted ends an active session. The bool is false when the session
// was already terminal and nothing changed.
func (s Session) MarkCompleted(now time.Time) (Session, bool) {
	return s.finish(StatusCompleted, now)
}

func (s Session) MarkError(now time.Time) (Session, bool) {
	return s.finish(StatusError, now)
}

func (s Session) finish(status Status, now time.Time) (Session, bool) {
	if s.Status != StatusActive {
		return s, false
	}
	now = now.UTC()
	out := s.Clone()
	out.Status = status
	out.EndedAt = &now
	out.UpdatedAt = now
	return out, true
}

// WithSummary records the summary state. Summaries only exist for
// completed sessions.
func (s Session) WithSummary(sum Summary, now time.Time) (Session, error) {
	if s.Status != StatusCompleted {
		return s, fmt.Errorf("session %s is %s: %w", s.ID, s.Status, ErrAudioProcessingIncomplete)
	}
	out := s.Clone()
	out.Summary = &sum
	out.UpdatedAt = now.UTC()
	return out, nil
}

// MissingChunks lists chunk numbers below the known total that have not
// arrived. It is empty until the last chunk has been seen.
func (s Session) MissingChunks() []int {
	if s.TotalChunks == nil {
		return nil
	}
	var missing []int
	for n := 1; n <= *s.TotalChunks; n++ {
		if s.chunkIndex(n) < 0 {
			missing = append(missing, n)
		}
	}
	return missing
}

func (s Session) Progress() Progress {
	p := Progress{Total: s.TotalChunks, Received: len(s.Chunks)}
	for _, c := range s.Chunks {
		switch c.Status {
		case ChunkPending:
			p.Pending++
		case ChunkProcessing:
			p.Processing++
		case ChunkCompleted:
			p.Completed++
		case ChunkError:
			p.Failed++
		}
	}
	return p
}

// Transcript joins completed chunk transcripts in chunk order.
func (s Session) Transcript() string {
	parts := make([]string, 0, len(s.Chunks))
	for _, c := range s.Chunks {
		if c.Status != ChunkCompleted {
			continue
		}
		if t := strings.TrimSpace(c.Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}
