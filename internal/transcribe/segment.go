package transcribe

import (
	"fmt"
	"strings"
)

type Word struct {
	Speaker        *int
	PunctuatedWord string
	Start          float64
	End            float64
}

// Segment is a run of consecutive words from one speaker. Times are
// seconds from the start of the chunk.
type Segment struct {
	Speaker   int     `json:"speaker"`
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

func GroupWordsBySpeaker(words []Word) []Segment {
	if len(words) == 0 {
		return nil
	}

	var segments []Segment
	var current Segment
	started := false

	for _, w := range words {
		speaker := -1
		if w.Speaker != nil {
			speaker = *w.Speaker
		}

		if started && speaker == current.Speaker {
			current.Text += " " + w.PunctuatedWord
			current.EndTime = w.End
			continue
		}
		if started {
			segments = append(segments, current)
		}
		current = Segment{
			Speaker:   speaker,
			Text:      w.PunctuatedWord,
			StartTime: w.Start,
			EndTime:   w.End,
		}
		started = true
	}

	segments = append(segments, current)
	return segments
}

// FormatLine renders the segment as one transcript line. Segments without
// diarization carry no speaker label.
func (s Segment) FormatLine() string {
	text := strings.TrimSpace(s.Text)
	if text == "" || s.Speaker < 0 {
		return text
	}
	return fmt.Sprintf("Speaker %d: %s", s.Speaker, text)
}

func FormatTranscript(segments []Segment) string {
	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		if line := seg.FormatLine(); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
