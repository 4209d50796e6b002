package session

import (
	"fmt"
	"strings"
	"time"
)

type Segment struct {
	Speaker  int
	Text     string
	StreamID string
	At       time.Time
}

// Transcript holds finalized segments for one customer in arrival order.
// Callers serialize access through the owning customer's lock.
type Transcript struct {
	segments []Segment
	full     strings.Builder
}

func (t *Transcript) Append(seg Segment) {
	t.segments = append(t.segments, seg)
	if t.full.Len() > 0 {
		t.full.WriteByte(' ')
	}
	t.full.WriteString(seg.Text)
}

func (t *Transcript) Text() string {
	return t.full.String()
}

func (t *Transcript) Len() int {
	return len(t.segments)
}

func (t *Transcript) Segments() []Segment {
	out := make([]Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// Render formats the transcript one segment per line, offset from startedAt.
func (t *Transcript) Render(startedAt time.Time) string {
	lines := make([]string, 0, len(t.segments))
	for _, seg := range t.segments {
		elapsed := seg.At.Sub(startedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		lines = append(lines, fmt.Sprintf("%s [speaker %d] %s", formatElapsedHMS(elapsed), seg.Speaker, seg.Text))
	}
	return strings.Join(lines, "\n")
}

func formatElapsedHMS(d time.Duration) string {
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
