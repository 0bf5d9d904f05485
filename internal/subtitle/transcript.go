package subtitle

import "strings"

// Word is one recognized token with its aligned time span, seconds.
type Word struct {
	Text  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Segment is a contiguous recognized span. Words may be empty when the
// recognizer only produced segment-level timing.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words,omitempty"`
}

// Transcript is the recognizer output for one audio file.
type Transcript struct {
	Segments []Segment `json:"segments"`
	Duration float64   `json:"duration"`
}

// FullText joins segment texts in order.
func (t Transcript) FullText() string {
	parts := make([]string, 0, len(t.Segments))
	for _, seg := range t.Segments {
		if s := strings.TrimSpace(seg.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "")
}

// HasWordTimings reports whether any segment carries word-level spans.
func (t Transcript) HasWordTimings() bool {
	for _, seg := range t.Segments {
		if len(seg.Words) > 0 {
			return true
		}
	}
	return false
}
