package subtitle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

// ChatFunc issues one chat completion and returns the assistant text.
// The corrector stays decoupled from the provider gateway through it.
type ChatFunc func(ctx context.Context, system, user string) (string, error)

const correctorSystemPrompt = `You fix speech-recognition errors in a Chinese transcript using the original narration text as ground truth. Rules, all mandatory:
1. Never merge, split, add, or remove segments. The output has exactly as many segments as the input.
2. Never change how many words a segment has. Replace a wrong word with a corrected word, one for one.
3. Only replace characters or words that were misrecognized; take the correct form from the original text.
4. Do not add punctuation, spaces, or commentary.
5. Reply with JSON only, shaped {"segments":[{"text":"...","words":["...","..."]}]}, segments in input order. Omit "words" for segments that had none.`

// Corrector runs transcript text through a chat LLM and applies the
// corrections that survive validation. It never fails the caller: any
// transport or format problem falls back to the uncorrected input.
type Corrector struct {
	chat ChatFunc
	log  *logger.Logger
}

func NewCorrector(chat ChatFunc, logg *logger.Logger) *Corrector {
	return &Corrector{chat: chat, log: logg.With("component", "SubtitleCorrector")}
}

type correctedSegment struct {
	Text  string   `json:"text"`
	Words []string `json:"words,omitempty"`
}

type correctedReply struct {
	Segments []correctedSegment `json:"segments"`
}

// Correct returns the transcript with corrected text. Timestamps and
// word-array lengths always come from the original; a segment whose
// corrected word list does not line up keeps its original words and
// takes only the segment-level text fix.
func (c *Corrector) Correct(ctx context.Context, original Transcript, sourceText string) Transcript {
	if c == nil || c.chat == nil || len(original.Segments) == 0 {
		return original
	}

	payload, err := json.Marshal(original)
	if err != nil {
		c.log.Warn("marshal transcript for correction failed", "error", err)
		return original
	}
	user := fmt.Sprintf("Original narration text:\n%s\n\nTranscript JSON:\n%s", sourceText, payload)

	raw, err := c.chat(ctx, correctorSystemPrompt, user)
	if err != nil {
		c.log.Warn("subtitle correction call failed, keeping raw transcript", "error", err)
		return original
	}

	reply, ok := parseCorrectedReply(raw)
	if !ok {
		c.log.Warn("subtitle correction reply unparseable, keeping raw transcript")
		return original
	}
	if len(reply.Segments) != len(original.Segments) {
		c.log.Warn("subtitle correction segment count mismatch, keeping raw transcript",
			"want", len(original.Segments), "got", len(reply.Segments))
		return original
	}

	out := original
	out.Segments = make([]Segment, len(original.Segments))
	copy(out.Segments, original.Segments)
	for i := range out.Segments {
		fix := reply.Segments[i]
		if t := strings.TrimSpace(fix.Text); t != "" {
			out.Segments[i].Text = t
		}
		if len(out.Segments[i].Words) == 0 || len(fix.Words) == 0 {
			continue
		}
		if len(fix.Words) != len(original.Segments[i].Words) {
			c.log.Warn("subtitle correction word count mismatch, keeping original words",
				"segment", i, "want", len(original.Segments[i].Words), "got", len(fix.Words))
			continue
		}
		words := make([]Word, len(original.Segments[i].Words))
		copy(words, original.Segments[i].Words)
		for j := range words {
			if w := strings.TrimSpace(fix.Words[j]); w != "" {
				words[j].Text = w
			}
		}
		out.Segments[i].Words = words
	}
	return out
}

// parseCorrectedReply tolerates fenced code blocks and a bare array in
// place of the documented object shape.
func parseCorrectedReply(raw string) (correctedReply, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return correctedReply{}, false
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	var reply correctedReply
	if err := json.Unmarshal([]byte(s), &reply); err == nil && len(reply.Segments) > 0 {
		return reply, true
	}
	var bare []correctedSegment
	if err := json.Unmarshal([]byte(s), &bare); err == nil && len(bare) > 0 {
		return correctedReply{Segments: bare}, true
	}
	return correctedReply{}, false
}
