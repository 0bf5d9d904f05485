package subtitle

import (
	"fmt"
	"strings"
)

// Overlay is one timed drawtext command. Y positions are glyph-box top
// coordinates in pixels; X stays an ffmpeg expression so centering uses
// the measured text width.
type Overlay struct {
	Text  string
	Start float64
	End   float64
	XExpr string
	YExpr string
}

// splitPunct both terminates layout units and is stripped from the
// rendered text.
const splitPunct = `，。！？；、,.!?;:'"()[]{}<>`

const (
	lineCharsPortrait  = 15
	lineCharsLandscape = 18
)

// Render lays out a transcript as timed overlays for a width×height
// frame. Deterministic: the same transcript and style always produce
// the same command list.
//
// Units end at words carrying punctuation or when the stripped length
// passes 2× the per-line budget. A unit longer than one line renders as
// two stacked lines sharing the unit's time span, spaced 1.2× the font
// size around the baseline.
func Render(t Transcript, width, height, fontSize int) []Overlay {
	portrait := height > width
	lineChars := lineCharsLandscape
	baseline := float64(height) * 0.85
	if portrait {
		lineChars = lineCharsPortrait
		baseline = float64(height) * 0.70
	}
	if fontSize <= 0 {
		fontSize = 48
	}

	var out []Overlay
	for _, seg := range t.Segments {
		for _, u := range segmentUnits(seg, lineChars) {
			clean := stripPunct(u.text)
			if strings.TrimSpace(clean) == "" {
				continue
			}
			runes := []rune(clean)
			if len(runes) <= lineChars {
				out = append(out, Overlay{
					Text:  clean,
					Start: u.start,
					End:   u.end,
					XExpr: "(w-text_w)/2",
					YExpr: yExpr(baseline - float64(fontSize)/2),
				})
				continue
			}
			mid := (len(runes) + 1) / 2
			spacing := 1.2 * float64(fontSize)
			top := baseline - spacing/2 - float64(fontSize)/2
			bottom := baseline + spacing/2 - float64(fontSize)/2
			out = append(out,
				Overlay{
					Text:  string(runes[:mid]),
					Start: u.start,
					End:   u.end,
					XExpr: "(w-text_w)/2",
					YExpr: yExpr(top),
				},
				Overlay{
					Text:  string(runes[mid:]),
					Start: u.start,
					End:   u.end,
					XExpr: "(w-text_w)/2",
					YExpr: yExpr(bottom),
				},
			)
		}
	}
	return out
}

type layoutUnit struct {
	text  string
	start float64
	end   float64
}

func segmentUnits(seg Segment, lineChars int) []layoutUnit {
	if len(seg.Words) > 0 {
		return unitsFromWords(seg.Words, lineChars)
	}
	return unitsFromPlainText(seg, lineChars)
}

func unitsFromWords(words []Word, lineChars int) []layoutUnit {
	var units []layoutUnit
	var cur layoutUnit
	cleanCount := 0
	open := false

	flush := func() {
		if open && strings.TrimSpace(stripPunct(cur.text)) != "" {
			units = append(units, cur)
		}
		cur = layoutUnit{}
		cleanCount = 0
		open = false
	}

	for _, w := range words {
		if !open {
			cur.start = w.Start
			open = true
		}
		cur.text = joinWordText(cur.text, w.Text)
		cur.end = w.End
		cleanCount += len([]rune(stripPunct(w.Text)))
		if containsPunct(w.Text) || cleanCount > 2*lineChars {
			flush()
		}
	}
	flush()
	return units
}

// unitsFromPlainText is the fallback without word alignment: split at
// punctuation, chunk oversized runs, and spread the segment's duration
// proportionally to stripped character counts.
func unitsFromPlainText(seg Segment, lineChars int) []layoutUnit {
	var chunks []string
	for _, part := range splitAtPunct(seg.Text) {
		runes := []rune(part)
		for len(runes) > 2*lineChars {
			chunks = append(chunks, string(runes[:2*lineChars]))
			runes = runes[2*lineChars:]
		}
		if len(runes) > 0 {
			chunks = append(chunks, string(runes))
		}
	}
	total := 0
	for _, c := range chunks {
		total += len([]rune(c))
	}
	if total == 0 {
		return nil
	}

	dur := seg.End - seg.Start
	cursor := seg.Start
	units := make([]layoutUnit, 0, len(chunks))
	for i, c := range chunks {
		end := cursor + dur*float64(len([]rune(c)))/float64(total)
		if i == len(chunks)-1 {
			end = seg.End
		}
		units = append(units, layoutUnit{text: c, start: cursor, end: end})
		cursor = end
	}
	return units
}

// splitAtPunct cuts text at punctuation, dropping the punctuation and
// empty pieces but keeping order.
func splitAtPunct(text string) []string {
	var parts []string
	var b strings.Builder
	for _, r := range text {
		if strings.ContainsRune(splitPunct, r) {
			if s := strings.TrimSpace(b.String()); s != "" {
				parts = append(parts, s)
			}
			b.Reset()
			continue
		}
		b.WriteRune(r)
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}

// joinWordText concatenates recognizer tokens: latin words get a space,
// CJK runs do not.
func joinWordText(acc, next string) string {
	if acc == "" {
		return next
	}
	if next == "" {
		return acc
	}
	last := []rune(acc)[len([]rune(acc))-1]
	first := []rune(next)[0]
	if isASCIIWordRune(last) && isASCIIWordRune(first) {
		return acc + " " + next
	}
	return acc + next
}

func isASCIIWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func containsPunct(s string) bool {
	return strings.ContainsAny(s, splitPunct)
}

func stripPunct(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !strings.ContainsRune(splitPunct, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func yExpr(y float64) string {
	return fmt.Sprintf("%d", int(y+0.5))
}
