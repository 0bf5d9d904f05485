package parser

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
)

// Options tunes segmentation. MinChapterLength is in runes; detected
// chapters shorter than it are folded into their neighbor. Zero
// disables folding.
type Options struct {
	MinChapterLength int
}

// Chapter, Paragraph, and Sentence are parallel-array rows in traversal
// order. Paragraphs point at their chapter and sentences at their
// paragraph by slice index, so callers can wire database ids after a
// batch insert.
type Chapter struct {
	Title          string
	Content        string
	WordCount      int
	ParagraphCount int
	SentenceCount  int
}

type Paragraph struct {
	ChapterIndex  int
	OrderIndex    int
	Content       string
	WordCount     int
	SentenceCount int
}

type Sentence struct {
	ParagraphIndex int
	OrderIndex     int
	Content        string
	WordCount      int
	CharacterCount int
}

type Result struct {
	Chapters   []Chapter
	Paragraphs []Paragraph
	Sentences  []Sentence
}

const (
	preambleTitle = "前言"
	fallbackTitle = "正文"
)

var (
	cjkChapterRE   = regexp.MustCompile(`^第[0-9０-９一二三四五六七八九十百千万零两]+[章节回卷部篇]`)
	latinChapterRE = regexp.MustCompile(`(?i)^chapter\s+\d+\b`)
	mdHeadingRE    = regexp.MustCompile(`^#{1,3}\s+(.+?)\s*#*\s*$`)
)

// rawChapter is a heading plus the unsplit lines beneath it.
type rawChapter struct {
	title string
	lines []string
}

// Parse segments text into chapters, paragraphs, and sentences. The
// returned arrays satisfy sum(chapter.ParagraphCount) == len(Paragraphs)
// and sum(paragraph.SentenceCount) == len(Sentences).
func Parse(content string, opts Options) (Result, error) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	if strings.TrimSpace(normalized) == "" {
		return Result{}, apierr.Validation("parser.parse", "document contains no text")
	}

	raw := splitChapters(normalized)
	raw = foldShortChapters(raw, opts.MinChapterLength)

	var res Result
	for _, rc := range raw {
		chIdx := len(res.Chapters)
		ch := Chapter{Title: rc.title}

		var blocks []string
		for _, block := range paragraphBlocks(rc.lines) {
			pIdx := len(res.Paragraphs)
			p := Paragraph{ChapterIndex: chIdx, OrderIndex: ch.ParagraphCount, Content: block}

			for _, s := range SplitSentences(block) {
				res.Sentences = append(res.Sentences, Sentence{
					ParagraphIndex: pIdx,
					OrderIndex:     p.SentenceCount,
					Content:        s,
					WordCount:      CountWords(s),
					CharacterCount: len([]rune(s)),
				})
				p.SentenceCount++
				p.WordCount += CountWords(s)
			}
			if p.SentenceCount == 0 {
				continue
			}
			res.Paragraphs = append(res.Paragraphs, p)
			blocks = append(blocks, block)
			ch.ParagraphCount++
			ch.SentenceCount += p.SentenceCount
			ch.WordCount += p.WordCount
		}
		if ch.ParagraphCount == 0 {
			continue
		}
		ch.Content = strings.Join(blocks, "\n\n")
		res.Chapters = append(res.Chapters, ch)
	}

	if len(res.Chapters) == 0 {
		return Result{}, apierr.Validation("parser.parse", "document contains no sentences")
	}
	return res, nil
}

// splitChapters walks lines and opens a new chapter at every heading.
// Text before the first heading becomes a preamble chapter; a document
// with no headings at all becomes one chapter.
func splitChapters(text string) []rawChapter {
	var out []rawChapter
	cur := &rawChapter{title: preambleTitle}

	for _, line := range strings.Split(text, "\n") {
		if title, ok := headingTitle(line); ok {
			if len(out) == 0 && !hasText(cur.lines) {
				// empty preamble, drop it
				out = nil
			} else {
				out = append(out, *cur)
			}
			cur = &rawChapter{title: title}
			continue
		}
		cur.lines = append(cur.lines, line)
	}
	out = append(out, *cur)

	if len(out) == 1 && out[0].title == preambleTitle {
		out[0].title = fallbackTitle
	}
	return out
}

// headingTitle reports whether line is a chapter heading and returns
// its title. 第N章-style and "Chapter N" headings keep the whole line
// as title; markdown headings keep the heading text.
func headingTitle(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}
	if m := mdHeadingRE.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if cjkChapterRE.MatchString(trimmed) || latinChapterRE.MatchString(trimmed) {
		return trimmed, true
	}
	return "", false
}

// foldShortChapters merges chapters whose body is shorter than min
// runes into the previous chapter, keeping the heading line as text. A
// short first chapter folds forward instead.
func foldShortChapters(chapters []rawChapter, min int) []rawChapter {
	if min <= 0 || len(chapters) < 2 {
		return chapters
	}
	var out []rawChapter
	for _, ch := range chapters {
		if len(out) > 0 && bodyRunes(ch) < min {
			prev := &out[len(out)-1]
			prev.lines = append(prev.lines, "", ch.title)
			prev.lines = append(prev.lines, ch.lines...)
			continue
		}
		out = append(out, ch)
	}
	if len(out) >= 2 && bodyRunes(out[0]) < min {
		head := out[0]
		next := out[1]
		merged := rawChapter{title: next.title}
		merged.lines = append(merged.lines, head.title)
		merged.lines = append(merged.lines, head.lines...)
		merged.lines = append(merged.lines, "")
		merged.lines = append(merged.lines, next.lines...)
		out = append([]rawChapter{merged}, out[2:]...)
	}
	return out
}

func bodyRunes(ch rawChapter) int {
	n := 0
	for _, line := range ch.lines {
		n += len([]rune(strings.TrimSpace(line)))
	}
	return n
}

func hasText(lines []string) bool {
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			return true
		}
	}
	return false
}

// paragraphBlocks groups lines into paragraphs at blank lines. Lines
// inside a block are joined directly when the boundary is CJK and with
// a space otherwise, so hard-wrapped latin text keeps its word breaks.
func paragraphBlocks(lines []string) []string {
	var blocks []string
	var cur []string
	flush := func() {
		if len(cur) == 0 {
			return
		}
		blocks = append(blocks, joinLines(cur))
		cur = nil
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		cur = append(cur, trimmed)
	}
	flush()
	return blocks
}

func joinLines(lines []string) string {
	var b strings.Builder
	for i, line := range lines {
		if i > 0 && needsSpace(lines[i-1], line) {
			b.WriteByte(' ')
		}
		b.WriteString(line)
	}
	return b.String()
}

func needsSpace(prev, next string) bool {
	pr := []rune(prev)
	nr := []rune(next)
	if len(pr) == 0 || len(nr) == 0 {
		return false
	}
	return isASCIIRune(pr[len(pr)-1]) && isASCIIRune(nr[0])
}

func isASCIIRune(r rune) bool { return r < 128 }

const sentenceTerminators = "。！？；…!?."

var closingQuotes = "」』”’\"'）)】》"

// SplitSentences cuts text at sentence terminators. Runs of terminators
// collapse into one cut, closing quotes right after a terminator stay
// with the sentence they close, and an ASCII dot between digits does
// not cut.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	i := 0
	for i < len(runes) {
		if !cutsAt(runes, i) {
			i++
			continue
		}
		j := i + 1
		for j < len(runes) && cutsAt(runes, j) {
			j++
		}
		for j < len(runes) && strings.ContainsRune(closingQuotes, runes[j]) {
			j++
		}
		if s := strings.TrimSpace(string(runes[start:j])); s != "" {
			out = append(out, s)
		}
		start = j
		i = j
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

func cutsAt(runes []rune, i int) bool {
	r := runes[i]
	if !strings.ContainsRune(sentenceTerminators, r) {
		return false
	}
	if r == '.' && i > 0 && i+1 < len(runes) &&
		unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
		return false
	}
	return true
}

// CountWords counts each CJK rune as one word and each run of ASCII
// letters or digits as one word.
func CountWords(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Han, r):
			n++
			inWord = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				n++
				inWord = true
			}
		default:
			inWord = false
		}
	}
	return n
}
