// Package segmenter splits cleaned document text into token-budgeted,
// contiguous segments with heading detection and page attribution.
//
// Segments concatenated in index order reproduce the input's
// non-whitespace content. Every segment holds between MinTokens and
// MaxTokens tokens, except the final segment and a segment made of a single
// sentence that is longer than the target on its own.
package segmenter

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

const (
	DefaultTargetTokens = 500
	DefaultMinTokens    = 100
	DefaultMaxTokens    = 800

	// ConservativeFactor shrinks the target for OCR text, whose token
	// estimate is less reliable.
	ConservativeFactor = 0.7

	paragraphJoiner = "\n\n"
	sentenceJoiner  = " "
)

// EstimateTokens approximates tokens as characters / 4, rounded up.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

// Options tunes one segmentation run.
type Options struct {
	TargetTokens int
	MinTokens    int
	MaxTokens    int
	Conservative bool

	// PageBoundaries are page start offsets measured on a text of
	// SourceLength characters (the pre-cleaning text). Offsets in the
	// cleaned text are mapped onto them proportionally.
	PageBoundaries []int
	SourceLength   int

	Source models.SegmentSource
}

func (o Options) withDefaults() Options {
	if o.TargetTokens <= 0 {
		o.TargetTokens = DefaultTargetTokens
	}
	if o.MinTokens <= 0 {
		o.MinTokens = DefaultMinTokens
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Conservative {
		o.TargetTokens = int(float64(o.TargetTokens) * ConservativeFactor)
	}
	if o.MinTokens > o.TargetTokens {
		o.MinTokens = o.TargetTokens
	}
	if o.Source == "" {
		o.Source = models.SourceText
	}
	return o
}

// unit is the smallest piece the segmenter places: a whole paragraph, or a
// group of sentences cut from a paragraph larger than the target.
type unit struct {
	text    string
	tokens  int
	start   int // rune offset in the cleaned text
	end     int
	heading bool
	// joiner is the separator that preceded this unit in the source.
	joiner string
}

// Segment splits text into segments.
func Segment(text string, opts Options) []models.DocumentSegment {
	opts = opts.withDefaults()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	units := buildUnits(text, opts.TargetTokens)
	pages := newPageMapper(opts.PageBoundaries, opts.SourceLength, utf8.RuneCountInString(text))

	var (
		out            []models.DocumentSegment
		cur            []unit
		curRunes       int
		currentHeading string
	)
	// Token counts are estimated on the joined text, exactly as the stored
	// segment will be measured.
	tokensWith := func(u unit) int {
		if len(cur) == 0 {
			return u.tokens
		}
		return (curRunes + utf8.RuneCountInString(u.joiner) + utf8.RuneCountInString(u.text) + 3) / 4
	}

	flush := func() {
		if len(cur) == 0 {
			return
		}
		var sb strings.Builder
		heading := currentHeading
		for i, u := range cur {
			if i > 0 {
				sb.WriteString(u.joiner)
			}
			sb.WriteString(u.text)
		}
		// A heading that arrives mid-segment governs the text after it, not
		// the segment as a whole.
		if cur[0].heading {
			heading = cur[0].text
		}
		content := sb.String()
		seg := models.DocumentSegment{
			SegmentIndex: len(out),
			Content:      content,
			TokenCount:   EstimateTokens(content),
			Source:       opts.Source,
		}
		if heading != "" {
			h := heading
			seg.Heading = &h
		}
		if ps, pe, ok := pages.span(cur[0].start, cur[len(cur)-1].end); ok {
			seg.PageStart, seg.PageEnd = &ps, &pe
		}
		out = append(out, seg)

		for _, u := range cur {
			if u.heading {
				currentHeading = u.text
			}
		}
		cur, curRunes = nil, 0
	}

	for _, u := range units {
		if len(cur) > 0 && (curRunes+3)/4 >= opts.MinTokens {
			if u.heading || tokensWith(u) > opts.TargetTokens {
				flush()
			}
		}
		if len(cur) > 0 {
			curRunes += utf8.RuneCountInString(u.joiner)
		}
		cur = append(cur, u)
		curRunes += utf8.RuneCountInString(u.text)
	}
	flush()
	return out
}

// buildUnits splits text into paragraphs, and paragraphs larger than target
// into sentence groups no larger than target.
func buildUnits(text string, target int) []unit {
	var units []unit
	offset := 0
	for i, para := range strings.Split(text, paragraphJoiner) {
		if i > 0 {
			offset += utf8.RuneCountInString(paragraphJoiner)
		}
		start := offset
		offset += utf8.RuneCountInString(para)

		p := strings.TrimSpace(para)
		if p == "" {
			continue
		}
		joiner := paragraphJoiner
		if EstimateTokens(p) <= target {
			units = append(units, unit{
				text: p, tokens: EstimateTokens(p), start: start, end: offset,
				heading: IsHeading(p), joiner: joiner,
			})
			continue
		}
		for _, g := range groupSentences(p, start, target) {
			g.joiner = joiner
			units = append(units, g)
			joiner = sentenceJoiner
		}
	}
	return units
}

// groupSentences packs consecutive sentences into units of at most target
// tokens. A single sentence over target becomes its own unit.
func groupSentences(para string, base, target int) []unit {
	sentences := SplitSentences(para)
	var (
		out    []unit
		parts  []string
		start  int
		cursor = base
	)
	emit := func(end int) {
		if len(parts) == 0 {
			return
		}
		t := strings.Join(parts, sentenceJoiner)
		out = append(out, unit{text: t, tokens: EstimateTokens(t), start: start, end: end})
		parts = nil
	}

	for _, s := range sentences {
		n := utf8.RuneCountInString(s)
		candidate := append(append([]string(nil), parts...), s)
		if len(parts) > 0 && EstimateTokens(strings.Join(candidate, sentenceJoiner)) > target {
			emit(cursor)
		}
		if len(parts) == 0 {
			start = cursor
		}
		parts = append(parts, s)
		cursor += n + 1
	}
	emit(base + utf8.RuneCountInString(para))
	return out
}

// SplitSentences cuts after ., ! or ? followed by whitespace. Whitespace
// runs between sentences are dropped; sentence text is kept verbatim.
func SplitSentences(text string) []string {
	var (
		out   []string
		runes = []rune(text)
		start = 0
	)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

var (
	numberedHeadingRe = regexp.MustCompile(`^(\d+(\.\d+)*\.?|[IVXLC]+\.|[A-Z]\.)\s+\S`)
	chapterHeadingRe  = regexp.MustCompile(`(?i)^(chapter|section|unit|part|lesson|module|lecture|topic)\s+[\dIVXLC]+\b`)
)

// IsHeading reports whether a paragraph looks like a section heading:
// short, single line, not ending like a sentence, and either markdown,
// numbered, "Chapter N" style, all caps, or title case.
func IsHeading(p string) bool {
	p = strings.TrimSpace(p)
	if p == "" || strings.Contains(p, "\n") || utf8.RuneCountInString(p) > 80 {
		return false
	}
	if strings.HasPrefix(p, "#") {
		return true
	}
	last, _ := utf8.DecodeLastRuneInString(p)
	if last == '.' || last == ',' || last == ';' || last == '?' || last == '!' {
		return false
	}
	if chapterHeadingRe.MatchString(p) || numberedHeadingRe.MatchString(p) {
		return true
	}

	words := strings.Fields(p)
	if len(words) > 10 {
		return false
	}
	letters, upper := 0, 0
	for _, r := range p {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters >= 3 && upper == letters {
		return true
	}

	capitalized := 0
	for _, w := range words {
		r, _ := utf8.DecodeRuneInString(w)
		if unicode.IsUpper(r) {
			capitalized++
		}
	}
	return len(words) >= 2 && len(words) <= 8 && capitalized*10 >= len(words)*7
}

// pageMapper attributes cleaned-text offsets to 1-based pages.
type pageMapper struct {
	boundaries []int
	sourceLen  int
	cleanLen   int
}

func newPageMapper(boundaries []int, sourceLen, cleanLen int) pageMapper {
	if sourceLen <= 0 {
		sourceLen = cleanLen
	}
	return pageMapper{boundaries: boundaries, sourceLen: sourceLen, cleanLen: cleanLen}
}

func (m pageMapper) page(offset int) int {
	scaled := offset
	if m.cleanLen > 0 {
		scaled = int(int64(offset) * int64(m.sourceLen) / int64(m.cleanLen))
	}
	// Index of the last boundary <= scaled.
	i := sort.Search(len(m.boundaries), func(i int) bool { return m.boundaries[i] > scaled })
	if i == 0 {
		return 1
	}
	return i
}

func (m pageMapper) span(start, end int) (int, int, bool) {
	if len(m.boundaries) == 0 {
		return 0, 0, false
	}
	if end > start {
		end--
	}
	return m.page(start), m.page(end), true
}
