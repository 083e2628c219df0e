package ocr

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	pipeRunRe       = regexp.MustCompile(`\|{2,}`)
	underscoreRunRe = regexp.MustCompile(`_{3,}`)
	dotRunRe        = regexp.MustCompile(`\.{4,}`)
	spaceRunRe      = regexp.MustCompile(`[ \t]+`)
	blankLinesRe    = regexp.MustCompile(`\n{3,}`)
)

// Clean removes typical OCR noise: table-rule pipes, underscore fill lines,
// dot leaders, lone symbol lines, and repeated isolated characters.
func Clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = pipeRunRe.ReplaceAllString(text, " ")
	text = underscoreRunRe.ReplaceAllString(text, " ")
	text = dotRunRe.ReplaceAllString(text, "...")

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(spaceRunRe.ReplaceAllString(line, " "))
		if isNoiseLine(line) {
			continue
		}
		out = append(out, collapseIsolatedRepeats(line))
	}

	text = strings.Join(out, "\n")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// isNoiseLine reports lines made of a single non-alphanumeric character.
func isNoiseLine(line string) bool {
	if utf8.RuneCountInString(line) != 1 {
		return false
	}
	r, _ := utf8.DecodeRuneInString(line)
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// collapseIsolatedRepeats turns "a a a a" style runs of one repeated
// single-character token into a single token.
func collapseIsolatedRepeats(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return line
	}
	out := fields[:0:0]
	for i, f := range fields {
		if i > 0 && utf8.RuneCountInString(f) == 1 && f == fields[i-1] {
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}
