// Package cleaner normalizes extracted text before segmentation: Unicode
// and whitespace normalization, watermark and page-number removal, and
// removal of repeating headers/footers.
//
// Clean is pure and idempotent: Clean(Clean(x)) == Clean(x).
package cleaner

import (
	"regexp"
	"strings"
)

// RepeatThreshold is how many times a paragraph must occur before it is
// treated as a running header or footer.
const RepeatThreshold = 3

const paragraphKeyLen = 100

// Clean runs every normalization step in order.
func Clean(text string) string {
	text = normalizeUnicode(text)
	text = normalizeWhitespace(text)
	text = stripWatermarks(text)
	text = normalizeWhitespace(text)
	text = stripPageNumbers(text)
	text = removeRepeatedParagraphs(text)
	return normalizeWhitespace(text)
}

var unicodeReplacer = strings.NewReplacer(
	// quotes
	"\u2018", "'", "\u2019", "'", "\u201a", "'", "\u201b", "'",
	"\u201c", `"`, "\u201d", `"`, "\u201e", `"`, "\u201f", `"`,
	"\u2032", "'", "\u2033", `"`,
	// dashes and minus
	"\u2010", "-", "\u2011", "-", "\u2012", "-", "\u2013", "-", "\u2014", "-", "\u2015", "-", "\u2212", "-",
	// ligatures
	"\ufb00", "ff", "\ufb01", "fi", "\ufb02", "fl", "\ufb03", "ffi", "\ufb04", "ffl", "\ufb05", "st", "\ufb06", "st",
	"\u2026", "...",
	// invisible characters
	"\u200b", "", "\u200c", "", "\u200d", "", "\u2060", "", "\ufeff", "", "\u00ad", "",
	// spaces
	"\u00a0", " ", "\u2002", " ", "\u2003", " ", "\u2009", " ", "\u202f", " ", "\u3000", " ",
	// bullets become dashes so lists survive as text
	"\u2022", "-", "\u25cf", "-", "\u25aa", "-",
)

func normalizeUnicode(text string) string {
	return unicodeReplacer.Replace(text)
}

var (
	spaceRunRe   = regexp.MustCompile(`[ \t\f\v]+`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

func normalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = spaceRunRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text = strings.Join(lines, "\n")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

var (
	watermarkLineRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(strictly\s+)?confidential$`),
		regexp.MustCompile(`(?i)^draft(\s+copy)?$`),
		regexp.MustCompile(`(?i)^sample$`),
		regexp.MustCompile(`(?i)^(preview|evaluation)(\s+(copy|only|version))?$`),
		regexp.MustCompile(`(?i)^do\s+not\s+(copy|distribute|duplicate)\.?$`),
		regexp.MustCompile(`(?i)^for\s+internal\s+use\s+only\.?$`),
		regexp.MustCompile(`(?i)^downloaded\s+(from|by)\s+\S+.*$`),
		regexp.MustCompile(`(?i)^scanned\s+(with|by)\s+camscanner$`),
	}
	watermarkInlineRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)scanned\s+(with|by)\s+camscanner`),
		regexp.MustCompile(`(?i)downloaded\s+from\s+[a-z0-9.-]+\.[a-z]{2,}(/\S*)?`),
	}
)

func stripWatermarks(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		// Inline phrases go first so a line they empty out, or reduce to a
		// line-level watermark, is dropped in the same pass.
		line = stripInline(line)
		if matchesAny(watermarkLineRes, line) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// stripInline removes inline watermark phrases until none are left, since
// removing one can join the pieces of another.
func stripInline(line string) string {
	for {
		next := line
		for _, re := range watermarkInlineRes {
			next = re.ReplaceAllString(next, "")
		}
		next = strings.TrimSpace(spaceRunRe.ReplaceAllString(next, " "))
		if next == line {
			return next
		}
		line = next
	}
}

var pageNumberRes = []*regexp.Regexp{
	regexp.MustCompile(`^\d{1,4}$`),
	regexp.MustCompile(`(?i)^page\s+\d{1,4}(\s+of\s+\d{1,4})?$`),
	regexp.MustCompile(`^-\s*\d{1,4}\s*-$`),
	regexp.MustCompile(`^\d{1,4}\s*/\s*\d{1,4}$`),
	regexp.MustCompile(`(?i)^p\.\s*\d{1,4}$`),
}

func stripPageNumbers(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if matchesAny(pageNumberRes, line) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// removeRepeatedParagraphs drops every paragraph whose key (first and last
// paragraphKeyLen characters) occurs RepeatThreshold or more times.
func removeRepeatedParagraphs(text string) string {
	paras := strings.Split(text, "\n\n")
	counts := make(map[string]int, len(paras))
	for _, p := range paras {
		counts[paragraphKey(p)]++
	}

	out := paras[:0]
	for _, p := range paras {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if counts[paragraphKey(p)] >= RepeatThreshold {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "\n\n")
}

func paragraphKey(p string) string {
	r := []rune(strings.TrimSpace(p))
	if len(r) <= 2*paragraphKeyLen {
		return string(r)
	}
	return string(r[:paragraphKeyLen]) + "\x00" + string(r[len(r)-paragraphKeyLen:])
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
