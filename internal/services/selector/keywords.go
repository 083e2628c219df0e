package selector

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		the and for are but not you all any can had her was one our out has have
		his how its may new now old see two who did get him let put say she too use
		with that this from they will would there their what about which when make
		like time just know take into year your some could them than then also been
		more other were what where while these those such only over very after most
		because between through during before each both does doing being under again
		further once here should same own few why off onto upon within without
		chapter section page lecture notes`) {
		stopwords[w] = struct{}{}
	}
}

// IsStopword reports whether w (lowercase) carries no topical meaning.
func IsStopword(w string) bool {
	_, ok := stopwords[w]
	return ok
}

// Words splits text into lowercase words of at least three letters or
// digits, stopwords removed, in order of appearance (with repeats).
func Words(text string) []string {
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) < 3 || IsStopword(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Keywords returns the distinct Words of text in order of first appearance.
func Keywords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range Words(text) {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
