package generation

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/selector"
)

const (
	// MultipleChoiceOptions is the option count every multiple choice
	// question is repaired to.
	MultipleChoiceOptions = 4
	minQuestionRunes      = 10
)

// Rule is one named, pure repair step.
type Rule struct {
	Name  string
	Apply func(models.Question) models.Question
}

// Rules run in this order.
var Rules = []Rule{
	{"trimFields", trimFields},
	{"resolveAnswerReference", resolveAnswerReference},
	{"inferType", inferType},
	{"dedupeOptions", dedupeOptions},
	{"ensureAnswerInOptions", ensureAnswerInOptions},
	{"backfillDistractors", backfillDistractors},
	{"shuffleOptions", shuffleOptions},
	{"ensureID", ensureID},
	{"ensureExplanation", ensureExplanation},
	{"ensureHint", ensureHint},
}

// Salvageable reports whether a question has enough to be repaired: real
// question text and an answer.
func Salvageable(q models.Question) bool {
	return utf8.RuneCountInString(strings.TrimSpace(q.Question)) >= minQuestionRunes &&
		strings.TrimSpace(q.Answer) != ""
}

// Repair applies every rule, or returns false when q cannot be salvaged.
func Repair(q models.Question) (models.Question, bool) {
	if !Salvageable(q) {
		return q, false
	}
	for _, r := range Rules {
		q = r.Apply(q)
	}
	return q, true
}

var optionLabelRe = regexp.MustCompile(`^(?:[A-Ha-h]|[1-8])[\)\.:]\s+`)

func trimFields(q models.Question) models.Question {
	q.ID = strings.TrimSpace(q.ID)
	q.Question = strings.TrimSpace(q.Question)
	q.Answer = strings.TrimSpace(q.Answer)
	q.Explanation = strings.TrimSpace(q.Explanation)
	q.Hint = strings.TrimSpace(q.Hint)
	q.Type = models.QuestionType(strings.ToLower(strings.TrimSpace(string(q.Type))))

	var opts []string
	for _, o := range q.Options {
		if o = strings.TrimSpace(o); o != "" {
			opts = append(opts, o)
		}
	}
	// "A) Nucleus" style labels go only when every option carries one.
	labelled := len(opts) > 0
	for _, o := range opts {
		if !optionLabelRe.MatchString(o) {
			labelled = false
			break
		}
	}
	if labelled {
		for i, o := range opts {
			opts[i] = optionLabelRe.ReplaceAllString(o, "")
		}
	}
	q.Options = opts
	return q
}

var (
	letterRefRe   = regexp.MustCompile(`(?i)^(?:option\s+)?\(?([a-h])\)?[\.:]?$`)
	labelledRefRe = regexp.MustCompile(`(?i)^\(?([a-h])[\)\.:]\s+(.+)$`)
)

// resolveAnswerReference turns "B", "(b)", "Option B" or "B) text" into
// the referenced option's text.
func resolveAnswerReference(q models.Question) models.Question {
	if optionIndex(q.Options, q.Answer) >= 0 {
		return q
	}
	letter := ""
	if m := labelledRefRe.FindStringSubmatch(q.Answer); m != nil {
		if i := optionIndex(q.Options, m[2]); i >= 0 {
			q.Answer = q.Options[i]
			return q
		}
		letter = m[1]
	} else if m := letterRefRe.FindStringSubmatch(q.Answer); m != nil {
		letter = m[1]
	}
	if letter == "" {
		return q
	}
	if i := int(strings.ToLower(letter)[0] - 'a'); i < len(q.Options) {
		q.Answer = q.Options[i]
	}
	return q
}

func inferType(q models.Question) models.Question {
	switch strings.NewReplacer(" ", "", "_", "", "-", "", "/", "").Replace(string(q.Type)) {
	case "multiplechoice", "mcq", "mc", "choice":
		q.Type = models.QuestionMultipleChoice
		return q
	case "truefalse", "tf", "boolean", "bool":
		if isBool(q.Answer) {
			q.Type = models.QuestionTrueFalse
		} else {
			q.Type = models.QuestionMultipleChoice
		}
		return q
	}
	if isBool(q.Answer) && len(q.Options) <= 2 {
		allBool := true
		for _, o := range q.Options {
			allBool = allBool && isBool(o)
		}
		if allBool {
			q.Type = models.QuestionTrueFalse
			return q
		}
	}
	q.Type = models.QuestionMultipleChoice
	return q
}

func dedupeOptions(q models.Question) models.Question {
	seen := make(map[string]struct{}, len(q.Options))
	var out []string
	for _, o := range q.Options {
		k := strings.ToLower(o)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, o)
	}
	q.Options = out
	return q
}

// ensureAnswerInOptions makes the answer an exact copy of one option,
// adding it (or replacing the last distractor when full) if missing.
func ensureAnswerInOptions(q models.Question) models.Question {
	if q.Type == models.QuestionTrueFalse {
		q.Answer = boolText(q.Answer)
		return q
	}
	if i := optionIndex(q.Options, q.Answer); i >= 0 {
		q.Answer = q.Options[i]
		return q
	}
	if len(q.Options) >= MultipleChoiceOptions {
		q.Options = append(q.Options[:MultipleChoiceOptions-1:MultipleChoiceOptions-1], q.Answer)
	} else {
		q.Options = append(q.Options, q.Answer)
	}
	return q
}

var genericDistractors = []string{
	"None of the above",
	"All of the above",
	"Not stated in the material",
	"It cannot be determined from the material",
	"Both of the first two options",
}

// backfillDistractors gives true/false questions exactly True and False,
// and multiple choice questions exactly MultipleChoiceOptions options with
// the answer among them.
func backfillDistractors(q models.Question) models.Question {
	if q.Type == models.QuestionTrueFalse {
		q.Options = []string{"True", "False"}
		q.Answer = boolText(q.Answer)
		return q
	}

	opts := append([]string(nil), q.Options...)
	if len(opts) > MultipleChoiceOptions {
		kept := []string{q.Answer}
		for _, o := range opts {
			if o != q.Answer && len(kept) < MultipleChoiceOptions {
				kept = append(kept, o)
			}
		}
		opts = kept
	}
	for _, c := range distractorCandidates(q.Answer) {
		if len(opts) >= MultipleChoiceOptions {
			break
		}
		if optionIndex(opts, c) < 0 {
			opts = append(opts, c)
		}
	}
	q.Options = opts
	return q
}

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// distractorCandidates proposes wrong answers: numeric neighbours for a
// numeric answer (keeping its unit), then generic fillers.
func distractorCandidates(answer string) []string {
	var out []string
	if loc := numberRe.FindStringIndex(answer); loc != nil {
		numText := answer[loc[0]:loc[1]]
		prefix, suffix := answer[:loc[0]], answer[loc[1]:]
		if n, err := strconv.ParseFloat(numText, 64); err == nil {
			decimals := 0
			if dot := strings.IndexByte(numText, '.'); dot >= 0 {
				decimals = len(numText) - dot - 1
			}
			step := 1.0
			if decimals > 0 {
				step = 1 / pow10(decimals)
			}
			for _, v := range []float64{n + step, n - step, n + 2*step, n * 2, n - 2*step} {
				out = append(out, prefix+strconv.FormatFloat(v, 'f', decimals, 64)+suffix)
			}
		}
	}
	return append(out, genericDistractors...)
}

// shuffleOptions orders multiple choice options with a seed taken from the
// question text, so a question always shuffles the same way.
func shuffleOptions(q models.Question) models.Question {
	if q.Type != models.QuestionMultipleChoice || len(q.Options) < 2 {
		return q
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(q.Question))
	r := rand.New(rand.NewPCG(h.Sum64(), uint64(len(q.Options))))
	opts := append([]string(nil), q.Options...)
	r.Shuffle(len(opts), func(i, j int) { opts[i], opts[j] = opts[j], opts[i] })
	q.Options = opts
	return q
}

func ensureID(q models.Question) models.Question {
	if q.ID != "" {
		return q
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(q.Question))
	q.ID = fmt.Sprintf("q-%08x", h.Sum32())
	return q
}

func ensureExplanation(q models.Question) models.Question {
	if q.Explanation == "" {
		q.Explanation = fmt.Sprintf("The correct answer is %q.", q.Answer)
	}
	return q
}

func ensureHint(q models.Question) models.Question {
	if q.Hint != "" {
		return q
	}
	kws := selector.Keywords(q.Question)
	if len(kws) > 3 {
		kws = kws[:3]
	}
	if len(kws) == 0 {
		q.Hint = "Re-read the section of the material this question comes from."
		return q
	}
	q.Hint = "Review the part of the material about " + strings.Join(kws, ", ") + "."
	return q
}

func optionIndex(opts []string, s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return -1
	}
	for i, o := range opts {
		if strings.EqualFold(o, s) {
			return i
		}
	}
	return -1
}

func isBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "false", "t", "f", "yes", "no":
		return true
	}
	return false
}

func boolText(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes":
		return "True"
	case "false", "f", "no":
		return "False"
	}
	return s
}

func pow10(n int) float64 {
	p := 1.0
	for i := 0; i < n; i++ {
		p *= 10
	}
	return p
}
