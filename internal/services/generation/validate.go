package generation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

// Issue is one schema problem found before repair.
type Issue struct {
	Index   int
	Field   string
	Problem string
}

func (i Issue) String() string {
	return fmt.Sprintf("questions[%d].%s: %s", i.Index, i.Field, i.Problem)
}

// ValidateQuiz reports how far questions are from the quiz schema. It only
// diagnoses; Repair fixes what can be fixed.
func ValidateQuiz(qs []models.Question) []Issue {
	var issues []Issue
	add := func(i int, field, problem string) {
		issues = append(issues, Issue{Index: i, Field: field, Problem: problem})
	}
	for i, q := range qs {
		if q.ID == "" {
			add(i, "id", "missing")
		}
		switch q.Type {
		case models.QuestionMultipleChoice, models.QuestionTrueFalse:
		default:
			add(i, "type", fmt.Sprintf("unknown type %q", q.Type))
		}
		if utf8.RuneCountInString(strings.TrimSpace(q.Question)) < minQuestionRunes {
			add(i, "question", "missing or too short")
		}
		if strings.TrimSpace(q.Answer) == "" {
			add(i, "answer", "missing")
		}
		if len(q.Options) < 2 {
			add(i, "options", fmt.Sprintf("has %d options, need at least 2", len(q.Options)))
		} else if q.Type == models.QuestionMultipleChoice && len(q.Options) != MultipleChoiceOptions {
			add(i, "options", fmt.Sprintf("has %d options, want %d", len(q.Options), MultipleChoiceOptions))
		}
		if q.Answer != "" && optionIndex(q.Options, q.Answer) < 0 {
			add(i, "answer", "not one of the options")
		}
		if strings.TrimSpace(q.Explanation) == "" {
			add(i, "explanation", "missing")
		}
	}
	return issues
}
