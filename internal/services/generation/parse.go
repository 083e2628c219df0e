package generation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// locateJSON returns the outermost JSON object or array in s, skipping any
// prose the model put around it.
func locateJSON(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func decodeLoose(content string) (any, error) {
	body, ok := locateJSON(stripFences(content))
	if !ok {
		return nil, fmt.Errorf("%w: no JSON in response", models.ErrValidationFailed)
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidationFailed, err)
	}
	return v, nil
}

// A matcher looks for the item array inside a decoded response. Matchers
// are pure and tried in order; the first match wins.
type matcher func(v any, key string) ([]any, bool)

var matchers = []matcher{directMatch, propertyArrayMatch, nestedArrayMatch}

// directMatch accepts a top-level array or the expected key holding one.
func directMatch(v any, key string) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case map[string]any:
		if arr, ok := t[key].([]any); ok {
			return arr, true
		}
	}
	return nil, false
}

// propertyArrayMatch accepts any property whose value is a non-empty array
// of objects, checked in key order.
func propertyArrayMatch(v any, _ string) ([]any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	for _, k := range sortedKeys(m) {
		if arr, ok := m[k].([]any); ok && isObjectArray(arr) {
			return arr, true
		}
	}
	return nil, false
}

// nestedArrayMatch looks one object level deeper, e.g. {"quiz":{"questions":[...]}}.
func nestedArrayMatch(v any, key string) ([]any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	for _, k := range sortedKeys(m) {
		inner, ok := m[k].(map[string]any)
		if !ok {
			continue
		}
		if arr, ok := directMatch(inner, key); ok {
			return arr, true
		}
		if arr, ok := propertyArrayMatch(inner, key); ok {
			return arr, true
		}
	}
	return nil, false
}

func isObjectArray(arr []any) bool {
	if len(arr) == 0 {
		return false
	}
	_, ok := arr[0].(map[string]any)
	return ok
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// unwrap decodes content and finds the item array under key.
func unwrap(content, key string) (any, []any, error) {
	v, err := decodeLoose(content)
	if err != nil {
		return nil, nil, err
	}
	for _, match := range matchers {
		if arr, ok := match(v, key); ok {
			return v, arr, nil
		}
	}
	return v, nil, fmt.Errorf("%w: no %q array in response", models.ErrValidationFailed, key)
}

// rawQuiz is a response unwrapped into loosely typed questions.
type rawQuiz struct {
	Topic      string
	Difficulty string
	Questions  []models.Question
}

func parseQuiz(content string) (*rawQuiz, error) {
	root, items, err := unwrap(content, "questions")
	if err != nil {
		return nil, err
	}
	out := &rawQuiz{}
	if m, ok := root.(map[string]any); ok {
		out.Topic = str(m["topic"])
		out.Difficulty = str(m["difficulty"])
		if inner, ok := m["quiz"].(map[string]any); ok && out.Topic == "" {
			out.Topic = str(inner["topic"])
		}
	}
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		out.Questions = append(out.Questions, questionFromMap(m))
	}
	return out, nil
}

func questionFromMap(m map[string]any) models.Question {
	q := models.Question{
		ID:          str(m["id"]),
		Type:        models.QuestionType(first(m, "type", "question_type", "questionType")),
		Question:    first(m, "question", "prompt", "text", "q"),
		Answer:      first(m, "answer", "correct_answer", "correctAnswer", "correct"),
		Explanation: first(m, "explanation", "rationale", "reason"),
		Hint:        first(m, "hint"),
	}
	for _, k := range []string{"options", "choices", "answers"} {
		if v, ok := m[k]; ok {
			q.Options = options(v)
			break
		}
	}
	if q.Answer == "" {
		for _, k := range []string{"answer_index", "answerIndex", "correct_index", "correctIndex"} {
			if f, ok := m[k].(float64); ok {
				if i := int(f); i >= 0 && i < len(q.Options) {
					q.Answer = q.Options[i]
				}
				break
			}
		}
	}
	return q
}

// options accepts ["a","b"], [{"text":"a"}], or {"A":"a","B":"b"}.
func options(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, o := range t {
			if m, ok := o.(map[string]any); ok {
				out = append(out, first(m, "text", "option", "value", "label"))
				continue
			}
			out = append(out, str(o))
		}
	case map[string]any:
		for _, k := range sortedKeys(t) {
			out = append(out, str(t[k]))
		}
	}
	return out
}

func parseFlashcards(content string) ([]models.Flashcard, error) {
	_, items, err := unwrap(content, "flashcards")
	if err != nil {
		return nil, err
	}
	var out []models.Flashcard
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, models.Flashcard{
			ID:    str(m["id"]),
			Front: first(m, "front", "term", "question"),
			Back:  first(m, "back", "definition", "answer"),
		})
	}
	return out, nil
}

func first(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "True"
		}
		return "False"
	}
	return ""
}
