package generation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

const quizSystemPrompt = `You are an expert teacher writing quiz questions for a student's study material.

Use ONLY the information in the provided segments. Do not add outside facts. Every answer must be
supported by the segment text.

Respond with a single JSON object and nothing else, in exactly this shape:
{
  "topic": "short topic of the material",
  "difficulty": "easy | medium | hard",
  "questions": [
    {
      "id": "q1",
      "type": "multiple_choice | true_false",
      "question": "the question text",
      "options": ["option A", "option B", "option C", "option D"],
      "answer": "the exact text of the correct option",
      "explanation": "why the answer is correct, citing the material",
      "hint": "a short nudge that does not give the answer away"
    }
  ]
}

Rules:
- multiple_choice questions have exactly 4 distinct options; true_false questions have the options "True" and "False".
- "answer" must be copied exactly from "options".
- Spread questions across all segments rather than focusing on one.`

const flashcardSystemPrompt = `You are an expert teacher writing flashcards for a student's study material.

Use ONLY the information in the provided segments. Do not add outside facts.

Respond with a single JSON object and nothing else, in exactly this shape:
{
  "flashcards": [
    {"id": "f1", "front": "term or question", "back": "definition or answer"}
  ]
}

Rules:
- Keep fronts short and unique; backs are one or two sentences.
- Spread cards across all segments rather than focusing on one.`

var difficultyGuide = map[string]string{
	"easy":   "Focus on definitions and directly stated facts.",
	"medium": "Mix recall with questions that connect two ideas.",
	"hard":   "Prefer application and comparison questions that require understanding, not recall.",
}

// NormalizeDifficulty maps free input onto easy, medium or hard.
func NormalizeDifficulty(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if _, ok := difficultyGuide[d]; ok {
		return d
	}
	return "medium"
}

func quizUserPrompt(segments string, count int, difficulty, topic string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write %d quiz questions at %s difficulty. %s\n", count, difficulty, difficultyGuide[difficulty])
	if topic != "" {
		fmt.Fprintf(&b, "Focus on the topic: %s\n", topic)
	}
	b.WriteString("\nStudy material:\n\n")
	b.WriteString(segments)
	return b.String()
}

func flashcardUserPrompt(segments string, count int, topic string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write %d flashcards.\n", count)
	if topic != "" {
		fmt.Fprintf(&b, "Focus on the topic: %s\n", topic)
	}
	b.WriteString("\nStudy material:\n\n")
	b.WriteString(segments)
	return b.String()
}

// formatSegment renders one segment as an annotated block:
// [Segment N | Pages a-b | Section: heading].
func formatSegment(seg models.DocumentSegment) string {
	parts := []string{fmt.Sprintf("Segment %d", seg.SegmentIndex+1)}
	if seg.PageStart != nil && seg.PageEnd != nil {
		if *seg.PageStart == *seg.PageEnd {
			parts = append(parts, fmt.Sprintf("Page %d", *seg.PageStart))
		} else {
			parts = append(parts, fmt.Sprintf("Pages %d-%d", *seg.PageStart, *seg.PageEnd))
		}
	}
	if seg.Heading != nil && *seg.Heading != "" {
		parts = append(parts, "Section: "+strings.TrimLeft(*seg.Heading, "# "))
	}
	return "[" + strings.Join(parts, " | ") + "]\n" + seg.Content
}

// FormatSegments joins annotated segment blocks, stopping at maxTokens
// (characters / 4). The block that crosses the limit is cut at a word
// boundary.
func FormatSegments(segs []models.DocumentSegment, maxTokens int) string {
	limit := maxTokens * 4
	var b strings.Builder
	used := 0
	for i, seg := range segs {
		block := formatSegment(seg)
		if i > 0 {
			block = "\n\n" + block
		}
		n := utf8.RuneCountInString(block)
		if used+n <= limit {
			b.WriteString(block)
			used += n
			continue
		}
		if rest := limit - used; rest > 0 {
			b.WriteString(cutAtWord(block, rest))
		}
		break
	}
	return b.String()
}

func cutAtWord(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	cut := string(r[:maxRunes])
	if i := strings.LastIndexAny(cut, " \n\t"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \n\t")
}
