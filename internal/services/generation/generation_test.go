package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/llm"
)

type reply struct {
	content string
	err     error
}

// scriptedLLM answers with replies in order, repeating the last one.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []reply
	temps   []float64
	prompts []string
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.temps)
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	s.temps = append(s.temps, req.Temperature)
	s.prompts = append(s.prompts, req.User)
	r := s.replies[i]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{Content: r.content}, nil
}

func validQuestion(i int) string {
	return fmt.Sprintf(`{"id":"q%d","type":"multiple_choice","question":"What is fact number %d in the text?",
		"options":["Answer %d","Wrong A","Wrong B","Wrong C"],"answer":"Answer %d","explanation":"Stated in the text.","hint":"Look closely."}`, i, i, i, i)
}

func quizJSON(questions ...string) string {
	return `{"topic":"Cells","difficulty":"medium","questions":[` + strings.Join(questions, ",") + `]}`
}

func bigSegments() []models.DocumentSegment {
	return []models.DocumentSegment{{SegmentIndex: 0, Content: "Cells are the basic unit of life.", TokenCount: 1000}}
}

func newEngine(l llm.Completer) *Engine {
	return New(l, Config{}, logger.Nop())
}

func TestGenerateQuizRepairsMalformedQuestion(t *testing.T) {
	malformed := `{"question":"Which organelle produces most of the cell's ATP?","options":["Mitochondria","Nucleus"],"answer":"A"}`
	l := &scriptedLLM{replies: []reply{{content: quizJSON(validQuestion(1), malformed)}}}

	quiz, err := newEngine(l).GenerateQuiz(context.Background(), Request{Segments: bigSegments(), Count: 2})
	require.NoError(t, err)
	require.Len(t, quiz.Questions, 2)

	fixed := quiz.Questions[1]
	assert.Equal(t, models.QuestionMultipleChoice, fixed.Type)
	assert.GreaterOrEqual(t, len(fixed.Options), 4)
	assert.Contains(t, fixed.Options, "Mitochondria")
	assert.Equal(t, "Mitochondria", fixed.Answer)
	assert.NotEmpty(t, fixed.ID)
	assert.NotEmpty(t, fixed.Explanation)
	assert.NotEmpty(t, fixed.Hint)

	assert.Equal(t, "Cells", quiz.Topic)
	assert.Len(t, l.temps, 1)
}

func TestGenerateQuizRetriesWithRisingTemperature(t *testing.T) {
	l := &scriptedLLM{replies: []reply{
		{content: "I cannot help with that"},
		{content: quizJSON(validQuestion(1))},
		{content: quizJSON(validQuestion(1), validQuestion(2), validQuestion(3))},
	}}

	quiz, err := newEngine(l).GenerateQuiz(context.Background(), Request{Segments: bigSegments(), Count: 4})
	require.NoError(t, err)

	assert.Len(t, quiz.Questions, 3)
	require.Len(t, l.temps, 3)
	assert.InDelta(t, 0.4, l.temps[0], 1e-9)
	assert.InDelta(t, 0.5, l.temps[1], 1e-9)
	assert.InDelta(t, 0.6, l.temps[2], 1e-9)
}

func TestGenerateQuizReturnsBestAttempt(t *testing.T) {
	l := &scriptedLLM{replies: []reply{
		{content: quizJSON(validQuestion(1), validQuestion(2))},
		{content: quizJSON(validQuestion(1))},
		{content: "```json\nnot json\n```"},
	}}

	quiz, err := newEngine(l).GenerateQuiz(context.Background(), Request{Segments: bigSegments(), Count: 6})
	require.NoError(t, err)
	assert.Len(t, quiz.Questions, 2)
	assert.Len(t, l.temps, 3)
}

func TestGenerateQuizFailures(t *testing.T) {
	tests := []struct {
		name      string
		replies   []reply
		wantCalls int
	}{
		{name: "never valid", replies: []reply{{content: `{"questions":[{"question":"short"}]}`}}, wantCalls: 3},
		{name: "transport errors", replies: []reply{{err: errors.New("connection reset")}}, wantCalls: 3},
		{name: "client error stops", replies: []reply{{err: &llm.StatusError{Code: 400, Body: "bad"}}}, wantCalls: 1},
		{name: "not configured", replies: []reply{{err: llm.ErrNotConfigured}}, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &scriptedLLM{replies: tt.replies}
			_, err := newEngine(l).GenerateQuiz(context.Background(), Request{Segments: bigSegments(), Count: 3})
			assert.ErrorIs(t, err, models.ErrGenerationFailed)
			assert.Len(t, l.temps, tt.wantCalls)
		})
	}
}

func TestGenerateQuizTrimsToCount(t *testing.T) {
	l := &scriptedLLM{replies: []reply{{content: quizJSON(validQuestion(1), validQuestion(2), validQuestion(3), validQuestion(4))}}}
	quiz, err := newEngine(l).GenerateQuiz(context.Background(), Request{Segments: bigSegments(), Count: 2})
	require.NoError(t, err)
	assert.Len(t, quiz.Questions, 2)
	assert.Contains(t, l.prompts[0], "Write 2 quiz questions")
}

func TestGenerateQuizScalesCountToContent(t *testing.T) {
	l := &scriptedLLM{replies: []reply{{content: quizJSON(validQuestion(1), validQuestion(2), validQuestion(3))}}}
	segs := []models.DocumentSegment{{Content: "Short.", TokenCount: 80}}

	quiz, err := newEngine(l).GenerateQuiz(context.Background(), Request{Segments: segs, Count: 10})
	require.NoError(t, err)
	assert.Len(t, quiz.Questions, 2)
	assert.Contains(t, l.prompts[0], "Write 2 quiz questions")
}

func TestQuestionCount(t *testing.T) {
	tests := []struct {
		requested, tokens, want int
	}{
		{requested: 5, tokens: 10000, want: 5},
		{requested: 0, tokens: 10000, want: DefaultQuestionCount},
		{requested: 500, tokens: 100000, want: MaxQuestionCount},
		{requested: 20, tokens: 400, want: 10},
		{requested: 5, tokens: 10, want: 1},
		{requested: -3, tokens: 0, want: 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, QuestionCount(tt.requested, tt.tokens, DefaultTokensPerQuestion), "%+v", tt)
	}
}

func TestRepairRules(t *testing.T) {
	tests := []struct {
		name    string
		in      models.Question
		check   func(t *testing.T, q models.Question)
		dropped bool
	}{
		{
			name: "numeric neighbours keep the unit",
			in:   models.Question{Question: "How many chromosomes do human cells have?", Options: []string{"23 chromosomes"}, Answer: "46 chromosomes"},
			check: func(t *testing.T, q models.Question) {
				assert.Len(t, q.Options, 4)
				assert.Contains(t, q.Options, "46 chromosomes")
				assert.Contains(t, q.Options, "47 chromosomes")
				assert.Contains(t, q.Options, "23 chromosomes")
			},
		},
		{
			name: "true false from a boolean answer",
			in:   models.Question{Question: "Plants mostly absorb green light.", Answer: "false"},
			check: func(t *testing.T, q models.Question) {
				assert.Equal(t, models.QuestionTrueFalse, q.Type)
				assert.Equal(t, []string{"True", "False"}, q.Options)
				assert.Equal(t, "False", q.Answer)
			},
		},
		{
			name: "labelled options and answer",
			in:   models.Question{Question: "Which colour does chlorophyll reflect?", Options: []string{"A) Red", "B) Green", "C) Blue", "D) Violet"}, Answer: "B) Green"},
			check: func(t *testing.T, q models.Question) {
				assert.ElementsMatch(t, []string{"Red", "Green", "Blue", "Violet"}, q.Options)
				assert.Equal(t, "Green", q.Answer)
			},
		},
		{
			name: "answer missing from full options replaces a distractor",
			in:   models.Question{Question: "Where does the Calvin cycle occur?", Options: []string{"Nucleus", "Cytoplasm", "Thylakoid", "Membrane", "Ribosome"}, Answer: "Stroma"},
			check: func(t *testing.T, q models.Question) {
				assert.Len(t, q.Options, 4)
				assert.Contains(t, q.Options, "Stroma")
			},
		},
		{
			name: "duplicate options collapse",
			in:   models.Question{Type: "MCQ", Question: "Which gas do plants release?", Options: []string{"Oxygen", "oxygen", "Nitrogen"}, Answer: "OXYGEN"},
			check: func(t *testing.T, q models.Question) {
				assert.Equal(t, models.QuestionMultipleChoice, q.Type)
				assert.Len(t, q.Options, 4)
				assert.Equal(t, "Oxygen", q.Answer)
			},
		},
		{name: "short question", in: models.Question{Question: "Why?", Answer: "Because"}, dropped: true},
		{name: "no answer", in: models.Question{Question: "What is the powerhouse of the cell?"}, dropped: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, ok := Repair(tt.in)
			if tt.dropped {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			tt.check(t, q)
			assert.Contains(t, q.Options, q.Answer)
			assert.NotEmpty(t, q.ID)
			assert.NotEmpty(t, q.Explanation)
			assert.NotEmpty(t, q.Hint)
		})
	}
}

func TestShuffleOptionsIsDeterministic(t *testing.T) {
	q := models.Question{Type: models.QuestionMultipleChoice, Question: "Which is largest?", Options: []string{"a", "b", "c", "d"}}
	first := shuffleOptions(q)
	assert.Equal(t, first.Options, shuffleOptions(q).Options)
	assert.ElementsMatch(t, q.Options, first.Options)
}

func TestUnwrap(t *testing.T) {
	item := `{"question":"What is fact one here?","answer":"x"}`
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{name: "expected key", content: `{"questions":[` + item + `]}`},
		{name: "bare array", content: `[` + item + `]`},
		{name: "code fence", content: "```json\n{\"questions\":[" + item + "]}\n```"},
		{name: "prose around json", content: `Sure! Here it is: {"questions":[` + item + `]} Hope it helps.`},
		{name: "other property", content: `{"items":[` + item + `],"count":1}`},
		{name: "nested key", content: `{"quiz":{"title":"t","questions":[` + item + `]}}`},
		{name: "nested other property", content: `{"data":{"results":[` + item + `]}}`},
		{name: "no array", content: `{"message":"no questions"}`, wantErr: true},
		{name: "not json", content: `no json at all`, wantErr: true},
		{name: "broken json", content: `{"questions":[`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := parseQuiz(tt.content)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrValidationFailed)
				return
			}
			require.NoError(t, err)
			require.Len(t, raw.Questions, 1)
			assert.Equal(t, "What is fact one here?", raw.Questions[0].Question)
		})
	}
}

func TestParseQuizFieldAliases(t *testing.T) {
	raw, err := parseQuiz(`{"questions":[{"prompt":"Which base pairs with adenine?","choices":[{"text":"Guanine"},{"text":"Thymine"}],"correctIndex":1}]}`)
	require.NoError(t, err)
	require.Len(t, raw.Questions, 1)
	assert.Equal(t, []string{"Guanine", "Thymine"}, raw.Questions[0].Options)
	assert.Equal(t, "Thymine", raw.Questions[0].Answer)
}

func TestValidateQuiz(t *testing.T) {
	issues := ValidateQuiz([]models.Question{
		{ID: "q1", Type: models.QuestionMultipleChoice, Question: "A complete question?", Options: []string{"a", "b", "c", "d"}, Answer: "a", Explanation: "e"},
		{Question: "short", Options: []string{"a"}, Answer: "z"},
	})
	for _, is := range issues {
		assert.Equal(t, 1, is.Index, is.String())
	}
	assert.GreaterOrEqual(t, len(issues), 5)
}

func TestGenerateFlashcards(t *testing.T) {
	l := &scriptedLLM{replies: []reply{{content: `{"flashcards":[
		{"front":"ATP","back":"The cell's energy currency"},
		{"front":"atp","back":"duplicate"},
		{"front":"","back":"no front"},
		{"term":"DNA","definition":"Genetic material"}]}`}}}

	cards, err := newEngine(l).GenerateFlashcards(context.Background(), Request{Segments: bigSegments(), Count: 2})
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, models.Flashcard{ID: "f1", Front: "ATP", Back: "The cell's energy currency"}, cards[0])
	assert.Equal(t, "DNA", cards[1].Front)
	assert.Equal(t, "f2", cards[1].ID)
}

func TestGenerateFlashcardsFails(t *testing.T) {
	l := &scriptedLLM{replies: []reply{{content: `{"flashcards":[]}`}}}
	_, err := newEngine(l).GenerateFlashcards(context.Background(), Request{Segments: bigSegments(), Count: 2})
	assert.ErrorIs(t, err, models.ErrGenerationFailed)
}

func TestFormatSegments(t *testing.T) {
	h := "# Light Reactions"
	p1, p2 := 2, 3
	segs := []models.DocumentSegment{
		{SegmentIndex: 0, Content: "First segment text.", PageStart: &p1, PageEnd: &p2, Heading: &h},
		{SegmentIndex: 1, Content: strings.Repeat("word ", 200)},
	}

	full := FormatSegments(segs, 10000)
	assert.True(t, strings.HasPrefix(full, "[Segment 1 | Pages 2-3 | Section: Light Reactions]\nFirst segment text."))
	assert.Contains(t, full, "[Segment 2]\n")

	cut := FormatSegments(segs, 30)
	assert.LessOrEqual(t, len([]rune(cut)), 120)
	assert.False(t, strings.HasSuffix(cut, "wor"), "cut at a word boundary")
	assert.True(t, strings.HasSuffix(cut, "word"))
}

func TestCachePolicy(t *testing.T) {
	p := 1
	assert.True(t, ShouldCache(nil, nil, false))
	assert.False(t, ShouldCache(&p, nil, false))
	assert.False(t, ShouldCache(nil, &p, false))
	assert.False(t, ShouldCache(nil, nil, true))

	v := 3
	assert.True(t, CacheValid([]byte(`{"questions":[{}]}`), &v, 3))
	assert.False(t, CacheValid([]byte(`{"questions":[{}]}`), &v, 4))
	assert.False(t, CacheValid([]byte(`{"questions":[{}]}`), nil, 3))
	assert.False(t, CacheValid(nil, &v, 3))
	assert.False(t, CacheValid([]byte(`null`), &v, 3))
}
