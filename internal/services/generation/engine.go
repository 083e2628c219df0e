// Package generation turns selected segments into quizzes and flashcards
// with a language model: prompt construction, retries with rising
// temperature, tolerant JSON unwrapping, and question repair.
package generation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/llm"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/retry"
)

const (
	DefaultMaxAttempts       = 3
	DefaultBaseTemperature   = 0.4
	DefaultTemperatureStep   = 0.1
	DefaultMaxPromptTokens   = 12000
	DefaultMinValidFraction  = 0.5
	DefaultTokensPerQuestion = 40
	DefaultQuestionCount     = 10
	MaxQuestionCount         = 50
)

type Config struct {
	MaxAttempts       int
	BaseTemperature   float64
	TemperatureStep   float64
	MaxPromptTokens   int
	MinValidFraction  float64
	TokensPerQuestion int
	Model             string
	// Backoff paces attempts after a failed call. Zero means no wait.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseTemperature <= 0 {
		c.BaseTemperature = DefaultBaseTemperature
	}
	if c.TemperatureStep <= 0 {
		c.TemperatureStep = DefaultTemperatureStep
	}
	if c.MaxPromptTokens <= 0 {
		c.MaxPromptTokens = DefaultMaxPromptTokens
	}
	if c.MinValidFraction <= 0 || c.MinValidFraction > 1 {
		c.MinValidFraction = DefaultMinValidFraction
	}
	if c.TokensPerQuestion <= 0 {
		c.TokensPerQuestion = DefaultTokensPerQuestion
	}
	return c
}

// Engine is safe for concurrent use.
type Engine struct {
	llm llm.Completer
	cfg Config
	log *logger.Logger
}

func New(completer llm.Completer, cfg Config, log *logger.Logger) *Engine {
	return &Engine{llm: completer, cfg: cfg.withDefaults(), log: log.With("component", "generation")}
}

type Request struct {
	Segments   []models.DocumentSegment
	Count      int
	Difficulty string
	Topic      string
}

var errTooFewValid = errors.New("too few valid items")

// QuestionCount clamps requested to [1, MaxQuestionCount] (DefaultQuestionCount
// when unset) and scales it down when the segments hold fewer than
// tokensPerQuestion tokens per item.
func QuestionCount(requested, segmentTokens, tokensPerQuestion int) int {
	if requested <= 0 {
		requested = DefaultQuestionCount
	}
	if requested > MaxQuestionCount {
		requested = MaxQuestionCount
	}
	if tokensPerQuestion > 0 {
		if supported := segmentTokens / tokensPerQuestion; supported < requested {
			requested = max(1, supported)
		}
	}
	return requested
}

func (e *Engine) needed(count int) int {
	return int(math.Ceil(e.cfg.MinValidFraction * float64(count)))
}

func (e *Engine) count(req Request) int {
	tokens := 0
	for _, s := range req.Segments {
		tokens += s.TokenCount
	}
	return QuestionCount(req.Count, tokens, e.cfg.TokensPerQuestion)
}

// attempt runs one model call and reports the number of usable items.
type attemptFunc func(ctx context.Context, resp *llm.Response) (int, error)

// run drives the attempt loop shared by quizzes and flashcards. Each retry
// waits a jittered backoff and samples at a higher temperature; client
// errors such as a missing API key stop the loop.
func (e *Engine) run(ctx context.Context, kind string, count int, system, user string, handle attemptFunc) error {
	need := e.needed(count)
	return retry.Do(ctx, retry.Options{
		MaxAttempts:    e.cfg.MaxAttempts,
		InitialBackoff: e.cfg.InitialBackoff,
		MaxBackoff:     e.cfg.MaxBackoff,
	}, func(ctx context.Context, attempt int) error {
		temp := e.cfg.BaseTemperature + e.cfg.TemperatureStep*float64(attempt)
		resp, err := e.llm.Complete(ctx, llm.Request{
			System: system, User: user, Temperature: temp, Model: e.cfg.Model, JSON: true,
		})
		if err != nil {
			e.log.Warn("LLM call failed", "kind", kind, "attempt", attempt+1, "error", err)
			if !llm.Retryable(err) || ctx.Err() != nil {
				return retry.Permanent(err)
			}
			return err
		}
		valid, err := handle(ctx, resp)
		if err != nil {
			e.log.Warn("Unusable LLM response", "kind", kind, "attempt", attempt+1, "error", err)
			return err
		}
		if valid < need {
			e.log.Info("Too few valid items, retrying", "kind", kind, "attempt", attempt+1, "valid", valid, "need", need)
			return fmt.Errorf("%w: %d of %d", errTooFewValid, valid, need)
		}
		return nil
	})
}

// GenerateQuiz returns up to the scaled question count. When no attempt
// reaches the valid fraction, the attempt with the most repaired questions
// is returned; only zero questions after every attempt is an error.
func (e *Engine) GenerateQuiz(ctx context.Context, req Request) (*models.Quiz, error) {
	count := e.count(req)
	difficulty := NormalizeDifficulty(req.Difficulty)
	user := quizUserPrompt(FormatSegments(req.Segments, e.cfg.MaxPromptTokens), count, difficulty, req.Topic)

	var best *models.Quiz
	err := e.run(ctx, "quiz", count, quizSystemPrompt, user, func(_ context.Context, resp *llm.Response) (int, error) {
		raw, err := parseQuiz(resp.Content)
		if err != nil {
			return 0, err
		}
		if issues := ValidateQuiz(raw.Questions); len(issues) > 0 {
			e.log.Debug("Quiz schema issues before repair", "count", len(issues), "first", issues[0].String())
		}
		qs := repairAll(raw.Questions)
		if best == nil || len(qs) > len(best.Questions) {
			topic := raw.Topic
			if topic == "" {
				topic = req.Topic
			}
			best = &models.Quiz{Topic: topic, Difficulty: difficulty, Questions: qs}
		}
		return len(qs), nil
	})
	if best == nil || len(best.Questions) == 0 {
		return nil, fmt.Errorf("%w: no valid questions after %d attempts: %w", models.ErrGenerationFailed, e.cfg.MaxAttempts, errOrEmpty(err))
	}
	if err != nil {
		e.log.Warn("Returning best partial quiz", "questions", len(best.Questions), "requested", count)
	}
	if len(best.Questions) > count {
		best.Questions = best.Questions[:count]
	}
	return best, nil
}

// repairAll repairs each question, drops unsalvageable ones and repeats
// of an earlier question, and keeps IDs unique.
func repairAll(in []models.Question) []models.Question {
	var out []models.Question
	seenText := make(map[string]struct{})
	seenID := make(map[string]int)
	for _, q := range in {
		q, ok := Repair(q)
		if !ok {
			continue
		}
		key := strings.ToLower(q.Question)
		if _, dup := seenText[key]; dup {
			continue
		}
		seenText[key] = struct{}{}
		if n := seenID[q.ID]; n > 0 {
			q.ID = fmt.Sprintf("%s-%d", q.ID, n+1)
		}
		seenID[q.ID]++
		out = append(out, q)
	}
	return out
}

// GenerateFlashcards follows the same attempt policy as GenerateQuiz.
func (e *Engine) GenerateFlashcards(ctx context.Context, req Request) ([]models.Flashcard, error) {
	count := e.count(req)
	user := flashcardUserPrompt(FormatSegments(req.Segments, e.cfg.MaxPromptTokens), count, req.Topic)

	var best []models.Flashcard
	err := e.run(ctx, "flashcards", count, flashcardSystemPrompt, user, func(_ context.Context, resp *llm.Response) (int, error) {
		cards, err := parseFlashcards(resp.Content)
		if err != nil {
			return 0, err
		}
		cards = RepairFlashcards(cards)
		if len(cards) > len(best) {
			best = cards
		}
		return len(cards), nil
	})
	if len(best) == 0 {
		return nil, fmt.Errorf("%w: no valid flashcards after %d attempts: %w", models.ErrGenerationFailed, e.cfg.MaxAttempts, errOrEmpty(err))
	}
	if err != nil {
		e.log.Warn("Returning best partial flashcard set", "cards", len(best), "requested", count)
	}
	if len(best) > count {
		best = best[:count]
	}
	return best, nil
}

// RepairFlashcards trims fields, drops cards without both sides, removes
// repeated fronts and assigns missing IDs.
func RepairFlashcards(in []models.Flashcard) []models.Flashcard {
	var out []models.Flashcard
	seen := make(map[string]struct{})
	ids := make(map[string]struct{})
	for _, c := range in {
		c.ID = strings.TrimSpace(c.ID)
		c.Front = strings.TrimSpace(c.Front)
		c.Back = strings.TrimSpace(c.Back)
		if c.Front == "" || c.Back == "" {
			continue
		}
		key := strings.ToLower(c.Front)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, taken := ids[c.ID]; c.ID == "" || taken {
			c.ID = fmt.Sprintf("f%d", len(out)+1)
		}
		ids[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func errOrEmpty(err error) error {
	if err == nil {
		return errors.New("empty response")
	}
	return err
}
