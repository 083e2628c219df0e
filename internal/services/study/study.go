// Package study serves quiz and flashcard requests for processed
// materials: readiness checks, the lazy upgrade of legacy materials,
// version-stamped caching, and segment selection ahead of generation.
package study

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/generation"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/pipeline"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/selector"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/worker"
)

// Store is the persistence the service needs.
type Store interface {
	GetMaterial(ctx context.Context, id string) (*models.Material, error)
	ListSegments(ctx context.Context, materialID string) ([]models.DocumentSegment, error)
	CountSegments(ctx context.Context, materialID string) (int, error)
	ClaimUpgrade(ctx context.Context, id string, staleAfter time.Duration) (bool, error)
	SaveQuizCache(ctx context.Context, id string, version int, data json.RawMessage) (bool, error)
	SaveFlashcardsCache(ctx context.Context, id string, version int, data json.RawMessage) (bool, error)
}

// Generator produces study content from segments.
type Generator interface {
	GenerateQuiz(ctx context.Context, req generation.Request) (*models.Quiz, error)
	GenerateFlashcards(ctx context.Context, req generation.Request) ([]models.Flashcard, error)
}

// Request asks for study content from one material.
type Request struct {
	MaterialID    string
	PageStart     *int
	PageEnd       *int
	Regenerate    bool
	Difficulty    string
	QuestionCount int
	Topic         string
}

// RequestFrom builds a Request from the HTTP body.
func RequestFrom(materialID string, body models.GenerateRequest) Request {
	return Request{
		MaterialID:    materialID,
		PageStart:     body.PageStart,
		PageEnd:       body.PageEnd,
		Regenerate:    body.Regenerate,
		Difficulty:    body.Difficulty,
		QuestionCount: body.QuestionCount,
		Topic:         body.Topic,
	}
}

// cacheable reports whether the result covers the whole material and may
// be shared with later callers.
func (r Request) cacheable() bool {
	return generation.ShouldCache(r.PageStart, r.PageEnd, r.Regenerate) && strings.TrimSpace(r.Topic) == ""
}

// Service answers quiz and flashcard requests.
type Service struct {
	store    Store
	selector *selector.Selector
	gen      Generator
	jobs     worker.Submitter
	log      *logger.Logger
}

func New(store Store, gen Generator, jobs worker.Submitter, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		selector: selector.New(store),
		gen:      gen,
		jobs:     jobs,
		log:      log.With("component", "study"),
	}
}

// GenerateQuiz returns a cached quiz when one is valid for the material's
// current version, otherwise generates one.
func (s *Service) GenerateQuiz(ctx context.Context, req Request) (*models.QuizResponse, error) {
	m, err := s.ready(ctx, req.MaterialID)
	if err != nil {
		return nil, err
	}
	version := m.MaterialVersion

	if req.cacheable() && generation.CacheValid(m.QuizCache, m.QuizCacheVersion, version) {
		var quiz models.Quiz
		if err := json.Unmarshal(m.QuizCache, &quiz); err == nil {
			return &models.QuizResponse{Quiz: quiz, Cached: true, MaterialVersion: version}, nil
		}
		s.log.Warn("Ignoring unreadable quiz cache", "material_id", m.ID)
	}

	genReq, err := s.selection(ctx, req)
	if err != nil {
		return nil, err
	}
	quiz, err := s.gen.GenerateQuiz(ctx, genReq)
	if err != nil {
		return nil, err
	}

	if req.cacheable() {
		s.save(ctx, m.ID, version, quiz, s.store.SaveQuizCache)
	}
	return &models.QuizResponse{Quiz: *quiz, MaterialVersion: version}, nil
}

// GenerateFlashcards mirrors GenerateQuiz for flashcards.
func (s *Service) GenerateFlashcards(ctx context.Context, req Request) (*models.FlashcardsResponse, error) {
	m, err := s.ready(ctx, req.MaterialID)
	if err != nil {
		return nil, err
	}
	version := m.MaterialVersion

	if req.cacheable() && generation.CacheValid(m.FlashcardsCache, m.FlashcardsVersion, version) {
		var cards []models.Flashcard
		if err := json.Unmarshal(m.FlashcardsCache, &cards); err == nil {
			return &models.FlashcardsResponse{Flashcards: cards, Cached: true, MaterialVersion: version}, nil
		}
		s.log.Warn("Ignoring unreadable flashcard cache", "material_id", m.ID)
	}

	genReq, err := s.selection(ctx, req)
	if err != nil {
		return nil, err
	}
	cards, err := s.gen.GenerateFlashcards(ctx, genReq)
	if err != nil {
		return nil, err
	}

	if req.cacheable() {
		s.save(ctx, m.ID, version, cards, s.store.SaveFlashcardsCache)
	}
	return &models.FlashcardsResponse{Flashcards: cards, MaterialVersion: version}, nil
}

// ready loads a material that can be used for generation. Legacy
// materials without segments get an upgrade job and ErrUpgrading.
func (s *Service) ready(ctx context.Context, id string) (*models.Material, error) {
	m, err := s.store.GetMaterial(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case m.ProcessingStatus == models.StatusFailed:
		return nil, &models.UnsupportedDocumentError{Reason: m.FailureReason}
	case m.ProcessingVersion == models.ProcessingV1 && m.ProcessingStatus.InProgress():
		// An upgrade is moving the legacy material through the pipeline.
		return nil, models.ErrUpgrading
	case m.ProcessingStatus == models.StatusPending || m.ProcessingStatus.InProgress():
		return nil, models.ErrStillProcessing
	}

	n, err := s.store.CountSegments(ctx, id)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return m, nil
	}
	if m.ProcessingVersion == models.ProcessingV1 {
		return nil, s.upgrade(ctx, m.ID)
	}
	return nil, &models.UnsupportedDocumentError{Reason: "No study content was found in this document."}
}

func (s *Service) upgrade(ctx context.Context, id string) error {
	claimed, err := s.store.ClaimUpgrade(ctx, id, pipeline.UpgradeStaleAfter)
	if err != nil {
		return fmt.Errorf("claim upgrade: %w", err)
	}
	if !claimed {
		return models.ErrUpgrading
	}
	job, _ := worker.NewJob(worker.JobUpgradeMaterial, id, nil)
	if err := s.jobs.Submit(ctx, job); err != nil {
		// The claim goes stale and a later request tries again.
		s.log.Error("Failed to enqueue upgrade", "material_id", id, "error", err)
		return fmt.Errorf("enqueue upgrade: %w", err)
	}
	s.log.Info("Legacy material queued for upgrade", "material_id", id)
	return models.ErrUpgrading
}

func (s *Service) selection(ctx context.Context, req Request) (generation.Request, error) {
	sel, err := s.selector.Select(ctx, selector.Query{
		MaterialID: req.MaterialID,
		Topic:      req.Topic,
		PageStart:  req.PageStart,
		PageEnd:    req.PageEnd,
	})
	if err != nil {
		return generation.Request{}, err
	}
	if len(sel.Segments) == 0 {
		return generation.Request{}, &models.UnsupportedDocumentError{Reason: "No study content was found in this document."}
	}
	if sel.Fallback {
		s.log.Info("Page range matched no segments; using whole document", "material_id", req.MaterialID)
	}
	s.log.Debug("Selected segments",
		"material_id", req.MaterialID, "strategy", sel.Strategy, "segments", len(sel.Segments), "tokens", sel.TotalTokens)

	return generation.Request{
		Segments:   sel.Segments,
		Count:      req.QuestionCount,
		Difficulty: req.Difficulty,
		Topic:      req.Topic,
	}, nil
}

type cacheWriter func(ctx context.Context, id string, version int, data json.RawMessage) (bool, error)

// save writes v as the cache stamped with version. A write that loses to a
// concurrent version bump is skipped by the store; errors are logged only.
func (s *Service) save(ctx context.Context, id string, version int, v any, write cacheWriter) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("Failed to encode cache", "material_id", id, "error", err)
		return
	}
	saved, err := write(ctx, id, version, data)
	switch {
	case err != nil:
		s.log.Error("Failed to save cache", "material_id", id, "error", err)
	case !saved:
		s.log.Info("Material changed during generation; result not cached", "material_id", id, "version", version)
	}
}
