// Package memstore is an in-memory database.Store. It backs STORE=memory for
// local development and gives service tests a real store without Postgres.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/database"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

// Store mirrors the SQL semantics of database.DB, including the conditional
// updates, under a single mutex.
type Store struct {
	mu        sync.Mutex
	materials map[string]*models.Material
	segments  map[string][]models.DocumentSegment
	now       func() time.Time
}

var _ database.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		materials: make(map[string]*models.Material),
		segments:  make(map[string][]models.DocumentSegment),
		now:       time.Now,
	}
}

func (s *Store) HealthCheck(context.Context) error { return nil }

func (s *Store) CreateMaterial(_ context.Context, m *models.Material) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, ok := s.materials[m.ID]; ok {
		return fmt.Errorf("material %s already exists", m.ID)
	}
	if m.MaterialVersion == 0 {
		m.MaterialVersion = 1
	}
	if m.ProcessingVersion == "" {
		m.ProcessingVersion = models.ProcessingV2
	}
	if m.ProcessingStatus == "" {
		m.ProcessingStatus = models.StatusPending
	}
	m.CreatedAt = s.now()
	m.UpdatedAt = m.CreatedAt

	cp := *m
	s.materials[m.ID] = &cp
	return nil
}

func (s *Store) GetMaterial(_ context.Context, id string) (*models.Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.get(id)
	if err != nil {
		return nil, err
	}
	cp := *m
	return &cp, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, status models.ProcessingStatus, progress int) error {
	return s.update(id, func(m *models.Material) {
		m.ProcessingStatus = status
		m.ProcessingProgress = progress
	})
}

func (s *Store) CompleteProcessing(_ context.Context, id string, r models.ProcessingResult) error {
	return s.update(id, func(m *models.Material) {
		if m.Content != "" && m.Content != r.Content {
			m.MaterialVersion++
		}
		m.Content = r.Content
		m.PageCount = r.PageCount
		m.IsOCRProcessed = r.IsOCRProcessed
		m.OCRConfidence = r.OCRConfidence
		m.ProcessingStatus = models.StatusCompleted
		m.ProcessingProgress = 100
		m.ProcessingVersion = models.ProcessingV2
		m.FailureReason = ""
		m.ErrorMessage = ""
		m.UpgradeStartedAt = nil
	})
}

func (s *Store) FailProcessing(_ context.Context, id, reason, errMsg string) error {
	return s.update(id, func(m *models.Material) {
		m.ProcessingStatus = models.StatusFailed
		m.FailureReason = reason
		m.ErrorMessage = errMsg
		m.UpgradeStartedAt = nil
	})
}

func (s *Store) ResetForRetry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.get(id)
	if err != nil {
		return err
	}
	if m.ProcessingStatus != models.StatusFailed && m.ProcessingStatus != models.StatusPending {
		return models.ErrNotRetryable
	}
	m.ProcessingStatus = models.StatusPending
	m.ProcessingProgress = 0
	m.FailureReason = ""
	m.ErrorMessage = ""
	m.UpdatedAt = s.now()
	delete(s.segments, id)
	return nil
}

func (s *Store) UpdateSource(_ context.Context, id, fileURL, mimeType, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.get(id)
	if err != nil {
		return err
	}
	if m.ProcessingStatus != models.StatusFailed && m.ProcessingStatus != models.StatusPending {
		return models.ErrNotRetryable
	}
	m.FileURL = fileURL
	m.MimeType = mimeType
	m.Filename = filename
	m.UpdatedAt = s.now()
	return nil
}

func (s *Store) UpdateContent(_ context.Context, id, content string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.get(id)
	if err != nil {
		return 0, err
	}
	if m.ProcessingStatus != models.StatusCompleted && m.ProcessingStatus != models.StatusFailed {
		return 0, fmt.Errorf("material %s: %w", id, models.ErrStillProcessing)
	}
	m.Content = content
	m.MaterialVersion++
	m.ProcessingStatus = models.StatusSegmenting
	m.ProcessingProgress = models.ProgressSegmenting
	m.UpdatedAt = s.now()
	return m.MaterialVersion, nil
}

func (s *Store) DeleteMaterial(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(id); err != nil {
		return err
	}
	delete(s.materials, id)
	delete(s.segments, id)
	return nil
}

func (s *Store) ClaimUpgrade(_ context.Context, id string, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.get(id)
	if err != nil {
		return false, err
	}
	now := s.now()
	if m.ProcessingVersion != models.ProcessingV1 {
		return false, nil
	}
	if m.UpgradeStartedAt != nil && now.Sub(*m.UpgradeStartedAt) < staleAfter {
		return false, nil
	}
	m.UpgradeStartedAt = &now
	return true, nil
}

func (s *Store) SetTags(_ context.Context, id string, tags json.RawMessage) error {
	return s.update(id, func(m *models.Material) {
		m.Tags = append(json.RawMessage(nil), tags...)
	})
}

func (s *Store) ReplaceSegments(_ context.Context, materialID string, segs []models.DocumentSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(materialID); err != nil {
		return err
	}
	rows := make([]models.DocumentSegment, len(segs))
	for i, seg := range segs {
		seg.MaterialID = materialID
		if seg.ID == "" {
			seg.ID = uuid.NewString()
		}
		seg.CreatedAt = s.now()
		rows[i] = seg
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SegmentIndex < rows[j].SegmentIndex })
	s.segments[materialID] = rows
	return nil
}

func (s *Store) ListSegments(_ context.Context, materialID string) ([]models.DocumentSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.DocumentSegment(nil), s.segments[materialID]...), nil
}

func (s *Store) CountSegments(_ context.Context, materialID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.segments[materialID]), nil
}

func (s *Store) SaveQuizCache(_ context.Context, id string, version int, data json.RawMessage) (bool, error) {
	return s.saveCache(id, version, func(m *models.Material) {
		m.QuizCache = append(json.RawMessage(nil), data...)
		m.QuizCacheVersion = &version
	})
}

func (s *Store) SaveFlashcardsCache(_ context.Context, id string, version int, data json.RawMessage) (bool, error) {
	return s.saveCache(id, version, func(m *models.Material) {
		m.FlashcardsCache = append(json.RawMessage(nil), data...)
		m.FlashcardsVersion = &version
	})
}

// Seed inserts a material as-is, bypassing defaults. Used to stage legacy
// (v1) records.
func (s *Store) Seed(m models.Material) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.materials[m.ID] = &m
}

func (s *Store) saveCache(id string, version int, apply func(*models.Material)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.get(id)
	if err != nil {
		return false, err
	}
	if m.MaterialVersion != version {
		return false, nil
	}
	apply(m)
	m.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) update(id string, apply func(*models.Material)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.get(id)
	if err != nil {
		return err
	}
	apply(m)
	m.UpdatedAt = s.now()
	return nil
}

// get must be called with mu held.
func (s *Store) get(id string) (*models.Material, error) {
	m, ok := s.materials[id]
	if !ok {
		return nil, fmt.Errorf("material %s: %w", id, models.ErrNotFound)
	}
	return m, nil
}
