package memstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

func TestCacheWriteIsVersionConditional(t *testing.T) {
	ctx := context.Background()
	s := New()
	m := &models.Material{Filename: "notes.pdf", ProcessingStatus: models.StatusCompleted}
	require.NoError(t, s.CreateMaterial(ctx, m))

	ok, err := s.SaveQuizCache(ctx, m.ID, 1, json.RawMessage(`{"questions":[]}`))
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := s.UpdateContent(ctx, m.ID, "edited")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	ok, err = s.SaveQuizCache(ctx, m.ID, 1, json.RawMessage(`{"questions":[]}`))
	require.NoError(t, err)
	assert.False(t, ok, "stale stamp must not overwrite")

	got, err := s.GetMaterial(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.QuizCacheVersion)
	assert.Equal(t, 1, *got.QuizCacheVersion)
	assert.Equal(t, 2, got.MaterialVersion)
}

func TestUpdateContentHoldsMaterialForResegmenting(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		status  models.ProcessingStatus
		wantErr error
	}{
		{models.StatusCompleted, nil},
		{models.StatusFailed, nil},
		{models.StatusPending, models.ErrStillProcessing},
		{models.StatusCleaning, models.ErrStillProcessing},
		{models.StatusSegmenting, models.ErrStillProcessing},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			s := New()
			m := &models.Material{Filename: "notes.pdf", Content: "old", ProcessingStatus: tt.status}
			require.NoError(t, s.CreateMaterial(ctx, m))

			v, err := s.UpdateContent(ctx, m.ID, "edited")
			got, gerr := s.GetMaterial(ctx, m.ID)
			require.NoError(t, gerr)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, "old", got.Content)
				assert.Equal(t, 1, got.MaterialVersion)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2, v)
			assert.Equal(t, "edited", got.Content)
			assert.Equal(t, models.StatusSegmenting, got.ProcessingStatus)
			assert.Equal(t, models.ProgressSegmenting, got.ProcessingProgress)
		})
	}

	_, err := New().UpdateContent(ctx, "missing", "edited")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCompleteProcessingVersionBump(t *testing.T) {
	ctx := context.Background()
	s := New()
	m := &models.Material{}
	require.NoError(t, s.CreateMaterial(ctx, m))

	require.NoError(t, s.CompleteProcessing(ctx, m.ID, models.ProcessingResult{Content: "first"}))
	got, _ := s.GetMaterial(ctx, m.ID)
	assert.Equal(t, 1, got.MaterialVersion, "initial content does not bump")

	require.NoError(t, s.CompleteProcessing(ctx, m.ID, models.ProcessingResult{Content: "first"}))
	got, _ = s.GetMaterial(ctx, m.ID)
	assert.Equal(t, 1, got.MaterialVersion, "same content does not bump")

	require.NoError(t, s.CompleteProcessing(ctx, m.ID, models.ProcessingResult{Content: "second"}))
	got, _ = s.GetMaterial(ctx, m.ID)
	assert.Equal(t, 2, got.MaterialVersion)
	assert.Equal(t, models.StatusCompleted, got.ProcessingStatus)
}

func TestResetForRetry(t *testing.T) {
	ctx := context.Background()
	s := New()
	m := &models.Material{}
	require.NoError(t, s.CreateMaterial(ctx, m))
	require.NoError(t, s.ReplaceSegments(ctx, m.ID, []models.DocumentSegment{{SegmentIndex: 0, Content: "x"}}))

	require.NoError(t, s.UpdateStatus(ctx, m.ID, models.StatusSegmenting, 80))
	assert.ErrorIs(t, s.ResetForRetry(ctx, m.ID), models.ErrNotRetryable)

	require.NoError(t, s.FailProcessing(ctx, m.ID, "bad", "boom"))
	require.NoError(t, s.ResetForRetry(ctx, m.ID))

	n, _ := s.CountSegments(ctx, m.ID)
	assert.Zero(t, n)
	got, _ := s.GetMaterial(ctx, m.ID)
	assert.Equal(t, models.StatusPending, got.ProcessingStatus)
	assert.Empty(t, got.FailureReason)

	assert.ErrorIs(t, s.ResetForRetry(ctx, "missing"), models.ErrNotFound)
}

func TestClaimUpgrade(t *testing.T) {
	ctx := context.Background()
	s := New()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	s.Seed(models.Material{ID: "legacy", ProcessingVersion: models.ProcessingV1, MaterialVersion: 1})

	ok, err := s.ClaimUpgrade(ctx, "legacy", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.ClaimUpgrade(ctx, "legacy", 10*time.Minute)
	assert.False(t, ok, "fresh claim blocks a second one")

	clock = clock.Add(11 * time.Minute)
	ok, _ = s.ClaimUpgrade(ctx, "legacy", 10*time.Minute)
	assert.True(t, ok, "stale claim can be taken over")
}

func TestUpdateSourceOnlyForIdleMaterials(t *testing.T) {
	ctx := context.Background()
	s := New()
	failed := &models.Material{Filename: "a.pdf", FileURL: "https://files.test/a.pdf", ProcessingStatus: models.StatusFailed}
	done := &models.Material{Filename: "b.pdf", FileURL: "https://files.test/b.pdf", ProcessingStatus: models.StatusCompleted}
	require.NoError(t, s.CreateMaterial(ctx, failed))
	require.NoError(t, s.CreateMaterial(ctx, done))

	require.NoError(t, s.UpdateSource(ctx, failed.ID, "https://files.test/a2.pdf", "application/pdf", "a2.pdf"))
	got, err := s.GetMaterial(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://files.test/a2.pdf", got.FileURL)
	assert.Equal(t, "a2.pdf", got.Filename)

	assert.ErrorIs(t, s.UpdateSource(ctx, done.ID, "https://files.test/x.pdf", "", "x.pdf"), models.ErrNotRetryable)
	assert.ErrorIs(t, s.UpdateSource(ctx, "missing", "u", "", "x.pdf"), models.ErrNotFound)
}
