// materials.go handles material and generation-cache persistence.
//
// Go Pattern: We split database operations into multiple files for
// organization. Each file handles one table; they all share the *DB receiver.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

// CreateMaterial inserts a new material. An empty ID is generated here.
func (db *DB) CreateMaterial(ctx context.Context, m *models.Material) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
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

	query := `
		INSERT INTO materials (id, filename, mime_type, file_url, content, processing_status,
			processing_progress, processing_version, material_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	return db.QueryRowContext(ctx, query,
		m.ID, m.Filename, m.MimeType, m.FileURL, m.Content, m.ProcessingStatus,
		m.ProcessingProgress, m.ProcessingVersion, m.MaterialVersion,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
}

// GetMaterial retrieves a material by ID.
func (db *DB) GetMaterial(ctx context.Context, id string) (*models.Material, error) {
	var m models.Material
	err := db.GetContext(ctx, &m, `SELECT * FROM materials WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("material %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get material: %w", err)
	}
	return &m, nil
}

// UpdateStatus records a pipeline stage transition.
func (db *DB) UpdateStatus(ctx context.Context, id string, status models.ProcessingStatus, progress int) error {
	res, err := db.ExecContext(ctx, `
		UPDATE materials SET processing_status = $2, processing_progress = $3, updated_at = NOW()
		WHERE id = $1`, id, status, progress)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return requireRow(res, id)
}

// CompleteProcessing stores the cleaned content and marks the material ready.
// The material version only moves when previously stored content changes.
func (db *DB) CompleteProcessing(ctx context.Context, id string, r models.ProcessingResult) error {
	res, err := db.ExecContext(ctx, `
		UPDATE materials SET
			material_version = CASE
				WHEN content <> '' AND content IS DISTINCT FROM $2 THEN material_version + 1
				ELSE material_version END,
			content = $2,
			page_count = $3,
			is_ocr_processed = $4,
			ocr_confidence = $5,
			processing_status = 'completed',
			processing_progress = 100,
			processing_version = 'v2',
			failure_reason = '',
			error_message = '',
			upgrade_started_at = NULL,
			updated_at = NOW()
		WHERE id = $1`,
		id, r.Content, r.PageCount, r.IsOCRProcessed, r.OCRConfidence)
	if err != nil {
		return fmt.Errorf("complete processing: %w", err)
	}
	return requireRow(res, id)
}

// FailProcessing marks a material failed with both a user-facing reason and
// the technical error.
func (db *DB) FailProcessing(ctx context.Context, id, reason, errMsg string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE materials SET processing_status = 'failed', failure_reason = $2,
			error_message = $3, upgrade_started_at = NULL, updated_at = NOW()
		WHERE id = $1`, id, reason, errMsg)
	if err != nil {
		return fmt.Errorf("fail processing: %w", err)
	}
	return requireRow(res, id)
}

// ResetForRetry puts a failed or stuck-pending material back to pending and
// drops its segments, all in one transaction.
func (db *DB) ResetForRetry(ctx context.Context, id string) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE materials SET processing_status = 'pending', processing_progress = 0,
			failure_reason = '', error_message = '', updated_at = NOW()
		WHERE id = $1 AND processing_status IN ('failed', 'pending')`, id)
	if err != nil {
		return fmt.Errorf("reset material: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM materials WHERE id = $1)`, id); err != nil {
			return fmt.Errorf("reset material: %w", err)
		}
		if !exists {
			return fmt.Errorf("material %s: %w", id, models.ErrNotFound)
		}
		return models.ErrNotRetryable
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_segments WHERE material_id = $1`, id); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	return tx.Commit()
}

// UpdateSource points an idle material at a new source document. Only
// failed or pending materials accept a new source.
func (db *DB) UpdateSource(ctx context.Context, id, fileURL, mimeType, filename string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE materials SET file_url = $2, mime_type = $3, filename = $4, updated_at = NOW()
		WHERE id = $1 AND processing_status IN ('failed', 'pending')`, id, fileURL, mimeType, filename)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := db.GetMaterial(ctx, id); err != nil {
			return err
		}
		return models.ErrNotRetryable
	}
	return nil
}

// UpdateContent replaces the canonical content and bumps the material
// version, which invalidates every cached quiz and flashcard set.
func (db *DB) UpdateContent(ctx context.Context, id, content string) (int, error) {
	var version int
	err := db.GetContext(ctx, &version, `
		UPDATE materials SET content = $2, material_version = material_version + 1,
			processing_status = $3, processing_progress = $4, updated_at = NOW()
		WHERE id = $1 AND processing_status IN ($5, $6)
		RETURNING material_version`,
		id, content, models.StatusSegmenting, models.ProgressSegmenting, models.StatusCompleted, models.StatusFailed)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := db.GetMaterial(ctx, id); gerr != nil {
			return 0, gerr
		}
		return 0, fmt.Errorf("material %s: %w", id, models.ErrStillProcessing)
	}
	if err != nil {
		return 0, fmt.Errorf("update content: %w", err)
	}
	return version, nil
}

// DeleteMaterial removes a material; segments go with it via ON DELETE CASCADE.
func (db *DB) DeleteMaterial(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM materials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete material: %w", err)
	}
	return requireRow(res, id)
}

// ClaimUpgrade marks a legacy material as being upgraded. It returns false
// when another request already holds a fresh claim.
func (db *DB) ClaimUpgrade(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE materials SET upgrade_started_at = NOW()
		WHERE id = $1 AND processing_version = 'v1'
			AND (upgrade_started_at IS NULL OR upgrade_started_at < NOW() - make_interval(secs => $2))`,
		id, staleAfter.Seconds())
	if err != nil {
		return false, fmt.Errorf("claim upgrade: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetTags stores enrichment tags.
func (db *DB) SetTags(ctx context.Context, id string, tags json.RawMessage) error {
	res, err := db.ExecContext(ctx, `UPDATE materials SET tags = $2, updated_at = NOW() WHERE id = $1`, id, []byte(tags))
	if err != nil {
		return fmt.Errorf("set tags: %w", err)
	}
	return requireRow(res, id)
}

// SaveQuizCache writes a quiz cache stamped with version. The write only
// lands if the material is still at that version.
func (db *DB) SaveQuizCache(ctx context.Context, id string, version int, data json.RawMessage) (bool, error) {
	return db.saveCache(ctx, "quiz_cache", "quiz_cache_version", id, version, data)
}

// SaveFlashcardsCache is SaveQuizCache for flashcards.
func (db *DB) SaveFlashcardsCache(ctx context.Context, id string, version int, data json.RawMessage) (bool, error) {
	return db.saveCache(ctx, "flashcards_cache", "flashcards_cache_version", id, version, data)
}

func (db *DB) saveCache(ctx context.Context, col, versionCol, id string, version int, data json.RawMessage) (bool, error) {
	// Column names are package constants, never user input.
	query := fmt.Sprintf(`
		UPDATE materials SET %s = $3, %s = $2, updated_at = NOW()
		WHERE id = $1 AND material_version = $2`, col, versionCol)
	res, err := db.ExecContext(ctx, query, id, version, []byte(data))
	if err != nil {
		return false, fmt.Errorf("save %s: %w", col, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("material %s: %w", id, models.ErrNotFound)
	}
	return nil
}
