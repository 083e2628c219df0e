// segments.go handles document_segments persistence.
package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

// ReplaceSegments swaps a material's whole segment set in one transaction:
// readers see either the old set or the new one, never a mix.
func (db *DB) ReplaceSegments(ctx context.Context, materialID string, segs []models.DocumentSegment) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_segments WHERE material_id = $1`, materialID); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}

	if len(segs) > 0 {
		rows := make([]models.DocumentSegment, len(segs))
		for i, s := range segs {
			s.MaterialID = materialID
			if s.ID == "" {
				s.ID = uuid.NewString()
			}
			rows[i] = s
		}

		// Go Pattern: sqlx NamedExec with a slice expands into one multi-row INSERT.
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO document_segments (id, material_id, segment_index, content, token_count,
				page_start, page_end, heading, source)
			VALUES (:id, :material_id, :segment_index, :content, :token_count,
				:page_start, :page_end, :heading, :source)`, rows)
		if err != nil {
			return fmt.Errorf("insert segments: %w", err)
		}
	}

	return tx.Commit()
}

// ListSegments returns a material's segments in reading order.
func (db *DB) ListSegments(ctx context.Context, materialID string) ([]models.DocumentSegment, error) {
	var segs []models.DocumentSegment
	err := db.SelectContext(ctx, &segs,
		`SELECT * FROM document_segments WHERE material_id = $1 ORDER BY segment_index ASC`, materialID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	return segs, nil
}

// CountSegments returns how many segments a material has.
func (db *DB) CountSegments(ctx context.Context, materialID string) (int, error) {
	var n int
	err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM document_segments WHERE material_id = $1`, materialID)
	if err != nil {
		return 0, fmt.Errorf("count segments: %w", err)
	}
	return n, nil
}
