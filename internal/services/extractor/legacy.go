package extractor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

// extractLegacy converts binary DOC/PPT to PDF with LibreOffice and reads
// the result as a PDF.
func (e *Extractor) extractLegacy(ctx context.Context, data []byte, kind Kind) (*Result, error) {
	pdfData, err := e.convert(ctx, data, "."+string(kind))
	if err != nil {
		return nil, fmt.Errorf("%w: convert %s: %v", models.ErrExtractionFailed, kind, err)
	}
	return extractPDF(pdfData)
}

// convertWithSoffice runs `soffice --headless --convert-to pdf` in a temp dir.
func (e *Extractor) convertWithSoffice(ctx context.Context, data []byte, ext string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "extract-legacy-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input"+ext)
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.cfg.SofficePath, "--headless", "--convert-to", "pdf", "--outdir", dir, in)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("soffice: %w: %s", err, strings.TrimSpace(string(out)))
	}

	return os.ReadFile(filepath.Join(dir, "input.pdf"))
}
