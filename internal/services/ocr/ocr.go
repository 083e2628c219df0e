// Package ocr recovers text from scanned PDFs and images: pages are
// rasterized with pdftoppm, recognized in bounded parallel batches, and the
// result is cleaned of common OCR artifacts.
package ocr

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

const (
	DefaultMaxPages               = 50
	DefaultConcurrency            = 4
	DefaultLowConfidenceThreshold = 0.6

	pageSeparator = "\n\n"
)

// PageText is one recognized page.
type PageText struct {
	Text       string
	Confidence float64 // 0-1
}

// Engine recognizes text in a single image.
type Engine interface {
	Recognize(ctx context.Context, image []byte, mimeType string) (PageText, error)
}

// Rasterizer renders PDF pages to PNG images, at most maxPages of them.
// truncated reports whether the document had more pages than that.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, maxPages int) (images [][]byte, truncated bool, err error)
}

// Result is the aggregated OCR output of a document.
type Result struct {
	Text           string
	PageCount      int
	PageBoundaries []int
	Confidence     float64
	LowConfidence  bool
	Warnings       []string
}

// Config bounds an OCR run.
type Config struct {
	MaxPages               int
	Concurrency            int
	LowConfidenceThreshold float64
}

// Fallback runs OCR for documents whose text layer is missing.
type Fallback struct {
	engine Engine
	raster Rasterizer
	cfg    Config
	log    *logger.Logger
}

// New creates a Fallback. Zero config values take the package defaults.
func New(engine Engine, raster Rasterizer, cfg Config, log *logger.Logger) *Fallback {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.LowConfidenceThreshold <= 0 {
		cfg.LowConfidenceThreshold = DefaultLowConfidenceThreshold
	}
	return &Fallback{engine: engine, raster: raster, cfg: cfg, log: log.With("component", "ocr")}
}

// ProcessPDF rasterizes and recognizes a PDF.
func (f *Fallback) ProcessPDF(ctx context.Context, pdf []byte) (*Result, error) {
	images, truncated, err := f.raster.Rasterize(ctx, pdf, f.cfg.MaxPages)
	if err != nil {
		return nil, fmt.Errorf("%w: rasterize: %v", models.ErrOCRFailed, err)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no pages rendered", models.ErrOCRFailed)
	}

	var warnings []string
	if truncated {
		msg := fmt.Sprintf("document exceeds %d pages; remaining pages were not OCR'd", f.cfg.MaxPages)
		f.log.Warn("ocr page cap reached", "max_pages", f.cfg.MaxPages)
		warnings = append(warnings, msg)
	}

	res, err := f.recognize(ctx, images, "image/png")
	if err != nil {
		return nil, err
	}
	res.Warnings = append(warnings, res.Warnings...)
	return res, nil
}

// ProcessImage recognizes a single uploaded image.
func (f *Fallback) ProcessImage(ctx context.Context, image []byte, mimeType string) (*Result, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", models.ErrOCRFailed)
	}
	return f.recognize(ctx, [][]byte{image}, mimeType)
}

// recognize OCRs pages with at most cfg.Concurrency in flight. A failed
// page becomes empty text with zero confidence instead of failing the run.
func (f *Fallback) recognize(ctx context.Context, images [][]byte, mimeType string) (*Result, error) {
	pages := make([]PageText, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for i, img := range images {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pt, err := f.engine.Recognize(gctx, img, mimeType)
			if err != nil {
				f.log.Warn("ocr page failed", "page", i+1, "error", err)
				pages[i] = PageText{}
				return nil
			}
			pt.Text = Clean(pt.Text)
			pages[i] = pt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrOCRFailed, err)
	}

	var (
		sb         strings.Builder
		boundaries = make([]int, len(pages))
		offset     int
		confSum    float64
		nonEmpty   int
	)
	for i, p := range pages {
		if i > 0 {
			sb.WriteString(pageSeparator)
			offset += utf8.RuneCountInString(pageSeparator)
		}
		boundaries[i] = offset
		sb.WriteString(p.Text)
		offset += utf8.RuneCountInString(p.Text)
		confSum += p.Confidence
		if strings.TrimSpace(p.Text) != "" {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return nil, fmt.Errorf("%w: no text recognized on %d page(s)", models.ErrOCRFailed, len(pages))
	}

	// Boundaries index into the trimmed text, so shift them past any
	// separators left in front of the first non-empty page.
	joined := sb.String()
	text := strings.TrimSpace(joined)
	lead := utf8.RuneCountInString(joined[:len(joined)-len(strings.TrimLeftFunc(joined, unicode.IsSpace))])
	textLen := utf8.RuneCountInString(text)
	for i := range boundaries {
		boundaries[i] = min(max(boundaries[i]-lead, 0), textLen)
	}

	res := &Result{
		Text:           text,
		PageCount:      len(pages),
		PageBoundaries: boundaries,
		Confidence:     confSum / float64(len(pages)),
	}
	if res.Confidence < f.cfg.LowConfidenceThreshold {
		res.LowConfidence = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("low OCR confidence %.2f", res.Confidence))
		f.log.Warn("low ocr confidence", "confidence", res.Confidence, "threshold", f.cfg.LowConfidenceThreshold)
	}

	f.log.Info("ocr complete", "pages", res.PageCount, "chars", len(res.Text), "confidence", res.Confidence)
	return res, nil
}
