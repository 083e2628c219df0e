// Package pipeline turns an uploaded document into cleaned, segmented
// study material.
//
// A material moves through pending → extracting → (ocr_extracting) →
// cleaning → segmenting → completed, and can land in failed from any stage.
// Every transition is persisted so clients can poll progress.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/cleaner"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/extractor"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/ocr"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/segmenter"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/storage"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/worker"
)

const (
	// MinViableLength is the fewest characters a document may yield and
	// still be used for study material.
	MinViableLength = 100

	// DefaultTimeout bounds a single Run or Upgrade.
	DefaultTimeout = 10 * time.Minute

	// UpgradeStaleAfter is how long an upgrade claim blocks another one.
	UpgradeStaleAfter = 10 * time.Minute
)

// errRecordFailure means a failure could not be written to the material.
var errRecordFailure = errors.New("record failure")

// Coarse progress reported for each stage.
const (
	progressExtracting = 10
	progressOCR        = 30
	progressCleaning   = 60
	progressSegmenting = models.ProgressSegmenting
)

// Store is the persistence the pipeline needs.
type Store interface {
	GetMaterial(ctx context.Context, id string) (*models.Material, error)
	UpdateStatus(ctx context.Context, id string, status models.ProcessingStatus, progress int) error
	CompleteProcessing(ctx context.Context, id string, res models.ProcessingResult) error
	FailProcessing(ctx context.Context, id, reason, errMsg string) error
	ResetForRetry(ctx context.Context, id string) error
	ReplaceSegments(ctx context.Context, materialID string, segs []models.DocumentSegment) error
	CountSegments(ctx context.Context, materialID string) (int, error)
}

// Extractor reads raw text out of a document.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType, filename string) (*extractor.Result, error)
}

// OCR recognizes text in scanned PDFs and images.
type OCR interface {
	ProcessPDF(ctx context.Context, pdf []byte) (*ocr.Result, error)
	ProcessImage(ctx context.Context, image []byte, mimeType string) (*ocr.Result, error)
}

// Job identifies the document to process.
type Job struct {
	MaterialID string
	FileURL    string
	MimeType   string
	Filename   string
}

// Config tunes the orchestrator. Zero values take the defaults.
type Config struct {
	MinViableLength int
	Timeout         time.Duration
}

// Pipeline runs documents through extraction, OCR, cleaning and segmentation.
type Pipeline struct {
	store     Store
	fetcher   storage.Fetcher
	extractor Extractor
	ocr       OCR // nil disables OCR
	jobs      worker.Submitter
	cfg       Config
	locks     *keyedMutex
	log       *logger.Logger
}

// New creates a Pipeline. ocrFallback may be nil when OCR is disabled.
func New(store Store, fetcher storage.Fetcher, ext Extractor, ocrFallback OCR, jobs worker.Submitter, cfg Config, log *logger.Logger) *Pipeline {
	if cfg.MinViableLength <= 0 {
		cfg.MinViableLength = MinViableLength
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Pipeline{
		store:     store,
		fetcher:   fetcher,
		extractor: ext,
		ocr:       ocrFallback,
		jobs:      jobs,
		cfg:       cfg,
		locks:     newKeyedMutex(),
		log:       log.With("component", "pipeline"),
	}
}

// document is extracted text plus where it came from.
type document struct {
	text       string
	pageCount  int
	boundaries []int
	sourceLen  int
	usedOCR    bool
	confidence *float64
}

// Run processes one material end to end. Failures are mapped, persisted on
// the material and returned as *models.PipelineError.
func (p *Pipeline) Run(ctx context.Context, job Job) error {
	unlock := p.locks.Lock(job.MaterialID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	log := p.log.With("material_id", job.MaterialID, "file", job.Filename)
	start := time.Now()

	res, segs, err := p.process(ctx, job, log)
	if err != nil {
		return p.fail(ctx, log, job.MaterialID, err)
	}
	if err := p.store.CompleteProcessing(ctx, job.MaterialID, res); err != nil {
		return p.fail(ctx, log, job.MaterialID, fmt.Errorf("complete processing: %w", err))
	}

	log.Info("Material processed",
		"segments", segs, "pages", res.PageCount, "ocr", res.IsOCRProcessed, "duration", time.Since(start).String())
	p.enqueue(ctx, log, worker.JobEnrichMaterial, job.MaterialID)
	return nil
}

func (p *Pipeline) process(ctx context.Context, job Job, log *logger.Logger) (models.ProcessingResult, int, error) {
	if err := p.store.UpdateStatus(ctx, job.MaterialID, models.StatusExtracting, progressExtracting); err != nil {
		return models.ProcessingResult{}, 0, err
	}
	data, err := p.fetcher.Fetch(ctx, job.FileURL)
	if err != nil {
		return models.ProcessingResult{}, 0, err
	}
	doc, err := p.extract(ctx, job.MaterialID, data, job.MimeType, job.Filename, log)
	if err != nil {
		return models.ProcessingResult{}, 0, err
	}
	return p.finish(ctx, job.MaterialID, doc, log)
}

// extract pulls text out of data, switching to OCR for scans and images.
func (p *Pipeline) extract(ctx context.Context, materialID string, data []byte, mimeType, filename string, log *logger.Logger) (*document, error) {
	raw, err := p.extractor.Extract(ctx, data, mimeType, filename)
	if err != nil {
		return nil, err
	}
	doc := &document{
		text:       raw.Text,
		pageCount:  raw.PageCount,
		boundaries: raw.PageBoundaries,
		sourceLen:  utf8.RuneCountInString(raw.Text),
	}

	needsOCR := raw.Kind == extractor.KindImage || (raw.RequiresOCR && raw.Kind == extractor.KindPDF)
	if !needsOCR {
		return doc, nil
	}

	if err := p.store.UpdateStatus(ctx, materialID, models.StatusOCRExtracting, progressOCR); err != nil {
		return nil, err
	}
	log.Info("Running OCR", "kind", raw.Kind, "native_chars", doc.sourceLen)

	if p.ocr == nil {
		return nil, ocrFailure(raw.Kind, errors.New("OCR is not enabled"))
	}
	var scanned *ocr.Result
	if raw.Kind == extractor.KindImage {
		if mimeType == "" {
			mimeType = "image/png"
		}
		scanned, err = p.ocr.ProcessImage(ctx, data, mimeType)
	} else {
		scanned, err = p.ocr.ProcessPDF(ctx, data)
	}
	if err != nil {
		return nil, ocrFailure(raw.Kind, err)
	}
	for _, w := range scanned.Warnings {
		log.Warn("OCR warning", "warning", w)
	}

	// A scan that reads worse than the native layer is ignored.
	ocrLen := utf8.RuneCountInString(scanned.Text)
	if ocrLen <= doc.sourceLen {
		log.Warn("OCR yielded less text than extraction; keeping extracted text", "ocr_chars", ocrLen)
		return doc, nil
	}
	conf := scanned.Confidence
	return &document{
		text:       scanned.Text,
		pageCount:  max(scanned.PageCount, raw.PageCount),
		boundaries: scanned.PageBoundaries,
		sourceLen:  ocrLen,
		usedOCR:    true,
		confidence: &conf,
	}, nil
}

func ocrFailure(kind extractor.Kind, err error) error {
	what := "Scanned PDF"
	if kind == extractor.KindImage {
		what = "Image"
	}
	return &models.PipelineError{
		Code:   models.FailureScannedOCR,
		Reason: fmt.Sprintf("%s detected but OCR failed: %v", what, err),
		Err:    errors.Join(models.ErrOCRFailed, err),
	}
}

// finish cleans and segments doc and stores the segments. The returned
// result is ready for CompleteProcessing.
func (p *Pipeline) finish(ctx context.Context, materialID string, doc *document, log *logger.Logger) (models.ProcessingResult, int, error) {
	if err := p.checkLength(doc.text, "extracted"); err != nil {
		return models.ProcessingResult{}, 0, err
	}

	if err := p.store.UpdateStatus(ctx, materialID, models.StatusCleaning, progressCleaning); err != nil {
		return models.ProcessingResult{}, 0, err
	}
	cleaned := cleaner.Clean(doc.text)
	if err := p.checkLength(cleaned, "cleaned"); err != nil {
		return models.ProcessingResult{}, 0, err
	}
	log.Debug("Cleaned text", "before", doc.sourceLen, "after", utf8.RuneCountInString(cleaned))

	if err := p.store.UpdateStatus(ctx, materialID, models.StatusSegmenting, progressSegmenting); err != nil {
		return models.ProcessingResult{}, 0, err
	}
	segs := p.segment(materialID, cleaned, doc)
	if err := p.store.ReplaceSegments(ctx, materialID, segs); err != nil {
		return models.ProcessingResult{}, 0, fmt.Errorf("store segments: %w", err)
	}

	return models.ProcessingResult{
		Content:        cleaned,
		PageCount:      max(doc.pageCount, 1),
		IsOCRProcessed: doc.usedOCR,
		OCRConfidence:  doc.confidence,
	}, len(segs), nil
}

func (p *Pipeline) segment(materialID, cleaned string, doc *document) []models.DocumentSegment {
	opts := segmenter.Options{
		PageBoundaries: doc.boundaries,
		SourceLength:   doc.sourceLen,
		Conservative:   doc.usedOCR,
	}
	if doc.usedOCR {
		opts.Source = models.SourceOCR
	}
	segs := segmenter.Segment(cleaned, opts)
	for i := range segs {
		segs[i].MaterialID = materialID
	}
	return segs
}

func (p *Pipeline) checkLength(text, stage string) error {
	if n := utf8.RuneCountInString(text); n < p.cfg.MinViableLength {
		return fmt.Errorf("%w: %d %s characters, need %d", models.ErrInsufficientContent, n, stage, p.cfg.MinViableLength)
	}
	return nil
}

// fail persists a mapped failure. The store write uses a fresh deadline so
// a timed-out run can still record why it stopped.
func (p *Pipeline) fail(ctx context.Context, log *logger.Logger, materialID string, err error) error {
	perr := Classify(err)
	log.Error("Processing failed", "code", perr.Code, "error", err)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if serr := p.store.FailProcessing(wctx, materialID, perr.Reason, err.Error()); serr != nil {
		log.Error("Failed to record failure", "error", serr)
		return fmt.Errorf("%w: %w", errRecordFailure, errors.Join(serr, perr))
	}
	return perr
}

// enqueue submits a follow-up job. Failure is logged only.
func (p *Pipeline) enqueue(ctx context.Context, log *logger.Logger, t worker.JobType, materialID string) {
	if p.jobs == nil {
		return
	}
	job, _ := worker.NewJob(t, materialID, nil)
	if err := p.jobs.Submit(context.WithoutCancel(ctx), job); err != nil {
		log.Warn("Failed to enqueue follow-up job", "type", t, "error", err)
	}
}
