package pipeline

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/cleaner"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/worker"
)

// Retry resets a failed or pending material and queues it again.
func (p *Pipeline) Retry(ctx context.Context, materialID string) error {
	m, err := p.store.GetMaterial(ctx, materialID)
	if err != nil {
		return err
	}
	if m.FileURL == "" {
		return fmt.Errorf("%w: material has no source file", models.ErrNotRetryable)
	}
	if err := p.store.ResetForRetry(ctx, materialID); err != nil {
		return err
	}
	p.log.Info("Retrying material", "material_id", materialID, "previous_status", m.ProcessingStatus)
	return p.Submit(ctx, Job{MaterialID: m.ID, FileURL: m.FileURL, MimeType: m.MimeType, Filename: m.Filename})
}

// Submit queues a process_material job.
func (p *Pipeline) Submit(ctx context.Context, job Job) error {
	if p.jobs == nil {
		return errors.New("no job queue configured")
	}
	j, err := worker.NewJob(worker.JobProcessMaterial, job.MaterialID, worker.ProcessPayload{
		FileURL:  job.FileURL,
		MimeType: job.MimeType,
		Filename: job.Filename,
	})
	if err != nil {
		return err
	}
	return p.jobs.Submit(ctx, j)
}

// Upgrade converts a legacy v1 material into a segmented v2 one. Existing
// content is cleaned and segmented; when it is too short and the source
// file is still reachable, the document is extracted again.
func (p *Pipeline) Upgrade(ctx context.Context, materialID string) error {
	unlock := p.locks.Lock(materialID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	log := p.log.With("material_id", materialID, "op", "upgrade")
	m, err := p.store.GetMaterial(ctx, materialID)
	if err != nil {
		return err
	}
	if m.ProcessingVersion != models.ProcessingV1 {
		log.Debug("Material already upgraded")
		return nil
	}

	doc := &document{
		text:      m.Content,
		pageCount: m.PageCount,
		sourceLen: utf8.RuneCountInString(m.Content),
		usedOCR:   m.IsOCRProcessed,
	}
	doc.confidence = m.OCRConfidence
	doc.boundaries = evenBoundaries(doc.sourceLen, m.PageCount)

	if utf8.RuneCountInString(cleaner.Clean(m.Content)) < p.cfg.MinViableLength && m.FileURL != "" {
		log.Info("Legacy content too short; extracting source again", "chars", doc.sourceLen)
		data, err := p.fetcher.Fetch(ctx, m.FileURL)
		if err != nil {
			return p.fail(ctx, log, materialID, err)
		}
		doc, err = p.extract(ctx, materialID, data, m.MimeType, m.Filename, log)
		if err != nil {
			return p.fail(ctx, log, materialID, err)
		}
	}

	res, segs, err := p.finish(ctx, materialID, doc, log)
	if err != nil {
		return p.fail(ctx, log, materialID, err)
	}
	if err := p.store.CompleteProcessing(ctx, materialID, res); err != nil {
		return p.fail(ctx, log, materialID, fmt.Errorf("complete processing: %w", err))
	}
	log.Info("Material upgraded", "segments", segs)
	p.enqueue(ctx, log, worker.JobEnrichMaterial, materialID)
	return nil
}

// Resegment rebuilds segments from the material's stored content, used
// after the content is edited.
func (p *Pipeline) Resegment(ctx context.Context, materialID string) error {
	unlock := p.locks.Lock(materialID)
	defer unlock()

	log := p.log.With("material_id", materialID, "op", "resegment")
	m, err := p.store.GetMaterial(ctx, materialID)
	if err != nil {
		return err
	}
	n := utf8.RuneCountInString(m.Content)
	doc := &document{
		text:       m.Content,
		pageCount:  m.PageCount,
		boundaries: evenBoundaries(n, m.PageCount),
		sourceLen:  n,
		usedOCR:    m.IsOCRProcessed,
		confidence: m.OCRConfidence,
	}
	res, segs, err := p.finish(ctx, materialID, doc, log)
	if err != nil {
		return p.fail(ctx, log, materialID, err)
	}
	if err := p.store.CompleteProcessing(ctx, materialID, res); err != nil {
		return p.fail(ctx, log, materialID, fmt.Errorf("complete processing: %w", err))
	}
	log.Info("Material resegmented", "segments", segs)
	p.enqueue(ctx, log, worker.JobEnrichMaterial, materialID)
	return nil
}

// Status reports pipeline progress for a material.
func (p *Pipeline) Status(ctx context.Context, materialID string) (*models.StatusResponse, error) {
	m, err := p.store.GetMaterial(ctx, materialID)
	if err != nil {
		return nil, err
	}
	count, err := p.store.CountSegments(ctx, materialID)
	if err != nil {
		return nil, err
	}
	return &models.StatusResponse{
		MaterialID:       m.ID,
		ProcessingStatus: m.ProcessingStatus,
		Progress:         m.ProcessingProgress,
		SegmentCount:     count,
		IsReady:          m.ProcessingStatus == models.StatusCompleted && count > 0,
		CanRetry:         m.ProcessingStatus == models.StatusFailed || m.ProcessingStatus == models.StatusPending,
		FailureReason:    m.FailureReason,
	}, nil
}

// --- worker handlers ---

// Register binds the pipeline's job types to pool.
func (p *Pipeline) Register(pool *worker.Pool) {
	pool.Register(worker.JobProcessMaterial, p.handleProcess)
	pool.Register(worker.JobUpgradeMaterial, p.handleMaterial(p.Upgrade))
	pool.Register(worker.JobResegmentMaterial, p.handleMaterial(p.Resegment))
}

func (p *Pipeline) handleProcess(ctx context.Context, job worker.Job) error {
	var payload worker.ProcessPayload
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return settled(p.Run(ctx, Job{
		MaterialID: job.MaterialID,
		FileURL:    payload.FileURL,
		MimeType:   payload.MimeType,
		Filename:   payload.Filename,
	}))
}

func (p *Pipeline) handleMaterial(fn func(context.Context, string) error) worker.Handler {
	return func(ctx context.Context, job worker.Job) error {
		return settled(fn(ctx, job.MaterialID))
	}
}

// settled hides failures already recorded on the material so the pool
// does not rerun them; retries of those go through Retry.
func settled(err error) error {
	var perr *models.PipelineError
	if errors.As(err, &perr) && !errors.Is(err, errRecordFailure) {
		return nil
	}
	return err
}

// evenBoundaries spreads pageCount pages evenly over n characters.
func evenBoundaries(n, pageCount int) []int {
	if pageCount < 1 {
		return nil
	}
	out := make([]int, pageCount)
	for i := range out {
		out[i] = i * n / pageCount
	}
	return out
}
