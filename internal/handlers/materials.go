// materials.go handles study material endpoints.
//
// POST   /api/v1/materials/jobs            queue a document for processing
// GET    /api/v1/materials/:id/status      pipeline progress
// POST   /api/v1/materials/:id/retry       re-queue a failed material
// POST   /api/v1/materials/:id/quiz        generate or fetch a cached quiz
// POST   /api/v1/materials/:id/flashcards  generate or fetch cached flashcards
// PUT    /api/v1/materials/:id/content     replace the material's text
// DELETE /api/v1/materials/:id             delete a material and its segments
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/pipeline"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/study"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/worker"
)

// CreateJob registers a material if needed and queues it for processing.
// An existing failed or pending material takes the new source and is retried;
// a completed one is refused.
// POST /api/v1/materials/jobs
func (h *Handler) CreateJob(c *gin.Context) {
	var req models.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "fileUrl and filename are required; materialId must be a UUID")
		return
	}
	ctx := c.Request.Context()

	materialID := req.MaterialID
	existing, err := h.lookup(c, materialID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	switch {
	case existing == nil:
		m := &models.Material{
			ID:                materialID,
			Filename:          req.Filename,
			MimeType:          req.MimeType,
			FileURL:           req.FileURL,
			ProcessingStatus:  models.StatusPending,
			ProcessingVersion: models.ProcessingV2,
		}
		if err := h.Store.CreateMaterial(ctx, m); err != nil {
			h.writeError(c, err)
			return
		}
		materialID = m.ID
		job := pipeline.Job{MaterialID: materialID, FileURL: req.FileURL, MimeType: req.MimeType, Filename: req.Filename}
		if err := h.Pipeline.Submit(ctx, job); err != nil {
			h.writeError(c, err)
			return
		}
	case existing.ProcessingStatus.InProgress():
		respondError(c, http.StatusConflict, "still_processing", "This material is already being processed.")
		return
	case existing.ProcessingStatus == models.StatusCompleted:
		respondError(c, http.StatusConflict, "already_processed",
			"This material has already been processed. Edit its content or delete it first.")
		return
	default:
		// Failed or pending: take the new source, then reset through the
		// retry path so old segments and failure details are cleared.
		if err := h.Store.UpdateSource(ctx, materialID, req.FileURL, req.MimeType, req.Filename); err != nil {
			h.writeError(c, err)
			return
		}
		if err := h.Pipeline.Retry(ctx, materialID); err != nil {
			h.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusAccepted, models.JobAcceptedResponse{MaterialID: materialID, Status: "queued"})
}

// lookup returns the material with id, or nil when id is empty or unknown.
func (h *Handler) lookup(c *gin.Context, id string) (*models.Material, error) {
	if id == "" {
		return nil, nil
	}
	m, err := h.Store.GetMaterial(c.Request.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// GetStatus reports pipeline progress.
// GET /api/v1/materials/:id/status
func (h *Handler) GetStatus(c *gin.Context) {
	st, err := h.Pipeline.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// RetryMaterial re-queues a failed or stuck pending material.
// POST /api/v1/materials/:id/retry
func (h *Handler) RetryMaterial(c *gin.Context) {
	id := c.Param("id")
	if err := h.Pipeline.Retry(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.JobAcceptedResponse{MaterialID: id, Status: "queued"})
}

// GenerateQuiz returns a quiz for the material.
// POST /api/v1/materials/:id/quiz
func (h *Handler) GenerateQuiz(c *gin.Context) {
	req, ok := bindGenerate(c)
	if !ok {
		return
	}
	resp, err := h.Study.GenerateQuiz(c.Request.Context(), req)
	if err != nil {
		h.writeGenerateError(c, req.MaterialID, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GenerateFlashcards returns flashcards for the material.
// POST /api/v1/materials/:id/flashcards
func (h *Handler) GenerateFlashcards(c *gin.Context) {
	req, ok := bindGenerate(c)
	if !ok {
		return
	}
	resp, err := h.Study.GenerateFlashcards(c.Request.Context(), req)
	if err != nil {
		h.writeGenerateError(c, req.MaterialID, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// bindGenerate reads the optional request body. An empty body asks for the
// defaults.
func bindGenerate(c *gin.Context) (study.Request, bool) {
	var body models.GenerateRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "invalid_request", "Request body must be JSON")
		return study.Request{}, false
	}
	if (body.PageStart != nil && *body.PageStart < 1) || (body.PageEnd != nil && *body.PageEnd < 1) {
		respondError(c, http.StatusBadRequest, "invalid_request", "pageStart and pageEnd start at 1")
		return study.Request{}, false
	}
	if body.PageStart != nil && body.PageEnd != nil && *body.PageStart > *body.PageEnd {
		respondError(c, http.StatusBadRequest, "invalid_request", "pageStart must not be after pageEnd")
		return study.Request{}, false
	}
	if body.QuestionCount < 0 {
		respondError(c, http.StatusBadRequest, "invalid_request", "questionCount must be positive")
		return study.Request{}, false
	}
	return study.RequestFrom(c.Param("id"), body), true
}

func (h *Handler) writeGenerateError(c *gin.Context, materialID string, err error) {
	if errors.Is(err, models.ErrUpgrading) {
		c.JSON(http.StatusAccepted, gin.H{"status": "upgrading", "materialId": materialID})
		return
	}
	h.writeError(c, err)
}

// UpdateContent replaces the material's canonical text, which invalidates
// cached study content, and queues resegmentation.
// PUT /api/v1/materials/:id/content
func (h *Handler) UpdateContent(c *gin.Context) {
	var req models.UpdateContentRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	// The store moves the material to segmenting in the same write, so
	// generation is refused until new segments exist.
	version, err := h.Store.UpdateContent(ctx, id, req.Content)
	if err != nil {
		h.writeError(c, err)
		return
	}
	job, _ := worker.NewJob(worker.JobResegmentMaterial, id, nil)
	if err := h.Worker.Submit(ctx, job); err != nil {
		h.log.Warn("Failed to queue resegmentation; running inline", "material_id", id, "error", err)
		if err := h.Pipeline.Resegment(ctx, id); err != nil {
			h.log.Error("Inline resegmentation failed", "material_id", id, "error", err)
		}
	}
	c.JSON(http.StatusOK, models.ContentUpdatedResponse{MaterialID: id, MaterialVersion: version})
}

// DeleteMaterial removes a material; its segments go with it.
// DELETE /api/v1/materials/:id
func (h *Handler) DeleteMaterial(c *gin.Context) {
	if err := h.Store.DeleteMaterial(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
