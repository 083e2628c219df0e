package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/worker"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, models.ErrorResponse{Error: code, Message: msg, Code: status})
}

// writeError maps service errors to HTTP responses. Unknown errors are
// logged and reported as 500 without internal detail.
func (h *Handler) writeError(c *gin.Context, err error) {
	var unsupported *models.UnsupportedDocumentError
	switch {
	case errors.Is(err, models.ErrNotFound):
		respondError(c, http.StatusNotFound, "not_found", "Material not found")
	case errors.As(err, &unsupported):
		msg := unsupported.Reason
		if msg == "" {
			msg = "This document could not be processed."
		}
		respondError(c, http.StatusUnprocessableEntity, "unsupported_document", msg)
	case errors.Is(err, models.ErrStillProcessing):
		respondError(c, http.StatusConflict, "still_processing", "The material is still being processed. Try again shortly.")
	case errors.Is(err, models.ErrNotRetryable):
		respondError(c, http.StatusConflict, "not_retryable", "Only failed or pending materials can be retried.")
	case errors.Is(err, models.ErrGenerationFailed):
		h.log.Warn("Generation failed", "path", c.FullPath(), "error", err)
		respondError(c, http.StatusBadGateway, "generation_failed", "The study content could not be generated. Please try again.")
	case errors.Is(err, worker.ErrQueueFull):
		respondError(c, http.StatusServiceUnavailable, "queue_full", "The job queue is full. Try again later.")
	default:
		h.log.Error("Request failed", "path", c.FullPath(), "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
