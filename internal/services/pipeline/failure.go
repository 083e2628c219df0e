package pipeline

import (
	"context"
	"errors"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

// User-facing reasons per failure code.
var reasons = map[models.FailureCode]string{
	models.FailurePasswordProtected: "This document is password protected. Remove the password and upload it again.",
	models.FailureScannedOCR:        "Scanned PDF detected but OCR failed.",
	models.FailureTooShort:          "Not enough readable text was found in this document to build study material.",
	models.FailureUnsupported:       "This file type is not supported.",
	models.FailureTimeout:           "Processing took too long and was stopped. Please try again.",
	models.FailureCorrupt:           "The document appears to be damaged and could not be read.",
	models.FailureDownload:          "The file could not be downloaded. Check that it still exists and try again.",
	models.FailureGeneric:           "Something went wrong while processing this document.",
}

// FailureReason returns the human-readable reason for err.
func FailureReason(err error) string {
	return Classify(err).Reason
}

// Classify maps any pipeline error to a PipelineError. Errors that already
// are one are returned unchanged. Order matters: a password-protected PDF
// also wraps ErrExtractionFailed.
func Classify(err error) *models.PipelineError {
	var perr *models.PipelineError
	if errors.As(err, &perr) {
		return perr
	}

	code := models.FailureGeneric
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = models.FailureTimeout
	case errors.Is(err, models.ErrPasswordProtected):
		code = models.FailurePasswordProtected
	case errors.Is(err, models.ErrOCRFailed):
		code = models.FailureScannedOCR
	case errors.Is(err, models.ErrInsufficientContent):
		code = models.FailureTooShort
	case errors.Is(err, models.ErrUnsupportedFormat):
		code = models.FailureUnsupported
	case errors.Is(err, models.ErrDownloadFailed):
		code = models.FailureDownload
	case errors.Is(err, models.ErrExtractionFailed):
		code = models.FailureCorrupt
	}
	return &models.PipelineError{Code: code, Reason: reasons[code], Err: err}
}
