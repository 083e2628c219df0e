package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the pipeline, generation and HTTP layers.
// Wrap with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// Extraction / pipeline
	ErrUnsupportedFormat   = errors.New("unsupported format")
	ErrExtractionFailed    = errors.New("extraction failed")
	ErrPasswordProtected   = errors.New("document is password protected")
	ErrOCRFailed           = errors.New("ocr failed")
	ErrInsufficientContent = errors.New("insufficient content")
	ErrDownloadFailed      = errors.New("download failed")
	ErrPipelineFailed      = errors.New("pipeline failed")

	// Generation
	ErrGenerationFailed = errors.New("generation failed")
	ErrValidationFailed = errors.New("validation failed")

	// Request level
	ErrNotFound            = errors.New("not found")
	ErrNotRetryable        = errors.New("material is not in a retryable state")
	ErrStillProcessing     = errors.New("material is still processing")
	ErrUnsupportedDocument = errors.New("material could not be processed")
	ErrUpgrading           = errors.New("material is being upgraded")
)

// FailureCode is a stable machine-readable pipeline failure category.
type FailureCode string

const (
	FailurePasswordProtected FailureCode = "password_protected"
	FailureScannedOCR        FailureCode = "ocr_failed"
	FailureTooShort          FailureCode = "too_short"
	FailureUnsupported       FailureCode = "unsupported_format"
	FailureTimeout           FailureCode = "timeout"
	FailureCorrupt           FailureCode = "corrupt"
	FailureDownload          FailureCode = "download_failed"
	FailureGeneric           FailureCode = "generic"
)

// PipelineError carries a mapped failure plus the underlying cause.
type PipelineError struct {
	Code   FailureCode
	Reason string // human readable, shown to users
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

// Unwrap exposes both the pipeline sentinel and the cause to errors.Is.
func (e *PipelineError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPipelineFailed}
	}
	return []error{ErrPipelineFailed, e.Err}
}

// UnsupportedDocumentError carries the stored failure reason of a material
// that cannot be used for generation.
type UnsupportedDocumentError struct {
	Reason string
}

func (e *UnsupportedDocumentError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnsupportedDocument, e.Reason)
}

func (e *UnsupportedDocumentError) Unwrap() error { return ErrUnsupportedDocument }
