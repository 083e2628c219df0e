// Package models defines the data structures used throughout the application.
//
// Go Pattern: Models are plain structs with JSON tags for serialization.
// The `db` tags work with sqlx for database column mapping. The database
// package handles persistence; nothing here talks to storage.
package models

import (
	"encoding/json"
	"time"
)

// ProcessingStatus is the pipeline state of a material.
// Go Pattern: string constants instead of enums (Go doesn't have enums).
type ProcessingStatus string

const (
	StatusPending       ProcessingStatus = "pending"
	StatusExtracting    ProcessingStatus = "extracting"
	StatusOCRExtracting ProcessingStatus = "ocr_extracting"
	StatusCleaning      ProcessingStatus = "cleaning"
	StatusSegmenting    ProcessingStatus = "segmenting"
	StatusCompleted     ProcessingStatus = "completed"
	StatusFailed        ProcessingStatus = "failed"
)

// ProgressSegmenting is the progress reported while segments are rebuilt.
const ProgressSegmenting = 80

// InProgress reports whether the pipeline is still working on the material.
func (s ProcessingStatus) InProgress() bool {
	switch s {
	case StatusExtracting, StatusOCRExtracting, StatusCleaning, StatusSegmenting:
		return true
	}
	return false
}

// ProcessingVersion distinguishes legacy content-only materials from
// segmented ones.
type ProcessingVersion string

const (
	ProcessingV1 ProcessingVersion = "v1"
	ProcessingV2 ProcessingVersion = "v2"
)

// SegmentSource records where a segment's text came from.
type SegmentSource string

const (
	SourceText SegmentSource = "text"
	SourceOCR  SegmentSource = "ocr"
)

// Material is an uploaded study document and everything derived from it.
type Material struct {
	ID                 string            `json:"id" db:"id"`
	Filename           string            `json:"filename" db:"filename"`
	MimeType           string            `json:"mime_type" db:"mime_type"`
	FileURL            string            `json:"file_url,omitempty" db:"file_url"`
	Content            string            `json:"-" db:"content"`
	ProcessingStatus   ProcessingStatus  `json:"processing_status" db:"processing_status"`
	ProcessingProgress int               `json:"processing_progress" db:"processing_progress"`
	ProcessingVersion  ProcessingVersion `json:"processing_version" db:"processing_version"`
	MaterialVersion    int               `json:"material_version" db:"material_version"`
	PageCount          int               `json:"page_count" db:"page_count"`
	IsOCRProcessed     bool              `json:"is_ocr_processed" db:"is_ocr_processed"`
	OCRConfidence      *float64          `json:"ocr_confidence,omitempty" db:"ocr_confidence"` // Pointer = nullable
	FailureReason      string            `json:"failure_reason,omitempty" db:"failure_reason"`
	ErrorMessage       string            `json:"-" db:"error_message"`
	Tags               json.RawMessage   `json:"tags,omitempty" db:"tags"` // JSONB
	QuizCache          json.RawMessage   `json:"-" db:"quiz_cache"`
	QuizCacheVersion   *int              `json:"-" db:"quiz_cache_version"`
	FlashcardsCache    json.RawMessage   `json:"-" db:"flashcards_cache"`
	FlashcardsVersion  *int              `json:"-" db:"flashcards_cache_version"`
	UpgradeStartedAt   *time.Time        `json:"-" db:"upgrade_started_at"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" db:"updated_at"`
}

// DocumentSegment is one token-budgeted slice of a material's cleaned text.
type DocumentSegment struct {
	ID           string        `json:"id" db:"id"`
	MaterialID   string        `json:"material_id" db:"material_id"`
	SegmentIndex int           `json:"segment_index" db:"segment_index"`
	Content      string        `json:"content" db:"content"`
	TokenCount   int           `json:"token_count" db:"token_count"`
	PageStart    *int          `json:"page_start,omitempty" db:"page_start"`
	PageEnd      *int          `json:"page_end,omitempty" db:"page_end"`
	Heading      *string       `json:"heading,omitempty" db:"heading"`
	Source       SegmentSource `json:"source" db:"source"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
}

// ProcessingResult is what the pipeline persists when a material completes.
type ProcessingResult struct {
	Content        string
	PageCount      int
	IsOCRProcessed bool
	OCRConfidence  *float64
}

// --- Generated study content ---

// QuestionType is the kind of quiz question.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTrueFalse      QuestionType = "true_false"
)

// Question is one quiz item.
type Question struct {
	ID          string       `json:"id"`
	Type        QuestionType `json:"type"`
	Question    string       `json:"question"`
	Options     []string     `json:"options"`
	Answer      string       `json:"answer"`
	Explanation string       `json:"explanation"`
	Hint        string       `json:"hint,omitempty"`
}

// Quiz is a generated set of questions.
type Quiz struct {
	Topic      string     `json:"topic"`
	Difficulty string     `json:"difficulty"`
	Questions  []Question `json:"questions"`
}

// Flashcard is one generated front/back card.
type Flashcard struct {
	ID    string `json:"id"`
	Front string `json:"front"`
	Back  string `json:"back"`
}

// --- Request/Response DTOs ---

// CreateJobRequest is the JSON body for POST /api/v1/materials/jobs.
type CreateJobRequest struct {
	MaterialID string `json:"materialId" binding:"omitempty,uuid"`
	FileURL    string `json:"fileUrl" binding:"required"`
	MimeType   string `json:"mimeType"`
	Filename   string `json:"filename" binding:"required"`
}

// GenerateRequest is the JSON body for the quiz and flashcard endpoints.
type GenerateRequest struct {
	PageStart     *int   `json:"pageStart,omitempty"`
	PageEnd       *int   `json:"pageEnd,omitempty"`
	Regenerate    bool   `json:"regenerate,omitempty"`
	Difficulty    string `json:"difficulty,omitempty"`
	QuestionCount int    `json:"questionCount,omitempty"`
	Topic         string `json:"topic,omitempty"`
}

// UpdateContentRequest is the JSON body for PUT /api/v1/materials/:id/content.
type UpdateContentRequest struct {
	Content string `json:"content" binding:"required"`
}

// JobAcceptedResponse is returned when work has been queued.
type JobAcceptedResponse struct {
	MaterialID string `json:"materialId"`
	Status     string `json:"status"`
}

// ContentUpdatedResponse is returned after an edit to a material's content.
type ContentUpdatedResponse struct {
	MaterialID      string `json:"materialId"`
	MaterialVersion int    `json:"materialVersion"`
}

// StatusResponse reports pipeline progress for one material.
type StatusResponse struct {
	MaterialID       string           `json:"materialId"`
	ProcessingStatus ProcessingStatus `json:"processingStatus"`
	Progress         int              `json:"progress"`
	SegmentCount     int              `json:"segmentCount"`
	IsReady          bool             `json:"isReady"`
	CanRetry         bool             `json:"canRetry"`
	FailureReason    string           `json:"failureReason,omitempty"`
}

// QuizResponse wraps a quiz with cache metadata.
type QuizResponse struct {
	Quiz
	Cached          bool `json:"cached"`
	MaterialVersion int  `json:"materialVersion"`
}

// FlashcardsResponse wraps flashcards with cache metadata.
type FlashcardsResponse struct {
	Flashcards      []Flashcard `json:"flashcards"`
	Cached          bool        `json:"cached"`
	MaterialVersion int         `json:"materialVersion"`
}

// ErrorResponse is a standard error format for all API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
	Queue    string `json:"queue"`
	Workers  int    `json:"workers"`
}
