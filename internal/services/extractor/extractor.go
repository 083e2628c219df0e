// Package extractor turns uploaded documents into raw text plus page
// boundaries, and flags low-yield documents for OCR.
//
// Supported formats: PDF, DOCX, PPTX, legacy DOC/PPT (via LibreOffice),
// plain text, and images (which always need OCR).
package extractor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

// MinTextLength is the character count below which a document is treated as
// scanned and routed to OCR.
const MinTextLength = 50

// Kind is the detected document family.
type Kind string

const (
	KindPDF   Kind = "pdf"
	KindDOCX  Kind = "docx"
	KindPPTX  Kind = "pptx"
	KindDOC   Kind = "doc"
	KindPPT   Kind = "ppt"
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Result holds the output of one extraction.
type Result struct {
	Text           string
	PageCount      int
	PageBoundaries []int // start character (rune) offset of each page
	Kind           Kind
	RequiresOCR    bool
	WordCount      int
}

// Config configures an Extractor.
type Config struct {
	SofficePath   string // LibreOffice binary for DOC/PPT conversion
	MinTextLength int
}

// Extractor dispatches documents to a format-specific reader.
type Extractor struct {
	cfg Config
	log *logger.Logger
	// convert turns legacy office bytes into PDF bytes. Swappable in tests.
	convert func(ctx context.Context, data []byte, ext string) ([]byte, error)
}

// New creates an Extractor.
func New(cfg Config, log *logger.Logger) *Extractor {
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = MinTextLength
	}
	if cfg.SofficePath == "" {
		cfg.SofficePath = "soffice"
	}
	e := &Extractor{cfg: cfg, log: log.With("component", "extractor")}
	e.convert = e.convertWithSoffice
	return e
}

// Extract reads data according to mimeType, falling back to the filename
// extension when the MIME type is missing or generic.
func (e *Extractor) Extract(ctx context.Context, data []byte, mimeType, filename string) (*Result, error) {
	kind, ok := Detect(mimeType, filename, data)
	if !ok {
		return nil, fmt.Errorf("%w: mime=%q file=%q", models.ErrUnsupportedFormat, mimeType, filename)
	}

	var (
		res *Result
		err error
	)
	switch kind {
	case KindPDF:
		res, err = extractPDF(data)
	case KindDOCX:
		res, err = extractDOCX(data)
	case KindPPTX:
		res, err = extractPPTX(data)
	case KindDOC, KindPPT:
		res, err = e.extractLegacy(ctx, data, kind)
	case KindText:
		res = extractPlainText(data)
	case KindImage:
		res = &Result{PageCount: 1, PageBoundaries: []int{0}}
	}
	if err != nil {
		e.log.Warn("extraction failed", "kind", kind, "file", filename, "error", err)
		return nil, err
	}

	res.Kind = kind
	res.Text = strings.TrimSpace(res.Text)
	res.WordCount = len(strings.Fields(res.Text))
	res.RequiresOCR = utf8.RuneCountInString(res.Text) < e.cfg.MinTextLength
	if res.PageCount < 1 && res.Text != "" {
		res.PageCount = 1
	}
	if len(res.PageBoundaries) == 0 && res.PageCount > 0 {
		res.PageBoundaries = evenBoundaries(utf8.RuneCountInString(res.Text), res.PageCount)
	}

	e.log.Debug("extracted document",
		"kind", kind, "pages", res.PageCount, "chars", utf8.RuneCountInString(res.Text), "requires_ocr", res.RequiresOCR)
	return res, nil
}

var mimeKinds = map[string]Kind{
	"application/pdf": KindPDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   KindDOCX,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": KindPPTX,
	"application/msword":            KindDOC,
	"application/vnd.ms-powerpoint": KindPPT,
	"image/png":                     KindImage,
	"image/jpeg":                    KindImage,
	"image/jpg":                     KindImage,
	"image/webp":                    KindImage,
	"image/tiff":                    KindImage,
}

var extKinds = map[string]Kind{
	".pdf":  KindPDF,
	".docx": KindDOCX,
	".pptx": KindPPTX,
	".doc":  KindDOC,
	".ppt":  KindPPT,
	".txt":  KindText,
	".md":   KindText,
	".csv":  KindText,
	".png":  KindImage,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".webp": KindImage,
	".tif":  KindImage,
	".tiff": KindImage,
}

// Detect resolves the document kind from MIME type, extension, then magic bytes.
func Detect(mimeType, filename string, data []byte) (Kind, bool) {
	mt := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	if k, ok := mimeKinds[mt]; ok {
		return k, true
	}
	if strings.HasPrefix(mt, "text/") {
		return KindText, true
	}
	if k, ok := extKinds[strings.ToLower(filepath.Ext(filename))]; ok {
		return k, true
	}
	if IsPDF(data) {
		return KindPDF, true
	}
	return "", false
}

// IsPDF checks the PDF magic bytes.
func IsPDF(data []byte) bool {
	return len(data) >= 5 && string(data[:5]) == "%PDF-"
}

// evenBoundaries splits length characters evenly across pages.
func evenBoundaries(length, pages int) []int {
	if pages <= 0 {
		return nil
	}
	out := make([]int, pages)
	for i := range out {
		out[i] = i * length / pages
	}
	return out
}

func extractPlainText(data []byte) *Result {
	text := strings.ToValidUTF8(string(data), "")
	text = strings.ReplaceAll(text, "\x00", "")
	return &Result{Text: text, PageCount: 1, PageBoundaries: []int{0}}
}
