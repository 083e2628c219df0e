package extractor

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

// extractPDF reads page text with ledongthuc/pdf. When that library cannot
// open the file, pdfcpu is tried as a second parser. Encrypted files are
// reported as password protected.
func extractPDF(data []byte) (*Result, error) {
	if isEncrypted(data) {
		return nil, fmt.Errorf("%w: %w", models.ErrExtractionFailed, models.ErrPasswordProtected)
	}

	pages, err := readPagesLedongthuc(data)
	if err != nil {
		var fallbackErr error
		pages, fallbackErr = readPagesPdfcpu(data)
		if fallbackErr != nil {
			return nil, fmt.Errorf("%w: corrupt pdf: %v (pdfcpu: %v)", models.ErrExtractionFailed, err, fallbackErr)
		}
	}

	pageCount := len(pages)
	if pageCount == 0 {
		// Some files parse but report no page tree; ask pdfcpu for the count.
		if n, err := pdfcpuPageCount(data); err == nil {
			pageCount = n
		}
	}

	nonEmpty := make([]string, 0, len(pages))
	for _, p := range pages {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	text := strings.Join(nonEmpty, "\n\n")

	return &Result{
		Text:           text,
		PageCount:      pageCount,
		PageBoundaries: evenBoundaries(utf8.RuneCountInString(text), pageCount),
	}, nil
}

// readPagesLedongthuc returns the plain text of every page, in order.
// The library panics on some malformed inputs, so panics become errors.
func readPagesLedongthuc(data []byte) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	n := reader.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Image-only pages have nothing to read; keep the slot.
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	return pages, nil
}

func readPagesPdfcpu(data []byte) ([]string, error) {
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}
	pages := make([]string, 0, ctx.PageCount)
	for nr := 1; nr <= ctx.PageCount; nr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, nr)
		if err != nil || r == nil {
			pages = append(pages, "")
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, textFromContentStream(raw))
	}
	return pages, nil
}

func pdfcpuPageCount(data []byte) (int, error) {
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return 0, err
	}
	return ctx.PageCount, nil
}

var encryptRe = regexp.MustCompile(`/Encrypt\s+\d+\s+\d+\s+R`)

// isEncrypted looks for an /Encrypt reference in the trailer dictionary.
func isEncrypted(data []byte) bool {
	tail := data
	if len(tail) > 4096 {
		tail = tail[len(tail)-4096:]
	}
	return encryptRe.Match(tail)
}

var pdfStringRe = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)

// textFromContentStream pulls string operands of the Tj, TJ and ' text
// operators out of a decoded page content stream.
func textFromContentStream(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")), bytes.HasSuffix(line, []byte("'")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(unescapePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")), bytes.Equal(line, []byte("ET")):
			sb.WriteByte('\n')
		}
	}
	return strings.TrimSpace(sb.String())
}

func unescapePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		default:
			sb.WriteByte(raw[i])
		}
	}
	return sb.String()
}
