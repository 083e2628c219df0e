package extractor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/testutil"
)

func newTestExtractor() *Extractor {
	return New(Config{}, logger.Nop())
}

func TestExtractWellFormedDocuments(t *testing.T) {
	body := testutil.Lorem(400)

	tests := []struct {
		name      string
		data      []byte
		mime      string
		filename  string
		wantKind  Kind
		wantPages int
	}{
		{name: "pdf", data: testutil.PDF(body, body), mime: "application/pdf", filename: "a.pdf", wantKind: KindPDF, wantPages: 2},
		{name: "docx", data: testutil.DOCX("# Intro", body), filename: "notes.docx", wantKind: KindDOCX, wantPages: 1},
		{name: "pptx", data: testutil.PPTX(body, body, body), filename: "deck.pptx", wantKind: KindPPTX, wantPages: 3},
		{name: "text", data: []byte(body), mime: "text/plain; charset=utf-8", filename: "notes", wantKind: KindText, wantPages: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTestExtractor().Extract(context.Background(), tt.data, tt.mime, tt.filename)
			require.NoError(t, err)

			assert.Equal(t, tt.wantKind, res.Kind)
			assert.NotEmpty(t, res.Text)
			assert.GreaterOrEqual(t, res.PageCount, 1)
			assert.Equal(t, tt.wantPages, res.PageCount)
			assert.Len(t, res.PageBoundaries, res.PageCount)
			assert.False(t, res.RequiresOCR)
			assert.Contains(t, res.Text, "Photosynthesis")
		})
	}
}

func TestRequiresOCRThreshold(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{name: "tiny", text: "Chapter 1", want: true},
		{name: "just under", text: strings.Repeat("a", MinTextLength-1), want: true},
		{name: "at threshold", text: strings.Repeat("a", MinTextLength), want: false},
		{name: "plenty", text: testutil.Lorem(300), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTestExtractor().Extract(context.Background(), []byte(tt.text), "text/plain", "x.txt")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.RequiresOCR)
		})
	}
}

func TestScannedPDFRequiresOCR(t *testing.T) {
	res, err := newTestExtractor().Extract(context.Background(), testutil.PDF("Scan 00001"), "application/pdf", "scan.pdf")
	require.NoError(t, err)
	assert.True(t, res.RequiresOCR)
	assert.Equal(t, 1, res.PageCount)
}

func TestImagesAlwaysRequireOCR(t *testing.T) {
	res, err := newTestExtractor().Extract(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "image/png", "board.png")
	require.NoError(t, err)
	assert.Equal(t, KindImage, res.Kind)
	assert.True(t, res.RequiresOCR)
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := newTestExtractor().Extract(context.Background(), []byte("PK..."), "application/x-rar", "archive.rar")
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)
}

func TestCorruptDocuments(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		mime     string
		filename string
	}{
		{name: "pdf", data: []byte("%PDF-1.4 garbage"), mime: "application/pdf", filename: "x.pdf"},
		{name: "docx", data: []byte("not a zip"), filename: "x.docx"},
		{name: "pptx without slides", data: testutil.DOCX("hello"), filename: "x.pptx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestExtractor().Extract(context.Background(), tt.data, tt.mime, tt.filename)
			assert.ErrorIs(t, err, models.ErrExtractionFailed)
		})
	}
}

func TestEncryptedPDF(t *testing.T) {
	data := append(testutil.PDF("secret"), []byte("trailer\n<< /Encrypt 9 0 R >>\n")...)
	_, err := newTestExtractor().Extract(context.Background(), data, "application/pdf", "locked.pdf")
	assert.ErrorIs(t, err, models.ErrExtractionFailed)
	assert.ErrorIs(t, err, models.ErrPasswordProtected)
}

func TestLegacyOfficeConvertsThroughPDF(t *testing.T) {
	e := newTestExtractor()
	var gotExt string
	e.convert = func(_ context.Context, _ []byte, ext string) ([]byte, error) {
		gotExt = ext
		return testutil.PDF(testutil.Lorem(200)), nil
	}

	res, err := e.Extract(context.Background(), []byte{0xD0, 0xCF}, "application/msword", "old.doc")
	require.NoError(t, err)
	assert.Equal(t, ".doc", gotExt)
	assert.Equal(t, KindDOC, res.Kind)
	assert.NotEmpty(t, res.Text)

	e.convert = func(context.Context, []byte, string) ([]byte, error) { return nil, errors.New("soffice missing") }
	_, err = e.Extract(context.Background(), []byte{0xD0, 0xCF}, "", "old.ppt")
	assert.ErrorIs(t, err, models.ErrExtractionFailed)
}

func TestDetect(t *testing.T) {
	tests := []struct {
		mime, file string
		data       []byte
		want       Kind
		ok         bool
	}{
		{mime: "application/pdf", want: KindPDF, ok: true},
		{mime: "application/octet-stream", file: "Lecture.PPTX", want: KindPPTX, ok: true},
		{file: "blob", data: []byte("%PDF-1.7"), want: KindPDF, ok: true},
		{mime: "image/jpeg", want: KindImage, ok: true},
		{mime: "video/mp4", file: "a.mp4"},
	}
	for _, tt := range tests {
		got, ok := Detect(tt.mime, tt.file, tt.data)
		assert.Equal(t, tt.ok, ok, "%s %s", tt.mime, tt.file)
		assert.Equal(t, tt.want, got)
	}
}

func TestEvenBoundaries(t *testing.T) {
	assert.Equal(t, []int{0, 50, 100}, evenBoundaries(150, 3))
	assert.Nil(t, evenBoundaries(10, 0))
}
