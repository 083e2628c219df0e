package extractor

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

// extractDOCX reads word/document.xml paragraph by paragraph. Each paragraph
// (headings included) becomes its own blank-line separated block.
func extractDOCX(data []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open docx: %v", models.ErrExtractionFailed, err)
	}

	doc, err := readZipEntry(zr, "word/document.xml")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrExtractionFailed, err)
	}

	paragraphs, err := wordParagraphs(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: parse document.xml: %v", models.ErrExtractionFailed, err)
	}
	text := strings.Join(paragraphs, "\n\n")

	pages := 1
	if app, err := readZipEntry(zr, "docProps/app.xml"); err == nil {
		if n := appPageCount(app); n > 0 {
			pages = n
		}
	}

	return &Result{
		Text:           text,
		PageCount:      pages,
		PageBoundaries: evenBoundaries(utf8.RuneCountInString(text), pages),
	}, nil
}

// wordParagraphs walks w:p elements collecting w:t runs.
func wordParagraphs(doc []byte) ([]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	var (
		out    []string
		cur    strings.Builder
		inPara bool
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inPara = true
				cur.Reset()
			case "t":
				inText = inPara
			case "tab":
				if inPara {
					cur.WriteByte(' ')
				}
			case "br", "cr":
				if inPara {
					cur.WriteByte('\n')
				}
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				inPara = false
				if s := strings.TrimSpace(cur.String()); s != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out, nil
}

var slideNameRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// extractPPTX reads every slide in order; each slide is one page.
func extractPPTX(data []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open pptx: %v", models.ErrExtractionFailed, err)
	}

	type slide struct {
		n    int
		file *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		if m := slideNameRe.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slide{n: n, file: f})
		}
	}
	if len(slides) == 0 {
		return nil, fmt.Errorf("%w: pptx has no slides", models.ErrExtractionFailed)
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	var (
		sb         strings.Builder
		boundaries = make([]int, 0, len(slides))
		offset     int
	)
	for i, s := range slides {
		raw, err := readZipFile(s.file)
		if err != nil {
			return nil, fmt.Errorf("%w: slide %d: %v", models.ErrExtractionFailed, s.n, err)
		}
		paras, err := drawingParagraphs(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: slide %d: %v", models.ErrExtractionFailed, s.n, err)
		}
		if i > 0 {
			sb.WriteString("\n\n")
			offset += 2
		}
		boundaries = append(boundaries, offset)
		body := strings.Join(paras, "\n")
		sb.WriteString(body)
		offset += utf8.RuneCountInString(body)
	}

	return &Result{Text: sb.String(), PageCount: len(slides), PageBoundaries: boundaries}, nil
}

// drawingParagraphs collects a:t runs grouped by a:p.
func drawingParagraphs(raw []byte) ([]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var (
		out    []string
		cur    strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				cur.Reset()
			case "t":
				inText = true
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(cur.String()); s != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out, nil
}

func appPageCount(app []byte) int {
	var props struct {
		Pages int `xml:"Pages"`
	}
	if err := xml.Unmarshal(app, &props); err != nil {
		return 0
	}
	return props.Pages
}

func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return readZipFile(f)
		}
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
