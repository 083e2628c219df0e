package ocr

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Pdftoppm renders pages with poppler's pdftoppm binary.
type Pdftoppm struct {
	Path    string
	DPI     int
	Timeout time.Duration
}

var pageFileRe = regexp.MustCompile(`-(\d+)\.png$`)

// Rasterize renders up to maxPages pages. One extra page is requested so
// truncation can be detected without a separate page count.
func (p Pdftoppm) Rasterize(ctx context.Context, pdf []byte, maxPages int) ([][]byte, bool, error) {
	path := p.Path
	if path == "" {
		path = "pdftoppm"
	}
	dpi := p.DPI
	if dpi <= 0 {
		dpi = 200
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	dir, err := os.MkdirTemp("", "ocr-pages-*")
	if err != nil {
		return nil, false, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(in, pdf, 0o600); err != nil {
		return nil, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-png", "-r", strconv.Itoa(dpi)}
	if maxPages > 0 {
		args = append(args, "-l", strconv.Itoa(maxPages+1))
	}
	args = append(args, in, filepath.Join(dir, "page"))

	cmd := exec.CommandContext(ctx, path, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, false, fmt.Errorf("pdftoppm: %w: %s", err, strings.TrimSpace(string(out)))
	}

	files, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, false, err
	}
	// pdftoppm zero-pads page numbers based on page count; sort numerically.
	sort.Slice(files, func(i, j int) bool { return pageNumber(files[i]) < pageNumber(files[j]) })

	truncated := false
	if maxPages > 0 && len(files) > maxPages {
		files = files[:maxPages]
		truncated = true
	}

	images := make([][]byte, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, false, err
		}
		images = append(images, data)
	}
	return images, truncated, nil
}

func pageNumber(path string) int {
	m := pageFileRe.FindStringSubmatch(path)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
