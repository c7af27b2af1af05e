// Package poppler shells out to the Poppler PDF utilities for page counting
// (pdfinfo), text-layer extraction (pdftotext), and page rasterization
// (pdftoppm). It backs both the pipeline's text extractor and its page
// renderer contracts.
//
// Poppler is used as an external tool rather than a Go PDF library because
// the searchable PDFs produced by the fast engine embed their text layer in
// generator-specific ways, and Poppler's extraction handles all of them with
// correct reading order.
package poppler

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// popplerTools are the binaries this package invokes.
var popplerTools = []string{"pdfinfo", "pdftotext", "pdftoppm"}

// CheckPopplerAvailable checks that the Poppler utilities are in the system
// PATH. Call at startup so a missing installation fails before any document
// is processed. Returns nil if all tools are available.
func CheckPopplerAvailable() error {
	for _, tool := range popplerTools {
		path, err := exec.LookPath(tool)
		if err != nil {
			return fmt.Errorf("%s not found in PATH: PDF processing will be unavailable. Install Poppler with: brew install poppler (macOS) or apt install poppler-utils (Linux)", tool)
		}
		log.Debug().Str("path", path).Msg("Poppler tool found")
	}
	return nil
}

// IsPopplerAvailable returns true if all Poppler utilities are in the system
// PATH. Convenience wrapper around CheckPopplerAvailable for boolean checks.
func IsPopplerAvailable() bool {
	return CheckPopplerAvailable() == nil
}

// run executes one Poppler tool and returns its stdout. On failure the
// tool's stderr is folded into the returned error.
func run(ctx context.Context, tool string, args ...string) ([]byte, error) {
	path, err := exec.LookPath(tool)
	if err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", tool, err)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s failed: %s: %w", tool, strings.TrimSpace(string(exitErr.Stderr)), err)
		}
		return nil, fmt.Errorf("%s failed: %w", tool, err)
	}
	return output, nil
}

// Extractor reads page counts and per-page text layers from PDF documents.
type Extractor struct{}

// PageCount returns the number of pages in the document via pdfinfo.
func (Extractor) PageCount(ctx context.Context, docPath string) (int, error) {
	output, err := run(ctx, "pdfinfo", docPath)
	if err != nil {
		return 0, err
	}

	n, err := parsePageCount(string(output))
	if err != nil {
		return 0, fmt.Errorf("parsing pdfinfo output for %s: %w", filepath.Base(docPath), err)
	}
	return n, nil
}

// PageText returns the text layer of one page (0-based index) via pdftotext,
// in reading order.
func (Extractor) PageText(ctx context.Context, docPath string, pageIndex int) (string, error) {
	if pageIndex < 0 {
		return "", fmt.Errorf("page index must be non-negative, got %d", pageIndex)
	}

	// pdftotext numbers pages from 1; "-" sends the text to stdout.
	page := strconv.Itoa(pageIndex + 1)
	output, err := run(ctx, "pdftotext",
		"-f", page,
		"-l", page,
		"-enc", "UTF-8",
		docPath, "-")
	if err != nil {
		return "", err
	}
	return string(output), nil
}

// parsePageCount extracts the page count from pdfinfo's key/value output.
func parsePageCount(info string) (int, error) {
	for _, line := range strings.Split(info, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(key) != "Pages" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("invalid page count %q: %w", strings.TrimSpace(value), err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("no Pages field in pdfinfo output")
}

// RenderPages rasterizes every page of a PDF to PNG files under outDir and
// returns the file paths in page order. Used to prepare PDF input for
// engines that only accept images.
func RenderPages(ctx context.Context, docPath, outDir string, dpi int) ([]string, error) {
	root := filepath.Join(outDir, "page")
	_, err := run(ctx, "pdftoppm",
		"-png",
		"-r", strconv.Itoa(dpi),
		docPath, root)
	if err != nil {
		return nil, err
	}

	// pdftoppm zero-pads page numbers, so a lexicographic sort is page order.
	paths, err := filepath.Glob(root + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("listing rendered pages: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages for %s", filepath.Base(docPath))
	}
	sort.Strings(paths)

	log.Debug().
		Str("document", filepath.Base(docPath)).
		Int("pages", len(paths)).
		Int("dpi", dpi).
		Msg("Rendered PDF pages to images")
	return paths, nil
}
