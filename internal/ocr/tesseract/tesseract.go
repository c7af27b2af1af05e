// Package tesseract runs the Tesseract OCR engine as a subprocess, producing
// a searchable PDF plus per-word confidences for the quality analyzer.
//
// Tesseract is invoked as an external tool rather than through cgo bindings
// so the binary stays portable and the engine version is whatever the host
// has installed. PDF input is rasterized through Poppler first; Tesseract
// itself only reads images.
package tesseract

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/doc-ocr-cli/internal/ocr"
	"github.com/fpang/doc-ocr-cli/internal/ocr/poppler"
	"github.com/fpang/doc-ocr-cli/internal/quality"
)

// DefaultRenderDPI is the rasterization resolution for PDF input. 300 DPI is
// the Tesseract-recommended resolution for body text.
const DefaultRenderDPI = 300

// iso639ToTesseract maps ISO 639-1 config codes to Tesseract traineddata
// names. Unlisted codes pass through unchanged, which covers languages
// where Tesseract already uses the three-letter ISO 639-2 form.
var iso639ToTesseract = map[string]string{
	"en": "eng",
	"de": "deu",
	"fr": "fra",
	"es": "spa",
	"it": "ita",
	"pt": "por",
	"nl": "nld",
	"pl": "pol",
	"sv": "swe",
	"da": "dan",
	"no": "nor",
	"fi": "fin",
	"cs": "ces",
	"tr": "tur",
	"ru": "rus",
	"ja": "jpn",
	"zh": "chi_sim",
	"ko": "kor",
	"ar": "ara",
}

// Engine is the fast-pass OCR engine.
type Engine struct {
	languages string
	threads   int
	renderDPI int
}

// New returns an engine for the given document languages (ISO 639-1 codes).
// threads pins Tesseract's internal OpenMP thread count per invocation;
// parallelism across documents is the caller's job, so 1 is the usual value.
func New(languages []string, threads int) *Engine {
	if threads < 1 {
		threads = 1
	}
	return &Engine{
		languages: tesseractLanguages(languages),
		threads:   threads,
		renderDPI: DefaultRenderDPI,
	}
}

// Name identifies the engine in errors and result metadata.
func (e *Engine) Name() string { return "tesseract" }

// CheckTesseractAvailable checks that the tesseract binary is in the system
// PATH. Call at startup so a missing installation fails before any document
// is processed.
func CheckTesseractAvailable() error {
	path, err := exec.LookPath("tesseract")
	if err != nil {
		return fmt.Errorf("tesseract not found in PATH: fast OCR will be unavailable. Install with: brew install tesseract (macOS) or apt install tesseract-ocr (Linux)")
	}
	log.Debug().Str("path", path).Msg("tesseract found")
	return nil
}

// IsTesseractAvailable returns true if the tesseract binary is in the system
// PATH. Convenience wrapper around CheckTesseractAvailable for boolean checks.
func IsTesseractAvailable() bool {
	return CheckTesseractAvailable() == nil
}

// Process OCRs one document into workDir, writing a searchable PDF and a TSV
// of word confidences. The *ocr.FastResult points at the PDF; confidences
// are keyed by 0-based page index.
func (e *Engine) Process(ctx context.Context, inputPath, workDir string) (*ocr.FastResult, error) {
	tessPath, err := exec.LookPath("tesseract")
	if err != nil {
		return nil, fmt.Errorf("tesseract not found in PATH: %w", err)
	}

	input, err := e.prepareInput(ctx, inputPath, workDir)
	if err != nil {
		return nil, err
	}

	outBase := filepath.Join(workDir, "fast")
	args := []string{
		input, outBase,
		"-l", e.languages,
		"--dpi", strconv.Itoa(e.renderDPI),
		"pdf", "tsv",
	}

	log.Debug().
		Str("input", filepath.Base(inputPath)).
		Str("languages", e.languages).
		Int("threads", e.threads).
		Msg("Running tesseract")

	start := time.Now()
	cmd := exec.CommandContext(ctx, tessPath, args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("OMP_NUM_THREADS=%d", e.threads))
	if _, err := cmd.Output(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("tesseract failed: %s: %w", strings.TrimSpace(string(exitErr.Stderr)), err)
		}
		return nil, fmt.Errorf("tesseract failed: %w", err)
	}

	tsvData, err := os.ReadFile(outBase + ".tsv")
	if err != nil {
		return nil, fmt.Errorf("reading tesseract TSV output: %w", err)
	}
	pageCount, confidences, err := parseTSV(string(tsvData))
	if err != nil {
		return nil, fmt.Errorf("parsing tesseract TSV output: %w", err)
	}

	log.Debug().
		Str("input", filepath.Base(inputPath)).
		Int("pages", pageCount).
		Dur("duration", time.Since(start)).
		Msg("Tesseract run complete")

	return &ocr.FastResult{
		OutputPath:  outBase + ".pdf",
		PageCount:   pageCount,
		Confidences: confidences,
	}, nil
}

// prepareInput returns a path Tesseract can consume directly. Images pass
// through; PDFs are rasterized page by page and referenced from a list file
// so one invocation still covers the whole document.
func (e *Engine) prepareInput(ctx context.Context, inputPath, workDir string) (string, error) {
	if strings.ToLower(filepath.Ext(inputPath)) != ".pdf" {
		return inputPath, nil
	}

	pagesDir := filepath.Join(workDir, "pages")
	if err := os.MkdirAll(pagesDir, 0o755); err != nil {
		return "", fmt.Errorf("creating page image directory: %w", err)
	}

	images, err := poppler.RenderPages(ctx, inputPath, pagesDir, e.renderDPI)
	if err != nil {
		return "", fmt.Errorf("rasterizing PDF for OCR: %w", err)
	}

	listPath := filepath.Join(workDir, "inputs.txt")
	if err := os.WriteFile(listPath, []byte(strings.Join(images, "\n")+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("writing input list: %w", err)
	}
	return listPath, nil
}

// tesseractLanguages converts ISO 639-1 codes to a "+"-joined Tesseract
// language string. Falls back to English when nothing maps.
func tesseractLanguages(languages []string) string {
	var mapped []string
	for _, lang := range languages {
		lang = strings.ToLower(strings.TrimSpace(lang))
		if lang == "" || lang == "auto" {
			continue
		}
		if tess, ok := iso639ToTesseract[lang]; ok {
			mapped = append(mapped, tess)
		} else {
			mapped = append(mapped, lang)
		}
	}
	if len(mapped) == 0 {
		return "eng"
	}
	return strings.Join(mapped, "+")
}

// TSV column indices. Tesseract emits one row per layout element; level 1
// rows are pages and level 5 rows are words.
const (
	tsvColLevel = 0
	tsvColPage  = 1
	tsvColConf  = 10
	tsvColText  = 11
	tsvColumns  = 12

	tsvLevelPage = "1"
	tsvLevelWord = "5"
)

// parseTSV extracts the page count and per-page word confidences from
// Tesseract's TSV output. Confidences are reported 0-100 and normalized to
// [0,1]; rows with confidence -1 are layout elements, not words.
func parseTSV(data string) (int, map[int]*quality.Confidence, error) {
	pageCount := 0
	confidences := make(map[int]*quality.Confidence)

	lines := strings.Split(data, "\n")
	for i, line := range lines {
		if i == 0 || strings.TrimSpace(line) == "" {
			// Header row or trailing newline.
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < tsvColumns {
			return 0, nil, fmt.Errorf("line %d: expected %d columns, got %d", i+1, tsvColumns, len(fields))
		}

		page, err := strconv.Atoi(fields[tsvColPage])
		if err != nil || page < 1 {
			return 0, nil, fmt.Errorf("line %d: invalid page number %q", i+1, fields[tsvColPage])
		}
		if page > pageCount {
			pageCount = page
		}

		if fields[tsvColLevel] != tsvLevelWord {
			continue
		}
		conf, err := strconv.ParseFloat(fields[tsvColConf], 64)
		if err != nil {
			return 0, nil, fmt.Errorf("line %d: invalid confidence %q", i+1, fields[tsvColConf])
		}
		if conf < 0 || strings.TrimSpace(fields[tsvColText]) == "" {
			continue
		}

		idx := page - 1
		c := confidences[idx]
		if c == nil {
			c = &quality.Confidence{}
			confidences[idx] = c
		}
		c.WordConfidences = append(c.WordConfidences, conf/100)
	}

	if pageCount == 0 {
		return 0, nil, fmt.Errorf("no page rows in TSV output")
	}
	return pageCount, confidences, nil
}
