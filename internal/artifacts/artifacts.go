// Package artifacts turns a completed pipeline run into files a caller can
// keep: per-document searchable PDFs, extracted text, per-page quality
// reports, and a run summary. Writers are composable; the CLI writes
// locally and optionally bundles, the Lambda worker writes locally and
// uploads.
package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/doc-ocr-cli/internal/ocr"
	"github.com/fpang/doc-ocr-cli/internal/pipeline"
	"github.com/fpang/doc-ocr-cli/internal/quality"
)

// Artifact filename suffixes.
const (
	suffixText    = ".txt"
	suffixQuality = ".quality.json"
	suffixPDF     = ".pdf"

	runSummaryName = "run.json"
)

// pageSeparator joins page texts in the .txt artifact. Form feed is the
// separator pdftotext emits, so downstream text tooling already splits on it.
const pageSeparator = "\f"

// LocalWriter writes run artifacts into a directory.
type LocalWriter struct {
	// Dir is the output directory. Created if absent.
	Dir string
}

// DocumentArtifacts lists the files written for one document.
type DocumentArtifacts struct {
	Base        string `json:"base"`
	PDFPath     string `json:"pdf,omitempty"`
	TextPath    string `json:"text,omitempty"`
	QualityPath string `json:"quality,omitempty"`
}

// RunSummary is the shape of run.json: everything about the run except the
// page texts, which live in the per-document artifacts.
type RunSummary struct {
	RunID         string                  `json:"run_id"`
	State         string                  `json:"state"`
	Documents     int                     `json:"documents"`
	Pages         int                     `json:"pages"`
	Flagged       int                     `json:"flagged"`
	Escalated     int                     `json:"escalated"`
	Device        string                  `json:"device,omitempty"`
	BatchFailures []pipeline.BatchFailure `json:"batch_failures,omitempty"`
	Phase1Ms      int64                   `json:"phase1_ms"`
	Phase2Ms      int64                   `json:"phase2_ms"`
	TotalMs       int64                   `json:"total_ms"`
	Results       []DocumentSummary       `json:"results"`
}

// DocumentSummary is one document's entry in run.json.
type DocumentSummary struct {
	Path      string            `json:"path"`
	Status    string            `json:"status"`
	Pages     int               `json:"pages"`
	Flagged   int               `json:"flagged"`
	Escalated int               `json:"escalated"`
	Error     string            `json:"error,omitempty"`
	Artifacts DocumentArtifacts `json:"artifacts,omitempty"`
}

// pageQuality is one page's entry in the .quality.json artifact.
type pageQuality struct {
	Index   int            `json:"index"`
	Engine  ocr.Engine     `json:"engine"`
	Quality quality.Result `json:"quality"`
}

// Write materializes all artifacts for a run. Failed documents get a
// summary entry but no files. Returns the summary that was written to
// run.json.
func (w *LocalWriter) Write(res *pipeline.Result) (*RunSummary, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}

	summary := &RunSummary{
		RunID:         res.RunID,
		State:         string(res.State),
		Documents:     len(res.Jobs),
		Escalated:     res.Escalated,
		Device:        res.Device,
		BatchFailures: res.BatchFailures,
		Phase1Ms:      res.Phase1Duration.Milliseconds(),
		Phase2Ms:      res.Phase2Duration.Milliseconds(),
		TotalMs:       res.TotalDuration.Milliseconds(),
	}

	seen := map[string]int{}
	for _, job := range res.Jobs {
		ds := DocumentSummary{
			Path:   job.Path,
			Status: string(job.Status),
			Pages:  len(job.Pages),
			Error:  job.Err,
		}
		for i := range job.Pages {
			if job.Pages[i].Quality.Flagged {
				ds.Flagged++
			}
			if job.Pages[i].Engine == ocr.EngineEscalation {
				ds.Escalated++
			}
		}
		summary.Pages += ds.Pages
		summary.Flagged += ds.Flagged

		if job.Status == ocr.JobDone {
			arts, err := w.writeDocument(job, uniqueBase(job.Path, seen))
			if err != nil {
				return nil, err
			}
			ds.Artifacts = arts
		}

		summary.Results = append(summary.Results, ds)
	}

	if err := writeJSON(filepath.Join(w.Dir, runSummaryName), summary); err != nil {
		return nil, err
	}

	log.Info().
		Str("runId", res.RunID).
		Str("dir", w.Dir).
		Int("documents", len(res.Jobs)).
		Msg("Run artifacts written")
	return summary, nil
}

// writeDocument writes one document's PDF copy, text, and quality report.
func (w *LocalWriter) writeDocument(job *ocr.DocumentJob, base string) (DocumentArtifacts, error) {
	arts := DocumentArtifacts{Base: base}

	if job.OutputPath != "" {
		dst := filepath.Join(w.Dir, base+suffixPDF)
		if err := copyFile(job.OutputPath, dst); err != nil {
			// The searchable copy lives in the run work directory; losing it
			// is not worth losing the text and quality artifacts over.
			log.Warn().Err(err).Str("document", job.ID).Msg("Searchable PDF copy failed")
		} else {
			arts.PDFPath = base + suffixPDF
		}
	}

	texts := make([]string, len(job.Pages))
	pages := make([]pageQuality, len(job.Pages))
	for i := range job.Pages {
		texts[i] = job.Pages[i].Text
		pages[i] = pageQuality{
			Index:   job.Pages[i].Index,
			Engine:  job.Pages[i].Engine,
			Quality: job.Pages[i].Quality,
		}
	}

	textPath := filepath.Join(w.Dir, base+suffixText)
	if err := os.WriteFile(textPath, []byte(strings.Join(texts, pageSeparator)+"\n"), 0o644); err != nil {
		return arts, fmt.Errorf("writing text artifact for %s: %w", job.ID, err)
	}
	arts.TextPath = base + suffixText

	qualityPath := filepath.Join(w.Dir, base+suffixQuality)
	if err := writeJSON(qualityPath, pages); err != nil {
		return arts, err
	}
	arts.QualityPath = base + suffixQuality

	return arts, nil
}

// uniqueBase derives a filesystem-safe artifact base name from a document
// path, deduplicating repeats across the run.
func uniqueBase(docPath string, seen map[string]int) string {
	name := filepath.Base(docPath)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = sanitizeName(name)

	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s-%d", name, n+1)
}

// sanitizeName replaces characters that are unsafe in artifact filenames.
func sanitizeName(name string) string {
	if name == "" {
		name = "document"
	}

	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == ' ' {
			return r
		}
		return '-'
	}, name)
	name = strings.TrimSpace(name)

	if len(name) > 50 {
		name = name[:50]
	}
	return name
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
