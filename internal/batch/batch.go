// Package batch aggregates flagged pages across documents into escalation
// work units and maps engine output back to its origin pages. Position
// indices are assigned once at collection time and never renumbered;
// order within a batch is the sole mapping between request and response.
package batch

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fpang/doc-ocr-cli/internal/config"
	"github.com/fpang/doc-ocr-cli/internal/device"
	"github.com/fpang/doc-ocr-cli/internal/ocr"
	"github.com/fpang/doc-ocr-cli/internal/quality"
)

// FlaggedPage is a cross-document reference to one page awaiting
// escalation: the owning job, the page's index within it, and a position
// index that stays stable across any batch splitting.
type FlaggedPage struct {
	Job       *ocr.DocumentJob
	PageIndex int
	Position  int
}

// Batch is an ordered list of flagged pages sized for a single escalation
// engine invocation.
type Batch struct {
	Index int
	Pages []FlaggedPage
}

// CollectFlaggedPages scans jobs in order and gathers every flagged page,
// assigning position indices 0..n-1. Failed jobs are skipped; their pages
// carry no usable flag state.
func CollectFlaggedPages(jobs []*ocr.DocumentJob) []FlaggedPage {
	return collect(jobs, false)
}

// CollectAllPages gathers every page of every non-failed job, flagged or
// not. This backs the always-escalate override.
func CollectAllPages(jobs []*ocr.DocumentJob) []FlaggedPage {
	return collect(jobs, true)
}

func collect(jobs []*ocr.DocumentJob, all bool) []FlaggedPage {
	var out []FlaggedPage
	for _, job := range jobs {
		if job.Status == ocr.JobFailed {
			continue
		}
		for i := range job.Pages {
			if !all && !job.Pages[i].Quality.Flagged {
				continue
			}
			out = append(out, FlaggedPage{
				Job:       job,
				PageIndex: i,
				Position:  len(out),
			})
		}
	}
	log.Debug().Int("pages", len(out)).Int("documents", len(jobs)).Bool("all", all).Msg("Collected escalation targets")
	return out
}

// SafeBatchSize computes how many pages one escalation call may carry on
// the given device: usable memory divided by the per-page cost estimate,
// clamped to [1, max]. A budget smaller than one page's cost still yields
// one page per batch.
func SafeBatchSize(cfg config.BatchConfig, dev device.Info) int {
	perPage := cfg.MemoryPerPageMB
	if perPage <= 0 {
		perPage = 1
	}
	size := dev.MemoryMB / perPage
	if size < 1 {
		size = 1
	}
	if cfg.MaxBatchPages > 0 && size > cfg.MaxBatchPages {
		size = cfg.MaxBatchPages
	}
	return size
}

// SplitIntoBatches partitions the collection into batches at or below the
// safe size for the device. Position indices pass through untouched; the
// multiset of positions across all returned batches must equal the input,
// and a mismatch panics as a programming error.
func SplitIntoBatches(pages []FlaggedPage, cfg config.BatchConfig, dev device.Info) []Batch {
	if len(pages) == 0 {
		return nil
	}

	safe := SafeBatchSize(cfg, dev)
	var out []Batch
	for start := 0; start < len(pages); start += safe {
		end := start + safe
		if end > len(pages) {
			end = len(pages)
		}
		out = append(out, Batch{Index: len(out), Pages: pages[start:end]})
	}

	assertPositionsPreserved(pages, out)

	if len(out) > 1 {
		log.Info().
			Int("pages", len(pages)).
			Int("batches", len(out)).
			Int("safeSize", safe).
			Str("device", string(dev.Kind)).
			Msg("Flagged pages split across batches")
	}
	return out
}

// assertPositionsPreserved panics unless the position multiset survived
// the split exactly: no loss, no duplication, no renumbering.
func assertPositionsPreserved(in []FlaggedPage, out []Batch) {
	counts := make(map[int]int, len(in))
	for _, p := range in {
		counts[p.Position]++
	}
	total := 0
	for _, b := range out {
		total += len(b.Pages)
		for _, p := range b.Pages {
			counts[p.Position]--
			if counts[p.Position] < 0 {
				panic(fmt.Sprintf("batch split corrupted position %d (duplicated or invented)", p.Position))
			}
		}
	}
	if total != len(in) {
		panic(fmt.Sprintf("batch split changed page count from %d to %d", len(in), total))
	}
}

// MapResultsToDocuments writes one batch's escalation output back to the
// origin pages, re-scores each with the analyzer, and marks the pages as
// escalation-engine text. Output must hold exactly one text per batch
// page in batch order; a length mismatch is a mapping failure and leaves
// every page in the batch at its Phase 1 state.
func MapResultsToDocuments(b Batch, texts []string, analyzer *quality.Analyzer) error {
	if len(texts) != len(b.Pages) {
		return fmt.Errorf("batch %d: escalation returned %d texts for %d pages", b.Index, len(texts), len(b.Pages))
	}

	for i, fp := range b.Pages {
		if fp.PageIndex < 0 || fp.PageIndex >= len(fp.Job.Pages) {
			return fmt.Errorf("batch %d: position %d references page %d outside document %s",
				b.Index, fp.Position, fp.PageIndex, fp.Job.ID)
		}
		page := &fp.Job.Pages[fp.PageIndex]
		page.Text = texts[i]
		page.Engine = ocr.EngineEscalation
		// The escalation engine reports no token confidences; the
		// confidence signal falls back to its neutral default.
		page.Confidence = nil
		page.Quality = analyzer.Analyze(texts[i], nil)

		log.Debug().
			Str("document", fp.Job.ID).
			Int("page", fp.PageIndex).
			Int("position", fp.Position).
			Float64("score", page.Quality.Composite).
			Bool("flagged", page.Quality.Flagged).
			Msg("Escalation result mapped back")
	}
	return nil
}
