package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/doc-ocr-cli/internal/batch"
	"github.com/fpang/doc-ocr-cli/internal/device"
	"github.com/fpang/doc-ocr-cli/internal/modelcache"
	"github.com/fpang/doc-ocr-cli/internal/ocr"
	"github.com/fpang/doc-ocr-cli/internal/progress"
)

// runPhase2 escalates flagged pages batch by batch. One logical thread of
// control owns the model cache for the whole sequence: batches run
// strictly one after another, and parallelism comes from page batching,
// not concurrent escalation workers.
func (p *Pipeline) runPhase2(ctx context.Context, res *Result) error {
	pages := p.collectTargets(res.Jobs)
	if len(pages) == 0 {
		log.Debug().Str("runId", res.RunID).Msg("No escalation targets")
		return nil
	}

	entry, err := p.deps.Models.GetModels(ctx, nil)
	if err != nil {
		entry, err = p.recoverModels(ctx, res, err)
		if err != nil {
			return err
		}
		if entry == nil {
			// Unrecoverable but contained: every batch keeps Phase 1 text.
			p.recordPhase2Skipped(res, pages)
			return nil
		}
	}
	res.Device = string(entry.Device.Kind)

	batches := batch.SplitIntoBatches(pages, p.cfg.Batch, entry.Device)
	p.obs.Observe(progress.Event{
		Kind:    progress.KindBatchSplit,
		RunID:   res.RunID,
		Phase:   2,
		Batches: len(batches),
		Pages:   len(pages),
	})

	for _, b := range batches {
		entry, err = p.processBatch(ctx, res, b, entry)
		if err != nil {
			return err
		}
	}
	return nil
}

// collectTargets picks the Phase 2 input set: flagged pages normally,
// every page under the always-escalate override.
func (p *Pipeline) collectTargets(docJobs []*ocr.DocumentJob) []batch.FlaggedPage {
	if p.cfg.Pipeline.AlwaysEscalate {
		return batch.CollectAllPages(docJobs)
	}
	return batch.CollectFlaggedPages(docJobs)
}

// processBatch runs one batch end to end: render, recognize, map back.
// Returns the entry to use for the next batch, which changes after a
// device fallback. The error return is non-nil only for strict-mode
// device failures, which abort the run; everything else is contained as
// a batch failure.
func (p *Pipeline) processBatch(ctx context.Context, res *Result, b batch.Batch, entry *modelcache.Entry) (*modelcache.Entry, error) {
	batchStart := time.Now()
	p.obs.Observe(progress.Event{
		Kind:  progress.KindBatchStarted,
		RunID: res.RunID,
		Phase: 2,
		Batch: b.Index,
		Pages: len(b.Pages),
	})

	texts, attemptErr := p.attemptBatch(ctx, b, entry)
	if attemptErr != nil && ocr.IsRetryableResource(attemptErr) {
		if p.cfg.Device.Strict {
			return nil, &device.ValidationError{
				Kind: entry.Device.Kind,
				Err:  fmt.Errorf("escalation failed in strict mode: %w", attemptErr),
			}
		}

		fresh, ferr := p.fallbackReload(ctx, res, entry, attemptErr)
		if ferr != nil {
			p.recordBatchFailure(res, b, fmt.Errorf("%w (fallback failed: %v)", attemptErr, ferr))
			return entry, nil
		}
		entry = fresh
		res.Device = string(entry.Device.Kind)
		texts, attemptErr = p.attemptBatch(ctx, b, entry)
	}
	if attemptErr != nil {
		p.recordBatchFailure(res, b, attemptErr)
		return entry, nil
	}

	if err := batch.MapResultsToDocuments(b, texts, p.deps.Analyzer); err != nil {
		p.recordBatchFailure(res, b, err)
		return entry, nil
	}

	elapsed := time.Since(batchStart)
	res.Escalated += len(b.Pages)
	for _, job := range batchJobs(b) {
		job.Phase2Duration += elapsed
	}
	p.obs.Observe(progress.Event{
		Kind:     progress.KindBatchDone,
		RunID:    res.RunID,
		Phase:    2,
		Batch:    b.Index,
		Pages:    len(b.Pages),
		Device:   string(entry.Device.Kind),
		Duration: elapsed,
	})
	return entry, nil
}

// attemptBatch renders the batch's pages and runs one recognition call
// under the batch timeout.
func (p *Pipeline) attemptBatch(ctx context.Context, b batch.Batch, entry *modelcache.Entry) ([]string, error) {
	bctx := ctx
	if t := p.cfg.Pipeline.BatchTimeout.Std(); t > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	images := make([]ocr.PageImage, 0, len(b.Pages))
	for _, fp := range b.Pages {
		docPath := fp.Job.OutputPath
		if docPath == "" {
			docPath = fp.Job.Path
		}
		img, err := p.deps.Renderer.RenderPage(bctx, docPath, fp.PageIndex, p.cfg.Escalation.RenderDPI)
		if err != nil {
			return nil, fmt.Errorf("rendering page %d of %s: %w", fp.PageIndex, fp.Job.ID, err)
		}
		images = append(images, img)
	}

	texts, err := p.deps.Escalation.RecognizeBatch(bctx, entry.Handle, images)
	if err != nil {
		if bctx.Err() != nil && errors.Is(bctx.Err(), context.DeadlineExceeded) {
			// A batch timeout gets the same treatment as memory pressure.
			return nil, fmt.Errorf("batch %d timed out: %w", b.Index, context.DeadlineExceeded)
		}
		return nil, err
	}
	return texts, nil
}

// fallbackReload is the recovery sequence for a retryable Phase 2
// failure: invalidate the cached models, demote the device, and load
// fresh models there. When no lower backend exists the current device is
// revalidated and reloaded instead.
func (p *Pipeline) fallbackReload(ctx context.Context, res *Result, entry *modelcache.Entry, cause error) (*modelcache.Entry, error) {
	log.Warn().
		Str("runId", res.RunID).
		Str("device", string(entry.Device.Kind)).
		Err(cause).
		Msg("Escalation failed, attempting device fallback")

	p.deps.Models.Invalidate()

	dev, err := p.deps.Devices.Demote(ctx)
	if err != nil {
		// Already on the terminal backend; reload in place.
		log.Debug().Err(err).Msg("No lower backend, reloading on current device")
		dev = entry.Device
	}

	p.obs.Observe(progress.Event{
		Kind:   progress.KindDeviceFallback,
		RunID:  res.RunID,
		Phase:  2,
		Device: string(dev.Kind),
		Err:    cause.Error(),
	})

	fresh, err := p.deps.Models.GetModels(ctx, &dev)
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// recoverModels handles a failed initial model load with the same
// fallback policy as an in-flight batch failure. Returns (nil, nil) when
// Phase 2 cannot run but the run should continue on Phase 1 results.
func (p *Pipeline) recoverModels(ctx context.Context, res *Result, cause error) (*modelcache.Entry, error) {
	var verr *device.ValidationError
	if errors.As(cause, &verr) {
		return nil, cause
	}
	if !ocr.IsRetryableResource(cause) {
		log.Warn().Err(cause).Msg("Model load failed; keeping Phase 1 results")
		return nil, nil
	}
	if p.cfg.Device.Strict {
		return nil, cause
	}

	dev, err := p.deps.Devices.Demote(ctx)
	if err != nil {
		log.Warn().Err(cause).Msg("Model load failed with no fallback; keeping Phase 1 results")
		return nil, nil
	}
	p.obs.Observe(progress.Event{
		Kind:   progress.KindDeviceFallback,
		RunID:  res.RunID,
		Phase:  2,
		Device: string(dev.Kind),
		Err:    cause.Error(),
	})

	entry, err := p.deps.Models.GetModels(ctx, &dev)
	if err != nil {
		log.Warn().Err(err).Msg("Model reload failed; keeping Phase 1 results")
		return nil, nil
	}
	return entry, nil
}

// recordPhase2Skipped books every would-be batch as failed so the caller
// sees why no page was escalated.
func (p *Pipeline) recordPhase2Skipped(res *Result, pages []batch.FlaggedPage) {
	res.BatchFailures = append(res.BatchFailures, BatchFailure{
		Batch: 0,
		Pages: len(pages),
		Err:   "escalation models unavailable; pages keep fast-engine results",
	})
}

func (p *Pipeline) recordBatchFailure(res *Result, b batch.Batch, err error) {
	log.Warn().
		Str("runId", res.RunID).
		Int("batch", b.Index).
		Int("pages", len(b.Pages)).
		Err(err).
		Msg("Batch failed; pages keep Phase 1 results")
	res.BatchFailures = append(res.BatchFailures, BatchFailure{
		Batch: b.Index,
		Pages: len(b.Pages),
		Err:   err.Error(),
	})
	p.obs.Observe(progress.Event{
		Kind:  progress.KindBatchFailed,
		RunID: res.RunID,
		Phase: 2,
		Batch: b.Index,
		Pages: len(b.Pages),
		Err:   err.Error(),
	})
}

// batchJobs returns the distinct jobs a batch touches, in batch order.
func batchJobs(b batch.Batch) []*ocr.DocumentJob {
	seen := make(map[string]bool, len(b.Pages))
	var out []*ocr.DocumentJob
	for _, fp := range b.Pages {
		if !seen[fp.Job.ID] {
			seen[fp.Job.ID] = true
			out = append(out, fp.Job)
		}
	}
	return out
}
