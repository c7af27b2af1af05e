// Package pipeline drives the two-phase document flow: a parallel fast
// pass over every document, a full barrier, then sequential batched
// escalation of the pages the analyzer flagged. Failures stay local to
// their page, document, or batch; only configuration and strict-mode
// device errors abort a run.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/doc-ocr-cli/internal/config"
	"github.com/fpang/doc-ocr-cli/internal/device"
	"github.com/fpang/doc-ocr-cli/internal/jobs"
	"github.com/fpang/doc-ocr-cli/internal/modelcache"
	"github.com/fpang/doc-ocr-cli/internal/ocr"
	"github.com/fpang/doc-ocr-cli/internal/progress"
	"github.com/fpang/doc-ocr-cli/internal/quality"
)

// State is the run's position in its lifecycle.
type State string

const (
	StateStart         State = "start"
	StatePhase1Running State = "phase1_running"
	StatePhase1Done    State = "phase1_done"
	StatePhase2Running State = "phase2_running"
	StatePhase2Done    State = "phase2_done"
	StateDone          State = "done"
)

// BatchFailure records one contained Phase 2 failure. The batch's pages
// keep their Phase 1 text and scores.
type BatchFailure struct {
	Batch int    `json:"batch"`
	Pages int    `json:"pages"`
	Err   string `json:"error"`
}

// Result is everything a run hands back to the caller: every job,
// including failed ones, plus run-level metadata. Callers own artifact
// writing; WorkDir holds the engines' output until they are done with it.
type Result struct {
	RunID   string             `json:"run_id"`
	State   State              `json:"state"`
	Jobs    []*ocr.DocumentJob `json:"jobs"`
	WorkDir string             `json:"-"`

	// Escalated counts pages Phase 2 rewrote; Device is the backend that
	// produced them, empty when Phase 2 never ran.
	Escalated     int            `json:"escalated"`
	Device        string         `json:"device,omitempty"`
	BatchFailures []BatchFailure `json:"batch_failures,omitempty"`

	Phase1Duration time.Duration `json:"phase1_duration"`
	Phase2Duration time.Duration `json:"phase2_duration"`
	TotalDuration  time.Duration `json:"total_duration"`
}

// Deps are the collaborators a pipeline orchestrates. Analyzer, Devices,
// Models, Fast, Escalation, and Extractor are required; Renderer is
// required unless escalation is disabled; a nil Observer discards events;
// a nil Signals skips image probing.
type Deps struct {
	Analyzer   *quality.Analyzer
	Devices    *device.Manager
	Models     *modelcache.Manager
	Fast       ocr.FastEngine
	Escalation ocr.EscalationEngine
	Extractor  ocr.TextExtractor
	Renderer   ocr.PageRenderer
	Signals    ocr.SignalProber
	Observer   progress.Observer
}

// Pipeline runs documents through both phases. Safe for sequential reuse;
// a single run owns its jobs until Run returns.
type Pipeline struct {
	cfg  config.Config
	deps Deps
	obs  progress.Observer
}

// New validates the wiring and returns a ready pipeline.
func New(cfg config.Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Analyzer == nil:
		return nil, fmt.Errorf("pipeline: analyzer is required")
	case deps.Devices == nil:
		return nil, fmt.Errorf("pipeline: device manager is required")
	case deps.Models == nil:
		return nil, fmt.Errorf("pipeline: model cache is required")
	case deps.Fast == nil:
		return nil, fmt.Errorf("pipeline: fast engine is required")
	case deps.Escalation == nil:
		return nil, fmt.Errorf("pipeline: escalation engine is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("pipeline: text extractor is required")
	}
	obs := deps.Observer
	if obs == nil {
		obs = progress.Nop{}
	}
	return &Pipeline{cfg: cfg, deps: deps, obs: obs}, nil
}

// Run processes the given documents through Phase 1, and through Phase 2
// when any page is flagged (or the always-escalate override is set). The
// returned Result is complete even when documents or batches failed.
func (p *Pipeline) Run(ctx context.Context, paths []string) (*Result, error) {
	return p.RunWithID(ctx, jobs.GenerateID("run-"), paths)
}

// RunWithID is Run with a caller-supplied run identifier, for callers that
// correlate the run with an external event or storage key.
func (p *Pipeline) RunWithID(ctx context.Context, runID string, paths []string) (*Result, error) {
	runStart := time.Now()
	res := &Result{
		RunID: runID,
		State: StateStart,
	}

	workDir, err := os.MkdirTemp("", "dococr-run-*")
	if err != nil {
		return nil, fmt.Errorf("creating run work directory: %w", err)
	}
	res.WorkDir = workDir

	for i, path := range paths {
		jobDir := filepath.Join(workDir, fmt.Sprintf("doc-%03d", i))
		res.Jobs = append(res.Jobs, ocr.NewDocumentJob(path, jobDir))
	}

	log.Info().
		Str("runId", res.RunID).
		Int("documents", len(res.Jobs)).
		Str("workDir", workDir).
		Msg("Run started")
	p.obs.Observe(progress.Event{
		Kind:      progress.KindRunStarted,
		RunID:     res.RunID,
		Documents: len(res.Jobs),
	})

	// Phase 1: every document in parallel, full barrier at the end.
	p.setState(res, StatePhase1Running)
	phase1Start := time.Now()
	p.obs.Observe(progress.Event{Kind: progress.KindPhaseStarted, RunID: res.RunID, Phase: 1})

	if err := p.runPhase1(ctx, res); err != nil {
		return res, err
	}

	res.Phase1Duration = time.Since(phase1Start)
	p.setState(res, StatePhase1Done)
	p.obs.Observe(progress.Event{
		Kind:     progress.KindPhaseCompleted,
		RunID:    res.RunID,
		Phase:    1,
		Duration: res.Phase1Duration,
	})

	// Phase 2 runs only with complete flag information from every
	// document, which the barrier above guarantees.
	if p.needsEscalation(res.Jobs) {
		p.setState(res, StatePhase2Running)
		phase2Start := time.Now()
		p.obs.Observe(progress.Event{Kind: progress.KindPhaseStarted, RunID: res.RunID, Phase: 2})

		if err := p.runPhase2(ctx, res); err != nil {
			return res, err
		}

		res.Phase2Duration = time.Since(phase2Start)
		p.setState(res, StatePhase2Done)
		p.obs.Observe(progress.Event{
			Kind:     progress.KindPhaseCompleted,
			RunID:    res.RunID,
			Phase:    2,
			Duration: res.Phase2Duration,
		})
	}

	p.setState(res, StateDone)
	res.TotalDuration = time.Since(runStart)

	log.Info().
		Str("runId", res.RunID).
		Int("documents", len(res.Jobs)).
		Int("escalated", res.Escalated).
		Int("batchFailures", len(res.BatchFailures)).
		Dur("duration", res.TotalDuration).
		Msg("Run completed")
	p.obs.Observe(progress.Event{
		Kind:      progress.KindRunCompleted,
		RunID:     res.RunID,
		Documents: len(res.Jobs),
		Pages:     res.Escalated,
		Device:    res.Device,
		Duration:  res.TotalDuration,
	})
	return res, nil
}

func (p *Pipeline) setState(res *Result, s State) {
	log.Debug().Str("runId", res.RunID).Str("from", string(res.State)).Str("to", string(s)).Msg("Run state change")
	res.State = s
}

// needsEscalation applies the Phase 2 entry condition.
func (p *Pipeline) needsEscalation(docJobs []*ocr.DocumentJob) bool {
	if p.cfg.Pipeline.SkipEscalation {
		return false
	}
	if p.cfg.Pipeline.AlwaysEscalate {
		return true
	}
	for _, j := range docJobs {
		if j.Status != ocr.JobFailed && j.FlaggedPageCount() > 0 {
			return true
		}
	}
	return false
}

// runPhase1 fans documents out to a bounded worker pool and blocks until
// every one has finished or failed. Per-document failures are recorded on
// the job and never abort siblings; only parent-context cancellation
// stops the run.
func (p *Pipeline) runPhase1(ctx context.Context, res *Result) error {
	workers := effectiveWorkers(p.cfg.Pipeline, len(res.Jobs))
	log.Debug().
		Int("workers", workers).
		Int("documents", len(res.Jobs)).
		Int("cores", runtime.NumCPU()).
		Msg("Phase 1 worker pool sized")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, job := range res.Jobs {
		g.Go(func() error {
			p.processDocument(gctx, res.RunID, job)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("phase 1 interrupted: %w", err)
	}
	return nil
}

// processDocument runs the fast engine over one document under its own
// timeout, then extracts and scores every page.
func (p *Pipeline) processDocument(ctx context.Context, runID string, job *ocr.DocumentJob) {
	start := time.Now()
	job.Status = ocr.JobRunning
	p.obs.Observe(progress.Event{
		Kind:     progress.KindDocumentStarted,
		RunID:    runID,
		Phase:    1,
		Document: job.ID,
		Path:     job.Path,
	})

	dctx := ctx
	if t := p.cfg.Pipeline.DocumentTimeout.Std(); t > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	err := p.fastPass(dctx, job)
	job.Phase1Duration = time.Since(start)
	if err != nil {
		job.Fail(err)
		log.Warn().
			Str("document", job.ID).
			Str("path", job.Path).
			Err(err).
			Msg("Document failed in Phase 1")
		p.obs.Observe(progress.Event{
			Kind:     progress.KindDocumentFailed,
			RunID:    runID,
			Phase:    1,
			Document: job.ID,
			Path:     job.Path,
			Err:      err.Error(),
		})
		return
	}

	job.Status = ocr.JobDone
	p.obs.Observe(progress.Event{
		Kind:     progress.KindDocumentDone,
		RunID:    runID,
		Phase:    1,
		Document: job.ID,
		Path:     job.Path,
		Pages:    len(job.Pages),
		Duration: job.Phase1Duration,
	})
}

// fastPass invokes the fast engine and populates the job's pages with
// extracted text and quality scores.
func (p *Pipeline) fastPass(ctx context.Context, job *ocr.DocumentJob) error {
	if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
		return fmt.Errorf("creating document work directory: %w", err)
	}

	fastRes, err := p.deps.Fast.Process(ctx, job.Path, job.WorkDir)
	if err != nil {
		return fmt.Errorf("%s: %w", p.deps.Fast.Name(), err)
	}
	job.OutputPath = fastRes.OutputPath

	// Image documents are probed once; every page shares the signals.
	// PDFs and probe failures score on text alone.
	var sig *quality.ImageSignals
	if p.deps.Signals != nil {
		if s, err := p.deps.Signals.ProbeFile(job.Path); err != nil {
			log.Debug().Str("document", job.ID).Err(err).Msg("Image signals unavailable")
		} else {
			sig = s
		}
	}

	job.Pages = make([]ocr.Page, 0, fastRes.PageCount)
	for i := 0; i < fastRes.PageCount; i++ {
		text, err := p.deps.Extractor.PageText(ctx, fastRes.OutputPath, i)
		if err != nil {
			// An unreadable page scores as empty text, which flags it
			// for escalation rather than failing the document.
			log.Warn().
				Str("document", job.ID).
				Int("page", i).
				Err(err).
				Msg("Page text extraction failed")
			text = ""
		}
		conf := fastRes.Confidences[i]
		job.Pages = append(job.Pages, ocr.Page{
			Index:      i,
			Text:       text,
			Engine:     ocr.EngineFast,
			Confidence: conf,
			Quality:    p.deps.Analyzer.AnalyzeWithImage(text, conf, sig),
		})
	}

	log.Debug().
		Str("document", job.ID).
		Int("pages", len(job.Pages)).
		Int("flagged", job.FlaggedPageCount()).
		Msg("Fast pass complete")
	return nil
}

// effectiveWorkers sizes the Phase 1 pool so workers times per-worker
// engine threads never exceeds the core count, and never exceeds the
// document count.
func effectiveWorkers(cfg config.PipelineConfig, docs int) int {
	if docs < 1 {
		return 1
	}
	w := cfg.Workers
	if w <= 0 {
		threads := cfg.PerWorkerThreads
		if threads < 1 {
			threads = 1
		}
		w = runtime.NumCPU() / threads
	}
	if w < 1 {
		w = 1
	}
	if w > docs {
		w = docs
	}
	return w
}
