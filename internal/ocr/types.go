// Package ocr defines the engine contracts the pipeline orchestrates and
// the result types shared between the pipeline, the batch coordinator, and
// the surface binaries.
package ocr

import (
	"time"

	"github.com/fpang/doc-ocr-cli/internal/jobs"
	"github.com/fpang/doc-ocr-cli/internal/quality"
)

// Engine names which engine produced a page's current text.
type Engine string

const (
	EngineFast       Engine = "fast"
	EngineEscalation Engine = "escalation"
)

// Page is one page of one document. Text, Engine, and Quality are mutated
// in place: first by the fast pass, then again if the page is escalated.
type Page struct {
	// Index is zero-based within the owning document.
	Index int `json:"index"`
	Text  string `json:"text"`
	// Engine that produced the current Text.
	Engine  Engine         `json:"engine"`
	Quality quality.Result `json:"quality"`
	// Confidence holds the fast engine's token confidences when it
	// reported them; nil otherwise.
	Confidence *quality.Confidence `json:"-"`
}

// JobStatus is the lifecycle state of one document job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// DocumentJob is one input document with its accumulated pages and
// per-phase timings. The pipeline owns a job for the duration of a run;
// callers treat it as read-only once the run returns.
type DocumentJob struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	// WorkDir is the job's scratch directory for engine output.
	WorkDir string `json:"-"`
	// OutputPath is the fast engine's processed copy with a text layer,
	// empty until Phase 1 completes for this document.
	OutputPath string `json:"output_path,omitempty"`

	Pages  []Page    `json:"pages"`
	Status JobStatus `json:"status"`
	// Err describes the failure when Status is JobFailed. Failed jobs are
	// returned to the caller, never dropped.
	Err string `json:"error,omitempty"`

	Phase1Duration time.Duration `json:"phase1_duration"`
	Phase2Duration time.Duration `json:"phase2_duration"`
}

// NewDocumentJob creates a pending job for the given input document.
func NewDocumentJob(path, workDir string) *DocumentJob {
	return &DocumentJob{
		ID:      jobs.GenerateID("doc-"),
		Path:    path,
		WorkDir: workDir,
		Status:  JobPending,
	}
}

// Fail marks the job failed with an actionable description.
func (j *DocumentJob) Fail(err error) {
	j.Status = JobFailed
	if err != nil {
		j.Err = err.Error()
	}
}

// FlaggedPageCount reports how many pages are currently flagged.
func (j *DocumentJob) FlaggedPageCount() int {
	n := 0
	for i := range j.Pages {
		if j.Pages[i].Quality.Flagged {
			n++
		}
	}
	return n
}

// FastResult is what the fast engine hands back for one document.
type FastResult struct {
	// OutputPath points at the processed document with a text layer.
	OutputPath string
	PageCount  int
	// Confidences maps page index to the engine's token confidences for
	// that page. Pages absent from the map had none reported.
	Confidences map[int]*quality.Confidence
}

// PageImage is one rendered page handed to the escalation engine.
type PageImage struct {
	// Index is the page's zero-based index in its origin document, kept
	// for logging; batch order, not this value, maps results back.
	Index    int
	Data     []byte
	MIMEType string
}
