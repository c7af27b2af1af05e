package ocr

import (
	"context"

	"github.com/fpang/doc-ocr-cli/internal/device"
	"github.com/fpang/doc-ocr-cli/internal/quality"
)

// FastEngine is the Phase 1 collaborator: one invocation per document,
// producing a searchable copy and whatever confidence data the engine
// reports. Implementations run as external processes and must honor ctx
// cancellation.
type FastEngine interface {
	Name() string
	Process(ctx context.Context, inputPath, workDir string) (*FastResult, error)
}

// TextExtractor reads the current extractable text of a processed
// document. Both phases use it to pick up results after an engine runs.
type TextExtractor interface {
	PageCount(ctx context.Context, docPath string) (int, error)
	PageText(ctx context.Context, docPath string, pageIndex int) (string, error)
}

// PageRenderer rasterizes single pages for the escalation engine.
type PageRenderer interface {
	RenderPage(ctx context.Context, docPath string, pageIndex, dpi int) (PageImage, error)
}

// SignalProber estimates scan-quality signals from a source document that
// is itself an image. The signals feed the analyzer's advisory struggle
// categories; documents it cannot probe are scored on text alone.
type SignalProber interface {
	ProbeFile(path string) (*quality.ImageSignals, error)
}

// ModelHandle is the escalation engine's loaded model state: created once
// per device by LoadModels, reused for every inference call until
// released. Loading is the expensive step; the handle makes repeat
// invocations cheap.
type ModelHandle interface {
	// Device reports the backend the handle is bound to.
	Device() device.Info
	// Release frees device-side resources. The handle is unusable after.
	Release() error
}

// EscalationEngine is the Phase 2 collaborator. RecognizeBatch returns
// exactly one text per input page, in input order; order is the only
// mapping between request and response.
type EscalationEngine interface {
	Name() string
	LoadModels(ctx context.Context, dev device.Info) (ModelHandle, error)
	RecognizeBatch(ctx context.Context, handle ModelHandle, pages []PageImage) ([]string, error)
}
