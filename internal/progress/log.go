package progress

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger writes events as structured log lines. Routine per-document and
// per-batch traffic logs at DEBUG; phase transitions and model lifecycle
// at INFO; failures and fallbacks at WARN.
type Logger struct{}

func (Logger) Observe(e Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case KindDocumentFailed, KindBatchFailed, KindDeviceFallback:
		ev = log.Warn()
	case KindRunStarted, KindRunCompleted, KindPhaseStarted, KindPhaseCompleted,
		KindModelLoaded, KindModelEvicted, KindBatchSplit:
		ev = log.Info()
	default:
		ev = log.Debug()
	}

	ev = ev.Str("event", string(e.Kind))
	if e.RunID != "" {
		ev = ev.Str("runId", e.RunID)
	}
	if e.Phase != 0 {
		ev = ev.Int("phase", e.Phase)
	}
	if e.Document != "" {
		ev = ev.Str("document", e.Document)
	}
	if e.Path != "" {
		ev = ev.Str("path", e.Path)
	}
	if e.Kind == KindBatchSplit {
		ev = ev.Int("batches", e.Batches)
	}
	if e.Kind == KindBatchStarted || e.Kind == KindBatchDone || e.Kind == KindBatchFailed {
		ev = ev.Int("batch", e.Batch)
	}
	if e.Pages != 0 {
		ev = ev.Int("pages", e.Pages)
	}
	if e.Device != "" {
		ev = ev.Str("device", e.Device)
	}
	if e.Duration != 0 {
		ev = ev.Dur("duration", e.Duration)
	}
	if e.Err != "" {
		ev = ev.Str("error", e.Err)
	}
	ev.Msg("Pipeline event")
}
