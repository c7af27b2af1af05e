package progress

import (
	"github.com/fpang/doc-ocr-cli/internal/metrics"
)

// Metrics emits an EMF document for the events worth charting. High-volume
// per-document and per-batch start events are skipped to keep log volume
// proportional to run count, not page count.
type Metrics struct{}

func (Metrics) Observe(e Event) {
	switch e.Kind {
	case KindRunCompleted:
		metrics.New(metrics.Namespace).
			Dimension("Operation", "run").
			Timing("RunDurationMs", e.Duration).
			Metric("DocumentCount", float64(e.Documents), metrics.UnitCount).
			Property("runId", e.RunID).
			Flush()

	case KindPhaseCompleted:
		name := "Phase1Ms"
		if e.Phase == 2 {
			name = "Phase2Ms"
		}
		metrics.New(metrics.Namespace).
			Dimension("Operation", "phase").
			Timing(name, e.Duration).
			Property("runId", e.RunID).
			Flush()

	case KindModelLoaded:
		metrics.New(metrics.Namespace).
			Dimension("Operation", "model").
			Dimension("Device", e.Device).
			Timing("ModelLoadMs", e.Duration).
			Flush()

	case KindDocumentFailed:
		metrics.New(metrics.Namespace).
			Dimension("Operation", "phase1").
			Count("DocumentFailures").
			Property("runId", e.RunID).
			Property("document", e.Document).
			Flush()

	case KindBatchFailed:
		metrics.New(metrics.Namespace).
			Dimension("Operation", "phase2").
			Count("BatchFailures").
			Property("runId", e.RunID).
			Property("batch", e.Batch).
			Flush()

	case KindDeviceFallback:
		metrics.New(metrics.Namespace).
			Dimension("Operation", "phase2").
			Dimension("Device", e.Device).
			Count("DeviceFallbacks").
			Flush()
	}
}
