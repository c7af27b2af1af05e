// Package progress carries the pipeline's lifecycle events to whatever
// wants them. The pipeline emits; observers decide presentation. Nothing
// in here gates or reorders pipeline work.
package progress

import "time"

// Kind enumerates the lifecycle events the pipeline emits.
type Kind string

const (
	KindRunStarted      Kind = "run_started"
	KindRunCompleted    Kind = "run_completed"
	KindPhaseStarted    Kind = "phase_started"
	KindPhaseCompleted  Kind = "phase_completed"
	KindDocumentStarted Kind = "document_started"
	KindDocumentDone    Kind = "document_done"
	KindDocumentFailed  Kind = "document_failed"
	KindModelLoaded     Kind = "model_loaded"
	KindModelEvicted    Kind = "model_evicted"
	KindBatchSplit      Kind = "batch_split"
	KindBatchStarted    Kind = "batch_started"
	KindBatchDone       Kind = "batch_done"
	KindBatchFailed     Kind = "batch_failed"
	KindDeviceFallback  Kind = "device_fallback"
)

// Event is one pipeline lifecycle notification. Only the fields relevant
// to the Kind are set; the rest stay at their zero values.
type Event struct {
	Kind  Kind
	RunID string
	// Phase is 1 or 2, 0 for events outside a phase.
	Phase int
	// Document is the job ID for document-scoped events.
	Document string
	Path     string
	// Batch is the zero-based batch index for batch-scoped events.
	Batch int
	// Batches is the total batch count, set on KindBatchSplit.
	Batches int
	// Pages is the page count the event covers.
	Pages int
	// Documents is the job count, set on run-scoped events.
	Documents int
	Device    string
	Duration  time.Duration
	Err       string
}

// Observer receives pipeline lifecycle events. Implementations must be
// fast and must not panic; they run inline on pipeline goroutines.
type Observer interface {
	Observe(Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Observe(Event) {}

// Multi fans one event out to several observers in order.
type Multi []Observer

func (m Multi) Observe(e Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(e)
		}
	}
}

// NewMulti builds a Multi, dropping nil observers. A single non-nil
// observer is returned as itself.
func NewMulti(obs ...Observer) Observer {
	var out Multi
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	default:
		return out
	}
}
