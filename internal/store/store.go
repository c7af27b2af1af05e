// Package store provides persistent run-record storage for the Lambda
// deployment. It gives each OCR run a durable record that survives Lambda
// container recycling and lets downstream consumers poll run state without
// touching the artifact bucket.
//
// The package uses a single-table DynamoDB design where all records for a
// run share a partition key (RUN#{runId}). Sort keys distinguish record
// types: META for the run summary and DOC#{index} for per-document
// outcomes. A TTL attribute (expiresAt) auto-deletes records after 24
// hours, matching the artifact bucket lifecycle policy. Content
// fingerprints for duplicate-upload detection live under their own
// partition (FP#{fingerprint}) with a longer TTL.
package store

import (
	"context"
	"time"
)

// RunTTL is the default time-to-live for run and document records.
// Matches the artifact bucket lifecycle policy (24 hours).
const RunTTL = 24 * time.Hour

// FingerprintTTL is the time-to-live for dedup fingerprint records. Longer
// than RunTTL so a re-upload days later still skips reprocessing.
const FingerprintTTL = 7 * 24 * time.Hour

// Run status values.
const (
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunStore defines the persistence interface for OCR run state.
// Each method is safe for concurrent use. Implementations must handle
// context cancellation and propagate errors with sufficient detail for
// debugging.
//
// All Get methods return (nil, nil) when the requested record does not
// exist. All Put methods perform full-item replacement (upsert semantics).
type RunStore interface {
	// PutRun creates or replaces a run summary record.
	PutRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run summary by ID. Returns nil, nil if not found.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// UpdateRunStatus atomically updates the status field of a run without
	// overwriting other fields. Uses DynamoDB UpdateItem.
	UpdateRunStatus(ctx context.Context, runID, status string) error

	// PutDocumentResult creates or replaces one per-document outcome record.
	PutDocumentResult(ctx context.Context, runID string, doc *DocumentResult) error

	// GetDocumentResults retrieves every document record for a run, in
	// document order.
	GetDocumentResults(ctx context.Context, runID string) ([]*DocumentResult, error)

	// ListRuns retrieves up to limit run summaries, newest first.
	// limit <= 0 means no limit.
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	// DeleteRun deletes the run summary and all its document records.
	// Returns the list of deleted sort key values for logging.
	DeleteRun(ctx context.Context, runID string) ([]string, error)
}

// --- Domain types ---
//
// Each type maps to a DynamoDB record. The ID, RunID, and Index fields are
// derived from PK/SK on read and excluded from DynamoDB attributes on write
// (via dynamodbav:"-"). All other fields are stored as DynamoDB attributes.

// Run is the run summary record (DynamoDB SK = META).
type Run struct {
	ID            string               `json:"id" dynamodbav:"-"`
	Status        string               `json:"status" dynamodbav:"status"`
	Source        string               `json:"source,omitempty" dynamodbav:"source,omitempty"`
	Documents     int                  `json:"documents" dynamodbav:"documents"`
	Pages         int                  `json:"pages" dynamodbav:"pages"`
	Flagged       int                  `json:"flagged" dynamodbav:"flagged"`
	Escalated     int                  `json:"escalated" dynamodbav:"escalated"`
	Device        string               `json:"device,omitempty" dynamodbav:"device,omitempty"`
	BatchFailures []BatchFailureRecord `json:"batchFailures,omitempty" dynamodbav:"batchFailures,omitempty"`
	Phase1Ms      int64                `json:"phase1Ms" dynamodbav:"phase1Ms"`
	Phase2Ms      int64                `json:"phase2Ms" dynamodbav:"phase2Ms"`
	TotalMs       int64                `json:"totalMs" dynamodbav:"totalMs"`
	Error         string               `json:"error,omitempty" dynamodbav:"error,omitempty"`
	CreatedAt     int64                `json:"createdAt" dynamodbav:"createdAt"`
}

// BatchFailureRecord is one contained Phase 2 batch failure.
type BatchFailureRecord struct {
	Batch int    `json:"batch" dynamodbav:"batch"`
	Pages int    `json:"pages" dynamodbav:"pages"`
	Error string `json:"error" dynamodbav:"error"`
}

// DocumentResult is one per-document outcome record
// (DynamoDB SK = DOC#{index}).
type DocumentResult struct {
	Index      int    `json:"index" dynamodbav:"-"`
	RunID      string `json:"-" dynamodbav:"-"`
	Path       string `json:"path" dynamodbav:"path"`
	Status     string `json:"status" dynamodbav:"status"`
	Pages      int    `json:"pages" dynamodbav:"pages"`
	Flagged    int    `json:"flagged" dynamodbav:"flagged"`
	Escalated  int    `json:"escalated" dynamodbav:"escalated"`
	OutputKey  string `json:"outputKey,omitempty" dynamodbav:"outputKey,omitempty"`
	TextKey    string `json:"textKey,omitempty" dynamodbav:"textKey,omitempty"`
	Error      string `json:"error,omitempty" dynamodbav:"error,omitempty"`
	DurationMs int64  `json:"durationMs" dynamodbav:"durationMs"`
}

// FingerprintRecord maps a content fingerprint to the run that already
// processed it (DynamoDB PK = FP#{fingerprint}, SK = META).
type FingerprintRecord struct {
	Fingerprint string `json:"fingerprint" dynamodbav:"-"`
	RunID       string `json:"runId" dynamodbav:"runId"`
	OutputKey   string `json:"outputKey,omitempty" dynamodbav:"outputKey,omitempty"`
	ProcessedAt int64  `json:"processedAt" dynamodbav:"processedAt"`
}
