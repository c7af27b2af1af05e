// Package main provides the Lambda entry point for cloud OCR runs.
//
// This Lambda is triggered by S3 ObjectCreated events on the document
// bucket. For each uploaded document it:
//
//  1. Validates the extension and skips keys under the results prefix
//  2. Fingerprints the object and skips re-uploads already processed
//  3. Runs the two-phase OCR pipeline on the CPU
//  4. Uploads text, quality, and summary artifacts to the results prefix
//  5. Writes the run record and per-document outcome to DynamoDB
//  6. Emits EMF metrics and an EventBridge completion event
//
// Container: Heavy (tesseract and poppler binaries baked into the image)
// Memory: 2 GB
// Timeout: 15 minutes
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fpang/doc-ocr-cli/internal/artifacts"
	"github.com/fpang/doc-ocr-cli/internal/config"
	"github.com/fpang/doc-ocr-cli/internal/device"
	"github.com/fpang/doc-ocr-cli/internal/document"
	"github.com/fpang/doc-ocr-cli/internal/lambdaboot"
	"github.com/fpang/doc-ocr-cli/internal/logging"
	"github.com/fpang/doc-ocr-cli/internal/metrics"
	"github.com/fpang/doc-ocr-cli/internal/modelcache"
	"github.com/fpang/doc-ocr-cli/internal/ocr"
	"github.com/fpang/doc-ocr-cli/internal/ocr/gemini"
	"github.com/fpang/doc-ocr-cli/internal/ocr/poppler"
	"github.com/fpang/doc-ocr-cli/internal/ocr/tesseract"
	"github.com/fpang/doc-ocr-cli/internal/pipeline"
	"github.com/fpang/doc-ocr-cli/internal/progress"
	"github.com/fpang/doc-ocr-cli/internal/quality"
	"github.com/fpang/doc-ocr-cli/internal/s3util"
	"github.com/fpang/doc-ocr-cli/internal/store"
)

var coldStart = true

// AWS clients and the pipeline, initialized at cold start.
var (
	s3Clients     lambdaboot.S3Clients
	runStore      *store.DynamoStore
	eventsClient  *eventbridge.Client
	eventsBus     string
	resultsPrefix string
	pipe          *pipeline.Pipeline
)

func init() {
	initStart := time.Now()
	logging.InitJSON()

	awsClients := lambdaboot.InitAWS()
	lambdaboot.LoadGeminiKey(awsClients.SSM)
	s3Clients = lambdaboot.InitS3(awsClients.Config, "DOCUMENT_BUCKET_NAME")
	runStore = lambdaboot.InitDynamoOptional(awsClients.Config, "RUNS_TABLE_NAME")
	eventsClient, eventsBus = lambdaboot.InitEventBridgeOptional(awsClients.Config, "COMPLETION_EVENT_BUS")

	resultsPrefix = os.Getenv("RESULTS_PREFIX")
	if resultsPrefix == "" {
		resultsPrefix = "results"
	}

	cfg, err := config.Load(os.Getenv("DOCOCR_CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	// The worker has no accelerator; pin the device so detection never
	// reaches for one.
	cfg.Device.Preferred = "cpu"
	cfg.Device.Strict = false

	if err := tesseract.CheckTesseractAvailable(); err != nil {
		log.Fatal().Err(err).Msg("tesseract is required for the fast pass")
	}
	if err := poppler.CheckPopplerAvailable(); err != nil {
		log.Fatal().Err(err).Msg("poppler is required for PDF handling")
	}

	analyzer, err := quality.New(cfg.Quality)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build quality analyzer")
	}

	devices := device.NewManager(cfg.Device)
	esc := gemini.New(cfg.Escalation, cfg.Quality.Languages)
	obs := progress.NewMulti(progress.Logger{}, progress.Metrics{})
	models := modelcache.NewManager(devices, esc.LoadModels, cfg.Pipeline.ModelTTL.Std(), obs)

	// The container outlives single invocations; an idle model from a
	// previous event is evicted instead of pinned until container reuse ends.
	models.StartEvictionLoop(context.Background(), 0)

	pipe, err = pipeline.New(cfg, pipeline.Deps{
		Analyzer:   analyzer,
		Devices:    devices,
		Models:     models,
		Fast:       tesseract.New(cfg.Quality.Languages, cfg.Pipeline.PerWorkerThreads),
		Escalation: esc,
		Extractor:  poppler.Extractor{},
		Renderer:   poppler.Renderer{MaxDimension: cfg.Escalation.MaxImageDimension},
		Signals:    document.Prober{},
		Observer:   obs,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}

	lambdaboot.StartupLog("ocr-lambda", initStart).
		S3Bucket("documents", s3Clients.Bucket).
		DynamoTable("runs", os.Getenv("RUNS_TABLE_NAME")).
		SSMParam("apiKey", logging.EnvOrDefault("SSM_API_KEY_PARAM", lambdaboot.DefaultAPIKeyParam)).
		Engine("fast", "tesseract").
		Engine("escalation", esc.Model()).
		Feature("alwaysEscalate", cfg.Pipeline.AlwaysEscalate).
		Config("resultsPrefix", resultsPrefix).
		Log()
}

func main() {
	lambda.Start(handler)
}

func handler(ctx context.Context, s3Event events.S3Event) error {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "ocr-lambda").Msg("Cold start, first invocation")
	}

	for _, record := range s3Event.Records {
		key := record.S3.Object.Key
		if err := processObject(ctx, record.S3.Bucket.Name, key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to process document")
			// A failed record must not block the rest of the batch.
		}
	}
	return nil
}

func processObject(ctx context.Context, bucket, key string) error {
	start := time.Now()

	// Artifact uploads land under the results prefix on the same bucket;
	// processing those events again would recurse.
	if strings.HasPrefix(key, resultsPrefix+"/") {
		log.Debug().Str("key", key).Msg("Skipping artifact key")
		return nil
	}

	ext := strings.ToLower(filepath.Ext(key))
	if !document.IsSupported(ext) {
		log.Warn().Str("key", key).Str("ext", ext).Msg("Unsupported document type")
		return nil
	}

	logger := log.With().Str("bucket", bucket).Str("key", key).Logger()
	logger.Info().Msg("Processing document")

	localPath, cleanup, err := s3util.DownloadToTempFile(ctx, s3Clients.Client, bucket, key)
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	defer cleanup()

	// S3 delivers events at least once, and users re-upload the same scan.
	// Identical bytes already processed are acknowledged, not re-run.
	var fp string
	if runStore != nil {
		if fp, err = store.Fingerprint(localPath); err != nil {
			logger.Warn().Err(err).Msg("Fingerprinting failed, processing without dedup")
			fp = ""
		} else if prior, err := runStore.GetFingerprint(ctx, fp); err != nil {
			logger.Warn().Err(err).Msg("Fingerprint lookup failed, processing anyway")
		} else if prior != nil {
			logger.Info().Str("priorRun", prior.RunID).Msg("Duplicate upload, skipping")
			metrics.New(metrics.Namespace).
				Dimension("Operation", "lambda").
				Count("DuplicateSkips").
				Flush()
			return nil
		}
	}

	runID := uuid.NewString()
	source := fmt.Sprintf("s3://%s/%s", bucket, key)
	logger = logger.With().Str("runId", runID).Logger()

	if runStore != nil {
		running := &store.Run{ID: runID, Status: store.RunStatusRunning, Source: source, CreatedAt: start.Unix()}
		if err := runStore.PutRun(ctx, running); err != nil {
			logger.Warn().Err(err).Msg("Failed to write run record")
		}
	}

	res, err := pipe.RunWithID(ctx, runID, []string{localPath})
	if err != nil {
		if runStore != nil {
			if uerr := runStore.UpdateRunStatus(ctx, runID, store.RunStatusFailed); uerr != nil {
				logger.Warn().Err(uerr).Msg("Failed to mark run failed")
			}
		}
		return fmt.Errorf("pipeline run %s: %w", runID, err)
	}
	defer os.RemoveAll(res.WorkDir)

	localDir := filepath.Join(os.TempDir(), "ocr-artifacts", runID)
	defer os.RemoveAll(localDir)

	summary, err := (&artifacts.LocalWriter{Dir: localDir}).Write(res)
	if err != nil {
		return fmt.Errorf("write artifacts for %s: %w", runID, err)
	}

	uploader := &artifacts.S3Writer{
		Client:    s3Clients.Client,
		Presigner: s3Clients.Presigner,
		Bucket:    s3Clients.Bucket,
		Prefix:    resultsPrefix,
	}
	if _, err := uploader.UploadDir(ctx, runID, localDir); err != nil {
		return fmt.Errorf("upload artifacts for %s: %w", runID, err)
	}

	summaryKey := uploader.SummaryKey(runID)
	resultURL, err := uploader.ResultURL(ctx, summaryKey)
	if err != nil {
		logger.Warn().Err(err).Msg("Presigning result URL failed")
		resultURL = ""
	}

	// Source objects arrive through presigned or console uploads and carry
	// no cost-allocation tag. Tag them here; artifacts are tagged at upload.
	if err := s3util.TagObject(ctx, s3Clients.Client, bucket, key); err != nil {
		logger.Warn().Err(err).Msg("Failed to tag source object")
	}

	recordRun(ctx, logger, runRecord{
		runID:      runID,
		source:     source,
		key:        key,
		fp:         fp,
		summaryKey: summaryKey,
		startedAt:  start,
	}, res, summary, uploader)

	emitRunCompleted(ctx, RunCompleted{
		RunID:      runID,
		Source:     source,
		State:      summary.State,
		Documents:  summary.Documents,
		Pages:      summary.Pages,
		Flagged:    summary.Flagged,
		Escalated:  summary.Escalated,
		SummaryKey: summaryKey,
		ResultURL:  resultURL,
	})

	metrics.New(metrics.Namespace).
		Dimension("Operation", "lambda").
		Timing("HandlerMs", time.Since(start)).
		Count("DocumentsProcessed").
		Property("runId", runID).
		Flush()

	logger.Info().
		Int("pages", summary.Pages).
		Int("escalated", summary.Escalated).
		Dur("duration", time.Since(start)).
		Msg("Document processed")
	return nil
}

// runRecord carries the identifiers recordRun persists.
type runRecord struct {
	runID      string
	source     string
	key        string
	fp         string
	summaryKey string
	startedAt  time.Time
}

// recordRun persists the final run record, the per-document outcome, and
// the content fingerprint. Store failures are logged, never returned: the
// artifacts are already durable in S3.
func recordRun(ctx context.Context, logger zerolog.Logger, rec runRecord, res *pipeline.Result, summary *artifacts.RunSummary, uploader *artifacts.S3Writer) {
	if runStore == nil {
		return
	}

	status := store.RunStatusDone
	allFailed := len(res.Jobs) > 0
	for _, job := range res.Jobs {
		if job.Status == ocr.JobDone {
			allFailed = false
		}
	}
	if allFailed {
		status = store.RunStatusFailed
	}

	var batchFailures []store.BatchFailureRecord
	for _, bf := range res.BatchFailures {
		batchFailures = append(batchFailures, store.BatchFailureRecord{
			Batch: bf.Batch,
			Pages: bf.Pages,
			Error: bf.Err,
		})
	}

	run := &store.Run{
		ID:            rec.runID,
		Status:        status,
		Source:        rec.source,
		Documents:     summary.Documents,
		Pages:         summary.Pages,
		Flagged:       summary.Flagged,
		Escalated:     summary.Escalated,
		Device:        res.Device,
		BatchFailures: batchFailures,
		Phase1Ms:      summary.Phase1Ms,
		Phase2Ms:      summary.Phase2Ms,
		TotalMs:       summary.TotalMs,
		CreatedAt:     rec.startedAt.Unix(),
	}
	if err := runStore.PutRun(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("Failed to write run record")
	}

	for i, ds := range summary.Results {
		doc := &store.DocumentResult{
			Index:      i,
			Path:       rec.key,
			Status:     ds.Status,
			Pages:      ds.Pages,
			Flagged:    ds.Flagged,
			Escalated:  ds.Escalated,
			Error:      ds.Error,
			DurationMs: (res.Jobs[i].Phase1Duration + res.Jobs[i].Phase2Duration).Milliseconds(),
		}
		if ds.Artifacts.PDFPath != "" {
			doc.OutputKey = uploader.ArtifactKey(rec.runID, ds.Artifacts.PDFPath)
		}
		if ds.Artifacts.TextPath != "" {
			doc.TextKey = uploader.ArtifactKey(rec.runID, ds.Artifacts.TextPath)
		}
		if err := runStore.PutDocumentResult(ctx, rec.runID, doc); err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("Failed to write document record")
		}
	}

	if rec.fp != "" && status == store.RunStatusDone {
		fpRec := &store.FingerprintRecord{
			Fingerprint: rec.fp,
			RunID:       rec.runID,
			OutputKey:   rec.summaryKey,
		}
		if err := runStore.PutFingerprint(ctx, fpRec); err != nil {
			logger.Warn().Err(err).Msg("Failed to write fingerprint record")
		}
	}
}
