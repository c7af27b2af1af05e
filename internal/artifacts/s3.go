package artifacts

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/doc-ocr-cli/internal/s3util"
)

// uploadConcurrency bounds parallel S3 uploads. Artifacts are small; four
// streams saturate a Lambda's network allocation without holding many open
// bodies.
const uploadConcurrency = 4

// resultURLExpiry is how long presigned result links stay valid.
const resultURLExpiry = 1 * time.Hour

// S3Writer uploads an artifact directory to a results prefix.
type S3Writer struct {
	Client    *s3.Client
	Presigner *s3.PresignClient
	Bucket    string
	// Prefix is the key prefix for all uploads, e.g. "results". The run ID
	// is appended per upload.
	Prefix string
}

// UploadDir uploads every file under dir to <Prefix>/<runID>/<relpath>.
// Uploads run in parallel; the first failure cancels the rest. Returns the
// uploaded keys sorted for deterministic logging.
func (w *S3Writer) UploadDir(ctx context.Context, runID, dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking artifact directory: %w", err)
	}

	var mu sync.Mutex
	var keys []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, path := range paths {
		g.Go(func() error {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			key := w.ArtifactKey(runID, rel)

			if err := s3util.UploadFile(gctx, w.Client, w.Bucket, key, path, contentTypeFor(rel)); err != nil {
				return fmt.Errorf("uploading %s: %w", rel, err)
			}

			mu.Lock()
			keys = append(keys, key)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(keys)
	log.Info().
		Str("runId", runID).
		Str("bucket", w.Bucket).
		Int("files", len(keys)).
		Msg("Run artifacts uploaded")
	return keys, nil
}

// ResultURL generates a presigned GET link for an uploaded artifact.
func (w *S3Writer) ResultURL(ctx context.Context, key string) (string, error) {
	return s3util.GeneratePresignedURL(ctx, w.Presigner, w.Bucket, key, resultURLExpiry)
}

// SummaryKey returns the run.json key for a run, the entry point consumers
// poll for.
func (w *S3Writer) SummaryKey(runID string) string {
	return w.ArtifactKey(runID, runSummaryName)
}

// ArtifactKey returns the object key for one artifact file of a run.
func (w *S3Writer) ArtifactKey(runID, rel string) string {
	key := filepath.ToSlash(filepath.Join(runID, rel))
	if w.Prefix != "" {
		key = strings.TrimSuffix(w.Prefix, "/") + "/" + key
	}
	return key
}

// contentTypeFor maps artifact extensions to MIME types.
func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".json":
		return "application/json"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
