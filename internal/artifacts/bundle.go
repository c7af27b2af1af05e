package artifacts

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// zipMethodZstd is the ZIP compression method ID for Zstandard (APPNOTE
// 6.3.7). Registered in init() with zstd level 12 (SpeedBestCompression in
// klauspost/compress).
const zipMethodZstd uint16 = 93

func init() {
	// Level 12 maps to SpeedBestCompression, the highest the Go library
	// supports. OCR artifacts are mostly text, where zstd at this level
	// roughly halves the bundle against deflate.
	zip.RegisterCompressor(zipMethodZstd, func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(12)))
	})
	zip.RegisterDecompressor(zipMethodZstd, func(r io.Reader) io.ReadCloser {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return io.NopCloser(&errReader{err: err})
		}
		return zr.IOReadCloser()
	})
}

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }

// BundleWriter packs an artifact directory into a single ZIP.
type BundleWriter struct{}

// Bundle creates <dir>/../<runID>.zip containing every file in dir, using
// Zstandard entries. Returns the bundle path and its size.
func (BundleWriter) Bundle(runID, dir string) (string, int64, error) {
	zipPath := filepath.Join(filepath.Dir(dir), sanitizeName(runID)+".zip")

	f, err := os.Create(zipPath)
	if err != nil {
		return "", 0, fmt.Errorf("create bundle: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	count := 0

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		header := &zip.FileHeader{
			Name:     filepath.ToSlash(rel),
			Method:   zipMethodZstd,
			Modified: time.Now(),
		}

		w, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("create bundle entry %s: %w", rel, err)
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, in); err != nil {
			in.Close()
			return fmt.Errorf("write bundle entry %s: %w", rel, err)
		}
		in.Close()
		count++
		return nil
	})
	if err != nil {
		zw.Close()
		return "", 0, fmt.Errorf("bundling %s: %w", dir, err)
	}

	if err := zw.Close(); err != nil {
		return "", 0, fmt.Errorf("close bundle: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("close bundle file: %w", err)
	}

	info, err := os.Stat(zipPath)
	if err != nil {
		return "", 0, fmt.Errorf("stat bundle: %w", err)
	}

	log.Info().
		Str("bundle", zipPath).
		Int("files", count).
		Int64("bytes", info.Size()).
		Msg("Artifact bundle created")
	return zipPath, info.Size(), nil
}
