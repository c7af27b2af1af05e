// Package document discovers input documents and probes their image
// characteristics for the quality analyzer.
//
// Discovery walks directories the way a user expects a CLI to: recursive by
// default, symlinked files followed, symlinked directories skipped, unreadable
// entries logged and skipped rather than aborting the run.
package document

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// SupportedExtensions maps processable file extensions to MIME types.
var SupportedExtensions = map[string]string{
	".pdf":  "application/pdf",
	".tiff": "image/tiff",
	".tif":  "image/tiff",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// IsSupported reports whether the extension (with leading dot, any case)
// names a processable document type.
func IsSupported(ext string) bool {
	_, ok := SupportedExtensions[strings.ToLower(ext)]
	return ok
}

// MIMEType returns the MIME type for a supported extension, or "" for an
// unsupported one.
func MIMEType(ext string) string {
	return SupportedExtensions[strings.ToLower(ext)]
}

// File is one discovered input document.
type File struct {
	Path     string
	MIMEType string
	Size     int64
}

// ScanOptions configures directory scanning behavior.
type ScanOptions struct {
	// MaxDepth limits recursion depth. 0 = unlimited, 1 = top-level only.
	MaxDepth int

	// Limit caps the number of documents returned. 0 = unlimited.
	Limit int
}

// Scan scans a directory for supported documents, sorted by path.
// Convenience wrapper around ScanWithOptions with default options.
func Scan(dirPath string) ([]File, error) {
	return ScanWithOptions(dirPath, ScanOptions{})
}

// ScanWithOptions scans a directory tree for supported documents.
// Files are sorted alphabetically by path for consistent ordering.
func ScanWithOptions(dirPath string, opts ScanOptions) ([]File, error) {
	log.Debug().
		Str("path", dirPath).
		Int("max_depth", opts.MaxDepth).
		Int("limit", opts.Limit).
		Msg("Scanning directory for documents")

	info, err := os.Stat(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", dirPath)
		}
		return nil, fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dirPath)
	}

	absPath, err := filepath.Abs(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	baseDepth := strings.Count(absPath, string(os.PathSeparator))

	var files []File
	err = filepath.WalkDir(absPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Error accessing path, skipping")
			return nil
		}

		if opts.MaxDepth > 0 {
			currentDepth := strings.Count(path, string(os.PathSeparator)) - baseDepth
			if d.IsDir() && currentDepth >= opts.MaxDepth {
				return fs.SkipDir
			}
		}
		if d.IsDir() {
			return nil
		}

		// Follow file symlinks; skip directory symlinks to avoid loops.
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to resolve symlink, skipping")
				return nil
			}
			targetInfo, err := os.Stat(target)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to stat symlink target, skipping")
				return nil
			}
			if targetInfo.IsDir() {
				log.Debug().Str("path", path).Msg("Skipping symlink to directory")
				return nil
			}
		}

		if opts.Limit > 0 && len(files) >= opts.Limit {
			return fs.SkipAll
		}

		f, err := Load(path)
		if err != nil {
			log.Debug().Str("file", d.Name()).Msg("Skipping unsupported file")
			return nil
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	log.Info().
		Str("path", dirPath).
		Int("documents", len(files)).
		Msg("Directory scan complete")
	return files, nil
}

// Load validates a single path as a processable document.
func Load(path string) (File, error) {
	ext := strings.ToLower(filepath.Ext(path))
	mime, ok := SupportedExtensions[ext]
	if !ok {
		return File{}, fmt.Errorf("unsupported document type %q", ext)
	}

	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory, not a document", path)
	}

	return File{Path: path, MIMEType: mime, Size: info.Size()}, nil
}

// Collect resolves a mixed list of file and directory arguments into
// documents: directories are scanned recursively, files are validated
// individually. An explicitly named unsupported file is an error, unlike
// unsupported files met during a scan.
func Collect(paths []string) ([]File, error) {
	var files []File
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if info.IsDir() {
			scanned, err := Scan(path)
			if err != nil {
				return nil, err
			}
			files = append(files, scanned...)
			continue
		}

		f, err := Load(path)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no supported documents found")
	}
	return files, nil
}
