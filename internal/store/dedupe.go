package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// Fingerprint creates a content fingerprint for a document:
// SHA-256(fileSize || first64KB || last64KB). Sampling the ends instead of
// hashing whole scans keeps this cheap for multi-hundred-page PDFs while
// still catching byte-identical re-uploads.
func Fingerprint(filePath string) (string, error) {
	const chunkSize = 64 * 1024

	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	fileSize := fi.Size()

	h := sha256.New()
	if err := binary.Write(h, binary.BigEndian, fileSize); err != nil {
		return "", err
	}

	buf := make([]byte, chunkSize)
	n, _ := io.ReadFull(f, buf)
	h.Write(buf[:n])

	if fileSize > int64(chunkSize) {
		if _, err := f.Seek(-int64(chunkSize), io.SeekEnd); err == nil {
			n, _ = io.ReadFull(f, buf)
			h.Write(buf[:n])
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// PutFingerprint stores a fingerprint-to-run mapping so duplicate uploads
// can reuse existing results instead of reprocessing.
func (s *DynamoStore) PutFingerprint(ctx context.Context, rec *FingerprintRecord) error {
	if rec.ProcessedAt == 0 {
		rec.ProcessedAt = time.Now().Unix()
	}

	if err := s.putItem(ctx, fpPrefix+rec.Fingerprint, skMeta, FingerprintTTL, rec); err != nil {
		return fmt.Errorf("put fingerprint %s: %w", rec.Fingerprint, err)
	}

	log.Debug().
		Str("fingerprint", rec.Fingerprint).
		Str("runId", rec.RunID).
		Msg("Fingerprint mapping stored")
	return nil
}

// GetFingerprint checks whether a fingerprint was already processed.
// Returns nil, nil when it was not.
func (s *DynamoStore) GetFingerprint(ctx context.Context, fingerprint string) (*FingerprintRecord, error) {
	var rec FingerprintRecord
	found, err := s.getItem(ctx, fpPrefix+fingerprint, skMeta, &rec)
	if err != nil {
		return nil, fmt.Errorf("get fingerprint %s: %w", fingerprint, err)
	}
	if !found {
		return nil, nil
	}

	rec.Fingerprint = fingerprint
	return &rec, nil
}
