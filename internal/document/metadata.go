package document

import (
	"os"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
)

// Metadata holds the EXIF fields relevant to scanned documents. For scans
// the Make/Model pair identifies the scanner, which matters when a whole
// batch from one device scores poorly.
type Metadata struct {
	ScannerMake  string    `json:"scanner_make,omitempty"`
	ScannerModel string    `json:"scanner_model,omitempty"`
	Created      time.Time `json:"created,omitempty"`
}

// ProbeMetadata extracts EXIF metadata from an image document. PDFs and
// images without EXIF return ok=false; that is the normal case for
// synthetic or heavily processed scans, not an error.
func ProbeMetadata(path string) (Metadata, bool) {
	file, err := os.Open(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("Cannot open file for metadata probe")
		return Metadata{}, false
	}
	defer file.Close()

	exifData, err := imagemeta.Decode(file)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("No EXIF metadata")
		return Metadata{}, false
	}

	md := Metadata{
		ScannerMake:  strings.TrimSpace(exifData.Make),
		ScannerModel: strings.TrimSpace(exifData.Model),
	}

	// Date priority: DateTimeOriginal > CreateDate > ModifyDate.
	switch {
	case !exifData.DateTimeOriginal().IsZero():
		md.Created = exifData.DateTimeOriginal()
	case !exifData.CreateDate().IsZero():
		md.Created = exifData.CreateDate()
	case !exifData.ModifyDate().IsZero():
		md.Created = exifData.ModifyDate()
	}

	if md.ScannerMake == "" && md.ScannerModel == "" && md.Created.IsZero() {
		return Metadata{}, false
	}

	log.Debug().
		Str("path", path).
		Str("make", md.ScannerMake).
		Str("model", md.ScannerModel).
		Msg("Document metadata probed")
	return md, true
}

// String formats the metadata for result sidecars.
func (m Metadata) String() string {
	var parts []string
	if m.ScannerMake != "" || m.ScannerModel != "" {
		parts = append(parts, strings.TrimSpace(m.ScannerMake+" "+m.ScannerModel))
	}
	if !m.Created.IsZero() {
		parts = append(parts, m.Created.Format("2006-01-02 15:04:05"))
	}
	if len(parts) == 0 {
		return "no metadata"
	}
	return strings.Join(parts, ", ")
}
