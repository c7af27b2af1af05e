package poppler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"

	"github.com/fpang/doc-ocr-cli/internal/ocr"
)

// Renderer rasterizes single PDF pages to PNG for the escalation engine.
type Renderer struct {
	// MaxDimension caps the longest edge of a rendered page in pixels.
	// Pages exceeding it are downscaled before upload. 0 disables scaling.
	MaxDimension int
}

// RenderPage rasterizes one page (0-based index) at the given DPI.
func (r Renderer) RenderPage(ctx context.Context, docPath string, pageIndex, dpi int) (ocr.PageImage, error) {
	if pageIndex < 0 {
		return ocr.PageImage{}, fmt.Errorf("page index must be non-negative, got %d", pageIndex)
	}

	// pdftoppm numbers pages from 1; "-" as the output root writes the
	// single requested page to stdout.
	page := strconv.Itoa(pageIndex + 1)
	output, err := run(ctx, "pdftoppm",
		"-png",
		"-r", strconv.Itoa(dpi),
		"-f", page,
		"-l", page,
		docPath, "-")
	if err != nil {
		return ocr.PageImage{}, err
	}

	data, err := fitToDimension(output, r.MaxDimension)
	if err != nil {
		return ocr.PageImage{}, fmt.Errorf("scaling page %d of %s: %w", pageIndex, filepath.Base(docPath), err)
	}

	log.Debug().
		Str("document", filepath.Base(docPath)).
		Int("page", pageIndex).
		Int("dpi", dpi).
		Int("bytes", len(data)).
		Msg("Rendered page image")

	return ocr.PageImage{
		Index:    pageIndex,
		Data:     data,
		MIMEType: "image/png",
	}, nil
}

// fitToDimension downscales a PNG whose longest edge exceeds maxDimension,
// preserving aspect ratio. Returns the input unchanged when it already fits
// or when maxDimension is 0.
func fitToDimension(pngData []byte, maxDimension int) ([]byte, error) {
	if maxDimension <= 0 {
		return pngData, nil
	}

	img, err := png.Decode(bytes.NewReader(pngData))
	if err != nil {
		return nil, fmt.Errorf("decoding rendered page: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxDimension && height <= maxDimension {
		return pngData, nil
	}

	newWidth, newHeight := scaledDimensions(width, height, maxDimension)
	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, resized); err != nil {
		return nil, fmt.Errorf("encoding scaled page: %w", err)
	}

	log.Debug().
		Int("orig_width", width).
		Int("orig_height", height).
		Int("new_width", newWidth).
		Int("new_height", newHeight).
		Msg("Downscaled page image")
	return buf.Bytes(), nil
}

// scaledDimensions computes the target size with the longest edge at
// maxDimension, preserving aspect ratio.
func scaledDimensions(width, height, maxDimension int) (int, int) {
	if width <= maxDimension && height <= maxDimension {
		return width, height
	}

	if width > height {
		newWidth := maxDimension
		newHeight := int(float64(height) * float64(maxDimension) / float64(width))
		if newHeight < 1 {
			newHeight = 1
		}
		return newWidth, newHeight
	}

	newHeight := maxDimension
	newWidth := int(float64(width) * float64(maxDimension) / float64(height))
	if newWidth < 1 {
		newWidth = 1
	}
	return newWidth, newHeight
}
