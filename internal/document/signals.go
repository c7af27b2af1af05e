package document

import (
	"fmt"
	"image"
	"os"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/tiff"

	"github.com/fpang/doc-ocr-cli/internal/quality"
)

// Signal estimation constants.
const (
	// luminanceBins is the histogram resolution for contrast estimation.
	luminanceBins = 256

	// contrastLowPercentile and contrastHighPercentile bound the tonal
	// range measurement. The outermost pixels are ignored so a few
	// specks of dust or a black scanner edge do not read as contrast.
	contrastLowPercentile  = 0.05
	contrastHighPercentile = 0.95

	// sharpLaplacianVariance is the Laplacian response variance of a
	// crisp 300 DPI text scan. Responses at or above it score as fully
	// sharp; lower responses scale linearly toward fully blurred.
	sharpLaplacianVariance = 1000.0

	// assumedPageInches is the long-edge length used to estimate
	// effective DPI when the physical page size is unknown. Letter and
	// A4 long edges are 11.0 and 11.7 inches.
	assumedPageInches = 11.0

	// probeMaxPixels caps the sampled area. Signals are statistical, so
	// sampling a stride of a very large scan gives the same answer.
	probeMaxPixels = 4_000_000
)

// Prober estimates scan-quality image signals for single-image documents.
// The zero value is ready to use.
type Prober struct{}

// ProbeFile decodes an image document and estimates its signals. PDF input
// is rejected; probe the rendered page image instead.
func (Prober) ProbeFile(path string) (*quality.ImageSignals, error) {
	if strings.HasSuffix(strings.ToLower(path), ".pdf") {
		return nil, fmt.Errorf("image signals require an image, not a PDF")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	sig := ProbeImage(img)
	log.Debug().
		Str("path", path).
		Float64("blur", sig.BlurScore).
		Float64("contrast", sig.Contrast).
		Int("effective_dpi", sig.EffectiveDPI).
		Msg("Image signals probed")
	return &sig, nil
}

// ProbeImage estimates signals from an in-memory image: tonal contrast from
// the luminance histogram, blur from Laplacian response variance, and
// effective DPI from pixel dimensions. Skew estimation needs line detection
// this probe does not attempt; SkewDegrees stays 0.
func ProbeImage(img image.Image) quality.ImageSignals {
	lum, width, height := luminancePlane(img)

	return quality.ImageSignals{
		BlurScore:    blurScore(lum, width, height),
		Contrast:     contrastScore(lum),
		EffectiveDPI: estimateEffectiveDPI(width, height),
	}
}

// luminancePlane extracts a subsampled 8-bit luminance plane.
func luminancePlane(img image.Image) ([]uint8, int, int) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	stride := 1
	for (width/stride)*(height/stride) > probeMaxPixels {
		stride++
	}

	outW, outH := width/stride, height/stride
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}

	lum := make([]uint8, 0, outW*outH)
	for y := 0; y < outH; y++ {
		for x := 0; x < outW; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x*stride, bounds.Min.Y+y*stride).RGBA()
			// RGBA() returns 16-bit values; BT.601 luma, scaled to 8-bit.
			v := (299*int(r>>8) + 587*int(g>>8) + 114*int(b>>8)) / 1000
			lum = append(lum, uint8(v))
		}
	}
	return lum, outW, outH
}

// contrastScore measures how much of the tonal range the page uses, as the
// spread between the low and high luminance percentiles.
func contrastScore(lum []uint8) float64 {
	if len(lum) == 0 {
		return 0
	}

	var hist [luminanceBins]int
	for _, v := range lum {
		hist[v]++
	}

	total := len(lum)
	lowTarget := int(float64(total) * contrastLowPercentile)
	highTarget := int(float64(total) * contrastHighPercentile)

	low, high := 0, luminanceBins-1
	seen := 0
	for i, n := range hist {
		seen += n
		if seen >= lowTarget {
			low = i
			break
		}
	}
	seen = 0
	for i, n := range hist {
		seen += n
		if seen >= highTarget {
			high = i
			break
		}
	}

	if high <= low {
		return 0
	}
	return float64(high-low) / float64(luminanceBins-1)
}

// blurScore estimates defocus/motion blur from the variance of the 3x3
// Laplacian response. Sharp edges produce strong responses; blur flattens
// them. 0 is sharp, 1 is fully blurred.
func blurScore(lum []uint8, width, height int) float64 {
	if width < 3 || height < 3 {
		return 0
	}

	var sum, sumSq float64
	n := 0
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			center := int(lum[y*width+x])
			response := 4*center -
				int(lum[(y-1)*width+x]) -
				int(lum[(y+1)*width+x]) -
				int(lum[y*width+x-1]) -
				int(lum[y*width+x+1])
			r := float64(response)
			sum += r
			sumSq += r * r
			n++
		}
	}
	if n == 0 {
		return 0
	}

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean

	if variance >= sharpLaplacianVariance {
		return 0
	}
	return 1 - variance/sharpLaplacianVariance
}

// estimateEffectiveDPI derives scan resolution from pixel dimensions under
// the assumed long-edge page size.
func estimateEffectiveDPI(width, height int) int {
	longEdge := width
	if height > longEdge {
		longEdge = height
	}
	if longEdge == 0 {
		return 0
	}
	return int(float64(longEdge) / assumedPageInches)
}
