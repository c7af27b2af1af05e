package quality

import "strings"

// ImageSignals carries optional image-quality measurements from the source
// scan. They feed the advisory struggle categories only; the composite
// score is computed from text alone.
type ImageSignals struct {
	// BlurScore is 0 for a sharp scan, 1 for a fully blurred one.
	BlurScore float64
	// Contrast is 0 for a flat image, 1 for one using the full tonal range.
	Contrast float64
	// SkewDegrees is the estimated page rotation from horizontal.
	SkewDegrees float64
	// EffectiveDPI is the scan resolution relative to the physical page,
	// 0 when unknown.
	EffectiveDPI int
}

// Struggle category labels. Advisory only: they name the likely reason a
// page scored poorly so humans (and calibration tooling) can act on it.
const (
	StruggleScanQuality  = "likely scan-quality issue"
	StruggleMultilingual = "likely multilingual confusion"
	StruggleVocabulary   = "vocabulary miss"
	StruggleLowSignal    = "low-signal page"
	StruggleSkew         = "skewed page"
)

// Category rule thresholds.
const (
	lowSignalMinTokens  = 5
	blurThreshold       = 0.5
	contrastFloor       = 0.3
	dpiFloor            = 150
	skewDegreeThreshold = 2.0
)

// categorizeStruggles applies independent boolean rules over the signal
// scores and optional image measurements. A page may match zero, one, or
// several categories; none of them gate the escalation decision.
func (a *Analyzer) categorizeStruggles(text string, r Result, img *ImageSignals) []string {
	var out []string

	garbled := r.Signals[SignalGarbled]
	dict := r.Signals[SignalDictionary]
	conf := r.Signals[SignalConfidence]

	if len(strings.Fields(text)) < lowSignalMinTokens {
		out = append(out, StruggleLowSignal)
	}

	scanQuality := false
	if img != nil && garbled < 0.6 {
		if img.BlurScore > blurThreshold || img.Contrast < contrastFloor ||
			(img.EffectiveDPI > 0 && img.EffectiveDPI < dpiFloor) {
			scanQuality = true
		}
	}
	if garbled < 0.4 && conf < 0.5 {
		scanQuality = true
	}
	if scanQuality {
		out = append(out, StruggleScanQuality)
	}

	if dict < 0.5 && garbled >= 0.7 {
		if r.DetectedLanguage != "" && !a.configuredLanguage(r.DetectedLanguage) {
			out = append(out, StruggleMultilingual)
		} else if conf >= 0.7 {
			// Text reads cleanly and the engine was confident; the
			// whitelist simply does not know the vocabulary.
			out = append(out, StruggleVocabulary)
		}
	}

	if img != nil && (img.SkewDegrees > skewDegreeThreshold || img.SkewDegrees < -skewDegreeThreshold) {
		out = append(out, StruggleSkew)
	}

	return out
}

// configuredLanguage reports whether the given code is in scope: listed
// explicitly, or covered by a wordlist when language selection is auto.
func (a *Analyzer) configuredLanguage(code string) bool {
	for _, l := range a.cfg.Languages {
		if l == code {
			return true
		}
		if l == LanguageAuto {
			if _, ok := a.wordsByLang[code]; ok {
				return true
			}
		}
	}
	return false
}
