// Package quality scores per-page OCR output and decides whether a page
// needs escalation to the expensive engine.
//
// Three independent signals each produce a score in [0,1] (higher is
// better): garbled-pattern detection, dictionary token coverage, and
// engine-reported confidence. The composite is a weighted sum; a page is
// flagged when the composite falls below the configured threshold. Scoring
// is a pure function of the text and configuration, with no I/O.
package quality

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pemistahl/lingua-go"
	"github.com/rs/zerolog/log"

	"github.com/fpang/doc-ocr-cli/internal/assets"
	"github.com/fpang/doc-ocr-cli/internal/config"
)

// Signal names used as keys in Result.Signals and Result.Detail.
const (
	SignalGarbled    = "garbled"
	SignalDictionary = "dictionary"
	SignalConfidence = "confidence"
)

// LanguageAuto enables per-page language detection for wordlist selection.
const LanguageAuto = "auto"

// Confidence carries engine-reported recognition confidence for one page.
// A nil Confidence (or one with no word entries) means the producing engine
// exposed nothing, and the analyzer substitutes a neutral default.
type Confidence struct {
	// WordConfidences are per-word confidences normalized to [0,1].
	WordConfidences []float64
}

// Disagreement records one signal pair whose scores differ by more than the
// configured threshold. Diagnostic only; never part of the flag decision.
type Disagreement struct {
	SignalA   string  `json:"signal_a"`
	SignalB   string  `json:"signal_b"`
	Magnitude float64 `json:"magnitude"`
}

// Result is the analyzer's verdict for one page.
type Result struct {
	// Composite is the weighted combination of all signal scores, in [0,1].
	Composite float64 `json:"composite"`
	// Signals maps signal name to its score in [0,1].
	Signals map[string]float64 `json:"signals"`
	// Detail maps signal name to a short description of the evidence used.
	Detail map[string]string `json:"detail,omitempty"`
	// Flagged is true when Composite is below the flag threshold.
	Flagged bool `json:"flagged"`
	// GrayZone is true when Composite lies within the gray-zone margin of
	// the threshold, on either side. Tracked independently of Flagged: a
	// narrow pass is still a low-confidence decision.
	GrayZone bool `json:"gray_zone"`
	// Disagreements lists signal pairs whose scores diverge beyond the
	// disagreement threshold.
	Disagreements []Disagreement `json:"disagreements,omitempty"`
	// Struggles holds advisory failure-category labels (see struggle.go).
	Struggles []string `json:"struggles,omitempty"`
	// DetectedLanguage is the ISO 639-1 code the detector assigned to the
	// page text, empty when the page was too thin to classify.
	DetectedLanguage string `json:"detected_language,omitempty"`
}

// detectionCandidates maps ISO 639-1 codes to the lingua languages the
// detector can distinguish. Wider than the embedded wordlists on purpose:
// detecting that a page is French is valuable diagnosis even though only
// en/de carry base vocabularies.
var detectionCandidates = map[string]lingua.Language{
	"en": lingua.English,
	"de": lingua.German,
	"fr": lingua.French,
	"es": lingua.Spanish,
	"it": lingua.Italian,
	"pt": lingua.Portuguese,
	"nl": lingua.Dutch,
}

// Analyzer scores page text against a fixed configuration. Safe for
// concurrent use: all state is read-only after construction.
type Analyzer struct {
	cfg config.QualityConfig

	// wordsByLang holds the base wordlist per configured language.
	wordsByLang map[string]map[string]struct{}
	// unionWords is the merged vocabulary across all configured languages
	// plus custom words, used when detection is off or inconclusive.
	unionWords map[string]struct{}
	// custom holds the configured domain vocabulary, merged into every
	// per-language lookup.
	custom map[string]struct{}

	detector lingua.LanguageDetector
	autoLang bool
}

// New builds an Analyzer from validated configuration. The language list
// must resolve to at least one embedded wordlist (or custom vocabulary);
// an empty vocabulary would score every page as unknown.
func New(cfg config.QualityConfig) (*Analyzer, error) {
	a := &Analyzer{
		cfg:         cfg,
		wordsByLang: make(map[string]map[string]struct{}),
		unionWords:  make(map[string]struct{}),
		custom:      make(map[string]struct{}),
	}

	for _, w := range cfg.CustomWords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			a.custom[w] = struct{}{}
		}
	}

	langs := cfg.Languages
	for _, l := range langs {
		if l == LanguageAuto {
			a.autoLang = true
		}
	}
	if a.autoLang {
		langs = assets.WordlistLanguages
	}

	for _, lang := range langs {
		words, ok := assets.Wordlist(lang)
		if !ok {
			if a.autoLang {
				continue
			}
			log.Warn().Str("language", lang).Msg("No embedded wordlist for configured language")
			continue
		}
		a.wordsByLang[lang] = words
		for w := range words {
			a.unionWords[w] = struct{}{}
		}
	}
	for w := range a.custom {
		a.unionWords[w] = struct{}{}
	}

	if len(a.unionWords) == 0 {
		return nil, fmt.Errorf("no vocabulary available for languages %v and no custom words configured", cfg.Languages)
	}

	candidates := make([]lingua.Language, 0, len(detectionCandidates))
	for _, l := range detectionCandidates {
		candidates = append(candidates, l)
	}
	a.detector = lingua.NewLanguageDetectorBuilder().
		FromLanguages(candidates...).
		WithLowAccuracyMode().
		Build()

	log.Debug().
		Strs("languages", langs).
		Int("vocabulary", len(a.unionWords)).
		Int("custom_words", len(a.custom)).
		Bool("auto_detect", a.autoLang).
		Msg("Quality analyzer ready")

	return a, nil
}

// Analyze scores one page of OCR text. conf may be nil when the producing
// engine reports no per-word confidence.
func (a *Analyzer) Analyze(text string, conf *Confidence) Result {
	return a.AnalyzeWithImage(text, conf, nil)
}

// AnalyzeWithImage scores one page with optional image-quality signals from
// the source scan. Image signals only influence the advisory struggle
// categories, never the composite score.
func (a *Analyzer) AnalyzeWithImage(text string, conf *Confidence, img *ImageSignals) Result {
	detected := a.detectLanguage(text)

	garbledScore, garbledDetail := scoreGarbled(text)
	dictScore, dictDetail := a.scoreDictionary(text, detected)
	confScore, confDetail := a.scoreConfidence(conf)

	// Clamp: float rounding on the weighted sum can land a hair outside [0,1].
	composite := clamp(a.cfg.GarbledWeight*garbledScore+
		a.cfg.DictionaryWeight*dictScore+
		a.cfg.ConfidenceWeight*confScore, 0, 1)

	r := Result{
		Composite: composite,
		Signals: map[string]float64{
			SignalGarbled:    garbledScore,
			SignalDictionary: dictScore,
			SignalConfidence: confScore,
		},
		Detail: map[string]string{
			SignalGarbled:    garbledDetail,
			SignalDictionary: dictDetail,
			SignalConfidence: confDetail,
		},
		Flagged:          composite < a.cfg.FlagThreshold,
		GrayZone:         math.Abs(composite-a.cfg.FlagThreshold) <= a.cfg.GrayZoneMargin,
		DetectedLanguage: detected,
	}

	r.Disagreements = a.findDisagreements(r.Signals)
	r.Struggles = a.categorizeStruggles(text, r, img)

	return r
}

// Threshold returns the configured flag threshold, for callers that report
// scores relative to it.
func (a *Analyzer) Threshold() float64 { return a.cfg.FlagThreshold }

// detectLanguage classifies the page language. Returns "" when the text is
// too thin to classify reliably.
func (a *Analyzer) detectLanguage(text string) string {
	if a.detector == nil || len(strings.Fields(text)) < 10 {
		return ""
	}
	detected, ok := a.detector.DetectLanguageOf(text)
	if !ok {
		return ""
	}
	for code, l := range detectionCandidates {
		if l == detected {
			return code
		}
	}
	return ""
}

// findDisagreements records every signal pair whose absolute score
// difference exceeds the disagreement threshold. Pairs are emitted in
// lexical order so output is deterministic.
func (a *Analyzer) findDisagreements(signals map[string]float64) []Disagreement {
	names := make([]string, 0, len(signals))
	for name := range signals {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Disagreement
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			mag := math.Abs(signals[names[i]] - signals[names[j]])
			if mag > a.cfg.DisagreementThreshold {
				out = append(out, Disagreement{
					SignalA:   names[i],
					SignalB:   names[j],
					Magnitude: mag,
				})
			}
		}
	}
	return out
}
